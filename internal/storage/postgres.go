package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"github.com/zali-labs/quest-indexer/internal/models"
	"github.com/zali-labs/quest-indexer/pkg/utils"
)

// PostgresStorage is a durable archive implementation of Storage. The
// memory store remains authoritative for the hot pipeline; this backend
// exists for deployments that want raw events and aggregates to survive
// restarts.
type PostgresStorage struct {
	db     *sql.DB
	logger *logrus.Logger
}

// NewPostgresStorage opens a connection pool and runs migrations.
func NewPostgresStorage(connectionString string, maxConnections int) (*PostgresStorage, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeStorage, "Failed to open postgres connection", err.Error())
	}
	if maxConnections > 0 {
		db.SetMaxOpenConns(maxConnections)
	}

	s := &PostgresStorage{db: db, logger: utils.GetLogger()}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStorage) migrate() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS quest_events (
			tx_hash TEXT NOT NULL,
			log_index BIGINT NOT NULL,
			block_number BIGINT NOT NULL,
			block_timestamp BIGINT NOT NULL,
			address TEXT NOT NULL,
			event_name TEXT NOT NULL,
			args JSONB NOT NULL,
			PRIMARY KEY (tx_hash, log_index)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_quest_events_order ON quest_events (block_number, log_index)`,
		`CREATE INDEX IF NOT EXISTS idx_quest_events_name ON quest_events (event_name)`,
		`CREATE TABLE IF NOT EXISTS quest_players (
			address TEXT PRIMARY KEY,
			correct_answers BIGINT NOT NULL DEFAULT 0,
			total_answers BIGINT NOT NULL DEFAULT 0,
			total_rewards NUMERIC(78,0) NOT NULL DEFAULT 0,
			last_played_at BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS quest_questions (
			question_id TEXT PRIMARY KEY,
			total_answers BIGINT NOT NULL DEFAULT 0,
			correct_answers BIGINT NOT NULL DEFAULT 0,
			total_rewards_distributed NUMERIC(78,0) NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS quest_global_stats (
			id SMALLINT PRIMARY KEY DEFAULT 1,
			total_questions BIGINT NOT NULL DEFAULT 0,
			total_answers BIGINT NOT NULL DEFAULT 0,
			total_rewards_distributed NUMERIC(78,0) NOT NULL DEFAULT 0,
			unique_players BIGINT NOT NULL DEFAULT 0
		)`,
		`INSERT INTO quest_global_stats (id) VALUES (1) ON CONFLICT DO NOTHING`,
		`CREATE TABLE IF NOT EXISTS quest_sync_state (
			id SMALLINT PRIMARY KEY DEFAULT 1,
			latest_processed_block BIGINT NOT NULL DEFAULT 0
		)`,
		`INSERT INTO quest_sync_state (id) VALUES (1) ON CONFLICT DO NOTHING`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return utils.NewAppError(utils.ErrCodeStorage, "Migration failed", err.Error())
		}
	}
	return nil
}

// SaveEvent inserts an event; the primary key makes redelivery a no-op.
func (s *PostgresStorage) SaveEvent(ctx context.Context, event *models.ContractEvent) (bool, error) {
	if event == nil {
		return false, utils.NewAppError(utils.ErrCodeValidation, "Event is nil")
	}

	argsJSON, err := json.Marshal(event.Args)
	if err != nil {
		return false, utils.NewAppError(utils.ErrCodeStorage, "Failed to encode event args", err.Error())
	}

	key := event.Key()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO quest_events (tx_hash, log_index, block_number, block_timestamp, address, event_name, args)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (tx_hash, log_index) DO NOTHING`,
		key.TxHash, key.LogIndex, event.BlockNumber, event.BlockTimestamp,
		utils.NormalizeAddress(event.Address), string(event.Name), argsJSON)
	if err != nil {
		return false, utils.NewAppError(utils.ErrCodeStorage, "Failed to save event", err.Error())
	}

	inserted, _ := res.RowsAffected()
	if inserted == 0 {
		return false, nil
	}

	if args, ok := event.Args.(models.QuestionAddedArgs); ok && args.QuestionID != nil {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO quest_questions (question_id) VALUES ($1) ON CONFLICT DO NOTHING`,
			args.QuestionID.String()); err != nil {
			return true, utils.NewAppError(utils.ErrCodeStorage, "Failed to create question record", err.Error())
		}
	}
	return true, nil
}

// HasEvent reports whether the identity key exists.
func (s *PostgresStorage) HasEvent(ctx context.Context, key models.EventKey) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM quest_events WHERE tx_hash = $1 AND log_index = $2)`,
		key.TxHash, key.LogIndex).Scan(&exists)
	if err != nil {
		return false, utils.NewAppError(utils.ErrCodeStorage, "Failed to check event", err.Error())
	}
	return exists, nil
}

func buildEventWhere(filter *models.EventFilter) (string, []interface{}) {
	clauses := []string{}
	args := []interface{}{}
	n := 1

	if len(filter.EventTypes) > 0 {
		placeholders := make([]string, len(filter.EventTypes))
		for i, t := range filter.EventTypes {
			placeholders[i] = fmt.Sprintf("$%d", n)
			args = append(args, string(t))
			n++
		}
		clauses = append(clauses, fmt.Sprintf("event_name IN (%s)", strings.Join(placeholders, ",")))
	}
	if filter.FromBlock != nil {
		clauses = append(clauses, fmt.Sprintf("block_number >= $%d", n))
		args = append(args, *filter.FromBlock)
		n++
	}
	if filter.ToBlock != nil {
		clauses = append(clauses, fmt.Sprintf("block_number <= $%d", n))
		args = append(args, *filter.ToBlock)
		n++
	}
	if filter.User != "" {
		clauses = append(clauses, fmt.Sprintf("lower(args->>'user') = $%d", n))
		args = append(args, utils.NormalizeAddress(filter.User))
		n++
	}
	if filter.QuestionID != nil {
		clauses = append(clauses, fmt.Sprintf("args->>'question_id' = $%d", n))
		args = append(args, filter.QuestionID.String())
		n++
	}

	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}
	return where, args
}

// GetEvents returns matching events in chain order.
func (s *PostgresStorage) GetEvents(ctx context.Context, filter models.EventFilter) ([]*models.ContractEvent, error) {
	where, args := buildEventWhere(&filter)

	query := `SELECT tx_hash, log_index, block_number, block_timestamp, address, event_name, args
		FROM quest_events` + where + ` ORDER BY block_number, log_index`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeStorage, "Failed to query events", err.Error())
	}
	defer rows.Close()

	events := []*models.ContractEvent{}
	for rows.Next() {
		var (
			event    models.ContractEvent
			name     string
			argsJSON []byte
		)
		if err := rows.Scan(&event.TxHash, &event.LogIndex, &event.BlockNumber,
			&event.BlockTimestamp, &event.Address, &name, &argsJSON); err != nil {
			return nil, utils.NewAppError(utils.ErrCodeStorage, "Failed to scan event", err.Error())
		}
		event.Name = models.EventName(name)
		decoded, err := decodeArgs(event.Name, argsJSON)
		if err != nil {
			s.logger.WithError(err).WithField("event", name).Warn("Skipping event with undecodable args")
			continue
		}
		event.Args = decoded
		events = append(events, &event)
	}
	return events, rows.Err()
}

func decodeArgs(name models.EventName, raw []byte) (models.EventArgs, error) {
	switch name {
	case models.EventQuestionAdded:
		var a models.QuestionAddedArgs
		return a, json.Unmarshal(raw, &a)
	case models.EventAnswerSubmitted:
		var a models.AnswerSubmittedArgs
		return a, json.Unmarshal(raw, &a)
	case models.EventRewardDistributed:
		var a models.RewardDistributedArgs
		return a, json.Unmarshal(raw, &a)
	case models.EventScoreUpdated:
		var a models.ScoreUpdatedArgs
		return a, json.Unmarshal(raw, &a)
	default:
		return nil, fmt.Errorf("unknown event name %q", name)
	}
}

// GetEventCount returns the number of events matching the filter.
func (s *PostgresStorage) GetEventCount(ctx context.Context, filter models.EventFilter) (int64, error) {
	where, args := buildEventWhere(&filter)
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM quest_events`+where, args...).Scan(&count)
	if err != nil {
		return 0, utils.NewAppError(utils.ErrCodeStorage, "Failed to count events", err.Error())
	}
	return count, nil
}

// UpdatePlayerStats upserts the player row and applies the delta.
func (s *PostgresStorage) UpdatePlayerStats(ctx context.Context, address string, delta models.PlayerDelta) (*models.PlayerData, bool, error) {
	addr := utils.NormalizeAddress(address)
	rewards := "0"
	if delta.RewardsEarned != nil {
		rewards = delta.RewardsEarned.String()
	}

	var existed bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM quest_players WHERE address = $1)`, addr).Scan(&existed)
	if err != nil {
		return nil, false, utils.NewAppError(utils.ErrCodeStorage, "Failed to check player", err.Error())
	}

	row := s.db.QueryRowContext(ctx,
		`INSERT INTO quest_players (address, correct_answers, total_answers, total_rewards, last_played_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (address) DO UPDATE SET
			correct_answers = quest_players.correct_answers + EXCLUDED.correct_answers,
			total_answers = quest_players.total_answers + EXCLUDED.total_answers,
			total_rewards = quest_players.total_rewards + EXCLUDED.total_rewards,
			last_played_at = GREATEST(quest_players.last_played_at, EXCLUDED.last_played_at)
		 RETURNING correct_answers, total_answers, total_rewards::TEXT, last_played_at`,
		addr, delta.CorrectAnswers, delta.TotalAnswers, rewards, delta.LastPlayedAt)

	player := models.NewPlayerData(addr)
	var totalRewards string
	if err := row.Scan(&player.CorrectAnswers, &player.TotalAnswers, &totalRewards, &player.LastPlayedAt); err != nil {
		return nil, false, utils.NewAppError(utils.ErrCodeStorage, "Failed to update player stats", err.Error())
	}
	player.TotalRewards, _ = new(big.Int).SetString(totalRewards, 10)
	return player, !existed, nil
}

// UpdateQuestionStats applies a delta to an existing question row;
// unknown ids are a no-op.
func (s *PostgresStorage) UpdateQuestionStats(ctx context.Context, questionID string, delta models.QuestionDelta) (*models.QuestionData, error) {
	rewards := "0"
	if delta.RewardsDistributed != nil {
		rewards = delta.RewardsDistributed.String()
	}

	row := s.db.QueryRowContext(ctx,
		`UPDATE quest_questions SET
			total_answers = total_answers + $2,
			correct_answers = correct_answers + $3,
			total_rewards_distributed = total_rewards_distributed + $4
		 WHERE question_id = $1
		 RETURNING total_answers, correct_answers, total_rewards_distributed::TEXT`,
		questionID, delta.TotalAnswers, delta.CorrectAnswers, rewards)

	question := models.NewQuestionData(questionID)
	var totalRewards string
	if err := row.Scan(&question.TotalAnswers, &question.CorrectAnswers, &totalRewards); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, utils.NewAppError(utils.ErrCodeStorage, "Failed to update question stats", err.Error())
	}
	question.TotalRewardsDistributed, _ = new(big.Int).SetString(totalRewards, 10)
	return question, nil
}

// UpdateGlobalStats applies a delta to the singleton stats row.
func (s *PostgresStorage) UpdateGlobalStats(ctx context.Context, delta models.GlobalDelta) (*models.GlobalStatsData, error) {
	rewards := "0"
	if delta.RewardsDistributed != nil {
		rewards = delta.RewardsDistributed.String()
	}

	row := s.db.QueryRowContext(ctx,
		`UPDATE quest_global_stats SET
			total_questions = total_questions + $1,
			total_answers = total_answers + $2,
			total_rewards_distributed = total_rewards_distributed + $3,
			unique_players = unique_players + $4
		 WHERE id = 1
		 RETURNING total_questions, total_answers, total_rewards_distributed::TEXT, unique_players`,
		delta.TotalQuestions, delta.TotalAnswers, rewards, delta.UniquePlayers)

	stats := models.NewGlobalStatsData()
	var totalRewards string
	if err := row.Scan(&stats.TotalQuestions, &stats.TotalAnswers, &totalRewards, &stats.UniquePlayers); err != nil {
		return nil, utils.NewAppError(utils.ErrCodeStorage, "Failed to update global stats", err.Error())
	}
	stats.TotalRewardsDistributed, _ = new(big.Int).SetString(totalRewards, 10)
	return stats, nil
}

// GetPlayer returns the player aggregate, or nil if unknown.
func (s *PostgresStorage) GetPlayer(ctx context.Context, address string) (*models.PlayerData, error) {
	addr := utils.NormalizeAddress(address)
	player := models.NewPlayerData(addr)
	var totalRewards string
	err := s.db.QueryRowContext(ctx,
		`SELECT correct_answers, total_answers, total_rewards::TEXT, last_played_at
		 FROM quest_players WHERE address = $1`, addr).
		Scan(&player.CorrectAnswers, &player.TotalAnswers, &totalRewards, &player.LastPlayedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeStorage, "Failed to get player", err.Error())
	}
	player.TotalRewards, _ = new(big.Int).SetString(totalRewards, 10)
	return player, nil
}

// GetQuestion returns the question aggregate, or nil if unknown.
func (s *PostgresStorage) GetQuestion(ctx context.Context, questionID string) (*models.QuestionData, error) {
	question := models.NewQuestionData(questionID)
	var totalRewards string
	err := s.db.QueryRowContext(ctx,
		`SELECT total_answers, correct_answers, total_rewards_distributed::TEXT
		 FROM quest_questions WHERE question_id = $1`, questionID).
		Scan(&question.TotalAnswers, &question.CorrectAnswers, &totalRewards)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeStorage, "Failed to get question", err.Error())
	}
	question.TotalRewardsDistributed, _ = new(big.Int).SetString(totalRewards, 10)
	return question, nil
}

// GetGlobalStats returns the global counters.
func (s *PostgresStorage) GetGlobalStats(ctx context.Context) (*models.GlobalStatsData, error) {
	stats := models.NewGlobalStatsData()
	var totalRewards string
	err := s.db.QueryRowContext(ctx,
		`SELECT total_questions, total_answers, total_rewards_distributed::TEXT, unique_players
		 FROM quest_global_stats WHERE id = 1`).
		Scan(&stats.TotalQuestions, &stats.TotalAnswers, &totalRewards, &stats.UniquePlayers)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeStorage, "Failed to get global stats", err.Error())
	}
	stats.TotalRewardsDistributed, _ = new(big.Int).SetString(totalRewards, 10)
	return stats, nil
}

// GetLeaderboard returns players ranked by total rewards.
func (s *PostgresStorage) GetLeaderboard(ctx context.Context, limit int) ([]*models.LeaderboardEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT address, correct_answers, total_answers, total_rewards::TEXT
		 FROM quest_players
		 ORDER BY total_rewards DESC, correct_answers DESC, address ASC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeStorage, "Failed to query leaderboard", err.Error())
	}
	defer rows.Close()

	entries := []*models.LeaderboardEntry{}
	rank := 1
	for rows.Next() {
		entry := &models.LeaderboardEntry{Rank: rank}
		var totalRewards string
		if err := rows.Scan(&entry.Address, &entry.CorrectAnswers, &entry.TotalAnswers, &totalRewards); err != nil {
			return nil, utils.NewAppError(utils.ErrCodeStorage, "Failed to scan leaderboard row", err.Error())
		}
		entry.TotalRewards, _ = new(big.Int).SetString(totalRewards, 10)
		entries = append(entries, entry)
		rank++
	}
	return entries, rows.Err()
}

// GetLatestProcessedBlock returns the listener's resume point.
func (s *PostgresStorage) GetLatestProcessedBlock() (uint64, error) {
	var block uint64
	err := s.db.QueryRow(`SELECT latest_processed_block FROM quest_sync_state WHERE id = 1`).Scan(&block)
	if err != nil {
		return 0, utils.NewAppError(utils.ErrCodeStorage, "Failed to get latest processed block", err.Error())
	}
	return block, nil
}

// SetLatestProcessedBlock advances the listener's resume point.
func (s *PostgresStorage) SetLatestProcessedBlock(blockNumber uint64) error {
	_, err := s.db.Exec(
		`UPDATE quest_sync_state SET latest_processed_block = GREATEST(latest_processed_block, $1) WHERE id = 1`,
		blockNumber)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeStorage, "Failed to set latest processed block", err.Error())
	}
	return nil
}

// Ping checks database liveness.
func (s *PostgresStorage) Ping() error { return s.db.Ping() }

// Close closes the connection pool.
func (s *PostgresStorage) Close() error { return s.db.Close() }
