package storage

import (
	"context"
	"math/big"
	"sort"
	"sync"

	"github.com/zali-labs/quest-indexer/internal/models"
	"github.com/zali-labs/quest-indexer/pkg/utils"
)

// MemoryStorage is the in-process implementation of Storage. It is the
// authoritative store for the indexing pipeline: events keyed by
// (txHash, logIndex), plus player, question and global aggregates.
// Concurrent readers are supported under an RWMutex while the single
// logical writer (the dispatcher) applies updates.
type MemoryStorage struct {
	mu sync.RWMutex

	eventsByKey map[models.EventKey]*models.ContractEvent
	// eventsOrdered is kept sorted by (blockNumber, logIndex) because
	// historical backfill inserts out of wall-clock order.
	eventsOrdered []*models.ContractEvent

	players   map[string]*models.PlayerData
	questions map[string]*models.QuestionData
	global    *models.GlobalStatsData

	latestProcessedBlock uint64
}

// NewMemoryStorage creates an empty store with initialized global stats.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		eventsByKey: make(map[models.EventKey]*models.ContractEvent),
		players:     make(map[string]*models.PlayerData),
		questions:   make(map[string]*models.QuestionData),
		global:      models.NewGlobalStatsData(),
	}
}

// SaveEvent inserts an event; duplicate keys are a no-op returning false.
func (s *MemoryStorage) SaveEvent(ctx context.Context, event *models.ContractEvent) (bool, error) {
	if event == nil {
		return false, utils.NewAppError(utils.ErrCodeValidation, "Event is nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := event.Key()
	if _, exists := s.eventsByKey[key]; exists {
		return false, nil
	}

	s.eventsByKey[key] = event
	s.insertOrdered(event)

	// The question record itself is created by storage, not by the
	// handler, so later answers find it even if handler side effects
	// fail part way.
	if args, ok := event.Args.(models.QuestionAddedArgs); ok && args.QuestionID != nil {
		id := args.QuestionID.String()
		if _, exists := s.questions[id]; !exists {
			s.questions[id] = models.NewQuestionData(id)
		}
	}

	return true, nil
}

// insertOrdered places the event at its chain-order position.
// Must be called with s.mu held.
func (s *MemoryStorage) insertOrdered(event *models.ContractEvent) {
	i := sort.Search(len(s.eventsOrdered), func(i int) bool {
		e := s.eventsOrdered[i]
		if e.BlockNumber != event.BlockNumber {
			return e.BlockNumber > event.BlockNumber
		}
		return e.LogIndex > event.LogIndex
	})
	s.eventsOrdered = append(s.eventsOrdered, nil)
	copy(s.eventsOrdered[i+1:], s.eventsOrdered[i:])
	s.eventsOrdered[i] = event
}

// HasEvent reports whether the identity key is stored.
func (s *MemoryStorage) HasEvent(ctx context.Context, key models.EventKey) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists := s.eventsByKey[key]
	return exists, nil
}

// GetEvents returns matching events in chain order.
func (s *MemoryStorage) GetEvents(ctx context.Context, filter models.EventFilter) ([]*models.ContractEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*models.ContractEvent, 0)
	for _, event := range s.eventsOrdered {
		if matchesFilter(event, &filter) {
			matched = append(matched, event)
		}
	}

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return []*models.ContractEvent{}, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}

	out := make([]*models.ContractEvent, len(matched))
	copy(out, matched)
	return out, nil
}

// GetEventCount returns the number of events matching the filter,
// ignoring limit and offset.
func (s *MemoryStorage) GetEventCount(ctx context.Context, filter models.EventFilter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, event := range s.eventsOrdered {
		if matchesFilter(event, &filter) {
			count++
		}
	}
	return count, nil
}

func matchesFilter(event *models.ContractEvent, filter *models.EventFilter) bool {
	if len(filter.EventTypes) > 0 {
		found := false
		for _, t := range filter.EventTypes {
			if event.Name == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.FromBlock != nil && event.BlockNumber < *filter.FromBlock {
		return false
	}
	if filter.ToBlock != nil && event.BlockNumber > *filter.ToBlock {
		return false
	}
	if filter.User != "" && utils.NormalizeAddress(event.User()) != utils.NormalizeAddress(filter.User) {
		return false
	}
	if filter.QuestionID != nil {
		switch args := event.Args.(type) {
		case models.QuestionAddedArgs:
			if args.QuestionID == nil || args.QuestionID.Cmp(filter.QuestionID) != 0 {
				return false
			}
		case models.AnswerSubmittedArgs:
			if args.QuestionID == nil || args.QuestionID.Cmp(filter.QuestionID) != 0 {
				return false
			}
		case models.RewardDistributedArgs:
			if args.QuestionID == nil || args.QuestionID.Cmp(filter.QuestionID) != 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// UpdatePlayerStats applies a delta, creating the record on first write.
func (s *MemoryStorage) UpdatePlayerStats(ctx context.Context, address string, delta models.PlayerDelta) (*models.PlayerData, bool, error) {
	addr := utils.NormalizeAddress(address)

	s.mu.Lock()
	defer s.mu.Unlock()

	player, exists := s.players[addr]
	created := false
	if !exists {
		player = models.NewPlayerData(addr)
		s.players[addr] = player
		created = true
	}

	player.CorrectAnswers += delta.CorrectAnswers
	player.TotalAnswers += delta.TotalAnswers
	if delta.RewardsEarned != nil && delta.RewardsEarned.Sign() > 0 {
		player.TotalRewards.Add(player.TotalRewards, delta.RewardsEarned)
	}
	if delta.LastPlayedAt > 0 {
		player.LastPlayedAt = delta.LastPlayedAt
	}

	return player.Clone(), created, nil
}

// UpdateQuestionStats applies a delta to an existing question record.
// Unknown ids are a silent no-op.
func (s *MemoryStorage) UpdateQuestionStats(ctx context.Context, questionID string, delta models.QuestionDelta) (*models.QuestionData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	question, exists := s.questions[questionID]
	if !exists {
		return nil, nil
	}

	question.TotalAnswers += delta.TotalAnswers
	question.CorrectAnswers += delta.CorrectAnswers
	if delta.RewardsDistributed != nil && delta.RewardsDistributed.Sign() > 0 {
		question.TotalRewardsDistributed.Add(question.TotalRewardsDistributed, delta.RewardsDistributed)
	}

	return question.Clone(), nil
}

// UpdateGlobalStats applies a delta to the process-wide counters.
func (s *MemoryStorage) UpdateGlobalStats(ctx context.Context, delta models.GlobalDelta) (*models.GlobalStatsData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.global.TotalQuestions += delta.TotalQuestions
	s.global.TotalAnswers += delta.TotalAnswers
	s.global.UniquePlayers += delta.UniquePlayers
	if delta.RewardsDistributed != nil && delta.RewardsDistributed.Sign() > 0 {
		s.global.TotalRewardsDistributed.Add(s.global.TotalRewardsDistributed, delta.RewardsDistributed)
	}

	return s.global.Clone(), nil
}

// GetPlayer returns a copy of the player aggregate, or nil if unknown.
func (s *MemoryStorage) GetPlayer(ctx context.Context, address string) (*models.PlayerData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	player, exists := s.players[utils.NormalizeAddress(address)]
	if !exists {
		return nil, nil
	}
	return player.Clone(), nil
}

// GetQuestion returns a copy of the question aggregate, or nil if unknown.
func (s *MemoryStorage) GetQuestion(ctx context.Context, questionID string) (*models.QuestionData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	question, exists := s.questions[questionID]
	if !exists {
		return nil, nil
	}
	return question.Clone(), nil
}

// GetGlobalStats returns a copy of the global counters.
func (s *MemoryStorage) GetGlobalStats(ctx context.Context) (*models.GlobalStatsData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.global.Clone(), nil
}

// GetLeaderboard returns players ranked by total rewards, then correct
// answers, then address for a stable order.
func (s *MemoryStorage) GetLeaderboard(ctx context.Context, limit int) ([]*models.LeaderboardEntry, error) {
	s.mu.RLock()
	players := make([]*models.PlayerData, 0, len(s.players))
	for _, p := range s.players {
		players = append(players, p.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(players, func(i, j int) bool {
		if c := players[i].TotalRewards.Cmp(players[j].TotalRewards); c != 0 {
			return c > 0
		}
		if players[i].CorrectAnswers != players[j].CorrectAnswers {
			return players[i].CorrectAnswers > players[j].CorrectAnswers
		}
		return players[i].Address < players[j].Address
	})

	if limit > 0 && limit < len(players) {
		players = players[:limit]
	}

	entries := make([]*models.LeaderboardEntry, len(players))
	for i, p := range players {
		entries[i] = &models.LeaderboardEntry{
			Rank:           i + 1,
			Address:        p.Address,
			CorrectAnswers: p.CorrectAnswers,
			TotalAnswers:   p.TotalAnswers,
			TotalRewards:   new(big.Int).Set(p.TotalRewards),
		}
	}
	return entries, nil
}

// GetLatestProcessedBlock returns the listener's resume point.
func (s *MemoryStorage) GetLatestProcessedBlock() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latestProcessedBlock, nil
}

// SetLatestProcessedBlock advances the listener's resume point.
func (s *MemoryStorage) SetLatestProcessedBlock(blockNumber uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if blockNumber > s.latestProcessedBlock {
		s.latestProcessedBlock = blockNumber
	}
	return nil
}

// Ping always succeeds for the in-memory store.
func (s *MemoryStorage) Ping() error { return nil }

// Close releases nothing for the in-memory store.
func (s *MemoryStorage) Close() error { return nil }
