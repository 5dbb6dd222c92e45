package storage

import (
	"context"

	"github.com/zali-labs/quest-indexer/internal/models"
)

// Storage is the authoritative, idempotent store of raw events and
// derived aggregates. Only the dispatcher's handlers mutate aggregates;
// every other component is a read-only consumer.
type Storage interface {
	// SaveEvent inserts an event keyed by (txHash, logIndex). It
	// returns false when the key already exists; re-insertion is a
	// no-op so at-least-once redelivery from the listener is safe.
	// A QuestionAdded event also creates the question record, which
	// decouples "record exists" from "stats updated".
	SaveEvent(ctx context.Context, event *models.ContractEvent) (bool, error)
	// HasEvent reports whether the identity key is already stored.
	HasEvent(ctx context.Context, key models.EventKey) (bool, error)
	// GetEvents returns matching events in chain order (block number,
	// then log index), not insertion order.
	GetEvents(ctx context.Context, filter models.EventFilter) ([]*models.ContractEvent, error)
	GetEventCount(ctx context.Context, filter models.EventFilter) (int64, error)

	// UpdatePlayerStats applies a field-level delta, creating the
	// aggregate on first write. The second return reports creation so
	// the caller can bump the unique-player counter exactly once.
	UpdatePlayerStats(ctx context.Context, address string, delta models.PlayerDelta) (*models.PlayerData, bool, error)
	// UpdateQuestionStats applies a field-level delta. An unknown
	// question id is a no-op and returns (nil, nil): answers may
	// reference questions added before the sync window.
	UpdateQuestionStats(ctx context.Context, questionID string, delta models.QuestionDelta) (*models.QuestionData, error)
	UpdateGlobalStats(ctx context.Context, delta models.GlobalDelta) (*models.GlobalStatsData, error)

	GetPlayer(ctx context.Context, address string) (*models.PlayerData, error)
	GetQuestion(ctx context.Context, questionID string) (*models.QuestionData, error)
	GetGlobalStats(ctx context.Context) (*models.GlobalStatsData, error)
	GetLeaderboard(ctx context.Context, limit int) ([]*models.LeaderboardEntry, error)

	// Block tracking for the listener's resume point
	GetLatestProcessedBlock() (uint64, error)
	SetLatestProcessedBlock(blockNumber uint64) error

	Ping() error
	Close() error
}
