package storage

import (
	"github.com/zali-labs/quest-indexer/internal/config"
	"github.com/zali-labs/quest-indexer/pkg/utils"
)

// NewStorage creates the configured storage backend.
func NewStorage(cfg *config.StorageConfig) (Storage, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryStorage(), nil
	case "postgres":
		return NewPostgresStorage(cfg.ConnectionString, cfg.MaxConnections)
	default:
		return nil, utils.NewAppError(utils.ErrCodeConfiguration, "Unknown storage type", cfg.Type)
	}
}
