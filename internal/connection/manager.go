package connection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
	"github.com/zali-labs/quest-indexer/internal/config"
	"github.com/zali-labs/quest-indexer/internal/metrics"
	"github.com/zali-labs/quest-indexer/pkg/resilience"
	"github.com/zali-labs/quest-indexer/pkg/utils"
)

// Manager owns the chain client connection. It is the only component
// permitted to connect or reconnect; everything else goes through it.
type Manager interface {
	GetClient(ctx context.Context) (*ethclient.Client, error)
	HealthCheck(ctx context.Context) error
	GetLatestBlockNumber(ctx context.Context) (uint64, error)
	IsConnected() bool
	Close() error
	Stats() ConnectionStats
}

// ConnectionStats holds connection statistics
type ConnectionStats struct {
	TotalRequests   uint64    `json:"total_requests"`
	FailedRequests  uint64    `json:"failed_requests"`
	Reconnects      uint64    `json:"reconnects"`
	CurrentURL      string    `json:"current_url"`
	LastConnectedAt time.Time `json:"last_connected_at"`
	LastHealthCheck time.Time `json:"last_health_check"`
	IsHealthy       bool      `json:"is_healthy"`
	NetworkID       uint64    `json:"network_id"`
	LatestBlock     uint64    `json:"latest_block"`
	BreakerState    string    `json:"breaker_state"`
}

// ConnectionManager implements Manager over one primary and any number
// of backup node URLs. Reconnects go through the resilience executor
// so a downed endpoint is backed off and circuit-broken instead of
// hammered.
type ConnectionManager struct {
	config   *config.ChainConfig
	urls     []string
	executor *resilience.ResilientExecutor

	mu              sync.RWMutex
	client          *ethclient.Client
	stats           ConnectionStats
	lastHealthCheck time.Time
	isHealthy       bool

	logger  *logrus.Logger
	metrics *metrics.Metrics
}

// NewConnectionManager creates a manager; no connection is opened
// until GetClient or HealthCheck is called.
func NewConnectionManager(cfg *config.ChainConfig, executor *resilience.ResilientExecutor, m *metrics.Metrics) *ConnectionManager {
	urls := []string{cfg.RPCURL}
	urls = append(urls, cfg.BackupNodes...)

	return &ConnectionManager{
		config:   cfg,
		urls:     urls,
		executor: executor,
		logger:   utils.GetLogger(),
		metrics:  m,
		stats:    ConnectionStats{CurrentURL: cfg.RPCURL},
	}
}

// GetClient returns the current client, connecting on first use. A
// connection that has not been health-checked recently is probed and
// replaced if dead.
func (cm *ConnectionManager) GetClient(ctx context.Context) (*ethclient.Client, error) {
	cm.mu.RLock()
	client := cm.client
	stale := time.Since(cm.lastHealthCheck) > time.Minute
	cm.mu.RUnlock()

	if client == nil {
		return cm.connect(ctx)
	}

	if stale {
		if err := cm.probe(ctx, client); err != nil {
			cm.logger.WithError(err).Warn("Client probe failed, reconnecting")
			return cm.reconnect(ctx)
		}
		cm.mu.Lock()
		cm.lastHealthCheck = time.Now()
		cm.mu.Unlock()
	}

	cm.mu.Lock()
	cm.stats.TotalRequests++
	cm.mu.Unlock()
	return client, nil
}

// connect dials the node URLs in order until one passes a probe. The
// whole sequence runs under the resilience executor: retryable dial
// failures back off, and repeated failures open the breaker.
func (cm *ConnectionManager) connect(ctx context.Context) (*ethclient.Client, error) {
	var connected *ethclient.Client
	var connectedURL string

	err := cm.executor.Execute(ctx, func(ctx context.Context) error {
		for _, url := range cm.urls {
			cm.logger.WithField("url", url).Info("Attempting chain connection")

			dialCtx, cancel := context.WithTimeout(ctx, cm.config.RequestTimeout)
			client, err := ethclient.DialContext(dialCtx, url)
			cancel()
			if err != nil {
				cm.recordFailure()
				cm.logger.WithField("url", url).WithError(err).Warn("Connection failed")
				continue
			}

			if err := cm.probe(ctx, client); err != nil {
				client.Close()
				cm.recordFailure()
				cm.logger.WithField("url", url).WithError(err).Warn("Probe failed after connection")
				continue
			}

			connected = client
			connectedURL = url
			return nil
		}
		return utils.NewAppError(utils.ErrCodeConnection, "Failed to connect to any chain node",
			fmt.Sprintf("tried %d url(s)", len(cm.urls)))
	})
	if err != nil {
		return nil, err
	}

	cm.mu.Lock()
	cm.client = connected
	cm.stats.CurrentURL = connectedURL
	cm.stats.LastConnectedAt = time.Now()
	cm.lastHealthCheck = time.Now()
	cm.isHealthy = true
	cm.mu.Unlock()

	cm.logger.WithField("url", connectedURL).Info("Connected to chain node")
	return connected, nil
}

// reconnect drops the current client and dials again.
func (cm *ConnectionManager) reconnect(ctx context.Context) (*ethclient.Client, error) {
	cm.mu.Lock()
	if cm.client != nil {
		cm.client.Close()
		cm.client = nil
	}
	cm.isHealthy = false
	cm.stats.Reconnects++
	cm.mu.Unlock()

	return cm.connect(ctx)
}

// probe performs a cheap liveness check.
func (cm *ConnectionManager) probe(ctx context.Context, client *ethclient.Client) error {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	start := time.Now()
	_, err := client.ChainID(probeCtx)
	if cm.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		cm.metrics.RecordRPCRequest("eth_chainId", status, time.Since(start))
	}
	return err
}

// HealthCheck verifies network id and fetches the latest block.
func (cm *ConnectionManager) HealthCheck(ctx context.Context) error {
	client, err := cm.GetClient(ctx)
	if err != nil {
		cm.setUnhealthy()
		return err
	}

	networkID, err := client.NetworkID(ctx)
	if err != nil {
		cm.setUnhealthy()
		return utils.NewAppError(utils.ErrCodeConnection, "Failed to get network ID", err.Error())
	}
	if cm.config.NetworkID > 0 && networkID.Uint64() != uint64(cm.config.NetworkID) {
		cm.setUnhealthy()
		return utils.NewAppError(utils.ErrCodeConfiguration, "Network ID mismatch",
			fmt.Sprintf("expected %d, got %d", cm.config.NetworkID, networkID.Uint64()))
	}

	blockNumber, err := client.BlockNumber(ctx)
	if err != nil {
		cm.setUnhealthy()
		return utils.NewAppError(utils.ErrCodeConnection, "Failed to get latest block", err.Error())
	}

	cm.mu.Lock()
	cm.stats.NetworkID = networkID.Uint64()
	cm.stats.LatestBlock = blockNumber
	cm.stats.LastHealthCheck = time.Now()
	cm.stats.IsHealthy = true
	cm.lastHealthCheck = time.Now()
	cm.isHealthy = true
	cm.mu.Unlock()

	return nil
}

// GetLatestBlockNumber returns the chain head block number.
func (cm *ConnectionManager) GetLatestBlockNumber(ctx context.Context) (uint64, error) {
	client, err := cm.GetClient(ctx)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	blockNumber, err := client.BlockNumber(ctx)
	if cm.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		cm.metrics.RecordRPCRequest("eth_blockNumber", status, time.Since(start))
	}
	if err != nil {
		cm.recordFailure()
		return 0, utils.NewAppError(utils.ErrCodeConnection, "Failed to get block number", err.Error())
	}

	cm.mu.Lock()
	cm.stats.LatestBlock = blockNumber
	cm.mu.Unlock()
	return blockNumber, nil
}

// IsConnected reports whether a healthy client is held.
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.client != nil && cm.isHealthy
}

// Close closes the connection.
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.client != nil {
		cm.client.Close()
		cm.client = nil
	}
	cm.isHealthy = false
	cm.logger.Info("Connection manager closed")
	return nil
}

// Stats returns connection statistics.
func (cm *ConnectionManager) Stats() ConnectionStats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	s := cm.stats
	s.IsHealthy = cm.isHealthy
	s.BreakerState = cm.executor.Breaker().State().String()
	return s
}

func (cm *ConnectionManager) setUnhealthy() {
	cm.mu.Lock()
	cm.isHealthy = false
	cm.stats.IsHealthy = false
	cm.mu.Unlock()
}

func (cm *ConnectionManager) recordFailure() {
	cm.mu.Lock()
	cm.stats.FailedRequests++
	cm.mu.Unlock()
}
