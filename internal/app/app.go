package app

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zali-labs/quest-indexer/internal/broadcaster"
	"github.com/zali-labs/quest-indexer/internal/config"
	"github.com/zali-labs/quest-indexer/internal/connection"
	"github.com/zali-labs/quest-indexer/internal/dispatcher"
	"github.com/zali-labs/quest-indexer/internal/listener"
	"github.com/zali-labs/quest-indexer/internal/metrics"
	"github.com/zali-labs/quest-indexer/internal/models"
	"github.com/zali-labs/quest-indexer/internal/notifier"
	"github.com/zali-labs/quest-indexer/internal/server"
	"github.com/zali-labs/quest-indexer/internal/storage"
	"github.com/zali-labs/quest-indexer/pkg/resilience"
	"github.com/zali-labs/quest-indexer/pkg/utils"
)

const healthCheckInterval = 30 * time.Second

// Application wires the full indexing pipeline: connection, listener,
// dispatcher, storage, broadcaster, notifications and the HTTP API.
type Application struct {
	config *config.Config

	metrics     *metrics.Metrics
	executor    *resilience.ResilientExecutor
	conn        *connection.ConnectionManager
	store       storage.Storage
	notifier    *notifier.Service
	dispatcher  *dispatcher.Dispatcher
	broadcaster *broadcaster.Broadcaster
	listener    *listener.EventListener
	server      *server.Server

	unsubscribe func()

	mu          sync.RWMutex
	running     bool
	startedAt   time.Time
	errorCount  uint64
	lastHealth  models.HealthReport
	healthStop  chan struct{}
	healthOnce  sync.Once
	healthGroup sync.WaitGroup

	logger *logrus.Logger
}

// New assembles the application from configuration. Nothing starts
// until Start is called.
func New(cfg *config.Config) (*Application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, utils.NewAppError(utils.ErrCodeConfiguration, "Invalid configuration", err.Error())
	}

	a := &Application{
		config:     cfg,
		metrics:    metrics.NewMetrics(),
		healthStop: make(chan struct{}),
		logger:     utils.GetLogger(),
	}

	retry := resilience.DefaultRetryOptions()
	if cfg.Resilience.MaxAttempts > 0 {
		retry.MaxAttempts = cfg.Resilience.MaxAttempts
	}
	if cfg.Resilience.InitialDelay > 0 {
		retry.InitialDelay = cfg.Resilience.InitialDelay
	}
	if cfg.Resilience.MaxDelay > 0 {
		retry.MaxDelay = cfg.Resilience.MaxDelay
	}
	if cfg.Resilience.RetryDeadline > 0 {
		retry.Deadline = cfg.Resilience.RetryDeadline
	}
	breakerCfg := resilience.DefaultCircuitBreakerConfig()
	if cfg.Resilience.FailureThreshold > 0 {
		breakerCfg.FailureThreshold = cfg.Resilience.FailureThreshold
	}
	if cfg.Resilience.CooldownPeriod > 0 {
		breakerCfg.CooldownPeriod = cfg.Resilience.CooldownPeriod
	}
	a.executor = resilience.NewResilientExecutor(retry, breakerCfg)
	a.executor.Breaker().OnStateChange(func(from, to resilience.CircuitState) {
		a.logger.WithFields(logrus.Fields{
			"from": from.String(),
			"to":   to.String(),
		}).Warn("Chain endpoint circuit breaker state changed")
		if to == resilience.CircuitOpen {
			a.metrics.RecordBreakerTrip()
		}
	})

	a.conn = connection.NewConnectionManager(&cfg.Chain, a.executor, a.metrics)

	store, err := storage.NewStorage(&cfg.Storage)
	if err != nil {
		return nil, err
	}
	a.store = store

	if cfg.Notifications.Enabled {
		svc, err := notifier.NewService(&cfg.Notifications, a.metrics)
		if err != nil {
			return nil, err
		}
		a.notifier = svc
	}

	// A nil notifier disables user notifications without touching the
	// storage path.
	var notif dispatcher.Notifier
	if a.notifier != nil {
		notif = a.notifier
	}
	a.dispatcher = dispatcher.New(a.store, notif, a.metrics)

	a.broadcaster = broadcaster.New(&cfg.Broadcaster, a.store, a.metrics)
	a.dispatcher.SetEventSink(a.broadcaster)

	lst, err := listener.NewEventListener(a.conn, a.store, &cfg.Chain, &cfg.Sync, a.executor, a.metrics)
	if err != nil {
		return nil, err
	}
	a.listener = lst

	a.server = server.New(&cfg.Server, server.Deps{
		Store:       a.store,
		Listener:    a.listener,
		Broadcaster: a.broadcaster,
		Notifier:    a.notifier,
		Metrics:     a.metrics,
		Health:      a.Health,
	})

	return a, nil
}

// Start brings the pipeline up: chain connection, optional historical
// sync, live polling, broadcasting and the HTTP API.
func (a *Application) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return utils.NewAppError(utils.ErrCodeValidation, "Application is already running")
	}
	a.running = true
	a.startedAt = time.Now()
	a.mu.Unlock()

	a.logger.WithFields(logrus.Fields{
		"name":    a.config.App.Name,
		"version": a.config.App.Version,
	}).Info("Starting quest indexer")

	if err := a.listener.Initialize(ctx); err != nil {
		return err
	}

	// Every decoded event flows through the dispatcher; its result is
	// observed here only for error accounting. Synthesized events reach
	// the broadcaster through the dispatcher's sink, so only the raw
	// chain event is broadcast at this point.
	a.unsubscribe = a.listener.Subscribe(func(event *models.ContractEvent) {
		a.broadcaster.BroadcastEvent(event)
		result := a.dispatcher.Dispatch(ctx, event)
		if !result.Success {
			a.mu.Lock()
			a.errorCount++
			a.mu.Unlock()
			a.logger.WithFields(logrus.Fields{
				"event_type": result.EventType,
				"tx_hash":    result.TxHash,
				"log_index":  result.LogIndex,
			}).Error("Event handling failed: " + result.Message)
		}
	})

	a.broadcaster.Start()

	if a.config.Sync.EnableHistorical {
		from := a.config.Sync.StartBlock
		a.logger.WithField("from_block", from).Info("Running historical sync before live polling")
		if err := a.listener.Backfill(ctx, from, 0); err != nil {
			a.logger.WithError(err).Warn("Historical sync finished with errors")
		}
	}

	if err := a.listener.Start(ctx); err != nil {
		return err
	}
	if err := a.server.Start(); err != nil {
		return err
	}

	a.healthGroup.Add(1)
	go a.healthLoop(ctx)

	a.logger.Info("Quest indexer started")
	return nil
}

// Stop shuts everything down in reverse dependency order. Idempotent.
func (a *Application) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	a.logger.Info("Stopping quest indexer")

	a.healthOnce.Do(func() { close(a.healthStop) })
	a.healthGroup.Wait()

	if a.unsubscribe != nil {
		a.unsubscribe()
	}

	agg := resilience.NewErrorAggregator(0)
	if err := a.listener.Stop(); err != nil {
		agg.Add(err)
	}
	a.broadcaster.Shutdown()
	if err := a.server.Stop(ctx); err != nil {
		agg.Add(err)
	}
	if err := a.conn.Close(); err != nil {
		agg.Add(err)
	}
	if err := a.store.Close(); err != nil {
		agg.Add(err)
	}

	a.logger.Info("Quest indexer stopped")
	return agg.Err()
}

// IsRunning reports whether the application has been started.
func (a *Application) IsRunning() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.running
}

// healthLoop refreshes the health snapshot on a fixed interval so
// /health answers from recent data instead of probing on every request.
func (a *Application) healthLoop(ctx context.Context) {
	defer a.healthGroup.Done()

	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	a.refreshHealth(ctx)
	for {
		select {
		case <-a.healthStop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.refreshHealth(ctx)
		}
	}
}

func (a *Application) refreshHealth(ctx context.Context) {
	report := a.buildHealth(ctx)
	a.mu.Lock()
	a.lastHealth = report
	a.mu.Unlock()

	if !report.Healthy {
		a.logger.WithField("issues", report.Issues).Warn("Health check reported issues")
	}
}

func (a *Application) buildHealth(ctx context.Context) models.HealthReport {
	report := models.HealthReport{CheckedAt: time.Now().UTC()}

	lstats := a.listener.Stats()
	report.ListenerConnected = lstats.State == listener.StateConnected
	report.LastProcessedBlock = lstats.LastProcessedBlock
	if !report.ListenerConnected {
		report.Issues = append(report.Issues, "listener is not connected")
	}

	if err := a.store.Ping(); err != nil {
		report.Issues = append(report.Issues, "storage ping failed: "+err.Error())
	} else {
		report.StorageResponsive = true
	}

	report.BroadcasterClients = a.broadcaster.ClientCount()

	a.mu.RLock()
	report.ErrorCount = a.errorCount
	if !a.startedAt.IsZero() {
		report.UptimeSeconds = time.Since(a.startedAt).Seconds()
	}
	a.mu.RUnlock()

	report.Healthy = report.ListenerConnected && report.StorageResponsive
	return report
}

// Health returns the most recent health snapshot, building one on
// demand before the first periodic refresh.
func (a *Application) Health(ctx context.Context) models.HealthReport {
	a.mu.RLock()
	cached := a.lastHealth
	a.mu.RUnlock()

	if cached.CheckedAt.IsZero() {
		return a.buildHealth(ctx)
	}
	return cached
}

// Backfill replays a historical block range through the pipeline.
func (a *Application) Backfill(ctx context.Context, fromBlock, toBlock uint64) error {
	if err := a.listener.Initialize(ctx); err != nil {
		return err
	}
	if a.unsubscribe == nil {
		a.unsubscribe = a.listener.Subscribe(func(event *models.ContractEvent) {
			result := a.dispatcher.Dispatch(ctx, event)
			if !result.Success {
				a.logger.WithFields(logrus.Fields{
					"event_type": result.EventType,
					"tx_hash":    result.TxHash,
				}).Error("Event handling failed: " + result.Message)
			}
		})
	}
	return a.listener.Backfill(ctx, fromBlock, toBlock)
}
