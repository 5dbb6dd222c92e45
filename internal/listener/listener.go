package listener

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
	"github.com/zali-labs/quest-indexer/internal/config"
	"github.com/zali-labs/quest-indexer/internal/connection"
	"github.com/zali-labs/quest-indexer/internal/metrics"
	"github.com/zali-labs/quest-indexer/internal/models"
	"github.com/zali-labs/quest-indexer/internal/storage"
	"github.com/zali-labs/quest-indexer/pkg/resilience"
	"github.com/zali-labs/quest-indexer/pkg/utils"
)

// ConnectionState describes the listener's view of the chain endpoint.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
)

// EventCallback receives decoded events in chain order.
type EventCallback func(event *models.ContractEvent)

// ListenerStats holds listener statistics
type ListenerStats struct {
	Running            bool            `json:"running"`
	State              ConnectionState `json:"state"`
	LastProcessedBlock uint64          `json:"last_processed_block"`
	EventsDelivered    uint64          `json:"events_delivered"`
	LogsSkipped        uint64          `json:"logs_skipped"`
	PollErrors         uint64          `json:"poll_errors"`
	LastPollAt         time.Time       `json:"last_poll_at"`
	LastEventAt        time.Time       `json:"last_event_at"`
	Subscribers        int             `json:"subscribers"`
}

// EventListener polls the chain for quest contract logs, decodes them,
// and fans them out to subscribers in chain order (block number, then
// log index). Delivery is at-least-once; storage de-duplicates.
type EventListener struct {
	conn     connection.Manager
	store    storage.Storage
	decoder  *Decoder
	chainCfg *config.ChainConfig
	syncCfg  *config.SyncConfig
	executor *resilience.ResilientExecutor

	// fetchFn performs the log fetch; tests swap it out.
	fetchFn func(ctx context.Context, from, to uint64) ([]types.Log, error)

	mu          sync.RWMutex
	running     bool
	state       ConnectionState
	subscribers map[int]EventCallback
	nextSubID   int
	stats       ListenerStats
	tsCache     map[uint64]uint64

	stopChan chan struct{}
	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	logger  *logrus.Logger
	metrics *metrics.Metrics
}

// NewEventListener creates a listener. Initialize must be called before
// Start.
func NewEventListener(conn connection.Manager, store storage.Storage, chainCfg *config.ChainConfig, syncCfg *config.SyncConfig, executor *resilience.ResilientExecutor, m *metrics.Metrics) (*EventListener, error) {
	decoder, err := NewDecoder()
	if err != nil {
		return nil, err
	}

	l := &EventListener{
		conn:        conn,
		store:       store,
		decoder:     decoder,
		chainCfg:    chainCfg,
		syncCfg:     syncCfg,
		executor:    executor,
		state:       StateDisconnected,
		subscribers: make(map[int]EventCallback),
		tsCache:     make(map[uint64]uint64),
		stopChan:    make(chan struct{}),
		logger:      utils.GetLogger(),
		metrics:     m,
	}
	l.fetchFn = l.fetchLogs
	return l, nil
}

// Initialize validates configuration and establishes the chain
// connection. Calling it again after success is a no-op.
func (l *EventListener) Initialize(ctx context.Context) error {
	l.mu.Lock()
	if l.state == StateConnected {
		l.mu.Unlock()
		return nil
	}
	l.state = StateConnecting
	l.mu.Unlock()

	if !utils.IsValidAddress(l.chainCfg.ContractAddress) {
		l.setState(StateDisconnected)
		return utils.NewAppError(utils.ErrCodeConfiguration, "Invalid quest contract address", l.chainCfg.ContractAddress)
	}

	if err := l.conn.HealthCheck(ctx); err != nil {
		l.setState(StateDisconnected)
		return err
	}

	l.setState(StateConnected)
	l.logger.WithFields(logrus.Fields{
		"contract":      utils.NormalizeAddress(l.chainCfg.ContractAddress),
		"poll_interval": l.syncCfg.PollInterval.String(),
	}).Info("Event listener initialized")
	return nil
}

// Start begins the polling loop. The listener must be initialized.
func (l *EventListener) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return utils.NewAppError(utils.ErrCodeValidation, "Listener is already running")
	}
	if l.state != StateConnected {
		l.mu.Unlock()
		return utils.NewAppError(utils.ErrCodeValidation, "Listener is not initialized")
	}
	l.running = true
	pollCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.mu.Unlock()

	l.wg.Add(1)
	go l.pollLoop(pollCtx)

	l.logger.Info("Event listener started")
	return nil
}

// Stop halts polling, aborting any in-flight retry wait, and waits for
// the loop to exit. Idempotent.
func (l *EventListener) Stop() error {
	l.stopOnce.Do(func() {
		close(l.stopChan)
	})
	l.mu.Lock()
	if l.cancel != nil {
		l.cancel()
	}
	l.mu.Unlock()
	l.wg.Wait()

	l.mu.Lock()
	l.running = false
	l.state = StateDisconnected
	l.mu.Unlock()

	l.logger.Info("Event listener stopped")
	return nil
}

// Subscribe registers a callback for decoded events and returns an
// unsubscribe function. Callbacks run on the polling goroutine, in
// chain order; slow callbacks slow the poll, they are never skipped.
func (l *EventListener) Subscribe(cb EventCallback) func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextSubID
	l.nextSubID++
	l.subscribers[id] = cb

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.subscribers, id)
	}
}

// State returns the current connection state.
func (l *EventListener) State() ConnectionState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// IsRunning reports whether the poll loop is active.
func (l *EventListener) IsRunning() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.running
}

// Stats returns a snapshot of listener statistics.
func (l *EventListener) Stats() ListenerStats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s := l.stats
	s.Running = l.running
	s.State = l.state
	s.Subscribers = len(l.subscribers)
	return s
}

func (l *EventListener) setState(state ConnectionState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != state {
		l.logger.WithFields(logrus.Fields{
			"from": string(l.state),
			"to":   string(state),
		}).Info("Listener connection state changed")
		l.state = state
	}
}

// pollLoop polls for new confirmed blocks on a fixed interval until
// Stop is called or the context ends.
func (l *EventListener) pollLoop(ctx context.Context) {
	defer l.wg.Done()

	interval := l.syncCfg.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.pollOnce(ctx); err != nil {
				l.mu.Lock()
				l.stats.PollErrors++
				l.mu.Unlock()
				l.setState(StateReconnecting)
				l.logger.WithError(err).Warn("Poll cycle failed")
			} else {
				l.setState(StateConnected)
			}
		}
	}
}

// pollOnce processes every unseen confirmed block since the resume
// point, in chain order.
func (l *EventListener) pollOnce(ctx context.Context) error {
	l.mu.Lock()
	l.stats.LastPollAt = time.Now()
	l.mu.Unlock()

	latest, err := l.conn.GetLatestBlockNumber(ctx)
	if err != nil {
		return err
	}

	confirmed := latest
	if c := uint64(l.syncCfg.ConfirmationBlocks); confirmed > c {
		confirmed -= c
	} else {
		return nil
	}

	from, err := l.resumeBlock(confirmed)
	if err != nil {
		return err
	}
	if from > confirmed {
		return nil
	}

	// Large gaps (first run, long outage) are walked in batches so a
	// single filter query never spans the provider's range limit.
	batch := uint64(l.syncCfg.BatchSize)
	if batch == 0 {
		batch = 200
	}
	for start := from; start <= confirmed; start += batch {
		end := start + batch - 1
		if end > confirmed {
			end = confirmed
		}
		if err := l.processRange(ctx, start, end); err != nil {
			return err
		}

		select {
		case <-l.stopChan:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return nil
}

// resumeBlock determines the next block to process: one past the
// stored high-water mark. On first run, historical sync starts from
// the configured start block; without it the poll begins at the
// confirmed head so no unrequested history is scanned.
func (l *EventListener) resumeBlock(confirmed uint64) (uint64, error) {
	last, err := l.store.GetLatestProcessedBlock()
	if err != nil {
		return 0, err
	}
	if last > 0 {
		return last + 1, nil
	}
	if l.syncCfg.EnableHistorical {
		return l.syncCfg.StartBlock, nil
	}
	return confirmed, nil
}

// processRange fetches, decodes and delivers all contract logs in
// [from, to], then advances the resume point.
func (l *EventListener) processRange(ctx context.Context, from, to uint64) error {
	logs, err := l.fetchFn(ctx, from, to)
	if err != nil {
		return err
	}

	events := l.decodeLogs(ctx, logs)
	for _, event := range events {
		l.deliver(event)
	}

	if err := l.store.SetLatestProcessedBlock(to); err != nil {
		return err
	}
	if l.metrics != nil {
		l.metrics.SetLastProcessedBlock(to)
	}

	l.mu.Lock()
	l.stats.LastProcessedBlock = to
	l.mu.Unlock()

	if len(events) > 0 {
		l.logger.WithFields(logrus.Fields{
			"from_block": from,
			"to_block":   to,
			"events":     len(events),
		}).Info("Processed block range")
	}
	return nil
}

// fetchLogs queries the contract's logs for a block range under the
// resilience executor. The client is acquired first: the manager's
// reconnect path runs under the same breaker, and nesting it inside an
// admitted execution would consume the half-open probe slot.
func (l *EventListener) fetchLogs(ctx context.Context, from, to uint64) ([]types.Log, error) {
	client, err := l.conn.GetClient(ctx)
	if err != nil {
		return nil, err
	}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{common.HexToAddress(l.chainCfg.ContractAddress)},
		Topics:    [][]common.Hash{l.decoder.Topics()},
	}

	var logs []types.Log
	err = l.executor.Execute(ctx, func(ctx context.Context) error {
		reqCtx, cancel := context.WithTimeout(ctx, l.chainCfg.RequestTimeout)
		defer cancel()

		start := time.Now()
		fetched, err := client.FilterLogs(reqCtx, query)
		if l.metrics != nil {
			status := "success"
			if err != nil {
				status = "error"
			}
			l.metrics.RecordRPCRequest("eth_getLogs", status, time.Since(start))
		}
		if err != nil {
			return utils.NewAppError(utils.ErrCodeBlockchain, "Failed to fetch logs",
				fmt.Sprintf("blocks %d-%d: %v", from, to, err))
		}
		logs = fetched
		return nil
	})
	return logs, err
}

// decodeLogs decodes raw logs into typed events and sorts them into
// chain order. Undecodable logs are counted and dropped.
func (l *EventListener) decodeLogs(ctx context.Context, logs []types.Log) []*models.ContractEvent {
	events := make([]*models.ContractEvent, 0, len(logs))
	for _, log := range logs {
		ts, err := l.blockTimestamp(ctx, log.BlockNumber)
		if err != nil {
			l.logger.WithError(err).WithField("block", log.BlockNumber).Warn("Failed to fetch block timestamp")
		}

		event, err := l.decoder.DecodeLog(log, ts)
		if err != nil {
			l.mu.Lock()
			l.stats.LogsSkipped++
			l.mu.Unlock()
			if l.metrics != nil {
				l.metrics.RecordDecodeFailure()
			}
			l.logger.WithFields(logrus.Fields{
				"tx_hash":   log.TxHash.Hex(),
				"log_index": log.Index,
			}).Warn("Dropping undecodable log: " + err.Error())
			continue
		}
		if event == nil {
			continue
		}
		events = append(events, event)
	}

	sort.SliceStable(events, func(i, j int) bool {
		if events[i].BlockNumber != events[j].BlockNumber {
			return events[i].BlockNumber < events[j].BlockNumber
		}
		return events[i].LogIndex < events[j].LogIndex
	})
	return events
}

// blockTimestamp resolves a block's timestamp through a small cache.
// Ranges of blocks share headers, so this saves one header fetch per
// log after the first.
func (l *EventListener) blockTimestamp(ctx context.Context, blockNumber uint64) (uint64, error) {
	l.mu.RLock()
	ts, ok := l.tsCache[blockNumber]
	l.mu.RUnlock()
	if ok {
		return ts, nil
	}

	client, err := l.conn.GetClient(ctx)
	if err != nil {
		return 0, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, l.chainCfg.RequestTimeout)
	defer cancel()

	start := time.Now()
	header, err := client.HeaderByNumber(reqCtx, new(big.Int).SetUint64(blockNumber))
	if l.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		l.metrics.RecordRPCRequest("eth_getBlockByNumber", status, time.Since(start))
	}
	if err != nil {
		return 0, err
	}

	l.mu.Lock()
	// Bounded cache: drop everything once it grows past a poll
	// window's worth of blocks.
	if len(l.tsCache) > 4096 {
		l.tsCache = make(map[uint64]uint64)
	}
	l.tsCache[blockNumber] = header.Time
	l.mu.Unlock()
	return header.Time, nil
}

// deliver invokes every subscriber synchronously, in registration
// order, preserving chain order per subscriber.
func (l *EventListener) deliver(event *models.ContractEvent) {
	l.mu.RLock()
	ids := make([]int, 0, len(l.subscribers))
	for id := range l.subscribers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	callbacks := make([]EventCallback, 0, len(ids))
	for _, id := range ids {
		callbacks = append(callbacks, l.subscribers[id])
	}
	l.mu.RUnlock()

	for _, cb := range callbacks {
		cb(event)
	}

	l.mu.Lock()
	l.stats.EventsDelivered++
	l.stats.LastEventAt = time.Now()
	l.mu.Unlock()
}

// Backfill replays historical contract logs in [fromBlock, toBlock]
// through the same processing path as live polling, advancing the
// resume point past each completed range so the live poll does not
// re-fetch backfilled blocks. A zero toBlock means the current
// confirmed head. Per-range failures are aggregated; one bad range
// does not abort the rest.
func (l *EventListener) Backfill(ctx context.Context, fromBlock, toBlock uint64) error {
	if toBlock == 0 {
		latest, err := l.conn.GetLatestBlockNumber(ctx)
		if err != nil {
			return err
		}
		if c := uint64(l.syncCfg.ConfirmationBlocks); latest > c {
			toBlock = latest - c
		}
	}
	if fromBlock > toBlock {
		return utils.NewAppError(utils.ErrCodeValidation, "Invalid backfill range",
			fmt.Sprintf("from %d > to %d", fromBlock, toBlock))
	}

	l.logger.WithFields(logrus.Fields{
		"from_block": fromBlock,
		"to_block":   toBlock,
	}).Info("Starting historical backfill")

	agg := resilience.NewErrorAggregator(0)
	batch := uint64(l.syncCfg.BatchSize)
	if batch == 0 {
		batch = 200
	}

	for start := fromBlock; start <= toBlock; start += batch {
		end := start + batch - 1
		if end > toBlock {
			end = toBlock
		}

		if err := l.processRange(ctx, start, end); err != nil {
			agg.Add(fmt.Errorf("blocks %d-%d: %w", start, end, err))
		}

		select {
		case <-ctx.Done():
			agg.Add(ctx.Err())
			return agg.Err()
		default:
		}
	}

	l.logger.WithFields(logrus.Fields{
		"from_block": fromBlock,
		"to_block":   toBlock,
		"errors":     agg.Count(),
	}).Info("Historical backfill finished")
	return agg.Err()
}
