package broadcaster

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zali-labs/quest-indexer/internal/config"
	"github.com/zali-labs/quest-indexer/internal/metrics"
	"github.com/zali-labs/quest-indexer/internal/models"
	"github.com/zali-labs/quest-indexer/internal/storage"
	"github.com/zali-labs/quest-indexer/pkg/utils"
)

// ClientState tracks a subscription's lifecycle.
type ClientState string

const (
	ClientConnecting ClientState = "connecting"
	ClientOpen       ClientState = "open"
	ClientClosing    ClientState = "closing"
	ClientClosed     ClientState = "closed"
)

// MessageType discriminates the payloads pushed to subscribers.
type MessageType string

const (
	MessageEvent MessageType = "event"
	MessageStats MessageType = "stats"
)

// Message is the envelope delivered on a subscription channel.
type Message struct {
	Type      MessageType             `json:"type"`
	Timestamp time.Time               `json:"timestamp"`
	Event     *models.ContractEvent   `json:"event,omitempty"`
	Stats     *models.GlobalStatsData `json:"stats,omitempty"`
}

// SubscriptionOptions filter what a client receives. An empty
// EventTypes list means all event kinds; an empty User means events
// for every player.
type SubscriptionOptions struct {
	EventTypes []models.EventName
	User       string
}

// Subscription is one client's receive side. Read from C until it is
// closed; call Unsubscribe exactly once when done (extra calls are
// no-ops).
type Subscription struct {
	ID string
	C  <-chan Message

	b       *Broadcaster
	ch      chan Message
	types   map[models.EventName]bool
	user    string
	mu      sync.Mutex
	state   ClientState
	dropped uint64
	once    sync.Once
}

// State returns the subscription's lifecycle state.
func (s *Subscription) State() ClientState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Dropped returns how many messages this subscription missed because
// its channel was full.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Unsubscribe removes the subscription and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.mu.Lock()
		s.state = ClientClosing
		s.mu.Unlock()

		s.b.remove(s)

		s.mu.Lock()
		s.state = ClientClosed
		s.mu.Unlock()
	})
}

// wants reports whether the subscription's filters match the event.
func (s *Subscription) wants(event *models.ContractEvent) bool {
	if len(s.types) > 0 && !s.types[event.Name] {
		return false
	}
	if s.user != "" {
		eu := event.User()
		if eu == "" || utils.NormalizeAddress(eu) != s.user {
			return false
		}
	}
	return true
}

// BroadcastStats holds broadcaster statistics
type BroadcastStats struct {
	ActiveClients    int       `json:"active_clients"`
	TotalSubscribed  uint64    `json:"total_subscribed"`
	EventsDelivered  uint64    `json:"events_delivered"`
	MessagesDropped  uint64    `json:"messages_dropped"`
	SnapshotsPushed  uint64    `json:"snapshots_pushed"`
	LastBroadcastAt  time.Time `json:"last_broadcast_at"`
	ShutdownComplete bool      `json:"shutdown_complete"`
}

// Broadcaster fans decoded events out to live subscribers. Delivery is
// non-blocking: a subscriber that cannot keep up loses messages rather
// than stalling the pipeline, and the loss is counted.
type Broadcaster struct {
	cfg   *config.BroadcasterConfig
	store storage.Storage

	mu       sync.RWMutex
	subs     map[string]*Subscription
	nextID   int
	stats    BroadcastStats
	shutdown bool

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	logger  *logrus.Logger
	metrics *metrics.Metrics
}

// New creates a broadcaster. store may be nil, in which case periodic
// stats snapshots are disabled.
func New(cfg *config.BroadcasterConfig, store storage.Storage, m *metrics.Metrics) *Broadcaster {
	return &Broadcaster{
		cfg:      cfg,
		store:    store,
		subs:     make(map[string]*Subscription),
		stopChan: make(chan struct{}),
		logger:   utils.GetLogger(),
		metrics:  m,
	}
}

// Start launches the periodic stats snapshot pusher.
func (b *Broadcaster) Start() {
	if b.store == nil || b.cfg.SnapshotInterval <= 0 {
		return
	}
	b.wg.Add(1)
	go b.snapshotLoop()
}

// Subscribe registers a client. Returns nil after shutdown.
func (b *Broadcaster) Subscribe(opts SubscriptionOptions) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.shutdown {
		return nil
	}

	buffer := b.cfg.ClientBuffer
	if buffer <= 0 {
		buffer = 64
	}

	ch := make(chan Message, buffer)
	types := make(map[models.EventName]bool, len(opts.EventTypes))
	for _, t := range opts.EventTypes {
		types[t] = true
	}

	user := ""
	if opts.User != "" {
		user = utils.NormalizeAddress(opts.User)
	}

	b.nextID++
	sub := &Subscription{
		ID:    subID(b.nextID),
		C:     ch,
		b:     b,
		ch:    ch,
		types: types,
		user:  user,
		state: ClientOpen,
	}
	b.subs[sub.ID] = sub
	b.stats.TotalSubscribed++
	b.stats.ActiveClients = len(b.subs)

	if b.metrics != nil {
		b.metrics.SetConnectedClients(len(b.subs))
	}
	b.logger.WithFields(logrus.Fields{
		"subscription": sub.ID,
		"event_types":  len(opts.EventTypes),
		"user":         sub.user,
	}).Debug("Client subscribed")
	return sub
}

func subID(n int) string {
	return fmt.Sprintf("client-%d", n)
}

// remove detaches a subscription and closes its channel.
func (b *Broadcaster) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.ID]; !ok {
		return
	}
	delete(b.subs, sub.ID)
	close(sub.ch)
	b.stats.ActiveClients = len(b.subs)

	if b.metrics != nil {
		b.metrics.SetConnectedClients(len(b.subs))
	}
	b.logger.WithField("subscription", sub.ID).Debug("Client unsubscribed")
}

// BroadcastEvent delivers an event to every matching subscriber. It
// never blocks; full channels drop the message and count it.
func (b *Broadcaster) BroadcastEvent(event *models.ContractEvent) {
	if event == nil {
		return
	}

	msg := Message{Type: MessageEvent, Timestamp: time.Now().UTC(), Event: event}

	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	delivered := 0
	for _, sub := range subs {
		if !sub.wants(event) {
			continue
		}
		if b.send(sub, msg) {
			delivered++
			if b.metrics != nil {
				b.metrics.RecordEventBroadcast(string(event.Name))
			}
		} else if b.metrics != nil {
			b.metrics.RecordEventDropped(string(event.Name))
		}
	}

	b.mu.Lock()
	b.stats.EventsDelivered += uint64(delivered)
	b.stats.LastBroadcastAt = time.Now()
	b.mu.Unlock()
}

// send attempts a non-blocking delivery.
func (b *Broadcaster) send(sub *Subscription, msg Message) bool {
	select {
	case sub.ch <- msg:
		return true
	default:
		sub.mu.Lock()
		sub.dropped++
		sub.mu.Unlock()

		b.mu.Lock()
		b.stats.MessagesDropped++
		b.mu.Unlock()

		b.logger.WithField("subscription", sub.ID).Debug("Dropped message for slow client")
		return false
	}
}

// snapshotLoop pushes a global stats snapshot to every client on a
// fixed interval so UIs stay fresh even between events.
func (b *Broadcaster) snapshotLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopChan:
			return
		case <-ticker.C:
			b.pushSnapshot()
		}
	}
}

func (b *Broadcaster) pushSnapshot() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stats, err := b.store.GetGlobalStats(ctx)
	if err != nil || stats == nil {
		return
	}

	msg := Message{Type: MessageStats, Timestamp: time.Now().UTC(), Stats: stats}

	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		b.send(sub, msg)
	}

	b.mu.Lock()
	b.stats.SnapshotsPushed++
	b.mu.Unlock()
}

// ClientCount returns the number of active subscriptions.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Stats returns a snapshot of broadcaster statistics.
func (b *Broadcaster) Stats() BroadcastStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s := b.stats
	s.ActiveClients = len(b.subs)
	s.ShutdownComplete = b.shutdown
	return s
}

// Shutdown closes every subscription and refuses new ones. Idempotent.
func (b *Broadcaster) Shutdown() {
	b.stopOnce.Do(func() {
		close(b.stopChan)
	})
	b.wg.Wait()

	b.mu.Lock()
	if b.shutdown {
		b.mu.Unlock()
		return
	}
	b.shutdown = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}

	b.logger.WithField("clients_closed", len(subs)).Info("Broadcaster shut down")
}
