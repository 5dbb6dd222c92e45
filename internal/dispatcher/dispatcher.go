package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zali-labs/quest-indexer/internal/metrics"
	"github.com/zali-labs/quest-indexer/internal/models"
	"github.com/zali-labs/quest-indexer/internal/storage"
	"github.com/zali-labs/quest-indexer/pkg/utils"
)

// Notifier receives per-event-kind callbacks from the handlers. The
// notification service implements it; a nil Notifier disables all
// user-facing notifications without touching the storage path.
type Notifier interface {
	NotifyNewQuestion(event *models.ContractEvent, args models.QuestionAddedArgs)
	NotifyAnswer(event *models.ContractEvent, args models.AnswerSubmittedArgs)
	NotifyReward(event *models.ContractEvent, args models.RewardDistributedArgs)
	NotifyScoreUpdate(event *models.ContractEvent, args models.ScoreUpdatedArgs)
	NotifyLeaderboardUpdate(user string, entry *models.LeaderboardEntry)
}

// EventSink receives events synthesized during handling (reward and
// score signals derived from answers) so they reach live subscribers
// the same way listener-delivered events do.
type EventSink interface {
	BroadcastEvent(event *models.ContractEvent)
}

// Handler processes one event kind. It returns the handling result and
// any synthesized follow-up events.
type Handler interface {
	Handle(ctx context.Context, event *models.ContractEvent) (models.HandlerResult, []*models.ContractEvent)
}

// Dispatcher routes each incoming event to the handler registered for
// its event name. It holds no per-event state; all state lives in
// storage.
type Dispatcher struct {
	handlers map[models.EventName]Handler
	logger   *logrus.Logger
	metrics  *metrics.Metrics
	sink     EventSink
}

// New builds a dispatcher with the full handler set for the quest
// contract. notifier and m may be nil; sink may be nil when no live
// fan-out is wired.
func New(store storage.Storage, notifier Notifier, m *metrics.Metrics) *Dispatcher {
	d := &Dispatcher{
		handlers: make(map[models.EventName]Handler),
		logger:   utils.GetLogger(),
		metrics:  m,
	}
	d.handlers[models.EventQuestionAdded] = &questionAddedHandler{store: store, notifier: notifier}
	d.handlers[models.EventAnswerSubmitted] = &answerSubmittedHandler{store: store, notifier: notifier}
	d.handlers[models.EventRewardDistributed] = &rewardDistributedHandler{store: store, notifier: notifier}
	d.handlers[models.EventScoreUpdated] = &scoreUpdatedHandler{store: store, notifier: notifier}
	return d
}

// SetEventSink wires the destination for synthesized events.
func (d *Dispatcher) SetEventSink(sink EventSink) {
	d.sink = sink
}

// Dispatch routes a single event. A missing handler is a reportable,
// non-fatal condition: the result carries the event type and a message
// but the caller never sees an error.
func (d *Dispatcher) Dispatch(ctx context.Context, event *models.ContractEvent) models.HandlerResult {
	if event == nil {
		return models.HandlerResult{
			Success: false,
			Message: "nil event",
		}
	}

	handler, ok := d.handlers[event.Name]
	if !ok {
		d.logger.WithField("event_type", event.Name).Warn("No handler registered for event")
		if d.metrics != nil {
			d.metrics.RecordEventProcessed(string(event.Name), "unhandled")
		}
		return models.HandlerResult{
			Success:   false,
			EventType: event.Name,
			TxHash:    event.TxHash,
			LogIndex:  event.LogIndex,
			Message:   fmt.Sprintf("no handler registered for event type %q", event.Name),
		}
	}

	start := time.Now()
	result, derived := d.safeHandle(ctx, handler, event)

	if d.metrics != nil {
		status := "success"
		if !result.Success {
			status = "error"
		} else if result.Duplicate {
			status = "duplicate"
		}
		d.metrics.RecordEventProcessed(string(event.Name), status)
		d.metrics.ObserveDispatchDuration(string(event.Name), time.Since(start))
	}

	// Synthesized events ride through the same routing, after their
	// originating event. Their results are logged, not returned: the
	// caller's batch accounting stays one result per input event.
	for _, dev := range derived {
		if d.sink != nil {
			d.sink.BroadcastEvent(dev)
		}
		dres := d.Dispatch(ctx, dev)
		if !dres.Success {
			d.logger.WithFields(logrus.Fields{
				"event_type": dev.Name,
				"tx_hash":    dev.TxHash,
				"log_index":  dev.LogIndex,
			}).Warn("Derived event handling failed: " + dres.Message)
		}
	}

	return result
}

// safeHandle converts handler panics into error results so a single
// bad event cannot halt the batch.
func (d *Dispatcher) safeHandle(ctx context.Context, handler Handler, event *models.ContractEvent) (result models.HandlerResult, derived []*models.ContractEvent) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.WithFields(logrus.Fields{
				"event_type": event.Name,
				"tx_hash":    event.TxHash,
				"log_index":  event.LogIndex,
			}).Errorf("Handler panicked: %v", r)
			result = errorResult(event, fmt.Sprintf("handler panic: %v", r))
			derived = nil
		}
	}()
	return handler.Handle(ctx, event)
}

// DispatchBatch processes events sequentially, in slice order. Ordering
// matters: synthesized signals depend on the answers that precede them
// within a block range.
func (d *Dispatcher) DispatchBatch(ctx context.Context, events []*models.ContractEvent) []models.HandlerResult {
	results := make([]models.HandlerResult, 0, len(events))
	for _, event := range events {
		results = append(results, d.Dispatch(ctx, event))
	}
	return results
}

// RegisteredEvents returns the event names with a handler, in stable order.
func (d *Dispatcher) RegisteredEvents() []models.EventName {
	names := make([]models.EventName, 0, len(d.handlers))
	for _, name := range models.AllEventNames() {
		if _, ok := d.handlers[name]; ok {
			names = append(names, name)
		}
	}
	return names
}

func errorResult(event *models.ContractEvent, message string) models.HandlerResult {
	return models.HandlerResult{
		Success:   false,
		EventType: event.Name,
		TxHash:    event.TxHash,
		LogIndex:  event.LogIndex,
		Message:   message,
	}
}

func duplicateResult(event *models.ContractEvent) models.HandlerResult {
	return models.HandlerResult{
		Success:   true,
		Duplicate: true,
		EventType: event.Name,
		TxHash:    event.TxHash,
		LogIndex:  event.LogIndex,
		Message:   "event already processed",
	}
}
