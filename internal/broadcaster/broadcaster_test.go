package broadcaster

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zali-labs/quest-indexer/internal/config"
	"github.com/zali-labs/quest-indexer/internal/models"
)

func testConfig(buffer int) *config.BroadcasterConfig {
	return &config.BroadcasterConfig{ClientBuffer: buffer, SnapshotInterval: 0}
}

func answerEvent(user string, logIndex uint) *models.ContractEvent {
	return &models.ContractEvent{
		BlockNumber: 100,
		TxHash:      "0xtx",
		LogIndex:    logIndex,
		Name:        models.EventAnswerSubmitted,
		Args: models.AnswerSubmittedArgs{
			QuestionID: big.NewInt(1),
			User:       user,
			IsCorrect:  true,
			Reward:     big.NewInt(10),
		},
	}
}

func questionEvent(logIndex uint) *models.ContractEvent {
	return &models.ContractEvent{
		BlockNumber: 100,
		TxHash:      "0xtx",
		LogIndex:    logIndex,
		Name:        models.EventQuestionAdded,
		Args:        models.QuestionAddedArgs{QuestionID: big.NewInt(1), Reward: big.NewInt(10)},
	}
}

func recv(t *testing.T, sub *Subscription) Message {
	t.Helper()
	select {
	case msg := <-sub.C:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func TestBroadcastReachesAllSubscribers(t *testing.T) {
	b := New(testConfig(4), nil, nil)
	defer b.Shutdown()

	s1 := b.Subscribe(SubscriptionOptions{})
	s2 := b.Subscribe(SubscriptionOptions{})
	require.Equal(t, 2, b.ClientCount())

	b.BroadcastEvent(questionEvent(0))

	assert.Equal(t, models.EventQuestionAdded, recv(t, s1).Event.Name)
	assert.Equal(t, models.EventQuestionAdded, recv(t, s2).Event.Name)
}

func TestSubscriptionEventTypeFilter(t *testing.T) {
	b := New(testConfig(4), nil, nil)
	defer b.Shutdown()

	sub := b.Subscribe(SubscriptionOptions{
		EventTypes: []models.EventName{models.EventQuestionAdded},
	})

	b.BroadcastEvent(answerEvent("0xalice", 0))
	b.BroadcastEvent(questionEvent(1))

	msg := recv(t, sub)
	assert.Equal(t, models.EventQuestionAdded, msg.Event.Name)
	select {
	case extra := <-sub.C:
		t.Fatalf("unexpected extra message: %v", extra.Event.Name)
	default:
	}
}

func TestSubscriptionUserFilter(t *testing.T) {
	b := New(testConfig(4), nil, nil)
	defer b.Shutdown()

	sub := b.Subscribe(SubscriptionOptions{User: "0xALICE"})

	b.BroadcastEvent(answerEvent("0xbob", 0))
	b.BroadcastEvent(answerEvent("0xalice", 1))
	// Events with no user never match a user-filtered subscription
	b.BroadcastEvent(questionEvent(2))

	msg := recv(t, sub)
	require.Equal(t, models.EventAnswerSubmitted, msg.Event.Name)
	assert.Equal(t, "0xalice", msg.Event.User())
	select {
	case extra := <-sub.C:
		t.Fatalf("unexpected extra message: %v", extra.Event.Name)
	default:
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := New(testConfig(1), nil, nil)
	defer b.Shutdown()

	sub := b.Subscribe(SubscriptionOptions{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.BroadcastEvent(questionEvent(0))
		b.BroadcastEvent(questionEvent(1))
		b.BroadcastEvent(questionEvent(2))
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a full subscriber channel")
	}

	assert.Equal(t, uint64(2), sub.Dropped())
	assert.Equal(t, uint64(2), b.Stats().MessagesDropped)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New(testConfig(4), nil, nil)
	defer b.Shutdown()

	sub := b.Subscribe(SubscriptionOptions{})
	require.Equal(t, ClientOpen, sub.State())

	sub.Unsubscribe()
	sub.Unsubscribe() // second call is a no-op

	assert.Equal(t, ClientClosed, sub.State())
	assert.Equal(t, 0, b.ClientCount())

	_, open := <-sub.C
	assert.False(t, open)
}

func TestShutdownIsIdempotent(t *testing.T) {
	b := New(testConfig(4), nil, nil)

	s1 := b.Subscribe(SubscriptionOptions{})
	s2 := b.Subscribe(SubscriptionOptions{})

	b.Shutdown()
	b.Shutdown()

	assert.Equal(t, ClientClosed, s1.State())
	assert.Equal(t, ClientClosed, s2.State())
	assert.Equal(t, 0, b.ClientCount())

	// New subscriptions are refused after shutdown
	assert.Nil(t, b.Subscribe(SubscriptionOptions{}))

	// Broadcasting into a shut-down broadcaster is a harmless no-op
	b.BroadcastEvent(questionEvent(0))
}

func TestBroadcastStats(t *testing.T) {
	b := New(testConfig(4), nil, nil)
	defer b.Shutdown()

	sub := b.Subscribe(SubscriptionOptions{})
	b.BroadcastEvent(questionEvent(0))
	recv(t, sub)

	stats := b.Stats()
	assert.Equal(t, 1, stats.ActiveClients)
	assert.Equal(t, uint64(1), stats.TotalSubscribed)
	assert.Equal(t, uint64(1), stats.EventsDelivered)
	assert.False(t, stats.LastBroadcastAt.IsZero())
}
