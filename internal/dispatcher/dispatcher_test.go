package dispatcher

import (
	"context"
	"math/big"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zali-labs/quest-indexer/internal/models"
	"github.com/zali-labs/quest-indexer/internal/storage"
)

type recordingNotifier struct {
	mu        sync.Mutex
	questions []models.QuestionAddedArgs
	answers   []models.AnswerSubmittedArgs
	rewards   []models.RewardDistributedArgs
	scores    []models.ScoreUpdatedArgs
	standings []*models.LeaderboardEntry
}

func (n *recordingNotifier) NotifyNewQuestion(_ *models.ContractEvent, args models.QuestionAddedArgs) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.questions = append(n.questions, args)
}

func (n *recordingNotifier) NotifyAnswer(_ *models.ContractEvent, args models.AnswerSubmittedArgs) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.answers = append(n.answers, args)
}

func (n *recordingNotifier) NotifyReward(_ *models.ContractEvent, args models.RewardDistributedArgs) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rewards = append(n.rewards, args)
}

func (n *recordingNotifier) NotifyScoreUpdate(_ *models.ContractEvent, args models.ScoreUpdatedArgs) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.scores = append(n.scores, args)
}

func (n *recordingNotifier) NotifyLeaderboardUpdate(_ string, entry *models.LeaderboardEntry) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.standings = append(n.standings, entry)
}

type recordingSink struct {
	mu     sync.Mutex
	events []*models.ContractEvent
}

func (s *recordingSink) BroadcastEvent(event *models.ContractEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func newQuestionEvent(block uint64, logIndex uint, tx string, id, reward int64) *models.ContractEvent {
	return &models.ContractEvent{
		BlockNumber:    block,
		BlockTimestamp: 1700000000,
		TxHash:         tx,
		LogIndex:       logIndex,
		Address:        "0xc0ffee",
		Name:           models.EventQuestionAdded,
		Args:           models.QuestionAddedArgs{QuestionID: big.NewInt(id), Reward: big.NewInt(reward)},
	}
}

func newAnswerEvent(block uint64, logIndex uint, tx string, id int64, user string, correct bool, reward int64) *models.ContractEvent {
	return &models.ContractEvent{
		BlockNumber:    block,
		BlockTimestamp: 1700000000,
		TxHash:         tx,
		LogIndex:       logIndex,
		Address:        "0xc0ffee",
		Name:           models.EventAnswerSubmitted,
		Args: models.AnswerSubmittedArgs{
			QuestionID: big.NewInt(id),
			User:       user,
			IsCorrect:  correct,
			Reward:     big.NewInt(reward),
		},
	}
}

func TestDispatchBatchUpdatesAggregates(t *testing.T) {
	store := storage.NewMemoryStorage()
	notif := &recordingNotifier{}
	sink := &recordingSink{}
	d := New(store, notif, nil)
	d.SetEventSink(sink)
	ctx := context.Background()

	batch := []*models.ContractEvent{
		newQuestionEvent(100, 0, "0xq1", 1, 100),
		newAnswerEvent(101, 0, "0xa1", 1, "0xalice", true, 100),
		newAnswerEvent(102, 0, "0xa2", 1, "0xbob", false, 0),
	}

	results := d.DispatchBatch(ctx, batch)
	require.Len(t, results, 3, "one result per input event, derived events excluded")
	for i, r := range results {
		assert.True(t, r.Success, "result %d: %s", i, r.Message)
		assert.False(t, r.Duplicate)
	}

	global, err := store.GetGlobalStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), global.TotalQuestions)
	assert.Equal(t, uint64(2), global.TotalAnswers)
	assert.Equal(t, uint64(2), global.UniquePlayers)
	assert.Equal(t, big.NewInt(100), global.TotalRewardsDistributed)

	alice, err := store.GetPlayer(ctx, "0xalice")
	require.NoError(t, err)
	require.NotNil(t, alice)
	assert.Equal(t, uint64(1), alice.CorrectAnswers)
	assert.Equal(t, uint64(1), alice.TotalAnswers)
	assert.Equal(t, big.NewInt(100), alice.TotalRewards)

	bob, err := store.GetPlayer(ctx, "0xbob")
	require.NoError(t, err)
	require.NotNil(t, bob)
	assert.Equal(t, uint64(0), bob.CorrectAnswers)
	assert.Equal(t, uint64(1), bob.TotalAnswers)
	assert.Equal(t, big.NewInt(0), bob.TotalRewards)

	question, err := store.GetQuestion(ctx, "1")
	require.NoError(t, err)
	require.NotNil(t, question)
	assert.Equal(t, uint64(2), question.TotalAnswers)
	assert.Equal(t, uint64(1), question.CorrectAnswers)
	assert.Equal(t, big.NewInt(100), question.TotalRewardsDistributed)

	// Alice's correct answer synthesized a reward and a score signal;
	// Bob's wrong answer synthesized nothing.
	require.Len(t, sink.events, 2)
	assert.Equal(t, models.EventRewardDistributed, sink.events[0].Name)
	assert.Equal(t, models.EventScoreUpdated, sink.events[1].Name)

	require.Len(t, notif.rewards, 1)
	require.Len(t, notif.scores, 1)
	assert.Equal(t, big.NewInt(0), notif.scores[0].PreviousScore)
	assert.Equal(t, big.NewInt(1), notif.scores[0].NewScore)
	assert.Len(t, notif.questions, 1)
	assert.Len(t, notif.answers, 2)
}

func TestDispatchRedeliveryIsIdempotent(t *testing.T) {
	store := storage.NewMemoryStorage()
	notif := &recordingNotifier{}
	d := New(store, notif, nil)
	ctx := context.Background()

	event := newAnswerEvent(101, 0, "0xa1", 1, "0xalice", true, 100)
	first := d.Dispatch(ctx, event)
	require.True(t, first.Success)
	require.False(t, first.Duplicate)

	redelivered := newAnswerEvent(101, 0, "0xa1", 1, "0xalice", true, 100)
	second := d.Dispatch(ctx, redelivered)
	assert.True(t, second.Success)
	assert.True(t, second.Duplicate)

	alice, err := store.GetPlayer(ctx, "0xalice")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), alice.TotalAnswers, "duplicate must not re-apply deltas")
	assert.Equal(t, big.NewInt(100), alice.TotalRewards)

	// Notifications fired once, not twice
	assert.Len(t, notif.answers, 1)
}

func TestSynthesizedEventsAreIdempotentToo(t *testing.T) {
	store := storage.NewMemoryStorage()
	d := New(store, &recordingNotifier{}, nil)
	ctx := context.Background()

	event := newAnswerEvent(101, 3, "0xa1", 1, "0xalice", true, 100)
	d.Dispatch(ctx, event)

	// The derived events share the answer's tx hash with offset indexes.
	has, err := store.HasEvent(ctx, models.EventKey{TxHash: "0xa1", LogIndex: 3 + synthRewardLogOffset})
	require.NoError(t, err)
	assert.True(t, has)
	has, err = store.HasEvent(ctx, models.EventKey{TxHash: "0xa1", LogIndex: 3 + synthScoreLogOffset})
	require.NoError(t, err)
	assert.True(t, has)

	count, err := store.GetEventCount(ctx, models.EventFilter{})
	require.NoError(t, err)
	require.Equal(t, int64(3), count)

	// Redelivery synthesizes nothing new
	d.Dispatch(ctx, newAnswerEvent(101, 3, "0xa1", 1, "0xalice", true, 100))
	count, err = store.GetEventCount(ctx, models.EventFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestDispatchBatchContinuesPastFailures(t *testing.T) {
	store := storage.NewMemoryStorage()
	d := New(store, nil, nil)
	ctx := context.Background()

	badArgs := newAnswerEvent(101, 0, "0xbad", 1, "0xalice", true, 10)
	badArgs.Args = models.QuestionAddedArgs{QuestionID: big.NewInt(1), Reward: big.NewInt(1)} // wrong args type

	batch := []*models.ContractEvent{
		newQuestionEvent(100, 0, "0xq1", 1, 100),
		badArgs,
		newAnswerEvent(102, 0, "0xa2", 1, "0xbob", false, 0),
	}

	results := d.DispatchBatch(ctx, batch)
	require.Len(t, results, 3)
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
	assert.NotEmpty(t, results[1].Message)
	assert.True(t, results[2].Success, "failure in the middle must not stop the batch")
}

func TestDispatchUnknownEventIsNonFatal(t *testing.T) {
	d := New(storage.NewMemoryStorage(), nil, nil)

	result := d.Dispatch(context.Background(), &models.ContractEvent{
		Name:   models.EventName("SomethingElse"),
		TxHash: "0x1",
	})
	assert.False(t, result.Success)
	assert.Contains(t, result.Message, "no handler")
}

func TestDispatchNilEvent(t *testing.T) {
	d := New(storage.NewMemoryStorage(), nil, nil)
	result := d.Dispatch(context.Background(), nil)
	assert.False(t, result.Success)
}

func TestAnswerWithoutUserFails(t *testing.T) {
	d := New(storage.NewMemoryStorage(), nil, nil)

	event := newAnswerEvent(101, 0, "0xa1", 1, "", true, 10)
	result := d.Dispatch(context.Background(), event)
	assert.False(t, result.Success)
	assert.Contains(t, result.Message, "no user")
}

func TestAnswerForUnknownQuestionStillCounts(t *testing.T) {
	store := storage.NewMemoryStorage()
	d := New(store, nil, nil)
	ctx := context.Background()

	// No QuestionAdded was ever seen for id 42
	result := d.Dispatch(ctx, newAnswerEvent(101, 0, "0xa1", 42, "0xalice", true, 10))
	require.True(t, result.Success, result.Message)

	q, err := store.GetQuestion(ctx, "42")
	require.NoError(t, err)
	assert.Nil(t, q, "unknown question stays unknown")

	global, err := store.GetGlobalStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), global.TotalAnswers, "player and global stats still update")
}

func TestRegisteredEvents(t *testing.T) {
	d := New(storage.NewMemoryStorage(), nil, nil)
	assert.Equal(t, models.AllEventNames(), d.RegisteredEvents())
}

func TestScoreMilestoneProgression(t *testing.T) {
	store := storage.NewMemoryStorage()
	notif := &recordingNotifier{}
	d := New(store, notif, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		event := newAnswerEvent(uint64(100+i), 0, "0xtx"+string(rune('a'+i)), 1, "0xalice", true, 10)
		require.True(t, d.Dispatch(ctx, event).Success)
	}

	require.Len(t, notif.scores, 3)
	assert.Equal(t, big.NewInt(0), notif.scores[0].PreviousScore)
	assert.Equal(t, big.NewInt(1), notif.scores[0].NewScore)
	assert.Equal(t, big.NewInt(1), notif.scores[1].PreviousScore)
	assert.Equal(t, big.NewInt(2), notif.scores[1].NewScore)
	assert.Equal(t, big.NewInt(2), notif.scores[2].PreviousScore)
	assert.Equal(t, big.NewInt(3), notif.scores[2].NewScore)

	// Each score change reports the player's standing as well
	require.Len(t, notif.standings, 3)
	assert.Equal(t, 1, notif.standings[2].Rank)
	assert.Equal(t, uint64(3), notif.standings[2].CorrectAnswers)
}
