package dispatcher

import (
	"context"
	"fmt"
	"math/big"
	"strconv"

	"github.com/zali-labs/quest-indexer/internal/models"
	"github.com/zali-labs/quest-indexer/internal/storage"
	"github.com/zali-labs/quest-indexer/pkg/utils"
)

// Synthesized events reuse the originating transaction hash with a log
// index offset well above anything a real block produces, so their
// (txHash, logIndex) identity is deterministic across redelivery.
const (
	synthRewardLogOffset = 1_000_000
	synthScoreLogOffset  = 2_000_000
)

// leaderboardNotifyDepth bounds how far down the leaderboard a score
// change still announces the player's standing.
const leaderboardNotifyDepth = 10

// decimal renders a big.Int as a decimal string for the result summary.
// Summaries carry ids and amounts as strings for safe cross-language
// serialization.
func decimal(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// saveOrShortCircuit persists the raw event. It returns a non-nil
// result when handling should stop: either a storage failure or an
// already-seen identity key (at-least-once redelivery), in which case
// aggregate deltas and notifications must not run again.
func saveOrShortCircuit(ctx context.Context, store storage.Storage, event *models.ContractEvent) *models.HandlerResult {
	inserted, err := store.SaveEvent(ctx, event)
	if err != nil {
		r := errorResult(event, fmt.Sprintf("failed to persist event: %v", err))
		return &r
	}
	if !inserted {
		r := duplicateResult(event)
		return &r
	}
	return nil
}

// questionAddedHandler processes QuestionAdded events. The question
// record itself is created by storage on save; the handler only bumps
// the global question counter and notifies.
type questionAddedHandler struct {
	store    storage.Storage
	notifier Notifier
}

func (h *questionAddedHandler) Handle(ctx context.Context, event *models.ContractEvent) (models.HandlerResult, []*models.ContractEvent) {
	args, ok := event.Args.(models.QuestionAddedArgs)
	if !ok {
		return errorResult(event, "unexpected args type for QuestionAdded"), nil
	}

	if r := saveOrShortCircuit(ctx, h.store, event); r != nil {
		return *r, nil
	}

	if _, err := h.store.UpdateGlobalStats(ctx, models.GlobalDelta{TotalQuestions: 1}); err != nil {
		return errorResult(event, fmt.Sprintf("failed to update global stats: %v", err)), nil
	}

	if h.notifier != nil {
		h.notifier.NotifyNewQuestion(event, args)
	}

	return models.HandlerResult{
		Success:   true,
		EventType: event.Name,
		TxHash:    event.TxHash,
		LogIndex:  event.LogIndex,
		Summary: map[string]string{
			"question_id": decimal(args.QuestionID),
			"reward":      decimal(args.Reward),
		},
	}, nil
}

// answerSubmittedHandler processes AnswerSubmitted events: player,
// question and global aggregate deltas, plus synthesis of the derived
// RewardDistributed and ScoreUpdated signals.
type answerSubmittedHandler struct {
	store    storage.Storage
	notifier Notifier
}

func (h *answerSubmittedHandler) Handle(ctx context.Context, event *models.ContractEvent) (models.HandlerResult, []*models.ContractEvent) {
	args, ok := event.Args.(models.AnswerSubmittedArgs)
	if !ok {
		return errorResult(event, "unexpected args type for AnswerSubmitted"), nil
	}
	if args.User == "" {
		return errorResult(event, "answer event has no user address"), nil
	}

	if r := saveOrShortCircuit(ctx, h.store, event); r != nil {
		return *r, nil
	}

	rewarded := args.IsCorrect && args.Reward != nil && args.Reward.Sign() > 0

	user := utils.NormalizeAddress(args.User)
	before, err := h.store.GetPlayer(ctx, user)
	if err != nil {
		return errorResult(event, fmt.Sprintf("failed to read player: %v", err)), nil
	}
	var previousScore uint64
	if before != nil {
		previousScore = before.CorrectAnswers
	}

	playerDelta := models.PlayerDelta{
		TotalAnswers: 1,
		LastPlayedAt: event.BlockTimestamp,
	}
	if args.IsCorrect {
		playerDelta.CorrectAnswers = 1
	}
	if rewarded {
		playerDelta.RewardsEarned = args.Reward
	}
	player, created, err := h.store.UpdatePlayerStats(ctx, user, playerDelta)
	if err != nil {
		return errorResult(event, fmt.Sprintf("failed to update player stats: %v", err)), nil
	}

	// Unknown question ids no-op inside storage rather than failing
	// the event: answers may reference questions added before the
	// sync window.
	if args.QuestionID != nil {
		questionDelta := models.QuestionDelta{TotalAnswers: 1}
		if args.IsCorrect {
			questionDelta.CorrectAnswers = 1
		}
		if rewarded {
			questionDelta.RewardsDistributed = args.Reward
		}
		if _, err := h.store.UpdateQuestionStats(ctx, args.QuestionID.String(), questionDelta); err != nil {
			return errorResult(event, fmt.Sprintf("failed to update question stats: %v", err)), nil
		}
	}

	globalDelta := models.GlobalDelta{TotalAnswers: 1}
	if created {
		globalDelta.UniquePlayers = 1
	}
	if rewarded {
		globalDelta.RewardsDistributed = args.Reward
	}
	if _, err := h.store.UpdateGlobalStats(ctx, globalDelta); err != nil {
		return errorResult(event, fmt.Sprintf("failed to update global stats: %v", err)), nil
	}

	if h.notifier != nil {
		h.notifier.NotifyAnswer(event, args)
	}

	result := models.HandlerResult{
		Success:   true,
		EventType: event.Name,
		TxHash:    event.TxHash,
		LogIndex:  event.LogIndex,
		Summary: map[string]string{
			"question_id": decimal(args.QuestionID),
			"user":        user,
			"is_correct":  strconv.FormatBool(args.IsCorrect),
			"reward":      decimal(args.Reward),
		},
	}

	return result, h.synthesize(event, args, player, previousScore, rewarded)
}

// synthesize derives the RewardDistributed and ScoreUpdated signals
// from a freshly applied correct answer. The underlying contract only
// emits QuestionAdded and AnswerSubmitted; these two exist as indexing
// layer signals for audit trails and notifications.
func (h *answerSubmittedHandler) synthesize(event *models.ContractEvent, args models.AnswerSubmittedArgs, player *models.PlayerData, previousScore uint64, rewarded bool) []*models.ContractEvent {
	if !args.IsCorrect {
		return nil
	}

	var derived []*models.ContractEvent
	if rewarded {
		derived = append(derived, &models.ContractEvent{
			BlockNumber:    event.BlockNumber,
			BlockTimestamp: event.BlockTimestamp,
			TxHash:         event.TxHash,
			LogIndex:       event.LogIndex + synthRewardLogOffset,
			Address:        event.Address,
			Name:           models.EventRewardDistributed,
			Args: models.RewardDistributedArgs{
				QuestionID: args.QuestionID,
				User:       player.Address,
				Amount:     args.Reward,
			},
		})
	}
	derived = append(derived, &models.ContractEvent{
		BlockNumber:    event.BlockNumber,
		BlockTimestamp: event.BlockTimestamp,
		TxHash:         event.TxHash,
		LogIndex:       event.LogIndex + synthScoreLogOffset,
		Address:        event.Address,
		Name:           models.EventScoreUpdated,
		Args: models.ScoreUpdatedArgs{
			User:          player.Address,
			PreviousScore: new(big.Int).SetUint64(previousScore),
			NewScore:      new(big.Int).SetUint64(player.CorrectAnswers),
		},
	})
	return derived
}

// rewardDistributedHandler records the audit signal and notifies. It
// does not re-mutate player totals; those were applied by the
// originating answer.
type rewardDistributedHandler struct {
	store    storage.Storage
	notifier Notifier
}

func (h *rewardDistributedHandler) Handle(ctx context.Context, event *models.ContractEvent) (models.HandlerResult, []*models.ContractEvent) {
	args, ok := event.Args.(models.RewardDistributedArgs)
	if !ok {
		return errorResult(event, "unexpected args type for RewardDistributed"), nil
	}

	if r := saveOrShortCircuit(ctx, h.store, event); r != nil {
		return *r, nil
	}

	if h.notifier != nil {
		h.notifier.NotifyReward(event, args)
	}

	return models.HandlerResult{
		Success:   true,
		EventType: event.Name,
		TxHash:    event.TxHash,
		LogIndex:  event.LogIndex,
		Summary: map[string]string{
			"question_id": decimal(args.QuestionID),
			"user":        utils.NormalizeAddress(args.User),
			"amount":      decimal(args.Amount),
		},
	}, nil
}

// scoreUpdatedHandler records the informational signal and notifies,
// carrying previous/new score for delta display.
type scoreUpdatedHandler struct {
	store    storage.Storage
	notifier Notifier
}

func (h *scoreUpdatedHandler) Handle(ctx context.Context, event *models.ContractEvent) (models.HandlerResult, []*models.ContractEvent) {
	args, ok := event.Args.(models.ScoreUpdatedArgs)
	if !ok {
		return errorResult(event, "unexpected args type for ScoreUpdated"), nil
	}

	if r := saveOrShortCircuit(ctx, h.store, event); r != nil {
		return *r, nil
	}

	if h.notifier != nil {
		h.notifier.NotifyScoreUpdate(event, args)
		h.notifyStanding(ctx, args.User)
	}

	return models.HandlerResult{
		Success:   true,
		EventType: event.Name,
		TxHash:    event.TxHash,
		LogIndex:  event.LogIndex,
		Summary: map[string]string{
			"user":           utils.NormalizeAddress(args.User),
			"previous_score": decimal(args.PreviousScore),
			"new_score":      decimal(args.NewScore),
		},
	}, nil
}

// notifyStanding announces the player's leaderboard position when they
// sit within the top entries. Lookup failures are silent; standings are
// best-effort.
func (h *scoreUpdatedHandler) notifyStanding(ctx context.Context, user string) {
	entries, err := h.store.GetLeaderboard(ctx, leaderboardNotifyDepth)
	if err != nil {
		return
	}
	normalized := utils.NormalizeAddress(user)
	for _, entry := range entries {
		if entry.Address == normalized {
			h.notifier.NotifyLeaderboardUpdate(normalized, entry)
			return
		}
	}
}
