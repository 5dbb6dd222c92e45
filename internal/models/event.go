package models

import (
	"fmt"
	"math/big"
	"strings"
)

// EventName identifies one of the quest contract event kinds.
type EventName string

const (
	EventQuestionAdded     EventName = "QuestionAdded"
	EventAnswerSubmitted   EventName = "AnswerSubmitted"
	EventRewardDistributed EventName = "RewardDistributed"
	EventScoreUpdated      EventName = "ScoreUpdated"
)

// AllEventNames lists the closed set of event kinds in a stable order.
func AllEventNames() []EventName {
	return []EventName{
		EventQuestionAdded,
		EventAnswerSubmitted,
		EventRewardDistributed,
		EventScoreUpdated,
	}
}

// EventKey uniquely identifies an event occurrence on chain.
// (txHash, logIndex) is stable across redelivery and is the
// idempotence guard for storage.
type EventKey struct {
	TxHash   string `json:"tx_hash"`
	LogIndex uint   `json:"log_index"`
}

func (k EventKey) String() string {
	return fmt.Sprintf("%s:%d", k.TxHash, k.LogIndex)
}

// EventArgs is the typed payload of a ContractEvent. Exactly one
// concrete args type exists per EventName.
type EventArgs interface {
	EventName() EventName
}

// QuestionAddedArgs carries the payload of a QuestionAdded event
type QuestionAddedArgs struct {
	QuestionID *big.Int `json:"question_id"`
	Reward     *big.Int `json:"reward"`
}

func (QuestionAddedArgs) EventName() EventName { return EventQuestionAdded }

// AnswerSubmittedArgs carries the payload of an AnswerSubmitted event
type AnswerSubmittedArgs struct {
	QuestionID *big.Int `json:"question_id"`
	User       string   `json:"user"`
	IsCorrect  bool     `json:"is_correct"`
	Reward     *big.Int `json:"reward"`
}

func (AnswerSubmittedArgs) EventName() EventName { return EventAnswerSubmitted }

// RewardDistributedArgs is synthesized by the indexing layer when a
// correct answer carries a reward. It is an audit signal and does not
// re-mutate player totals.
type RewardDistributedArgs struct {
	QuestionID *big.Int `json:"question_id"`
	User       string   `json:"user"`
	Amount     *big.Int `json:"amount"`
}

func (RewardDistributedArgs) EventName() EventName { return EventRewardDistributed }

// ScoreUpdatedArgs is synthesized by the indexing layer from a player's
// running correct-answer count. Informational only.
type ScoreUpdatedArgs struct {
	User          string   `json:"user"`
	PreviousScore *big.Int `json:"previous_score"`
	NewScore      *big.Int `json:"new_score"`
}

func (ScoreUpdatedArgs) EventName() EventName { return EventScoreUpdated }

// ContractEvent is a decoded quest contract event with its chain envelope.
type ContractEvent struct {
	BlockNumber    uint64    `json:"block_number"`
	BlockTimestamp uint64    `json:"block_timestamp"`
	TxHash         string    `json:"tx_hash"`
	LogIndex       uint      `json:"log_index"`
	Address        string    `json:"address"`
	Name           EventName `json:"event_name"`
	Args           EventArgs `json:"args"`
}

// Key returns the identity key for idempotent storage and de-duplication.
func (e *ContractEvent) Key() EventKey {
	return EventKey{TxHash: strings.ToLower(e.TxHash), LogIndex: e.LogIndex}
}

// User returns the player address carried by the event args, or ""
// when the event kind has none. Used by per-user subscription filters.
func (e *ContractEvent) User() string {
	switch a := e.Args.(type) {
	case AnswerSubmittedArgs:
		return a.User
	case RewardDistributedArgs:
		return a.User
	case ScoreUpdatedArgs:
		return a.User
	}
	return ""
}

// EventFilter selects events from storage. Zero values match everything.
type EventFilter struct {
	EventTypes []EventName `json:"event_types,omitempty"`
	FromBlock  *uint64     `json:"from_block,omitempty"`
	ToBlock    *uint64     `json:"to_block,omitempty"`
	User       string      `json:"user,omitempty"`
	QuestionID *big.Int    `json:"question_id,omitempty"`
	Limit      int         `json:"limit,omitempty"`
	Offset     int         `json:"offset,omitempty"`
}

// HandlerResult is the outcome of dispatching a single event.
type HandlerResult struct {
	Success   bool              `json:"success"`
	Duplicate bool              `json:"duplicate,omitempty"`
	EventType EventName         `json:"event_type"`
	TxHash    string            `json:"tx_hash"`
	LogIndex  uint              `json:"log_index"`
	Message   string            `json:"message,omitempty"`
	Summary   map[string]string `json:"summary,omitempty"`
}
