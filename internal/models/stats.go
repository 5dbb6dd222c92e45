package models

import "math/big"

// PlayerData aggregates a single player's activity. Keyed by the
// lowercase player address; created on first AnswerSubmitted and
// never deleted.
type PlayerData struct {
	Address        string   `json:"address"`
	CorrectAnswers uint64   `json:"correct_answers"`
	TotalAnswers   uint64   `json:"total_answers"`
	TotalRewards   *big.Int `json:"total_rewards"`
	LastPlayedAt   uint64   `json:"last_played_at"`
}

// NewPlayerData returns a zeroed aggregate for an address.
func NewPlayerData(address string) *PlayerData {
	return &PlayerData{Address: address, TotalRewards: new(big.Int)}
}

// Clone returns a deep copy so readers never alias storage-owned state.
func (p *PlayerData) Clone() *PlayerData {
	c := *p
	c.TotalRewards = new(big.Int).Set(p.TotalRewards)
	return &c
}

// PlayerDelta is a field-level increment applied to PlayerData.
// Nil / zero fields leave the aggregate untouched.
type PlayerDelta struct {
	CorrectAnswers uint64
	TotalAnswers   uint64
	RewardsEarned  *big.Int
	LastPlayedAt   uint64
}

// QuestionData aggregates answers for one on-chain question id.
type QuestionData struct {
	QuestionID              string   `json:"question_id"`
	TotalAnswers            uint64   `json:"total_answers"`
	CorrectAnswers          uint64   `json:"correct_answers"`
	TotalRewardsDistributed *big.Int `json:"total_rewards_distributed"`
}

func NewQuestionData(id string) *QuestionData {
	return &QuestionData{QuestionID: id, TotalRewardsDistributed: new(big.Int)}
}

func (q *QuestionData) Clone() *QuestionData {
	c := *q
	c.TotalRewardsDistributed = new(big.Int).Set(q.TotalRewardsDistributed)
	return &c
}

// QuestionDelta is a field-level increment applied to QuestionData.
type QuestionDelta struct {
	TotalAnswers       uint64
	CorrectAnswers     uint64
	RewardsDistributed *big.Int
}

// GlobalStatsData holds process-wide counters, initialized once at
// storage startup and mutated by every handler invocation.
type GlobalStatsData struct {
	TotalQuestions          uint64   `json:"total_questions"`
	TotalAnswers            uint64   `json:"total_answers"`
	TotalRewardsDistributed *big.Int `json:"total_rewards_distributed"`
	UniquePlayers           uint64   `json:"unique_players"`
}

func NewGlobalStatsData() *GlobalStatsData {
	return &GlobalStatsData{TotalRewardsDistributed: new(big.Int)}
}

func (g *GlobalStatsData) Clone() *GlobalStatsData {
	c := *g
	c.TotalRewardsDistributed = new(big.Int).Set(g.TotalRewardsDistributed)
	return &c
}

// GlobalDelta is a field-level increment applied to GlobalStatsData.
type GlobalDelta struct {
	TotalQuestions     uint64
	TotalAnswers       uint64
	RewardsDistributed *big.Int
	UniquePlayers      uint64
}

// LeaderboardEntry is one row of the reward leaderboard snapshot.
type LeaderboardEntry struct {
	Rank           int      `json:"rank"`
	Address        string   `json:"address"`
	CorrectAnswers uint64   `json:"correct_answers"`
	TotalAnswers   uint64   `json:"total_answers"`
	TotalRewards   *big.Int `json:"total_rewards"`
}
