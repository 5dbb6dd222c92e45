package notifier

import (
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zali-labs/quest-indexer/internal/config"
	"github.com/zali-labs/quest-indexer/internal/metrics"
	"github.com/zali-labs/quest-indexer/internal/models"
	"github.com/zali-labs/quest-indexer/pkg/utils"
)

// scoreMilestones are the correct-answer counts that earn a special
// score notification.
var scoreMilestones = map[uint64]bool{10: true, 25: true, 50: true, 100: true}

// Category classifies a notification for preference gating.
type Category string

const (
	CategoryNewQuestion Category = "new_question"
	CategoryAnswer      Category = "answer_result"
	CategoryReward      Category = "reward"
	CategoryScore       Category = "score_update"
	CategoryLeaderboard Category = "leaderboard_update"
)

// ChannelSink delivers a notification out of process: a sound cue, a
// browser push, anything beyond the in-app list. Sink failures are
// logged and never block or undo the in-app record.
type ChannelSink interface {
	Name() string
	Deliver(n models.Notification) error
}

// Listener receives each recorded notification, for live UI updates.
type Listener func(n models.Notification)

// NotifierStats holds notification service statistics
type NotifierStats struct {
	Recorded   uint64 `json:"recorded"`
	Suppressed uint64 `json:"suppressed"`
	Unread     int    `json:"unread"`
	Retained   int    `json:"retained"`
}

// Service turns dispatched events into user notifications, keeps the
// bounded in-app list, and applies the player's preferences. It
// implements the dispatcher's Notifier interface.
type Service struct {
	cfg       *config.NotificationsConfig
	prefStore *PreferenceStore

	mu            sync.RWMutex
	prefs         Preferences
	notifications []models.Notification
	nextID        uint64
	listeners     map[int]Listener
	nextListener  int
	sinks         []ChannelSink
	stats         NotifierStats

	logger  *logrus.Logger
	metrics *metrics.Metrics
}

// NewService creates the notification service, loading persisted
// preferences. A missing preferences file falls back to defaults.
func NewService(cfg *config.NotificationsConfig, m *metrics.Metrics) (*Service, error) {
	prefStore := NewPreferenceStore(cfg.PreferencesPath)
	prefs, err := prefStore.Load()
	if err != nil {
		return nil, err
	}

	return &Service{
		cfg:       cfg,
		prefStore: prefStore,
		prefs:     prefs,
		listeners: make(map[int]Listener),
		logger:    utils.GetLogger(),
		metrics:   m,
	}, nil
}

// AddSink registers an out-of-process delivery channel.
func (s *Service) AddSink(sink ChannelSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinks = append(s.sinks, sink)
}

// AddListener registers a callback for recorded notifications and
// returns a removal function.
func (s *Service) AddListener(l Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextListener
	s.nextListener++
	s.listeners[id] = l

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// NotifyNewQuestion announces a freshly added question.
func (s *Service) NotifyNewQuestion(event *models.ContractEvent, args models.QuestionAddedArgs) {
	s.record(CategoryNewQuestion, models.Notification{
		Type:    models.NotificationInfo,
		Title:   "New question available",
		Message: fmt.Sprintf("Question #%s is live with a %s wei reward", bigStr(args.QuestionID), bigStr(args.Reward)),
		Data: map[string]string{
			"question_id": bigStr(args.QuestionID),
			"reward":      bigStr(args.Reward),
			"tx_hash":     event.TxHash,
		},
	})
}

// NotifyAnswer announces an answer outcome: success with reward for a
// correct answer, a neutral note otherwise.
func (s *Service) NotifyAnswer(event *models.ContractEvent, args models.AnswerSubmittedArgs) {
	n := models.Notification{
		Data: map[string]string{
			"question_id": bigStr(args.QuestionID),
			"user":        utils.NormalizeAddress(args.User),
			"is_correct":  strconv.FormatBool(args.IsCorrect),
			"tx_hash":     event.TxHash,
		},
	}
	if args.IsCorrect {
		n.Type = models.NotificationSuccess
		n.Title = "Correct answer!"
		n.Message = fmt.Sprintf("Question #%s answered correctly, %s wei earned", bigStr(args.QuestionID), bigStr(args.Reward))
		n.Data["reward"] = bigStr(args.Reward)
	} else {
		n.Type = models.NotificationInfo
		n.Title = "Answer submitted"
		n.Message = fmt.Sprintf("Question #%s: not quite, try the next one", bigStr(args.QuestionID))
	}
	s.record(CategoryAnswer, n)
}

// NotifyReward announces a distributed reward.
func (s *Service) NotifyReward(event *models.ContractEvent, args models.RewardDistributedArgs) {
	s.record(CategoryReward, models.Notification{
		Type:    models.NotificationSuccess,
		Title:   "Reward distributed",
		Message: fmt.Sprintf("%s wei sent for question #%s", bigStr(args.Amount), bigStr(args.QuestionID)),
		Data: map[string]string{
			"question_id": bigStr(args.QuestionID),
			"user":        utils.NormalizeAddress(args.User),
			"amount":      bigStr(args.Amount),
			"tx_hash":     event.TxHash,
		},
	})
}

// NotifyScoreUpdate announces a score milestone. Only exact milestone
// scores produce a notification; intermediate scores are silent.
func (s *Service) NotifyScoreUpdate(event *models.ContractEvent, args models.ScoreUpdatedArgs) {
	newScore := bigUint(args.NewScore)
	if !scoreMilestones[newScore] {
		return
	}
	s.record(CategoryScore, models.Notification{
		Type:    models.NotificationSuccess,
		Title:   "Milestone reached!",
		Message: fmt.Sprintf("%d correct answers, keep it up", newScore),
		Data: map[string]string{
			"user":           utils.NormalizeAddress(args.User),
			"previous_score": bigStr(args.PreviousScore),
			"new_score":      bigStr(args.NewScore),
			"milestone":      strconv.FormatUint(newScore, 10),
		},
	})
}

// NotifyLeaderboardUpdate announces a player's current standing after
// their score moved.
func (s *Service) NotifyLeaderboardUpdate(user string, entry *models.LeaderboardEntry) {
	if entry == nil {
		return
	}
	s.record(CategoryLeaderboard, models.Notification{
		Type:    models.NotificationInfo,
		Title:   "Leaderboard updated",
		Message: fmt.Sprintf("Now rank #%d with %d correct answers", entry.Rank, entry.CorrectAnswers),
		Data: map[string]string{
			"user":            utils.NormalizeAddress(user),
			"rank":            strconv.Itoa(entry.Rank),
			"correct_answers": strconv.FormatUint(entry.CorrectAnswers, 10),
			"total_rewards":   bigStr(entry.TotalRewards),
		},
	})
}

// record applies preference gating, stamps identity, appends to the
// bounded list newest-first, and fans out to listeners and sinks.
func (s *Service) record(category Category, n models.Notification) {
	s.mu.Lock()

	if !s.categoryEnabled(category) {
		s.stats.Suppressed++
		s.mu.Unlock()
		return
	}

	s.nextID++
	n.ID = fmt.Sprintf("ntf-%d", s.nextID)
	n.Timestamp = time.Now().UTC()

	// Newest first; trim the oldest past the retention cap.
	s.notifications = append([]models.Notification{n}, s.notifications...)
	if max := s.cfg.MaxRetained; max > 0 && len(s.notifications) > max {
		s.notifications = s.notifications[:max]
	}
	s.stats.Recorded++

	listeners := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	sinks := make([]ChannelSink, len(s.sinks))
	copy(sinks, s.sinks)
	prefs := s.prefs
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordNotification(string(category))
	}

	for _, l := range listeners {
		l(n)
	}

	// The toast channel is the in-app list itself; external sinks only
	// fire for channels the player enabled.
	for _, sink := range sinks {
		if !channelEnabled(prefs, sink.Name()) {
			continue
		}
		if err := sink.Deliver(n); err != nil {
			s.logger.WithFields(logrus.Fields{
				"sink":         sink.Name(),
				"notification": n.ID,
			}).WithError(err).Warn("Notification sink delivery failed")
		}
	}
}

func (s *Service) categoryEnabled(category Category) bool {
	switch category {
	case CategoryNewQuestion:
		return s.prefs.ShowNewQuestions
	case CategoryAnswer:
		return s.prefs.ShowAnswerResults
	case CategoryReward:
		return s.prefs.ShowRewards
	case CategoryScore, CategoryLeaderboard:
		return s.prefs.ShowLeaderboardUpdates
	}
	return true
}

func channelEnabled(prefs Preferences, channel string) bool {
	switch channel {
	case "toast":
		return prefs.ToastEnabled
	case "sound":
		return prefs.SoundEnabled
	case "browser":
		return prefs.BrowserEnabled
	}
	return false
}

// List returns retained notifications newest-first. unreadOnly limits
// the result to unread, undismissed entries.
func (s *Service) List(unreadOnly bool) []models.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Notification, 0, len(s.notifications))
	for _, n := range s.notifications {
		if unreadOnly && (n.Read || n.Dismissed) {
			continue
		}
		out = append(out, n)
	}
	return out
}

// UnreadCount returns the number of unread, undismissed notifications.
func (s *Service) UnreadCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, n := range s.notifications {
		if !n.Read && !n.Dismissed {
			count++
		}
	}
	return count
}

// MarkRead marks one notification read. Unknown ids are a no-op.
func (s *Service) MarkRead(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.notifications {
		if s.notifications[i].ID == id {
			s.notifications[i].Read = true
			return true
		}
	}
	return false
}

// MarkAllRead marks every retained notification read.
func (s *Service) MarkAllRead() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	marked := 0
	for i := range s.notifications {
		if !s.notifications[i].Read {
			s.notifications[i].Read = true
			marked++
		}
	}
	return marked
}

// Dismiss hides one notification from unread views without deleting it.
func (s *Service) Dismiss(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.notifications {
		if s.notifications[i].ID == id {
			s.notifications[i].Dismissed = true
			return true
		}
	}
	return false
}

// ClearAll drops every retained notification.
func (s *Service) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = nil
}

// GetPreferences returns the current preferences.
func (s *Service) GetPreferences() Preferences {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.prefs
}

// UpdatePreferences replaces the preferences and persists them. The
// in-memory copy updates even when persistence fails, so the running
// session honors the player's choice either way.
func (s *Service) UpdatePreferences(prefs Preferences) error {
	clamped := prefs.clamp()

	s.mu.Lock()
	s.prefs = clamped
	s.mu.Unlock()

	if err := s.prefStore.Save(clamped); err != nil {
		s.logger.WithError(err).Warn("Failed to persist notification preferences")
		return err
	}
	return nil
}

// Stats returns a snapshot of service statistics.
func (s *Service) Stats() NotifierStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := s.stats
	st.Retained = len(s.notifications)
	for _, n := range s.notifications {
		if !n.Read && !n.Dismissed {
			st.Unread++
		}
	}
	return st
}

func bigStr(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func bigUint(v *big.Int) uint64 {
	if v == nil || !v.IsUint64() {
		return 0
	}
	return v.Uint64()
}
