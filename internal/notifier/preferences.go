package notifier

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/zali-labs/quest-indexer/pkg/utils"
)

// Preferences control which notifications are recorded and through
// which channels they are surfaced. Defaults are conservative: toasts
// on, sound and browser push off until the player opts in.
type Preferences struct {
	ToastEnabled   bool `json:"toast_enabled"`
	SoundEnabled   bool `json:"sound_enabled"`
	BrowserEnabled bool `json:"browser_enabled"`

	ShowNewQuestions       bool `json:"show_new_questions"`
	ShowAnswerResults      bool `json:"show_answer_results"`
	ShowRewards            bool `json:"show_rewards"`
	ShowLeaderboardUpdates bool `json:"show_leaderboard_updates"`

	// Volume for the sound channel, 0.0 to 1.0
	Volume float64 `json:"volume"`
}

// DefaultPreferences returns the out-of-the-box settings.
func DefaultPreferences() Preferences {
	return Preferences{
		ToastEnabled:           true,
		SoundEnabled:           false,
		BrowserEnabled:         false,
		ShowNewQuestions:       true,
		ShowAnswerResults:      true,
		ShowRewards:            true,
		ShowLeaderboardUpdates: true,
		Volume:                 0.5,
	}
}

// clamp keeps volume in range regardless of what the client sent.
func (p Preferences) clamp() Preferences {
	if p.Volume < 0 {
		p.Volume = 0
	}
	if p.Volume > 1 {
		p.Volume = 1
	}
	return p
}

// PreferenceStore persists preferences as a JSON file so they survive
// restarts, mirroring what the game frontend keeps in local storage.
type PreferenceStore struct {
	path string
	mu   sync.Mutex
}

// NewPreferenceStore creates a store writing to path.
func NewPreferenceStore(path string) *PreferenceStore {
	return &PreferenceStore{path: path}
}

// Load reads persisted preferences, falling back to defaults when the
// file does not exist yet. A corrupt file is an error; silently
// resetting a player's choices would be worse than failing loudly.
func (ps *PreferenceStore) Load() (Preferences, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	data, err := os.ReadFile(ps.path)
	if os.IsNotExist(err) {
		return DefaultPreferences(), nil
	}
	if err != nil {
		return DefaultPreferences(), utils.NewAppError(utils.ErrCodeStorage, "Failed to read preferences file", err.Error())
	}

	var prefs Preferences
	if err := json.Unmarshal(data, &prefs); err != nil {
		return DefaultPreferences(), utils.NewAppError(utils.ErrCodeStorage, "Preferences file is corrupt", err.Error())
	}
	return prefs.clamp(), nil
}

// Save writes preferences atomically (temp file then rename).
func (ps *PreferenceStore) Save(prefs Preferences) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(ps.path), 0o755); err != nil {
		return utils.NewAppError(utils.ErrCodeStorage, "Failed to create preferences directory", err.Error())
	}

	data, err := json.MarshalIndent(prefs.clamp(), "", "  ")
	if err != nil {
		return utils.NewAppError(utils.ErrCodeStorage, "Failed to encode preferences", err.Error())
	}

	tmp := ps.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return utils.NewAppError(utils.ErrCodeStorage, "Failed to write preferences file", err.Error())
	}
	if err := os.Rename(tmp, ps.path); err != nil {
		return utils.NewAppError(utils.ErrCodeStorage, "Failed to replace preferences file", err.Error())
	}
	return nil
}
