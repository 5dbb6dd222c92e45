package server

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zali-labs/quest-indexer/internal/config"
	"github.com/zali-labs/quest-indexer/internal/models"
	"github.com/zali-labs/quest-indexer/internal/notifier"
	"github.com/zali-labs/quest-indexer/internal/storage"
)

const testPlayer = "0xabcdef0123456789abcdef0123456789abcdef01"

func newTestServer(t *testing.T) (*Server, *storage.MemoryStorage, *notifier.Service) {
	t.Helper()

	store := storage.NewMemoryStorage()
	svc, err := notifier.NewService(&config.NotificationsConfig{
		Enabled:         true,
		MaxRetained:     10,
		PreferencesPath: filepath.Join(t.TempDir(), "prefs.json"),
	}, nil)
	require.NoError(t, err)

	cfg := &config.ServerConfig{
		Port:         0,
		Host:         "127.0.0.1",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		EnableHealth: true,
	}
	srv := New(cfg, Deps{
		Store:    store,
		Notifier: svc,
		Health: func(ctx context.Context) models.HealthReport {
			return models.HealthReport{Healthy: true, StorageResponsive: true, CheckedAt: time.Now()}
		},
	})
	return srv, store, svc
}

func doRequest(t *testing.T, srv *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	return rec
}

func seedData(t *testing.T, store *storage.MemoryStorage) {
	t.Helper()
	ctx := context.Background()

	_, err := store.SaveEvent(ctx, &models.ContractEvent{
		BlockNumber: 100, TxHash: "0xq1", LogIndex: 0,
		Name: models.EventQuestionAdded,
		Args: models.QuestionAddedArgs{QuestionID: big.NewInt(1), Reward: big.NewInt(100)},
	})
	require.NoError(t, err)
	_, err = store.SaveEvent(ctx, &models.ContractEvent{
		BlockNumber: 101, TxHash: "0xa1", LogIndex: 0,
		Name: models.EventAnswerSubmitted,
		Args: models.AnswerSubmittedArgs{QuestionID: big.NewInt(1), User: testPlayer, IsCorrect: true, Reward: big.NewInt(100)},
	})
	require.NoError(t, err)

	_, _, err = store.UpdatePlayerStats(ctx, testPlayer, models.PlayerDelta{
		CorrectAnswers: 1, TotalAnswers: 1, RewardsEarned: big.NewInt(100),
	})
	require.NoError(t, err)
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doRequest(t, srv, "GET", "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var report models.HealthReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.True(t, report.Healthy)
}

func TestStatsEndpoint(t *testing.T) {
	srv, store, _ := newTestServer(t)
	seedData(t, store)

	rec := doRequest(t, srv, "GET", "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var payload map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Contains(t, payload, "global")
	assert.Contains(t, payload, "notifications")
}

func TestEventsEndpoint(t *testing.T) {
	srv, store, _ := newTestServer(t)
	seedData(t, store)

	t.Run("all events", func(t *testing.T) {
		rec := doRequest(t, srv, "GET", "/api/v1/events", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var payload struct {
			Count int   `json:"count"`
			Total int64 `json:"total"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
		assert.Equal(t, 2, payload.Count)
		assert.Equal(t, int64(2), payload.Total)
	})

	t.Run("filtered by type", func(t *testing.T) {
		rec := doRequest(t, srv, "GET", "/api/v1/events?types=QuestionAdded", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var payload struct {
			Count int `json:"count"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
		assert.Equal(t, 1, payload.Count)
	})

	t.Run("unknown type rejected", func(t *testing.T) {
		rec := doRequest(t, srv, "GET", "/api/v1/events?types=Bogus", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("bad block number rejected", func(t *testing.T) {
		rec := doRequest(t, srv, "GET", "/api/v1/events?from_block=abc", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestPlayerEndpoint(t *testing.T) {
	srv, store, _ := newTestServer(t)
	seedData(t, store)

	t.Run("found", func(t *testing.T) {
		rec := doRequest(t, srv, "GET", "/api/v1/players/"+testPlayer, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var player models.PlayerData
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &player))
		assert.Equal(t, uint64(1), player.CorrectAnswers)
	})

	t.Run("not found", func(t *testing.T) {
		rec := doRequest(t, srv, "GET", "/api/v1/players/0x1111111111111111111111111111111111111111", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("invalid address", func(t *testing.T) {
		rec := doRequest(t, srv, "GET", "/api/v1/players/not-an-address", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestQuestionEndpoint(t *testing.T) {
	srv, store, _ := newTestServer(t)
	seedData(t, store)

	rec := doRequest(t, srv, "GET", "/api/v1/questions/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, srv, "GET", "/api/v1/questions/999", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, srv, "GET", "/api/v1/questions/xyz", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLeaderboardEndpoint(t *testing.T) {
	srv, store, _ := newTestServer(t)
	seedData(t, store)

	rec := doRequest(t, srv, "GET", "/api/v1/leaderboard", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var payload struct {
		Leaderboard []models.LeaderboardEntry `json:"leaderboard"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Len(t, payload.Leaderboard, 1)
	assert.Equal(t, 1, payload.Leaderboard[0].Rank)

	rec = doRequest(t, srv, "GET", "/api/v1/leaderboard?limit=500", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNotificationEndpoints(t *testing.T) {
	srv, _, svc := newTestServer(t)

	svc.NotifyScoreUpdate(&models.ContractEvent{TxHash: "0x1"}, models.ScoreUpdatedArgs{
		User: testPlayer, PreviousScore: big.NewInt(9), NewScore: big.NewInt(10),
	})

	rec := doRequest(t, srv, "GET", "/api/v1/notifications", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var payload struct {
		Notifications []models.Notification `json:"notifications"`
		Unread        int                   `json:"unread"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Len(t, payload.Notifications, 1)
	assert.Equal(t, 1, payload.Unread)

	id := payload.Notifications[0].ID
	rec = doRequest(t, srv, "POST", "/api/v1/notifications/"+id+"/read", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, srv, "POST", "/api/v1/notifications/nope/read", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, srv, "POST", "/api/v1/notifications/clear", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, svc.UnreadCount())
}

func TestPreferencesEndpoints(t *testing.T) {
	srv, _, svc := newTestServer(t)

	rec := doRequest(t, srv, "GET", "/api/v1/notifications/preferences", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var prefs notifier.Preferences
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &prefs))
	assert.True(t, prefs.ToastEnabled)
	assert.False(t, prefs.SoundEnabled)

	prefs.SoundEnabled = true
	body, err := json.Marshal(prefs)
	require.NoError(t, err)

	rec = doRequest(t, srv, "PUT", "/api/v1/notifications/preferences", body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, svc.GetPreferences().SoundEnabled)

	rec = doRequest(t, srv, "PUT", "/api/v1/notifications/preferences", []byte("{bad"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
