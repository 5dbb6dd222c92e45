package broadcaster

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/zali-labs/quest-indexer/internal/models"
	"github.com/zali-labs/quest-indexer/pkg/utils"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// WebSocketHandler bridges HTTP clients onto the broadcaster. Each
// connection becomes one subscription; filters come from query
// parameters: ?events=QuestionAdded,RewardDistributed&user=0xabc.
type WebSocketHandler struct {
	broadcaster *Broadcaster
	upgrader    websocket.Upgrader
	logger      *logrus.Logger
}

// NewWebSocketHandler creates the handler. Origin checking is left
// open; the server sits behind the game frontend's reverse proxy.
func NewWebSocketHandler(b *Broadcaster) *WebSocketHandler {
	return &WebSocketHandler{
		broadcaster: b,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: utils.GetLogger(),
	}
}

// ServeHTTP upgrades the connection and pumps broadcaster messages to
// the client until either side closes.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	opts := parseSubscriptionOptions(r)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	sub := h.broadcaster.Subscribe(opts)
	if sub == nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	h.logger.WithFields(logrus.Fields{
		"subscription": sub.ID,
		"remote":       r.RemoteAddr,
	}).Info("WebSocket client connected")

	go h.readPump(conn, sub)
	h.writePump(conn, sub)
}

// parseSubscriptionOptions builds filters from the request query.
// Unknown event names are ignored rather than rejected.
func parseSubscriptionOptions(r *http.Request) SubscriptionOptions {
	var opts SubscriptionOptions

	if raw := r.URL.Query().Get("events"); raw != "" {
		known := make(map[models.EventName]bool)
		for _, name := range models.AllEventNames() {
			known[name] = true
		}
		for _, part := range strings.Split(raw, ",") {
			name := models.EventName(strings.TrimSpace(part))
			if known[name] {
				opts.EventTypes = append(opts.EventTypes, name)
			}
		}
	}
	opts.User = r.URL.Query().Get("user")
	return opts
}

// readPump drains client frames. Quest clients never send application
// data; this exists to process control frames and detect disconnects.
func (h *WebSocketHandler) readPump(conn *websocket.Conn, sub *Subscription) {
	defer sub.Unsubscribe()

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.WithField("subscription", sub.ID).WithError(err).Debug("WebSocket read error")
			}
			return
		}
	}
}

// writePump forwards subscription messages as JSON frames and keeps
// the connection alive with pings.
func (h *WebSocketHandler) writePump(conn *websocket.Conn, sub *Subscription) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
		sub.Unsubscribe()
	}()

	for {
		select {
		case msg, ok := <-sub.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				h.logger.WithField("subscription", sub.ID).WithError(err).Debug("WebSocket write failed")
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
