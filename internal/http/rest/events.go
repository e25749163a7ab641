package rest

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skridofly/stump-offline/internal/logctx"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// The API only listens on a local address; the reader UI may be served
// from a different origin.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// streamEvents pushes every committed store change to the client as JSON
// until either side goes away.
func (h *Handler) streamEvents(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("failed to upgrade event stream", "err", err)

		return
	}
	defer conn.Close()

	events, cancel := h.events.Subscribe()
	defer cancel()

	closed := make(chan struct{})

	go func() {
		defer close(closed)

		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	logger.Debug("event stream opened")

	for {
		select {
		case <-closed:
			logger.Debug("event stream closed by client")

			return
		case <-r.Context().Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))

			return
		case e, ok := <-events:
			if !ok {
				return
			}

			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))

			if err := conn.WriteJSON(e); err != nil {
				logger.Debug("failed to write event", "err", err)

				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))

			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
