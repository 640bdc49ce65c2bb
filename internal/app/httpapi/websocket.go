package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// leaderboardStream upgrades to a websocket and pushes the current
// leaderboard on connect, then again every pollInterval for as long as the
// client stays connected. The reporting store has no push-on-write hook, so
// this polls LatestLeaderboard rather than subscribing to the eventbus —
// good enough for a dashboard's few-second refresh cadence.
func (h *handler) leaderboardStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithField("err", err).Warn("httpapi: websocket upgrade failed")
		return
	}
	defer conn.Close()

	const pollInterval = 5 * time.Second
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	push := func() bool {
		lb, err := h.scores.LatestLeaderboard(r.Context())
		if err != nil {
			return true
		}
		return conn.WriteJSON(lb) == nil
	}
	if !push() {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if !push() {
				return
			}
		}
	}
}
