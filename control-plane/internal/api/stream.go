package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	streamWriteWait  = 5 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = streamPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleStatsStream pushes every aggregated snapshot to a WebSocket client
// until either side goes away. Slow clients miss snapshots rather than
// stalling the aggregator.
func (s *Server) handleStatsStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("failed to upgrade to websocket", "error", err)
		return
	}
	defer conn.Close()

	snapshots, cancel := s.cfg.Stats.Subscribe()
	defer cancel()

	logger := s.logger.With("remote_addr", r.RemoteAddr)
	logger.Info("stats stream connected")

	// The read loop handles pongs and notices the client closing.
	closed := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			logger.Debug("stats stream disconnected")
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		case snap, ok := <-snapshots:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "aggregator stopped"),
					time.Now().Add(streamWriteWait))
				return
			}
			data, err := json.Marshal(snap)
			if err != nil {
				logger.Error("encoding snapshot failed", "error", err)
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Debug("stats stream write failed", "error", err)
				return
			}
		}
	}
}
