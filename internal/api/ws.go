package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	feedBuffer    = 256
	pingInterval  = 30 * time.Second
	readTimeout   = 60 * time.Second
	writeTimeout  = 10 * time.Second
	readLimitByte = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// EventFeed streams settlement events over a websocket. ?listing_id= narrows the feed
// to one listing. A subscriber that falls behind loses events instead of stalling the bus.
func (s *Server) EventFeed(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "unavailable", Message: "event feed disabled"})
		return
	}
	listingID := r.URL.Query().Get("listing_id")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Websocket upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	events, unsubscribe := s.bus.Subscribe(feedBuffer)
	defer unsubscribe()

	if s.metrics != nil {
		s.metrics.IncrementConnections()
		defer s.metrics.DecrementConnections()
	}
	slog.Info("Event feed connected",
		slog.String("caller", caller(r)),
		slog.String("listing_id", listingID))

	// Reader: only control frames are expected. Exits when the peer goes away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(readLimitByte)
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(readTimeout))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			if listingID != "" && ev.ListingID != listingID {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				slog.Debug("Event feed write failed", slog.Any("error", err))
				return
			}
		}
	}
}
