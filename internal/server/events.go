package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// API is unauthenticated; any origin may watch job events.
	CheckOrigin: func(*http.Request) bool { return true },
}

// events streams job status changes as JSON text frames until either side
// goes away. Query batchId narrows the stream to one batch.
func (s *Server) events(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Debugw("ws.upgrade.error", "err", err)
		return
	}
	batchID := c.Query("batchId")
	evs, cancel := s.Pipeline.Subscribe()
	defer cancel()
	s.logger.Debugw("ws.subscribe", "batch_id", batchID)

	// reader: handles pong and detects close
	gone := make(chan struct{})
	go func() {
		defer close(gone)
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
	defer func() {
		ticker.Stop()
		_ = conn.Close()
		s.logger.Debugw("ws.unsubscribe", "batch_id", batchID)
	}()

	for {
		select {
		case <-gone:
			return
		case ev, ok := <-evs:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if batchID != "" && ev.BatchID != batchID {
				continue
			}
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debugw("ws.write.error", "invoice_id", ev.InvoiceID, "err", err)
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
