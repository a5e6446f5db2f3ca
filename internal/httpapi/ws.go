package httpapi

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/you/wikifeed/internal/core"
)

// handleWS pushes newly stored records over a WebSocket, mirroring /stream
// for clients that prefer a bidirectional transport.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(baseWriter(w), r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // no origin restriction, the data is public
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closing")

	clientCh := make(chan core.NormalizedRecord, 256)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	s.wsClients[clientCh] = struct{}{}
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.IncWSClients(1)
	}

	defer func() {
		s.mu.Lock()
		delete(s.wsClients, clientCh)
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.IncWSClients(-1)
		}
	}()

	ctx := r.Context()
	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "client gone")
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		case rec, ok := <-clientCh:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, rec)
			cancel()
			if err != nil {
				return
			}
			if s.metrics != nil {
				s.metrics.IncDelivered("ws")
			}
		}
	}
}
