package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"uptree/observability/metrics"
	"uptree/stream"
)

const wsWriteTimeout = 10 * time.Second

// handleEvents streams progression events over a websocket. The optional
// cursor query parameter resumes after a previously seen entry; the backlog
// is flushed before live delivery starts.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	updates, cancel, backlog, err := s.hub.Subscribe(r.Context(), r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	defer cancel()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		s.log.Warn("websocket accept", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream aborted")

	metrics.Gateway().WSConnected(1)
	defer metrics.Gateway().WSConnected(-1)

	ctx := r.Context()
	for _, entry := range backlog {
		if err := writeEntry(ctx, conn, entry); err != nil {
			return
		}
	}
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "connection closed")
			return
		case entry, ok := <-updates:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "stream closed")
				return
			}
			if err := writeEntry(ctx, conn, entry); err != nil {
				if websocket.CloseStatus(err) == -1 {
					s.log.Debug("websocket write", "error", err)
				}
				return
			}
		}
	}
}

func writeEntry(ctx context.Context, conn *websocket.Conn, entry stream.Entry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, payload)
}
