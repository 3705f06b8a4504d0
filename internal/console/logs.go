package console

import (
	"net/http"
	"strconv"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const logCatchupLines = 200

type logEvent struct {
	Line   string `json:"line"`
	Replay bool   `json:"replay,omitempty"`
}

// handleLogsWS streams gateway output: a bounded catch-up of recent lines,
// then live follow. The subscription opens before the catch-up snapshot, so
// a line landing in between may arrive twice but never gets lost.
func (s *Server) handleLogsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	n := logCatchupLines
	if v := r.URL.Query().Get("lines"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			n = parsed
		}
	}

	buf := s.cfg.Supervisor.Logs()
	live, cancel := buf.Subscribe()
	defer cancel()

	// CloseRead pumps the connection for control frames and cancels the
	// context when the client goes away.
	ctx := conn.CloseRead(r.Context())

	for _, line := range buf.Tail(n) {
		if err := wsjson.Write(ctx, conn, logEvent{Line: line, Replay: true}); err != nil {
			return
		}
	}

	s.logger.Debug("log stream attached")
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-live:
			if !ok {
				return
			}
			if err := wsjson.Write(ctx, conn, logEvent{Line: line}); err != nil {
				return
			}
		}
	}
}
