package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

// WSMessage is the envelope every inbound/outbound websocket frame shares.
type WSMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type wsOutputMsg struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

type wsInputMsg struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// handleWebSocket streams a worker's pane to the client as polled
// capture-pane deltas (the conductor has no PTY byte stream of its own to
// subscribe to — it drives a shared tmux pane, so the stream is built the
// same way the monitor loop observes new output) and accepts "input"
// frames that are sent back into the pane via send-keys.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	workerID := r.PathValue("id")
	worker, err := s.gateway.GetWorker(workerID)
	if err != nil {
		s.writeStoreError(w, err, "worker not found")
		return
	}
	target := worker.TmuxSession + ":0"

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"100.*.*.*", "*.ts.net", "localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(64 * 1024)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	s.logger.Info("websocket connected", "worker_id", workerID)

	go s.wsReadLoop(ctx, cancel, conn, target)
	go s.wsPingLoop(ctx, cancel, conn)
	s.wsWriteLoop(ctx, conn, target)
}

func (s *Server) wsPingLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	defer cancel()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) wsReadLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, target string) {
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type != "input" {
			continue
		}
		var input wsInputMsg
		if err := json.Unmarshal(data, &input); err != nil {
			continue
		}
		if err := s.mux.SendLine(target, input.Data); err != nil {
			s.logger.Debug("pane send-keys error", "err", err)
		}
	}
}

// wsWriteLoop polls the same pane the result-extraction monitor watches,
// but keeps its own local cursor rather than sharing the Adapter's —
// otherwise an open stream and the monitor loop would each consume bytes
// the other needs, and a task's START/END sentinels could be lost to
// whichever loop captured them first.
func (s *Server) wsWriteLoop(ctx context.Context, conn *websocket.Conn, target string) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	var lastLen int
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			full, err := s.mux.CaptureFull(target)
			if err != nil {
				s.logger.Debug("capture-pane failed", "target", target, "err", err)
				continue
			}
			var newText string
			if lastLen <= len(full) {
				newText = full[lastLen:]
			} else {
				newText = full
			}
			lastLen = len(full)
			if newText == "" {
				continue
			}
			if err := writeJSON(ctx, conn, wsOutputMsg{Type: "output", Data: newText}); err != nil {
				return
			}
		}
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
