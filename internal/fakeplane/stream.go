package fakeplane

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/store"
)

const wsWriteWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	HandshakeTimeout: 10 * time.Second,
	CheckOrigin:      func(*http.Request) bool { return true },
}

// logFrame is the live log envelope.
type logFrame struct {
	Event string `json:"event"`
	Log   string `json:"log"`
}

// handleLogSocket tails a job's live output over a WebSocket. Only lines
// produced after the connection are sent; history is served by
// GET /jobs/{id}/logs. The socket is closed normally when the job ends.
func (s *Server) handleLogSocket(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	rec, err := s.store.GetJobByKey(r.Context(), key)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "Job not found")
		return
	}
	if err != nil {
		s.logger.Error("get job by key", "job_key", key, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	// Attach before upgrading so no line published during the handshake is
	// lost.
	var tail *Tail
	if !rec.State.IsTerminal() {
		tail = s.sim.Feed().Tail(key)
		defer tail.Stop()
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Warn("websocket upgrade", "job_key", key, "error", err)
		return
	}
	defer conn.Close()

	// The read pump only processes control frames and notices the peer
	// going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if tail == nil {
		closeFinished(conn, rec.State)
		return
	}
	for {
		select {
		case line, ok := <-tail.Lines():
			if !ok {
				if final := tail.Final(); final != "" {
					closeFinished(conn, final)
				}
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(logFrame{Event: "log", Log: line}); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}

// closeFinished ends the socket normally, naming the job's final state.
func closeFinished(conn *websocket.Conn, state model.State) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job "+string(state))
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}
