package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nstogner/evo/pkg/agent"
	"github.com/nstogner/evo/pkg/domain"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const pingInterval = 30 * time.Second

// handleChatWebSocket streams a run's steps and accepts steering messages
// of the form {"content": "..."}. Finished runs receive their result only.
func (s *Server) handleChatWebSocket(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		http.Error(w, "Run not found", statusOf(err))
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("Failed to upgrade websocket", "error", err)
		return
	}
	defer ws.Close()

	lr, live := s.liveRun(runID)
	if !live {
		res := agent.Result{OK: run.Status == domain.RunStatusTerminated, Message: run.Result}
		ws.WriteJSON(Event{Type: "result", Result: &res})
		ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return
	}

	history, events := lr.subscribe()
	defer lr.unsubscribe(events)

	var wg sync.WaitGroup
	wg.Add(1)
	done := make(chan struct{})

	// Writer goroutine: replays history, then pushes new events.
	go func() {
		defer wg.Done()
		defer ws.Close()

		for _, ev := range history {
			if err := ws.WriteJSON(ev); err != nil {
				return
			}
		}

		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case ev, ok := <-events:
				if !ok {
					ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
				if err := ws.WriteJSON(ev); err != nil {
					s.log.Error("WebSocket write error", "run", runID, "error", err)
					return
				}
			case <-ticker.C:
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return
				}
			}
		}
	}()

	// Reader loop: receives steering messages.
	for {
		var msg struct {
			Content string `json:"content"`
		}
		if err := ws.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("WebSocket read ended", "run", runID, "error", err)
			}
			break
		}
		if msg.Content == "" {
			continue
		}
		if err := s.Steer(runID, msg.Content); err != nil {
			s.log.Warn("Dropped steering message", "run", runID, "error", err)
		}
	}

	close(done)
	wg.Wait()
}
