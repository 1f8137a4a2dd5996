package server

import (
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"metawsm/internal/model"
	"metawsm/internal/serviceapi"
)

// watchHandler upgrades GET /api/runs/{id}/watch to a websocket and streams
// that run's events as they happen, replaying its history first, using the
// hand-rolled upgrade in websocket.go and a RunEventBroker subscription.
func watchHandler(core serviceapi.Core, broker *RunEventBroker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := chi.URLParam(r, "id")
		if runID == "" {
			http.Error(w, "run id is required", http.StatusBadRequest)
			return
		}

		history, err := core.ListEvents(r.Context(), runID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}

		conn, err := upgradeWebSocket(w, r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer conn.Close()

		for _, e := range history {
			if err := writeWatchFrame(conn, "run.event", e); err != nil {
				return
			}
		}

		ch, unsubscribe := broker.Subscribe(runID)
		defer unsubscribe()

		heartbeat := time.NewTicker(30 * time.Second)
		defer heartbeat.Stop()
		for {
			select {
			case event, ok := <-ch:
				if !ok {
					return
				}
				if err := writeWatchFrame(conn, "run.event", event); err != nil {
					return
				}
			case <-heartbeat.C:
				if err := writeWatchFrame(conn, "heartbeat", nil); err != nil {
					return
				}
			}
		}
	}
}

func writeWatchFrame(conn net.Conn, frameType string, event any) error {
	frame := map[string]any{"type": frameType, "sent_at": time.Now().UTC().Format(time.RFC3339Nano)}
	if e, ok := event.(model.RunEvent); ok {
		frame["event"] = e
	}
	return writeWebSocketJSON(conn, frame)
}
