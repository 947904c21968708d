package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"boq-matcher/internal/notify"
)

const heartbeatEvery = 15 * time.Second

// JobEvents streams the notifications of one job as server-sent events
// until the job reaches a terminal state or the client goes away.
func JobEvents(d *Deps, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := requestLogger(r, logger)
		id := chi.URLParam(r, "id")
		if d.Events == nil {
			writeErrorStatus(w, log, http.StatusServiceUnavailable, eris.New("event stream disabled"))
			return
		}
		// Subscribe before reading the state so no transition is missed.
		events, unsubscribe := d.Events.Subscribe()
		defer unsubscribe()
		st, err := d.jobState(r, id)
		if err != nil {
			writeError(w, log, err)
			return
		}

		rc := http.NewResponseController(w)
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		send := func(name string, v any) bool {
			data, err := json.Marshal(v)
			if err != nil {
				return false
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data); err != nil {
				return false
			}
			return rc.Flush() == nil
		}

		if !send("status", st) || st.Status.Terminal() {
			return
		}

		ticker := time.NewTicker(heartbeatEvery)
		defer ticker.Stop()
		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				if !send("heartbeat", map[string]time.Time{"at": time.Now().UTC()}) {
					return
				}
			case ev, ok := <-events:
				if !ok {
					return
				}
				if ev.JobID != id {
					continue
				}
				if !send(string(ev.Type), ev) {
					return
				}
				switch ev.Type {
				case notify.EventCompleted, notify.EventFailed, notify.EventCancelled:
					return
				}
			}
		}
	}
}
