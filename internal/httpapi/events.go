package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"wabulk/internal/eventbus"
	"wabulk/internal/model"
)

const heartbeatEvery = 15 * time.Second

// jobEvents streams one job's events as server-sent events. The first frame
// is the current status; the stream ends once the job reaches a terminal
// state, is deleted, or the client goes away.
func (s *Server) jobEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()

	// subscribe before reading status so no transition falls in between
	ch, unsubscribe := s.deps.Bus.Subscribe(64, eventbus.ForJob(id))
	defer unsubscribe()

	st, err := s.deps.Ledger.Status(ctx, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	rc := http.NewResponseController(w)
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-store")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, rc, "status", st); err != nil || st.State.Terminal() {
		return
	}

	hb := time.NewTicker(heartbeatEvery)
	defer hb.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-hb.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			if rc.Flush() != nil {
				return
			}
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := writeEvent(w, rc, e.Type, e); err != nil {
				return
			}
			if e.Type == eventbus.JobDeleted {
				return
			}
			if st, ok := e.Data.(model.Status); ok && st.State.Terminal() {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, rc *http.ResponseController, name string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, b); err != nil {
		return err
	}
	return rc.Flush()
}
