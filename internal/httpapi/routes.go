package httpapi

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"wabulk/internal/campaign"
	"wabulk/internal/inbound"
	"wabulk/internal/model"
)

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestID, middleware.RealIP, s.accessLog, s.recoverer)

	r.Get("/healthz", s.healthz)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.auth)

		// streams outlive any request timeout
		r.Get("/jobs/{id}/events", s.jobEvents)

		r.Group(func(r chi.Router) {
			r.Use(s.timeout)

			r.Route("/campaigns", func(r chi.Router) {
				r.Post("/preview", s.previewCampaign)
				r.Post("/test-send", s.testSend)
				r.Post("/", s.commitCampaign)
				r.Get("/", s.listCampaigns)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.getCampaign)
					r.Put("/", s.updateCampaign)
					r.Delete("/", s.deleteCampaign)
					r.Post("/{action:start|pause|resume|cancel}", s.campaignAction)
					r.Get("/recipients", s.campaignRecipients)
				})
			})

			r.Get("/jobs", s.listJobs)
			r.Get("/jobs/{id}", s.getJob)
			r.Get("/jobs/{id}/status", s.jobStatus)

			r.Post("/contacts/verify", s.startSweep)
			r.Get("/contacts/verify/status", s.sweepStatus)
			r.Post("/contacts/merge-duplicates", s.mergeDuplicates)

			r.Post("/webhook/whatsapp", s.webhook)

			r.Get("/scheduler", s.schedulerSnapshot)
		})
	})

	if s.config().Pprof {
		r.With(s.auth).Mount("/debug", middleware.Profiler())
	}
	return r
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": "ok", "time": time.Now().UTC()}
	if s.deps.Health != nil {
		for k, v := range s.deps.Health() {
			body[k] = v
		}
	}
	writeJSON(w, http.StatusOK, body)
}

// ---- campaigns ----

type previewRequest struct {
	Filter     model.FilterSpec `json:"filter"`
	SampleSize int              `json:"sample_size,omitempty"`
}

func (s *Server) previewCampaign(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.deps.Campaigns.Preview(r.Context(), req.Filter, req.SampleSize)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) commitCampaign(w http.ResponseWriter, r *http.Request) {
	var req campaign.CommitRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.deps.Campaigns.Commit(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) updateCampaign(w http.ResponseWriter, r *http.Request) {
	var req campaign.CommitRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.deps.Campaigns.Update(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) listCampaigns(w http.ResponseWriter, r *http.Request) {
	page, limit, err := paging(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	state := model.JobState(r.URL.Query().Get("state"))
	items, err := s.deps.Campaigns.List(r.Context(), state, page, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listBody[model.Job]{Items: items, Page: page, Limit: limit})
}

func (s *Server) getCampaign(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Campaigns.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) deleteCampaign(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Campaigns.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) campaignAction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var (
		job model.Job
		err error
	)
	switch chi.URLParam(r, "action") {
	case "start":
		job, err = s.deps.Campaigns.Start(r.Context(), id)
	case "pause":
		job, err = s.deps.Campaigns.Pause(r.Context(), id)
	case "resume":
		job, err = s.deps.Campaigns.Resume(r.Context(), id)
	case "cancel":
		job, err = s.deps.Campaigns.Cancel(r.Context(), id)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) campaignRecipients(w http.ResponseWriter, r *http.Request) {
	page, limit, err := paging(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := model.DeliveryStatus(r.URL.Query().Get("status"))
	switch status {
	case "", model.DeliveryPending, model.DeliverySent, model.DeliveryFailed, model.DeliveryResponded:
	default:
		s.writeError(w, r, model.Invalid("status", "unknown delivery status"))
		return
	}
	items, err := s.deps.Campaigns.Recipients(r.Context(), chi.URLParam(r, "id"), status, page, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listBody[model.Delivery]{Items: items, Page: page, Limit: limit})
}

type testSendRequest struct {
	Message string   `json:"message"`
	Phones  []string `json:"phones"`
}

type testSendBody struct {
	Total   int                   `json:"total"`
	Sent    int                   `json:"sent"`
	Failed  int                   `json:"failed"`
	Results []campaign.TestResult `json:"results"`
}

func (s *Server) testSend(w http.ResponseWriter, r *http.Request) {
	var req testSendRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	results, err := s.deps.Campaigns.TestSend(r.Context(), req.Message, req.Phones)
	if err != nil && len(results) == 0 {
		s.writeError(w, r, err)
		return
	}
	body := testSendBody{Total: len(req.Phones), Results: results}
	for _, res := range results {
		if res.Sent {
			body.Sent++
		}
	}
	body.Failed = body.Total - body.Sent
	writeJSON(w, http.StatusOK, body)
}

// ---- jobs ----

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	page, limit, err := paging(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q := model.JobQuery{
		Kind:   model.JobKind(r.URL.Query().Get("kind")),
		State:  model.JobState(r.URL.Query().Get("state")),
		Offset: (page - 1) * limit,
		Limit:  limit,
	}
	if q.Kind != "" && !q.Kind.Valid() {
		s.writeError(w, r, model.Invalid("kind", "unknown job kind"))
		return
	}
	items, err := s.deps.Ledger.List(r.Context(), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listBody[model.Job]{Items: items, Page: page, Limit: limit})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Ledger.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) jobStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Ledger.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, st)
}

// ---- contacts ----

func (s *Server) startSweep(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Sweeper.Start(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job.Status())
}

func (s *Server) sweepStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Sweeper.Status(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) mergeDuplicates(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Merger.Run(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ---- inbound ----

// webhook always answers 200 for events it chooses to ignore, so the
// gateway does not retry them.
func (s *Server) webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		s.writeError(w, r, model.Invalid("body", err.Error()))
		return
	}
	m, ok, err := inbound.ParseWAHA(body)
	if err != nil {
		s.writeError(w, r, model.Invalid("body", err.Error()))
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	seen, err := s.deps.Inbound.Handle(r.Context(), m)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, seen)
}

func (s *Server) schedulerSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		s.writeError(w, r, errors.New("scheduler not configured"))
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Scheduler.Snapshot())
}
