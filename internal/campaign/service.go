// Package campaign is the caller-facing surface for bulk message campaigns:
// preview an audience, commit it as a draft, drive the draft through its
// lifecycle and read its progress.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"wabulk/internal/audience"
	"wabulk/internal/gateway"
	"wabulk/internal/jobs"
	"wabulk/internal/model"
	"wabulk/internal/storage"
	"wabulk/pkg/logx"
)

// Runner drives sending campaigns. Ensure must be safe to call for a job
// that already has a loop.
type Runner interface {
	Ensure(jobID string) bool
}

// Config bounds what callers may ask for.
type Config struct {
	MinRateSeconds     int
	MaxRateSeconds     int
	DefaultRateSeconds int
	// SampleSize caps Preview samples when the caller does not ask for one.
	SampleSize int
	// TestSendMax caps the phones of one TestSend.
	TestSendMax int
}

func (c Config) withDefaults() Config {
	if c.MinRateSeconds <= 0 {
		c.MinRateSeconds = 5
	}
	if c.MaxRateSeconds <= 0 {
		c.MaxRateSeconds = 3600
	}
	if c.DefaultRateSeconds <= 0 {
		c.DefaultRateSeconds = 30
	}
	if c.SampleSize <= 0 {
		c.SampleSize = 10
	}
	if c.TestSendMax <= 0 {
		c.TestSendMax = 10
	}
	return c
}

// Preview is a resolved audience that was not committed.
type Preview struct {
	Total      int               `json:"total"`
	Sample     []model.Recipient `json:"sample"`
	Dropped    int               `json:"dropped"`
	ResolvedOK bool              `json:"resolved_ok"`
}

// CommitRequest is everything a caller supplies for a draft.
type CommitRequest struct {
	Name        string           `json:"name"`
	Message     string           `json:"message"`
	Filter      model.FilterSpec `json:"filter"`
	RateSeconds int              `json:"rate_seconds"`
	ScheduledAt *time.Time       `json:"scheduled_at,omitempty"`
}

// TestResult is the outcome of one test message.
type TestResult struct {
	Phone string `json:"phone"`
	Name  string `json:"name,omitempty"`
	Sent  bool   `json:"sent"`
	Error string `json:"error,omitempty"`
}

type Service struct {
	ledger   *jobs.Ledger
	resolver *audience.Resolver
	contacts storage.ContactStore
	runner   Runner
	gw       gateway.Gateway
	log      logx.Logger

	mu  sync.RWMutex
	cfg Config
}

func NewService(cfg Config, ledger *jobs.Ledger, resolver *audience.Resolver, contacts storage.ContactStore, runner Runner, gw gateway.Gateway, log logx.Logger) *Service {
	return &Service{
		ledger:   ledger,
		resolver: resolver,
		contacts: contacts,
		runner:   runner,
		gw:       gw,
		log:      log.With(logx.String("comp", "campaign")),
		cfg:      cfg.withDefaults(),
	}
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Preview resolves filter without creating a job. A resolution failure is
// not an error here: it comes back as ResolvedOK=false so callers can tell
// "nobody matches" from "could not ask".
func (s *Service) Preview(ctx context.Context, f model.FilterSpec, sampleSize int) (Preview, error) {
	if sampleSize <= 0 {
		sampleSize = s.config().SampleSize
	}
	res, err := s.resolver.Resolve(ctx, f)
	if err != nil {
		if errors.Is(err, model.ErrResolution) {
			s.log.Warn("preview resolution failed", logx.Err(err))
			return Preview{Sample: []model.Recipient{}}, nil
		}
		return Preview{}, err
	}
	n := min(sampleSize, len(res.Recipients))
	return Preview{
		Total:      res.Total,
		Sample:     res.Recipients[:n:n],
		Dropped:    res.Dropped,
		ResolvedOK: true,
	}, nil
}

func (s *Service) draft(req CommitRequest) (jobs.Draft, error) {
	cfg := s.config()
	rate := req.RateSeconds
	if rate == 0 {
		rate = cfg.DefaultRateSeconds
	}
	if rate < cfg.MinRateSeconds || rate > cfg.MaxRateSeconds {
		return jobs.Draft{}, model.Invalid("rate_seconds",
			fmt.Sprintf("must be between %d and %d", cfg.MinRateSeconds, cfg.MaxRateSeconds))
	}
	if strings.TrimSpace(req.Message) == "" {
		return jobs.Draft{}, model.Invalid("message", "required")
	}
	if err := req.Filter.Validate(); err != nil {
		return jobs.Draft{}, err
	}
	return jobs.Draft{
		Name:        strings.TrimSpace(req.Name),
		Message:     req.Message,
		Filter:      req.Filter,
		RateSeconds: rate,
		ScheduledAt: req.ScheduledAt,
	}, nil
}

// Commit resolves the audience and freezes it into a draft campaign.
func (s *Service) Commit(ctx context.Context, req CommitRequest) (model.Job, error) {
	d, err := s.draft(req)
	if err != nil {
		return model.Job{}, err
	}
	res, err := s.resolver.Resolve(ctx, d.Filter)
	if err != nil {
		return model.Job{}, err
	}
	return s.ledger.CreateCampaign(ctx, d, res.Recipients)
}

// Update re-resolves the audience and replaces a draft's contents.
func (s *Service) Update(ctx context.Context, id string, req CommitRequest) (model.Job, error) {
	d, err := s.draft(req)
	if err != nil {
		return model.Job{}, err
	}
	if _, err := s.campaign(ctx, id); err != nil {
		return model.Job{}, err
	}
	res, err := s.resolver.Resolve(ctx, d.Filter)
	if err != nil {
		return model.Job{}, err
	}
	return s.ledger.ReplaceDraft(ctx, id, d, res.Recipients)
}

// campaign loads id and rejects jobs of other kinds as not found.
func (s *Service) campaign(ctx context.Context, id string) (model.Job, error) {
	job, err := s.ledger.Get(ctx, id)
	if err != nil {
		return model.Job{}, err
	}
	if job.Kind != model.KindCampaign {
		return model.Job{}, fmt.Errorf("campaign %s: %w", id, model.ErrNotFound)
	}
	return job, nil
}

func (s *Service) Start(ctx context.Context, id string) (model.Job, error) {
	job, err := s.ledger.Start(ctx, id)
	if err != nil {
		return job, err
	}
	s.runner.Ensure(id)
	return job, nil
}

func (s *Service) Pause(ctx context.Context, id string) (model.Job, error) {
	return s.ledger.Pause(ctx, id)
}

func (s *Service) Resume(ctx context.Context, id string) (model.Job, error) {
	job, err := s.ledger.Resume(ctx, id)
	if err != nil {
		return job, err
	}
	s.runner.Ensure(id)
	return job, nil
}

func (s *Service) Cancel(ctx context.Context, id string) (model.Job, error) {
	return s.ledger.Cancel(ctx, id)
}

func (s *Service) Delete(ctx context.Context, id string) error {
	if _, err := s.campaign(ctx, id); err != nil {
		return err
	}
	return s.ledger.Delete(ctx, id)
}

func (s *Service) Get(ctx context.Context, id string) (model.Job, error) {
	return s.campaign(ctx, id)
}

func (s *Service) Status(ctx context.Context, id string) (model.Status, error) {
	return s.ledger.Status(ctx, id)
}

// List pages campaigns, newest first. page starts at 1.
func (s *Service) List(ctx context.Context, state model.JobState, page, limit int) ([]model.Job, error) {
	offset, limit := pageBounds(page, limit)
	return s.ledger.List(ctx, model.JobQuery{Kind: model.KindCampaign, State: state, Offset: offset, Limit: limit})
}

// Recipients pages a campaign's frozen audience with delivery status.
func (s *Service) Recipients(ctx context.Context, id string, status model.DeliveryStatus, page, limit int) ([]model.Delivery, error) {
	if _, err := s.campaign(ctx, id); err != nil {
		return nil, err
	}
	offset, limit := pageBounds(page, limit)
	return s.ledger.Deliveries(ctx, id, status, offset, limit)
}

func pageBounds(page, limit int) (offset, n int) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return (page - 1) * limit, limit
}

// TestSend renders message for each phone and sends it right away. Known
// contacts get their own name; unknown phones render with an empty one.
// It does not create a job and does not touch any ledger counter.
func (s *Service) TestSend(ctx context.Context, message string, phones []string) ([]TestResult, error) {
	if strings.TrimSpace(message) == "" {
		return nil, model.Invalid("message", "required")
	}
	if len(phones) == 0 {
		return nil, model.Invalid("phones", "at least one phone is required")
	}
	if most := s.config().TestSendMax; len(phones) > most {
		return nil, model.Invalid("phones", fmt.Sprintf("at most %d phones", most))
	}

	out := make([]TestResult, 0, len(phones))
	for _, phone := range phones {
		r := model.Recipient{Phone: phone}
		if cs, err := s.contacts.QueryContacts(ctx, storage.ContactQuery{Phone: phone}); err == nil && len(cs) > 0 {
			r = model.RecipientOf(cs[0])
			r.Phone = phone
		}
		res := TestResult{Phone: phone, Name: r.DisplayName}
		if err := s.gw.Send(ctx, phone, Render(message, r)); err != nil {
			res.Error = err.Error()
			s.log.Warn("test send failed", logx.String("phone", phone), logx.Err(err))
		} else {
			res.Sent = true
		}
		out = append(out, res)
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
	}
	return out, nil
}

// StartDue starts every draft whose schedule has come. Drafts that cannot
// start (nobody to send to, or started concurrently) are logged and skipped.
func (s *Service) StartDue(ctx context.Context, now time.Time) (int, error) {
	drafts, err := s.ledger.List(ctx, model.JobQuery{Kind: model.KindCampaign, State: model.StateDraft})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, j := range drafts {
		if j.ScheduledAt == nil || j.ScheduledAt.After(now) {
			continue
		}
		if _, err := s.Start(ctx, j.ID); err != nil {
			s.log.Warn("scheduled campaign not started", logx.String("job", j.ID), logx.Err(err))
			continue
		}
		s.log.Info("scheduled campaign started", logx.String("job", j.ID))
		n++
	}
	return n, nil
}
