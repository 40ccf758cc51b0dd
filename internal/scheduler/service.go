package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "wabulk/pkg/logx"
)

// Config controls the trigger service.
type Config struct {
	Timezone string // IANA TZ, e.g. "America/Bogota"; empty means local
}

// Job is one scheduled unit of housekeeping.
type Job func(ctx context.Context) error

type def struct {
	name    string
	spec    ParsedSpec
	timeout time.Duration
	job     Job
	entryID cron.EntryID

	running atomic.Bool
	mu      sync.Mutex
	stats   RunStats
}

// RunStats summarizes a schedule's executions since boot.
type RunStats struct {
	Runs     uint64        `json:"runs"`
	Skipped  uint64        `json:"skipped"`
	Failures uint64        `json:"failures"`
	LastRun  time.Time     `json:"last_run,omitzero"`
	LastTook time.Duration `json:"last_took"`
	LastErr  string        `json:"last_err,omitempty"`
}

// Service fires named jobs on cron, interval or daily schedules. A job that
// is still running when its next trigger arrives is skipped, not queued.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	parser cron.Parser
	c      *cron.Cron
	defs   map[string]*def
	ctx    context.Context
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log.With(logx.String("comp", "scheduler")),
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		defs:   map[string]*def{},
	}
}

// Add registers job under name, replacing any schedule with the same name.
func (s *Service) Add(name, schedule string, timeout time.Duration, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	if ps.Kind == SpecCron {
		if _, err := s.parser.Parse(ps.Cron); err != nil {
			return fmt.Errorf("schedule %s: %w", name, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	d := &def{name: name, spec: ps, timeout: timeout, job: job}
	s.defs[name] = d
	if s.c != nil {
		if err := s.registerLocked(d); err != nil {
			delete(s.defs, name)
			return err
		}
	}
	s.log.Debug("schedule registered", logx.String("name", name), logx.String("spec", ps.CronSpec()))
	return nil
}

// Remove unschedules name and reports whether it existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(strings.TrimSpace(name))
}

func (s *Service) removeLocked(name string) bool {
	d, ok := s.defs[name]
	if !ok {
		return false
	}
	if s.c != nil && d.entryID != 0 {
		s.c.Remove(d.entryID)
	}
	delete(s.defs, name)
	return true
}

func (s *Service) registerLocked(d *def) error {
	job := cron.FuncJob(func() { s.fire(d) })
	if d.spec.Kind == SpecInterval {
		sched, jitter := withSpread(d.spec.Every, time.Now().In(s.loc), d.name)
		d.entryID = s.c.Schedule(sched, job)
		s.log.Debug("interval spread", logx.String("name", d.name), logx.Duration("first_delay", jitter))
		return nil
	}
	id, err := s.c.AddJob(d.spec.CronSpec(), job)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", d.name, err)
	}
	d.entryID = id
	return nil
}

// Start begins triggering. Runs derive their context from ctx.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx = ctx
	s.startLocked()
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) startLocked() {
	s.loc = loadLocation(s.cfg.Timezone, s.log)
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		if err := s.registerLocked(d); err != nil {
			s.log.Error("schedule register failed", logx.String("name", d.name), logx.Err(err))
		}
	}
	s.c.Start()
}

// Stop stops triggering and waits for in-flight runs until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		s.log.Warn("stop timed out with runs in flight")
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// Apply swaps the config; a timezone change re-registers every schedule.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tzChanged := strings.TrimSpace(cfg.Timezone) != strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if s.c == nil || !tzChanged {
		return
	}
	<-s.c.Stop().Done()
	s.startLocked()
	s.log.Info("service restarted", logx.String("tz", s.loc.String()))
}

// RunNow fires name once, synchronously, outside its schedule.
func (s *Service) RunNow(name string) error {
	s.mu.Lock()
	d, ok := s.defs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("schedule %q not found", name)
	}
	return s.fire(d)
}

func (s *Service) baseContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

func (s *Service) fire(d *def) (err error) {
	if !d.running.CompareAndSwap(false, true) {
		d.mu.Lock()
		d.stats.Skipped++
		d.mu.Unlock()
		s.log.Debug("run skipped, previous still running", logx.String("name", d.name))
		return nil
	}
	defer d.running.Store(false)

	ctx := s.baseContext()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("run panicked", logx.String("name", d.name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
		took := time.Since(start)
		d.mu.Lock()
		d.stats.Runs++
		d.stats.LastRun = start
		d.stats.LastTook = took
		d.stats.LastErr = ""
		if err != nil {
			d.stats.Failures++
			d.stats.LastErr = err.Error()
		}
		d.mu.Unlock()
		if err != nil {
			s.log.Warn("run failed", logx.String("name", d.name), logx.Duration("took", took), logx.Err(err))
		} else {
			s.log.Debug("run finished", logx.String("name", d.name), logx.Duration("took", took))
		}
	}()
	return d.job(ctx)
}

func loadLocation(tz string, log logx.Logger) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn("invalid timezone, using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// ScheduleInfo is one schedule in a Snapshot.
type ScheduleInfo struct {
	Name string    `json:"name"`
	Spec string    `json:"spec"`
	Next time.Time `json:"next,omitzero"`
	Prev time.Time `json:"prev,omitzero"`
	RunStats
}

type Snapshot struct {
	Running   bool           `json:"running"`
	Timezone  string         `json:"timezone"`
	Schedules []ScheduleInfo `json:"schedules"`
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{Running: s.c != nil, Timezone: s.cfg.Timezone, Schedules: []ScheduleInfo{}}
	if s.loc != nil {
		snap.Timezone = s.loc.String()
	}
	for _, d := range s.defs {
		it := ScheduleInfo{Name: d.name, Spec: d.spec.CronSpec()}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		d.mu.Lock()
		it.RunStats = d.stats
		d.mu.Unlock()
		snap.Schedules = append(snap.Schedules, it)
	}
	sort.Slice(snap.Schedules, func(i, j int) bool { return snap.Schedules[i].Name < snap.Schedules[j].Name })
	return snap
}
