package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// SpecKind is the normalized kind of a schedule string.
type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
	SpecDaily
)

// ParsedSpec is a parsed schedule string.
//
// Supported forms:
//   - Cron: "*/5 * * * *", "0 3 * * 1", "@hourly", "@every 10m"
//   - Interval: "30s", "2h30m", "every 1m"
//   - Daily at a wall-clock time: "03:00", "daily 21:30"
//
// A "cron:" prefix forces cron parsing.
type ParsedSpec struct {
	Kind  SpecKind
	Cron  string
	Every time.Duration
	Hour  int
	Min   int
}

// CronSpec renders the spec for robfig/cron. Intervals use @every.
func (p ParsedSpec) CronSpec() string {
	switch p.Kind {
	case SpecInterval:
		return "@every " + p.Every.String()
	case SpecDaily:
		return fmt.Sprintf("%d %d * * *", p.Min, p.Hour)
	}
	return p.Cron
}

var reHHMM = regexp.MustCompile(`^(\d{1,2}):(\d{2})$`)

func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, fmt.Errorf("schedule required")
	}
	low := strings.ToLower(s)

	if strings.HasPrefix(low, "cron:") {
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return ParsedSpec{}, fmt.Errorf("cron schedule required after 'cron:'")
		}
		return ParsedSpec{Kind: SpecCron, Cron: expr}, nil
	}
	if v, ok := strings.CutPrefix(low, "every "); ok {
		return parseInterval(strings.TrimSpace(v))
	}
	if v, ok := strings.CutPrefix(low, "daily "); ok {
		return parseDaily(strings.TrimSpace(v))
	}
	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		return ParsedSpec{Kind: SpecCron, Cron: s}, nil
	}
	if reHHMM.MatchString(s) {
		return parseDaily(s)
	}
	if p, err := parseInterval(s); err == nil {
		return p, nil
	}
	return ParsedSpec{}, fmt.Errorf(
		"invalid schedule %q (use cron like '*/5 * * * *', a daily time like '03:00', or an interval like '30s')", raw)
}

func parseInterval(v string) (ParsedSpec, error) {
	d, err := time.ParseDuration(v)
	if err != nil {
		return ParsedSpec{}, fmt.Errorf("invalid interval %q", v)
	}
	if d < time.Second {
		return ParsedSpec{}, fmt.Errorf("interval must be >= 1s")
	}
	return ParsedSpec{Kind: SpecInterval, Every: d}, nil
}

func parseDaily(v string) (ParsedSpec, error) {
	m := reHHMM.FindStringSubmatch(v)
	if m == nil {
		return ParsedSpec{}, fmt.Errorf("invalid time %q, expected HH:MM", v)
	}
	h, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if h > 23 || mm > 59 {
		return ParsedSpec{}, fmt.Errorf("invalid time %q", v)
	}
	return ParsedSpec{Kind: SpecDaily, Hour: h, Min: mm}, nil
}
