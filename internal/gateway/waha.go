// Package gateway talks to the WhatsApp HTTP gateway (WAHA). Every request,
// from every job, passes one shared rate limiter.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"wabulk/pkg/logx"
)

// Gateway is what the dispatcher and the sweeper need from WhatsApp.
type Gateway interface {
	Send(ctx context.Context, phone, text string) error
	// Probe reports whether phone has a WhatsApp account.
	Probe(ctx context.Context, phone string) (bool, error)
}

type Config struct {
	BaseURL    string
	Session    string
	APIKey     string
	Timeout    time.Duration
	RatePerSec float64
	Burst      int
}

func (c Config) withDefaults() Config {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.Session == "" {
		c.Session = "default"
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	return c
}

func (c Config) limit() rate.Limit {
	if c.RatePerSec <= 0 {
		return rate.Inf
	}
	return rate.Limit(c.RatePerSec)
}

// WAHA is a Gateway over the WAHA REST API.
type WAHA struct {
	mu  sync.RWMutex
	cfg Config
	hc  *http.Client
	lim *rate.Limiter
	log logx.Logger
}

func NewWAHA(cfg Config, log logx.Logger) *WAHA {
	cfg = cfg.withDefaults()
	return &WAHA{
		cfg: cfg,
		hc:  &http.Client{Timeout: cfg.Timeout},
		lim: rate.NewLimiter(cfg.limit(), cfg.Burst),
		log: log.With(logx.String("comp", "gateway")),
	}
}

// Apply swaps configuration in place; the limiter keeps its tokens.
func (w *WAHA) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	w.mu.Lock()
	w.cfg = cfg
	w.hc = &http.Client{Timeout: cfg.Timeout}
	w.mu.Unlock()
	w.lim.SetLimit(cfg.limit())
	w.lim.SetBurst(cfg.Burst)
}

func (w *WAHA) snapshot() (Config, *http.Client) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cfg, w.hc
}

// ChatID turns a phone into a WAHA chat id. Ids that already carry a
// WhatsApp suffix pass through.
func ChatID(phone string) string {
	p := strings.TrimSpace(phone)
	if strings.HasSuffix(p, "@c.us") || strings.HasSuffix(p, "@s.whatsapp.net") {
		return p
	}
	var b strings.Builder
	for _, r := range p {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String() + "@c.us"
}

type sendText struct {
	ChatID  string `json:"chatId"`
	Text    string `json:"text"`
	Session string `json:"session"`
}

func (w *WAHA) Send(ctx context.Context, phone, text string) error {
	cfg, _ := w.snapshot()
	body, err := json.Marshal(sendText{ChatID: ChatID(phone), Text: text, Session: cfg.Session})
	if err != nil {
		return Permanent(err)
	}
	resp, err := w.do(ctx, http.MethodPost, "/api/sendText", nil, body)
	if err != nil {
		return err
	}
	defer drain(resp)
	return classify(resp)
}

type checkExists struct {
	NumberExists bool   `json:"numberExists"`
	ChatID       string `json:"chatId"`
}

func (w *WAHA) Probe(ctx context.Context, phone string) (bool, error) {
	cfg, _ := w.snapshot()
	q := url.Values{}
	q.Set("phone", strings.TrimSuffix(ChatID(phone), "@c.us"))
	q.Set("session", cfg.Session)
	resp, err := w.do(ctx, http.MethodGet, "/api/contacts/check-exists", q, nil)
	if err != nil {
		return false, err
	}
	defer drain(resp)
	if err := classify(resp); err != nil {
		return false, err
	}
	var out checkExists
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&out); err != nil {
		return false, fmt.Errorf("decode check-exists: %w", ErrUnavailable)
	}
	return out.NumberExists, nil
}

func (w *WAHA) do(ctx context.Context, method, path string, q url.Values, body []byte) (*http.Response, error) {
	cfg, hc := w.snapshot()
	if cfg.BaseURL == "" {
		return nil, ErrNotConfigured
	}
	if err := w.lim.Wait(ctx); err != nil {
		return nil, err
	}
	u := cfg.BaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, Permanent(err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cfg.APIKey != "" {
		req.Header.Set("X-Api-Key", cfg.APIKey)
	}
	resp, err := hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		w.log.Debug("gateway request failed", logx.String("path", path), logx.Err(err))
		return nil, fmt.Errorf("%s %s: %w: %w", method, path, ErrUnavailable, err)
	}
	return resp, nil
}

// classify maps a WAHA response status to the error taxonomy. Rejections
// that would hit every recipient alike (bad API key, session not started)
// are gateway-wide, not recipient failures.
func classify(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg := readSnippet(resp.Body)
	base := fmt.Errorf("gateway status %d: %s", resp.StatusCode, msg)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return RetryAfter(fmt.Errorf("%w: %w", ErrUnavailable, base), parseRetryAfter(resp.Header.Get("Retry-After")))
	case resp.StatusCode >= 500,
		resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden,
		sessionProblem(resp.StatusCode, msg):
		return fmt.Errorf("%w: %w", ErrUnavailable, base)
	default:
		return Permanent(base)
	}
}

// sessionProblem spots WAHA's answers for a session that does not exist or
// is not WORKING, e.g. 404 `Session "default" does not exist`.
func sessionProblem(status int, msg string) bool {
	if status != http.StatusNotFound && status != http.StatusUnprocessableEntity {
		return false
	}
	return strings.Contains(strings.ToLower(msg), "session")
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return max(time.Until(t), 0)
	}
	return 0
}

func readSnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 512))
	return strings.TrimSpace(string(b))
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

var _ Gateway = (*WAHA)(nil)

// IsCanceled reports a context ending, which is neither a recipient
// failure nor a gateway outage.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
