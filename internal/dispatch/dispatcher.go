package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "likebot/pkg/logx"
)

// Outcome classifies a finished dispatch.
type Outcome int

const (
	Success Outcome = iota
	// RetryableFailure is internal to Send's retry loop; it never reaches
	// callers, who only see Success or FatalFailure.
	RetryableFailure
	FatalFailure
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case RetryableFailure:
		return "retryable_failure"
	default:
		return "fatal_failure"
	}
}

// Result is the terminal outcome of one Send.
type Result struct {
	Outcome  Outcome
	Attempts int
	Detail   string // provider response body or error text, truncated
	Err      error
}

type Config struct {
	// BaseURL of the like endpoint, e.g. "https://host/like".
	BaseURL    string
	ServerName string
	Key        string

	Timeout       time.Duration // per attempt; default 30s
	RetryMax      int           // retries after the first attempt; default 3
	RetryBase     time.Duration // default 2s
	RetryMaxDelay time.Duration // default 30s
	RatePerSec    int           // outbound calls per second; default 1
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 2 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Second
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	return c
}

// Dispatcher performs single like-send calls against the external provider.
// Stateless aside from its rate limiter and transient retry counters.
type Dispatcher struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	http *http.Client
	log  logx.Logger
}

func New(cfg Config, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{log: log, http: &http.Client{}}
	d.Apply(cfg)
	return d
}

// Apply swaps the provider config at runtime (config hot reload).
func (d *Dispatcher) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	d.mu.Lock()
	d.cfg = cfg
	d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	d.mu.Unlock()
}

func (d *Dispatcher) snapshot() (Config, *rate.Limiter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg, d.limiter
}

// Send delivers units likes to targetUID. Transient failures (network,
// timeout, 5xx, 429) are retried with exponential backoff; exhausting the
// retry budget surfaces as a fatal failure so one broken task cannot stall
// a whole scheduling cycle. Non-retryable provider rejections short-circuit.
func (d *Dispatcher) Send(ctx context.Context, targetUID string, units int) Result {
	cfg, lim := d.snapshot()

	if strings.TrimSpace(cfg.BaseURL) == "" {
		return Result{Outcome: FatalFailure, Attempts: 0, Err: errors.New("dispatcher base_url not configured")}
	}

	maxAttempts := 1 + cfg.RetryMax
	var last Result
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return Result{Outcome: FatalFailure, Attempts: attempt - 1, Err: err}
			}
		}

		outcome, detail, err := d.attempt(ctx, cfg, targetUID)
		last = Result{Outcome: outcome, Attempts: attempt, Detail: detail, Err: err}

		switch outcome {
		case Success:
			d.log.Debug("like dispatched",
				logx.String("uid", targetUID), logx.Int("units", units), logx.Int("attempt", attempt))
			return last
		case FatalFailure:
			// No retry on fatal.
			return last
		}

		if attempt >= maxAttempts {
			break
		}

		delay := backoffDelay(cfg, attempt)
		d.log.Debug("dispatch retry scheduled",
			logx.String("uid", targetUID), logx.Int("attempt", attempt+1),
			logx.Duration("delay", delay), logx.Err(err))
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return Result{Outcome: FatalFailure, Attempts: attempt, Detail: last.Detail, Err: ctx.Err()}
		case <-t.C:
		}
	}

	// Retry budget exhausted: surface as fatal to the caller.
	last.Outcome = FatalFailure
	if last.Err == nil {
		last.Err = fmt.Errorf("retries exhausted after %d attempts", last.Attempts)
	} else {
		last.Err = fmt.Errorf("retries exhausted after %d attempts: %w", last.Attempts, last.Err)
	}
	return last
}

func (d *Dispatcher) attempt(ctx context.Context, cfg Config, targetUID string) (Outcome, string, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return FatalFailure, "", fmt.Errorf("invalid base_url: %w", err)
	}
	q := u.Query()
	q.Set("uid", targetUID)
	if cfg.ServerName != "" {
		q.Set("server_name", cfg.ServerName)
	}
	if cfg.Key != "" {
		q.Set("key", cfg.Key)
	}
	u.RawQuery = q.Encode()

	actx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(actx, http.MethodGet, u.String(), nil)
	if err != nil {
		return FatalFailure, "", err
	}

	resp, err := d.http.Do(req)
	if err != nil {
		// Network errors and timeouts are transient unless the parent
		// context is already gone.
		if ctx.Err() != nil {
			return FatalFailure, "", ctx.Err()
		}
		return RetryableFailure, "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	detail := strings.TrimSpace(string(body))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return Success, detail, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return RetryableFailure, detail, fmt.Errorf("provider returned %d", resp.StatusCode)
	default:
		// Other 4xx: invalid UID, revoked key, etc.
		return FatalFailure, detail, fmt.Errorf("provider rejected request: %d", resp.StatusCode)
	}
}

func backoffDelay(cfg Config, retry int) time.Duration {
	// retry starts at 1 (first retry): base, 2*base, 4*base, ... capped.
	d := cfg.RetryBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d > cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// jitter [0.8, 1.2]
	j := 0.8 + rand.Float64()*0.4
	d = time.Duration(float64(d) * j)
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	if d < 0 {
		d = 0
	}
	return d
}
