// ABOUTME: Centralized retry policy with capped exponential backoff and jitter
// ABOUTME: A classifier decides per error whether the condition is retryable or fatal

package retry

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"
)

// Kind classifies an error for retry purposes
type Kind int

const (
	// Fatal errors are returned immediately
	Fatal Kind = iota
	// Retryable errors are retried until attempts run out
	Retryable
)

// Classifier maps an error to a Kind
type Classifier func(error) Kind

// Config configures a Policy. Zero values take the defaults below.
type Config struct {
	MaxAttempts int           `yaml:"max_attempts" toml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"-" toml:"-"`
	MaxDelay    time.Duration `yaml:"-" toml:"-"`
	Multiplier  float64       `yaml:"multiplier" toml:"multiplier"`
	Jitter      bool          `yaml:"jitter" toml:"jitter"`

	// Raw string values for YAML/TOML unmarshaling
	BaseDelayRaw string `yaml:"base_delay" toml:"base_delay"`
	MaxDelayRaw  string `yaml:"max_delay" toml:"max_delay"`
}

// DefaultConfig returns a bounded policy suited to storage operations
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 4,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// Policy runs operations under a Config and Classifier
type Policy struct {
	name     string
	cfg      Config
	classify Classifier
	logger   *slog.Logger
	sleep    func(context.Context, time.Duration) error
}

// New creates a Policy. A nil classifier treats every error as fatal.
func New(name string, cfg Config, classify Classifier, logger *slog.Logger) *Policy {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if classify == nil {
		classify = func(error) Kind { return Fatal }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Policy{
		name:     name,
		cfg:      cfg,
		classify: classify,
		logger:   logger.With("component", "retry", "policy", name),
		sleep:    sleepCtx,
	}
}

// Config returns the effective configuration
func (p *Policy) Config() Config { return p.cfg }

// Do runs op until it succeeds, returns a fatal error, exhausts attempts, or
// ctx is done. Cancellation of ctx is never retried.
func (p *Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	var err error
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			if err != nil {
				return err
			}
			return cerr
		}

		err = op(ctx)
		if err == nil {
			if attempt > 1 {
				p.logger.Info("operation succeeded after retry", "attempts", attempt)
			}
			return nil
		}
		if !p.shouldRetry(ctx, err) || attempt == p.cfg.MaxAttempts {
			return err
		}

		delay := p.Delay(attempt)
		p.logger.Warn("retrying after error",
			"attempt", attempt,
			"max_attempts", p.cfg.MaxAttempts,
			"delay", delay,
			"error", err,
		)
		if serr := p.sleep(ctx, delay); serr != nil {
			return err
		}
	}
	return err
}

// Value runs op under p and returns its result
func Value[T any](ctx context.Context, p *Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (p *Policy) shouldRetry(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return false
	}
	return p.classify(err) == Retryable
}

// Delay returns the wait before the attempt following attempt (1-based).
// The value is capped at MaxDelay and jittered by up to +/-10%.
func (p *Policy) Delay(attempt int) time.Duration {
	d := float64(p.cfg.BaseDelay) * math.Pow(p.cfg.Multiplier, float64(attempt-1))
	if d > float64(p.cfg.MaxDelay) {
		d = float64(p.cfg.MaxDelay)
	}
	if p.cfg.Jitter {
		d += d * 0.1 * (2*rand.Float64() - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
