package engine

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/port/model"
)

// ErrClass buckets a dispatch failure for the retry policy. The class
// decides how many delayed retries the agent gets before it is parked
// in its failure status.
type ErrClass string

const (
	ClassRateLimit ErrClass = "rate_limit"
	ClassNetwork   ErrClass = "network"
	ClassOther     ErrClass = "other"
	ClassFatal     ErrClass = "fatal"
)

// Classify maps an error from a dispatch to its retry class.
//
// Rate limits and transport failures are transient and get generous
// budgets. A 4xx from the model is a malformed request and retrying it
// verbatim will fail the same way, so it is fatal. Context
// cancellation means the process is shutting down; the startup
// reconciler will pick the agent up again, so no retry is scheduled.
func Classify(err error) ErrClass {
	if err == nil {
		return ClassOther
	}
	if errors.Is(err, context.Canceled) {
		return ClassFatal
	}
	var rl *model.RateLimitError
	if errors.As(err, &rl) {
		return ClassRateLimit
	}
	var te *model.TransportError
	if errors.As(err, &te) {
		return ClassNetwork
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassNetwork
	}
	var re *model.RequestError
	if errors.As(err, &re) {
		if re.StatusCode >= 400 && re.StatusCode < 500 {
			return ClassFatal
		}
		return ClassOther
	}
	return ClassOther
}

// RetryPolicy computes delayed-retry schedules from the configured
// backoff parameters. The zero value is not usable; construct with
// NewRetryPolicy.
type RetryPolicy struct {
	cfg  config.Retry
	rand *rand.Rand
}

func NewRetryPolicy(cfg config.Retry) *RetryPolicy {
	return &RetryPolicy{
		cfg:  cfg,
		rand: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// MaxAttempts returns the delayed-retry budget for a class. Fatal
// errors get none.
func (p *RetryPolicy) MaxAttempts(class ErrClass) int {
	switch class {
	case ClassRateLimit:
		return p.cfg.MaxAttemptsRate
	case ClassNetwork:
		return p.cfg.MaxAttemptsNet
	case ClassFatal:
		return 0
	default:
		return p.cfg.MaxAttemptsOther
	}
}

// ShouldRetry reports whether attempt (zero-based count of retries
// already consumed) leaves budget for another delayed retry.
func (p *RetryPolicy) ShouldRetry(class ErrClass, attempt int) bool {
	return attempt < p.MaxAttempts(class)
}

// Delay returns the backoff before retry number attempt (zero-based):
// base * 2^attempt, jittered by the configured fraction in both
// directions, capped at the configured ceiling. A rate-limit hint from
// the provider overrides the computed delay when it is longer.
func (p *RetryPolicy) Delay(class ErrClass, attempt int, err error) time.Duration {
	d := time.Duration(float64(p.cfg.BackoffBase) * math.Pow(2, float64(attempt)))
	if d > p.cfg.BackoffCap || d < 0 {
		d = p.cfg.BackoffCap
	}
	if p.cfg.JitterFraction > 0 {
		span := float64(d) * p.cfg.JitterFraction
		d += time.Duration((p.rand.Float64()*2 - 1) * span)
	}
	if class == ClassRateLimit {
		var rl *model.RateLimitError
		if errors.As(err, &rl) && rl.RetryAfterSeconds > 0 {
			hint := time.Duration(rl.RetryAfterSeconds) * time.Second
			if hint > d {
				d = hint
			}
		}
	}
	if d > p.cfg.BackoffCap {
		d = p.cfg.BackoffCap
	}
	if d < time.Second {
		d = time.Second
	}
	return d
}
