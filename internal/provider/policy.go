package provider

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hyperjump/kanshou/internal/errs"
	"github.com/hyperjump/kanshou/internal/models"
)

const maxBackoff = 2 * time.Second

// Policy bounds every provider call.
type Policy struct {
	// Timeout applies to each attempt.
	Timeout time.Duration
	// MaxRetries is the number of attempts after the first one.
	MaxRetries int
	// Backoff is the first retry delay; it doubles up to two seconds.
	Backoff time.Duration
	// RateLimit is the number of calls per second across all providers; 0 disables it.
	RateLimit float64
}

// Caller runs provider calls under a Policy.
type Caller struct {
	policy  Policy
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewCaller returns a Caller enforcing p. logger may be nil.
func NewCaller(p Policy, logger *zap.Logger) *Caller {
	if p.Timeout <= 0 {
		p.Timeout = 10 * time.Second
	}
	if p.Backoff <= 0 {
		p.Backoff = 200 * time.Millisecond
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Caller{policy: p, logger: logger}
	if p.RateLimit > 0 {
		burst := int(p.RateLimit)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(p.RateLimit), burst)
	}
	return c
}

// Call runs fn with a per-attempt timeout, waiting for the rate limiter first and
// retrying transient failures with capped exponential backoff. Failures are
// returned as external-service errors naming the provider; a final timeout has
// the provider timeout code.
func (c *Caller) Call(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	b := retry.NewExponential(c.policy.Backoff)
	b = retry.WithCappedDuration(maxBackoff, b)
	b = retry.WithMaxRetries(uint64(c.policy.MaxRetries), b)

	attempt := 0
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, c.policy.Timeout)
		defer cancel()
		err := fn(callCtx)
		if err == nil || errors.Is(err, ErrNoMatch) {
			return err
		}
		if ctx.Err() == nil && shouldRetry(err) {
			c.logger.Debug("provider call failed, retrying",
				zap.String("provider", name),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return retry.RetryableError(err)
		}
		return err
	})
	switch {
	case err == nil, errors.Is(err, ErrNoMatch):
		return err
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		return errs.Timeout(name, err)
	default:
		return errs.External(name, err)
	}
}

// shouldRetry reports whether err is worth another attempt: timeouts, network
// errors and retryable HTTP statuses.
func shouldRetry(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var status *StatusError
	if errors.As(err, &status) {
		return status.Temporary()
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Reverse wraps r so its calls follow the policy.
func (c *Caller) Reverse(r ReverseImageSearcher) ReverseImageSearcher {
	if r == nil {
		return nil
	}
	return &guardedReverse{inner: r, caller: c}
}

// KnowledgeBase wraps kb so its calls follow the policy.
func (c *Caller) KnowledgeBase(kb KnowledgeBase) KnowledgeBase {
	if kb == nil {
		return nil
	}
	return &guardedKnowledgeBase{inner: kb, caller: c}
}

// Collection wraps col so its calls follow the policy.
func (c *Caller) Collection(col Collection) Collection {
	if col == nil {
		return nil
	}
	return &guardedCollection{inner: col, caller: c}
}

type guardedReverse struct {
	inner  ReverseImageSearcher
	caller *Caller
}

func (g *guardedReverse) Name() string { return g.inner.Name() }

func (g *guardedReverse) ReverseImageSearch(ctx context.Context, image []byte) ([]models.Candidate, error) {
	var out []models.Candidate
	err := g.caller.Call(ctx, g.inner.Name(), func(ctx context.Context) error {
		var err error
		out, err = g.inner.ReverseImageSearch(ctx, image)
		return err
	})
	if errors.Is(err, ErrNoMatch) {
		return nil, nil
	}
	return out, err
}

type guardedKnowledgeBase struct {
	inner  KnowledgeBase
	caller *Caller
}

func (g *guardedKnowledgeBase) Name() string { return g.inner.Name() }

func (g *guardedKnowledgeBase) LookupByTitle(ctx context.Context, title string) (*models.Candidate, error) {
	var out *models.Candidate
	err := g.caller.Call(ctx, g.inner.Name(), func(ctx context.Context) error {
		var err error
		out, err = g.inner.LookupByTitle(ctx, title)
		return err
	})
	if errors.Is(err, ErrNoMatch) {
		return nil, nil
	}
	return out, err
}

type guardedCollection struct {
	inner  Collection
	caller *Caller
}

func (g *guardedCollection) Name() string { return g.inner.Name() }

func (g *guardedCollection) LookupByID(ctx context.Context, objectID string) (*models.Candidate, error) {
	var out *models.Candidate
	err := g.caller.Call(ctx, g.inner.Name(), func(ctx context.Context) error {
		var err error
		out, err = g.inner.LookupByID(ctx, objectID)
		return err
	})
	if errors.Is(err, ErrNoMatch) {
		return nil, nil
	}
	return out, err
}
