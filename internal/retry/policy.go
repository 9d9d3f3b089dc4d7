package retry

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"time"

	"github.com/epifetch/epifetch/internal/task"
	"github.com/epifetch/epifetch/internal/transport"
)

// Class is the retry policy's verdict on a transport failure.
type Class int

const (
	ClassTransient Class = iota
	ClassTerminal
)

func (c Class) String() string {
	if c == ClassTransient {
		return "transient"
	}
	return "terminal"
}

// Policy is the sole authority on retry-vs-terminal decisions. The
// scheduler never retries a task the policy marked terminal.
type Policy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// NewPolicy returns a policy with the given base delay between retries.
func NewPolicy(baseDelay time.Duration) *Policy {
	if baseDelay <= 0 {
		baseDelay = 2 * time.Second
	}
	return &Policy{
		BaseDelay: baseDelay,
		MaxDelay:  2 * time.Minute,
	}
}

// Classify decides whether err is worth retrying. Network-level failures
// and server-side status codes are transient; malformed requests and
// storage failures are terminal since retrying cannot change them.
func (p *Policy) Classify(err error) Class {
	if err == nil {
		return ClassTransient
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassTerminal
	}

	var terr *transport.Error
	if errors.As(err, &terr) {
		switch terr.Kind {
		case transport.KindConnection, transport.KindTimeout, transport.KindTLS, transport.KindTruncated:
			return ClassTransient
		case transport.KindHTTPStatus:
			if terr.Status >= 500 || terr.Status == http.StatusTooManyRequests {
				return ClassTransient
			}
			return ClassTerminal
		case transport.KindStorage, transport.KindValidation:
			return ClassTerminal
		}
	}

	// Unclassified failures get the benefit of the doubt; the retry
	// budget still bounds them.
	return ClassTransient
}

// ShouldRetry reports whether t has budget left and its last failure was
// transient.
func (p *Policy) ShouldRetry(t *task.Task) bool {
	if t.GetRetryCount() >= int(t.RetryBudget) {
		return false
	}

	_, transient := t.LastFailure()
	return transient
}

// Backoff calculates the delay before the next attempt, growing
// exponentially with jitter to avoid thundering herds.
func (p *Policy) Backoff(retryCount int) time.Duration {
	delay := p.BaseDelay * (1 << uint(retryCount))

	// Jitter between 75% and 125% of the computed delay
	jitterFactor := 0.75 + 0.5*rand.Float64()
	jitter := time.Duration(float64(delay) * jitterFactor)

	if jitter > p.MaxDelay {
		jitter = p.MaxDelay
	}

	return jitter
}
