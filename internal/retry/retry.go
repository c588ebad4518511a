// Package retry provides bounded backoff helpers for transient broker and
// stream failures. Order placement itself is never retried; only idempotent
// reads and reconnects go through here.
package retry

import (
	"crypto/rand"
	"errors"
	"log"
	"math/big"
	"strings"
	"time"

	"github.com/zerodte/straddlebot/internal/broker"
)

// Backoff produces jittered, capped delays growing by 1.5x per step.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration

	current time.Duration
}

// NewBackoff creates a backoff starting at initial and capped at max.
func NewBackoff(initial, max time.Duration) *Backoff {
	return &Backoff{Initial: initial, Max: max}
}

// Next returns the next delay. The first call returns roughly the initial
// delay; each subsequent call grows it until the cap.
func (b *Backoff) Next() time.Duration {
	if b.current == 0 {
		b.current = b.Initial
	} else {
		b.current = time.Duration(float64(b.current) * 1.5)
	}
	if b.current > b.Max {
		b.current = b.Max
	}
	return withJitter(b.current)
}

// Reset restarts the growth from the initial delay.
func (b *Backoff) Reset() {
	b.current = 0
}

func withJitter(d time.Duration) time.Duration {
	maxJitter := int64(d / 4)
	if maxJitter <= 0 {
		return d
	}
	jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
	if err != nil {
		log.Printf("Failed to generate jitter: %v", err)
		return d
	}
	return d + time.Duration(jitterVal.Int64())
}

// IsTransient reports whether an error is worth retrying. Permanent API
// errors (4xx except 429) never are.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *broker.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Status == 429:
			return true
		case apiErr.Status >= 500:
			return true
		case apiErr.Status >= 400:
			return false
		}
	}

	errStr := strings.ToLower(err.Error())

	transientPatterns := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"server error",
		"rate limit",
		"429", // HTTP 429 Too Many Requests
		"502", // HTTP 502 Bad Gateway
		"503", // HTTP 503 Service Unavailable
		"504", // HTTP 504 Gateway Timeout
		"network",
		"dns",
		"tcp",
	}

	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}
