package retry

import (
	"errors"
	"testing"
	"time"

	"github.com/zerodte/straddlebot/internal/broker"
)

func TestBackoff_GrowsAndCaps(t *testing.T) {
	b := NewBackoff(time.Second, 5*time.Second)

	first := b.Next()
	if first < time.Second || first > 1250*time.Millisecond {
		t.Errorf("first delay = %v, want ~1s with up to 25%% jitter", first)
	}

	// Growth is 1.5x per step; jitter adds at most 25%
	var last time.Duration
	for i := 0; i < 10; i++ {
		last = b.Next()
	}
	if last > 5*time.Second+(5*time.Second/4) {
		t.Errorf("delay %v exceeds cap with jitter", last)
	}
}

func TestBackoff_Reset(t *testing.T) {
	b := NewBackoff(time.Second, time.Minute)
	for i := 0; i < 5; i++ {
		b.Next()
	}
	b.Reset()
	if got := b.Next(); got > 1250*time.Millisecond {
		t.Errorf("delay after reset = %v, want ~1s", got)
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"timeout", errors.New("request timeout"), true},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"rate limited", &broker.APIError{Status: 429, Body: "slow down"}, true},
		{"server error", &broker.APIError{Status: 502, Body: "bad gateway"}, true},
		{"permanent 400", &broker.APIError{Status: 400, Body: "bad request"}, false},
		{"permanent 404", &broker.APIError{Status: 404, Body: "not found"}, false},
		{"validation error", errors.New("invalid quantity for order"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
