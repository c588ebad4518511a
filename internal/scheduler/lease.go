package scheduler

import (
	"sync"
	"time"
)

// Lease is an advisory in-process guard around the entry sequence. It keeps
// an overlapping trigger from starting a duplicate entry while one is in
// flight, and it expires so a hung attempt cannot block the window forever.
type Lease struct {
	mu       sync.Mutex
	holder   string
	acquired time.Time
	ttl      time.Duration
	now      func() time.Time
}

// NewLease creates a lease with the given expiry.
func NewLease(ttl time.Duration) *Lease {
	return &Lease{ttl: ttl, now: time.Now}
}

// TryAcquire takes the lease when it is free or the previous holder's TTL
// has lapsed.
func (l *Lease) TryAcquire(holder string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if l.holder != "" && now.Sub(l.acquired) < l.ttl {
		return false
	}
	l.holder = holder
	l.acquired = now
	return true
}

// Release frees the lease if it is still held by the given holder. A release
// after expiry and reacquisition by someone else is a no-op.
func (l *Lease) Release(holder string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder == holder {
		l.holder = ""
	}
}

// Holder returns the current unexpired holder, or empty when free.
func (l *Lease) Holder() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder != "" && l.now().Sub(l.acquired) >= l.ttl {
		return ""
	}
	return l.holder
}
