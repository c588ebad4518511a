package storage

import (
	"github.com/zerodte/straddlebot/internal/models"
)

// Interface defines the contract for position and trade data persistence.
//
// Implementations must be safe for concurrent use - callers can assume all
// methods are goroutine-safe and can safely call these methods from multiple
// goroutines.
//
// The provided JSONStorage implementation uses sync.RWMutex to serialize
// access, ensuring all Interface methods are protected for concurrent readers
// and writers.
type Interface interface {
	// Position management. UpdateCurrentPosition applies fn under the
	// storage lock and persists, but only while the current slot still
	// holds the position with the given id; it reports false, without
	// calling fn, once that position has been closed or replaced.
	GetCurrentPosition() *models.Position
	SetCurrentPosition(pos *models.Position) error
	UpdateCurrentPosition(id string, fn func(pos *models.Position)) (bool, error)
	ClosePosition(finalPnL float64, reason string) error

	// Entry idempotency; date is formatted as 2006-01-02 in the trading
	// timezone. An attempt is recorded the moment entry begins, so a crash
	// mid-entry never produces a second attempt on the same day.
	MarkEntryAttempt(date string) error
	HasEntryAttempt(date string) bool

	// Data persistence
	Save() error
	Load() error

	// Historical data and analytics
	GetHistory() []models.Position
	HasInHistory(id string) bool
	GetStatistics() *Statistics
	GetDailyPnL(date string) float64
}

// NewStorage creates a new storage implementation (currently JSON-based)
func NewStorage(filepath string) (Interface, error) {
	return NewJSONStorage(filepath)
}

// Ensure JSONStorage implements Interface
var _ Interface = (*JSONStorage)(nil)
