package storage

import (
	"fmt"
	"sync"
	"time"

	"github.com/zerodte/straddlebot/internal/models"
)

// MockStorage implements Interface for testing
type MockStorage struct {
	mu              sync.Mutex
	SaveError       error
	LoadError       error
	CloseError      error
	currentPosition *models.Position
	dailyPnL        map[string]float64
	entryAttempts   map[string]bool
	statistics      *Statistics
	history         []models.Position
	saveCallCount   int
}

// NewMockStorage creates a new mock storage for testing
func NewMockStorage() *MockStorage {
	return &MockStorage{
		dailyPnL:      make(map[string]float64),
		entryAttempts: make(map[string]bool),
		statistics:    &Statistics{},
	}
}

// Ensure MockStorage implements Interface
var _ Interface = (*MockStorage)(nil)

func (m *MockStorage) GetCurrentPosition() *models.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentPosition
}

func (m *MockStorage) SetCurrentPosition(pos *models.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveError != nil {
		return m.SaveError
	}
	m.currentPosition = pos
	m.saveCallCount++
	return nil
}

func (m *MockStorage) UpdateCurrentPosition(id string, fn func(pos *models.Position)) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos := m.currentPosition
	if pos == nil || pos.ID != id {
		return false, nil
	}
	fn(pos)
	m.saveCallCount++
	return true, m.SaveError
}

func (m *MockStorage) ClosePosition(finalPnL float64, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CloseError != nil {
		return m.CloseError
	}
	if m.currentPosition == nil {
		return ErrNoPosition
	}

	pos := m.currentPosition
	if pos.GetCurrentState() != models.StateClosed {
		if err := pos.TransitionState(models.StateClosed, models.ConditionCloseFilled); err != nil {
			return fmt.Errorf("failed to transition position to closed state: %w", err)
		}
	}
	pos.RealizedPnL = finalPnL
	if pos.ExitReason == "" {
		pos.ExitReason = reason
	}

	m.history = append(m.history, *pos)
	m.statistics.TotalTrades++
	m.statistics.TotalPnL += finalPnL
	if finalPnL > 0 {
		m.statistics.WinningTrades++
	} else {
		m.statistics.LosingTrades++
	}
	m.dailyPnL[time.Now().Format("2006-01-02")] += finalPnL
	m.currentPosition = nil
	return nil
}

func (m *MockStorage) MarkEntryAttempt(date string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveError != nil {
		return m.SaveError
	}
	m.entryAttempts[date] = true
	return nil
}

func (m *MockStorage) HasEntryAttempt(date string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entryAttempts[date]
}

func (m *MockStorage) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveCallCount++
	return m.SaveError
}

func (m *MockStorage) Load() error {
	return m.LoadError
}

func (m *MockStorage) GetHistory() []models.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	history := make([]models.Position, len(m.history))
	copy(history, m.history)
	return history
}

func (m *MockStorage) HasInHistory(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.history {
		if m.history[i].ID == id {
			return true
		}
	}
	return false
}

func (m *MockStorage) GetStatistics() *Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := *m.statistics
	return &stats
}

func (m *MockStorage) GetDailyPnL(date string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dailyPnL[date]
}

// SaveCallCount returns how many persisting calls were made.
func (m *MockStorage) SaveCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveCallCount
}
