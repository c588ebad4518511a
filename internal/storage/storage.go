// Package storage persists the bot's single-position state as a JSON
// snapshot on disk. Writes go through a temp file and rename so a crash
// mid-save never leaves a torn snapshot.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/zerodte/straddlebot/internal/models"
)

// schemaVersion is bumped whenever snapshotData changes shape incompatibly.
const schemaVersion = 1

// JSONStorage is the file-backed Interface implementation.
type JSONStorage struct {
	mu       sync.RWMutex
	filepath string
	data     *snapshotData
}

type snapshotData struct {
	SchemaVersion   int                `json:"schema_version"`
	LastUpdated     time.Time          `json:"last_updated"`
	CurrentPosition *models.Position   `json:"current_position"`
	History         []models.Position  `json:"history"`
	DailyPnL        map[string]float64 `json:"daily_pnl"`
	EntryAttempts   map[string]bool    `json:"entry_attempts"`
	Statistics      *Statistics        `json:"statistics"`
}

// Statistics aggregates closed-trade outcomes.
type Statistics struct {
	TotalTrades   int     `json:"total_trades"`
	WinningTrades int     `json:"winning_trades"`
	LosingTrades  int     `json:"losing_trades"`
	WinRate       float64 `json:"win_rate"`
	TotalPnL      float64 `json:"total_pnl"`
	AverageWin    float64 `json:"average_win"`
	AverageLoss   float64 `json:"average_loss"`
	MaxDrawdown   float64 `json:"max_drawdown"`
	CurrentStreak int     `json:"current_streak"`
}

// NewJSONStorage creates a JSON storage backed by the given file, loading any
// existing snapshot.
func NewJSONStorage(filepath string) (*JSONStorage, error) {
	s := &JSONStorage{
		filepath: filepath,
		data:     newSnapshotData(),
	}

	if _, err := os.Stat(filepath); err == nil {
		if err := s.Load(); err != nil {
			return nil, fmt.Errorf("loading storage: %w", err)
		}
	}

	return s, nil
}

func newSnapshotData() *snapshotData {
	return &snapshotData{
		SchemaVersion: schemaVersion,
		DailyPnL:      make(map[string]float64),
		EntryAttempts: make(map[string]bool),
		Statistics:    &Statistics{},
	}
}

// Load replaces in-memory state with the on-disk snapshot.
func (s *JSONStorage) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.filepath)
	if err != nil {
		return err
	}

	loaded := newSnapshotData()
	if err := json.Unmarshal(raw, loaded); err != nil {
		return err
	}
	if loaded.SchemaVersion > schemaVersion {
		return fmt.Errorf("%w: snapshot has version %d, this build supports %d",
			ErrSchemaVersion, loaded.SchemaVersion, schemaVersion)
	}
	loaded.SchemaVersion = schemaVersion
	if loaded.DailyPnL == nil {
		loaded.DailyPnL = make(map[string]float64)
	}
	if loaded.EntryAttempts == nil {
		loaded.EntryAttempts = make(map[string]bool)
	}
	if loaded.Statistics == nil {
		loaded.Statistics = &Statistics{}
	}

	s.data = loaded
	return nil
}

// Save writes the full snapshot to disk.
func (s *JSONStorage) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *JSONStorage) saveLocked() error {
	s.data.LastUpdated = time.Now()

	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}

	// Write to temp file first, then rename for atomicity
	tmpFile := s.filepath + ".tmp"
	if err := os.WriteFile(tmpFile, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpFile, s.filepath)
}

// GetCurrentPosition returns the single tracked position, or nil.
func (s *JSONStorage) GetCurrentPosition() *models.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.CurrentPosition
}

// SetCurrentPosition replaces the tracked position and persists immediately.
func (s *JSONStorage) SetCurrentPosition(pos *models.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data.CurrentPosition = pos
	return s.saveLocked()
}

// UpdateCurrentPosition mutates the tracked position in place and persists
// the result. Writers that raced a close cannot resurrect an archived
// position: the update is skipped when the slot no longer holds id.
func (s *JSONStorage) UpdateCurrentPosition(id string, fn func(pos *models.Position)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos := s.data.CurrentPosition
	if pos == nil || pos.ID != id {
		return false, nil
	}
	fn(pos)
	return true, s.saveLocked()
}

// ClosePosition archives the current position with its final P&L. The
// position must already be in (or able to reach) the closed state.
func (s *JSONStorage) ClosePosition(finalPnL float64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos := s.data.CurrentPosition
	if pos == nil {
		return ErrNoPosition
	}

	if pos.GetCurrentState() != models.StateClosed {
		if err := pos.TransitionState(models.StateClosed, models.ConditionCloseFilled); err != nil {
			return fmt.Errorf("failed to transition position to closed state: %w", err)
		}
	}
	pos.RealizedPnL = finalPnL
	if pos.ExitReason == "" {
		pos.ExitReason = reason
	}

	s.data.History = append(s.data.History, *pos)
	s.updateStatistics(finalPnL)

	day := pos.ExitTime
	if day.IsZero() {
		day = time.Now()
	}
	s.data.DailyPnL[day.Format("2006-01-02")] += finalPnL

	s.data.CurrentPosition = nil
	return s.saveLocked()
}

// MarkEntryAttempt records that an entry was started on the given day and
// persists before returning.
func (s *JSONStorage) MarkEntryAttempt(date string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data.EntryAttempts[date] = true
	return s.saveLocked()
}

// HasEntryAttempt reports whether an entry was already started on the given day.
func (s *JSONStorage) HasEntryAttempt(date string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.EntryAttempts[date]
}

// GetHistory returns all closed positions.
func (s *JSONStorage) GetHistory() []models.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := make([]models.Position, len(s.data.History))
	copy(history, s.data.History)
	return history
}

// HasInHistory reports whether a position ID exists in the closed log.
func (s *JSONStorage) HasInHistory(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := range s.data.History {
		if s.data.History[i].ID == id {
			return true
		}
	}
	return false
}

// GetStatistics returns aggregate closed-trade statistics.
func (s *JSONStorage) GetStatistics() *Statistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := *s.data.Statistics
	return &stats
}

// GetDailyPnL returns realized P&L for a date formatted as 2006-01-02.
func (s *JSONStorage) GetDailyPnL(date string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.DailyPnL[date]
}

func (s *JSONStorage) updateStatistics(pnl float64) {
	stats := s.data.Statistics
	stats.TotalTrades++
	stats.TotalPnL += pnl

	if pnl > 0 {
		stats.WinningTrades++
		if stats.CurrentStreak >= 0 {
			stats.CurrentStreak++
		} else {
			stats.CurrentStreak = 1
		}
		totalWins := stats.AverageWin*float64(stats.WinningTrades-1) + pnl
		stats.AverageWin = totalWins / float64(stats.WinningTrades)
	} else {
		stats.LosingTrades++
		if stats.CurrentStreak <= 0 {
			stats.CurrentStreak--
		} else {
			stats.CurrentStreak = -1
		}
		totalLosses := stats.AverageLoss*float64(stats.LosingTrades-1) + pnl
		stats.AverageLoss = totalLosses / float64(stats.LosingTrades)
	}

	if stats.TotalTrades > 0 {
		stats.WinRate = float64(stats.WinningTrades) / float64(stats.TotalTrades)
	}

	if pnl < 0 && pnl < stats.MaxDrawdown {
		stats.MaxDrawdown = pnl
	}
}
