package storage

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/zerodte/straddlebot/internal/models"
)

func tempStore(t *testing.T) (*JSONStorage, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "positions.json")
	s, err := NewJSONStorage(path)
	if err != nil {
		t.Fatalf("NewJSONStorage: %v", err)
	}
	return s, path
}

func openPosition(t *testing.T) *models.Position {
	t.Helper()
	pos := models.NewPosition("pos-1", "SPX", 5860, time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC), 1)
	pos.Call.Symbol = "SPXW260115C05860000"
	pos.Put.Symbol = "SPXW260115P05860000"
	pos.Call.OrderID = 1001
	pos.Put.OrderID = 1002
	pos.Call.SetFillPrice(5.20)
	pos.Put.SetFillPrice(4.80)
	for _, tr := range []struct {
		to   models.PositionState
		cond string
	}{
		{models.StateEntering, models.ConditionEntryTriggered},
		{models.StateOpen, models.ConditionLegsSubmitted},
	} {
		if err := pos.TransitionState(tr.to, tr.cond); err != nil {
			t.Fatalf("transition: %v", err)
		}
	}
	return pos
}

func TestJSONStorage_RoundTrip(t *testing.T) {
	s, path := tempStore(t)

	pos := openPosition(t)
	if err := s.SetCurrentPosition(pos); err != nil {
		t.Fatalf("SetCurrentPosition: %v", err)
	}

	// Fresh instance reads the same snapshot
	s2, err := NewJSONStorage(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got := s2.GetCurrentPosition()
	if got == nil {
		t.Fatal("expected a current position after reload")
	}
	if got.ID != "pos-1" || got.State != models.StateOpen {
		t.Errorf("reloaded position = %s in %s", got.ID, got.State)
	}
	if got.Call.FillPrice != 5.20 {
		t.Errorf("call fill price = %v, want 5.20", got.Call.FillPrice)
	}
}

func TestJSONStorage_ClosePosition(t *testing.T) {
	s, _ := tempStore(t)

	pos := openPosition(t)
	if err := pos.TransitionState(models.StateClosing, models.ConditionExitTriggered); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := s.SetCurrentPosition(pos); err != nil {
		t.Fatalf("SetCurrentPosition: %v", err)
	}

	if err := s.ClosePosition(210.00, "target"); err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}

	if s.GetCurrentPosition() != nil {
		t.Error("current position should be cleared after close")
	}
	history := s.GetHistory()
	if len(history) != 1 {
		t.Fatalf("history length = %d, want 1", len(history))
	}
	if history[0].RealizedPnL != 210.00 || history[0].ExitReason != "target" {
		t.Errorf("archived position = %+v", history[0])
	}
	if !s.HasInHistory("pos-1") {
		t.Error("HasInHistory should find the archived position")
	}

	stats := s.GetStatistics()
	if stats.TotalTrades != 1 || stats.WinningTrades != 1 {
		t.Errorf("stats = %+v", stats)
	}

	day := history[0].ExitTime.Format("2006-01-02")
	if got := s.GetDailyPnL(day); got != 210.00 {
		t.Errorf("daily pnl = %v, want 210.00", got)
	}
}

func TestJSONStorage_ClosePosition_NoPosition(t *testing.T) {
	s, _ := tempStore(t)
	if err := s.ClosePosition(0, "target"); !errors.Is(err, ErrNoPosition) {
		t.Errorf("error = %v, want ErrNoPosition", err)
	}
}

func TestJSONStorage_EntryAttempts(t *testing.T) {
	s, path := tempStore(t)

	if s.HasEntryAttempt("2026-01-15") {
		t.Error("no attempt should be recorded yet")
	}
	if err := s.MarkEntryAttempt("2026-01-15"); err != nil {
		t.Fatalf("MarkEntryAttempt: %v", err)
	}
	if !s.HasEntryAttempt("2026-01-15") {
		t.Error("attempt should be recorded")
	}

	// The attempt marker survives a restart
	s2, err := NewJSONStorage(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !s2.HasEntryAttempt("2026-01-15") {
		t.Error("attempt should survive reload")
	}
	if s2.HasEntryAttempt("2026-01-16") {
		t.Error("other days should not be marked")
	}
}

func TestJSONStorage_SchemaVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "positions.json")
	raw, _ := json.Marshal(map[string]interface{}{"schema_version": 99})
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("writing snapshot: %v", err)
	}

	_, err := NewJSONStorage(path)
	if !errors.Is(err, ErrSchemaVersion) {
		t.Errorf("error = %v, want ErrSchemaVersion", err)
	}
}

func TestJSONStorage_AtomicSaveLeavesNoTempFile(t *testing.T) {
	s, path := tempStore(t)
	if err := s.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file should be renamed away after save")
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("snapshot file missing: %v", err)
	}
}

func TestJSONStorage_LosingTradeStatistics(t *testing.T) {
	s, _ := tempStore(t)

	pos := openPosition(t)
	if err := pos.TransitionState(models.StateClosing, models.ConditionExitTriggered); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := s.SetCurrentPosition(pos); err != nil {
		t.Fatalf("SetCurrentPosition: %v", err)
	}
	if err := s.ClosePosition(-500.00, "stop"); err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}

	stats := s.GetStatistics()
	if stats.LosingTrades != 1 || stats.CurrentStreak != -1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.MaxDrawdown != -500.00 {
		t.Errorf("MaxDrawdown = %v, want -500", stats.MaxDrawdown)
	}
}
