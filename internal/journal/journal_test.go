package journal

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"aeternum/internal/domain"
)

// openTemp opens a journal backed by a fresh file in t.TempDir.
func openTemp(t *testing.T) *Journal {
	t.Helper()
	url := "file:" + filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(context.Background(), url)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

// =============================================================================
// Connect tests
// =============================================================================

func TestConnect_WhenValidFileURL_ShouldReturnPingableDB(t *testing.T) {
	conn, err := Connect(context.Background(), "file:connect.db?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	defer conn.Close()
	if err := conn.Ping(); err != nil {
		t.Fatalf("expected successful ping, got: %v", err)
	}
}

func TestConnect_WhenEmptyURL_ShouldReturnErrEmptyURL(t *testing.T) {
	if _, err := Connect(context.Background(), ""); !errors.Is(err, ErrEmptyURL) {
		t.Fatalf("want ErrEmptyURL, got %v", err)
	}
}

func TestConnect_WhenInvalidURL_ShouldReturnError(t *testing.T) {
	conn, err := Connect(context.Background(), "file:/dev/null/impossible.db")
	if err == nil {
		conn.Close()
		t.Fatal("expected error for invalid file URL, got nil")
	}
}

func TestConnect_WhenDriverUnknown_ShouldReturnOpenError(t *testing.T) {
	old := driverName
	driverName = "no-such-driver"
	defer func() { driverName = old }()

	if _, err := Connect(context.Background(), "file:x.db"); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestOpen_WhenConnectFails_ShouldReturnError(t *testing.T) {
	if _, err := Open(context.Background(), ""); !errors.Is(err, ErrEmptyURL) {
		t.Fatalf("want ErrEmptyURL, got %v", err)
	}
}

func TestOpen_ShouldBeIdempotentAcrossRestarts(t *testing.T) {
	url := "file:" + filepath.Join(t.TempDir(), "journal.db")
	j1, err := Open(context.Background(), url)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	j1.RecordAction(domain.ActionLogEntry{ID: "a1", Action: "status", Result: "ok", Success: true, Time: time.Now()})
	j1.Close()

	j2, err := Open(context.Background(), url)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer j2.Close()
	got, err := j2.RecentActions(context.Background(), 10)
	if err != nil || len(got) != 1 || got[0].ID != "a1" {
		t.Fatalf("after restart: %+v, %v", got, err)
	}
}

func TestNew_WhenDBNil_ShouldPanic(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	New(context.Background(), nil)
}

// =============================================================================
// Recording
// =============================================================================

func TestJournal_RecordNotification_ShouldReturnNewestFirst(t *testing.T) {
	j := openTemp(t)
	t0 := time.UnixMilli(1_700_000_000_000)
	for i, lvl := range []domain.Level{domain.LevelInfo, domain.LevelWarning, domain.LevelError} {
		err := j.RecordNotification(domain.Notification{
			ID: fmt.Sprintf("n%d", i), Message: fmt.Sprintf("msg %d", i), Level: lvl, Time: t0.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("RecordNotification: %v", err)
		}
	}

	got, err := j.RecentNotifications(context.Background(), 2)
	if err != nil {
		t.Fatalf("RecentNotifications: %v", err)
	}
	if len(got) != 2 || got[0].ID != "n2" || got[1].ID != "n1" {
		t.Fatalf("want n2,n1, got %+v", got)
	}
	if got[0].Level != domain.LevelError || !got[0].Time.Equal(t0.Add(2*time.Second)) {
		t.Errorf("newest: %+v", got[0])
	}
}

func TestJournal_RecordAction_ShouldKeepSuccessFlag(t *testing.T) {
	j := openTemp(t)
	now := time.UnixMilli(1_700_000_000_000)
	j.RecordAction(domain.ActionLogEntry{ID: "a1", Action: "health_check", Result: "all green", Success: true, Time: now})
	j.RecordAction(domain.ActionLogEntry{ID: "a2", Action: "run_backtest", Result: "disabled", Success: false, Time: now.Add(time.Second)})

	got, err := j.RecentActions(context.Background(), 10)
	if err != nil {
		t.Fatalf("RecentActions: %v", err)
	}
	if len(got) != 2 || got[0].ID != "a2" || got[0].Success || !got[1].Success {
		t.Fatalf("actions: %+v", got)
	}

	st, err := j.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st != (Stats{Notifications: 0, Actions: 2, Failed: 1}) {
		t.Errorf("stats: %+v", st)
	}
}

func TestJournal_WhenDuplicateID_ShouldIgnore(t *testing.T) {
	j := openTemp(t)
	n := domain.Notification{ID: "dup", Message: "first", Level: domain.LevelInfo, Time: time.Now()}
	if err := j.RecordNotification(n); err != nil {
		t.Fatal(err)
	}
	n.Message = "second"
	if err := j.RecordNotification(n); err != nil {
		t.Fatalf("duplicate should be ignored, got %v", err)
	}
	got, _ := j.RecentNotifications(context.Background(), 10)
	if len(got) != 1 || got[0].Message != "first" {
		t.Errorf("got %+v", got)
	}
}

func TestJournal_Recent_WhenLimitNotPositive_ShouldReturnEmpty(t *testing.T) {
	j := openTemp(t)
	ns, err := j.RecentNotifications(context.Background(), 0)
	if err != nil || ns == nil || len(ns) != 0 {
		t.Errorf("notifications: %v, %v", ns, err)
	}
	as, err := j.RecentActions(context.Background(), -1)
	if err != nil || as == nil || len(as) != 0 {
		t.Errorf("actions: %v, %v", as, err)
	}
}

func TestJournal_Prune_ShouldDeleteOlderEntries(t *testing.T) {
	j := openTemp(t)
	old := time.UnixMilli(1_600_000_000_000)
	recent := time.UnixMilli(1_700_000_000_000)
	j.RecordNotification(domain.Notification{ID: "old", Message: "m", Level: domain.LevelInfo, Time: old})
	j.RecordNotification(domain.Notification{ID: "new", Message: "m", Level: domain.LevelInfo, Time: recent})
	j.RecordAction(domain.ActionLogEntry{ID: "old", Action: "a", Time: old})

	n, err := j.Prune(context.Background(), recent.Add(-time.Hour))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 2 {
		t.Errorf("pruned: want 2, got %d", n)
	}
	st, _ := j.Stats(context.Background())
	if st.Notifications != 1 || st.Actions != 0 {
		t.Errorf("after prune: %+v", st)
	}
}

func TestJournal_WhenClosed_ShouldReturnErrors(t *testing.T) {
	j := openTemp(t)
	j.Close()

	if err := j.RecordNotification(domain.Notification{ID: "x", Time: time.Now()}); err == nil {
		t.Error("RecordNotification on closed db: want error")
	}
	if err := j.RecordAction(domain.ActionLogEntry{ID: "x", Time: time.Now()}); err == nil {
		t.Error("RecordAction on closed db: want error")
	}
	if _, err := j.RecentNotifications(context.Background(), 1); err == nil {
		t.Error("RecentNotifications on closed db: want error")
	}
	if _, err := j.RecentActions(context.Background(), 1); err == nil {
		t.Error("RecentActions on closed db: want error")
	}
	if _, err := j.Stats(context.Background()); err == nil {
		t.Error("Stats on closed db: want error")
	}
	if _, err := j.Prune(context.Background(), time.Now()); err == nil {
		t.Error("Prune on closed db: want error")
	}
}

func TestJournal_ShouldImplementRecorder(t *testing.T) {
	var _ domain.Recorder = &Journal{}
}
