package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/fentz26/signet/internal/audit"
	"github.com/fentz26/signet/internal/models"
	"github.com/fentz26/signet/internal/runner"
	"github.com/fentz26/signet/internal/store"
	"github.com/fentz26/signet/internal/transport"
)

// okTransport answers every transport call successfully.
type okTransport struct{}

func (okTransport) SendText(ctx context.Context, chatID int64, text string) (*transport.SendResult, error) {
	return &transport.SendResult{MessageID: 1}, nil
}

func (okTransport) SendDice(ctx context.Context, chatID int64, emoji string) (*transport.SendResult, error) {
	return &transport.SendResult{MessageID: 2}, nil
}

func (okTransport) RecentControls(ctx context.Context, chatID int64, lookback int) ([]transport.Control, error) {
	return nil, nil
}

func (okTransport) InvokeControl(ctx context.Context, chatID int64, ctl transport.Control) error {
	return nil
}

func (okTransport) LatestInbound(ctx context.Context, chatID int64) (*transport.Inbound, error) {
	return nil, nil
}

func (okTransport) DeleteMessage(ctx context.Context, chatID int64, messageID int64) error {
	return nil
}

type okDialer struct{}

func (okDialer) Dial(ctx context.Context, sessionRef, proxy string) (transport.Transport, error) {
	return okTransport{}, nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	return s
}

func newTestScheduler(t *testing.T, s *store.Store) *Scheduler {
	t.Helper()
	aw := audit.NewWriter(s)
	r := runner.New(s, okDialer{}, nil, aw)
	r.SetTick(time.Millisecond)
	return New(s, r, aw, DefaultConfig())
}

func seedEnabledTask(t *testing.T, s *store.Store, name, accountID string, jitterSec int) *models.SignTask {
	t.Helper()
	task := &models.SignTask{
		Name:      name,
		AccountID: accountID,
		Cron:      "0 9 * * *",
		JitterSec: jitterSec,
		Enabled:   true,
		Chats: []models.ChatTarget{
			{ChatID: 1001, Actions: []models.Action{{Kind: models.ActionSendText, Text: "hi"}}},
		},
	}
	created, err := s.CreateTask(task)
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	return created
}

func TestComputeNextBounds(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	sch := newTestScheduler(t, s)

	task := &models.SignTask{Cron: "0 9 * * *", JitterSec: 300}
	from := time.Date(2025, 6, 1, 7, 0, 0, 0, time.UTC)
	aligned := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	// Jitter is resampled per call; every sample must stay in bounds.
	for i := 0; i < 50; i++ {
		at, err := sch.computeNext(task, from)
		if err != nil {
			t.Fatalf("computeNext failed: %v", err)
		}
		if at.Before(aligned) {
			t.Fatalf("Fire instant %v before cron-aligned %v", at, aligned)
		}
		if at.After(aligned.Add(300 * time.Second)) {
			t.Fatalf("Fire instant %v past jitter bound", at)
		}
	}
}

func TestComputeNextZeroJitter(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	sch := newTestScheduler(t, s)

	task := &models.SignTask{Cron: "30 8 * * *"}
	from := time.Date(2025, 6, 1, 7, 0, 0, 0, time.UTC)
	at, err := sch.computeNext(task, from)
	if err != nil {
		t.Fatalf("computeNext failed: %v", err)
	}
	want := time.Date(2025, 6, 1, 8, 30, 0, 0, time.UTC)
	if !at.Equal(want) {
		t.Errorf("Expected %v, got %v", want, at)
	}
}

func TestUpsertAndRemove(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	sch := newTestScheduler(t, s)

	acct, _ := s.CreateAccount("alice", "sess", "", models.AccountStatusActive)
	task := seedEnabledTask(t, s, "sign", acct.ID, 0)

	sch.Upsert(task)
	if _, ok := sch.NextFire(task.ID); !ok {
		t.Fatal("Upsert should register a pending fire")
	}

	sch.Remove(task.ID)
	if _, ok := sch.NextFire(task.ID); ok {
		t.Fatal("Remove should clear the pending fire")
	}
}

func TestUpsertDisabledRemoves(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	sch := newTestScheduler(t, s)

	acct, _ := s.CreateAccount("alice", "sess", "", models.AccountStatusActive)
	task := seedEnabledTask(t, s, "sign", acct.ID, 0)

	sch.Upsert(task)
	task.Enabled = false
	sch.Upsert(task)
	if _, ok := sch.NextFire(task.ID); ok {
		t.Fatal("Upserting a disabled task should remove its pending fire")
	}
}

func TestStaleEntriesDiscardedOnPop(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	sch := newTestScheduler(t, s)

	// Two pushes for the same task leave one stale heap entry behind.
	past := time.Now().Add(-time.Minute)
	sch.push("task-1", past)
	sch.push("task-1", past.Add(time.Second))

	due, _ := sch.collectDue(time.Now())
	if len(due) != 1 {
		t.Fatalf("Expected exactly 1 due firing, got %d", len(due))
	}
}

func TestCollectDueWaitsForFuture(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	sch := newTestScheduler(t, s)

	now := time.Now()
	sch.push("task-1", now.Add(10*time.Second))

	due, wait := sch.collectDue(now)
	if len(due) != 0 {
		t.Fatalf("Nothing should be due, got %v", due)
	}
	if wait <= 0 || wait > 10*time.Second {
		t.Errorf("Expected wait near 10s, got %v", wait)
	}
}

func TestMissedTriggerCatchUp(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	sch := newTestScheduler(t, s)
	sch.now = func() time.Time {
		return time.Date(2025, 6, 3, 12, 0, 0, 0, time.UTC)
	}

	acct, _ := s.CreateAccount("alice", "sess", "", models.AccountStatusActive)
	task := seedEnabledTask(t, s, "sign", acct.ID, 0)

	// Last run two days back; the 09:00 trigger since then was missed.
	old := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	s.AppendRun(&models.ExecutionRun{
		TaskID: task.ID, AccountID: acct.ID, Trigger: models.TriggerScheduled,
		Status: models.RunStatusSucceeded, ScheduledAt: old, StartedAt: old, FinishedAt: old,
	})

	sch.scheduleInitial(task)
	at, ok := sch.NextFire(task.ID)
	if !ok {
		t.Fatal("Catch-up should leave a pending fire")
	}
	if !at.Equal(sch.now()) {
		t.Errorf("Catch-up should fire immediately, got %v", at)
	}
}

func TestNoCatchUpWhenCurrent(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	sch := newTestScheduler(t, s)
	now := time.Date(2025, 6, 3, 10, 0, 0, 0, time.UTC)
	sch.now = func() time.Time { return now }

	acct, _ := s.CreateAccount("alice", "sess", "", models.AccountStatusActive)
	task := seedEnabledTask(t, s, "sign", acct.ID, 0)

	// Last run covered today's 09:00 trigger already.
	recent := time.Date(2025, 6, 3, 9, 0, 0, 0, time.UTC)
	s.AppendRun(&models.ExecutionRun{
		TaskID: task.ID, AccountID: acct.ID, Trigger: models.TriggerScheduled,
		Status: models.RunStatusSucceeded, ScheduledAt: recent, StartedAt: recent, FinishedAt: recent,
	})

	sch.scheduleInitial(task)
	at, ok := sch.NextFire(task.ID)
	if !ok {
		t.Fatal("Task should still be scheduled")
	}
	want := time.Date(2025, 6, 4, 9, 0, 0, 0, time.UTC)
	if !at.Equal(want) {
		t.Errorf("Expected next regular fire %v, got %v", want, at)
	}
}

func TestDispatchRunsTask(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	sch := newTestScheduler(t, s)

	acct, _ := s.CreateAccount("alice", "sess", "", models.AccountStatusActive)
	task := seedEnabledTask(t, s, "sign", acct.ID, 0)

	sch.dispatch(task.ID, time.Now().UTC())
	sch.wg.Wait()

	runs, _ := s.ListRuns(task.ID, 0)
	if len(runs) != 1 {
		t.Fatalf("Expected 1 run, got %d", len(runs))
	}
	if runs[0].Status != models.RunStatusSucceeded {
		t.Errorf("Expected succeeded, got %s (%s)", runs[0].Status, runs[0].Error)
	}
	if runs[0].Trigger != models.TriggerScheduled {
		t.Errorf("Expected scheduled trigger, got %s", runs[0].Trigger)
	}

	// Dispatch reinserts the next firing before running.
	if _, ok := sch.NextFire(task.ID); !ok {
		t.Error("Task should be rescheduled after dispatch")
	}
}

func TestDispatchSkipsDisabledAccount(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	sch := newTestScheduler(t, s)

	acct, _ := s.CreateAccount("alice", "sess", "", models.AccountStatusDisabled)
	task := seedEnabledTask(t, s, "sign", acct.ID, 0)

	sch.dispatch(task.ID, time.Now().UTC())
	sch.wg.Wait()

	// No run record at all; the block surfaces via account status.
	runs, _ := s.ListRuns(task.ID, 0)
	if len(runs) != 0 {
		t.Errorf("Expected no runs for a disabled account, got %d", len(runs))
	}
}

func TestSchedulerStartStop(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	sch := newTestScheduler(t, s)

	acct, _ := s.CreateAccount("alice", "sess", "", models.AccountStatusActive)
	task := seedEnabledTask(t, s, "sign", acct.ID, 60)

	if err := sch.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	// Boot scheduling registers the enabled task.
	deadline := time.After(2 * time.Second)
	for {
		if _, ok := sch.NextFire(task.ID); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("Enabled task never got scheduled at boot")
		case <-time.After(10 * time.Millisecond):
		}
	}
	sch.Stop()
}
