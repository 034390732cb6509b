package runner

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/fentz26/signet/internal/audit"
	"github.com/fentz26/signet/internal/models"
	"github.com/fentz26/signet/internal/store"
	"github.com/fentz26/signet/internal/transport"
)

// blockingTransport succeeds every call; SendText optionally parks on
// release so tests can hold a run in flight.
type blockingTransport struct {
	release chan struct{}
	started chan struct{}
	failIDs map[int64]bool
}

func (b *blockingTransport) SendText(ctx context.Context, chatID int64, text string) (*transport.SendResult, error) {
	if b.failIDs[chatID] {
		return nil, errors.New("send rejected")
	}
	if b.started != nil {
		select {
		case b.started <- struct{}{}:
		default:
		}
	}
	if b.release != nil {
		select {
		case <-b.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &transport.SendResult{MessageID: 101}, nil
}

func (b *blockingTransport) SendDice(ctx context.Context, chatID int64, emoji string) (*transport.SendResult, error) {
	return &transport.SendResult{MessageID: 102}, nil
}

func (b *blockingTransport) RecentControls(ctx context.Context, chatID int64, lookback int) ([]transport.Control, error) {
	return nil, nil
}

func (b *blockingTransport) InvokeControl(ctx context.Context, chatID int64, ctl transport.Control) error {
	return nil
}

func (b *blockingTransport) LatestInbound(ctx context.Context, chatID int64) (*transport.Inbound, error) {
	return nil, nil
}

func (b *blockingTransport) DeleteMessage(ctx context.Context, chatID int64, messageID int64) error {
	return nil
}

// fakeDialer hands out one shared transport, or fails outright.
type fakeDialer struct {
	tp      transport.Transport
	dialErr error
}

func (f *fakeDialer) Dial(ctx context.Context, sessionRef, proxy string) (transport.Transport, error) {
	if f.dialErr != nil {
		return nil, f.dialErr
	}
	return f.tp, nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	return s
}

func seedTask(t *testing.T, s *store.Store, name string, accountID string, chatIDs ...int64) *models.SignTask {
	t.Helper()
	task := &models.SignTask{
		Name:      name,
		AccountID: accountID,
		Cron:      "0 9 * * *",
		Enabled:   true,
	}
	for _, id := range chatIDs {
		task.Chats = append(task.Chats, models.ChatTarget{
			ChatID:  id,
			Actions: []models.Action{{Kind: models.ActionSendText, Text: "hi"}},
		})
	}
	created, err := s.CreateTask(task)
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	return created
}

func newTestRunner(t *testing.T, s *store.Store, d transport.Dialer) *Runner {
	t.Helper()
	r := New(s, d, nil, audit.NewWriter(s))
	r.SetTick(time.Millisecond)
	return r
}

func TestRunTaskSuccess(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	acct, _ := s.CreateAccount("alice", "sess", "", models.AccountStatusActive)
	task := seedTask(t, s, "sign", acct.ID, 1001, 1002)

	r := newTestRunner(t, s, &fakeDialer{tp: &blockingTransport{}})

	run, err := r.RunTask(context.Background(), task.ID, models.TriggerManual, time.Now().UTC())
	if err != nil {
		t.Fatalf("RunTask failed: %v", err)
	}
	if run.Status != models.RunStatusSucceeded {
		t.Fatalf("Expected succeeded, got %s (%s)", run.Status, run.Error)
	}
	if run.Trigger != models.TriggerManual {
		t.Errorf("Expected manual trigger, got %s", run.Trigger)
	}
	if len(run.Chats) != 2 || run.Chats[0].ChatID != 1001 || run.Chats[1].ChatID != 1002 {
		t.Errorf("Chat outcomes out of order: %+v", run.Chats)
	}

	// The run must be persisted.
	runs, _ := s.ListRuns(task.ID, 0)
	if len(runs) != 1 || runs[0].ID != run.ID {
		t.Errorf("Run was not persisted: %+v", runs)
	}
}

func TestRunTaskNotFound(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	r := newTestRunner(t, s, &fakeDialer{tp: &blockingTransport{}})

	_, err := r.RunTask(context.Background(), "missing", models.TriggerManual, time.Now().UTC())
	if !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("Expected ErrTaskNotFound, got %v", err)
	}
}

func TestRunTaskAccountDisabled(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	acct, _ := s.CreateAccount("alice", "sess", "", models.AccountStatusDisabled)
	task := seedTask(t, s, "sign", acct.ID, 1001)

	r := newTestRunner(t, s, &fakeDialer{tp: &blockingTransport{}})

	_, err := r.RunTask(context.Background(), task.ID, models.TriggerScheduled, time.Now().UTC())
	if !errors.Is(err, ErrAccountDisabled) {
		t.Fatalf("Expected ErrAccountDisabled, got %v", err)
	}

	// A rejected firing produces no run record.
	runs, _ := s.ListRuns(task.ID, 0)
	if len(runs) != 0 {
		t.Errorf("Expected no runs, got %d", len(runs))
	}
}

func TestRunTaskSkipsWhileRunning(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	acct, _ := s.CreateAccount("alice", "sess", "", models.AccountStatusActive)
	task := seedTask(t, s, "sign", acct.ID, 1001)

	tp := &blockingTransport{release: make(chan struct{}), started: make(chan struct{}, 1)}
	r := newTestRunner(t, s, &fakeDialer{tp: tp})

	done := make(chan *models.ExecutionRun, 1)
	go func() {
		run, _ := r.RunTask(context.Background(), task.ID, models.TriggerScheduled, time.Now().UTC())
		done <- run
	}()

	<-tp.started
	if !r.IsRunning(task.ID) {
		t.Error("IsRunning should report the in-flight run")
	}

	// Second firing while the first is parked in SendText.
	skipped, err := r.RunTask(context.Background(), task.ID, models.TriggerManual, time.Now().UTC())
	if err != nil {
		t.Fatalf("Concurrent RunTask failed: %v", err)
	}
	if skipped.Status != models.RunStatusSkipped {
		t.Fatalf("Expected skipped, got %s", skipped.Status)
	}

	close(tp.release)
	first := <-done
	if first.Status != models.RunStatusSucceeded {
		t.Fatalf("First run should succeed, got %s (%s)", first.Status, first.Error)
	}

	// Both the real run and the skip are in history.
	runs, _ := s.ListRuns(task.ID, 0)
	if len(runs) != 2 {
		t.Errorf("Expected 2 run records, got %d", len(runs))
	}
}

func TestRunTaskAccountExclusivity(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	acct, _ := s.CreateAccount("alice", "sess", "", models.AccountStatusActive)
	taskA := seedTask(t, s, "sign-a", acct.ID, 1001)
	taskB := seedTask(t, s, "sign-b", acct.ID, 2002)

	tp := &blockingTransport{release: make(chan struct{}), started: make(chan struct{}, 1)}
	r := newTestRunner(t, s, &fakeDialer{tp: tp})

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.RunTask(context.Background(), taskA.ID, models.TriggerScheduled, time.Now().UTC())
	}()

	<-tp.started
	if !r.IsAccountBusy(acct.ID) {
		t.Error("IsAccountBusy should report the in-flight run")
	}

	// A different task on the same account must skip, not wait.
	skipped, err := r.RunTask(context.Background(), taskB.ID, models.TriggerScheduled, time.Now().UTC())
	if err != nil {
		t.Fatalf("RunTask failed: %v", err)
	}
	if skipped.Status != models.RunStatusSkipped {
		t.Fatalf("Expected skipped, got %s", skipped.Status)
	}

	close(tp.release)
	<-done

	// After the first run finishes the account frees up.
	run, err := r.RunTask(context.Background(), taskB.ID, models.TriggerScheduled, time.Now().UTC())
	if err != nil {
		t.Fatalf("RunTask after release failed: %v", err)
	}
	if run.Status != models.RunStatusSucceeded {
		t.Errorf("Expected succeeded after lock release, got %s", run.Status)
	}
}

func TestRunTaskDialFailure(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	acct, _ := s.CreateAccount("alice", "sess", "", models.AccountStatusActive)
	task := seedTask(t, s, "sign", acct.ID, 1001)

	r := newTestRunner(t, s, &fakeDialer{dialErr: transport.ErrNotAuthorized})

	run, err := r.RunTask(context.Background(), task.ID, models.TriggerScheduled, time.Now().UTC())
	if err != nil {
		t.Fatalf("Dial failure should produce a failed run, not an error: %v", err)
	}
	if run.Status != models.RunStatusFailed {
		t.Fatalf("Expected failed, got %s", run.Status)
	}
	if run.Error == "" {
		t.Error("Failed run should carry the session error")
	}
}

func TestRunTaskChatFailureIsolation(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	acct, _ := s.CreateAccount("alice", "sess", "", models.AccountStatusActive)
	task := seedTask(t, s, "sign", acct.ID, 1001, 2002, 3003)

	tp := &blockingTransport{failIDs: map[int64]bool{2002: true}}
	r := newTestRunner(t, s, &fakeDialer{tp: tp})

	run, err := r.RunTask(context.Background(), task.ID, models.TriggerScheduled, time.Now().UTC())
	if err != nil {
		t.Fatalf("RunTask failed: %v", err)
	}
	if run.Status != models.RunStatusFailed {
		t.Fatalf("Expected failed overall status, got %s", run.Status)
	}
	if len(run.Chats) != 3 {
		t.Fatalf("All chats should run despite the middle failure, got %d", len(run.Chats))
	}
	if !run.Chats[0].Success || run.Chats[1].Success || !run.Chats[2].Success {
		t.Errorf("Wrong per-chat outcomes: %+v", run.Chats)
	}
}

func TestLockReleasedAfterRun(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	acct, _ := s.CreateAccount("alice", "sess", "", models.AccountStatusActive)
	task := seedTask(t, s, "sign", acct.ID, 1001)

	r := newTestRunner(t, s, &fakeDialer{tp: &blockingTransport{}})

	for i := 0; i < 3; i++ {
		run, err := r.RunTask(context.Background(), task.ID, models.TriggerManual, time.Now().UTC())
		if err != nil {
			t.Fatalf("RunTask %d failed: %v", i, err)
		}
		if run.Status != models.RunStatusSucceeded {
			t.Fatalf("Sequential run %d should succeed, got %s", i, run.Status)
		}
	}
	if r.IsRunning(task.ID) || r.IsAccountBusy(acct.ID) {
		t.Error("Locks should be free after runs complete")
	}
}
