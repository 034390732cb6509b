// Package runner executes one firing of a sign task to completion and
// produces exactly one ExecutionRun.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/fentz26/signet/internal/audit"
	"github.com/fentz26/signet/internal/executor"
	"github.com/fentz26/signet/internal/models"
	"github.com/fentz26/signet/internal/pipeline"
	"github.com/fentz26/signet/internal/solver"
	"github.com/fentz26/signet/internal/store"
	"github.com/fentz26/signet/internal/transport"
	"github.com/google/uuid"
)

// ErrAccountDisabled rejects a firing whose account is not active. The
// reason surfaces through account status, never as a failed run.
var ErrAccountDisabled = errors.New("account is disabled")

// ErrTaskNotFound rejects a firing for an unknown task id.
var ErrTaskNotFound = errors.New("task not found")

// Notifier receives run lifecycle events. The control plane's event hub
// implements it; a nil Notifier is allowed.
type Notifier interface {
	RunStarted(taskID string, trigger models.TriggerKind)
	RunFinished(run *models.ExecutionRun)
}

// Runner owns the per-task and per-account locks and drives the chat
// pipeline for each firing.
type Runner struct {
	store  *store.Store
	dialer transport.Dialer
	solver solver.Solver
	audit  *audit.Writer
	events Notifier

	locks *lockTable

	// DefaultIntervalSec spaces chats when the task does not set its
	// own interval.
	DefaultIntervalSec int

	// tick scales configured second counts; tests shrink it.
	tick time.Duration
}

// New creates a runner.
func New(s *store.Store, d transport.Dialer, sv solver.Solver, aw *audit.Writer) *Runner {
	return &Runner{
		store:  s,
		dialer: d,
		solver: sv,
		audit:  aw,
		locks:  newLockTable(),
		tick:   time.Second,
	}
}

// SetNotifier wires the run event sink.
func (r *Runner) SetNotifier(n Notifier) {
	r.events = n
}

// SetTick overrides the second scale for tests.
func (r *Runner) SetTick(d time.Duration) {
	r.tick = d
}

func taskKey(id string) string    { return "task:" + id }
func accountKey(id string) string { return "account:" + id }

// RunTask executes one firing of the task with the given id. Manual and
// scheduled triggers share this path and its exclusivity rules. The
// returned run has status "skipped" when a prior run for the task, or
// any task on the same account, is still in flight.
func (r *Runner) RunTask(ctx context.Context, taskID string, trigger models.TriggerKind, scheduledAt time.Time) (*models.ExecutionRun, error) {
	task, err := r.store.GetTask(taskID)
	if err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}
	if task == nil {
		return nil, ErrTaskNotFound
	}

	acct, err := r.store.GetAccount(task.AccountID)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	if acct == nil || acct.Status != models.AccountStatusActive {
		r.audit.Record("run.reject", "account-disabled", task.ID, task.AccountID, "")
		return nil, ErrAccountDisabled
	}

	// Lock order is always task then account; any reverse path would
	// risk deadlock.
	if !r.locks.tryAcquire(taskKey(task.ID)) {
		return r.recordSkip(task, trigger, scheduledAt, "previous run still active")
	}
	defer r.locks.release(taskKey(task.ID))

	if !r.locks.tryAcquire(accountKey(task.AccountID)) {
		return r.recordSkip(task, trigger, scheduledAt, "account busy with another task")
	}
	defer r.locks.release(accountKey(task.AccountID))

	return r.execute(ctx, task, acct, trigger, scheduledAt)
}

// recordSkip persists a non-error "skipped" run.
func (r *Runner) recordSkip(task *models.SignTask, trigger models.TriggerKind, scheduledAt time.Time, reason string) (*models.ExecutionRun, error) {
	now := time.Now().UTC()
	run := &models.ExecutionRun{
		ID:          uuid.New().String(),
		TaskID:      task.ID,
		AccountID:   task.AccountID,
		Trigger:     trigger,
		Status:      models.RunStatusSkipped,
		ScheduledAt: scheduledAt,
		StartedAt:   now,
		FinishedAt:  now,
		Error:       "skipped: " + reason,
	}
	if err := r.store.AppendRun(run); err != nil {
		return nil, fmt.Errorf("persist skipped run: %w", err)
	}
	r.audit.Record("run.skip", reason, task.ID, task.AccountID, "")
	log.Printf("Task %s skipped: %s", task.Name, reason)
	if r.events != nil {
		r.events.RunFinished(run)
	}
	return run, nil
}

// execute runs all chats of the task with both locks held.
func (r *Runner) execute(ctx context.Context, task *models.SignTask, acct *models.Account, trigger models.TriggerKind, scheduledAt time.Time) (run *models.ExecutionRun, err error) {
	run = &models.ExecutionRun{
		ID:          uuid.New().String(),
		TaskID:      task.ID,
		AccountID:   task.AccountID,
		Trigger:     trigger,
		ScheduledAt: scheduledAt,
		StartedAt:   time.Now().UTC(),
	}

	if r.events != nil {
		r.events.RunStarted(task.ID, trigger)
	}
	r.audit.Record("run.start", string(trigger), task.ID, task.AccountID, "")

	// A panicking executor must not leak the locks or lose the run
	// record; the deferred release handles the former, this the latter.
	defer func() {
		if rec := recover(); rec != nil {
			run.Status = models.RunStatusFailed
			run.Error = fmt.Sprintf("panic: %v", rec)
		}
		run.FinishedAt = time.Now().UTC()
		if run.Status == "" {
			run.Status = models.RunStatusFailed
		}
		if perr := r.store.AppendRun(run); perr != nil {
			log.Printf("Error persisting run %s: %v", run.ID, perr)
			if err == nil {
				err = fmt.Errorf("persist run: %w", perr)
			}
		}
		r.audit.Record("run.finish", string(run.Status), task.ID, task.AccountID, run.Error)
		if r.events != nil {
			r.events.RunFinished(run)
		}
	}()

	tp, dialErr := r.dialer.Dial(ctx, acct.SessionRef, acct.Proxy)
	if dialErr != nil {
		run.Status = models.RunStatusFailed
		run.Error = fmt.Sprintf("open session: %v", dialErr)
		return run, nil
	}

	exec := executor.New(tp, r.solver)
	pipe := pipeline.New(exec, tp)
	pipe.SetTick(r.tick)

	interval := task.IntervalSec
	if interval <= 0 {
		interval = r.DefaultIntervalSec
	}

	// Chats run in declaration order. A chat-level failure is recorded
	// and the remaining chats still run.
	allOK := true
	for i, chat := range task.Chats {
		if i > 0 && interval > 0 {
			if werr := sleepCtx(ctx, time.Duration(interval)*r.tick); werr != nil {
				run.Error = fmt.Sprintf("interrupted before chat %d: %v", i, werr)
				allOK = false
				break
			}
		}
		outcome := pipe.Run(ctx, chat)
		run.Chats = append(run.Chats, outcome)
		if !outcome.Success {
			allOK = false
		}
	}

	if allOK {
		run.Status = models.RunStatusSucceeded
	} else {
		run.Status = models.RunStatusFailed
	}
	return run, nil
}

// IsRunning reports whether a run for the task is currently in flight.
func (r *Runner) IsRunning(taskID string) bool {
	return r.locks.isHeld(taskKey(taskID))
}

// IsAccountBusy reports whether any task on the account is in flight.
func (r *Runner) IsAccountBusy(accountID string) bool {
	return r.locks.isHeld(accountKey(accountID))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
