// Package controlplane provides the HTTP API and service layer that
// the dashboard talks to.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/fentz26/signet/internal/audit"
	"github.com/fentz26/signet/internal/configio"
	"github.com/fentz26/signet/internal/models"
	"github.com/fentz26/signet/internal/runner"
	"github.com/fentz26/signet/internal/store"
)

// Dispatcher is the slice of the scheduler the service drives when
// tasks change.
type Dispatcher interface {
	Upsert(task *models.SignTask)
	Remove(taskID string)
}

// TaskRunner triggers one firing; the runner implements it.
type TaskRunner interface {
	RunTask(ctx context.Context, taskID string, trigger models.TriggerKind, scheduledAt time.Time) (*models.ExecutionRun, error)
}

// Service provides the control plane business logic.
type Service struct {
	store      *store.Store
	dispatcher Dispatcher
	runner     TaskRunner
	porter     *configio.Porter
	audit      *audit.Writer

	// DefaultIntervalSec is applied to tasks created without their own
	// interval; zero means sample one at creation time.
	DefaultIntervalSec int
}

// NewService creates a new control plane service.
func NewService(s *store.Store, d Dispatcher, r TaskRunner, aw *audit.Writer) *Service {
	return &Service{
		store:      s,
		dispatcher: d,
		runner:     r,
		porter:     configio.New(s),
		audit:      aw,
	}
}

// --- Account Operations ---

// CreateAccount registers an account. The session credential arrives
// later through the external login flow, so new accounts start as
// login-pending unless a session reference is already known.
func (s *Service) CreateAccount(name, sessionRef, proxy string) (*models.Account, error) {
	if name == "" {
		return nil, models.ErrEmptyName
	}
	existing, err := s.store.GetAccountByName(name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrNameTaken
	}

	status := models.AccountStatusLoginPending
	if sessionRef != "" {
		status = models.AccountStatusActive
	}

	acct, err := s.store.CreateAccount(name, sessionRef, proxy, status)
	if err != nil {
		return nil, err
	}
	s.audit.Record("account.create", "success", "", acct.ID, name)
	return acct, nil
}

// ListAccounts returns all accounts.
func (s *Service) ListAccounts() ([]models.Account, error) {
	return s.store.ListAccounts()
}

// GetAccountByName retrieves one account.
func (s *Service) GetAccountByName(name string) (*models.Account, error) {
	acct, err := s.store.GetAccountByName(name)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, ErrAccountNotFound
	}
	return acct, nil
}

// SetAccountStatus updates an account's lifecycle state. Disabling an
// account blocks its tasks from firing without touching them.
func (s *Service) SetAccountStatus(name string, status models.AccountStatus) (*models.Account, error) {
	acct, err := s.GetAccountByName(name)
	if err != nil {
		return nil, err
	}

	switch status {
	case models.AccountStatusActive, models.AccountStatusLoginPending, models.AccountStatusDisabled:
	default:
		return nil, fmt.Errorf("unknown account status %q", status)
	}

	if err := s.store.UpdateAccountStatus(acct.ID, status); err != nil {
		return nil, err
	}
	acct.Status = status
	s.audit.Record("account.status", string(status), "", acct.ID, "")
	return acct, nil
}

// --- Task Operations ---

// CreateTask validates and stores a task, scheduling it when enabled.
func (s *Service) CreateTask(task *models.SignTask) (*models.SignTask, error) {
	acct, err := s.store.GetAccount(task.AccountID)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, ErrAccountNotFound
	}

	if task.IntervalSec == 0 {
		task.IntervalSec = s.defaultInterval()
	}
	if err := task.Validate(); err != nil {
		return nil, err
	}

	existing, err := s.store.GetTaskByName(task.Name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrNameTaken
	}

	created, err := s.store.CreateTask(task)
	if err != nil {
		return nil, err
	}
	if created.Enabled {
		s.dispatcher.Upsert(created)
	}
	s.audit.Record("task.create", "success", created.ID, created.AccountID, created.Name)
	return created, nil
}

// defaultInterval falls back to the configured spacing, else samples a
// value the way the dashboard's global settings describe.
func (s *Service) defaultInterval() int {
	if s.DefaultIntervalSec > 0 {
		return s.DefaultIntervalSec
	}
	return 1 + rand.Intn(120)
}

// GetTask retrieves a task by ID.
func (s *Service) GetTask(id string) (*models.SignTask, error) {
	task, err := s.store.GetTask(id)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, ErrTaskNotFound
	}
	return task, nil
}

// ListTasks returns all tasks, optionally scoped to one account name.
func (s *Service) ListTasks(accountName string) ([]models.SignTask, error) {
	if accountName == "" {
		return s.store.ListTasks()
	}
	acct, err := s.GetAccountByName(accountName)
	if err != nil {
		return nil, err
	}
	return s.store.ListTasksByAccount(acct.ID)
}

// UpdateTask validates and rewrites a task, rescheduling from now. The
// stale pending entry is discarded.
func (s *Service) UpdateTask(task *models.SignTask) (*models.SignTask, error) {
	current, err := s.GetTask(task.ID)
	if err != nil {
		return nil, err
	}

	if task.IntervalSec == 0 {
		task.IntervalSec = current.IntervalSec
	}
	if err := task.Validate(); err != nil {
		return nil, err
	}

	if task.Name != current.Name {
		existing, err := s.store.GetTaskByName(task.Name)
		if err != nil {
			return nil, err
		}
		if existing != nil && existing.ID != task.ID {
			return nil, ErrNameTaken
		}
	}

	task.CreatedAt = current.CreatedAt
	if err := s.store.UpdateTask(task); err != nil {
		return nil, err
	}

	if task.Enabled {
		s.dispatcher.Upsert(task)
	} else {
		s.dispatcher.Remove(task.ID)
	}
	s.audit.Record("task.update", "success", task.ID, task.AccountID, task.Name)
	return task, nil
}

// SetTaskEnabled flips scheduling for a task. Enabling requires at
// least one chat target; disabling never cancels an in-flight run.
func (s *Service) SetTaskEnabled(id string, enabled bool) (*models.SignTask, error) {
	task, err := s.GetTask(id)
	if err != nil {
		return nil, err
	}

	if enabled && len(task.Chats) == 0 {
		return nil, models.ErrNoChats
	}

	if err := s.store.SetTaskEnabled(id, enabled); err != nil {
		return nil, err
	}
	task.Enabled = enabled

	if enabled {
		s.dispatcher.Upsert(task)
		s.audit.Record("task.enable", "success", task.ID, task.AccountID, "")
	} else {
		s.dispatcher.Remove(task.ID)
		s.audit.Record("task.disable", "success", task.ID, task.AccountID, "")
	}
	return task, nil
}

// DeleteTask removes all future scheduling for a task. Historical runs
// are retained.
func (s *Service) DeleteTask(id string) error {
	task, err := s.GetTask(id)
	if err != nil {
		return err
	}

	s.dispatcher.Remove(id)
	if err := s.store.DeleteTask(id); err != nil {
		return err
	}
	s.audit.Record("task.delete", "success", id, task.AccountID, task.Name)
	return nil
}

// RunNow triggers one manual firing through the same runner path and
// exclusivity rules as scheduled firings. The returned run carries
// status "skipped" when a run is already in flight.
func (s *Service) RunNow(ctx context.Context, id string) (*models.ExecutionRun, error) {
	run, err := s.runner.RunTask(ctx, id, models.TriggerManual, time.Now().UTC())
	if err != nil {
		switch {
		case errors.Is(err, runner.ErrTaskNotFound):
			return nil, ErrTaskNotFound
		case errors.Is(err, runner.ErrAccountDisabled):
			return nil, ErrAccountDisabled
		}
		return nil, err
	}
	return run, nil
}

// ListRuns returns recent run history for a task, newest first.
func (s *Service) ListRuns(taskID string, limit int) ([]models.ExecutionRun, error) {
	if _, err := s.GetTask(taskID); err != nil {
		return nil, err
	}
	return s.store.ListRuns(taskID, limit)
}

// ListAudit returns recent audit events for a task, newest first.
func (s *Service) ListAudit(taskID string, limit int) ([]store.AuditEvent, error) {
	if _, err := s.GetTask(taskID); err != nil {
		return nil, err
	}
	return s.store.ListAuditByTask(taskID, limit)
}

// ListAccountRuns returns recent run history across an account's tasks.
func (s *Service) ListAccountRuns(accountName string, limit int) ([]models.ExecutionRun, error) {
	acct, err := s.GetAccountByName(accountName)
	if err != nil {
		return nil, err
	}
	return s.store.ListRunsByAccount(acct.ID, limit)
}

// --- Config Export/Import ---

// ExportConfig serializes the named tasks (or all tasks) to JSON.
func (s *Service) ExportConfig(names []string) ([]byte, error) {
	return s.porter.Export(names)
}

// ImportConfig imports a JSON document and schedules every enabled task
// that was written.
func (s *Service) ImportConfig(data []byte, overwrite bool) ([]configio.ImportResult, error) {
	results, err := s.porter.Import(data, overwrite)
	if err != nil {
		return nil, err
	}

	for _, res := range results {
		if res.Error != "" {
			continue
		}
		task, gerr := s.store.GetTaskByName(res.Name)
		if gerr != nil || task == nil {
			continue
		}
		if task.Enabled {
			s.dispatcher.Upsert(task)
		} else {
			s.dispatcher.Remove(task.ID)
		}
	}
	s.audit.Record("config.import", "success", "", "", fmt.Sprintf("%d tasks", len(results)))
	return results, nil
}
