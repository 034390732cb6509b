// Package store provides SQLite-backed persistence for Signet.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fentz26/signet/internal/models"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store provides access to the Signet SQLite database.
type Store struct {
	db *sql.DB
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// Open with WAL mode for better concurrency
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		session_ref TEXT,
		proxy TEXT,
		status TEXT NOT NULL DEFAULT 'login-pending',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sign_tasks (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		account_id TEXT NOT NULL,
		cron TEXT NOT NULL,
		jitter_sec INTEGER NOT NULL DEFAULT 0,
		enabled INTEGER NOT NULL DEFAULT 0,
		interval_sec INTEGER NOT NULL DEFAULT 0,
		chats TEXT NOT NULL DEFAULT '[]',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY (account_id) REFERENCES accounts(id)
	);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		account_id TEXT NOT NULL,
		trigger_kind TEXT NOT NULL,
		status TEXT NOT NULL,
		scheduled_at DATETIME NOT NULL,
		started_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL,
		chats TEXT NOT NULL DEFAULT '[]',
		error TEXT
	);

	CREATE TABLE IF NOT EXISTS audit_events (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		outcome TEXT NOT NULL,
		task_id TEXT,
		account_id TEXT,
		details TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sign_tasks_account ON sign_tasks(account_id);
	CREATE INDEX IF NOT EXISTS idx_sign_tasks_enabled ON sign_tasks(enabled);
	CREATE INDEX IF NOT EXISTS idx_runs_task_id ON runs(task_id, started_at);
	CREATE INDEX IF NOT EXISTS idx_runs_account_id ON runs(account_id);
	CREATE INDEX IF NOT EXISTS idx_audit_task_id ON audit_events(task_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// --- Account Operations ---

// CreateAccount inserts a new account.
func (s *Store) CreateAccount(name, sessionRef, proxy string, status models.AccountStatus) (*models.Account, error) {
	now := time.Now().UTC()
	acct := &models.Account{
		ID:         uuid.New().String(),
		Name:       name,
		SessionRef: sessionRef,
		Proxy:      proxy,
		Status:     status,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	_, err := s.db.Exec(
		`INSERT INTO accounts (id, name, session_ref, proxy, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		acct.ID, acct.Name, acct.SessionRef, acct.Proxy, acct.Status, acct.CreatedAt, acct.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert account: %w", err)
	}
	return acct, nil
}

func scanAccount(row interface{ Scan(...interface{}) error }) (*models.Account, error) {
	acct := &models.Account{}
	var sessionRef, proxy sql.NullString
	err := row.Scan(&acct.ID, &acct.Name, &sessionRef, &proxy, &acct.Status, &acct.CreatedAt, &acct.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if sessionRef.Valid {
		acct.SessionRef = sessionRef.String
	}
	if proxy.Valid {
		acct.Proxy = proxy.String
	}
	return acct, nil
}

// GetAccount retrieves an account by ID.
func (s *Store) GetAccount(id string) (*models.Account, error) {
	acct, err := scanAccount(s.db.QueryRow(
		`SELECT id, name, session_ref, proxy, status, created_at, updated_at FROM accounts WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query account: %w", err)
	}
	return acct, nil
}

// GetAccountByName retrieves an account by its unique name.
func (s *Store) GetAccountByName(name string) (*models.Account, error) {
	acct, err := scanAccount(s.db.QueryRow(
		`SELECT id, name, session_ref, proxy, status, created_at, updated_at FROM accounts WHERE name = ?`, name))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query account: %w", err)
	}
	return acct, nil
}

// ListAccounts returns all accounts ordered by name.
func (s *Store) ListAccounts() ([]models.Account, error) {
	rows, err := s.db.Query(
		`SELECT id, name, session_ref, proxy, status, created_at, updated_at FROM accounts ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []models.Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, *acct)
	}
	return accounts, rows.Err()
}

// UpdateAccountStatus updates the status of an account.
func (s *Store) UpdateAccountStatus(id string, status models.AccountStatus) error {
	_, err := s.db.Exec(
		`UPDATE accounts SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id,
	)
	return err
}

// --- Task Operations ---

// CreateTask inserts a new sign task. The caller validates first.
func (s *Store) CreateTask(task *models.SignTask) (*models.SignTask, error) {
	now := time.Now().UTC()
	task.ID = uuid.New().String()
	task.CreatedAt = now
	task.UpdatedAt = now

	chatsJSON, err := json.Marshal(task.Chats)
	if err != nil {
		return nil, fmt.Errorf("marshal chats: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO sign_tasks (id, name, account_id, cron, jitter_sec, enabled, interval_sec, chats, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Name, task.AccountID, task.Cron, task.JitterSec, boolToInt(task.Enabled),
		task.IntervalSec, string(chatsJSON), task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return task, nil
}

func scanTask(row interface{ Scan(...interface{}) error }) (*models.SignTask, error) {
	task := &models.SignTask{}
	var enabled int
	var chatsJSON string
	err := row.Scan(&task.ID, &task.Name, &task.AccountID, &task.Cron, &task.JitterSec,
		&enabled, &task.IntervalSec, &chatsJSON, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return nil, err
	}
	task.Enabled = enabled != 0
	if err := json.Unmarshal([]byte(chatsJSON), &task.Chats); err != nil {
		return nil, fmt.Errorf("unmarshal chats: %w", err)
	}
	return task, nil
}

const taskColumns = `id, name, account_id, cron, jitter_sec, enabled, interval_sec, chats, created_at, updated_at`

// GetTask retrieves a task by ID.
func (s *Store) GetTask(id string) (*models.SignTask, error) {
	task, err := scanTask(s.db.QueryRow(
		`SELECT `+taskColumns+` FROM sign_tasks WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}
	return task, nil
}

// GetTaskByName retrieves a task by its unique name.
func (s *Store) GetTaskByName(name string) (*models.SignTask, error) {
	task, err := scanTask(s.db.QueryRow(
		`SELECT `+taskColumns+` FROM sign_tasks WHERE name = ?`, name))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}
	return task, nil
}

func (s *Store) queryTasks(query string, args ...interface{}) ([]models.SignTask, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.SignTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

// ListTasks returns all tasks ordered by name.
func (s *Store) ListTasks() ([]models.SignTask, error) {
	return s.queryTasks(`SELECT ` + taskColumns + ` FROM sign_tasks ORDER BY name`)
}

// ListTasksByAccount returns tasks owned by one account.
func (s *Store) ListTasksByAccount(accountID string) ([]models.SignTask, error) {
	return s.queryTasks(`SELECT `+taskColumns+` FROM sign_tasks WHERE account_id = ? ORDER BY name`, accountID)
}

// ListEnabledTasks returns all enabled tasks, the scheduler's boot set.
func (s *Store) ListEnabledTasks() ([]models.SignTask, error) {
	return s.queryTasks(`SELECT ` + taskColumns + ` FROM sign_tasks WHERE enabled = 1 ORDER BY name`)
}

// UpdateTask rewrites a task's mutable fields.
func (s *Store) UpdateTask(task *models.SignTask) error {
	task.UpdatedAt = time.Now().UTC()
	chatsJSON, err := json.Marshal(task.Chats)
	if err != nil {
		return fmt.Errorf("marshal chats: %w", err)
	}

	res, err := s.db.Exec(
		`UPDATE sign_tasks SET name = ?, account_id = ?, cron = ?, jitter_sec = ?, enabled = ?, interval_sec = ?, chats = ?, updated_at = ?
		 WHERE id = ?`,
		task.Name, task.AccountID, task.Cron, task.JitterSec, boolToInt(task.Enabled),
		task.IntervalSec, string(chatsJSON), task.UpdatedAt, task.ID,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SetTaskEnabled flips a task's enabled flag.
func (s *Store) SetTaskEnabled(id string, enabled bool) error {
	_, err := s.db.Exec(
		`UPDATE sign_tasks SET enabled = ?, updated_at = ? WHERE id = ?`,
		boolToInt(enabled), time.Now().UTC(), id,
	)
	return err
}

// DeleteTask removes a task. Historical runs are kept.
func (s *Store) DeleteTask(id string) error {
	_, err := s.db.Exec(`DELETE FROM sign_tasks WHERE id = ?`, id)
	return err
}

// --- Run Operations ---

// AppendRun inserts a completed execution run. Runs are append-only and
// never mutated afterwards.
func (s *Store) AppendRun(run *models.ExecutionRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	chatsJSON, err := json.Marshal(run.Chats)
	if err != nil {
		return fmt.Errorf("marshal outcomes: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO runs (id, task_id, account_id, trigger_kind, status, scheduled_at, started_at, finished_at, chats, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.TaskID, run.AccountID, run.Trigger, run.Status,
		run.ScheduledAt, run.StartedAt, run.FinishedAt, string(chatsJSON), run.Error,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func scanRun(row interface{ Scan(...interface{}) error }) (*models.ExecutionRun, error) {
	run := &models.ExecutionRun{}
	var chatsJSON string
	var errText sql.NullString
	err := row.Scan(&run.ID, &run.TaskID, &run.AccountID, &run.Trigger, &run.Status,
		&run.ScheduledAt, &run.StartedAt, &run.FinishedAt, &chatsJSON, &errText)
	if err != nil {
		return nil, err
	}
	if errText.Valid {
		run.Error = errText.String
	}
	if err := json.Unmarshal([]byte(chatsJSON), &run.Chats); err != nil {
		return nil, fmt.Errorf("unmarshal outcomes: %w", err)
	}
	return run, nil
}

const runColumns = `id, task_id, account_id, trigger_kind, status, scheduled_at, started_at, finished_at, chats, error`

func (s *Store) queryRuns(query string, args ...interface{}) ([]models.ExecutionRun, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []models.ExecutionRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// ListRuns returns the most recent runs for a task, newest first.
func (s *Store) ListRuns(taskID string, limit int) ([]models.ExecutionRun, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryRuns(
		`SELECT `+runColumns+` FROM runs WHERE task_id = ? ORDER BY started_at DESC LIMIT ?`,
		taskID, limit,
	)
}

// ListRunsByAccount returns recent runs across all tasks of an account.
func (s *Store) ListRunsByAccount(accountID string, limit int) ([]models.ExecutionRun, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryRuns(
		`SELECT `+runColumns+` FROM runs WHERE account_id = ? ORDER BY started_at DESC LIMIT ?`,
		accountID, limit,
	)
}

// LastRun returns the newest run for a task, or nil.
func (s *Store) LastRun(taskID string) (*models.ExecutionRun, error) {
	run, err := scanRun(s.db.QueryRow(
		`SELECT `+runColumns+` FROM runs WHERE task_id = ? ORDER BY started_at DESC LIMIT 1`, taskID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query run: %w", err)
	}
	return run, nil
}

// PruneRuns deletes runs older than the cutoff and returns the count.
func (s *Store) PruneRuns(olderThan time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM runs WHERE started_at < ?`, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	return res.RowsAffected()
}

// --- Audit Operations ---

// AuditEvent is one append-only engine event record.
type AuditEvent struct {
	ID        string    `json:"id"`
	Action    string    `json:"action"`
	Outcome   string    `json:"outcome"`
	TaskID    string    `json:"task_id,omitempty"`
	AccountID string    `json:"account_id,omitempty"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AppendAudit writes an audit event.
func (s *Store) AppendAudit(action, outcome, taskID, accountID, details string) (*AuditEvent, error) {
	ev := &AuditEvent{
		ID:        uuid.New().String(),
		Action:    action,
		Outcome:   outcome,
		TaskID:    taskID,
		AccountID: accountID,
		Details:   details,
		Timestamp: time.Now().UTC(),
	}

	_, err := s.db.Exec(
		`INSERT INTO audit_events (id, action, outcome, task_id, account_id, details, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Action, ev.Outcome, ev.TaskID, ev.AccountID, ev.Details, ev.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert audit event: %w", err)
	}
	return ev, nil
}

// ListAuditByTask returns recent audit events for a task, newest first.
func (s *Store) ListAuditByTask(taskID string, limit int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT id, action, outcome, task_id, account_id, details, timestamp
		 FROM audit_events WHERE task_id = ? ORDER BY timestamp DESC LIMIT ?`,
		taskID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var ev AuditEvent
		var taskID, accountID, details sql.NullString
		if err := rows.Scan(&ev.ID, &ev.Action, &ev.Outcome, &taskID, &accountID, &details, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		if taskID.Valid {
			ev.TaskID = taskID.String
		}
		if accountID.Valid {
			ev.AccountID = accountID.String
		}
		if details.Valid {
			ev.Details = details.String
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
