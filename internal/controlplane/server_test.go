package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/signet/internal/audit"
	"github.com/fentz26/signet/internal/models"
	"github.com/fentz26/signet/internal/store"
	"github.com/google/uuid"
)

// fakeDispatcher records scheduler notifications.
type fakeDispatcher struct {
	mu       sync.Mutex
	upserted []string
	removed  []string
}

func (f *fakeDispatcher) Upsert(task *models.SignTask) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserted = append(f.upserted, task.ID)
}

func (f *fakeDispatcher) Remove(taskID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, taskID)
}

// fakeRunner returns a canned run per trigger.
type fakeRunner struct {
	status models.RunStatus
	err    error
}

func (f *fakeRunner) RunTask(ctx context.Context, taskID string, trigger models.TriggerKind, scheduledAt time.Time) (*models.ExecutionRun, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &models.ExecutionRun{
		ID:          uuid.New().String(),
		TaskID:      taskID,
		Trigger:     trigger,
		Status:      f.status,
		ScheduledAt: scheduledAt,
		StartedAt:   time.Now().UTC(),
		FinishedAt:  time.Now().UTC(),
	}, nil
}

type testEnv struct {
	store      *store.Store
	dispatcher *fakeDispatcher
	runner     *fakeRunner
	server     *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	d := &fakeDispatcher{}
	r := &fakeRunner{status: models.RunStatusSucceeded}
	service := NewService(s, d, r, audit.NewWriter(s))
	srv := httptest.NewServer(NewServer(service, NewHub(), "").Handler())
	t.Cleanup(srv.Close)

	return &testEnv{store: s, dispatcher: d, runner: r, server: srv}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, e.server.URL+path, &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out bytes.Buffer
	out.ReadFrom(resp.Body)
	return resp, out.Bytes()
}

func (e *testEnv) seedAccount(t *testing.T, name string) *models.Account {
	t.Helper()
	acct, err := e.store.CreateAccount(name, "sess", "", models.AccountStatusActive)
	if err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	return acct
}

func taskBody(name, accountID string) map[string]interface{} {
	return map[string]interface{}{
		"name":       name,
		"account_id": accountID,
		"cron":       "0 9 * * *",
		"enabled":    true,
		"chats": []map[string]interface{}{
			{
				"chat_id": 1001,
				"actions": []map[string]interface{}{{"action": 1, "text": "hi"}},
			},
		},
	}
}

func TestAccountLifecycle(t *testing.T) {
	e := newTestEnv(t)

	resp, body := e.do(t, "POST", "/accounts", map[string]string{"name": "alice"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", resp.StatusCode, body)
	}
	var acct models.Account
	json.Unmarshal(body, &acct)
	if acct.Status != models.AccountStatusLoginPending {
		t.Errorf("Account without session should be login-pending, got %s", acct.Status)
	}

	// Duplicate name conflicts.
	resp, _ = e.do(t, "POST", "/accounts", map[string]string{"name": "alice"})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("Expected 409 for duplicate name, got %d", resp.StatusCode)
	}

	resp, body = e.do(t, "PATCH", "/accounts/alice", map[string]string{"status": "disabled"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", resp.StatusCode, body)
	}
	json.Unmarshal(body, &acct)
	if acct.Status != models.AccountStatusDisabled {
		t.Errorf("Expected disabled, got %s", acct.Status)
	}

	resp, _ = e.do(t, "GET", "/accounts/nobody", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown account, got %d", resp.StatusCode)
	}
}

func TestTaskCreateValidation(t *testing.T) {
	e := newTestEnv(t)
	acct := e.seedAccount(t, "alice")

	// Bad cron is a 400.
	body := taskBody("sign", acct.ID)
	body["cron"] = "not-a-cron"
	resp, _ := e.do(t, "POST", "/tasks", body)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad cron, got %d", resp.StatusCode)
	}

	// Enabled without chats is a 400.
	body = taskBody("sign", acct.ID)
	body["chats"] = []interface{}{}
	resp, _ = e.do(t, "POST", "/tasks", body)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for enabled task without chats, got %d", resp.StatusCode)
	}

	// Unknown account is a 404.
	resp, _ = e.do(t, "POST", "/tasks", taskBody("sign", "missing-account"))
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown account, got %d", resp.StatusCode)
	}
}

func TestTaskCRUDAndScheduling(t *testing.T) {
	e := newTestEnv(t)
	acct := e.seedAccount(t, "alice")

	resp, body := e.do(t, "POST", "/tasks", taskBody("sign", acct.ID))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", resp.StatusCode, body)
	}
	var task models.SignTask
	json.Unmarshal(body, &task)
	if task.IntervalSec < 1 || task.IntervalSec > 120 {
		t.Errorf("Default interval should be sampled in 1..120, got %d", task.IntervalSec)
	}
	if len(e.dispatcher.upserted) != 1 {
		t.Errorf("Enabled task should be scheduled on create")
	}

	// Duplicate name conflicts.
	resp, _ = e.do(t, "POST", "/tasks", taskBody("sign", acct.ID))
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("Expected 409 for duplicate task name, got %d", resp.StatusCode)
	}

	// Disable unschedules.
	resp, _ = e.do(t, "POST", "/tasks/"+task.ID+"/disable", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Disable failed: %d", resp.StatusCode)
	}
	if len(e.dispatcher.removed) != 1 {
		t.Errorf("Disable should remove the pending fire")
	}

	// Update reschedules when enabled.
	task.Enabled = true
	task.Cron = "30 10 * * *"
	resp, body = e.do(t, "PUT", "/tasks/"+task.ID, task)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Update failed: %d: %s", resp.StatusCode, body)
	}
	if len(e.dispatcher.upserted) != 2 {
		t.Errorf("Update of an enabled task should reschedule")
	}

	// Delete removes scheduling and the task.
	resp, _ = e.do(t, "DELETE", "/tasks/"+task.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Delete failed: %d", resp.StatusCode)
	}
	resp, _ = e.do(t, "GET", "/tasks/"+task.ID, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 after delete, got %d", resp.StatusCode)
	}
}

func TestEnableRequiresChats(t *testing.T) {
	e := newTestEnv(t)
	acct := e.seedAccount(t, "alice")

	body := taskBody("sign", acct.ID)
	body["enabled"] = false
	body["chats"] = []interface{}{}
	resp, raw := e.do(t, "POST", "/tasks", body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", resp.StatusCode, raw)
	}
	var task models.SignTask
	json.Unmarshal(raw, &task)

	resp, _ = e.do(t, "POST", "/tasks/"+task.ID+"/enable", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Enabling a chatless task should be 400, got %d", resp.StatusCode)
	}
}

func TestRunNow(t *testing.T) {
	e := newTestEnv(t)
	acct := e.seedAccount(t, "alice")

	_, raw := e.do(t, "POST", "/tasks", taskBody("sign", acct.ID))
	var task models.SignTask
	json.Unmarshal(raw, &task)

	resp, body := e.do(t, "POST", "/tasks/"+task.ID+"/run", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", resp.StatusCode, body)
	}
	var run models.ExecutionRun
	json.Unmarshal(body, &run)
	if run.Trigger != models.TriggerManual {
		t.Errorf("Expected manual trigger, got %s", run.Trigger)
	}

	// A skipped firing surfaces as 409 with the run in the body.
	e.runner.status = models.RunStatusSkipped
	resp, body = e.do(t, "POST", "/tasks/"+task.ID+"/run", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("Expected 409 for skipped run, got %d", resp.StatusCode)
	}
	json.Unmarshal(body, &run)
	if run.Status != models.RunStatusSkipped {
		t.Errorf("Expected skipped run in body, got %s", run.Status)
	}
}

func TestConfigExportImport(t *testing.T) {
	e := newTestEnv(t)
	acct := e.seedAccount(t, "alice")

	_, raw := e.do(t, "POST", "/tasks", taskBody("sign", acct.ID))
	var task models.SignTask
	json.Unmarshal(raw, &task)

	resp, doc := e.do(t, "GET", "/config/export", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Export failed: %d", resp.StatusCode)
	}

	// Re-import with overwrite; the task reschedules.
	before := len(e.dispatcher.upserted)
	resp, body := e.do(t, "POST", "/config/import?overwrite=true", json.RawMessage(doc))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Import failed: %d: %s", resp.StatusCode, body)
	}
	var results []map[string]interface{}
	json.Unmarshal(body, &results)
	if len(results) != 1 || results[0]["updated"] != true {
		t.Errorf("Expected one updated task, got %s", body)
	}
	if len(e.dispatcher.upserted) != before+1 {
		t.Errorf("Imported enabled task should be rescheduled")
	}
}

func TestListRunsEndpoints(t *testing.T) {
	e := newTestEnv(t)
	acct := e.seedAccount(t, "alice")

	_, raw := e.do(t, "POST", "/tasks", taskBody("sign", acct.ID))
	var task models.SignTask
	json.Unmarshal(raw, &task)

	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		e.store.AppendRun(&models.ExecutionRun{
			TaskID: task.ID, AccountID: acct.ID, Trigger: models.TriggerScheduled,
			Status: models.RunStatusSucceeded,
			ScheduledAt: now.Add(time.Duration(i) * time.Minute),
			StartedAt:   now.Add(time.Duration(i) * time.Minute),
			FinishedAt:  now.Add(time.Duration(i) * time.Minute),
		})
	}

	resp, body := e.do(t, "GET", fmt.Sprintf("/tasks/%s/runs?limit=2", task.ID), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("List runs failed: %d", resp.StatusCode)
	}
	var runs []models.ExecutionRun
	json.Unmarshal(body, &runs)
	if len(runs) != 2 {
		t.Errorf("Expected 2 runs, got %d", len(runs))
	}

	resp, body = e.do(t, "GET", "/accounts/alice/runs", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("List account runs failed: %d", resp.StatusCode)
	}
	json.Unmarshal(body, &runs)
	if len(runs) != 3 {
		t.Errorf("Expected 3 account runs, got %d", len(runs))
	}
}

func TestTaskAuditTrail(t *testing.T) {
	e := newTestEnv(t)
	acct := e.seedAccount(t, "alice")

	_, raw := e.do(t, "POST", "/tasks", taskBody("sign", acct.ID))
	var task models.SignTask
	json.Unmarshal(raw, &task)

	resp, body := e.do(t, "GET", "/tasks/"+task.ID+"/audit", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("List audit failed: %d", resp.StatusCode)
	}
	var events []store.AuditEvent
	json.Unmarshal(body, &events)
	// Creation itself leaves an audit event.
	if len(events) == 0 {
		t.Fatal("Expected at least the task.create audit event")
	}
	if events[0].Action != "task.create" {
		t.Errorf("Expected task.create, got %s", events[0].Action)
	}

	resp, _ = e.do(t, "GET", "/tasks/unknown/audit", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown task, got %d", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)
	resp, _ := e.do(t, "GET", "/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
}
