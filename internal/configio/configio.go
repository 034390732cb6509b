// Package configio exports and imports task configuration as JSON
// documents the dashboard can download and re-upload.
package configio

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fentz26/signet/internal/models"
	"github.com/fentz26/signet/internal/store"
)

// Version identifies the export document format.
const Version = 3

// ErrAccountUnknown rejects an imported task whose account name does
// not exist on this instance.
var ErrAccountUnknown = errors.New("account not found")

// ErrTaskExists rejects an import conflict when overwrite is off.
var ErrTaskExists = errors.New("task already exists")

// TaskConfig is one task in an export document. Accounts are referenced
// by name so documents move between instances; chats and actions are
// carried verbatim.
type TaskConfig struct {
	Name        string              `json:"name"`
	AccountName string              `json:"account_name"`
	Cron        string              `json:"sign_at"`
	JitterSec   int                 `json:"random_seconds"`
	IntervalSec int                 `json:"sign_interval"`
	Enabled     bool                `json:"enabled"`
	Chats       []models.ChatTarget `json:"chats"`
}

// Document is the export envelope.
type Document struct {
	Version int          `json:"_version"`
	Tasks   []TaskConfig `json:"tasks"`
}

// ImportResult reports the outcome for one task in an import.
type ImportResult struct {
	Name    string `json:"name"`
	Created bool   `json:"created"`
	Updated bool   `json:"updated"`
	Error   string `json:"error,omitempty"`
}

// Porter moves task configuration in and out of the store.
type Porter struct {
	store *store.Store
}

// New creates a porter.
func New(s *store.Store) *Porter {
	return &Porter{store: s}
}

// Export serializes the named tasks, or every task when names is empty.
func (p *Porter) Export(names []string) ([]byte, error) {
	var tasks []models.SignTask
	var err error

	if len(names) == 0 {
		tasks, err = p.store.ListTasks()
		if err != nil {
			return nil, err
		}
	} else {
		for _, name := range names {
			task, gerr := p.store.GetTaskByName(name)
			if gerr != nil {
				return nil, gerr
			}
			if task == nil {
				return nil, fmt.Errorf("task %q not found", name)
			}
			tasks = append(tasks, *task)
		}
	}

	doc := Document{Version: Version}
	for _, t := range tasks {
		acct, err := p.store.GetAccount(t.AccountID)
		if err != nil {
			return nil, err
		}
		accountName := ""
		if acct != nil {
			accountName = acct.Name
		}
		doc.Tasks = append(doc.Tasks, TaskConfig{
			Name:        t.Name,
			AccountName: accountName,
			Cron:        t.Cron,
			JitterSec:   t.JitterSec,
			IntervalSec: t.IntervalSec,
			Enabled:     t.Enabled,
			Chats:       t.Chats,
		})
	}

	return json.MarshalIndent(doc, "", "  ")
}

// Import reads a document and writes its tasks. Each task is imported
// atomically: it is validated up front and either fully written or
// recorded as a per-task error; one bad task never blocks the rest.
func (p *Porter) Import(data []byte, overwrite bool) ([]ImportResult, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	if doc.Version > Version {
		return nil, fmt.Errorf("unsupported document version %d", doc.Version)
	}

	results := make([]ImportResult, 0, len(doc.Tasks))
	for _, tc := range doc.Tasks {
		results = append(results, p.importOne(tc, overwrite))
	}
	return results, nil
}

func (p *Porter) importOne(tc TaskConfig, overwrite bool) ImportResult {
	res := ImportResult{Name: tc.Name}

	acct, err := p.store.GetAccountByName(tc.AccountName)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	if acct == nil {
		res.Error = fmt.Sprintf("%v: %q", ErrAccountUnknown, tc.AccountName)
		return res
	}

	task := &models.SignTask{
		Name:        tc.Name,
		AccountID:   acct.ID,
		Cron:        tc.Cron,
		JitterSec:   tc.JitterSec,
		IntervalSec: tc.IntervalSec,
		Enabled:     tc.Enabled,
		Chats:       tc.Chats,
	}
	if err := task.Validate(); err != nil {
		res.Error = err.Error()
		return res
	}

	existing, err := p.store.GetTaskByName(tc.Name)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	if existing != nil {
		if !overwrite {
			res.Error = ErrTaskExists.Error()
			return res
		}
		task.ID = existing.ID
		task.CreatedAt = existing.CreatedAt
		if err := p.store.UpdateTask(task); err != nil {
			res.Error = err.Error()
			return res
		}
		res.Updated = true
		return res
	}

	if _, err := p.store.CreateTask(task); err != nil {
		res.Error = err.Error()
		return res
	}
	res.Created = true
	return res
}
