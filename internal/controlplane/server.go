package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fentz26/signet/internal/models"
	"github.com/fentz26/signet/internal/store"
)

// Server provides the HTTP API for Signet.
type Server struct {
	service *Service
	hub     *Hub
	addr    string
	server  *http.Server
}

// NewServer creates a new HTTP server.
func NewServer(service *Service, hub *Hub, addr string) *Server {
	return &Server{
		service: service,
		hub:     hub,
		addr:    addr,
	}
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/accounts", s.handleAccounts)
	mux.HandleFunc("/accounts/", s.handleAccountByName)
	mux.HandleFunc("/tasks", s.handleTasks)
	mux.HandleFunc("/tasks/", s.handleTaskByID)
	mux.HandleFunc("/config/export", s.handleExport)
	mux.HandleFunc("/config/import", s.handleImport)
	mux.HandleFunc("/events", s.handleEvents)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	return mux
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	log.Printf("Starting Signet control plane on %s", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeServiceError maps domain errors to HTTP statuses: validation
// failures are 400, unknown resources 404, conflicts 409.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrTaskNotFound), errors.Is(err, ErrAccountNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrNameTaken), errors.Is(err, ErrAccountDisabled):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, models.ErrNoChats), errors.Is(err, models.ErrNoActions),
		errors.Is(err, models.ErrBadCron), errors.Is(err, models.ErrBadJitter),
		errors.Is(err, models.ErrNoAccount), errors.Is(err, models.ErrEmptyName),
		errors.Is(err, models.ErrMissingParam):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// --- Account Handlers ---

type createAccountRequest struct {
	Name       string `json:"name"`
	SessionRef string `json:"session_ref"`
	Proxy      string `json:"proxy"`
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req createAccountRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		acct, err := s.service.CreateAccount(req.Name, req.SessionRef, req.Proxy)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, acct)
	case http.MethodGet:
		accounts, err := s.service.ListAccounts()
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if accounts == nil {
			accounts = []models.Account{}
		}
		writeJSON(w, http.StatusOK, accounts)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type accountStatusRequest struct {
	Status models.AccountStatus `json:"status"`
}

// handleAccountByName handles /accounts/{name} and /accounts/{name}/runs
func (s *Server) handleAccountByName(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/accounts/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "account name required", http.StatusBadRequest)
		return
	}

	name := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		acct, err := s.service.GetAccountByName(name)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, acct)
	case action == "" && r.Method == http.MethodPatch:
		var req accountStatusRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		acct, err := s.service.SetAccountStatus(name, req.Status)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, acct)
	case action == "runs" && r.Method == http.MethodGet:
		runs, err := s.service.ListAccountRuns(name, queryLimit(r))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if runs == nil {
			runs = []models.ExecutionRun{}
		}
		writeJSON(w, http.StatusOK, runs)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

// --- Task Handlers ---

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var task models.SignTask
		if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		created, err := s.service.CreateTask(&task)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	case http.MethodGet:
		tasks, err := s.service.ListTasks(r.URL.Query().Get("account"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if tasks == nil {
			tasks = []models.SignTask{}
		}
		writeJSON(w, http.StatusOK, tasks)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleTaskByID handles /tasks/{id} and /tasks/{id}/{action}
func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/tasks/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "task id required", http.StatusBadRequest)
		return
	}

	taskID := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		task, err := s.service.GetTask(taskID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	case action == "" && r.Method == http.MethodPut:
		s.updateTask(w, r, taskID)
	case action == "" && r.Method == http.MethodDelete:
		if err := s.service.DeleteTask(taskID); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	case action == "enable" && r.Method == http.MethodPost:
		s.setEnabled(w, taskID, true)
	case action == "disable" && r.Method == http.MethodPost:
		s.setEnabled(w, taskID, false)
	case action == "run" && r.Method == http.MethodPost:
		s.runNow(w, r, taskID)
	case action == "runs" && r.Method == http.MethodGet:
		runs, err := s.service.ListRuns(taskID, queryLimit(r))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if runs == nil {
			runs = []models.ExecutionRun{}
		}
		writeJSON(w, http.StatusOK, runs)
	case action == "audit" && r.Method == http.MethodGet:
		events, err := s.service.ListAudit(taskID, queryLimit(r))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if events == nil {
			events = []store.AuditEvent{}
		}
		writeJSON(w, http.StatusOK, events)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) updateTask(w http.ResponseWriter, r *http.Request, taskID string) {
	var task models.SignTask
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	task.ID = taskID

	updated, err := s.service.UpdateTask(&task)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) setEnabled(w http.ResponseWriter, taskID string, enabled bool) {
	task, err := s.service.SetTaskEnabled(taskID, enabled)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// runNow triggers a manual firing. A firing refused by the exclusivity
// rule comes back as 409 with the skipped run in the body.
func (s *Server) runNow(w http.ResponseWriter, r *http.Request, taskID string) {
	run, err := s.service.RunNow(r.Context(), taskID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if run.Status == models.RunStatusSkipped {
		writeJSON(w, http.StatusConflict, run)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// --- Config Handlers ---

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	data, err := s.service.ExportConfig(r.URL.Query()["task"])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	overwrite := r.URL.Query().Get("overwrite") == "true"

	results, err := s.service.ImportConfig(data, overwrite)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func queryLimit(r *http.Request) int {
	n, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return n
}
