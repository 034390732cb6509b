// Package models defines the core domain types for Signet.
package models

import "time"

// AccountStatus represents the lifecycle state of a messaging account.
type AccountStatus string

const (
	AccountStatusActive       AccountStatus = "active"
	AccountStatusLoginPending AccountStatus = "login-pending"
	AccountStatusDisabled     AccountStatus = "disabled"
)

// Account is one messaging-platform identity. The login flow that
// produces the session credential lives outside the engine; the engine
// only holds an opaque reference to it.
type Account struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	SessionRef string        `json:"session_ref,omitempty"`
	Proxy      string        `json:"proxy,omitempty"`
	Status     AccountStatus `json:"status"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// ActionKind identifies one variant of the closed Action set. The
// numeric values are the wire codes the dashboard sends.
type ActionKind int

const (
	ActionSendText    ActionKind = 1
	ActionSendDice    ActionKind = 2
	ActionClickButton ActionKind = 3
	ActionAIVision    ActionKind = 4
	ActionAIMath      ActionKind = 5
)

// String returns a short name for logs and run records.
func (k ActionKind) String() string {
	switch k {
	case ActionSendText:
		return "send_text"
	case ActionSendDice:
		return "send_dice"
	case ActionClickButton:
		return "click_button"
	case ActionAIVision:
		return "ai_vision"
	case ActionAIMath:
		return "ai_math"
	default:
		return "unknown"
	}
}

// Action is one step in a chat's sequence. Which parameter fields are
// meaningful depends on Kind: Text for send_text, Emoji for send_dice
// (empty means the default dice), Label for click_button. The AI kinds
// carry no parameters.
type Action struct {
	Kind  ActionKind `json:"action"`
	Text  string     `json:"text,omitempty"`
	Emoji string     `json:"dice,omitempty"`
	Label string     `json:"label,omitempty"`
}

// ChatTarget is one destination within a task with its own ordered
// action sequence.
type ChatTarget struct {
	ChatID int64  `json:"chat_id"`
	Name   string `json:"name"`
	// Actions run strictly in declaration order.
	Actions []Action `json:"actions"`
	// ActionIntervalSec is the delay between successive actions,
	// applied neither before the first nor after the last.
	ActionIntervalSec int `json:"action_interval"`
	// DeleteAfterSec, when > 0, schedules best-effort deletion of the
	// chat's last outbound message after that many seconds.
	DeleteAfterSec int `json:"delete_after,omitempty"`
}

// SignTask is a named, schedulable unit owned by one account.
type SignTask struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AccountID string `json:"account_id"`
	// Cron is a 5-field expression (minute hour dom month dow).
	Cron string `json:"cron"`
	// JitterSec bounds the uniform random delay added after the
	// cron-aligned instant, resampled on every firing.
	JitterSec int  `json:"random_seconds"`
	Enabled   bool `json:"enabled"`
	// IntervalSec is the minimum spacing between chats in one run.
	IntervalSec int          `json:"sign_interval"`
	Chats       []ChatTarget `json:"chats"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// TriggerKind distinguishes scheduler firings from manual ones.
type TriggerKind string

const (
	TriggerScheduled TriggerKind = "scheduled"
	TriggerManual    TriggerKind = "manual"
)

// RunStatus is the overall outcome of one firing.
type RunStatus string

const (
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	// RunStatusSkipped records a firing that found the task or its
	// account already running. Not an error.
	RunStatusSkipped RunStatus = "skipped"
)

// ActionOutcome records one executed action inside a chat outcome.
type ActionOutcome struct {
	Index   int    `json:"index"`
	Kind    string `json:"kind"`
	Success bool   `json:"success"`
	Detail  string `json:"detail,omitempty"`
	// MessageID is the transport handle of the outbound message, when
	// the action produced one.
	MessageID int64 `json:"message_id,omitempty"`
}

// ChatOutcome records one chat's pipeline result within a run.
type ChatOutcome struct {
	ChatID  int64  `json:"chat_id"`
	Name    string `json:"name"`
	Success bool   `json:"success"`
	// FailedIndex is the index of the first failing action, or -1.
	FailedIndex int             `json:"failed_index"`
	Actions     []ActionOutcome `json:"actions"`
	Error       string          `json:"error,omitempty"`
}

// ExecutionRun is the immutable record of one firing of a SignTask.
// Chats appear in the same order as the task's chat list.
type ExecutionRun struct {
	ID          string        `json:"id"`
	TaskID      string        `json:"task_id"`
	AccountID   string        `json:"account_id"`
	Trigger     TriggerKind   `json:"trigger"`
	Status      RunStatus     `json:"status"`
	ScheduledAt time.Time     `json:"scheduled_at"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at"`
	Chats       []ChatOutcome `json:"chats"`
	Error       string        `json:"error,omitempty"`
}

// Duration reports the wall-clock time the run took.
func (r *ExecutionRun) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
