package models

import (
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field expressions only.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Validation errors rejected synchronously at create/update time. They
// never reach the scheduler.
var (
	ErrNoChats      = errors.New("task has no chat targets")
	ErrNoActions    = errors.New("chat has no actions")
	ErrBadCron      = errors.New("invalid cron expression")
	ErrBadJitter    = errors.New("jitter must be non-negative")
	ErrNoAccount    = errors.New("task has no account reference")
	ErrEmptyName    = errors.New("name must not be empty")
	ErrMissingParam = errors.New("action missing required parameter")
)

// ParseCron parses a 5-field cron expression.
func ParseCron(expr string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCron, err)
	}
	return sched, nil
}

// Validate checks the action's parameters against its kind.
func (a Action) Validate() error {
	switch a.Kind {
	case ActionSendText:
		if a.Text == "" {
			return fmt.Errorf("%w: send_text needs text", ErrMissingParam)
		}
	case ActionSendDice:
		// Empty emoji falls back to the transport default.
	case ActionClickButton:
		if a.Label == "" {
			return fmt.Errorf("%w: click_button needs a label", ErrMissingParam)
		}
	case ActionAIVision, ActionAIMath:
		// No parameters.
	default:
		return fmt.Errorf("unknown action kind %d", a.Kind)
	}
	return nil
}

// Validate checks a chat target's structural invariants.
func (c ChatTarget) Validate() error {
	if c.ChatID == 0 {
		return errors.New("chat target has no chat id")
	}
	if len(c.Actions) == 0 {
		return ErrNoActions
	}
	if c.ActionIntervalSec < 0 {
		return errors.New("action interval must be non-negative")
	}
	for i, a := range c.Actions {
		if err := a.Validate(); err != nil {
			return fmt.Errorf("action %d: %w", i, err)
		}
	}
	return nil
}

// Validate checks the task's invariants. A task must have at least one
// chat target before it may be enabled.
func (t *SignTask) Validate() error {
	if t.Name == "" {
		return ErrEmptyName
	}
	if t.AccountID == "" {
		return ErrNoAccount
	}
	if _, err := ParseCron(t.Cron); err != nil {
		return err
	}
	if t.JitterSec < 0 {
		return ErrBadJitter
	}
	if t.IntervalSec < 0 {
		return errors.New("sign interval must be non-negative")
	}
	if t.Enabled && len(t.Chats) == 0 {
		return ErrNoChats
	}
	for i, c := range t.Chats {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("chat %d: %w", i, err)
		}
	}
	return nil
}
