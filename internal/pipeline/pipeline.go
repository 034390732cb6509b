// Package pipeline runs one chat target's ordered action sequence.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/fentz26/signet/internal/executor"
	"github.com/fentz26/signet/internal/models"
	"github.com/fentz26/signet/internal/transport"
)

// Pipeline executes a ChatTarget's actions strictly in order, waiting
// the configured delay between successive actions. The first failing
// action stops the chat; there is no retry and no skip-ahead.
type Pipeline struct {
	exec *executor.Executor
	tp   transport.Transport

	// tick scales configured second counts; tests shrink it.
	tick time.Duration
}

// New creates a pipeline bound to one account session.
func New(exec *executor.Executor, tp transport.Transport) *Pipeline {
	return &Pipeline{
		exec: exec,
		tp:   tp,
		tick: time.Second,
	}
}

// Run executes the chat's action list and returns its outcome. Failures
// are captured in the outcome, never returned as errors.
func (p *Pipeline) Run(ctx context.Context, chat models.ChatTarget) models.ChatOutcome {
	outcome := models.ChatOutcome{
		ChatID:      chat.ChatID,
		Name:        chat.Name,
		FailedIndex: -1,
	}

	var lastMessageID int64
	for i, act := range chat.Actions {
		// Inter-action delay: between successive actions only.
		if i > 0 && chat.ActionIntervalSec > 0 {
			if err := p.wait(ctx, time.Duration(chat.ActionIntervalSec)*p.tick); err != nil {
				outcome.FailedIndex = i
				outcome.Error = fmt.Sprintf("action %d: %v", i, err)
				return outcome
			}
		}

		res, err := p.exec.Execute(ctx, chat.ChatID, act)
		if err != nil {
			outcome.FailedIndex = i
			outcome.Error = fmt.Sprintf("action %d (%s): %v", i, act.Kind, err)
			outcome.Actions = append(outcome.Actions, models.ActionOutcome{
				Index:   i,
				Kind:    act.Kind.String(),
				Success: false,
				Detail:  err.Error(),
			})
			return outcome
		}

		if res.MessageID != 0 {
			lastMessageID = res.MessageID
		}
		outcome.Actions = append(outcome.Actions, models.ActionOutcome{
			Index:     i,
			Kind:      act.Kind.String(),
			Success:   true,
			Detail:    res.Detail,
			MessageID: res.MessageID,
		})
	}

	outcome.Success = true

	// Post-run cleanup is best-effort: failure is logged, never flips
	// the chat outcome.
	if chat.DeleteAfterSec > 0 && lastMessageID != 0 {
		p.scheduleDelete(chat.ChatID, lastMessageID, time.Duration(chat.DeleteAfterSec)*p.tick)
	}

	return outcome
}

// scheduleDelete removes the pipeline's own output message after the
// configured delay.
func (p *Pipeline) scheduleDelete(chatID, messageID int64, delay time.Duration) {
	tp := p.tp
	time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := tp.DeleteMessage(ctx, chatID, messageID); err != nil {
			log.Printf("cleanup: delete message %d in chat %d: %v", messageID, chatID, err)
		}
	})
}

// wait sleeps for d or until the context is cancelled.
func (p *Pipeline) wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SetTick overrides the second scale. Tests use this to avoid real
// sleeps.
func (p *Pipeline) SetTick(d time.Duration) {
	p.tick = d
}
