// Package executor interprets single actions against a chat via the
// messaging transport and, for AI-delegated actions, the solver.
package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fentz26/signet/internal/models"
	"github.com/fentz26/signet/internal/solver"
	"github.com/fentz26/signet/internal/transport"
)

const (
	// DefaultLookback bounds how many recent controls are searched
	// when matching a button label.
	DefaultLookback = 20
	// DefaultSolverTimeout bounds each AI-solver call.
	DefaultSolverTimeout = 30 * time.Second
)

// Result is the successful outcome of one executed action.
type Result struct {
	// MessageID is set when the action produced an outbound message.
	MessageID int64
	Detail    string
}

// Executor runs one Action at a time against one chat. Failed calls are
// not retried here; partial side effects stay as they are.
type Executor struct {
	Transport     transport.Transport
	Solver        solver.Solver
	Lookback      int
	SolverTimeout time.Duration
}

// New creates an executor with default bounds.
func New(tp transport.Transport, sv solver.Solver) *Executor {
	return &Executor{
		Transport:     tp,
		Solver:        sv,
		Lookback:      DefaultLookback,
		SolverTimeout: DefaultSolverTimeout,
	}
}

// Execute interprets one action. The switch is exhaustive over the
// closed action set.
func (e *Executor) Execute(ctx context.Context, chatID int64, act models.Action) (*Result, error) {
	switch act.Kind {
	case models.ActionSendText:
		return e.sendText(ctx, chatID, act.Text)
	case models.ActionSendDice:
		res, err := e.Transport.SendDice(ctx, chatID, act.Emoji)
		if err != nil {
			return nil, fmt.Errorf("send dice: %w", err)
		}
		return &Result{MessageID: res.MessageID, Detail: "dice sent"}, nil
	case models.ActionClickButton:
		return e.clickButton(ctx, chatID, act.Label)
	case models.ActionAIVision:
		return e.solveVision(ctx, chatID)
	case models.ActionAIMath:
		return e.solveMath(ctx, chatID)
	default:
		return nil, fmt.Errorf("unknown action kind %d", act.Kind)
	}
}

func (e *Executor) sendText(ctx context.Context, chatID int64, text string) (*Result, error) {
	res, err := e.Transport.SendText(ctx, chatID, text)
	if err != nil {
		return nil, fmt.Errorf("send text: %w", err)
	}
	return &Result{MessageID: res.MessageID, Detail: "text sent"}, nil
}

// clickButton locates an inline control whose visible label matches and
// invokes it. No match within the lookback window is a failure.
func (e *Executor) clickButton(ctx context.Context, chatID int64, label string) (*Result, error) {
	lookback := e.Lookback
	if lookback <= 0 {
		lookback = DefaultLookback
	}

	controls, err := e.Transport.RecentControls(ctx, chatID, lookback)
	if err != nil {
		return nil, fmt.Errorf("list controls: %w", err)
	}

	for _, ctl := range controls {
		if matchLabel(ctl.Label, label) {
			if err := e.Transport.InvokeControl(ctx, chatID, ctl); err != nil {
				return nil, fmt.Errorf("invoke control %q: %w", ctl.Label, err)
			}
			return &Result{Detail: fmt.Sprintf("clicked %q", ctl.Label)}, nil
		}
	}
	return nil, fmt.Errorf("button %q: %w", label, transport.ErrControlNotFound)
}

// solveVision forwards the latest inbound image challenge to the solver
// and executes the suggested action as a nested step.
func (e *Executor) solveVision(ctx context.Context, chatID int64) (*Result, error) {
	inbound, err := e.Transport.LatestInbound(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("fetch inbound: %w", err)
	}
	if inbound == nil || inbound.ImageRef == "" {
		return nil, fmt.Errorf("no image challenge in chat %d", chatID)
	}

	options := make([]string, 0, len(inbound.Controls))
	for _, ctl := range inbound.Controls {
		options = append(options, ctl.Label)
	}

	sctx, cancel := context.WithTimeout(ctx, e.solverTimeout())
	defer cancel()
	sug, err := e.Solver.SolveVision(sctx, inbound.ImageRef, options)
	if err != nil {
		return nil, fmt.Errorf("vision solver: %w", err)
	}
	return e.applySuggestion(ctx, chatID, sug)
}

// solveMath forwards the latest inbound text to the solver.
func (e *Executor) solveMath(ctx context.Context, chatID int64) (*Result, error) {
	inbound, err := e.Transport.LatestInbound(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("fetch inbound: %w", err)
	}
	if inbound == nil || inbound.Text == "" {
		return nil, fmt.Errorf("no math problem in chat %d", chatID)
	}

	sctx, cancel := context.WithTimeout(ctx, e.solverTimeout())
	defer cancel()
	sug, err := e.Solver.SolveMath(sctx, inbound.Text)
	if err != nil {
		return nil, fmt.Errorf("math solver: %w", err)
	}
	return e.applySuggestion(ctx, chatID, sug)
}

// applySuggestion executes a solver suggestion as a nested click or
// send step.
func (e *Executor) applySuggestion(ctx context.Context, chatID int64, sug *solver.Suggestion) (*Result, error) {
	if sug == nil {
		return nil, solver.ErrBadSuggestion
	}
	if err := sug.Validate(); err != nil {
		return nil, err
	}

	switch sug.Kind {
	case solver.SuggestClick:
		res, err := e.clickButton(ctx, chatID, sug.Label)
		if err != nil {
			return nil, err
		}
		res.Detail = "solver: " + res.Detail
		return res, nil
	case solver.SuggestSend:
		res, err := e.sendText(ctx, chatID, sug.Text)
		if err != nil {
			return nil, err
		}
		res.Detail = "solver: " + res.Detail
		return res, nil
	}
	return nil, solver.ErrBadSuggestion
}

func (e *Executor) solverTimeout() time.Duration {
	if e.SolverTimeout > 0 {
		return e.SolverTimeout
	}
	return DefaultSolverTimeout
}

// matchLabel compares a control label against the configured text,
// ignoring case and surrounding whitespace.
func matchLabel(have, want string) bool {
	return strings.EqualFold(strings.TrimSpace(have), strings.TrimSpace(want))
}
