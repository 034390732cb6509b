// Package solver defines the AI-solver collaborator boundary for
// challenge actions. The model behind it is external configuration.
package solver

import (
	"context"
	"errors"
)

// ErrBadSuggestion indicates the solver returned something the executor
// cannot turn into a concrete step.
var ErrBadSuggestion = errors.New("solver: malformed suggestion")

// SuggestionKind says how to act on a solver answer.
type SuggestionKind string

const (
	// SuggestClick means press the inline control with Label.
	SuggestClick SuggestionKind = "click"
	// SuggestSend means send Text to the chat.
	SuggestSend SuggestionKind = "send"
)

// Suggestion is the solver's proposed concrete action.
type Suggestion struct {
	Kind  SuggestionKind `json:"kind"`
	Label string         `json:"label,omitempty"`
	Text  string         `json:"text,omitempty"`
}

// Validate checks the suggestion carries the parameter its kind needs.
func (s *Suggestion) Validate() error {
	switch s.Kind {
	case SuggestClick:
		if s.Label == "" {
			return ErrBadSuggestion
		}
	case SuggestSend:
		if s.Text == "" {
			return ErrBadSuggestion
		}
	default:
		return ErrBadSuggestion
	}
	return nil
}

// Solver interprets a challenge and proposes an action. Callers supply
// the timeout through ctx; exceeding it is an action failure, not a
// system fault.
type Solver interface {
	// SolveVision interprets an image challenge.
	SolveVision(ctx context.Context, imageRef string, options []string) (*Suggestion, error)

	// SolveMath computes the answer to a textual math problem.
	SolveMath(ctx context.Context, problem string) (*Suggestion, error)
}
