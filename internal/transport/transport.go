// Package transport defines the messaging-transport collaborator
// boundary. The wire client behind it is external; the engine only
// depends on this capability set, scoped to one account's session.
package transport

import (
	"context"
	"errors"
)

// Transport-level errors the executor maps into action failures.
var (
	ErrNotAuthorized   = errors.New("transport: session not logged in")
	ErrRateLimited     = errors.New("transport: rate limited")
	ErrNetwork         = errors.New("transport: network failure")
	ErrControlNotFound = errors.New("transport: control not found")
)

// SendResult holds the transport handle of an accepted outbound message.
type SendResult struct {
	MessageID int64 `json:"message_id"`
}

// Control is one inline control attached to an inbound message.
type Control struct {
	MessageID int64  `json:"message_id"`
	Label     string `json:"label"`
	Data      string `json:"data,omitempty"`
}

// Inbound is the most recent relevant inbound content in a chat, used
// as input to the AI solver actions.
type Inbound struct {
	MessageID int64  `json:"message_id"`
	Text      string `json:"text,omitempty"`
	ImageRef  string `json:"image_ref,omitempty"`
	Controls  []Control
}

// Transport is the capability set the engine drives against one chat
// platform session. Implementations must be safe for sequential use by
// a single runner; the account lock guarantees there is never more than
// one driver.
type Transport interface {
	// SendText sends literal text to a chat.
	SendText(ctx context.Context, chatID int64, text string) (*SendResult, error)

	// SendDice sends a dice-type interactive message. Empty emoji
	// selects the platform default.
	SendDice(ctx context.Context, chatID int64, emoji string) (*SendResult, error)

	// RecentControls lists the inline controls of the most recent
	// inbound messages, newest first, bounded by lookback.
	RecentControls(ctx context.Context, chatID int64, lookback int) ([]Control, error)

	// InvokeControl presses an inline control.
	InvokeControl(ctx context.Context, chatID int64, ctl Control) error

	// LatestInbound returns the newest inbound content in the chat, or
	// nil when the chat has none.
	LatestInbound(ctx context.Context, chatID int64) (*Inbound, error)

	// DeleteMessage removes an outbound message. Best-effort callers
	// must tolerate failure.
	DeleteMessage(ctx context.Context, chatID int64, messageID int64) error
}

// Dialer opens a transport session for one account. The session
// credential reference and proxy come from the account record.
type Dialer interface {
	Dial(ctx context.Context, sessionRef, proxy string) (Transport, error)
}
