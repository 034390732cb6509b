// Package signercli drives a messaging session through an external
// signer CLI binary, one subprocess per transport call. The binary owns
// the platform wire protocol; this package only speaks its JSON
// command surface.
package signercli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"

	"github.com/fentz26/signet/internal/transport"
)

// Dialer builds CLI-backed transports. Binary is the signer executable
// on PATH; SessionDir holds the per-account session files it reads.
type Dialer struct {
	Binary     string
	SessionDir string
}

// NewDialer creates a dialer for the given signer binary.
func NewDialer(binary, sessionDir string) *Dialer {
	return &Dialer{Binary: binary, SessionDir: sessionDir}
}

// Dial returns a transport bound to one account session. The CLI
// validates the session on first use, not here.
func (d *Dialer) Dial(ctx context.Context, sessionRef, proxy string) (transport.Transport, error) {
	if sessionRef == "" {
		return nil, transport.ErrNotAuthorized
	}
	return &cliTransport{
		binary:     d.Binary,
		sessionDir: d.SessionDir,
		sessionRef: sessionRef,
		proxy:      proxy,
	}, nil
}

type cliTransport struct {
	binary     string
	sessionDir string
	sessionRef string
	proxy      string
}

// run invokes one CLI subcommand and decodes its JSON stdout into out.
func (t *cliTransport) run(ctx context.Context, out interface{}, args ...string) error {
	base := []string{"--session-dir", t.sessionDir, "--session", t.sessionRef, "--json"}
	if t.proxy != "" {
		base = append(base, "--proxy", t.proxy)
	}

	cmd := exec.CommandContext(ctx, t.binary, append(base, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return classify(stderr.String(), err)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(stdout.Bytes(), out); err != nil {
		return fmt.Errorf("decode %s output: %w", args[0], err)
	}
	return nil
}

// classify maps CLI failures onto the transport error taxonomy using
// the error tags the signer binary prints.
func classify(stderr string, err error) error {
	switch {
	case bytes.Contains([]byte(stderr), []byte("AUTH_KEY")) ||
		bytes.Contains([]byte(stderr), []byte("not logged in")):
		return fmt.Errorf("%w: %s", transport.ErrNotAuthorized, firstLine(stderr))
	case bytes.Contains([]byte(stderr), []byte("FLOOD_WAIT")) ||
		bytes.Contains([]byte(stderr), []byte("rate limit")):
		return fmt.Errorf("%w: %s", transport.ErrRateLimited, firstLine(stderr))
	default:
		return fmt.Errorf("%w: %v: %s", transport.ErrNetwork, err, firstLine(stderr))
	}
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}

func (t *cliTransport) SendText(ctx context.Context, chatID int64, text string) (*transport.SendResult, error) {
	var res transport.SendResult
	if err := t.run(ctx, &res, "send-text", strconv.FormatInt(chatID, 10), text); err != nil {
		return nil, err
	}
	return &res, nil
}

func (t *cliTransport) SendDice(ctx context.Context, chatID int64, emoji string) (*transport.SendResult, error) {
	args := []string{"send-dice", strconv.FormatInt(chatID, 10)}
	if emoji != "" {
		args = append(args, "--emoji", emoji)
	}
	var res transport.SendResult
	if err := t.run(ctx, &res, args...); err != nil {
		return nil, err
	}
	return &res, nil
}

func (t *cliTransport) RecentControls(ctx context.Context, chatID int64, lookback int) ([]transport.Control, error) {
	var controls []transport.Control
	err := t.run(ctx, &controls, "list-controls", strconv.FormatInt(chatID, 10),
		"--lookback", strconv.Itoa(lookback))
	if err != nil {
		return nil, err
	}
	return controls, nil
}

func (t *cliTransport) InvokeControl(ctx context.Context, chatID int64, ctl transport.Control) error {
	return t.run(ctx, nil, "click", strconv.FormatInt(chatID, 10),
		strconv.FormatInt(ctl.MessageID, 10), ctl.Data)
}

func (t *cliTransport) LatestInbound(ctx context.Context, chatID int64) (*transport.Inbound, error) {
	var inbound transport.Inbound
	if err := t.run(ctx, &inbound, "latest-inbound", strconv.FormatInt(chatID, 10)); err != nil {
		return nil, err
	}
	if inbound.MessageID == 0 {
		return nil, nil
	}
	return &inbound, nil
}

func (t *cliTransport) DeleteMessage(ctx context.Context, chatID int64, messageID int64) error {
	return t.run(ctx, nil, "delete", strconv.FormatInt(chatID, 10), strconv.FormatInt(messageID, 10))
}
