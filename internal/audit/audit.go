// Package audit records append-only engine events for operator review.
package audit

import (
	"log"

	"github.com/fentz26/signet/internal/store"
)

// Writer appends audit events to the store. A nil-store writer drops
// events, which keeps tests and dry runs simple.
type Writer struct {
	store *store.Store
}

// NewWriter creates an audit writer.
func NewWriter(s *store.Store) *Writer {
	return &Writer{store: s}
}

// Record writes one event. Audit failures are logged, never propagated:
// a broken audit trail must not fail a run.
func (w *Writer) Record(action, outcome, taskID, accountID, details string) {
	if w == nil || w.store == nil {
		return
	}
	if _, err := w.store.AppendAudit(action, outcome, taskID, accountID, details); err != nil {
		log.Printf("audit: record %s: %v", action, err)
	}
}
