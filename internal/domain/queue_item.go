package domain

import "time"

// QueueStatus is the persisted lifecycle state of a QueueItem.
type QueueStatus string

const (
	StatusPending    QueueStatus = "pending"
	StatusInProgress QueueStatus = "in_progress"
	StatusSnoozed    QueueStatus = "snoozed"
	StatusExecuted   QueueStatus = "executed"
	StatusRejected   QueueStatus = "rejected"
	StatusErrored    QueueStatus = "errored"
)

// Tab is a derived view over QueueStatus used by list_by_tab (spec.md §4.10).
type Tab string

const (
	TabToProcess Tab = "to_process"
	TabInProgress Tab = "in_progress"
	TabSnoozed    Tab = "snoozed"
	TabHistory    Tab = "history"
	TabErrors     Tab = "errors"
)

// TabFor derives the tab a QueueItem belongs to from its status fields.
func TabFor(status QueueStatus, snoozedUntil *time.Time, lastError string) Tab {
	switch status {
	case StatusErrored:
		return TabErrors
	case StatusSnoozed:
		return TabSnoozed
	case StatusInProgress:
		return TabInProgress
	case StatusExecuted, StatusRejected:
		return TabHistory
	default:
		if lastError != "" {
			return TabErrors
		}
		return TabToProcess
	}
}

// Option is one actionable choice offered to the user for a queue item
// (e.g. "approve as suggested" vs. an alternate plan).
type Option struct {
	ID          string      `json:"id"`
	Label       string      `json:"label"`
	Plan        ActionPlan  `json:"plan"`
}

// UndoToken grants the right to invoke stored compensations while it
// remains valid (invariant c).
type UndoToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	// NoteVersionsAtExecution snapshots the version number of every note
	// touched by the executed plan, so undo can detect an intervening
	// write to the same note and refuse (see DESIGN.md Open Question).
	NoteVersionsAtExecution map[string]int `json:"note_versions_at_execution,omitempty"`
}

// Valid reports whether the token is still usable at the given instant.
func (t *UndoToken) Valid(now time.Time) bool {
	return t != nil && now.Before(t.ExpiresAt)
}

// QueueItem is the persisted envelope for an event awaiting (or having
// received) a human decision.
type QueueItem struct {
	ID           string       `json:"id"`
	EventID      string       `json:"event_id"`
	Source       Source       `json:"source"`
	Snapshot     WorkingMemory `json:"-"` // analysis snapshot; not serialized verbatim, stored via repository encoding
	Options      []Option     `json:"options"`
	Status       QueueStatus  `json:"status"`
	SnoozedUntil *time.Time   `json:"snoozed_until,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
	ExecutedAt   *time.Time   `json:"executed_at,omitempty"`
	UndoToken    *UndoToken   `json:"undo_token,omitempty"`
	LastError    string       `json:"last_error,omitempty"`
}

// Tab derives this item's tab.
func (q QueueItem) Tab() Tab { return TabFor(q.Status, q.SnoozedUntil, q.LastError) }
