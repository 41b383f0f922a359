package domain

// ActionKind enumerates the kinds of side effects a plan may contain.
type ActionKind string

const (
	KindArchive        ActionKind = "archive"
	KindDelete         ActionKind = "delete"
	KindMove           ActionKind = "move"
	KindDraftReply     ActionKind = "draft_reply"
	KindSendReply      ActionKind = "send_reply"
	KindCreateTask     ActionKind = "create_task"
	KindEnrichNote     ActionKind = "enrich_note"
	KindCreateNote     ActionKind = "create_note"
	KindCreateCalendar ActionKind = "create_calendar_event"
	KindQueueForReview ActionKind = "queue_for_review"
	KindFlag           ActionKind = "flag"
	KindSnooze         ActionKind = "snooze"
)

// RollbackGuarantee documents what undo actually restores for a given
// action kind, resolving the open question in spec.md §9 about
// soft-trash-only providers.
type RollbackGuarantee string

const (
	RollbackFull      RollbackGuarantee = "full"
	RollbackSoftTrash RollbackGuarantee = "soft_trash"
	RollbackNone      RollbackGuarantee = "none"
)

// riskTable is the fixed per-kind risk table from spec.md §4.8. archive is
// reversible (trash-recoverable), delete is mostly irreversible, send_reply
// is the highest risk because it has an externally visible, unrecallable
// effect.
var riskTable = map[ActionKind]float64{
	KindArchive:        0.1,
	KindDelete:         0.7,
	KindMove:           0.2,
	KindDraftReply:     0.1,
	KindSendReply:      0.9,
	KindCreateTask:     0.15,
	KindEnrichNote:     0.1,
	KindCreateNote:     0.1,
	KindCreateCalendar: 0.2,
	KindQueueForReview: 0.0,
	KindFlag:           0.05,
	KindSnooze:         0.05,
}

var rollbackTable = map[ActionKind]RollbackGuarantee{
	KindArchive:        RollbackFull,
	KindDelete:         RollbackSoftTrash,
	KindMove:           RollbackFull,
	KindDraftReply:     RollbackFull,
	KindSendReply:      RollbackNone,
	KindCreateTask:     RollbackFull,
	KindEnrichNote:     RollbackFull,
	KindCreateNote:     RollbackFull,
	KindCreateCalendar: RollbackFull,
	KindQueueForReview: RollbackFull,
	KindFlag:           RollbackFull,
	KindSnooze:         RollbackFull,
}

// RiskFor returns the fixed baseline risk for an action kind.
func RiskFor(kind ActionKind) float64 {
	if r, ok := riskTable[kind]; ok {
		return r
	}
	return 0.5 // unknown kind: treat conservatively until classified
}

// RollbackGuaranteeFor returns the documented rollback guarantee for an
// action kind.
func RollbackGuaranteeFor(kind ActionKind) RollbackGuarantee {
	if g, ok := rollbackTable[kind]; ok {
		return g
	}
	return RollbackNone
}

// PlannedAction is one node of the action DAG the planner builds from a
// terminal hypothesis.
type PlannedAction struct {
	ID         string            `json:"id"`
	Kind       ActionKind        `json:"kind"`
	Inputs     map[string]string `json:"inputs"` // references (note ids, extraction indices), never copies of content
	Risk       float64           `json:"risk"`
	Reversible bool              `json:"reversible"`
	Rollback   RollbackGuarantee `json:"rollback"`
	DependsOn  []string          `json:"depends_on"`
}

// ExecutionMode controls whether a plan runs unattended, needs a review
// click, or requires the user to act manually (spec.md §4.8 rule 5).
type ExecutionMode string

const (
	ModeAuto   ExecutionMode = "auto"
	ModeReview ExecutionMode = "review"
	ModeManual ExecutionMode = "manual"
)

// ActionPlan is the DAG-shaped output of the planner.
type ActionPlan struct {
	Actions []PlannedAction `json:"actions"`
	MaxRisk float64         `json:"max_risk"`
	Mode    ExecutionMode   `json:"mode"`
}
