package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// QueueItem holds the schema definition for a pending, approved, rejected,
// or snoozed planned action awaiting (or past) human review (spec.md
// §4.10). Generalizes the teacher's AlertSession shape (status enum,
// soft lifecycle timestamps, JSON payload column) from "investigation
// session" to "reviewable action".
type QueueItem struct {
	ent.Schema
}

func (QueueItem) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			Unique().
			Immutable(),
		field.String("source").
			Immutable(),
		field.String("source_id").
			Immutable().
			Comment("dedup key together with source"),
		field.Enum("status").
			Values("pending", "in_progress", "snoozed", "executed", "rejected", "errored").
			Default("pending"),
		field.String("action_kind"),
		field.Float("risk"),
		field.Float("confidence"),
		field.JSON("payload", map[string]interface{}{}).
			Comment("the PlannedAction and its supporting hypothesis, full-text+structural searchable via GIN"),
		field.Time("snoozed_until").
			Optional().
			Nillable(),
		field.String("last_error").
			Optional().
			Nillable(),
		field.JSON("undo_token", map[string]interface{}{}).
			Optional().
			Nillable(),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
		field.Time("updated_at").
			Default(time.Now).
			UpdateDefault(time.Now),
	}
}

func (QueueItem) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("source", "source_id").Unique(),
		index.Fields("status"),
	}
}
