package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// CalibrationBucket holds the schema definition for the per-source,
// per-action-kind, per-confidence-decile agreement table the feedback
// loop (spec.md §4.11) reads to decide whether a stage's stated
// confidence is actually trustworthy.
type CalibrationBucket struct {
	ent.Schema
}

func (CalibrationBucket) Fields() []ent.Field {
	return []ent.Field{
		field.String("source").Immutable(),
		field.String("action_kind").Immutable(),
		field.Int("confidence_bucket").
			Immutable().
			Comment("decile 0-9"),
		field.Int64("total").Default(0),
		field.Int64("agreed").Default(0),
		field.Time("updated_at").
			Default(time.Now).
			UpdateDefault(time.Now),
	}
}

func (CalibrationBucket) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("source", "action_kind", "confidence_bucket").Unique(),
	}
}

// CalibrationPattern holds the schema definition for the sender-to-action
// counts; once a pattern reaches ≥20 samples with >0.95 agreement it is
// rendered as a prior into V1's prompt (spec.md §4.11).
type CalibrationPattern struct {
	ent.Schema
}

func (CalibrationPattern) Fields() []ent.Field {
	return []ent.Field{
		field.String("sender").Immutable(),
		field.String("action_kind").Immutable(),
		field.Int64("sample_count").Default(0),
		field.Int64("agreement_count").Default(0),
		field.Time("updated_at").
			Default(time.Now).
			UpdateDefault(time.Now),
	}
}

func (CalibrationPattern) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("sender", "action_kind").Unique(),
	}
}
