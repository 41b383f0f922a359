package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// Note holds the schema definition for the Note entity: a piece of durable
// knowledge the cognitive core accumulates about a person, project, or
// topic, or a journal entry. The canonical Markdown+YAML-frontmatter body
// lives on disk (see internal/knowledge); this table tracks the review
// schedule and version pointer so the SM-2 scheduler and the version log
// don't need to touch the filesystem to answer "what's due" or "what
// version are we on".
//
// No ent client is generated from this schema — see DESIGN.md for why.
// It documents the relational shape; pkg/database/migrations/000001_init.up.sql
// is the actual source of truth for the table.
type Note struct {
	ent.Schema
}

func (Note) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			Unique().
			Immutable(),
		field.Enum("type").
			Values("person", "project", "topic", "journal").
			Comment("kind of knowledge this note records"),
		field.String("path").
			Comment("file path of the Markdown note, relative to the notes root"),
		field.Int("current_version").
			Default(0),
		field.Float("ease_factor").
			Default(2.5).
			Comment("SM-2 easiness factor, floor 1.3"),
		field.Int("interval_days").
			Default(0),
		field.Int("repetitions").
			Default(0),
		field.Time("next_review_at").
			Optional().
			Nillable(),
		field.Time("last_reviewed_at").
			Optional().
			Nillable(),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
		field.Time("updated_at").
			Default(time.Now).
			UpdateDefault(time.Now),
		field.Time("deleted_at").
			Optional().
			Nillable().
			Comment("soft-delete marker; notes are never hard-deleted"),
	}
}

func (Note) Edges() []ent.Edge {
	return []ent.Edge{
		edge.To("versions", NoteVersion.Type),
		edge.To("entity_links", NoteEntityLink.Type),
	}
}

func (Note) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("type"),
		index.Fields("next_review_at"),
	}
}
