package schema

import (
	"entgo.io/ent"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// NoteEntityLink holds the schema definition for the many-to-many mapping
// from a Note to the entities it mentions, letting by_entity lookups
// (spec.md §4.3) avoid a full-text scan.
type NoteEntityLink struct {
	ent.Schema
}

func (NoteEntityLink) Fields() []ent.Field {
	return []ent.Field{
		field.String("note_id").Immutable(),
		field.String("entity_type").Immutable(),
		field.String("entity_value").Immutable(),
	}
}

func (NoteEntityLink) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("note", Note.Type).
			Ref("entity_links").
			Field("note_id").
			Unique().
			Required().
			Immutable(),
	}
}

func (NoteEntityLink) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("entity_type", "entity_value"),
		index.Fields("note_id", "entity_type", "entity_value").Unique(),
	}
}
