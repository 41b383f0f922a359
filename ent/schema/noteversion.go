package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// NoteVersion holds the schema definition for an append-only version of a
// Note's frontmatter+body, written on every create/update/restore so
// diff and restore never need to reconstruct history from the live file.
type NoteVersion struct {
	ent.Schema
}

func (NoteVersion) Fields() []ent.Field {
	return []ent.Field{
		field.String("note_id").
			Immutable(),
		field.Int("version").
			Immutable(),
		field.JSON("frontmatter", map[string]interface{}{}).
			Immutable(),
		field.Text("body").
			Immutable().
			Comment("full-text searchable via GIN index, see CreateGINIndexes"),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
	}
}

func (NoteVersion) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("note", Note.Type).
			Ref("versions").
			Field("note_id").
			Unique().
			Required().
			Immutable(),
	}
}

func (NoteVersion) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("note_id", "version").Unique(),
	}
}
