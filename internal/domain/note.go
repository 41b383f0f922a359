package domain

import "time"

// NoteType classifies a knowledge-store note.
type NoteType string

const (
	NoteTypePerson  NoteType = "person"
	NoteTypeProject NoteType = "project"
	NoteTypeTopic   NoteType = "topic"
	NoteTypeJournal NoteType = "journal"
)

// LinkedSourceKind identifies the external store a LinkedSource points into.
type LinkedSourceKind string

const (
	LinkedSourceFolder  LinkedSourceKind = "folder"
	LinkedSourceChat    LinkedSourceKind = "chat"
	LinkedSourceMailbox LinkedSourceKind = "mailbox"
)

// LinkedSource is a typed pointer, embedded in a note's frontmatter, into an
// external store used to seed cross-source-search filters (spec.md §4.5).
type LinkedSource struct {
	Kind  LinkedSourceKind `json:"kind" yaml:"kind"`
	Value string           `json:"value" yaml:"value"`
}

// ReviewMeta is the SM-2 spaced-repetition state attached to a note.
type ReviewMeta struct {
	Easiness   float64    `json:"easiness" yaml:"easiness"`
	IntervalD  int        `json:"interval_days" yaml:"interval_days"`
	Repetition int        `json:"repetition" yaml:"repetition"`
	NextReview *time.Time `json:"next_review,omitempty" yaml:"next_review,omitempty"`
}

// DefaultReviewMeta is the SM-2 starting state for a freshly created note.
func DefaultReviewMeta() ReviewMeta {
	return ReviewMeta{Easiness: 2.5, IntervalD: 0, Repetition: 0}
}

// Frontmatter is the YAML header persisted atop every note file.
type Frontmatter struct {
	Title         string         `yaml:"title"`
	Type          NoteType       `yaml:"type"`
	Tags          []string       `yaml:"tags,omitempty"`
	LinkedSources []LinkedSource `yaml:"linked_sources,omitempty"`
	Review        ReviewMeta     `yaml:"review"`
	DeletedAt     *time.Time     `yaml:"deleted_at,omitempty"`
}

// Section is a header-delimited slice of a note's body (e.g. "## History").
type Section struct {
	Header string `json:"header"`
	Body   string `json:"body"`
}

// Note is a file-backed knowledge-store unit. Notes are only ever created
// and edited through the knowledge store (internal/knowledge); every edit
// appends an immutable version rather than mutating in place (invariant d).
type Note struct {
	ID          string      `json:"id"`
	Folder      string      `json:"folder"`
	Frontmatter Frontmatter `json:"frontmatter"`
	Sections    []Section   `json:"sections"`
	Version     int         `json:"version"`
	UpdatedAt   time.Time   `json:"updated_at"`
	Embedding   []float32   `json:"-"`
}

// Path is the url-like address path++[id] described in spec.md §4.3.
func (n Note) Path() string {
	if n.Folder == "" {
		return n.ID
	}
	return n.Folder + "/" + n.ID
}

// Body renders the concatenated section bodies in order, each under its
// header, for full-text search and diffing.
func (n Note) Body() string {
	out := ""
	for i, s := range n.Sections {
		if i > 0 {
			out += "\n\n"
		}
		if s.Header != "" {
			out += s.Header + "\n"
		}
		out += s.Body
	}
	return out
}

// IsDeleted reports whether the note is soft-deleted (invariant d: deletion
// is a flag, never a removal).
func (n Note) IsDeleted() bool { return n.Frontmatter.DeletedAt != nil }

// NoteVersion is one immutable, append-only revision of a note.
type NoteVersion struct {
	NoteID    string    `json:"note_id"`
	Version   int       `json:"version"`
	Content   Note      `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
