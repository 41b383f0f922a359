// Package perception implements C1 (event normalization) and C2
// (continuity detection) from spec.md §4.1-4.2: turning heterogeneous
// source-native records into canonical PerceivedEvents and clustering them
// into threads.
package perception

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/fourvalet/valet/internal/domain"
)

// RawRecord is a source-native record fetched from a SourceAdapter, carried
// with enough provenance for a Normalizer to build a PerceivedEvent.
type RawRecord struct {
	Source            domain.Source
	CanonicalSourceID string
	Kind              string
	OccurredAt        time.Time
	Subject           string
	BodyPlain         string
	BodyRich          *string
	Participants      []domain.Party
	Attachments       []domain.Attachment
	ThreadHint        string // native threading header, if the source provides one
}

// Normalizer maps one source's RawRecord into entities and an importance
// prior. Each source registers its own; the Registry looks one up by
// domain.Source the way the teacher's config.SubAgentRegistry looks up an
// agent config by name.
type Normalizer interface {
	// ExtractEntities derives typed entities from a record's text content.
	ExtractEntities(ctx context.Context, r RawRecord) ([]domain.Entity, error)
}

// Registry maps a Source to its Normalizer.
type Registry struct {
	byName map[domain.Source]Normalizer
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[domain.Source]Normalizer)}
}

// Register installs a Normalizer for a source. Re-registering a source
// replaces its normalizer.
func (r *Registry) Register(source domain.Source, n Normalizer) {
	r.byName[source] = n
}

// Get looks up the Normalizer for a source.
func (r *Registry) Get(source domain.Source) (Normalizer, bool) {
	n, ok := r.byName[source]
	return n, ok
}

// VIPs is the fixed set of participant identities that receive an
// importance bonus (spec.md §4.1 "VIP list bonus").
type VIPs map[string]bool

// urgencyKeywords contribute to the importance prior when present in the
// subject or body (case-insensitive).
var urgencyKeywords = []string{"urgent", "asap", "deadline", "action required", "important"}

// EventNormalizer turns RawRecords into PerceivedEvents, deterministically and
// idempotently: re-normalizing the same record (and the same "now" for
// age-bucket purposes) yields a byte-identical event except for
// IngestedAt, which the caller is responsible for preserving across
// re-ingestion (see EventNormalizer.Normalize doc).
type EventNormalizer struct {
	registry *Registry
	vips     VIPs
}

// NewEventNormalizer builds a normalizer over a registry of per-source
// entity extractors and a VIP set used for importance scoring.
func NewEventNormalizer(registry *Registry, vips VIPs) *EventNormalizer {
	if vips == nil {
		vips = VIPs{}
	}
	return &EventNormalizer{registry: registry, vips: vips}
}

// Normalize converts a RawRecord into a PerceivedEvent. ingestedAt should be
// the first-seen timestamp for this event_id — callers that re-ingest an
// already-known event must pass the originally recorded IngestedAt, not
// time.Now(), to satisfy the idempotence invariant (spec.md §8: "re-
// normalizing e yields a byte-identical PerceivedEvent").
func (n *EventNormalizer) Normalize(ctx context.Context, r RawRecord, ingestedAt time.Time) (domain.PerceivedEvent, error) {
	if r.CanonicalSourceID == "" {
		return domain.PerceivedEvent{}, fmt.Errorf("%w: empty canonical source id", domain.ErrMalformedRecord)
	}
	if r.OccurredAt.IsZero() {
		return domain.PerceivedEvent{}, fmt.Errorf("%w: missing occurred_at", domain.ErrMalformedRecord)
	}

	var entities []domain.Entity
	if normalizer, ok := n.registry.Get(r.Source); ok {
		var err error
		entities, err = normalizer.ExtractEntities(ctx, r)
		if err != nil {
			return domain.PerceivedEvent{}, fmt.Errorf("%w: %v", domain.ErrMalformedRecord, err)
		}
	}
	entities = append(entities, extractDatesAndAmounts(r.Subject+"\n"+r.BodyPlain)...)
	sortEntities(entities)

	participants := make([]domain.Party, len(r.Participants))
	copy(participants, r.Participants)
	sortParticipants(participants)

	event := domain.PerceivedEvent{
		EventID:         domain.EventID(r.Source, r.CanonicalSourceID),
		Source:          r.Source,
		Kind:            r.Kind,
		OccurredAt:      r.OccurredAt,
		IngestedAt:      ingestedAt,
		Participants:    participants,
		Subject:         r.Subject,
		BodyPlain:       r.BodyPlain,
		BodyRich:        r.BodyRich,
		Attachments:     append([]domain.Attachment{}, r.Attachments...),
		Entities:        entities,
		ImportancePrior: n.importancePrior(r, participants),
	}
	return event, nil
}

// importancePrior implements the fixed rubric from spec.md §4.1: VIP bonus,
// urgency keywords, mention weight, recency.
func (n *EventNormalizer) importancePrior(r RawRecord, participants []domain.Party) float64 {
	score := 0.3 // baseline

	for _, p := range participants {
		if n.vips[strings.ToLower(p.Identity)] {
			score += 0.25
			break
		}
	}

	text := strings.ToLower(r.Subject + " " + r.BodyPlain)
	for _, kw := range urgencyKeywords {
		if strings.Contains(text, kw) {
			score += 0.15
			break
		}
	}

	mentions := 0
	for _, p := range participants {
		if p.Role == domain.RoleMention {
			mentions++
		}
	}
	if mentions > 0 {
		score += 0.1
	}

	age := time.Since(r.OccurredAt)
	switch {
	case age < 24*time.Hour:
		score += 0.1
	case age < 7*24*time.Hour:
		score += 0.05
	}

	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return score
}

var (
	dateRe   = regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2}|\d{1,2}/\d{1,2}/\d{2,4})\b`)
	amountRe = regexp.MustCompile(`[$€£]\s?\d[\d,]*(\.\d{2})?|\b\d[\d,]*(\.\d{2})?\s?(USD|EUR|GBP)\b`)
)

// extractDatesAndAmounts is the regex+dictionary layer of entity
// extraction common to every source (spec.md §4.1).
func extractDatesAndAmounts(text string) []domain.Entity {
	var out []domain.Entity
	for _, m := range dateRe.FindAllString(text, -1) {
		out = append(out, domain.Entity{Type: domain.EntityDate, Value: m})
	}
	for _, m := range amountRe.FindAllString(text, -1) {
		out = append(out, domain.Entity{Type: domain.EntityAmount, Value: strings.TrimSpace(m)})
	}
	return out
}

func sortEntities(e []domain.Entity) {
	sort.Slice(e, func(i, j int) bool {
		if e[i].Type != e[j].Type {
			return e[i].Type < e[j].Type
		}
		return e[i].Value < e[j].Value
	})
}

func sortParticipants(p []domain.Party) {
	sort.Slice(p, func(i, j int) bool {
		if p[i].Role != p[j].Role {
			return p[i].Role < p[j].Role
		}
		return p[i].Identity < p[j].Identity
	})
}
