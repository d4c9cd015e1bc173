package models

import "time"

// NoteKind classifies a knowledge note.
type NoteKind string

const (
	NoteKindBug         NoteKind = "bug"
	NoteKindInsight     NoteKind = "insight"
	NoteKindPattern     NoteKind = "pattern"
	NoteKindImprovement NoteKind = "improvement"
	NoteKindQuestion    NoteKind = "question"
	NoteKindNote        NoteKind = "note"
)

// IsValid checks if the note kind is valid
func (k NoteKind) IsValid() bool {
	switch k {
	case NoteKindBug, NoteKindInsight, NoteKindPattern, NoteKindImprovement, NoteKindQuestion, NoteKindNote:
		return true
	default:
		return false
	}
}

// NoteStatus is the lifecycle state of a knowledge note.
type NoteStatus string

const (
	NoteStatusOpen     NoteStatus = "open"
	NoteStatusResolved NoteStatus = "resolved"
	NoteStatusArchived NoteStatus = "archived"
)

// IsValid checks if the note status is valid
func (s NoteStatus) IsValid() bool {
	return s == NoteStatusOpen || s == NoteStatusResolved || s == NoteStatusArchived
}

// KnowledgeNote is one observation an agent or the recovery loop recorded.
// Notes may supersede earlier notes.
type KnowledgeNote struct {
	ID         string     `json:"id"`
	AuthorUUID string     `json:"author_uuid"`
	Summary    string     `json:"summary"`
	Details    string     `json:"details,omitempty"`
	Kind       NoteKind   `json:"kind"`
	Severity   string     `json:"severity,omitempty"`
	Tags       []string   `json:"tags,omitempty"`
	Status     NoteStatus `json:"status"`
	Supersedes string     `json:"supersedes,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// NoteFilters narrows knowledge note listings and searches.
type NoteFilters struct {
	AuthorUUID string     `json:"author_uuid,omitempty"`
	Kind       NoteKind   `json:"kind,omitempty"`
	Status     NoteStatus `json:"status,omitempty"`
	Tag        string     `json:"tag,omitempty"`
	Query      string     `json:"query,omitempty"`
	Limit      int        `json:"limit,omitempty"`
	Offset     int        `json:"offset,omitempty"`
}
