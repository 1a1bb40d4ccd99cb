package adjudication

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentifierLength = 190

// DateLayout is the calendar date format accepted for note and event dates.
const DateLayout = "2006-01-02"

var (
	// ErrInvalidPatientID indicates that a patient identifier is empty or exceeds storage bounds.
	ErrInvalidPatientID = errors.New("adjudication: invalid patient id")
	// ErrInvalidNoteID indicates that a note identifier is empty or exceeds storage bounds.
	ErrInvalidNoteID = errors.New("adjudication: invalid note id")
	// ErrInvalidAnnotationID indicates that an annotation identifier is empty or exceeds storage bounds.
	ErrInvalidAnnotationID = errors.New("adjudication: invalid annotation id")
	// ErrInvalidDate indicates that a calendar date could not be parsed.
	ErrInvalidDate = errors.New("adjudication: invalid date")
)

// PatientID represents a validated patient identifier.
type PatientID string

// NewPatientID validates raw input and returns a PatientID.
func NewPatientID(rawInput string) (PatientID, error) {
	trimmed, err := validateIdentifier(rawInput, ErrInvalidPatientID)
	return PatientID(trimmed), err
}

// String returns the underlying string identifier.
func (id PatientID) String() string {
	return string(id)
}

// NoteID represents a validated note identifier.
type NoteID string

// NewNoteID validates raw input and returns a NoteID.
func NewNoteID(rawInput string) (NoteID, error) {
	trimmed, err := validateIdentifier(rawInput, ErrInvalidNoteID)
	return NoteID(trimmed), err
}

// String returns the underlying string identifier.
func (id NoteID) String() string {
	return string(id)
}

// AnnotationID represents a validated annotation identifier.
type AnnotationID string

// NewAnnotationID validates raw input and returns an AnnotationID.
func NewAnnotationID(rawInput string) (AnnotationID, error) {
	trimmed, err := validateIdentifier(rawInput, ErrInvalidAnnotationID)
	return AnnotationID(trimmed), err
}

// String returns the underlying string identifier.
func (id AnnotationID) String() string {
	return string(id)
}

func validateIdentifier(rawInput string, sentinel error) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", sentinel)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", sentinel, maxIdentifierLength)
	}
	return trimmed, nil
}

// ParseDate parses a YYYY-MM-DD calendar date into a UTC midnight timestamp.
func ParseDate(rawInput string) (time.Time, error) {
	parsed, err := time.Parse(DateLayout, strings.TrimSpace(rawInput))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, rawInput)
	}
	return parsed.UTC(), nil
}

// Patient tracks review and lock status for one patient.
type Patient struct {
	PatientID        string  `gorm:"column:patient_id;primaryKey;size:190;not null"`
	Reviewed         bool    `gorm:"column:reviewed;not null;default:false;index:idx_patients_available,priority:1"`
	Locked           bool    `gorm:"column:locked;not null;default:false;index:idx_patients_available,priority:2"`
	ReviewedBy       *string `gorm:"column:reviewed_by;size:190"`
	UpdatedAtSeconds int64   `gorm:"column:updated_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Patient) TableName() string {
	return "patients"
}

// PatientComment is one free-text reviewer comment attached to a patient.
type PatientComment struct {
	CommentID        string `gorm:"column:comment_id;primaryKey;size:64;not null"`
	PatientID        string `gorm:"column:patient_id;size:190;not null;index:idx_comments_patient_time,priority:1"`
	Reviewer         string `gorm:"column:reviewer;size:190;not null"`
	Body             string `gorm:"column:body;type:text;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null;index:idx_comments_patient_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (PatientComment) TableName() string {
	return "patient_comments"
}

// Note is one clinical text record. Text is immutable after ingestion.
type Note struct {
	NoteID             string    `gorm:"column:note_id;primaryKey;size:190;not null"`
	PatientID          string    `gorm:"column:patient_id;size:190;not null;index"`
	Text               string    `gorm:"column:text;type:text;not null"`
	TextDate           time.Time `gorm:"column:text_date;not null"`
	TextTag1           string    `gorm:"column:text_tag_1;size:190;not null;default:''"`
	TextTag2           string    `gorm:"column:text_tag_2;size:190;not null;default:''"`
	TextTag3           string    `gorm:"column:text_tag_3;size:190;not null;default:''"`
	TextTag4           string    `gorm:"column:text_tag_4;size:190;not null;default:''"`
	TextTag5           string    `gorm:"column:text_tag_5;size:190;not null;default:''"`
	Reviewed           bool      `gorm:"column:reviewed;not null;default:false"`
	ReviewedBy         *string   `gorm:"column:reviewed_by;size:190"`
	AnnotatedAtSeconds int64     `gorm:"column:annotated_at_s;not null;default:0"`
	Score              *float64  `gorm:"column:score"`
}

// TableName provides the explicit table binding for GORM.
func (Note) TableName() string {
	return "notes"
}

// Tags returns the non-empty tag fields in order.
func (n Note) Tags() []string {
	tags := make([]string, 0, 5)
	for _, tag := range []string{n.TextTag1, n.TextTag2, n.TextTag3, n.TextTag4, n.TextTag5} {
		if tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags
}

// Annotation is one candidate produced by the NLP pipeline together with its adjudication flags.
type Annotation struct {
	AnnotationID       string     `gorm:"column:annotation_id;primaryKey;size:64;not null"`
	NoteID             string     `gorm:"column:note_id;size:190;not null;index:idx_annotations_note_sentence,priority:1"`
	PatientID          string     `gorm:"column:patient_id;size:190;not null;index:idx_annotations_patient_pending,priority:1"`
	TextDate           time.Time  `gorm:"column:text_date;not null"`
	Sentence           string     `gorm:"column:sentence;type:text;not null"`
	SentenceIndex      int        `gorm:"column:sentence_index;not null;index:idx_annotations_note_sentence,priority:2"`
	SentenceStart      int        `gorm:"column:sentence_start;not null"`
	SentenceEnd        int        `gorm:"column:sentence_end;not null"`
	NoteStart          int        `gorm:"column:note_start;not null"`
	NoteEnd            int        `gorm:"column:note_end;not null"`
	StartInSentence    int        `gorm:"column:start_in_sentence;not null"`
	EndInSentence      int        `gorm:"column:end_in_sentence;not null"`
	Token              string     `gorm:"column:token;size:190;not null"`
	Lemma              string     `gorm:"column:lemma;size:190;not null"`
	Negated            bool       `gorm:"column:negated;not null;default:false;index:idx_annotations_patient_pending,priority:3"`
	Reviewed           bool       `gorm:"column:reviewed;not null;default:false;index:idx_annotations_patient_pending,priority:2"`
	Skip               bool       `gorm:"column:skip;not null;default:false"`
	EventDate          *time.Time `gorm:"column:event_date"`
	EventPriorReviewed bool       `gorm:"column:event_prior_reviewed;not null;default:false"`
	CreatedAtSeconds   int64      `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Annotation) TableName() string {
	return "annotations"
}

// Pending reports whether the annotation still requires adjudication.
func (a Annotation) Pending() bool {
	return !a.Reviewed && !a.Skip
}

// QueryConfig is the matcher configuration the pipeline and sequencer run against.
// Exactly one row carries Current=true.
type QueryConfig struct {
	QueryID          uint   `gorm:"column:query_id;primaryKey;autoIncrement"`
	Pattern          string `gorm:"column:pattern;type:text;not null"`
	HideDuplicates   bool   `gorm:"column:hide_duplicates;not null"`
	SkipAfterEvent   bool   `gorm:"column:skip_after_event;not null"`
	ExcludeNegated   bool   `gorm:"column:exclude_negated;not null"`
	Current          bool   `gorm:"column:is_current;not null;index"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (QueryConfig) TableName() string {
	return "query_configs"
}

// DefaultQueryConfig is used before any query has been saved.
func DefaultQueryConfig() QueryConfig {
	return QueryConfig{
		HideDuplicates: true,
		SkipAfterEvent: false,
		ExcludeNegated: true,
	}
}

func (q QueryConfig) sameAs(other QueryConfig) bool {
	return strings.TrimSpace(q.Pattern) == strings.TrimSpace(other.Pattern) &&
		q.HideDuplicates == other.HideDuplicates &&
		q.SkipAfterEvent == other.SkipAfterEvent &&
		q.ExcludeNegated == other.ExcludeNegated
}

// NoteInput describes one note supplied for ingestion.
type NoteInput struct {
	NoteID    string
	PatientID string
	Text      string
	TextDate  string
	Tags      []string
}

// Candidate is a raw match produced by an annotator for one note.
type Candidate struct {
	Sentence        string
	SentenceIndex   int
	SentenceStart   int
	SentenceEnd     int
	NoteStart       int
	NoteEnd         int
	StartInSentence int
	EndInSentence   int
	Token           string
	Lemma           string
	Negated         bool
}

// Models lists the GORM models owned by this package, in migration order.
func Models() []any {
	return []any{&Patient{}, &PatientComment{}, &Note{}, &Annotation{}, &QueryConfig{}}
}
