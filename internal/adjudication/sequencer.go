package adjudication

import (
	"sort"
	"strings"
	"time"
)

// SequenceClass describes why the cursor of a sequence sits where it does.
type SequenceClass int

const (
	// SequenceEmpty means no candidates survived filtering.
	SequenceEmpty SequenceClass = iota
	// SequencePending places the cursor on the first pending entry.
	SequencePending
	// SequenceAnchored places the cursor on the annotation that carries the event date.
	SequenceAnchored
	// SequenceReplay means nothing is pending and the cursor starts at the first entry.
	SequenceReplay
)

// String returns the lower-case name of the class.
func (c SequenceClass) String() string {
	switch c {
	case SequencePending:
		return "pending"
	case SequenceAnchored:
		return "anchored"
	case SequenceReplay:
		return "replay"
	default:
		return "empty"
	}
}

// SequenceOptions controls how candidates are filtered and where the cursor lands.
type SequenceOptions struct {
	HideDuplicates bool
	Anchor         AnnotationID
}

// SequenceEntry is one reviewable annotation in session order.
type SequenceEntry struct {
	AnnotationID  AnnotationID `json:"annotation_id"`
	NoteID        NoteID       `json:"note_id"`
	TextDate      time.Time    `json:"text_date"`
	SentenceIndex int          `json:"sentence_index"`
}

// Sequence is the ordered, deduplicated view of one patient's annotations.
type Sequence struct {
	Entries    []SequenceEntry
	Pending    []bool
	Suppressed []AnnotationID
	Cursor     int
	Class      SequenceClass
}

// Empty reports whether the sequence has nothing to review.
func (s Sequence) Empty() bool {
	return len(s.Entries) == 0
}

// BuildSequence orders candidates by note, date and sentence, drops duplicate
// sentences and positions the cursor. Callers filter negated candidates
// beforehand. Suppressed duplicates that are still unreviewed are listed so the
// caller can mark them reviewed.
//
// With HideDuplicates the sentence text, lower-cased and trimmed, is compared
// across all of the patient's notes. Without it only sentence start offsets are
// compared and the set resets at each note boundary.
func BuildSequence(candidates []Annotation, opts SequenceOptions) Sequence {
	ordered := make([]Annotation, len(candidates))
	copy(ordered, candidates)
	sort.SliceStable(ordered, func(i, j int) bool {
		left, right := ordered[i], ordered[j]
		if left.NoteID != right.NoteID {
			return left.NoteID < right.NoteID
		}
		if !left.TextDate.Equal(right.TextDate) {
			return left.TextDate.Before(right.TextDate)
		}
		if left.SentenceIndex != right.SentenceIndex {
			return left.SentenceIndex < right.SentenceIndex
		}
		return left.NoteStart < right.NoteStart
	})

	sequence := Sequence{
		Entries: make([]SequenceEntry, 0, len(ordered)),
		Pending: make([]bool, 0, len(ordered)),
	}
	seenSentences := make(map[string]struct{})
	seenStarts := make(map[int]struct{})
	currentNote := ""
	for index, annotation := range ordered {
		duplicate := false
		if opts.HideDuplicates {
			key := strings.ToLower(strings.TrimSpace(annotation.Sentence))
			_, duplicate = seenSentences[key]
			seenSentences[key] = struct{}{}
		} else {
			if index == 0 || annotation.NoteID != currentNote {
				seenStarts = make(map[int]struct{})
			}
			_, duplicate = seenStarts[annotation.SentenceStart]
			seenStarts[annotation.SentenceStart] = struct{}{}
		}
		currentNote = annotation.NoteID

		if duplicate {
			if !annotation.Reviewed {
				sequence.Suppressed = append(sequence.Suppressed, AnnotationID(annotation.AnnotationID))
			}
			continue
		}
		sequence.Entries = append(sequence.Entries, SequenceEntry{
			AnnotationID:  AnnotationID(annotation.AnnotationID),
			NoteID:        NoteID(annotation.NoteID),
			TextDate:      annotation.TextDate,
			SentenceIndex: annotation.SentenceIndex,
		})
		sequence.Pending = append(sequence.Pending, annotation.Pending())
	}

	sequence.Class, sequence.Cursor = placeCursor(sequence, opts.Anchor)
	return sequence
}

func placeCursor(sequence Sequence, anchor AnnotationID) (SequenceClass, int) {
	if len(sequence.Entries) == 0 {
		return SequenceEmpty, 0
	}
	if anchor != "" {
		for index, entry := range sequence.Entries {
			if entry.AnnotationID == anchor {
				return SequenceAnchored, index
			}
		}
	}
	for index, pending := range sequence.Pending {
		if pending {
			return SequencePending, index
		}
	}
	return SequenceReplay, 0
}
