package adjudication

import (
	"testing"
	"time"
)

func candidate(id, noteID string, date time.Time, sentenceIndex, sentenceStart int, sentence string) Annotation {
	return Annotation{
		AnnotationID:  id,
		NoteID:        noteID,
		PatientID:     "p1",
		TextDate:      date,
		Sentence:      sentence,
		SentenceIndex: sentenceIndex,
		SentenceStart: sentenceStart,
		NoteStart:     sentenceStart,
		NoteEnd:       sentenceStart + 1,
	}
}

func TestBuildSequenceHidesDuplicateSentencesAcrossNotes(t *testing.T) {
	jan1 := mustDate(t, "2024-01-01")
	jan2 := mustDate(t, "2024-01-02")
	candidates := []Annotation{
		candidate("a3", "n2", jan2, 0, 0, "  Patient had a BLEED. "),
		candidate("a1", "n1", jan1, 0, 0, "Patient had a bleed."),
		candidate("a2", "n1", jan1, 1, 30, "No further bleeding seen."),
	}

	sequence := BuildSequence(candidates, SequenceOptions{HideDuplicates: true})

	if len(sequence.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(sequence.Entries))
	}
	if sequence.Entries[0].AnnotationID != "a1" || sequence.Entries[1].AnnotationID != "a2" {
		t.Fatalf("unexpected order %+v", sequence.Entries)
	}
	if len(sequence.Suppressed) != 1 || sequence.Suppressed[0] != "a3" {
		t.Fatalf("expected a3 suppressed, got %v", sequence.Suppressed)
	}
	if sequence.Class != SequencePending || sequence.Cursor != 0 {
		t.Fatalf("unexpected cursor placement %s at %d", sequence.Class, sequence.Cursor)
	}
}

func TestBuildSequenceShowDuplicatesResetsPerNote(t *testing.T) {
	jan1 := mustDate(t, "2024-01-01")
	candidates := []Annotation{
		candidate("a1", "n1", jan1, 0, 0, "Bleed noted."),
		candidate("a2", "n1", jan1, 0, 0, "Bleed noted."),
		candidate("a3", "n2", jan1, 0, 0, "Bleed noted."),
	}

	sequence := BuildSequence(candidates, SequenceOptions{HideDuplicates: false})

	if len(sequence.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(sequence.Entries))
	}
	if sequence.Entries[1].AnnotationID != "a3" {
		t.Fatalf("expected second note to keep its sentence, got %s", sequence.Entries[1].AnnotationID)
	}
	if len(sequence.Suppressed) != 1 || sequence.Suppressed[0] != "a2" {
		t.Fatalf("expected a2 suppressed, got %v", sequence.Suppressed)
	}
}

func TestBuildSequenceCursorPlacement(t *testing.T) {
	jan1 := mustDate(t, "2024-01-01")
	reviewed := func(a Annotation) Annotation {
		a.Reviewed = true
		return a
	}

	tests := []struct {
		name           string
		candidates     []Annotation
		anchor         AnnotationID
		expectedClass  SequenceClass
		expectedCursor int
	}{
		{
			name:          "empty",
			expectedClass: SequenceEmpty,
		},
		{
			name: "first-pending",
			candidates: []Annotation{
				reviewed(candidate("a1", "n1", jan1, 0, 0, "one")),
				candidate("a2", "n1", jan1, 1, 10, "two"),
			},
			expectedClass:  SequencePending,
			expectedCursor: 1,
		},
		{
			name: "anchor-wins",
			candidates: []Annotation{
				candidate("a1", "n1", jan1, 0, 0, "one"),
				reviewed(candidate("a2", "n1", jan1, 1, 10, "two")),
			},
			anchor:         "a2",
			expectedClass:  SequenceAnchored,
			expectedCursor: 1,
		},
		{
			name: "replay",
			candidates: []Annotation{
				reviewed(candidate("a1", "n1", jan1, 0, 0, "one")),
				reviewed(candidate("a2", "n1", jan1, 1, 10, "two")),
			},
			expectedClass:  SequenceReplay,
			expectedCursor: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sequence := BuildSequence(tt.candidates, SequenceOptions{HideDuplicates: true, Anchor: tt.anchor})
			if sequence.Class != tt.expectedClass {
				t.Fatalf("expected class %s, got %s", tt.expectedClass, sequence.Class)
			}
			if sequence.Cursor != tt.expectedCursor {
				t.Fatalf("expected cursor %d, got %d", tt.expectedCursor, sequence.Cursor)
			}
		})
	}
}

func TestBuildSequenceTreatsSkippedAsNotPending(t *testing.T) {
	jan1 := mustDate(t, "2024-01-01")
	skipped := candidate("a1", "n1", jan1, 0, 0, "one")
	skipped.Skip = true
	sequence := BuildSequence([]Annotation{skipped, candidate("a2", "n1", jan1, 1, 10, "two")}, SequenceOptions{})

	if sequence.Pending[0] || !sequence.Pending[1] {
		t.Fatalf("unexpected pending bits %v", sequence.Pending)
	}
}
