package adjudication

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type staticIDGenerator struct {
	prefix string
	index  int
}

func (g *staticIDGenerator) NewID() (string, error) {
	if g.prefix == "" {
		return "", errors.New("missing prefix")
	}
	g.index++
	return fmt.Sprintf("%s-%d", g.prefix, g.index), nil
}

func testClock() time.Time {
	return time.Unix(1700000600, 0).UTC()
}

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "cedars_test.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()

	db := newTestDatabase(t)
	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      testClock,
		IDProvider: &staticIDGenerator{prefix: "id"},
	})
	if err != nil {
		t.Fatalf("failed to construct adjudication service: %v", err)
	}
	return service, db
}

func mustDate(t *testing.T, value string) time.Time {
	t.Helper()
	parsed, err := ParseDate(value)
	if err != nil {
		t.Fatalf("unexpected date error: %v", err)
	}
	return parsed
}

func mustPatientID(t *testing.T, value string) PatientID {
	t.Helper()
	id, err := NewPatientID(value)
	if err != nil {
		t.Fatalf("unexpected patient id error: %v", err)
	}
	return id
}

func mustSaveQuery(t *testing.T, service *Service, query QueryConfig) {
	t.Helper()
	if query.Pattern == "" {
		query.Pattern = "bleed*"
	}
	if _, err := service.Store().SaveQuery(t.Context(), query); err != nil {
		t.Fatalf("failed to save query: %v", err)
	}
}

func seedPatient(t *testing.T, db *gorm.DB, patient Patient) {
	t.Helper()
	if err := db.Create(&patient).Error; err != nil {
		t.Fatalf("failed to seed patient %s: %v", patient.PatientID, err)
	}
}

func seedNote(t *testing.T, db *gorm.DB, noteID, patientID, date, text string) Note {
	t.Helper()
	note := Note{
		NoteID:             noteID,
		PatientID:          patientID,
		Text:               text,
		TextDate:           mustDate(t, date),
		AnnotatedAtSeconds: 1700000000,
	}
	if err := db.Create(&note).Error; err != nil {
		t.Fatalf("failed to seed note %s: %v", noteID, err)
	}
	return note
}

// seedAnnotation stores an annotation matching token inside the note's first occurrence of sentence.
func seedAnnotation(t *testing.T, db *gorm.DB, note Note, annotationID string, sentenceIndex int, sentence, token string) Annotation {
	t.Helper()
	sentenceStart := strings.Index(note.Text, sentence)
	if sentenceStart < 0 {
		t.Fatalf("sentence %q not in note %s", sentence, note.NoteID)
	}
	tokenStart := strings.Index(sentence, token)
	if tokenStart < 0 {
		t.Fatalf("token %q not in sentence %q", token, sentence)
	}
	annotation := Annotation{
		AnnotationID:     annotationID,
		NoteID:           note.NoteID,
		PatientID:        note.PatientID,
		TextDate:         note.TextDate,
		Sentence:         sentence,
		SentenceIndex:    sentenceIndex,
		SentenceStart:    sentenceStart,
		SentenceEnd:      sentenceStart + len(sentence),
		NoteStart:        sentenceStart + tokenStart,
		NoteEnd:          sentenceStart + tokenStart + len(token),
		StartInSentence:  tokenStart,
		EndInSentence:    tokenStart + len(token),
		Token:            token,
		Lemma:            token,
		CreatedAtSeconds: 1700000000,
	}
	if err := db.Create(&annotation).Error; err != nil {
		t.Fatalf("failed to seed annotation %s: %v", annotationID, err)
	}
	return annotation
}

func loadTestAnnotation(t *testing.T, db *gorm.DB, id string) Annotation {
	t.Helper()
	var annotation Annotation
	if err := db.Where("annotation_id = ?", id).Take(&annotation).Error; err != nil {
		t.Fatalf("failed to load annotation %s: %v", id, err)
	}
	return annotation
}

func loadTestPatient(t *testing.T, db *gorm.DB, id string) Patient {
	t.Helper()
	var patient Patient
	if err := db.Where("patient_id = ?", id).Take(&patient).Error; err != nil {
		t.Fatalf("failed to load patient %s: %v", id, err)
	}
	return patient
}

func startSession(t *testing.T, service *Service, reviewer, patientID string) Acquisition {
	t.Helper()
	acquisition, err := service.StartSession(t.Context(), StartRequest{Reviewer: reviewer, PatientID: patientID})
	if err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	if acquisition.State == nil {
		t.Fatalf("expected an active session")
	}
	return acquisition
}

func pendingBits(state *SessionState) string {
	bits := make([]byte, len(state.Pending))
	for index, pending := range state.Pending {
		bits[index] = '0'
		if pending {
			bits[index] = '1'
		}
	}
	return string(bits)
}
