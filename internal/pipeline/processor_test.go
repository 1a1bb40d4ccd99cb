package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/cedars/internal/adjudication"
	"github.com/MarcoPoloResearchLab/cedars/internal/dispatch"
	"github.com/MarcoPoloResearchLab/cedars/internal/scoring"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type stubScorer struct {
	prediction float64
	err        error
	calls      int
}

func (s *stubScorer) Predict(ctx context.Context, text string) (float64, error) {
	s.calls++
	return s.prediction, s.err
}

func newTestStore(t *testing.T) (*adjudication.Store, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "pipeline.db")), &gorm.Config{})
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
	if err := db.AutoMigrate(adjudication.Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	store, err := adjudication.NewStore(adjudication.StoreConfig{
		Database:   db,
		IDProvider: adjudication.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store, db
}

func seedCorpus(t *testing.T, store *adjudication.Store) {
	t.Helper()
	if _, err := store.SaveQuery(t.Context(), adjudication.QueryConfig{Pattern: "bleed*", HideDuplicates: true, ExcludeNegated: true}); err != nil {
		t.Fatalf("failed to save query: %v", err)
	}
	_, err := store.IngestNotes(t.Context(), []adjudication.NoteInput{
		{NoteID: "n1", PatientID: "P1", Text: "Minor bleeding at site. Denies bleeding elsewhere.", TextDate: "2024-01-01"},
		{NoteID: "n2", PatientID: "P1", Text: "Stable overnight.", TextDate: "2024-01-02"},
	})
	if err != nil {
		t.Fatalf("failed to ingest notes: %v", err)
	}
}

func newTestProcessor(t *testing.T, store *adjudication.Store, scorer Scorer) *Processor {
	t.Helper()
	cfg := Config{Store: store}
	if scorer != nil {
		cfg.Scorer = scorer
	}
	processor, err := NewProcessor(cfg)
	if err != nil {
		t.Fatalf("failed to construct processor: %v", err)
	}
	return processor
}

func TestProcessPatientStoresCandidates(t *testing.T) {
	store, db := newTestStore(t)
	seedCorpus(t, store)
	scorer := &stubScorer{prediction: 0.9}
	processor := newTestProcessor(t, store, scorer)

	if err := processor.ProcessPatient(t.Context(), "P1"); err != nil {
		t.Fatalf("unexpected process error: %v", err)
	}

	var annotations []adjudication.Annotation
	if err := db.Order("note_start ASC").Find(&annotations).Error; err != nil {
		t.Fatalf("failed to load annotations: %v", err)
	}
	if len(annotations) != 2 {
		t.Fatalf("expected 2 annotations, got %d", len(annotations))
	}
	if annotations[0].Negated || !annotations[1].Negated {
		t.Fatalf("unexpected negation flags %v %v", annotations[0].Negated, annotations[1].Negated)
	}
	if scorer.calls != 2 {
		t.Fatalf("expected both notes scored, got %d", scorer.calls)
	}

	pending, err := store.PendingNotes(t.Context(), "P1")
	if err != nil || len(pending) != 0 {
		t.Fatalf("expected no pending notes, got %d (%v)", len(pending), err)
	}

	if err := processor.ProcessPatient(t.Context(), "P1"); err != nil {
		t.Fatalf("unexpected reprocess error: %v", err)
	}
	var count int64
	db.Model(&adjudication.Annotation{}).Count(&count)
	if count != 2 {
		t.Fatalf("expected reprocessing to add nothing, got %d", count)
	}
}

func TestProcessPatientClassifiesFailures(t *testing.T) {
	tests := []struct {
		name      string
		patient   adjudication.PatientID
		scorer    *stubScorer
		permanent bool
		external  bool
	}{
		{name: "unknown-patient", patient: "ghost", permanent: true},
		{name: "scoring-outage", patient: "P1", scorer: &stubScorer{err: fmt.Errorf("%w: 503", scoring.ErrUnavailable)}, external: true},
		{name: "scoring-rejected", patient: "P1", scorer: &stubScorer{err: fmt.Errorf("%w: 400", scoring.ErrRejected)}, permanent: true, external: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, _ := newTestStore(t)
			seedCorpus(t, store)
			var scorer Scorer
			if tt.scorer != nil {
				scorer = tt.scorer
			}
			processor := newTestProcessor(t, store, scorer)

			err := processor.ProcessPatient(t.Context(), tt.patient)
			if err == nil {
				t.Fatalf("expected error")
			}
			if dispatch.IsPermanent(err) != tt.permanent {
				t.Fatalf("expected permanent=%v, got %v", tt.permanent, err)
			}
			if errors.Is(err, adjudication.ErrExternalService) != tt.external {
				t.Fatalf("expected external=%v, got %v", tt.external, err)
			}
		})
	}
}

func TestProcessPatientRequiresQuery(t *testing.T) {
	store, _ := newTestStore(t)
	if _, err := store.IngestNotes(t.Context(), []adjudication.NoteInput{
		{NoteID: "n1", PatientID: "P1", Text: "Bleeding.", TextDate: "2024-01-01"},
	}); err != nil {
		t.Fatalf("failed to ingest: %v", err)
	}
	processor := newTestProcessor(t, store, nil)

	err := processor.ProcessPatient(t.Context(), "P1")
	if !errors.Is(err, ErrNoQuery) || !dispatch.IsPermanent(err) {
		t.Fatalf("expected permanent no-query error, got %v", err)
	}
}
