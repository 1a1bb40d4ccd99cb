// Package pipeline annotates and scores a patient's notes for the dispatcher.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/cedars/internal/adjudication"
	"github.com/MarcoPoloResearchLab/cedars/internal/dispatch"
	"github.com/MarcoPoloResearchLab/cedars/internal/nlp"
	"github.com/MarcoPoloResearchLab/cedars/internal/scoring"
	"go.uber.org/zap"
)

var (
	// ErrMissingStore indicates a processor constructed without a store.
	ErrMissingStore = errors.New("pipeline: store is required")
	// ErrNoQuery indicates that no keyword query has been saved yet.
	ErrNoQuery = errors.New("pipeline: no query configured")
)

// Annotator extracts candidates from note text.
type Annotator interface {
	Annotate(text string) []adjudication.Candidate
}

// Compiler builds an Annotator for a query pattern.
type Compiler func(pattern string) (Annotator, error)

// Scorer estimates how likely a note describes the event of interest.
type Scorer interface {
	Predict(ctx context.Context, text string) (float64, error)
}

// KeywordCompiler compiles patterns with the nlp keyword matcher.
func KeywordCompiler(pattern string) (Annotator, error) {
	matcher, err := nlp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	return matcher, nil
}

// Config describes the dependencies of a Processor.
type Config struct {
	Store    *adjudication.Store
	Compiler Compiler
	Scorer   Scorer
	Logger   *zap.Logger
}

// Processor implements dispatch.Processor for one patient at a time.
type Processor struct {
	store    *adjudication.Store
	compiler Compiler
	scorer   Scorer
	logger   *zap.Logger
}

// NewProcessor validates the configuration and returns a Processor.
func NewProcessor(cfg Config) (*Processor, error) {
	if cfg.Store == nil {
		return nil, ErrMissingStore
	}
	compiler := cfg.Compiler
	if compiler == nil {
		compiler = KeywordCompiler
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		store:    cfg.Store,
		compiler: compiler,
		scorer:   cfg.Scorer,
		logger:   logger,
	}, nil
}

// ProcessPatient annotates every unreviewed note of the patient that has not
// been annotated yet. Each note commits on its own, so a retry resumes with the
// notes that are left. Unknown patients and bad queries fail permanently;
// scoring outages are retryable.
func (p *Processor) ProcessPatient(ctx context.Context, patientID adjudication.PatientID) error {
	if _, err := p.store.Patient(ctx, patientID); err != nil {
		if errors.Is(err, adjudication.ErrNotFound) {
			return dispatch.Permanent(fmt.Errorf("patient %s: %w", patientID, err))
		}
		return err
	}
	query, err := p.store.CurrentQuery(ctx)
	if err != nil {
		return err
	}
	if strings.TrimSpace(query.Pattern) == "" {
		return dispatch.Permanent(ErrNoQuery)
	}
	annotator, err := p.compiler(query.Pattern)
	if err != nil {
		return dispatch.Permanent(err)
	}

	notes, err := p.store.PendingNotes(ctx, patientID)
	if err != nil {
		return err
	}
	total := 0
	for _, note := range notes {
		candidates := annotator.Annotate(note.Text)
		score, err := p.score(ctx, note)
		if err != nil {
			return err
		}
		inserted, err := p.store.InsertCandidates(ctx, adjudication.NoteID(note.NoteID), candidates, score)
		if err != nil {
			return err
		}
		total += inserted
	}
	p.logger.Info("patient annotated",
		zap.String("patient_id", patientID.String()),
		zap.Int("notes", len(notes)),
		zap.Int("candidates", total))
	return nil
}

func (p *Processor) score(ctx context.Context, note adjudication.Note) (*float64, error) {
	if p.scorer == nil {
		return nil, nil
	}
	prediction, err := p.scorer.Predict(ctx, note.Text)
	if err == nil {
		return &prediction, nil
	}
	wrapped := fmt.Errorf("%w: score note %s: %w", adjudication.ErrExternalService, note.NoteID, err)
	if errors.Is(err, scoring.ErrUnavailable) {
		return nil, wrapped
	}
	return nil, dispatch.Permanent(wrapped)
}
