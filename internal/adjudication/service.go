package adjudication

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// CompletionObserver is told when a reviewer completes a patient.
type CompletionObserver func(patientID PatientID, reviewer string)

// ServiceConfig describes the dependencies of the adjudication service.
type ServiceConfig struct {
	Database    *gorm.DB
	Clock       func() time.Time
	IDProvider  IDProvider
	Logger      *zap.Logger
	OnCompleted CompletionObserver
}

// Service drives review sessions over the store and lock registry.
type Service struct {
	db          *gorm.DB
	store       *Store
	locks       *LockRegistry
	clock       func() time.Time
	logger      *zap.Logger
	onCompleted CompletionObserver
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDB, errMissingDatabase)
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	store, err := NewStore(StoreConfig{
		Database:   cfg.Database,
		Clock:      clock,
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	return &Service{
		db:          cfg.Database,
		store:       store,
		locks:       NewLockRegistry(cfg.Database, clock, logger),
		clock:       clock,
		logger:      logger,
		onCompleted: cfg.OnCompleted,
	}, nil
}

// Store exposes the underlying annotation store.
func (s *Service) Store() *Store {
	return s.store
}

// Locks exposes the patient lock registry.
func (s *Service) Locks() *LockRegistry {
	return s.locks
}

// StartRequest asks for a session, optionally for a specific patient.
type StartRequest struct {
	Reviewer  string
	PatientID string
}

// Acquisition is the result of StartSession.
type Acquisition struct {
	State  *SessionState
	Class  SequenceClass
	Notice string
}

// StartSession locks a patient for the reviewer and builds the review sequence.
// A requested patient that is missing or held elsewhere produces a notice and
// falls through to the next available patient. Patients whose sequence turns
// out empty are unlocked and skipped.
func (s *Service) StartSession(ctx context.Context, request StartRequest) (Acquisition, error) {
	reviewer := strings.TrimSpace(request.Reviewer)
	if reviewer == "" {
		return Acquisition{}, newServiceError(opStartSession, reasonInvalidInput, errors.New("reviewer is required"))
	}
	query, err := s.store.CurrentQuery(ctx)
	if err != nil {
		return Acquisition{}, err
	}

	notices := make([]string, 0, 2)
	tried := make([]PatientID, 0, 4)
	if strings.TrimSpace(request.PatientID) != "" {
		acquisition, notice, err := s.startRequested(ctx, request.PatientID, reviewer, query)
		if err != nil || acquisition.State != nil {
			return acquisition, err
		}
		notices = append(notices, notice)
		if requested, idErr := NewPatientID(request.PatientID); idErr == nil {
			tried = append(tried, requested)
		}
	}

	for {
		patientID, found, err := s.locks.NextAvailablePatient(ctx, tried...)
		if err != nil {
			return Acquisition{}, err
		}
		if !found {
			return Acquisition{Notice: strings.Join(notices, " ")}, newServiceError(opStartSession, reasonNoneAvailable, ErrNoPatientsAvailable)
		}
		tried = append(tried, patientID)

		if err := s.locks.Acquire(ctx, patientID); err != nil {
			if errors.Is(err, ErrAlreadyLocked) {
				continue
			}
			return Acquisition{}, err
		}
		acquisition, err := s.openSession(ctx, patientID, reviewer, query)
		if err != nil {
			return Acquisition{}, err
		}
		if acquisition.State == nil {
			continue
		}
		if acquisition.Notice != "" {
			notices = append(notices, acquisition.Notice)
		}
		acquisition.Notice = strings.Join(notices, " ")
		return acquisition, nil
	}
}

func (s *Service) startRequested(ctx context.Context, rawID, reviewer string, query QueryConfig) (Acquisition, string, error) {
	patientID, err := NewPatientID(rawID)
	if err != nil {
		return Acquisition{}, fmt.Sprintf("Patient %s does not exist. Showing next patient.", strings.TrimSpace(rawID)), nil
	}
	patient, err := s.store.Patient(ctx, patientID)
	if errors.Is(err, ErrNotFound) {
		return Acquisition{}, fmt.Sprintf("Patient %s does not exist. Showing next patient.", patientID), nil
	}
	if err != nil {
		return Acquisition{}, "", newServiceError(opStartSession, reasonQueryFailed, err)
	}
	if patient.Locked {
		return Acquisition{}, fmt.Sprintf("Patient %s is currently being reviewed by another user. Showing next patient.", patientID), nil
	}
	locked, err := s.locks.TryLockForReplay(ctx, patientID)
	if err != nil {
		return Acquisition{}, "", err
	}
	if !locked {
		return Acquisition{}, fmt.Sprintf("Patient %s is currently being reviewed by another user. Showing next patient.", patientID), nil
	}
	acquisition, err := s.openSession(ctx, patientID, reviewer, query)
	if err != nil {
		return Acquisition{}, "", err
	}
	if acquisition.State == nil {
		return Acquisition{}, fmt.Sprintf("Patient %s has no annotations. Showing next patient.", patientID), nil
	}
	return acquisition, "", nil
}

// openSession expects the caller to hold the patient lock. It releases the
// lock when the sequence is empty and returns an Acquisition without state.
func (s *Service) openSession(ctx context.Context, patientID PatientID, reviewer string, query QueryConfig) (Acquisition, error) {
	candidates, err := s.store.PatientCandidates(ctx, patientID, query.ExcludeNegated)
	if err != nil {
		s.releaseQuietly(ctx, patientID)
		return Acquisition{}, newServiceError(opStartSession, reasonQueryFailed, err)
	}
	anchors, err := s.store.EventAnchors(ctx, patientID)
	if err != nil {
		s.releaseQuietly(ctx, patientID)
		return Acquisition{}, newServiceError(opStartSession, reasonQueryFailed, err)
	}
	if len(anchors) > 1 {
		s.releaseQuietly(ctx, patientID)
		logError(s.logger, opStartSession, reasonIntegrity, ErrDataIntegrity, zap.String(fieldPatientID, patientID.String()), zap.Int("anchors", len(anchors)))
		return Acquisition{}, newServiceError(opStartSession, reasonIntegrity, ErrDataIntegrity)
	}
	options := SequenceOptions{HideDuplicates: query.HideDuplicates}
	if len(anchors) == 1 {
		options.Anchor = AnnotationID(anchors[0].AnnotationID)
	}

	sequence := BuildSequence(candidates, options)
	if err := s.store.MarkAnnotationsReviewed(ctx, sequence.Suppressed, ""); err != nil {
		s.releaseQuietly(ctx, patientID)
		return Acquisition{}, newServiceError(opStartSession, reasonUpdateFailed, err)
	}
	if sequence.Empty() {
		s.logger.Info("patient has no reviewable annotations", zap.String(fieldPatientID, patientID.String()))
		if err := s.locks.Unlock(ctx, patientID); err != nil {
			return Acquisition{}, err
		}
		return Acquisition{Class: SequenceEmpty}, nil
	}

	state, err := NewSessionState(patientID, reviewer, sequence)
	if err != nil {
		s.releaseQuietly(ctx, patientID)
		return Acquisition{}, err
	}
	acquisition := Acquisition{State: state, Class: sequence.Class}
	switch sequence.Class {
	case SequenceAnchored:
		acquisition.Notice = fmt.Sprintf("Patient %s has been reviewed. Showing the annotation where the event date was marked.", patientID)
	case SequenceReplay:
		acquisition.Notice = fmt.Sprintf("Patient %s has no annotations left to review. Showing all annotations.", patientID)
	}
	s.logger.Info("review session started",
		zap.String(fieldPatientID, patientID.String()),
		zap.String("reviewer", reviewer),
		zap.String("class", sequence.Class.String()),
		zap.Int("entries", len(state.Entries)),
		zap.Int("pending", state.PendingCount()))
	return acquisition, nil
}

func (s *Service) releaseQuietly(ctx context.Context, patientID PatientID) {
	if err := s.locks.Unlock(ctx, patientID); err != nil {
		s.logger.Warn("failed to release patient lock", zap.String(fieldPatientID, patientID.String()), zap.Error(err))
	}
}

// requireActive checks that the session may mutate state and still owns its lock.
func (s *Service) requireActive(ctx context.Context, operation string, state *SessionState) error {
	if !state.Active() {
		return newServiceError(operation, reasonInvalidState, ErrInvalidTransition)
	}
	locked, err := s.locks.IsLocked(ctx, state.PatientID)
	if err != nil {
		return newServiceError(operation, reasonQueryFailed, err)
	}
	if !locked {
		return newServiceError(operation, reasonInvalidState, fmt.Errorf("%w: patient lock was released", ErrInvalidTransition))
	}
	return nil
}

// AdjudicateWithoutDate marks the current annotation reviewed and advances the
// cursor to the next pending entry, wrapping once. The session completes when
// nothing is left pending, or when the last entry is passed during a replay.
func (s *Service) AdjudicateWithoutDate(ctx context.Context, state *SessionState) error {
	if err := s.requireActive(ctx, opAdjudicate, state); err != nil {
		return err
	}
	entry := state.Entries[state.Cursor]

	if state.Pending[state.Cursor] {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Model(&Annotation{}).
				Where(queryAnnotationID, entry.AnnotationID.String()).
				Update("reviewed", true).Error; err != nil {
				return err
			}
			return refreshNoteReviewed(tx, entry.NoteID.String(), state.Reviewer)
		})
		if err != nil {
			logError(s.logger, opAdjudicate, reasonUpdateFailed, err, zap.String(fieldAnnotationID, entry.AnnotationID.String()))
			return newServiceError(opAdjudicate, reasonUpdateFailed, err)
		}
		state.Pending[state.Cursor] = false
		if !state.HasPending() {
			return s.complete(ctx, opAdjudicate, state)
		}
		state.Cursor, _ = state.nextPending()
		return nil
	}

	if next, found := state.nextPending(); found {
		state.Cursor = next
		return nil
	}
	if state.Cursor >= len(state.Entries)-1 {
		return s.complete(ctx, opAdjudicate, state)
	}
	state.Cursor++
	return nil
}

// SetEventDate anchors the event date on the current annotation. Any previous
// anchor of the patient is reverted first. With skip-after-event enabled the
// pending entries dated after the event are skipped and the session completes.
func (s *Service) SetEventDate(ctx context.Context, state *SessionState, eventDate time.Time) error {
	if err := s.requireActive(ctx, opSetEventDate, state); err != nil {
		return err
	}
	query, err := s.store.CurrentQuery(ctx)
	if err != nil {
		return err
	}
	day := calendarDay(eventDate)
	entry := state.Entries[state.Cursor]
	pending := append([]bool(nil), state.Pending...)

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		anchors, err := loadAnchors(tx, state.PatientID)
		if err != nil {
			return newServiceError(opSetEventDate, reasonQueryFailed, err)
		}
		if len(anchors) > 1 {
			return newServiceError(opSetEventDate, reasonIntegrity, ErrDataIntegrity)
		}
		if len(anchors) == 1 {
			if err := revertAnchor(tx, state, pending, anchors[0]); err != nil {
				return newServiceError(opSetEventDate, reasonUpdateFailed, err)
			}
		}

		current, err := loadAnnotation(tx, entry.AnnotationID)
		if err != nil {
			return newServiceError(opSetEventDate, reasonNotFound, err)
		}
		if err := tx.Model(&Annotation{}).Where(queryAnnotationID, current.AnnotationID).Updates(map[string]any{
			"reviewed":             true,
			"event_date":           day,
			"event_prior_reviewed": current.Reviewed,
		}).Error; err != nil {
			return newServiceError(opSetEventDate, reasonUpdateFailed, err)
		}
		pending[state.Cursor] = false
		touchedNotes := map[string]struct{}{current.NoteID: {}}

		if query.SkipAfterEvent {
			indexes := entriesAfterEvent(&SessionState{Entries: state.Entries, Pending: pending}, day)
			ids := make([]string, 0, len(indexes))
			for _, index := range indexes {
				ids = append(ids, state.Entries[index].AnnotationID.String())
				touchedNotes[state.Entries[index].NoteID.String()] = struct{}{}
				pending[index] = false
			}
			if len(ids) > 0 {
				if err := tx.Model(&Annotation{}).Where(queryAnnotationIDIn, ids).Update("skip", true).Error; err != nil {
					return newServiceError(opSetEventDate, reasonUpdateFailed, err)
				}
			}
		}
		for noteID := range touchedNotes {
			if err := refreshNoteReviewed(tx, noteID, state.Reviewer); err != nil {
				return newServiceError(opSetEventDate, reasonUpdateFailed, err)
			}
		}
		return markPatientReviewed(tx, state.PatientID, state.Reviewer, s.clock())
	})
	if err != nil {
		logError(s.logger, opSetEventDate, reasonUpdateFailed, err, zap.String(fieldPatientID, state.PatientID.String()))
		return err
	}
	state.Pending = pending
	s.logger.Info("event date set",
		zap.String(fieldPatientID, state.PatientID.String()),
		zap.String(fieldAnnotationID, entry.AnnotationID.String()),
		zap.String("event_date", day.Format(DateLayout)))

	if query.SkipAfterEvent {
		return s.complete(ctx, opSetEventDate, state)
	}
	return nil
}

// ClearEventDate removes the patient's event date, restores the anchor's prior
// reviewed flag and un-skips every annotation the event had skipped. It is a
// no-op when the patient has no anchor.
func (s *Service) ClearEventDate(ctx context.Context, state *SessionState) error {
	if err := s.requireActive(ctx, opClearEventDate, state); err != nil {
		return err
	}
	pending := append([]bool(nil), state.Pending...)
	cleared := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		anchors, err := loadAnchors(tx, state.PatientID)
		if err != nil {
			return newServiceError(opClearEventDate, reasonQueryFailed, err)
		}
		if len(anchors) > 1 {
			return newServiceError(opClearEventDate, reasonIntegrity, ErrDataIntegrity)
		}
		if len(anchors) == 0 {
			return nil
		}
		if err := revertAnchor(tx, state, pending, anchors[0]); err != nil {
			return newServiceError(opClearEventDate, reasonUpdateFailed, err)
		}
		cleared = true
		if hasPending(pending) {
			return markPatientUnreviewed(tx, state.PatientID, s.clock())
		}
		return nil
	})
	if err != nil {
		logError(s.logger, opClearEventDate, reasonUpdateFailed, err, zap.String(fieldPatientID, state.PatientID.String()))
		return err
	}
	state.Pending = pending
	if cleared {
		s.logger.Info("event date cleared", zap.String(fieldPatientID, state.PatientID.String()))
	}
	return nil
}

// revertAnchor undoes one event date inside tx and updates pending to match.
func revertAnchor(tx *gorm.DB, state *SessionState, pending []bool, anchor Annotation) error {
	if err := tx.Model(&Annotation{}).Where(queryAnnotationID, anchor.AnnotationID).Updates(map[string]any{
		"event_date":           nil,
		"reviewed":             anchor.EventPriorReviewed,
		"event_prior_reviewed": false,
	}).Error; err != nil {
		return err
	}
	if index := state.indexOf(AnnotationID(anchor.AnnotationID)); index >= 0 {
		pending[index] = !anchor.EventPriorReviewed && !anchor.Skip
	}
	touchedNotes := map[string]struct{}{anchor.NoteID: {}}

	var skipped []Annotation
	if err := tx.Where(queryPatientSkipped, state.PatientID.String(), true).Find(&skipped).Error; err != nil {
		return err
	}
	if len(skipped) > 0 {
		ids := make([]string, 0, len(skipped))
		for _, annotation := range skipped {
			ids = append(ids, annotation.AnnotationID)
			touchedNotes[annotation.NoteID] = struct{}{}
			if index := state.indexOf(AnnotationID(annotation.AnnotationID)); index >= 0 {
				pending[index] = !annotation.Reviewed
			}
		}
		if err := tx.Model(&Annotation{}).Where(queryAnnotationIDIn, ids).Update("skip", false).Error; err != nil {
			return err
		}
	}
	for noteID := range touchedNotes {
		if err := refreshNoteReviewed(tx, noteID, state.Reviewer); err != nil {
			return err
		}
	}
	return nil
}

func hasPending(pending []bool) bool {
	for _, value := range pending {
		if value {
			return true
		}
	}
	return false
}

// AddComment records free text against the patient. Blank text is ignored.
func (s *Service) AddComment(ctx context.Context, state *SessionState, text string) error {
	if err := s.requireActive(ctx, opAddComment, state); err != nil {
		return err
	}
	body := strings.TrimSpace(text)
	if body == "" {
		return nil
	}
	if err := s.store.appendComment(ctx, state.PatientID, state.Reviewer, body); err != nil {
		logError(s.logger, opAddComment, reasonInsertFailed, err, zap.String(fieldPatientID, state.PatientID.String()))
		return err
	}
	return nil
}

// Complete ends the session explicitly. It is only allowed once nothing is
// pending or the patient carries an event date.
func (s *Service) Complete(ctx context.Context, state *SessionState) error {
	if err := s.requireActive(ctx, opAdjudicate, state); err != nil {
		return err
	}
	if state.HasPending() {
		anchors, err := s.store.EventAnchors(ctx, state.PatientID)
		if err != nil {
			return newServiceError(opAdjudicate, reasonQueryFailed, err)
		}
		if len(anchors) == 0 {
			return newServiceError(opAdjudicate, reasonInvalidState, fmt.Errorf("%w: annotations still pending", ErrInvalidTransition))
		}
	}
	return s.complete(ctx, opAdjudicate, state)
}

// complete unlocks the patient and ends the session. A patient that is already
// reviewed keeps its recorded reviewer so replays leave the outcome unchanged.
func (s *Service) complete(ctx context.Context, operation string, state *SessionState) error {
	patient, err := s.store.Patient(ctx, state.PatientID)
	if err != nil {
		logError(s.logger, operation, reasonQueryFailed, err, zap.String(fieldPatientID, state.PatientID.String()))
		return err
	}
	if !patient.Reviewed {
		if err := s.locks.MarkReviewed(ctx, state.PatientID, state.Reviewer); err != nil {
			logError(s.logger, operation, reasonUpdateFailed, err, zap.String(fieldPatientID, state.PatientID.String()))
			return err
		}
	}
	if err := s.locks.Unlock(ctx, state.PatientID); err != nil {
		return err
	}
	state.Status = SessionCompleted
	s.logger.Info("patient review completed",
		zap.String(fieldPatientID, state.PatientID.String()),
		zap.String("reviewer", state.Reviewer))
	if s.onCompleted != nil {
		s.onCompleted(state.PatientID, state.Reviewer)
	}
	return nil
}

// ReleaseSession gives up the patient lock without marking the patient reviewed.
func (s *Service) ReleaseSession(ctx context.Context, state *SessionState) error {
	if !state.Active() {
		return nil
	}
	if err := s.locks.Unlock(ctx, state.PatientID); err != nil {
		logError(s.logger, opReleaseSession, reasonUpdateFailed, err, zap.String(fieldPatientID, state.PatientID.String()))
		return err
	}
	state.Status = SessionReleased
	return nil
}

// CurrentItem is everything a reviewer needs to judge the entry under the cursor.
type CurrentItem struct {
	PatientID    PatientID
	Status       SessionStatus
	Position     int
	Total        int
	PendingCount int
	Annotation   Annotation
	Note         Note
	Highlighted  string
	EventDate    *time.Time
	Comments     []PatientComment
}

// Current loads the annotation under the cursor with its note, highlighted sentence,
// the patient's event date and comments.
func (s *Service) Current(ctx context.Context, state *SessionState) (CurrentItem, error) {
	entry, err := state.Current()
	if err != nil {
		return CurrentItem{}, newServiceError(opCurrent, reasonInvalidState, err)
	}
	annotation, err := s.store.Annotation(ctx, entry.AnnotationID)
	if err != nil {
		return CurrentItem{}, newServiceError(opCurrent, reasonNotFound, err)
	}
	note, err := s.store.Note(ctx, entry.NoteID)
	if err != nil {
		return CurrentItem{}, newServiceError(opCurrent, reasonNotFound, err)
	}
	siblings, err := s.store.SentenceAnnotations(ctx, entry.NoteID, annotation.SentenceIndex)
	if err != nil {
		return CurrentItem{}, newServiceError(opCurrent, reasonQueryFailed, err)
	}
	anchors, err := s.store.EventAnchors(ctx, state.PatientID)
	if err != nil {
		return CurrentItem{}, newServiceError(opCurrent, reasonQueryFailed, err)
	}
	comments, err := s.store.Comments(ctx, state.PatientID)
	if err != nil {
		return CurrentItem{}, newServiceError(opCurrent, reasonQueryFailed, err)
	}
	item := CurrentItem{
		PatientID:    state.PatientID,
		Status:       state.Status,
		Position:     state.Cursor + 1,
		Total:        len(state.Entries),
		PendingCount: state.PendingCount(),
		Annotation:   annotation,
		Note:         note,
		Highlighted:  HighlightSentence(note.Text, annotation, siblings),
		Comments:     comments,
	}
	if len(anchors) > 0 {
		item.EventDate = anchors[0].EventDate
	}
	return item, nil
}
