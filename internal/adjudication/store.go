package adjudication

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	fieldPatientID        = "patient_id"
	fieldNoteID           = "note_id"
	fieldAnnotationID     = "annotation_id"
	queryPatientID        = fieldPatientID + " = ?"
	queryNoteID           = fieldNoteID + " = ?"
	queryAnnotationID     = fieldAnnotationID + " = ?"
	queryAnnotationIDIn   = fieldAnnotationID + " IN ?"
	queryPatientAnchors   = fieldPatientID + " = ? AND event_date IS NOT NULL"
	queryPatientSkipped   = fieldPatientID + " = ? AND skip = ?"
	queryNotePending      = fieldNoteID + " = ? AND reviewed = ? AND skip = ? AND negated = ?"
	orderSequence         = "note_id ASC, text_date ASC, sentence_index ASC, note_start ASC"
	orderNoteStart        = "note_start ASC"
	orderNoteDate         = "text_date ASC, note_id ASC"
	orderCommentCreatedAt = "created_at_s ASC"
	maxTagFields          = 5
)

// StoreConfig describes the dependencies of the annotation store.
type StoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Store is the persistent collection of patients, notes and annotations.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewStore validates the configuration and returns a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, reasonMissingDB, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opStoreNew, reasonMissingIDs, errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// IngestResult summarises one ingestion batch.
type IngestResult struct {
	Inserted int
	Skipped  int
	Patients []PatientID
}

// IngestNotes stores new notes and creates their patients. Notes whose id already exists are skipped.
func (s *Store) IngestNotes(ctx context.Context, inputs []NoteInput) (IngestResult, error) {
	notes := make([]Note, 0, len(inputs))
	for _, input := range inputs {
		note, err := prepareNote(input)
		if err != nil {
			return IngestResult{}, newServiceError(opIngestNotes, reasonInvalidInput, err)
		}
		notes = append(notes, note)
	}

	result := IngestResult{}
	seenPatients := make(map[string]struct{})
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for index := range notes {
			note := notes[index]
			created := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&note)
			if created.Error != nil {
				logError(s.logger, opIngestNotes, reasonInsertFailed, created.Error, zap.String(fieldNoteID, note.NoteID))
				return newServiceError(opIngestNotes, reasonInsertFailed, created.Error)
			}
			if created.RowsAffected == 0 {
				s.logger.Warn("skipping duplicate note", zap.String(fieldNoteID, note.NoteID))
				result.Skipped++
				continue
			}
			result.Inserted++
			if _, seen := seenPatients[note.PatientID]; seen {
				continue
			}
			seenPatients[note.PatientID] = struct{}{}
			patient := Patient{PatientID: note.PatientID, UpdatedAtSeconds: s.clock().UTC().Unix()}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&patient).Error; err != nil {
				logError(s.logger, opIngestNotes, reasonInsertFailed, err, zap.String(fieldPatientID, note.PatientID))
				return newServiceError(opIngestNotes, reasonInsertFailed, err)
			}
			result.Patients = append(result.Patients, PatientID(note.PatientID))
		}
		return nil
	})
	if err != nil {
		return IngestResult{}, err
	}
	s.logger.Info("notes ingested",
		zap.Int("inserted", result.Inserted),
		zap.Int("skipped", result.Skipped),
		zap.Int("patients", len(result.Patients)))
	return result, nil
}

func prepareNote(input NoteInput) (Note, error) {
	noteID, err := NewNoteID(input.NoteID)
	if err != nil {
		return Note{}, err
	}
	patientID, err := NewPatientID(input.PatientID)
	if err != nil {
		return Note{}, err
	}
	textDate, err := ParseDate(input.TextDate)
	if err != nil {
		return Note{}, err
	}
	if len(input.Tags) > maxTagFields {
		return Note{}, errors.New("too many tag fields")
	}
	tags := make([]string, maxTagFields)
	for index, tag := range input.Tags {
		tags[index] = strings.TrimSpace(tag)
	}
	return Note{
		NoteID:    noteID.String(),
		PatientID: patientID.String(),
		Text:      input.Text,
		TextDate:  textDate,
		TextTag1:  tags[0],
		TextTag2:  tags[1],
		TextTag3:  tags[2],
		TextTag4:  tags[3],
		TextTag5:  tags[4],
	}, nil
}

// CurrentQuery returns the active query configuration, or the default when none has been saved.
func (s *Store) CurrentQuery(ctx context.Context) (QueryConfig, error) {
	var query QueryConfig
	err := s.db.WithContext(ctx).Where("is_current = ?", true).Order("query_id DESC").Take(&query).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return DefaultQueryConfig(), nil
	}
	if err != nil {
		logError(s.logger, opCurrentQuery, reasonQueryFailed, err)
		return QueryConfig{}, newServiceError(opCurrentQuery, reasonQueryFailed, err)
	}
	return query, nil
}

// SaveQuery makes query the current configuration. When it differs from the
// previous one all annotations are purged and review flags reset so that the
// pipeline can run again; changed reports whether that happened.
func (s *Store) SaveQuery(ctx context.Context, query QueryConfig) (bool, error) {
	if strings.TrimSpace(query.Pattern) == "" {
		return false, newServiceError(opSaveQuery, reasonInvalidInput, errors.New("pattern is required"))
	}
	changed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing QueryConfig
		err := tx.Where("is_current = ?", true).Order("query_id DESC").Take(&existing).Error
		if err == nil && existing.sameAs(query) {
			return nil
		}
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opSaveQuery, reasonQueryFailed, err)
		}

		global := tx.Session(&gorm.Session{AllowGlobalUpdate: true})
		if err := global.Model(&QueryConfig{}).Update("is_current", false).Error; err != nil {
			return newServiceError(opSaveQuery, reasonUpdateFailed, err)
		}
		record := QueryConfig{
			Pattern:          strings.TrimSpace(query.Pattern),
			HideDuplicates:   query.HideDuplicates,
			SkipAfterEvent:   query.SkipAfterEvent,
			ExcludeNegated:   query.ExcludeNegated,
			Current:          true,
			CreatedAtSeconds: s.clock().UTC().Unix(),
		}
		if err := tx.Create(&record).Error; err != nil {
			return newServiceError(opSaveQuery, reasonInsertFailed, err)
		}
		if err := global.Delete(&Annotation{}).Error; err != nil {
			return newServiceError(opSaveQuery, reasonUpdateFailed, err)
		}
		if err := global.Model(&Note{}).Updates(map[string]any{
			"reviewed":       false,
			"reviewed_by":    nil,
			"annotated_at_s": 0,
			"score":          nil,
		}).Error; err != nil {
			return newServiceError(opSaveQuery, reasonUpdateFailed, err)
		}
		if err := global.Model(&Patient{}).Updates(map[string]any{
			"reviewed":    false,
			"reviewed_by": nil,
		}).Error; err != nil {
			return newServiceError(opSaveQuery, reasonUpdateFailed, err)
		}
		changed = true
		return nil
	})
	if err != nil {
		logError(s.logger, opSaveQuery, reasonUpdateFailed, err)
		return false, err
	}
	if changed {
		s.logger.Info("query saved, annotations purged", zap.String("pattern", query.Pattern))
	}
	return changed, nil
}

// PatientIDs lists every patient ordered by identifier.
func (s *Store) PatientIDs(ctx context.Context) ([]PatientID, error) {
	var ids []string
	if err := s.db.WithContext(ctx).Model(&Patient{}).Order("patient_id ASC").Pluck(fieldPatientID, &ids).Error; err != nil {
		return nil, err
	}
	result := make([]PatientID, 0, len(ids))
	for _, id := range ids {
		result = append(result, PatientID(id))
	}
	return result, nil
}

// Patient loads one patient record.
func (s *Store) Patient(ctx context.Context, id PatientID) (Patient, error) {
	var patient Patient
	err := s.db.WithContext(ctx).Where(queryPatientID, id.String()).Take(&patient).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Patient{}, ErrNotFound
	}
	return patient, err
}

// Note loads one note record.
func (s *Store) Note(ctx context.Context, id NoteID) (Note, error) {
	var note Note
	err := s.db.WithContext(ctx).Where(queryNoteID, id.String()).Take(&note).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Note{}, ErrNotFound
	}
	return note, err
}

// Annotation loads one annotation record.
func (s *Store) Annotation(ctx context.Context, id AnnotationID) (Annotation, error) {
	return loadAnnotation(s.db.WithContext(ctx), id)
}

func loadAnnotation(tx *gorm.DB, id AnnotationID) (Annotation, error) {
	var annotation Annotation
	err := tx.Where(queryAnnotationID, id.String()).Take(&annotation).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Annotation{}, ErrNotFound
	}
	return annotation, err
}

// PatientCandidates returns the patient's annotations in sequence order.
func (s *Store) PatientCandidates(ctx context.Context, id PatientID, excludeNegated bool) ([]Annotation, error) {
	query := s.db.WithContext(ctx).Where(queryPatientID, id.String())
	if excludeNegated {
		query = query.Where("negated = ?", false)
	}
	var annotations []Annotation
	if err := query.Order(orderSequence).Find(&annotations).Error; err != nil {
		return nil, err
	}
	return annotations, nil
}

// SentenceAnnotations returns every annotation sharing a sentence of one note.
func (s *Store) SentenceAnnotations(ctx context.Context, noteID NoteID, sentenceIndex int) ([]Annotation, error) {
	var annotations []Annotation
	err := s.db.WithContext(ctx).
		Where(fieldNoteID+" = ? AND sentence_index = ?", noteID.String(), sentenceIndex).
		Order(orderNoteStart).
		Find(&annotations).Error
	return annotations, err
}

// EventAnchors returns the annotations of a patient that hold an event date.
func (s *Store) EventAnchors(ctx context.Context, id PatientID) ([]Annotation, error) {
	return loadAnchors(s.db.WithContext(ctx), id)
}

func loadAnchors(tx *gorm.DB, id PatientID) ([]Annotation, error) {
	var anchors []Annotation
	err := tx.Where(queryPatientAnchors, id.String()).Find(&anchors).Error
	return anchors, err
}

// PendingNotes returns the patient's unreviewed notes that the pipeline has not annotated yet.
func (s *Store) PendingNotes(ctx context.Context, id PatientID) ([]Note, error) {
	var notes []Note
	err := s.db.WithContext(ctx).
		Where(fieldPatientID+" = ? AND reviewed = ? AND annotated_at_s = ?", id.String(), false, 0).
		Order(orderNoteDate).
		Find(&notes).Error
	return notes, err
}

// InsertCandidates persists the candidates of one note and marks the note annotated.
// A note that is already annotated is left untouched.
func (s *Store) InsertCandidates(ctx context.Context, noteID NoteID, candidates []Candidate, score *float64) (int, error) {
	inserted := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var note Note
		err := tx.Where(queryNoteID, noteID.String()).Take(&note).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opInsertCandidates, reasonNotFound, ErrNotFound)
		}
		if err != nil {
			return newServiceError(opInsertCandidates, reasonQueryFailed, err)
		}
		if note.AnnotatedAtSeconds != 0 {
			return nil
		}

		now := s.clock().UTC().Unix()
		records := make([]Annotation, 0, len(candidates))
		for _, candidate := range candidates {
			if candidate.NoteStart >= candidate.NoteEnd || candidate.NoteEnd > len(note.Text) {
				s.logger.Warn("dropping candidate with invalid offsets",
					zap.String(fieldNoteID, note.NoteID),
					zap.Int("start", candidate.NoteStart),
					zap.Int("end", candidate.NoteEnd))
				continue
			}
			annotationID, err := s.idProvider.NewID()
			if err != nil {
				return newServiceError(opInsertCandidates, reasonIDGeneration, err)
			}
			records = append(records, Annotation{
				AnnotationID:     annotationID,
				NoteID:           note.NoteID,
				PatientID:        note.PatientID,
				TextDate:         note.TextDate,
				Sentence:         candidate.Sentence,
				SentenceIndex:    candidate.SentenceIndex,
				SentenceStart:    candidate.SentenceStart,
				SentenceEnd:      candidate.SentenceEnd,
				NoteStart:        candidate.NoteStart,
				NoteEnd:          candidate.NoteEnd,
				StartInSentence:  candidate.StartInSentence,
				EndInSentence:    candidate.EndInSentence,
				Token:            candidate.Token,
				Lemma:            candidate.Lemma,
				Negated:          candidate.Negated,
				CreatedAtSeconds: now,
			})
		}
		if len(records) > 0 {
			if err := tx.Create(&records).Error; err != nil {
				return newServiceError(opInsertCandidates, reasonInsertFailed, err)
			}
		}
		updates := map[string]any{"annotated_at_s": now}
		if score != nil {
			updates["score"] = *score
		}
		if err := tx.Model(&Note{}).Where(queryNoteID, note.NoteID).Updates(updates).Error; err != nil {
			return newServiceError(opInsertCandidates, reasonUpdateFailed, err)
		}
		inserted = len(records)
		return nil
	})
	if err != nil {
		logError(s.logger, opInsertCandidates, reasonInsertFailed, err, zap.String(fieldNoteID, noteID.String()))
		return 0, err
	}
	return inserted, nil
}

// MarkAnnotationsReviewed flags the given annotations reviewed and refreshes their notes.
func (s *Store) MarkAnnotationsReviewed(ctx context.Context, ids []AnnotationID, reviewer string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		raw := annotationIDStrings(ids)
		if err := tx.Model(&Annotation{}).
			Where(queryAnnotationIDIn+" AND reviewed = ?", raw, false).
			Update("reviewed", true).Error; err != nil {
			return err
		}
		var noteIDs []string
		if err := tx.Model(&Annotation{}).Where(queryAnnotationIDIn, raw).Distinct().Pluck(fieldNoteID, &noteIDs).Error; err != nil {
			return err
		}
		for _, noteID := range noteIDs {
			if err := refreshNoteReviewed(tx, noteID, reviewer); err != nil {
				return err
			}
		}
		return nil
	})
}

// Comments returns the comments recorded against a patient, oldest first.
func (s *Store) Comments(ctx context.Context, id PatientID) ([]PatientComment, error) {
	var comments []PatientComment
	err := s.db.WithContext(ctx).Where(queryPatientID, id.String()).Order(orderCommentCreatedAt).Find(&comments).Error
	return comments, err
}

func (s *Store) appendComment(ctx context.Context, id PatientID, reviewer, body string) error {
	commentID, err := s.idProvider.NewID()
	if err != nil {
		return newServiceError(opAddComment, reasonIDGeneration, err)
	}
	comment := PatientComment{
		CommentID:        commentID,
		PatientID:        id.String(),
		Reviewer:         reviewer,
		Body:             body,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&comment).Error; err != nil {
		return newServiceError(opAddComment, reasonInsertFailed, err)
	}
	return nil
}

// refreshNoteReviewed sets the note's reviewed flag from whether any of its annotations are still pending.
func refreshNoteReviewed(tx *gorm.DB, noteID, reviewer string) error {
	var pending int64
	if err := tx.Model(&Annotation{}).Where(queryNotePending, noteID, false, false, false).Count(&pending).Error; err != nil {
		return err
	}
	updates := map[string]any{"reviewed": pending == 0, "reviewed_by": nil}
	if pending == 0 && reviewer != "" {
		updates["reviewed_by"] = reviewer
	}
	return tx.Model(&Note{}).Where(queryNoteID, noteID).Updates(updates).Error
}

func annotationIDStrings(ids []AnnotationID) []string {
	raw := make([]string, 0, len(ids))
	for _, id := range ids {
		raw = append(raw, id.String())
	}
	return raw
}
