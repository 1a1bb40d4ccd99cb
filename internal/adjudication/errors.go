package adjudication

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	// ErrNotFound indicates that a patient, note or annotation has no record.
	ErrNotFound = errors.New("adjudication: not found")
	// ErrAlreadyLocked indicates that lock acquisition lost a race or the patient is held elsewhere.
	ErrAlreadyLocked = errors.New("adjudication: patient already locked")
	// ErrInvalidTransition indicates an operation that the session state does not allow.
	ErrInvalidTransition = errors.New("adjudication: invalid transition")
	// ErrExternalService indicates a failed call to the NLP or scoring collaborators.
	ErrExternalService = errors.New("adjudication: external service error")
	// ErrDataIntegrity indicates stored state that must never occur, such as two event dates for one patient.
	ErrDataIntegrity = errors.New("adjudication: data integrity violation")
	// ErrNoPatientsAvailable reports that every patient is reviewed, locked or without pending work.
	ErrNoPatientsAvailable = errors.New("adjudication: no patients available")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a stable "<operation>.<reason>" code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew        = "adjudication.service.new"
	opStoreNew          = "adjudication.store.new"
	opIngestNotes       = "adjudication.ingest_notes"
	opSaveQuery         = "adjudication.save_query"
	opCurrentQuery      = "adjudication.current_query"
	opInsertCandidates  = "adjudication.insert_candidates"
	opTryLock           = "adjudication.try_lock"
	opUnlock            = "adjudication.unlock"
	opNextPatient       = "adjudication.next_available_patient"
	opReleaseAllLocks   = "adjudication.release_all_locks"
	opMarkReviewed      = "adjudication.mark_patient_reviewed"
	opStartSession      = "adjudication.start_session"
	opCurrent           = "adjudication.current"
	opSetEventDate      = "adjudication.set_event_date"
	opClearEventDate    = "adjudication.clear_event_date"
	opAdjudicate        = "adjudication.adjudicate_without_date"
	opAddComment        = "adjudication.add_comment"
	opReleaseSession    = "adjudication.release_session"
	opStats             = "adjudication.stats"
	reasonMissingDB     = "missing_database"
	reasonMissingIDs    = "missing_id_provider"
	reasonQueryFailed   = "query_failed"
	reasonUpdateFailed  = "update_failed"
	reasonInsertFailed  = "insert_failed"
	reasonNotFound      = "not_found"
	reasonLocked        = "already_locked"
	reasonInvalidState  = "invalid_transition"
	reasonIntegrity     = "data_integrity"
	reasonInvalidInput  = "invalid_input"
	reasonIDGeneration  = "id_generation_failed"
	reasonNoneAvailable = "none_available"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ErrorCode extracts the ServiceError code from err, or returns an empty string.
func ErrorCode(err error) string {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Code()
	}
	return ""
}

func logError(logger *zap.Logger, operation, reason string, err error, fields ...zap.Field) {
	if logger == nil {
		logger = noOpLogger
	}
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger.Error("adjudication error", attrs...)
}
