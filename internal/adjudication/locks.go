package adjudication

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	queryLockable        = fieldPatientID + " = ? AND locked = ? AND reviewed = ?"
	queryReplayLockable  = fieldPatientID + " = ? AND locked = ?"
	queryAvailable       = "reviewed = ? AND locked = ?"
	queryHasPendingWork  = "EXISTS (SELECT 1 FROM annotations WHERE annotations.patient_id = patients.patient_id AND annotations.reviewed = ? AND annotations.negated = ? AND annotations.skip = ?)"
	queryExcludePatients = fieldPatientID + " NOT IN ?"
)

// LockRegistry grants exclusive review rights over patients. Every transition
// is a single conditional UPDATE so concurrent callers race on the database row.
type LockRegistry struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewLockRegistry constructs a registry over the patients table.
func NewLockRegistry(db *gorm.DB, clock func() time.Time, logger *zap.Logger) *LockRegistry {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = noOpLogger
	}
	return &LockRegistry{db: db, clock: clock, logger: logger}
}

// TryLock locks an unreviewed, unlocked patient. It returns false when another
// caller holds the lock, the patient is reviewed, or the patient does not exist.
func (r *LockRegistry) TryLock(ctx context.Context, id PatientID) (bool, error) {
	return r.compareAndLock(ctx, id, queryLockable, id.String(), false, false)
}

// Acquire is TryLock reporting a lost race as ErrAlreadyLocked.
func (r *LockRegistry) Acquire(ctx context.Context, id PatientID) error {
	locked, err := r.TryLock(ctx, id)
	if err != nil {
		return err
	}
	if !locked {
		return newServiceError(opTryLock, reasonLocked, ErrAlreadyLocked)
	}
	return nil
}

// TryLockForReplay locks an unlocked patient regardless of its reviewed flag.
// It serves explicit requests to revisit a patient.
func (r *LockRegistry) TryLockForReplay(ctx context.Context, id PatientID) (bool, error) {
	return r.compareAndLock(ctx, id, queryReplayLockable, id.String(), false)
}

func (r *LockRegistry) compareAndLock(ctx context.Context, id PatientID, condition string, args ...any) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&Patient{}).
		Where(condition, args...).
		Updates(map[string]any{
			"locked":       true,
			"updated_at_s": r.clock().UTC().Unix(),
		})
	if result.Error != nil {
		logError(r.logger, opTryLock, reasonUpdateFailed, result.Error, zap.String(fieldPatientID, id.String()))
		return false, newServiceError(opTryLock, reasonUpdateFailed, result.Error)
	}
	if result.RowsAffected != 1 {
		return false, nil
	}
	r.logger.Debug("patient locked", zap.String(fieldPatientID, id.String()))
	return true, nil
}

// Unlock releases the patient. Unlocking an unlocked patient is a no-op.
func (r *LockRegistry) Unlock(ctx context.Context, id PatientID) error {
	err := r.db.WithContext(ctx).
		Model(&Patient{}).
		Where(queryPatientID, id.String()).
		Updates(map[string]any{
			"locked":       false,
			"updated_at_s": r.clock().UTC().Unix(),
		}).Error
	if err != nil {
		logError(r.logger, opUnlock, reasonUpdateFailed, err, zap.String(fieldPatientID, id.String()))
		return newServiceError(opUnlock, reasonUpdateFailed, err)
	}
	r.logger.Debug("patient unlocked", zap.String(fieldPatientID, id.String()))
	return nil
}

// IsLocked reports the patient's lock flag.
func (r *LockRegistry) IsLocked(ctx context.Context, id PatientID) (bool, error) {
	var patient Patient
	err := r.db.WithContext(ctx).Select("patient_id", "locked").Where(queryPatientID, id.String()).Take(&patient).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	return patient.Locked, nil
}

// NextAvailablePatient returns the lowest patient identifier that is neither
// reviewed nor locked and still has a pending, non-negated annotation. found is
// false when no such patient exists. The result is a hint; callers must TryLock it.
func (r *LockRegistry) NextAvailablePatient(ctx context.Context, exclude ...PatientID) (PatientID, bool, error) {
	query := r.db.WithContext(ctx).
		Model(&Patient{}).
		Where(queryAvailable, false, false).
		Where(queryHasPendingWork, false, false, false)
	if len(exclude) > 0 {
		excluded := make([]string, 0, len(exclude))
		for _, id := range exclude {
			excluded = append(excluded, id.String())
		}
		query = query.Where(queryExcludePatients, excluded)
	}
	var patient Patient
	err := query.Order("patient_id ASC").Take(&patient).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		logError(r.logger, opNextPatient, reasonQueryFailed, err)
		return "", false, newServiceError(opNextPatient, reasonQueryFailed, err)
	}
	return PatientID(patient.PatientID), true, nil
}

// ReleaseAllLocks clears every lock. It is meant for startup or shutdown
// sweeps while no sessions are live.
func (r *LockRegistry) ReleaseAllLocks(ctx context.Context) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&Patient{}).
		Where("locked = ?", true).
		Updates(map[string]any{
			"locked":       false,
			"updated_at_s": r.clock().UTC().Unix(),
		})
	if result.Error != nil {
		logError(r.logger, opReleaseAllLocks, reasonUpdateFailed, result.Error)
		return 0, newServiceError(opReleaseAllLocks, reasonUpdateFailed, result.Error)
	}
	r.logger.Info("released patient locks", zap.Int64("count", result.RowsAffected))
	return result.RowsAffected, nil
}

// MarkReviewed records that the patient's review obligation is satisfied.
func (r *LockRegistry) MarkReviewed(ctx context.Context, id PatientID, reviewer string) error {
	return markPatientReviewed(r.db.WithContext(ctx), id, reviewer, r.clock())
}

func markPatientReviewed(tx *gorm.DB, id PatientID, reviewer string, now time.Time) error {
	updates := map[string]any{
		"reviewed":     true,
		"updated_at_s": now.UTC().Unix(),
	}
	if reviewer != "" {
		updates["reviewed_by"] = reviewer
	}
	result := tx.Model(&Patient{}).Where(queryPatientID, id.String()).Updates(updates)
	if result.Error != nil {
		return newServiceError(opMarkReviewed, reasonUpdateFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opMarkReviewed, reasonNotFound, ErrNotFound)
	}
	return nil
}

func markPatientUnreviewed(tx *gorm.DB, id PatientID, now time.Time) error {
	return tx.Model(&Patient{}).Where(queryPatientID, id.String()).Updates(map[string]any{
		"reviewed":     false,
		"reviewed_by":  nil,
		"updated_at_s": now.UTC().Unix(),
	}).Error
}
