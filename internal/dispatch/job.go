package dispatch

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/cedars/internal/adjudication"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	jobIDPrefix        = "nlp:"
	maxLastErrorLength = 1024
)

// JobRecord persists the status of the most recent job for one patient.
type JobRecord struct {
	JobID            string `gorm:"column:job_id;primaryKey;size:200;not null"`
	PatientID        string `gorm:"column:patient_id;size:190;not null;index"`
	Status           string `gorm:"column:status;size:16;not null;index"`
	Attempts         int    `gorm:"column:attempts;not null"`
	LastError        string `gorm:"column:last_error;type:text;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (JobRecord) TableName() string {
	return "dispatch_jobs"
}

// JobID returns the job identifier for a patient.
func JobID(patientID adjudication.PatientID) string {
	return jobIDPrefix + patientID.String()
}

type jobStore struct {
	db    *gorm.DB
	clock func() time.Time
}

func (s *jobStore) save(ctx context.Context, patientID adjudication.PatientID, status JobStatus, attempts int, cause error) error {
	if s.db == nil {
		return nil
	}
	lastError := ""
	if cause != nil {
		lastError = cause.Error()
		if len(lastError) > maxLastErrorLength {
			lastError = lastError[:maxLastErrorLength]
		}
	}
	record := JobRecord{
		JobID:            JobID(patientID),
		PatientID:        patientID.String(),
		Status:           status.String(),
		Attempts:         attempts,
		LastError:        lastError,
		UpdatedAtSeconds: s.clock().UTC().Unix(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "job_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "attempts", "last_error", "updated_at_s"}),
	}).Create(&record).Error
}

func (s *jobStore) list(ctx context.Context, status string) ([]JobRecord, error) {
	if s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Order("updated_at_s DESC, job_id ASC")
	if status != "" {
		query = query.Where("status = ?", status)
	}
	var records []JobRecord
	err := query.Find(&records).Error
	return records, err
}
