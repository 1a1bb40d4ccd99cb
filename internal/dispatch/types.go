// Package dispatch runs per-patient NLP jobs on a bounded worker pool with
// retries and reports when all in-flight work has drained.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/cedars/internal/adjudication"
)

var (
	// ErrStopped is returned by Dispatch after Close.
	ErrStopped = errors.New("dispatch: dispatcher stopped")
	// ErrMissingProcessor indicates a dispatcher constructed without a processor.
	ErrMissingProcessor = errors.New("dispatch: processor is required")
)

// Processor performs the work for one patient. Errors are retried unless wrapped with Permanent.
type Processor interface {
	ProcessPatient(ctx context.Context, patientID adjudication.PatientID) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, patientID adjudication.PatientID) error

// ProcessPatient calls f.
func (f ProcessorFunc) ProcessPatient(ctx context.Context, patientID adjudication.PatientID) error {
	return f(ctx, patientID)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string {
	return e.err.Error()
}

func (e *permanentError) Unwrap() error {
	return e.err
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var permanent *permanentError
	return errors.As(err, &permanent)
}

// RetryPolicy holds the exponential backoff applied between attempts.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// DefaultRetryPolicy allows three attempts starting one second apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	defaults := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaults.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = defaults.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = defaults.MaxInterval
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	if p.Multiplier < 1 {
		p.Multiplier = defaults.Multiplier
	}
	return p
}

// JobStatus is the lifecycle stage of a job record.
type JobStatus int

const (
	// JobStatusQueued means the job is waiting for a worker.
	JobStatusQueued JobStatus = iota
	// JobStatusRunning means a worker is executing the job.
	JobStatusRunning
	// JobStatusSucceeded means the job finished without error.
	JobStatusSucceeded
	// JobStatusFailed means the job failed permanently or exhausted its attempts.
	JobStatusFailed
)

// String returns the stored name of the status.
func (s JobStatus) String() string {
	switch s {
	case JobStatusQueued:
		return "queued"
	case JobStatusRunning:
		return "running"
	case JobStatusSucceeded:
		return "succeeded"
	case JobStatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is the terminal state of one job.
type Outcome int

const (
	// OutcomeSuccess means the processor returned nil.
	OutcomeSuccess Outcome = iota
	// OutcomeFailure means the processor failed after its last attempt.
	OutcomeFailure
)

// String returns the metric label for the outcome.
func (o Outcome) String() string {
	if o == OutcomeSuccess {
		return "success"
	}
	return "failure"
}

// Result describes how one job ended.
type Result struct {
	PatientID adjudication.PatientID
	Outcome   Outcome
	Retryable bool
	Attempts  int
	Err       error
}

// Observer receives every Result.
type Observer func(Result)
