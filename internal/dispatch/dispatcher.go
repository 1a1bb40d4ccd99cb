package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/cedars/internal/adjudication"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const defaultWorkers = 4

// Config describes the dependencies of a Dispatcher.
type Config struct {
	Processor Processor
	Database  *gorm.DB
	Workers   int
	Retry     RetryPolicy
	Metrics   *Metrics
	Logger    *zap.Logger
	Clock     func() time.Time
	// OnAllComplete runs each time the in-flight counter drops to zero.
	OnAllComplete func()
}

// Dispatcher executes patient jobs. A single in-flight counter spans every
// Dispatch call; OnAllComplete fires when it reaches zero.
type Dispatcher struct {
	processor     Processor
	jobs          *jobStore
	workers       int
	retry         RetryPolicy
	metrics       *Metrics
	logger        *zap.Logger
	onAllComplete func()

	ctx    context.Context
	cancel context.CancelFunc

	// lifecycle orders batch registration against Close.
	lifecycle sync.Mutex
	closed    bool

	inFlight  atomic.Int64
	batches   sync.WaitGroup
	mu        sync.RWMutex
	observers []Observer
}

// NewDispatcher validates the configuration and returns a running Dispatcher.
func NewDispatcher(cfg Config) (*Dispatcher, error) {
	if cfg.Processor == nil {
		return nil, ErrMissingProcessor
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		processor:     cfg.Processor,
		jobs:          &jobStore{db: cfg.Database, clock: clock},
		workers:       workers,
		retry:         cfg.Retry.normalized(),
		metrics:       cfg.Metrics,
		logger:        logger,
		onAllComplete: cfg.OnAllComplete,
		ctx:           ctx,
		cancel:        cancel,
	}, nil
}

// Subscribe registers an observer for job results.
func (d *Dispatcher) Subscribe(observer Observer) {
	if observer == nil {
		return
	}
	d.mu.Lock()
	d.observers = append(d.observers, observer)
	d.mu.Unlock()
}

// InFlight returns the number of jobs that have not finished.
func (d *Dispatcher) InFlight() int64 {
	return d.inFlight.Load()
}

// Dispatch records one queued job per patient and starts them in the
// background. It returns the number of jobs started. An empty list starts
// nothing and does not fire OnAllComplete.
func (d *Dispatcher) Dispatch(ctx context.Context, patients []adjudication.PatientID) (int, error) {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()
	if d.closed {
		return 0, ErrStopped
	}
	if len(patients) == 0 {
		return 0, nil
	}
	for _, patientID := range patients {
		if err := d.jobs.save(ctx, patientID, JobStatusQueued, 0, nil); err != nil {
			return 0, err
		}
	}

	d.metrics.setInFlight(d.inFlight.Add(int64(len(patients))))
	d.batches.Add(1)
	batch := append([]adjudication.PatientID(nil), patients...)
	go d.runBatch(batch)

	d.logger.Info("jobs dispatched", zap.Int("count", len(patients)))
	return len(patients), nil
}

func (d *Dispatcher) runBatch(patients []adjudication.PatientID) {
	defer d.batches.Done()
	var group errgroup.Group
	group.SetLimit(d.workers)
	for _, patientID := range patients {
		group.Go(func() error {
			d.finish(d.execute(patientID))
			return nil
		})
	}
	_ = group.Wait()
}

func (d *Dispatcher) execute(patientID adjudication.PatientID) Result {
	if err := d.jobs.save(d.ctx, patientID, JobStatusRunning, 0, nil); err != nil {
		d.logger.Warn("failed to record running job", zap.String("patient_id", patientID.String()), zap.Error(err))
	}

	attempts := 0
	permanent := false
	operation := func() error {
		attempts++
		err := d.processor.ProcessPatient(d.ctx, patientID)
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			permanent = true
			return backoff.Permanent(err)
		}
		if attempts < d.retry.MaxAttempts {
			d.metrics.recordRetry()
			d.logger.Warn("job attempt failed, retrying",
				zap.String("patient_id", patientID.String()),
				zap.Int("attempt", attempts),
				zap.Error(err))
		}
		return err
	}

	err := backoff.Retry(operation, d.backOff())
	result := Result{PatientID: patientID, Attempts: attempts, Err: err}
	if err == nil {
		result.Outcome = OutcomeSuccess
		return result
	}
	result.Outcome = OutcomeFailure
	result.Retryable = !permanent
	return result
}

func (d *Dispatcher) backOff() backoff.BackOff {
	exponential := backoff.NewExponentialBackOff()
	exponential.InitialInterval = d.retry.InitialInterval
	exponential.MaxInterval = d.retry.MaxInterval
	exponential.Multiplier = d.retry.Multiplier
	exponential.RandomizationFactor = 0
	exponential.MaxElapsedTime = 0
	exponential.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(exponential, uint64(d.retry.MaxAttempts-1)), d.ctx)
}

func (d *Dispatcher) finish(result Result) {
	status := JobStatusSucceeded
	if result.Outcome == OutcomeFailure {
		status = JobStatusFailed
		d.logger.Error("job failed",
			zap.String("patient_id", result.PatientID.String()),
			zap.Int("attempts", result.Attempts),
			zap.Bool("retryable", result.Retryable),
			zap.Error(result.Err))
	} else {
		d.logger.Info("job succeeded",
			zap.String("patient_id", result.PatientID.String()),
			zap.Int("attempts", result.Attempts))
	}
	if err := d.jobs.save(context.WithoutCancel(d.ctx), result.PatientID, status, result.Attempts, result.Err); err != nil {
		d.logger.Warn("failed to record job result", zap.String("patient_id", result.PatientID.String()), zap.Error(err))
	}
	d.metrics.recordResult(result)

	d.mu.RLock()
	observers := append([]Observer(nil), d.observers...)
	d.mu.RUnlock()
	for _, observer := range observers {
		observer(result)
	}

	remaining := d.inFlight.Add(-1)
	d.metrics.setInFlight(remaining)
	if remaining == 0 {
		d.logger.Info("all dispatched jobs finished")
		if d.onAllComplete != nil {
			d.onAllComplete()
		}
	}
}

// Wait blocks until every dispatched batch has finished.
func (d *Dispatcher) Wait() {
	d.batches.Wait()
}

// Close cancels outstanding retries and waits for running jobs to return.
// Dispatch fails with ErrStopped once Close has begun.
func (d *Dispatcher) Close() {
	d.lifecycle.Lock()
	d.closed = true
	d.cancel()
	d.lifecycle.Unlock()
	d.batches.Wait()
}

// Jobs lists job records, optionally filtered by status name.
func (d *Dispatcher) Jobs(ctx context.Context, status string) ([]JobRecord, error) {
	return d.jobs.list(ctx, status)
}
