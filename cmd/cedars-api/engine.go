package main

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/cedars/internal/adjudication"
	"github.com/MarcoPoloResearchLab/cedars/internal/config"
	"github.com/MarcoPoloResearchLab/cedars/internal/database"
	"github.com/MarcoPoloResearchLab/cedars/internal/dispatch"
	"github.com/MarcoPoloResearchLab/cedars/internal/logging"
	"github.com/MarcoPoloResearchLab/cedars/internal/pipeline"
	"github.com/MarcoPoloResearchLab/cedars/internal/scoring"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type environment struct {
	cfg    config.AppConfig
	logger *zap.Logger
	db     *gorm.DB
}

func openEnvironment() (*environment, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	db, err := database.OpenSQLite(cfg.DatabasePath, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return &environment{cfg: cfg, logger: logger, db: db}, nil
}

func (e *environment) close() {
	if err := database.Close(e.db); err != nil {
		e.logger.Warn("failed to close database", zap.Error(err))
	}
	_ = e.logger.Sync()
}

type engineOptions struct {
	onCompleted adjudication.CompletionObserver
	onDrained   func()
}

type engine struct {
	service    *adjudication.Service
	dispatcher *dispatch.Dispatcher
	registry   *prometheus.Registry
}

// buildEngine wires the adjudication service, the NLP pipeline and the job dispatcher.
// When scoring is enabled the scoring service is released each time the job queue drains.
func buildEngine(env *environment, opts engineOptions) (*engine, error) {
	service, err := adjudication.NewService(adjudication.ServiceConfig{
		Database:    env.db,
		Logger:      env.logger,
		OnCompleted: opts.onCompleted,
	})
	if err != nil {
		return nil, err
	}

	var (
		scorer        pipeline.Scorer
		scoringClient *scoring.Client
	)
	if env.cfg.ScoringEnabled {
		scoringClient, err = scoring.NewClient(scoring.Config{
			BaseURL:    env.cfg.ScoringURL,
			ReleaseURL: env.cfg.ScoringRelease,
			Token:      env.cfg.ScoringToken,
			Timeout:    env.cfg.ScoringTimeout,
			Logger:     env.logger,
		})
		if err != nil {
			return nil, err
		}
		if err := scoringClient.Healthcheck(context.Background()); err != nil {
			env.logger.Warn("scoring service is not healthy", zap.Error(err))
		}
		scorer = scoringClient
	}

	processor, err := pipeline.NewProcessor(pipeline.Config{
		Store:  service.Store(),
		Scorer: scorer,
		Logger: env.logger,
	})
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := dispatch.NewMetrics(registry)
	if err != nil {
		return nil, err
	}

	onDrained := func() {
		if scoringClient != nil {
			if err := scoringClient.Release(context.Background()); err != nil {
				env.logger.Warn("failed to release scoring service", zap.Error(err))
			}
		}
		if opts.onDrained != nil {
			opts.onDrained()
		}
	}

	dispatcher, err := dispatch.NewDispatcher(dispatch.Config{
		Processor: processor,
		Database:  env.db,
		Workers:   env.cfg.DispatchWorkers,
		Retry: dispatch.RetryPolicy{
			MaxAttempts:     env.cfg.DispatchAttempts,
			InitialInterval: env.cfg.InitialBackoff,
			MaxInterval:     env.cfg.MaxBackoff,
		},
		Metrics:       metrics,
		Logger:        env.logger,
		OnAllComplete: onDrained,
	})
	if err != nil {
		return nil, err
	}
	return &engine{service: service, dispatcher: dispatcher, registry: registry}, nil
}

type dispatchSummary struct {
	mu        sync.Mutex
	succeeded int
	failed    int
}

func newDispatchSummary() *dispatchSummary {
	return &dispatchSummary{}
}

func (s *dispatchSummary) record(result dispatch.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if result.Outcome == dispatch.OutcomeSuccess {
		s.succeeded++
		return
	}
	s.failed++
}

func (s *dispatchSummary) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.succeeded, s.failed
}
