package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/cedars/internal/adjudication"
	"github.com/MarcoPoloResearchLab/cedars/internal/auth"
	"github.com/MarcoPoloResearchLab/cedars/internal/config"
	"github.com/MarcoPoloResearchLab/cedars/internal/reviewers"
	"github.com/MarcoPoloResearchLab/cedars/internal/server"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "cedars-api",
		Short: "Clinical event adjudication service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
		SilenceUsage: true,
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newIssueTokenCommand(), newDispatchCommand(), newReleaseLocksCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Reviewer token TTL in minutes")
	cmd.PersistentFlags().Int("dispatcher-workers", defaults.GetInt("dispatcher.workers"), "Concurrent NLP jobs")
	cmd.PersistentFlags().Int("dispatcher-max-attempts", defaults.GetInt("dispatcher.max_attempts"), "Attempts per NLP job")
	cmd.PersistentFlags().Bool("scoring-enabled", defaults.GetBool("scoring.enabled"), "Score notes with the external scoring service")
	cmd.PersistentFlags().String("scoring-url", "", "Scoring service base URL")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "dispatcher.workers", "dispatcher-workers")
	bindFlag(cmd, "dispatcher.max_attempts", "dispatcher-max-attempts")
	bindFlag(cmd, "scoring.enabled", "scoring-enabled")
	bindFlag(cmd, "scoring.url", "scoring-url")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	env, err := openEnvironment()
	if err != nil {
		return err
	}
	defer env.close()

	realtime := server.NewRealtimeDispatcher()
	engine, err := buildEngine(env, engineOptions{
		onCompleted: realtime.PublishPatientCompleted,
		onDrained:   realtime.PublishJobsDrained,
	})
	if err != nil {
		return err
	}
	engine.dispatcher.Subscribe(realtime.PublishJobResult)

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(env.cfg.AuthSigningKey),
		Issuer:        env.cfg.AuthIssuer,
		CookieName:    env.cfg.AuthCookieName,
	})
	if err != nil {
		return err
	}
	directory, err := reviewers.NewService(reviewers.ServiceConfig{Database: env.db})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Validator:      validator,
		Reviewers:      directory,
		Adjudication:   engine.service,
		Dispatcher:     engine.dispatcher,
		Realtime:       realtime,
		Metrics:        promhttp.HandlerFor(engine.registry, promhttp.HandlerOpts{}),
		AllowedOrigins: env.cfg.AllowedOrigins,
		Logger:         env.logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              env.cfg.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		env.logger.Info("server starting", zap.String("address", env.cfg.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		serveErr = httpServer.Shutdown(shutdownCtx)
	case serveErr = <-errCh:
	}

	engine.dispatcher.Close()
	if err := sweepLocks(context.Background(), engine.service.Locks(), env.logger); err != nil && serveErr == nil {
		serveErr = err
	}
	return serveErr
}

func sweepLocks(ctx context.Context, locks *adjudication.LockRegistry, logger *zap.Logger) error {
	released, err := locks.ReleaseAllLocks(ctx)
	if err != nil {
		logger.Error("failed to release patient locks", zap.Error(err))
		return err
	}
	logger.Info("patient locks released", zap.Int64("count", released))
	return nil
}

func newIssueTokenCommand() *cobra.Command {
	var (
		reviewerID  string
		displayName string
		email       string
		admin       bool
	)
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Print a signed reviewer session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(cfg.AuthSigningKey),
				Issuer:        cfg.AuthIssuer,
				TokenTTL:      cfg.TokenTTL,
			})
			if err != nil {
				return err
			}
			reviewer := auth.Reviewer{ID: reviewerID, DisplayName: displayName, Email: email}
			if admin {
				reviewer.Roles = []string{auth.RoleAdmin}
			}
			token, expiresAt, err := issuer.Issue(reviewer)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&reviewerID, "reviewer", "", "Reviewer identifier")
	cmd.Flags().StringVar(&displayName, "name", "", "Reviewer display name")
	cmd.Flags().StringVar(&email, "email", "", "Reviewer email")
	cmd.Flags().BoolVar(&admin, "admin", false, "Grant the admin role")
	_ = cmd.MarkFlagRequired("reviewer")
	return cmd
}

func newDispatchCommand() *cobra.Command {
	var patients []string
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Run NLP jobs for the given patients, or all patients, and wait for them",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDispatch(cmd.Context(), cmd, patients)
		},
	}
	cmd.Flags().StringSliceVar(&patients, "patient", nil, "Patient identifier (repeatable)")
	return cmd
}

func runDispatch(ctx context.Context, cmd *cobra.Command, rawPatients []string) error {
	env, err := openEnvironment()
	if err != nil {
		return err
	}
	defer env.close()

	engine, err := buildEngine(env, engineOptions{})
	if err != nil {
		return err
	}
	defer engine.dispatcher.Close()

	var patients []adjudication.PatientID
	if len(rawPatients) == 0 {
		if patients, err = engine.service.Store().PatientIDs(ctx); err != nil {
			return err
		}
	}
	for _, raw := range rawPatients {
		patientID, err := adjudication.NewPatientID(raw)
		if err != nil {
			return err
		}
		patients = append(patients, patientID)
	}

	summary := newDispatchSummary()
	engine.dispatcher.Subscribe(summary.record)
	started, err := engine.dispatcher.Dispatch(ctx, patients)
	if err != nil {
		return err
	}
	engine.dispatcher.Wait()

	succeeded, failed := summary.counts()
	fmt.Fprintf(cmd.OutOrStdout(), "dispatched %d jobs: %d succeeded, %d failed\n", started, succeeded, failed)
	if failed > 0 {
		return fmt.Errorf("%d jobs failed", failed)
	}
	return nil
}

func newReleaseLocksCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "release-locks",
		Short: "Release every patient lock",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnvironment()
			if err != nil {
				return err
			}
			defer env.close()
			locks := adjudication.NewLockRegistry(env.db, time.Now, env.logger)
			return sweepLocks(cmd.Context(), locks, env.logger)
		},
	}
}
