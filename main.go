package main

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mbolis/field-survey/app"
	"github.com/mbolis/field-survey/config"
	"github.com/mbolis/field-survey/database"
	"github.com/mbolis/field-survey/httpx"
	"github.com/mbolis/field-survey/identity"
	"github.com/mbolis/field-survey/log"
	"github.com/mbolis/field-survey/ratelimit"
	"github.com/mbolis/field-survey/retry"
	"github.com/mbolis/field-survey/routes"
	"github.com/mbolis/field-survey/store"
	"github.com/mbolis/field-survey/submission"
	"github.com/mbolis/field-survey/telemetry"
	"github.com/mbolis/field-survey/validate"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		log.Fatal("main.config:", err)
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	if cfg.LogJSON {
		log.UseJSON()
	}

	db, err := database.Open(cfg)
	if err != nil {
		log.Fatal("main.db.open:", err)
	}

	app, sink := build(cfg, db)
	handler := routes.Wire(app)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runServer(ctx, cfg, handler); err != nil {
		log.Error("main.server:", err)
	}

	var result error
	if err := sink.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := db.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if result != nil {
		log.Fatal("main.shutdown:", result)
	}
	log.Info("Bye")
}

func build(cfg config.Config, db *sql.DB) (app.App, telemetry.Sink) {
	st := store.New(db)
	questionnaires := store.NewQuestionnaireCache(st, cfg.QuestionnaireCacheSize, cfg.QuestionnaireCacheTTL)
	provider := identity.New(cfg.TokenSecret, cfg.TokenTTL, st)

	sinks := telemetry.Multi{telemetry.Log{}}
	var (
		observer submission.Observer
		metrics  http.Handler
	)
	observeRetry := func(op string, attempt int, err error) {
		log.WithFields(log.Fields{"op": op, "attempt": attempt}).WithError(err).Warn("store call failed, retrying")
	}
	if cfg.Metrics {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		m := telemetry.NewMetrics(reg)
		sinks = append(sinks, m)
		observer = m
		logRetry := observeRetry
		observeRetry = func(op string, attempt int, err error) {
			logRetry(op, attempt, err)
			m.Retried(op, attempt, err)
		}
		metrics = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}
	if cfg.InfluxURL != "" {
		sinks = append(sinks, telemetry.NewInflux(cfg.InfluxURL, cfg.InfluxToken, cfg.InfluxOrg, cfg.InfluxBucket, cfg.TelemetryTimeout))
		log.Info("Sending submission telemetry to " + cfg.InfluxURL)
	}

	policy := retry.DefaultPolicy()
	policy.MaxAttempts = cfg.RetryAttempts
	policy.MinInterval = cfg.RetryMinBackoff
	policy.MaxInterval = cfg.RetryMaxBackoff
	policy.AttemptTimeout = cfg.StoreTimeout
	executor := retry.New(policy, store.IsTransient, observeRetry)

	pipeline := submission.New(submission.Options{
		Limiter:        newLimiter(cfg, db),
		Auth:           provider,
		Questionnaires: questionnaires,
		Store:          st,
		Validator:      validate.New(),
		Executor:       executor,
		Sink:           sinks,
		Observer:       observer,
		ChunkSize:      cfg.AnswerChunkSize,
	})

	return app.App{
		Store:          st,
		Config:         cfg,
		Questionnaires: questionnaires,
		Identity:       provider,
		Credentials:    httpx.NewCredentialsVerifier(st),
		Pipeline:       pipeline,
		Metrics:        metrics,
	}, sinks
}

func newLimiter(cfg config.Config, db *sql.DB) ratelimit.Limiter {
	if cfg.RateStore == "sql" {
		return ratelimit.NewSQL(db, cfg.RateLimit, cfg.RateWindow)
	}
	return ratelimit.NewMemory(cfg.RateLimit, cfg.RateWindow)
}

func runServer(ctx context.Context, cfg config.Config, handler http.Handler) error {
	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		IdleTimeout:  time.Minute,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return err
	}
	log.Info("Listening on " + cfg.Url())
	return serve(ctx, srv, ln)
}

// serve runs srv on ln until ctx is done, then returns once in-flight
// requests have completed or the shutdown timeout has passed.
func serve(ctx context.Context, srv *http.Server, ln net.Listener) error {
	drained := make(chan error, 1)
	stopped := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-stopped:
			return
		}
		log.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		drained <- srv.Shutdown(shutdownCtx)
	}()

	err := srv.Serve(ln)
	if !errors.Is(err, http.ErrServerClosed) {
		close(stopped)
		return err
	}
	return <-drained
}
