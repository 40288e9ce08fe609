// cmd/main.go is the application entry point.
// It wires together all layers and starts the HTTP server.
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

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/sitcon-tw/tickets-sub001/internal/clock"
	"github.com/sitcon-tw/tickets-sub001/internal/config"
	"github.com/sitcon-tw/tickets-sub001/internal/database"
	"github.com/sitcon-tw/tickets-sub001/internal/handler"
	"github.com/sitcon-tw/tickets-sub001/internal/logger"
	"github.com/sitcon-tw/tickets-sub001/internal/notify"
	"github.com/sitcon-tw/tickets-sub001/internal/ratelimit"
	"github.com/sitcon-tw/tickets-sub001/internal/repository"
	"github.com/sitcon-tw/tickets-sub001/internal/service"
	"github.com/sitcon-tw/tickets-sub001/internal/telemetry"
	"github.com/sitcon-tw/tickets-sub001/internal/token"
	"go.uber.org/zap"
)

const (
	dispatchTimeout = 10 * time.Second
	shutdownTimeout = 10 * time.Second
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Error("server exited", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── 1. Tracing ───────────────────────────────────────────────────────
	shutdownTracing, err := telemetry.Setup(ctx, cfg.OTel)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Warn("tracer shutdown", zap.Error(err))
		}
	}()

	// ── 2. PostgreSQL ────────────────────────────────────────────────────
	pool, err := database.NewPool(ctx, cfg.Database, log)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool, log); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	// ── 3. Side channels: rate limiter and notifier ──────────────────────
	clk := clock.NewSystem()
	limiter := newLimiter(ctx, cfg, clk, log)

	notifier, closeNotifier := newNotifier(cfg, log)
	defer closeNotifier()

	// ── 4. Wire up layers ────────────────────────────────────────────────
	stores := service.Stores{
		Tx:            repository.NewTxManager(pool),
		Events:        repository.NewEventRepository(pool),
		Tickets:       repository.NewTicketRepository(pool),
		Invites:       repository.NewInvitationRepository(pool),
		Registrations: repository.NewRegistrationRepository(pool),
		Fields:        repository.NewFormFieldRepository(pool, log),
	}
	links := service.Links{
		FrontendURL:   cfg.Registration.FrontendURL,
		QRCodeBaseURL: cfg.Registration.QRCodeBaseURL,
	}
	dispatcher := service.NewDispatcher(log, dispatchTimeout)
	defer dispatcher.Wait()

	admission := service.NewAdmissionService(stores, notifier, dispatcher, links, clk,
		cfg.Registration.StrictReferral, log)
	tokens := service.NewEditTokenService(stores, token.NewHasher(cfg.Registration.EditTokenSecret),
		limiter, notifier, dispatcher, links, clk, cfg.Registration.EditTokenTTL, log)
	cancellation := service.NewCancellationService(stores, tokens, clk,
		cfg.Registration.CancellationBlackout, log)

	registrations := handler.NewRegistrationHandler(admission, tokens, cancellation,
		handler.HeaderIdentity{Header: cfg.IdentityHeader}, log)

	// ── 5. Build the router ──────────────────────────────────────────────
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(handler.Logger(log))
	r.Use(handler.CORS(cfg.CORSOrigins))

	r.Get("/health", handler.Health(pool, log))
	r.Mount("/registrations", registrations.Routes())

	// ── 6. Start server with graceful shutdown ───────────────────────────
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	log.Info("server stopped")
	return nil
}

// newLimiter prefers the shared Redis limiter so every replica sees the same
// counts, and falls back to a per-process window when Redis is unavailable.
func newLimiter(ctx context.Context, cfg config.Config, clk clock.Clock, log *zap.Logger) service.RateLimiter {
	limit, window := cfg.Registration.EditRequestLimit, cfg.Registration.EditRequestWindow
	if cfg.Redis.Addr == "" {
		log.Info("redis not configured, using in-memory rate limiter")
		return ratelimit.NewMemoryLimiter(clk, limit, window)
	}

	rpool, err := ratelimit.NewPool(ctx, cfg.Redis)
	if err != nil {
		log.Warn("redis unavailable, using in-memory rate limiter", zap.Error(err))
		return ratelimit.NewMemoryLimiter(clk, limit, window)
	}
	return ratelimit.NewRedisLimiter(rpool, "edit-request", limit, window)
}

func newNotifier(cfg config.Config, log *zap.Logger) (service.Notifier, func()) {
	if cfg.AMQP.URL == "" {
		log.Info("amqp not configured, notifications are logged only")
		return notify.NewLogNotifier(log), func() {}
	}

	n, err := notify.NewAMQPNotifier(cfg.AMQP.URL, cfg.AMQP.Exchange)
	if err != nil {
		log.Warn("amqp unavailable, notifications are logged only", zap.Error(err))
		return notify.NewLogNotifier(log), func() {}
	}
	return n, func() {
		if err := n.Close(); err != nil {
			log.Warn("close amqp notifier", zap.Error(err))
		}
	}
}
