package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"metawsm/internal/auth"
	"metawsm/internal/capability"
	"metawsm/internal/config"
	"metawsm/internal/eventbus"
	"metawsm/internal/service"
	"metawsm/internal/serviceapi"
	"metawsm/internal/store"
)

// Options are the runtime knobs NewRuntime needs beyond config.Config: the
// address to bind, a redis URL for the outbox publisher handed to the
// Service (empty leaves the Service without one), and the graceful-shutdown
// budget. The Runtime starts no outbox drain loop; outbox rows are published
// only when Service.DrainEvents is called.
type Options struct {
	Addr            string
	Config          config.Config
	RedisURL        string
	ReaperInterval  time.Duration
	ReaperLogPeriod time.Duration
	EventPumpPeriod time.Duration
	ShutdownTimeout time.Duration
	Logger          *log.Logger
}

// Runtime owns the HTTP server, the lease reaper, and the live-event pump
// for one control plane process, wiring a background worker and a
// net/http.Server around a Service.
type Runtime struct {
	opts      Options
	store     *store.Store
	core      serviceapi.Core
	broker    *RunEventBroker
	reaper    *ReaperWorker
	pump      *EventPump
	server    *http.Server
	startedAt time.Time
}

// NewRuntime opens the store, wires the domain Service against it, and
// builds the chi/huma Control API plus its background workers. The
// returned Runtime owns the store and must have Run called (which closes
// it on exit) or Close called directly if Run is never reached.
func NewRuntime(options Options) (*Runtime, error) {
	options = normalizeOptions(options)
	cfg := options.Config

	s, err := store.Open(cfg.Store.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	var publisher eventbus.Publisher
	if options.RedisURL != "" {
		publisher, err = eventbus.NewRedisPublisher(options.RedisURL)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("connect redis publisher: %w", err)
		}
	}

	drivers := service.Drivers{
		Git:     capability.ExecGitDriver{},
		DBReset: capability.ExecDBResetDriver{},
		Deploy:  capability.ExecDeployDriver{Command: cfg.Deploy.ReloadCommand},
		Health:  capability.ExecHealthProbe{Command: cfg.Deploy.HealthCommand},
	}
	svc, err := service.New(s, cfg, drivers, publisher)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("build service: %w", err)
	}

	core := serviceapi.NewLocalCore(svc)
	broker := NewRunEventBroker(128)
	pump := NewEventPump(core, broker, 100, 0)
	reaper := NewReaperWorker(core, options.ReaperInterval, options.ReaperLogPeriod, options.Logger)

	handler, err := buildHandler(core, broker, cfg)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("build control api: %w", err)
	}

	return &Runtime{
		opts:      options,
		store:     s,
		core:      core,
		broker:    broker,
		reaper:    reaper,
		pump:      pump,
		server:    &http.Server{Addr: options.Addr, Handler: handler},
		startedAt: time.Now().UTC(),
	}, nil
}

// buildHandler builds the Control API handler for cfg, split out of
// NewRuntime so it can be reused from tests that want the handler without
// the full runtime lifecycle.
func buildHandler(core serviceapi.Core, broker *RunEventBroker, cfg config.Config) (http.Handler, error) {
	return New(Config{
		Core:            core,
		Broker:          broker,
		BasePath:        "/api",
		Auth:            authConfigFrom(cfg),
		TraceHeaderName: cfg.Server.TraceHeaderName,
	})
}

// authConfigFrom translates the on-disk config's Auth section into the
// auth package's middleware config, exempting the health and OpenAPI
// surfaces so a deploy's readiness probe never needs a token.
func authConfigFrom(cfg config.Config) auth.Config {
	return auth.Config{
		JWTSecret:   cfg.Auth.JWTSecret,
		Required:    cfg.Auth.Required,
		ExemptPaths: []string{"/api/health", "/api/openapi.json", "/api/runs/contract", "/api/slots/contract"},
	}
}

// Run starts the background workers and the HTTP listener, blocking until
// ctx is canceled or the listener fails, then drains everything in reverse
// order.
func (r *Runtime) Run(ctx context.Context) error {
	if r == nil {
		return fmt.Errorf("runtime is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	r.reaper.Start(workerCtx)
	go r.pump.Run(workerCtx, r.opts.EventPumpPeriod)

	errCh := make(chan error, 1)
	go func() {
		if err := r.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			r.shutdownWorkers(workerCancel)
			r.store.Close()
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), r.opts.ShutdownTimeout)
	defer cancel()
	shutdownErr := r.server.Shutdown(shutdownCtx)
	r.shutdownWorkers(workerCancel)
	r.store.Close()
	return shutdownErr
}

func (r *Runtime) shutdownWorkers(cancel context.CancelFunc) {
	cancel()
	_ = r.reaper.Wait(2 * time.Second)
	r.pump.Stop()
	r.broker.Close()
}

// Health reports the process's current status for the /health endpoint's
// ambient counterpart at the runtime level (background workers, not just
// routing).
func (r *Runtime) Health() HealthResponse {
	return HealthResponse{
		Status:    "ok",
		StartedAt: r.startedAt,
		Now:       time.Now().UTC(),
		Reaper:    r.reaper.Snapshot(),
	}
}

// HealthResponse is the runtime-level health payload; the Control API's own
// GET /health returns a lighter version scoped to request handling.
type HealthResponse struct {
	Status    string         `json:"status"`
	StartedAt time.Time      `json:"started_at"`
	Now       time.Time      `json:"now"`
	Reaper    ReaperSnapshot `json:"reaper"`
}

func normalizeOptions(options Options) Options {
	if options.Addr == "" {
		options.Addr = options.Config.Server.HTTPAddr
	}
	if options.Addr == "" {
		options.Addr = ":8080"
	}
	if options.ReaperInterval <= 0 {
		options.ReaperInterval = time.Duration(options.Config.Reaper.IntervalSeconds) * time.Second
	}
	if options.ReaperInterval <= 0 {
		options.ReaperInterval = 30 * time.Second
	}
	if options.ReaperLogPeriod <= 0 {
		options.ReaperLogPeriod = 5 * time.Minute
	}
	if options.EventPumpPeriod <= 0 {
		options.EventPumpPeriod = 500 * time.Millisecond
	}
	if options.ShutdownTimeout <= 0 {
		options.ShutdownTimeout = 5 * time.Second
	}
	if options.Logger == nil {
		options.Logger = log.New(os.Stdout, "", 0)
	}
	return options
}
