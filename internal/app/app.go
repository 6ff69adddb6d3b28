// Package app wires all podium subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the HTTP surface until the context is cancelled, and
// Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithBackend, WithStore,
// WithRecorder, ...). When an option is not provided, New creates the real
// implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/podium/internal/config"
	"github.com/MrWong99/podium/internal/events"
	"github.com/MrWong99/podium/internal/health"
	"github.com/MrWong99/podium/internal/observe"
	"github.com/MrWong99/podium/internal/poller"
	"github.com/MrWong99/podium/internal/recording"
	"github.com/MrWong99/podium/internal/recording/postgres"
	"github.com/MrWong99/podium/internal/recording/sqlite"
	"github.com/MrWong99/podium/internal/server"
	"github.com/MrWong99/podium/internal/session"
	"github.com/MrWong99/podium/internal/upload"
	"github.com/MrWong99/podium/pkg/audio"
	"github.com/MrWong99/podium/pkg/backend"
)

// drainTimeout bounds how long Run waits for in-flight requests after the
// context is cancelled.
const drainTimeout = 10 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	// Subsystems, initialised in New and torn down in Shutdown.
	api      backend.API
	store    recording.Store
	registry *recording.Registry
	uploader *upload.Orchestrator
	poller   *poller.Poller
	recorder session.Recorder
	bus      *events.Bus
	sessions *SessionManager
	health   *health.Handler
	server   *server.Server
	metrics  *observe.Metrics
	scrape   http.Handler
	logLevel *slog.LevelVar
	listener net.Listener

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithBackend injects the feedback service client instead of building one
// from config.
func WithBackend(api backend.API) Option {
	return func(a *App) { a.api = api }
}

// WithStore injects a recording store instead of opening the configured one.
// The App closes it on Shutdown.
func WithStore(s recording.Store) Option {
	return func(a *App) { a.store = s }
}

// WithRecorder injects the audio recorder instead of spawning ffmpeg.
func WithRecorder(r session.Recorder) Option {
	return func(a *App) { a.recorder = r }
}

// WithMetrics injects the metrics instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler sets the handler served at /metrics, typically
// [observe.Telemetry.Handler].
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.scrape = h }
}

// WithLogLevel hands the App the level variable of the process logger so
// config reloads can change it.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// WithListener makes Run serve on l instead of listening on
// server.listen_addr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Backend client ───────────────────────────────────────────────
	if err := a.initBackend(); err != nil {
		return nil, fmt.Errorf("app: init backend: %w", err)
	}

	// ── 2. Recording store ──────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	a.registry = recording.NewRegistry(a.store)

	// ── 3. Upload and feedback pipeline ─────────────────────────────────
	a.initPipeline()

	// ── 4. Recorder ─────────────────────────────────────────────────────
	if a.recorder == nil {
		rc := cfg.Recorder
		a.recorder = audio.NewFFmpegRecorder(audio.RecorderConfig{
			Command:     rc.FFmpeg,
			InputFormat: rc.InputFormat,
			InputDevice: rc.InputDevice,
			Format:      audio.Format{SampleRate: rc.SampleRate, Channels: rc.Channels},
			OutputDir:   rc.OutputDir,
		})
	}

	// ── 5. Sessions and events ──────────────────────────────────────────
	a.bus = events.NewBus(events.DefaultBuffer)
	a.sessions = NewSessionManager(SessionManagerConfig{
		Registry:     a.registry,
		Uploader:     a.uploader,
		Poller:       a.poller,
		Registrar:    a.api,
		Recorder:     a.recorder,
		Publisher:    a.bus,
		Metrics:      a.metrics,
		TickRate:     cfg.Clock.TickRate,
		AdvanceDelay: cfg.Clock.AdvanceDelay,
	})

	// ── 6. HTTP surface ─────────────────────────────────────────────────
	a.health = health.New(
		health.PingChecker("backend", a.api),
		health.PingChecker("store", a.store),
	)
	srvOpts := []server.Option{
		server.WithHealth(a.health),
		server.WithMetrics(a.metrics),
	}
	if a.scrape != nil {
		srvOpts = append(srvOpts, server.WithMetricsHandler(a.scrape))
	}
	a.server = server.New(a.sessions, a.bus, srvOpts...)

	// The session goes first so its uploads stop before the store closes.
	a.closers = append([]func() error{a.sessions.Close, closeBus(a.bus)}, a.closers...)
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initBackend() error {
	if a.api != nil {
		return nil
	}
	var opts []backend.Option
	if a.cfg.Backend.Token != "" {
		opts = append(opts, backend.WithToken(a.cfg.Backend.Token))
	}
	if a.cfg.Backend.Timeout > 0 {
		opts = append(opts, backend.WithTimeout(a.cfg.Backend.Timeout))
	}
	c, err := backend.New(a.cfg.Backend.BaseURL, opts...)
	if err != nil {
		return err
	}
	a.api = c
	return nil
}

func (a *App) initStore(ctx context.Context) error {
	if a.store == nil {
		s, err := openStore(ctx, a.cfg.Store)
		if err != nil {
			return err
		}
		a.store = s
	}
	a.closers = append(a.closers, a.store.Close)
	return nil
}

// openStore opens the recording store selected by cfg.
func openStore(ctx context.Context, cfg config.StoreConfig) (recording.Store, error) {
	switch cfg.Driver {
	case config.StoreMemory, "":
		return recording.NewMemStore(), nil
	case config.StoreSQLite:
		return sqlite.Open(ctx, cfg.DSN)
	case config.StorePostgres:
		return postgres.NewStore(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func (a *App) initPipeline() {
	a.uploader = upload.New(a.api,
		upload.WithMaxAttempts(a.cfg.Upload.MaxAttempts),
		upload.WithBaseBackoff(a.cfg.Upload.BaseBackoff),
		upload.WithProbers(audio.WAVProber{}, audio.NewFFProbe(a.cfg.Recorder.FFprobe)),
		upload.WithMetrics(a.metrics),
	)
	a.poller = poller.New(a.api,
		poller.WithInterval(a.cfg.Poll.Interval),
		poller.WithMaxAttempts(a.cfg.Poll.MaxAttempts),
		poller.WithTimeout(a.cfg.Poll.Timeout),
		poller.WithBreaker(poller.NewBreaker("feedback-status", a.cfg.Poll.BreakerFailures, a.cfg.Poll.BreakerReset)),
		poller.WithMetrics(a.metrics),
	)
}

func closeBus(b *events.Bus) func() error {
	return func() error {
		b.Close()
		return nil
	}
}

// Sessions returns the foreground session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the HTTP surface and blocks until ctx is cancelled. On
// cancellation readiness fails first, then in-flight requests get
// drainTimeout to finish. Run returns ctx.Err() after a clean drain.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
		}
	}

	srv := &http.Server{
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		a.health.SetDraining()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		// WebSocket streams are hijacked and not tracked by Shutdown; closing
		// the bus ends them.
		a.bus.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("app: drain http: %w", err)
		}
		return nil
	})

	slog.Info("app running", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ApplyConfig applies a reloaded config. Only the log level takes effect
// immediately; other changes are logged as needing a restart.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to take effect", "sections", d.RestartRequired)
	}
}

// SlogLevel converts a config log level to a [slog.Level].
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order: the active session (which
// cancels its uploads and polls), the event bus, then the store. It respects
// the context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
