// Package app wires all braintone subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds one session per
// configured subject from the registry, Run executes the subject workers and
// the control API until the context is cancelled, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithRecorder,
// WithHistory, WithMetrics). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/braintone/internal/config"
	"github.com/MrWong99/braintone/internal/health"
	"github.com/MrWong99/braintone/internal/journal"
	"github.com/MrWong99/braintone/internal/observe"
	"github.com/MrWong99/braintone/internal/session"
)

// App owns all subsystem lifetimes.
type App struct {
	reg *config.Registry

	mu  sync.Mutex
	cfg *config.Config

	metrics        *observe.Metrics
	metricsHandler http.Handler
	levelVar       *slog.LevelVar
	log            *slog.Logger

	recorder session.Recorder
	history  journal.History
	health   *health.Handler

	workers map[string]*worker
	order   []string

	configPath    string
	watchInterval time.Duration
	watcher       *config.Watcher

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMetrics sets the instruments used by sessions and the HTTP middleware.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLevelVar lets config reloads change the log level of the default
// logger.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = v }
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithRecorder injects a run journal instead of creating one from config.
func WithRecorder(r session.Recorder) Option {
	return func(a *App) { a.recorder = r }
}

// WithHistory injects the run history served on GET /sessions/{subject}/runs.
func WithHistory(h journal.History) Option {
	return func(a *App) { a.history = h }
}

// WithConfigWatch polls path for changes and applies them via [App.Reload].
// interval <= 0 uses the watcher default.
func WithConfigWatch(path string, interval time.Duration) Option {
	return func(a *App) {
		a.configPath = path
		a.watchInterval = interval
	}
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App: it opens the journal, then builds a source, an actuator
// and a session for every subject. On error everything built so far is
// closed.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{
		reg:     reg,
		cfg:     cfg,
		workers: make(map[string]*worker, len(cfg.Subjects)),
	}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	a.health = health.New(health.Sessions(a.Snapshots))

	// ── 1. Journal ───────────────────────────────────────────────────────
	if err := a.initJournal(ctx); err != nil {
		_ = a.Shutdown(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("app: init journal: %w", err)
	}

	// ── 2. Subjects ──────────────────────────────────────────────────────
	for _, sub := range cfg.Subjects {
		if err := a.initSubject(cfg, sub); err != nil {
			_ = a.Shutdown(context.WithoutCancel(ctx))
			return nil, fmt.Errorf("app: init subject %q: %w", sub.Name, err)
		}
	}

	// ── 3. Config watcher ────────────────────────────────────────────────
	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.Reload,
			config.WithInterval(a.watchInterval),
			config.WithWatchLogger(a.log),
		)
		if err != nil {
			_ = a.Shutdown(context.WithoutCancel(ctx))
			return nil, fmt.Errorf("app: %w", err)
		}
		a.watcher = w
	}

	return a, nil
}

// initJournal opens the configured journals unless one was injected.
func (a *App) initJournal(ctx context.Context) error {
	if a.recorder != nil {
		return nil
	}
	var (
		multi   journal.Multi
		history journal.History
	)
	if path := a.cfg.Journal.Path; path != "" {
		fs := journal.NewFileStore(path)
		multi = append(multi, fs)
		history = fs
		a.log.Info("journal enabled", "kind", "file", "path", path)
	}
	if dsn := a.cfg.Journal.PostgresDSN; dsn != "" {
		pg, err := journal.Open(ctx, dsn)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() error {
			pg.Close()
			return nil
		})
		multi = append(multi, pg)
		history = pg
		a.health.Add(health.Ping("journal", pg))
		a.log.Info("journal enabled", "kind", "postgres")
	}
	if len(multi) > 0 {
		a.recorder = multi
	}
	if a.history == nil {
		a.history = history
	}
	return nil
}

// initSubject builds the session for one subject.
func (a *App) initSubject(cfg *config.Config, sub config.SubjectConfig) error {
	src, err := a.reg.CreateSource(sub.Source, cfg.Features.Layout())
	if err != nil {
		return err
	}
	act, err := a.reg.CreateActuator(sub.Actuator)
	if err != nil {
		_ = src.Close()
		return err
	}

	opts := []session.Option{
		session.WithMetrics(a.metrics),
		session.WithLogger(a.log),
	}
	if a.recorder != nil {
		opts = append(opts, session.WithRecorder(a.recorder))
	}
	sess, err := session.New(cfg.SessionFor(sub.Name), src, act, opts...)
	if err != nil {
		_ = src.Close()
		_ = act.Close()
		return err
	}
	a.closers = append(a.closers, sess.Close)

	a.workers[sub.Name] = newWorker(sess, policyFrom(cfg.Session), a.log)
	a.order = append(a.order, sub.Name)
	a.log.Info("subject ready", "subject", sub.Name, "source", sub.Source.Name, "actuator", sub.Actuator.Name)
	return nil
}

func policyFrom(s config.SessionConfig) runPolicy {
	return runPolicy{autoStart: s.AutoStart, rearm: s.Rearm, rearmDelay: s.RearmDelay}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts one worker per subject, the control API when a listen address
// is configured and the config watcher when enabled. It blocks until ctx is
// cancelled and returns nil after a clean stop.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, name := range a.order {
		w := a.workers[name]
		g.Go(func() error { return w.run(ctx) })
	}

	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(ctx) })
	}

	if addr := a.config().Server.ListenAddr; addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           a.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			a.log.Info("control API listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: listen %s: %w", addr, err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	a.log.Info("app running", "subjects", len(a.order))
	return g.Wait()
}

// ─── Control ─────────────────────────────────────────────────────────────────

// Start queues a run for subject. It returns [ErrUnknownSubject] or
// [session.ErrSessionActive].
func (a *App) Start(subject string) error {
	w, ok := a.workers[subject]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSubject, subject)
	}
	return w.trigger()
}

// Snapshots returns the state of every subject in configuration order.
func (a *App) Snapshots() []session.Snapshot {
	out := make([]session.Snapshot, 0, len(a.order))
	for _, name := range a.order {
		out = append(out, a.workers[name].sess.Snapshot())
	}
	return out
}

// Snapshot returns the state of one subject.
func (a *App) Snapshot(subject string) (session.Snapshot, bool) {
	w, ok := a.workers[subject]
	if !ok {
		return session.Snapshot{}, false
	}
	return w.sess.Snapshot(), true
}

// Subjects returns the configured subject names in order.
func (a *App) Subjects() []string { return slices.Clone(a.order) }

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies a changed configuration. The log level changes at once,
// session parameters are staged on every subject for its next run, and
// changes that need a restart are logged.
func (a *App) Reload(old, next *config.Config) {
	d := config.Diff(old, next)

	a.mu.Lock()
	a.cfg = next
	a.mu.Unlock()

	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(d.NewLogLevel.SlogLevel())
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}

	if d.SessionChanged() {
		p := policyFrom(next.Session)
		for _, name := range a.order {
			w := a.workers[name]
			if err := w.sess.UpdateConfig(next.SessionFor(name)); err != nil {
				a.log.Warn("config reload rejected for subject", "subject", name, "err", err)
				continue
			}
			w.policy.Store(&p)
		}
		a.log.Info("session parameters staged for next run",
			"fields", d.SessionFields, "features_changed", d.FeaturesChanged)
	}

	if d.NeedsRestart() {
		a.log.Warn("configuration changes require a restart",
			"subjects_added", d.SubjectsAdded,
			"subjects_removed", d.SubjectsRemoved,
			"subjects_rewired", d.SubjectsRewired,
			"server_addr_changed", d.ServerAddrChanged,
			"journal_changed", d.JournalChanged,
		)
	}
}

func (a *App) config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown closes sessions and the journal in reverse-init order. It
// respects the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
