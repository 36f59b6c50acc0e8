package app

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MrWong99/braintone/internal/session"
)

// ErrUnknownSubject is returned by [App.Start] for a subject that is not
// configured.
var ErrUnknownSubject = errors.New("app: unknown subject")

// runPolicy controls when a worker starts runs.
type runPolicy struct {
	autoStart  bool
	rearm      bool
	rearmDelay time.Duration
}

// worker owns one subject's session. Runs are strictly sequential: the
// session is only started from the worker goroutine.
type worker struct {
	sess   *session.Session
	start  chan struct{}
	policy atomic.Pointer[runPolicy]
	log    *slog.Logger
}

func newWorker(sess *session.Session, p runPolicy, log *slog.Logger) *worker {
	w := &worker{
		sess:  sess,
		start: make(chan struct{}, 1),
		log:   log.With("subject", sess.Subject()),
	}
	w.policy.Store(&p)
	return w
}

// trigger queues a run. It fails with [session.ErrSessionActive] while a run
// is active or already queued.
func (w *worker) trigger() error {
	if w.sess.Busy() {
		return session.ErrSessionActive
	}
	select {
	case w.start <- struct{}{}:
		return nil
	default:
		return session.ErrSessionActive
	}
}

// run serves start requests until ctx is cancelled. Run failures are logged
// and never end the worker.
func (w *worker) run(ctx context.Context) error {
	if w.policy.Load().autoStart {
		_ = w.trigger()
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.start:
		}

		res, err := w.sess.Start(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, session.ErrSessionActive):
			w.log.Warn("start ignored, session already active")
			continue
		case err != nil:
			w.log.Warn("run ended with error", "run_id", res.RunID, "outcome", res.Outcome, "err", err)
		}

		p := w.policy.Load()
		if !p.rearm {
			continue
		}
		w.log.Info("re-arming", "delay", p.rearmDelay)
		t := time.NewTimer(p.rearmDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
			_ = w.trigger()
		}
	}
}
