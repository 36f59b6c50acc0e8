// Package journal records finished neurofeedback runs.
//
// Two stores are provided: [FileStore] appends JSON lines to a local file and
// [PostgresStore] writes to a session_runs table. [Multi] fans a result out
// to several stores. All of them satisfy [session.Recorder].
package journal

import (
	"context"
	"errors"

	"github.com/MrWong99/braintone/internal/session"
)

// DefaultRecentLimit is used by Recent when limit is not positive.
const DefaultRecentLimit = 20

// History lists recorded runs, newest first. An empty subject matches every
// subject.
type History interface {
	Recent(ctx context.Context, subject string, limit int) ([]session.Result, error)
}

// Compile-time interface checks.
var (
	_ session.Recorder = Multi(nil)
	_ session.Recorder = (*FileStore)(nil)
	_ session.Recorder = (*PostgresStore)(nil)
	_ History          = (*FileStore)(nil)
	_ History          = (*PostgresStore)(nil)
)

// Multi records every result in all of its recorders. A failing recorder
// does not prevent the others from being called.
type Multi []session.Recorder

// Record implements [session.Recorder].
func (m Multi) Record(ctx context.Context, r session.Result) error {
	var errs []error
	for _, rec := range m {
		if err := rec.Record(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
