package health

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/braintone/internal/session"
)

// Sessions returns a checker named "sessions" that fails while any subject's
// producer is stalled or its last run failed. snapshots is called on every
// probe.
func Sessions(snapshots func() []session.Snapshot) Checker {
	return Checker{
		Name: "sessions",
		Check: func(_ context.Context) error {
			var bad []string
			for _, s := range snapshots() {
				switch {
				case s.State == session.StateFailed:
					bad = append(bad, fmt.Sprintf("%s failed: %s", s.Subject, s.LastError))
				case s.Stalled:
					bad = append(bad, s.Subject+" stalled")
				}
			}
			if len(bad) > 0 {
				return errors.New(strings.Join(bad, "; "))
			}
			return nil
		},
	}
}

// Pinger is implemented by stores with a liveness probe, such as the
// Postgres journal.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping returns a checker that calls p.Ping.
func Ping(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}
