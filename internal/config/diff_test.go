package config_test

import (
	"slices"
	"strings"
	"testing"

	"github.com/MrWong99/braintone/internal/config"
)

func mustLoad(t *testing.T, yml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yml))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return cfg
}

func TestDiff_Identical(t *testing.T) {
	t.Parallel()
	d := config.Diff(mustLoad(t, fullYAML), mustLoad(t, fullYAML))
	if d.LogLevelChanged || d.SessionChanged() || d.NeedsRestart() {
		t.Errorf("identical configs differ: %+v", d)
	}
}

func TestDiff_SessionAndLogLevel(t *testing.T) {
	t.Parallel()
	old := mustLoad(t, fullYAML)
	next := mustLoad(t, fullYAML)
	next.Server.LogLevel = config.LogWarn
	next.Session.AvgKernel = 8
	floor := -2.0
	next.Session.OutputFloor = &floor

	d := config.Diff(old, next)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogWarn {
		t.Errorf("log level diff = %v/%q", d.LogLevelChanged, d.NewLogLevel)
	}
	if !slices.Equal(d.SessionFields, []string{"avg_kernel", "output_floor"}) {
		t.Errorf("session fields = %v", d.SessionFields)
	}
	if d.NeedsRestart() {
		t.Error("session-only change should not need a restart")
	}
}

func TestDiff_EqualPointersByValue(t *testing.T) {
	t.Parallel()
	old := mustLoad(t, fullYAML)
	next := mustLoad(t, fullYAML)
	ceil := *old.Session.OutputCeil
	next.Session.OutputCeil = &ceil
	if d := config.Diff(old, next); d.SessionChanged() {
		t.Errorf("same clamp value reported as changed: %v", d.SessionFields)
	}
}

func TestDiff_Features(t *testing.T) {
	t.Parallel()
	old := mustLoad(t, fullYAML)
	next := mustLoad(t, fullYAML)
	next.Features.Scan.Start = 8
	d := config.Diff(old, next)
	if !d.FeaturesChanged || !d.SessionChanged() {
		t.Errorf("scan change not detected: %+v", d)
	}
}

func TestDiff_Subjects(t *testing.T) {
	t.Parallel()
	old := mustLoad(t, fullYAML)
	next := mustLoad(t, fullYAML)
	next.Subjects[0].Actuator = config.Entry{Name: "console"}
	next.Subjects = append(next.Subjects, config.SubjectConfig{
		Name:     "player-2",
		Source:   config.Entry{Name: "fake"},
		Actuator: config.Entry{Name: "console"},
	})

	d := config.Diff(old, next)
	if !slices.Equal(d.SubjectsRewired, []string{"player-1"}) || !slices.Equal(d.SubjectsAdded, []string{"player-2"}) {
		t.Errorf("rewired = %v, added = %v", d.SubjectsRewired, d.SubjectsAdded)
	}
	if !d.NeedsRestart() {
		t.Error("subject changes should need a restart")
	}

	d = config.Diff(next, old)
	if !slices.Equal(d.SubjectsRemoved, []string{"player-2"}) {
		t.Errorf("removed = %v", d.SubjectsRemoved)
	}
}
