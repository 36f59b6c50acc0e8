package config

import (
	"reflect"
	"slices"
	"strings"
)

// ConfigDiff describes what changed between two configs.
//
// Log level changes apply immediately. Session and feature changes are staged
// on every subject and take effect at its next run. Subject, source, actuator,
// server and journal changes need a restart and are only reported.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionFields lists the yaml keys under session: that changed.
	SessionFields []string

	// FeaturesChanged is true when the layout or scan windows changed.
	FeaturesChanged bool

	SubjectsAdded   []string
	SubjectsRemoved []string

	// SubjectsRewired lists subjects whose source or actuator changed.
	SubjectsRewired []string

	ServerAddrChanged bool
	JournalChanged    bool
}

// SessionChanged reports whether any subject's session parameters changed.
func (d ConfigDiff) SessionChanged() bool {
	return len(d.SessionFields) > 0 || d.FeaturesChanged
}

// NeedsRestart reports whether some changes cannot be applied live.
func (d ConfigDiff) NeedsRestart() bool {
	return len(d.SubjectsAdded) > 0 || len(d.SubjectsRemoved) > 0 ||
		len(d.SubjectsRewired) > 0 || d.ServerAddrChanged || d.JournalChanged
}

// Diff compares old and new configs.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{
		ServerAddrChanged: old.Server.ListenAddr != new.Server.ListenAddr,
		JournalChanged:    old.Journal != new.Journal,
		FeaturesChanged:   !reflect.DeepEqual(old.Features, new.Features),
		SessionFields:     changedFields(old.Session, new.Session),
	}
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oldSubjects := make(map[string]SubjectConfig, len(old.Subjects))
	for _, s := range old.Subjects {
		oldSubjects[s.Name] = s
	}
	for _, s := range new.Subjects {
		prev, ok := oldSubjects[s.Name]
		switch {
		case !ok:
			d.SubjectsAdded = append(d.SubjectsAdded, s.Name)
		case !reflect.DeepEqual(prev, s):
			d.SubjectsRewired = append(d.SubjectsRewired, s.Name)
		}
		delete(oldSubjects, s.Name)
	}
	for name := range oldSubjects {
		d.SubjectsRemoved = append(d.SubjectsRemoved, name)
	}
	slices.Sort(d.SubjectsRemoved)
	return d
}

// changedFields returns the yaml keys of the struct fields that differ.
func changedFields(old, new SessionConfig) []string {
	ov, nv := reflect.ValueOf(old), reflect.ValueOf(new)
	t := ov.Type()
	var out []string
	for i := range t.NumField() {
		if reflect.DeepEqual(ov.Field(i).Interface(), nv.Field(i).Interface()) {
			continue
		}
		key, _, _ := strings.Cut(t.Field(i).Tag.Get("yaml"), ",")
		out = append(out, key)
	}
	return out
}
