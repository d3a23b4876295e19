package loop

import (
	"context"
	"fmt"
	"sort"

	"github.com/insa-strasbourg/hermes-client/pkg/logger"
)

// Snapshot is an on-demand status report: component -> severity level ->
// key -> value, spec §4.7's "status reporting model" and the shape exposed
// by the control socket's `status` command (spec §6).
type Snapshot map[string]map[string]map[string]string

// Severity levels a Snapshot entry may be filed under.
const (
	LevelInformation = "information"
	LevelWarning     = "warning"
	LevelError       = "error"
)

func (s Snapshot) set(component, level, key, value string) {
	byLevel, ok := s[component]
	if !ok {
		byLevel = map[string]map[string]string{}
		s[component] = byLevel
	}
	byKey, ok := byLevel[level]
	if !ok {
		byKey = map[string]string{}
		byLevel[level] = byKey
	}
	byKey[key] = value
}

// computeSnapshot builds the current status snapshot from live engine state,
// mirroring original_source/clients/hermesclient.py's getStatus.
func (l *Loop) computeSnapshot() Snapshot {
	snap := Snapshot{}

	snap.set("bus", LevelInformation, "connected", fmt.Sprintf("%t", l.busConnected))
	if l.busUnavailableSince != nil {
		snap.set("bus", LevelError, "unavailable_since", l.busUnavailableSince.Format("2006-01-02T15:04:05Z"))
	}

	n := l.Queue.Len()
	snap.set("errorqueue", LevelInformation, "length", fmt.Sprintf("%d", n))
	if n > 0 {
		snap.set("errorqueue", LevelWarning, "pending", fmt.Sprintf("%d", n))
	}

	st, err := l.Offset.Load()
	if err == nil {
		snap.set("offsetcache", LevelInformation, "nextOffset", fmt.Sprintf("%d", st.NextOffset))
		snap.set("offsetcache", LevelInformation, "initsyncComplete", fmt.Sprintf("%t", st.InitsyncComplete))
		if st.HasUnhandledError {
			snap.set("offsetcache", LevelError, "hasUnhandledError", "true")
		}
	}

	if l.stopped.Load() {
		snap.set("engine", LevelError, "stopped", l.stopReason)
	}
	if l.paused.Load() {
		snap.set("engine", LevelWarning, "paused", "true")
	}

	return snap
}

// Notifier receives status transitions the loop decides are worth surfacing
// outside the process (spec §4.7 step 6: "notify on transitions"). No
// concrete transport is mandated by spec §6 beyond "some outward channel";
// LogNotifier (below) is the only implementation wired by default, since
// nothing in the retrieved source names a specific sink (mail/webhook/etc)
// for this signal — a gap noted in DESIGN.md rather than invented.
type Notifier interface {
	Notify(ctx context.Context, transition string, snap Snapshot)
}

// LogNotifier reports transitions through the structured logger, at a level
// proportional to severity.
type LogNotifier struct {
	Log logger.Logger
}

func (n *LogNotifier) Notify(ctx context.Context, transition string, snap Snapshot) {
	args := []any{"transition", transition}
	for _, component := range sortedKeys(snap) {
		for _, level := range sortedKeys(snap[component]) {
			for _, key := range sortedKeys(snap[component][level]) {
				args = append(args, fmt.Sprintf("%s.%s.%s", component, level, key), snap[component][level][key])
			}
		}
	}
	switch transition {
	case "error":
		n.Log.ErrorContext(ctx, "status transition", args...)
	case "recovered":
		n.Log.InfoContext(ctx, "status transition", args...)
	default:
		n.Log.WarnContext(ctx, "status transition", args...)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
