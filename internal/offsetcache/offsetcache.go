// Package offsetcache implements the Offset Cache (spec §4.7/§6, C1): the
// small persisted cursor into the bus (the init-sync window plus the next
// offset to read) and the notification state the main loop uses to decide
// when to send an error/recovery email. Grounded on
// original_source/lib/datamodel/serialization.py's LocalCache usage in
// clients/hermesclient.py's offset bookkeeping.
package offsetcache

import (
	"github.com/google/uuid"

	"github.com/insa-strasbourg/hermes-client/internal/jsoncache"
)

// State is the offset cursor and notification bookkeeping persisted once per
// loop iteration that changes it.
type State struct {
	// Generation identifies the cache arena this offset belongs to: a fresh
	// id minted every time initsync restarts from scratch (spec §4.7 step 5),
	// so a cache directory surviving from an abandoned initsync attempt can be
	// told apart from the one the current offset was actually replayed against.
	Generation string `json:"generation,omitempty"`

	// InitStartOffset/InitStopOffset bound the init-start…init-stop sequence
	// that was replayed to seed the caches, spec §4.7 step 5. Zero until
	// initsync has completed once.
	InitStartOffset uint64 `json:"initStartOffset"`
	InitStopOffset  uint64 `json:"initStopOffset"`
	// InitsyncComplete is true once an init-start…init-stop sequence has been
	// fully replayed; until then the main loop stays in discovery mode.
	InitsyncComplete bool `json:"initsyncComplete"`

	// NextOffset is the next bus offset to read, spec §4.7 step 4.
	NextOffset uint64 `json:"nextOffset"`

	// HasUnhandledError and LastNotifiedErrorSet track the notification state
	// machine from spec §4.7 step 6: "no error → error", "error → no error",
	// and "error-set changed" transitions each trigger a notification.
	HasUnhandledError    bool     `json:"hasUnhandledError"`
	LastNotifiedErrorSet []string `json:"lastNotifiedErrorSet,omitempty"`
}

// Store wraps a jsoncache.Store to load/save one State under a fixed
// filename; each persisted entity owns its own file (spec §5).
type Store struct {
	store    *jsoncache.Store
	filename string
}

// New returns a Store backed by store, persisting under "offset".
func New(store *jsoncache.Store) *Store {
	return &Store{store: store, filename: "offset"}
}

// Load reads the persisted state, returning a zero-value State (the "never
// run" state, with InitsyncComplete false) if no cache file exists yet.
func (s *Store) Load() (State, error) {
	var st State
	_, err := s.store.Load(s.filename, &st, nil)
	return st, err
}

// Save persists st.
func (s *Store) Save(st State) error {
	return s.store.Save(s.filename, st)
}

// NewGeneration mints a fresh Generation id and clears the init-sync window,
// called whenever the main loop restarts initsync from scratch (a rejected
// replay, an operator-triggered reset): the previous generation's offsets no
// longer describe what's in the caches.
func (st *State) NewGeneration() {
	st.Generation = uuid.NewString()
	st.InitStartOffset = 0
	st.InitStopOffset = 0
	st.InitsyncComplete = false
}

// MarkErrorSet records the current set of object keys with at least one
// queued error, returning whether this differs from the last notified set
// (spec §4.7 step 6's "error-set changed" transition) along with the
// transition kind ("" when nothing changed).
func (st *State) MarkErrorSet(currentKeys []string) (transition string, changed bool) {
	hadError := st.HasUnhandledError
	hasError := len(currentKeys) > 0

	switch {
	case !hadError && hasError:
		transition = "error"
	case hadError && !hasError:
		transition = "recovered"
	case hadError && hasError && !sameSet(st.LastNotifiedErrorSet, currentKeys):
		transition = "error-set-changed"
	}

	changed = transition != ""
	st.HasUnhandledError = hasError
	if changed {
		st.LastNotifiedErrorSet = append([]string(nil), currentKeys...)
	}
	return transition, changed
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]struct{}, len(a))
	for _, k := range a {
		seen[k] = struct{}{}
	}
	for _, k := range b {
		if _, ok := seen[k]; !ok {
			return false
		}
	}
	return true
}
