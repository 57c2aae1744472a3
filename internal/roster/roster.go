// Package roster tracks the remote participants of one meeting on the
// client side.
//
// The registry holds everyone in the meeting except the local user. It
// is the single source of truth the connection manager and UI layers
// read from, so all mutations are serialized behind one mutex and
// change notifications fire outside the lock.
package roster

import (
	"sort"
	"sync"
)

// Participant is one remote meeting member.
type Participant struct {
	UserID   string
	UserName string
}

// Registry is a concurrency-safe set of remote participants keyed by
// user ID. The local user is never admitted.
type Registry struct {
	selfID string

	mu      sync.Mutex
	entries map[string]Participant

	onChange func(Snapshot)
}

// Snapshot is an immutable copy of the registry contents, sorted by
// user ID for stable iteration.
type Snapshot []Participant

// New creates a registry for the local user selfID. onChange, if
// non-nil, is invoked with a fresh snapshot after every mutation that
// actually changed the set. It is called without the registry lock
// held.
func New(selfID string, onChange func(Snapshot)) *Registry {
	return &Registry{
		selfID:   selfID,
		entries:  make(map[string]Participant),
		onChange: onChange,
	}
}

// Replace swaps the registry contents for the given participants,
// dropping the local user and duplicate IDs (first entry wins). It is
// used when joining: the server's roster snapshot becomes the initial
// state.
func (r *Registry) Replace(participants []Participant) {
	r.mu.Lock()
	next := make(map[string]Participant, len(participants))
	for _, p := range participants {
		if p.UserID == "" || p.UserID == r.selfID {
			continue
		}
		if _, ok := next[p.UserID]; ok {
			continue
		}
		next[p.UserID] = p
	}
	changed := !equalSets(r.entries, next)
	r.entries = next
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	if changed {
		r.notify(snapshot)
	}
}

// Add inserts a participant. Adding the local user or an already
// present ID is a no-op; re-adding a known ID with a new name updates
// the name. It reports whether the participant was newly added.
func (r *Registry) Add(p Participant) bool {
	if p.UserID == "" || p.UserID == r.selfID {
		return false
	}

	r.mu.Lock()
	existing, present := r.entries[p.UserID]
	if present && existing == p {
		r.mu.Unlock()
		return false
	}
	r.entries[p.UserID] = p
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	r.notify(snapshot)
	return !present
}

// Remove deletes the participant with the given ID and reports whether
// it was present.
func (r *Registry) Remove(userID string) bool {
	r.mu.Lock()
	_, present := r.entries[userID]
	if !present {
		r.mu.Unlock()
		return false
	}
	delete(r.entries, userID)
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	r.notify(snapshot)
	return true
}

// Get returns the participant with the given ID.
func (r *Registry) Get(userID string) (Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.entries[userID]
	return p, ok
}

// List returns a sorted snapshot of all remote participants.
func (r *Registry) List() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Len returns the number of remote participants.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Clear empties the registry. It is the leave-path companion of
// Replace.
func (r *Registry) Clear() {
	r.mu.Lock()
	changed := len(r.entries) > 0
	r.entries = make(map[string]Participant)
	r.mu.Unlock()

	if changed {
		r.notify(nil)
	}
}

func (r *Registry) snapshotLocked() Snapshot {
	out := make(Snapshot, 0, len(r.entries))
	for _, p := range r.entries {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (r *Registry) notify(s Snapshot) {
	if r.onChange != nil {
		r.onChange(s)
	}
}

func equalSets(a, b map[string]Participant) bool {
	if len(a) != len(b) {
		return false
	}
	for id, p := range a {
		if q, ok := b[id]; !ok || q != p {
			return false
		}
	}
	return true
}
