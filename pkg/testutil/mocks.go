// Package testutil provides fake storefront backends and recording
// collaborators shared by the gateway, realtime and probe tests.
package testutil

import (
	"sync"

	"github.com/ecostock/storefront-core/session"
)

// RecordingNavigator records every forced navigation to the login surface.
type RecordingNavigator struct {
	mu      sync.Mutex
	reasons []session.Reason
}

// NewRecordingNavigator creates an empty navigator.
func NewRecordingNavigator() *RecordingNavigator {
	return &RecordingNavigator{}
}

// RequireLogin records reason.
func (n *RecordingNavigator) RequireLogin(reason session.Reason) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reasons = append(n.reasons, reason)
}

// Reasons returns a copy of the recorded reasons in call order.
func (n *RecordingNavigator) Reasons() []session.Reason {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]session.Reason, len(n.reasons))
	copy(out, n.reasons)
	return out
}

// Count returns how many navigations were recorded.
func (n *RecordingNavigator) Count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.reasons)
}

// ChangeRecorder collects session changes.
type ChangeRecorder struct {
	mu      sync.Mutex
	changes []session.Change
}

// RecordChanges attaches a recorder to store.
func RecordChanges(store *session.Store) *ChangeRecorder {
	r := &ChangeRecorder{}
	store.OnChange(func(c session.Change) {
		r.mu.Lock()
		r.changes = append(r.changes, c)
		r.mu.Unlock()
	})
	return r
}

// Changes returns a copy of the recorded changes.
func (r *ChangeRecorder) Changes() []session.Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]session.Change, len(r.changes))
	copy(out, r.changes)
	return out
}

// Count returns the number of changes with the given reason.
func (r *ChangeRecorder) Count(reason session.Reason) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.changes {
		if c.Reason == reason {
			n++
		}
	}
	return n
}
