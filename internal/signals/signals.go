// Package signals models the environment events that nudge the session and
// channel layers: the client becoming visible again, and another instance
// changing the shared credential. Core components only see the Source
// interface, so they can be driven by an in-memory Broadcaster in tests.
package signals

import (
	"sync"
)

// Kind identifies a signal.
type Kind int

const (
	KindVisibility Kind = iota
	KindStorageChange
)

func (k Kind) String() string {
	switch k {
	case KindVisibility:
		return "visibility"
	case KindStorageChange:
		return "storage_change"
	default:
		return "unknown"
	}
}

// CredentialKey is the storage key under which the access credential is shared.
const CredentialKey = "access_token"

// Signal is one event. Visible applies to KindVisibility; Key and Value apply
// to KindStorageChange, where an empty Value means the key was removed.
type Signal struct {
	Kind    Kind   `json:"kind"`
	Visible bool   `json:"visible,omitempty"`
	Key     string `json:"key,omitempty"`
	Value   string `json:"value,omitempty"`
	Origin  string `json:"origin,omitempty"`
}

// Source delivers signals to subscribers until the returned cancel is called.
type Source interface {
	Subscribe(fn func(Signal)) (cancel func())
}

// Broadcaster is an in-process Source.
type Broadcaster struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]func(Signal)
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]func(Signal))}
}

// Subscribe registers fn.
func (b *Broadcaster) Subscribe(fn func(Signal)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Emit delivers s to every subscriber synchronously, outside the lock.
func (b *Broadcaster) Emit(s Signal) {
	b.mu.RLock()
	fns := make([]func(Signal), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(s)
	}
}

// Subscribers returns the number of active subscribers.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
