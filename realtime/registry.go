package realtime

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ecostock/storefront-core/internal/metrics"
	"github.com/ecostock/storefront-core/pkg/logger"
)

// Registry keeps the desired subscriptions separate from the handles that
// are live on the current connection. Desired state survives reconnects;
// handles never do.
type Registry struct {
	mu      sync.Mutex
	desired map[string]Callback
	live    map[string]Handle
	conn    Conn

	log     *logger.Logger
	metrics *metrics.Collector
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryMetrics reports the live subscription count to m.
func WithRegistryMetrics(m *metrics.Collector) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// NewRegistry creates an empty registry.
func NewRegistry(log *logger.Logger, opts ...RegistryOption) *Registry {
	if log == nil {
		log = logger.NewDefault("subscriptions")
	}
	r := &Registry{
		desired: make(map[string]Callback),
		live:    make(map[string]Handle),
		log:     log,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe records cb as the callback for topic, replacing any previous
// one. When a connection is current and the topic is not yet live, it is
// subscribed immediately; a failure leaves the topic desired for the next
// reconcile.
func (r *Registry) Subscribe(topic string, cb Callback) error {
	if topic == "" {
		return fmt.Errorf("topic is required")
	}
	if cb == nil {
		return fmt.Errorf("callback is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.desired[topic] = cb
	if r.conn == nil {
		return nil
	}
	if _, ok := r.live[topic]; ok {
		return nil
	}
	return r.attachLocked(r.conn, topic)
}

// Unsubscribe forgets topic. It will not be resubscribed on reconnect.
func (r *Registry) Unsubscribe(topic string) {
	r.mu.Lock()
	delete(r.desired, topic)
	h, ok := r.live[topic]
	delete(r.live, topic)
	n := len(r.live)
	r.mu.Unlock()

	r.metrics.SetLiveSubscriptions(n)
	if !ok {
		return
	}
	if err := h.Unsubscribe(); err != nil {
		r.log.WithError(err).WithField("topic", topic).Debug("unsubscribe on connection failed")
	}
}

// Reconcile drops every handle from a previous connection and subscribes
// each desired topic on conn.
func (r *Registry) Reconcile(conn Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stale := len(r.live)
	r.live = make(map[string]Handle, len(r.desired))
	r.conn = conn

	var errs []error
	for _, topic := range sortedKeys(r.desired) {
		if err := r.attachLocked(conn, topic); err != nil {
			errs = append(errs, err)
		}
	}

	r.log.WithField("stale", stale).
		WithField("live", len(r.live)).
		WithField("desired", len(r.desired)).
		Info("subscriptions reconciled")
	return errors.Join(errs...)
}

// Discard forgets every live handle after the connection was lost.
func (r *Registry) Discard() {
	r.mu.Lock()
	r.live = make(map[string]Handle)
	r.conn = nil
	r.mu.Unlock()
	r.metrics.SetLiveSubscriptions(0)
}

// IsLive reports whether topic has a handle on the current connection.
func (r *Registry) IsLive(topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.live[topic]
	return ok
}

// LiveTopics returns the topics with live handles, sorted.
func (r *Registry) LiveTopics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedKeys(r.live)
}

// Desired returns every subscribed topic, live or not, sorted.
func (r *Registry) Desired() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedKeys(r.desired)
}

func (r *Registry) attachLocked(conn Conn, topic string) error {
	h, err := conn.Subscribe(topic, r.deliver(topic))
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	r.live[topic] = h
	r.metrics.SetLiveSubscriptions(len(r.live))
	return nil
}

// deliver resolves the callback per message so a re-subscribe with a new
// callback takes effect without touching the live handle.
func (r *Registry) deliver(topic string) func(Message) {
	return func(msg Message) {
		r.mu.Lock()
		cb := r.desired[topic]
		r.mu.Unlock()
		if cb == nil {
			return
		}
		r.metrics.RecordMessage(topic)
		cb(msg)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
