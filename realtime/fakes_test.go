package realtime

import (
	"context"
	"sync"
	"time"
)

type fakeHandle struct {
	conn  *fakeConn
	topic string
}

func (h *fakeHandle) Topic() string { return h.topic }

func (h *fakeHandle) Unsubscribe() error {
	h.conn.mu.Lock()
	defer h.conn.mu.Unlock()
	delete(h.conn.subs, h.topic)
	h.conn.unsubscribed = append(h.conn.unsubscribed, h.topic)
	return nil
}

type fakeConn struct {
	mu           sync.Mutex
	subs         map[string]func(Message)
	unsubscribed []string
	done         chan struct{}
	once         sync.Once
	err          error
}

func newFakeConn() *fakeConn {
	return &fakeConn{subs: make(map[string]func(Message)), done: make(chan struct{})}
}

func (c *fakeConn) Subscribe(topic string, deliver func(Message)) (Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[topic] = deliver
	return &fakeHandle{conn: c, topic: topic}, nil
}

func (c *fakeConn) Done() <-chan struct{} { return c.done }

func (c *fakeConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// kill simulates the server dropping the connection.
func (c *fakeConn) kill(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	c.once.Do(func() { close(c.done) })
}

func (c *fakeConn) topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sortedKeys(c.subs)
}

func (c *fakeConn) publish(topic, body string) bool {
	c.mu.Lock()
	deliver := c.subs[topic]
	c.mu.Unlock()
	if deliver == nil {
		return false
	}
	deliver(Message{Topic: topic, Body: []byte(body)})
	return true
}

// fakeDialer fails the n-th dial with script[n]; dials past the script
// succeed.
type fakeDialer struct {
	mu     sync.Mutex
	script []error
	calls  int
	creds  []string
	conns  []*fakeConn
	gate   chan struct{}
	active int
	peak   int
}

func (d *fakeDialer) Dial(ctx context.Context, credential string) (Conn, error) {
	d.mu.Lock()
	i := d.calls
	d.calls++
	d.creds = append(d.creds, credential)
	var err error
	if i < len(d.script) {
		err = d.script[i]
	}
	gate := d.gate
	d.active++
	if d.active > d.peak {
		d.peak = d.active
	}
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.active--
		d.mu.Unlock()
	}()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}

	c := newFakeConn()
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func (d *fakeDialer) peakConcurrent() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.peak
}

func (d *fakeDialer) credentials() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.creds...)
}

// recordingTimer fires reconnect timers at once and records the delays.
type recordingTimer struct {
	mu     sync.Mutex
	delays []time.Duration
	hold   bool
	fire   chan time.Time
}

func (t *recordingTimer) after(d time.Duration) <-chan time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.delays = append(t.delays, d)
	if t.hold {
		return t.fire
	}
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func (t *recordingTimer) recorded() []time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]time.Duration(nil), t.delays...)
}

type staticCredential string

func (s staticCredential) Credential() string { return string(s) }
