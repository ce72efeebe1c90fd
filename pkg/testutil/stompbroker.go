package testutil

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// StompBroker is a minimal STOMP-over-websocket server for channel tests.
// It never sends heartbeats.
type StompBroker struct {
	*httptest.Server

	upgrader websocket.Upgrader

	mu           sync.Mutex
	rejectStatus int
	errorMessage string
	bearers      []string
	connects     int
	clients      map[*brokerClient]struct{}
}

type brokerClient struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[string]string // subscription id -> destination
}

// NewStompBroker starts the broker. Close it when done.
func NewStompBroker() *StompBroker {
	b := &StompBroker{
		clients: make(map[*brokerClient]struct{}),
	}
	b.Server = httptest.NewServer(http.HandlerFunc(b.serve))
	return b
}

// WSURL returns the websocket URL of the broker.
func (b *StompBroker) WSURL() string {
	return "ws" + strings.TrimPrefix(b.URL, "http")
}

// RejectHandshake makes the HTTP upgrade fail with status. Zero accepts again.
func (b *StompBroker) RejectHandshake(status int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejectStatus = status
}

// RejectConnect answers CONNECT with an ERROR frame carrying message. An
// empty message accepts again.
func (b *StompBroker) RejectConnect(message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.errorMessage = message
}

// Connects returns how many STOMP sessions were accepted.
func (b *StompBroker) Connects() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connects
}

// Bearers returns the credential presented on each upgrade request.
func (b *StompBroker) Bearers() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.bearers))
	copy(out, b.bearers)
	return out
}

// Subscribers returns the number of subscriptions to destination.
func (b *StompBroker) Subscribers(destination string) int {
	n := 0
	for _, c := range b.snapshot() {
		c.mu.Lock()
		for _, d := range c.subs {
			if d == destination {
				n++
			}
		}
		c.mu.Unlock()
	}
	return n
}

// Publish sends body to every subscription on destination and returns how
// many received it.
func (b *StompBroker) Publish(destination, body string) int {
	sent := 0
	for _, c := range b.snapshot() {
		c.mu.Lock()
		var ids []string
		for id, d := range c.subs {
			if d == destination {
				ids = append(ids, id)
			}
		}
		c.mu.Unlock()

		for _, id := range ids {
			f := frame.New(frame.MESSAGE,
				"destination", destination,
				"subscription", id,
				"message-id", uuid.NewString(),
				"content-type", "application/json",
			)
			f.Body = []byte(body)
			if c.write(f) == nil {
				sent++
			}
		}
	}
	return sent
}

// DropAll closes every client connection without a STOMP goodbye.
func (b *StompBroker) DropAll() {
	for _, c := range b.snapshot() {
		_ = c.ws.Close()
	}
}

func (b *StompBroker) snapshot() []*brokerClient {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*brokerClient, 0, len(b.clients))
	for c := range b.clients {
		out = append(out, c)
	}
	return out
}

func (b *StompBroker) serve(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.bearers = append(b.bearers, bearer(r))
	reject := b.rejectStatus
	b.mu.Unlock()

	if reject != 0 {
		http.Error(w, http.StatusText(reject), reject)
		return
	}

	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &brokerClient{ws: ws, subs: make(map[string]string)}
	defer ws.Close()

	connect, err := c.read()
	if err != nil || connect == nil || connect.Command != frame.CONNECT {
		return
	}

	b.mu.Lock()
	errMsg := b.errorMessage
	b.mu.Unlock()
	if errMsg != "" {
		_ = c.write(frame.New(frame.ERROR, "message", errMsg))
		return
	}
	if err := c.write(frame.New(frame.CONNECTED, "version", "1.2", "heart-beat", "0,0")); err != nil {
		return
	}

	b.mu.Lock()
	b.connects++
	b.clients[c] = struct{}{}
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.clients, c)
		b.mu.Unlock()
	}()

	for {
		f, err := c.read()
		if err != nil {
			return
		}
		if f == nil {
			continue
		}
		switch f.Command {
		case frame.SUBSCRIBE:
			c.mu.Lock()
			c.subs[f.Header.Get("id")] = f.Header.Get("destination")
			c.mu.Unlock()
		case frame.UNSUBSCRIBE:
			c.mu.Lock()
			delete(c.subs, f.Header.Get("id"))
			c.mu.Unlock()
		case frame.DISCONNECT:
			return
		}
	}
}

func (c *brokerClient) read() (*frame.Frame, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	if len(bytes.Trim(data, "\r\n")) == 0 {
		return nil, nil
	}
	return frame.NewReader(bytes.NewReader(data)).Read()
}

func (c *brokerClient) write(f *frame.Frame) error {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, buf.Bytes())
}
