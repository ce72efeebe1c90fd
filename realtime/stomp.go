package realtime

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ecostock/storefront-core/internal/config"
	serrors "github.com/ecostock/storefront-core/internal/errors"
	"github.com/ecostock/storefront-core/pkg/logger"
)

const writeTimeout = 10 * time.Second

// authMarkers identify a STOMP ERROR frame that rejected the credential.
var authMarkers = []string{
	serrors.CodeAccessTokenExpired,
	serrors.CodeAccessTokenNotValid,
	serrors.CodeRefreshTokenExpired,
	serrors.CodeRefreshTokenNotValid,
	"unauthorized",
	"forbidden",
}

// authStatus matches a rejection status stated as such, e.g. "status 401" or
// "code=403". Bare digits elsewhere in the text do not count.
var authStatus = regexp.MustCompile(`(?i)\b(?:status|code|error)\s*[:=]?\s*40[13]\b`)

// StompDialer speaks STOMP 1.2 over a websocket.
type StompDialer struct {
	url              string
	host             string
	heartbeat        time.Duration
	handshakeTimeout time.Duration
	dialer           *websocket.Dialer
	log              *logger.Logger
}

// NewStompDialer creates a dialer for cfg.URL.
func NewStompDialer(cfg config.RealtimeConfig, log *logger.Logger) *StompDialer {
	if log == nil {
		log = logger.NewDefault("stomp")
	}
	host := cfg.Host
	if host == "" {
		if u, err := url.Parse(cfg.URL); err == nil {
			host = u.Hostname()
		}
	}
	return &StompDialer{
		url:              cfg.URL,
		host:             host,
		heartbeat:        cfg.Heartbeat,
		handshakeTimeout: cfg.HandshakeTimeout,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		log: log,
	}
}

// Dial performs the websocket upgrade and the STOMP CONNECT exchange. An
// HTTP 401/403 or an ERROR frame naming an authentication failure is
// ConnectionFatal; anything else is ConnectionTransient.
func (d *StompDialer) Dial(ctx context.Context, credential string) (Conn, error) {
	header := http.Header{}
	if credential != "" {
		header.Set("Authorization", "Bearer "+credential)
	}

	ws, resp, err := d.dialer.DialContext(ctx, d.url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, serrors.ConnectionFatal(fmt.Sprintf("handshake rejected with status %d", resp.StatusCode), err)
		}
		return nil, serrors.ConnectionTransient("websocket dial", err)
	}

	hb, err := d.connect(ctx, ws, credential)
	if err != nil {
		_ = ws.Close()
		return nil, err
	}

	c := newStompConn(ws, hb, d.log)
	go c.readLoop()
	if hb.send > 0 {
		go c.heartbeatLoop()
	}
	return c, nil
}

// heartbeats are the negotiated intervals: send is how often we must write,
// expect is how often the server promised to.
type heartbeats struct {
	send   time.Duration
	expect time.Duration
}

func negotiate(ours time.Duration, header string) heartbeats {
	var sx, sy int64
	if _, err := fmt.Sscanf(header, "%d,%d", &sx, &sy); err != nil || ours <= 0 {
		return heartbeats{}
	}
	pick := func(theirs int64) time.Duration {
		if theirs <= 0 {
			return 0
		}
		return max(ours, time.Duration(theirs)*time.Millisecond)
	}
	return heartbeats{send: pick(sy), expect: pick(sx)}
}

func (d *StompDialer) connect(ctx context.Context, ws *websocket.Conn, credential string) (heartbeats, error) {
	hb := d.heartbeat.Milliseconds()
	f := frame.New(frame.CONNECT,
		"accept-version", "1.2",
		"host", d.host,
		"heart-beat", fmt.Sprintf("%d,%d", hb, hb),
	)
	if credential != "" {
		f.Header.Add("Authorization", "Bearer "+credential)
	}
	if err := writeFrame(ws, f); err != nil {
		return heartbeats{}, serrors.ConnectionTransient("send CONNECT", err)
	}

	var deadline time.Time
	if d.handshakeTimeout > 0 {
		deadline = time.Now().Add(d.handshakeTimeout)
	}
	if dl, ok := ctx.Deadline(); ok && (deadline.IsZero() || dl.Before(deadline)) {
		deadline = dl
	}
	_ = ws.SetReadDeadline(deadline)

	for {
		reply, err := readFrame(ws)
		if err != nil {
			return heartbeats{}, serrors.ConnectionTransient("await CONNECTED", err)
		}
		if reply == nil {
			continue
		}
		switch reply.Command {
		case frame.CONNECTED:
			_ = ws.SetReadDeadline(time.Time{})
			return negotiate(d.heartbeat, reply.Header.Get("heart-beat")), nil
		case frame.ERROR:
			return heartbeats{}, errorFrame(reply)
		default:
			return heartbeats{}, serrors.ConnectionTransient("unexpected "+reply.Command+" before CONNECTED", nil)
		}
	}
}

type stompSubscription struct {
	conn    *stompConn
	id      string
	topic   string
	deliver func(Message)
}

func (s *stompSubscription) Topic() string {
	return s.topic
}

func (s *stompSubscription) Unsubscribe() error {
	s.conn.mu.Lock()
	delete(s.conn.subs, s.id)
	s.conn.mu.Unlock()

	if s.conn.isDone() {
		return nil
	}
	return s.conn.write(frame.New(frame.UNSUBSCRIBE, "id", s.id))
}

type stompConn struct {
	ws  *websocket.Conn
	hb  heartbeats
	log *logger.Logger

	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[string]*stompSubscription

	closing atomic.Bool
	done    chan struct{}
	once    sync.Once
	err     error
}

func newStompConn(ws *websocket.Conn, hb heartbeats, log *logger.Logger) *stompConn {
	return &stompConn{
		ws:   ws,
		hb:   hb,
		log:  log,
		subs: make(map[string]*stompSubscription),
		done: make(chan struct{}),
	}
}

func (c *stompConn) Subscribe(topic string, deliver func(Message)) (Handle, error) {
	if c.isDone() {
		return nil, ErrDisconnected
	}
	sub := &stompSubscription{conn: c, id: uuid.NewString(), topic: topic, deliver: deliver}

	c.mu.Lock()
	c.subs[sub.id] = sub
	c.mu.Unlock()

	f := frame.New(frame.SUBSCRIBE, "id", sub.id, "destination", topic, "ack", "auto")
	if err := c.write(f); err != nil {
		c.mu.Lock()
		delete(c.subs, sub.id)
		c.mu.Unlock()
		return nil, err
	}
	return sub, nil
}

func (c *stompConn) Done() <-chan struct{} {
	return c.done
}

func (c *stompConn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close sends DISCONNECT and a normal close, then tears the socket down.
func (c *stompConn) Close() error {
	if c.isDone() {
		return nil
	}
	c.closing.Store(true)
	_ = c.write(frame.New(frame.DISCONNECT))

	c.writeMu.Lock()
	err := c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()

	c.finish(nil)
	return err
}

func (c *stompConn) isDone() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *stompConn) finish(err error) {
	c.once.Do(func() {
		if !c.closing.Load() {
			c.err = err
		}
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *stompConn) write(f *frame.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return writeFrame(c.ws, f)
}

// readLoop delivers MESSAGE frames in arrival order. When the server agreed
// to heartbeats, a silent peer trips the read deadline after two intervals.
func (c *stompConn) readLoop() {
	for {
		if c.hb.expect > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(2 * c.hb.expect))
		}
		f, err := readFrame(c.ws)
		if err != nil {
			c.finish(readFailure(err))
			return
		}
		if f == nil {
			continue
		}

		switch f.Command {
		case frame.MESSAGE:
			c.dispatch(f)
		case frame.ERROR:
			c.finish(errorFrame(f))
			return
		}
	}
}

func (c *stompConn) dispatch(f *frame.Frame) {
	c.mu.Lock()
	sub := c.subs[f.Header.Get("subscription")]
	c.mu.Unlock()
	if sub == nil {
		return
	}

	headers := make(map[string]string, f.Header.Len())
	for i := 0; i < f.Header.Len(); i++ {
		k, v := f.Header.GetAt(i)
		headers[k] = v
	}
	sub.deliver(Message{
		Topic:   f.Header.Get("destination"),
		Headers: headers,
		Body:    f.Body,
	})
}

func (c *stompConn) heartbeatLoop() {
	ticker := time.NewTicker(c.hb.send)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := c.ws.WriteMessage(websocket.TextMessage, []byte("\n"))
			c.writeMu.Unlock()
			if err != nil {
				c.finish(serrors.ConnectionTransient("send heartbeat", err))
				return
			}
		}
	}
}

func writeFrame(ws *websocket.Conn, f *frame.Frame) error {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return fmt.Errorf("encode %s: %w", f.Command, err)
	}
	return ws.WriteMessage(websocket.TextMessage, buf.Bytes())
}

// readFrame returns nil for a heartbeat.
func readFrame(ws *websocket.Conn) (*frame.Frame, error) {
	_, data, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	if len(bytes.Trim(data, "\r\n")) == 0 {
		return nil, nil
	}
	return frame.NewReader(bytes.NewReader(data)).Read()
}

func readFailure(err error) error {
	if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		return serrors.ConnectionFatal("closed by server: policy violation", err)
	}
	return serrors.ConnectionTransient("connection closed", err)
}

func errorFrame(f *frame.Frame) error {
	msg := f.Header.Get("message")
	detail := strings.ToLower(msg + " " + string(f.Body))
	for _, marker := range authMarkers {
		if strings.Contains(detail, strings.ToLower(marker)) {
			return serrors.ConnectionFatal("stomp error: "+msg, nil)
		}
	}
	if authStatus.MatchString(detail) {
		return serrors.ConnectionFatal("stomp error: "+msg, nil)
	}
	return serrors.ConnectionTransient("stomp error: "+msg, nil)
}
