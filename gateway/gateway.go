// Package gateway wraps every outbound storefront call. It attaches the
// session credential, classifies failures, and recovers transparently from an
// expired access credential through a single-flight refresh.
package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/ecostock/storefront-core/internal/config"
	serrors "github.com/ecostock/storefront-core/internal/errors"
	"github.com/ecostock/storefront-core/internal/metrics"
	"github.com/ecostock/storefront-core/pkg/logger"
	"github.com/ecostock/storefront-core/session"
)

const (
	requestIDHeader = "X-Request-ID"
	maxResponseBody = 8 << 20
)

// Gateway is the HTTP call gateway.
type Gateway struct {
	cfg       config.GatewayConfig
	baseURL   string
	client    *http.Client
	store     *session.Store
	coord     *Coordinator
	nav       Navigator
	presenter Presenter
	limiter   *rate.Limiter
	log       *logger.Logger
	metrics   *metrics.Collector
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithHTTPClient replaces the default client (30s timeout, cookie jar).
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gateway) { g.client = c }
}

// WithNavigator sets the re-authentication hook.
func WithNavigator(n Navigator) Option {
	return func(g *Gateway) { g.nav = n }
}

// WithPresenter sets the failure presentation hook.
func WithPresenter(p Presenter) Option {
	return func(g *Gateway) { g.presenter = p }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(g *Gateway) { g.log = l }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(g *Gateway) { g.metrics = m }
}

// New creates a gateway bound to store.
func New(cfg config.GatewayConfig, store *session.Store, opts ...Option) (*Gateway, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if cfg.ErrorCodeHeader == "" {
		cfg.ErrorCodeHeader = "error-code"
	}
	if cfg.RefreshQueueLimit <= 0 {
		cfg.RefreshQueueLimit = 100
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	g := &Gateway{
		cfg:     cfg,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		store:   store,
		nav:     noopNavigator{},
	}
	for _, opt := range opts {
		opt(g)
	}

	if g.log == nil {
		g.log = logger.NewDefault("gateway")
	}
	if g.presenter == nil {
		g.presenter = LogPresenter{Log: g.log}
	}
	if g.client == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("cookie jar: %w", err)
		}
		g.client = &http.Client{Timeout: cfg.Timeout, Jar: jar}
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	g.coord = newCoordinator(
		cfg.RefreshQueueLimit,
		cfg.RefreshWaitTimeout,
		g.refreshCredential,
		g.replay,
		g.endSession,
		g.log.Named("refresh"),
		g.metrics,
	)
	return g, nil
}

// Coordinator exposes the refresh coordinator for inspection.
func (g *Gateway) Coordinator() *Coordinator {
	return g.coord
}

// Store returns the session store the gateway reads from.
func (g *Gateway) Store() *session.Store {
	return g.store
}

// Send performs req. Expired access credentials are refreshed and the call
// replayed without the caller seeing the intermediate 401. A 409 is returned
// as OutcomeConflict with a nil error.
func (g *Gateway) Send(ctx context.Context, req *Request) (*Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, g.fail(req, serrors.RateLimitExceeded(int(g.cfg.RequestsPerSecond), "1s"))
		}
	}

	start := time.Now()
	resp, err := g.roundTrip(ctx, req)
	if err != nil {
		g.metrics.RecordRequest(req.Method, serrors.KindNetwork.String(), time.Since(start))
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, g.fail(req, serrors.Network(err))
	}

	switch {
	case resp.StatusCode < http.StatusBadRequest:
		g.metrics.RecordRequest(req.Method, OutcomeOK.String(), time.Since(start))
		g.captureCredential(req, resp)
		return resp, nil

	case resp.StatusCode == http.StatusConflict:
		g.metrics.RecordRequest(req.Method, OutcomeConflict.String(), time.Since(start))
		resp.Outcome = OutcomeConflict
		return resp, nil

	case resp.StatusCode == http.StatusUnauthorized:
		g.metrics.RecordRequest(req.Method, "unauthorized", time.Since(start))
		return g.unauthorized(ctx, req, resp)

	default:
		se := g.classify(resp)
		g.metrics.RecordRequest(req.Method, se.Kind.String(), time.Since(start))
		return nil, g.fail(req, se)
	}
}

// Get sends a GET to path.
func (g *Gateway) Get(ctx context.Context, path string) (*Response, error) {
	return g.Send(ctx, &Request{Method: http.MethodGet, Path: path})
}

// PostJSON sends body as JSON to path.
func (g *Gateway) PostJSON(ctx context.Context, path string, body any) (*Response, error) {
	req, err := NewJSONRequest(http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}
	return g.Send(ctx, req)
}

// Login posts credentials to the login endpoint and stores the credential
// returned in the Authorization response header.
func (g *Gateway) Login(ctx context.Context, credentials any) (*Response, error) {
	req, err := NewJSONRequest(http.MethodPost, g.cfg.LoginPath, credentials)
	if err != nil {
		return nil, err
	}
	req.SuppressErrorPresentation = true

	resp, err := g.Send(ctx, req)
	if err != nil {
		return nil, err
	}

	token := bearerToken(resp.Header.Get("Authorization"))
	if token == "" {
		return nil, serrors.Authentication(serrors.CodeLoginFailed, "login response carried no credential")
	}
	g.store.SetCredential(token, session.ReasonLogin)
	g.log.WithField("subject", g.store.Subject()).Info("logged in")
	return resp, nil
}

// Logout notifies the server (best effort) and clears the session. The
// notification never triggers a refresh.
func (g *Gateway) Logout(ctx context.Context) error {
	var err error
	if g.cfg.LogoutPath != "" && g.store.Authenticated() {
		_, err = g.roundTrip(ctx, &Request{Method: http.MethodPost, Path: g.cfg.LogoutPath})
		if err != nil {
			err = serrors.Network(err)
		}
	}
	g.store.Clear(session.ReasonLogout)
	return err
}

func (g *Gateway) unauthorized(ctx context.Context, req *Request, resp *Response) (*Response, error) {
	code := resp.Header.Get(g.cfg.ErrorCodeHeader)
	msg := messageOf(resp)

	// No session exists yet on the login call, so refreshing is meaningless.
	if g.isPath(req.Path, g.cfg.LoginPath) {
		return nil, serrors.Authentication(serrors.CodeLoginFailed, msg)
	}

	switch code {
	case serrors.CodeAccessTokenExpired, serrors.CodeAccessTokenNotValid:
		if req.retried || g.isPath(req.Path, g.cfg.RefreshPath) {
			g.endSession(session.ReasonSessionExpired)
			return nil, serrors.Authentication(serrors.CodeRetryRejected, "credential rejected after refresh")
		}
		return g.coord.Refresh(ctx, req)

	case serrors.CodeRefreshTokenExpired, serrors.CodeRefreshTokenNotValid:
		g.endSession(session.ReasonSessionExpired)
		return nil, serrors.Authentication(code, msg)

	default:
		g.log.WithField("path", req.Path).Info("unauthenticated call, login required")
		g.nav.RequireLogin(session.ReasonUnauthenticated)
		return nil, serrors.Authentication(serrors.CodeNoSession, msg)
	}
}

// refreshCredential performs the refresh call. Success is signalled by the
// error-code header carrying the configured marker, not by status alone.
func (g *Gateway) refreshCredential(ctx context.Context) error {
	req := &Request{Method: http.MethodPost, Path: g.cfg.RefreshPath}

	resp, err := g.roundTrip(ctx, req)
	if err != nil {
		return serrors.Network(err)
	}
	if resp.StatusCode < http.StatusBadRequest && g.captureCredential(req, resp) {
		return nil
	}

	code := resp.Header.Get(g.cfg.ErrorCodeHeader)
	switch code {
	case serrors.CodeRefreshTokenExpired, serrors.CodeRefreshTokenNotValid:
		return serrors.Authentication(code, messageOf(resp))
	}
	return &serrors.ServiceError{
		Kind:       serrors.KindAuthentication,
		Code:       serrors.CodeRefreshFailed,
		Message:    fmt.Sprintf("refresh returned status %d", resp.StatusCode),
		HTTPStatus: resp.StatusCode,
	}
}

func (g *Gateway) replay(ctx context.Context, req *Request) (*Response, error) {
	return g.Send(ctx, req.replay())
}

// captureCredential stores the credential carried by a successful refresh
// response. It reports whether one was captured.
func (g *Gateway) captureCredential(req *Request, resp *Response) bool {
	if !g.isPath(req.Path, g.cfg.RefreshPath) {
		return false
	}
	if resp.Header.Get(g.cfg.ErrorCodeHeader) != g.cfg.RefreshSuccessCode {
		return false
	}
	token := bearerToken(resp.Header.Get("Authorization"))
	if token == "" {
		return false
	}
	g.store.SetCredential(token, session.ReasonRefresh)
	return true
}

func (g *Gateway) endSession(reason session.Reason) {
	g.store.Clear(reason)
	g.metrics.RecordTeardown(string(reason))
	g.log.WithField("reason", reason).Warn("session ended, re-authentication required")
	g.nav.RequireLogin(reason)
}

func (g *Gateway) fail(req *Request, se *serrors.ServiceError) error {
	if !req.SuppressErrorPresentation {
		g.presenter.Present(req, se)
	}
	return se
}

func (g *Gateway) classify(resp *Response) *serrors.ServiceError {
	code := resp.Header.Get(g.cfg.ErrorCodeHeader)
	if code == "" {
		code = resp.Get("code").String()
	}
	return serrors.FromStatus(resp.StatusCode, code, messageOf(resp))
}

func (g *Gateway) roundTrip(ctx context.Context, req *Request) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, g.resolve(req), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}
	if token := g.store.Credential(); token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	requestID := logger.RequestID(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	httpReq.Header.Set(requestIDHeader, requestID)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	g.log.WithContext(ctx).
		WithField("method", method).
		WithField("path", req.Path).
		WithField("status", resp.StatusCode).
		Debug("call completed")

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
	}, nil
}

func (g *Gateway) resolve(req *Request) string {
	u := req.Path
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		u = g.baseURL + u
	}
	if len(req.Query) > 0 {
		sep := "?"
		if strings.Contains(u, "?") {
			sep = "&"
		}
		u += sep + req.Query.Encode()
	}
	return u
}

func (g *Gateway) isPath(path, target string) bool {
	if target == "" {
		return false
	}
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return path == target || strings.HasSuffix(path, target) && strings.HasPrefix(path, "http")
}

func bearerToken(header string) string {
	if len(header) < 7 || !strings.EqualFold(header[:7], "Bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

func messageOf(resp *Response) string {
	if !gjson.ValidBytes(resp.Body) {
		return strings.TrimSpace(string(resp.Body))
	}
	for _, key := range []string{"message", "error", "detail"} {
		if v := resp.Get(key); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}
