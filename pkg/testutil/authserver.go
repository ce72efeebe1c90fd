package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// Paths and header values the fake backend speaks. They match the
// reference configuration defaults.
const (
	LoginPath          = "/api/auth/login"
	LogoutPath         = "/api/auth/logout"
	RefreshPath        = "/api/auth/reissue"
	ErrorCodeHeader    = "error-code"
	RefreshSuccessCode = "ACCESS_TOKEN_REISSUED"

	TestEmail    = "member@example.com"
	TestPassword = "correct-horse"
)

// RefreshMode scripts the refresh endpoint.
type RefreshMode int

const (
	RefreshOK RefreshMode = iota
	RefreshExpired
	RefreshInvalid
	RefreshServerError
)

// Call is one request observed by the AuthServer.
type Call struct {
	Method    string
	Path      string
	Bearer    string
	RequestID string
}

// AuthServer is a scripted storefront backend. Tokens are HS256 JWTs; each
// token is either valid, expired or unknown to the server.
type AuthServer struct {
	*httptest.Server

	secret []byte

	mu           sync.Mutex
	valid        map[string]bool // token -> still accepted
	calls        []Call
	refreshCalls int
	refreshMode  RefreshMode
	refreshGate  chan struct{}
	refreshSeen  chan struct{}
	delays       map[string]time.Duration
	executed     map[string]int
}

// NewAuthServer starts the fake backend. Close it when done.
func NewAuthServer() *AuthServer {
	s := &AuthServer{
		secret: []byte("storefront-test-secret"),
		valid:    make(map[string]bool),
		delays:   make(map[string]time.Duration),
		executed: make(map[string]int),
	}

	r := mux.NewRouter()
	r.HandleFunc(LoginPath, s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc(LogoutPath, s.handleLogout).Methods(http.MethodPost)
	r.HandleFunc(RefreshPath, s.handleRefresh).Methods(http.MethodPost)
	r.PathPrefix("/api/").HandlerFunc(s.handleResource)

	s.Server = httptest.NewServer(s.record(r))
	return s
}

func (s *AuthServer) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls = append(s.calls, Call{
			Method:    r.Method,
			Path:      r.URL.Path,
			Bearer:    bearer(r),
			RequestID: r.Header.Get("X-Request-ID"),
		})
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

// IssueToken mints and registers a valid access token.
func (s *AuthServer) IssueToken(subject string) string {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(15 * time.Minute)),
	}).SignedString(s.secret)
	if err != nil {
		panic(err)
	}

	s.mu.Lock()
	s.valid[token] = true
	s.mu.Unlock()
	return token
}

// Expire makes the server answer ACCESS_TOKEN_EXPIRED for token.
func (s *AuthServer) Expire(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.valid[token] = false
}

// SetRefreshMode scripts the next refresh responses.
func (s *AuthServer) SetRefreshMode(mode RefreshMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshMode = mode
}

// HoldRefresh makes refresh calls block until the returned release func is
// called. The returned channel receives once per refresh call that arrives.
func (s *AuthServer) HoldRefresh() (seen <-chan struct{}, release func()) {
	gate := make(chan struct{})
	arrived := make(chan struct{}, 16)

	s.mu.Lock()
	s.refreshGate = gate
	s.refreshSeen = arrived
	s.mu.Unlock()

	var once sync.Once
	return arrived, func() { once.Do(func() { close(gate) }) }
}

// Delay makes authorised calls to path take d before they are answered.
func (s *AuthServer) Delay(path string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays[path] = d
}

// Executions returns how many calls to path were accepted with a valid
// credential and served.
func (s *AuthServer) Executions(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.executed[path]
}

// RefreshCalls returns how many refresh calls arrived.
func (s *AuthServer) RefreshCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshCalls
}

// Calls returns every observed request in arrival order.
func (s *AuthServer) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallsTo returns the observed requests whose path starts with prefix.
func (s *AuthServer) CallsTo(prefix string) []Call {
	var out []Call
	for _, c := range s.Calls() {
		if strings.HasPrefix(c.Path, prefix) {
			out = append(out, c)
		}
	}
	return out
}

func (s *AuthServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if body.Email != TestEmail || body.Password != TestPassword {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "bad credentials"})
		return
	}
	token := s.IssueToken(body.Email)
	w.Header().Set("Authorization", "Bearer "+token)
	writeJSON(w, http.StatusOK, map[string]string{"email": body.Email})
}

func (s *AuthServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	if token := bearer(r); token != "" {
		s.Expire(token)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *AuthServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.refreshCalls++
	mode := s.refreshMode
	gate := s.refreshGate
	seen := s.refreshSeen
	s.mu.Unlock()

	if seen != nil {
		seen <- struct{}{}
	}
	if gate != nil {
		<-gate
	}

	switch mode {
	case RefreshExpired:
		w.Header().Set(ErrorCodeHeader, "REFRESH_TOKEN_EXPIRED")
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "refresh token expired"})
	case RefreshInvalid:
		w.Header().Set(ErrorCodeHeader, "REFRESH_TOKEN_NOT_VALID")
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "refresh token invalid"})
	case RefreshServerError:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "refresh unavailable"})
	default:
		token := s.IssueToken("refreshed")
		w.Header().Set(ErrorCodeHeader, RefreshSuccessCode)
		w.Header().Set("Authorization", "Bearer "+token)
		w.WriteHeader(http.StatusOK)
	}
}

func (s *AuthServer) handleResource(w http.ResponseWriter, r *http.Request) {
	token := bearer(r)
	if token == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "login required"})
		return
	}

	s.mu.Lock()
	valid, known := s.valid[token]
	delay := s.delays[r.URL.Path]
	if known && valid {
		s.executed[r.URL.Path]++
	}
	s.mu.Unlock()

	switch {
	case !known:
		w.Header().Set(ErrorCodeHeader, "ACCESS_TOKEN_NOT_VALID")
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "token not valid"})
		return
	case !valid:
		w.Header().Set(ErrorCodeHeader, "ACCESS_TOKEN_EXPIRED")
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "token expired"})
		return
	}

	if delay > 0 {
		time.Sleep(delay)
	}

	switch r.URL.Path {
	case "/api/forbidden":
		writeJSON(w, http.StatusForbidden, map[string]string{"message": "admins only"})
	case "/api/missing":
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "no such item"})
	case "/api/invalid":
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "quantity must be positive", "code": "INVALID_QUANTITY"})
	case "/api/boom":
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "database unavailable"})
	case "/api/conflict":
		writeJSON(w, http.StatusConflict, map[string]string{"message": "already entered"})
	default:
		writeJSON(w, http.StatusOK, map[string]string{"path": r.URL.Path, "token": token})
	}
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(h, "Bearer ")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
