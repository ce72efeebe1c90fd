// Package session holds the access credential for the current storefront
// session. The Store is the only owner of the credential: it is set by login
// and refresh, cleared by logout or an unrecoverable authentication failure,
// and read by everything else.
package session

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ecostock/storefront-core/internal/signals"
	"github.com/ecostock/storefront-core/pkg/logger"
)

// Status is the authentication status derived from the credential.
type Status int

const (
	StatusAnonymous Status = iota
	StatusAuthenticated
)

func (s Status) String() string {
	if s == StatusAuthenticated {
		return "authenticated"
	}
	return "anonymous"
}

// Reason explains why the credential changed.
type Reason string

const (
	ReasonLogin           Reason = "login"
	ReasonRefresh         Reason = "refresh"
	ReasonLogout          Reason = "logout"
	ReasonSessionExpired  Reason = "session_expired"
	ReasonUnauthenticated Reason = "unauthenticated"
	ReasonExternal        Reason = "external"
)

// Change is delivered to listeners after every credential mutation.
type Change struct {
	Credential string
	Status     Status
	Reason     Reason
}

// Store holds the credential.
type Store struct {
	mu         sync.RWMutex
	credential string

	listenersMu sync.RWMutex
	nextID      int
	listeners   map[int]func(Change)

	log *logger.Logger
}

// NewStore creates an anonymous store.
func NewStore(log *logger.Logger) *Store {
	if log == nil {
		log = logger.NewDefault("session")
	}
	return &Store{
		listeners: make(map[int]func(Change)),
		log:       log,
	}
}

// Credential returns the current access credential, or "".
func (s *Store) Credential() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.credential
}

// Status returns the authentication status.
func (s *Store) Status() Status {
	if s.Credential() == "" {
		return StatusAnonymous
	}
	return StatusAuthenticated
}

// Authenticated reports whether a credential is present.
func (s *Store) Authenticated() bool {
	return s.Status() == StatusAuthenticated
}

// SetCredential replaces the credential. An empty token clears it.
func (s *Store) SetCredential(token string, reason Reason) {
	s.mu.Lock()
	if s.credential == token {
		s.mu.Unlock()
		return
	}
	s.credential = token
	s.mu.Unlock()

	s.log.WithField("reason", reason).Debug("credential updated")
	s.notify(Change{Credential: token, Status: statusOf(token), Reason: reason})
}

// Clear drops the credential.
func (s *Store) Clear(reason Reason) {
	s.mu.Lock()
	had := s.credential != ""
	s.credential = ""
	s.mu.Unlock()

	if !had {
		return
	}
	s.log.WithField("reason", reason).Info("session cleared")
	s.notify(Change{Status: StatusAnonymous, Reason: reason})
}

// OnChange registers fn for credential changes. Listeners run synchronously
// on the goroutine that made the change.
func (s *Store) OnChange(fn func(Change)) func() {
	s.listenersMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.listenersMu.Lock()
			delete(s.listeners, id)
			s.listenersMu.Unlock()
		})
	}
}

func (s *Store) notify(c Change) {
	s.listenersMu.RLock()
	fns := make([]func(Change), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenersMu.RUnlock()

	for _, fn := range fns {
		fn(c)
	}
}

// ExpiresAt returns the exp claim of the credential when it is a JWT. The
// signature is not verified; the server remains the authority.
func (s *Store) ExpiresAt() (time.Time, bool) {
	claims, ok := s.claims()
	if !ok {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// Subject returns the sub claim of the credential, or "".
func (s *Store) Subject() string {
	claims, ok := s.claims()
	if !ok {
		return ""
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return ""
	}
	return sub
}

func (s *Store) claims() (jwt.MapClaims, bool) {
	token := s.Credential()
	if token == "" {
		return nil, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, false
	}
	return claims, true
}

// WatchSignals adopts credential changes made by another instance.
func (s *Store) WatchSignals(src signals.Source) func() {
	return src.Subscribe(func(sig signals.Signal) {
		if sig.Kind != signals.KindStorageChange || sig.Key != signals.CredentialKey {
			return
		}
		if sig.Value == "" {
			s.Clear(ReasonExternal)
			return
		}
		s.SetCredential(sig.Value, ReasonExternal)
	})
}

func statusOf(token string) Status {
	if token == "" {
		return StatusAnonymous
	}
	return StatusAuthenticated
}
