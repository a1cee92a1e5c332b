// Package session holds the bearer credential and the push connection that
// lives exactly as long as it.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"prism-live/transport"
)

// Dialer opens the push connection for a credential.
type Dialer func(ctx context.Context, credential string) *transport.Adapter

type Config struct {
	// Validator checks the token before it is accepted. Nil accepts any
	// well-formed token and leaves verification to the server.
	Validator Validator
	// Dial opens the push connection on Login. Nil runs without one.
	Dial   Dialer
	Logger *log.Logger
	Now    func() time.Time
}

type reauthListener struct {
	fn func()
}

type Session struct {
	validator Validator
	dial      Dialer
	logger    *log.Logger
	now       func() time.Time

	mu        sync.Mutex
	token     string
	claims    Claims
	adapter   *transport.Adapter
	stateSub  *transport.Subscription
	listeners []*reauthListener
}

func New(cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = log.StandardLogger()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Session{
		validator: cfg.Validator,
		dial:      cfg.Dial,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
}

// Login accepts a token, raw or as an Authorization header value, and
// opens the push connection. ctx bounds the lifetime of that connection.
// Logging in again replaces the previous credential and connection.
func (s *Session) Login(ctx context.Context, raw string) error {
	token, err := normalizeToken(raw)
	if err != nil {
		return err
	}
	var claims Claims
	if s.validator != nil {
		claims, err = s.validator.Validate(token)
	} else {
		claims, err = readClaims(token)
	}
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if claims.Expired(s.now()) {
		return ErrTokenExpired
	}

	s.mu.Lock()
	s.closeLocked()
	s.token = token
	s.claims = claims
	if s.dial != nil {
		adapter := s.dial(ctx, token)
		s.adapter = adapter
		s.stateSub = adapter.OnState(func(change transport.StateChange) {
			if errors.Is(change.Err, transport.ErrUnauthorized) {
				// Expire disconnects the adapter; not from its own goroutine.
				go s.expireFrom(adapter)
			}
		})
		if errors.Is(adapter.LastChange().Err, transport.ErrUnauthorized) {
			go s.expireFrom(adapter)
		}
	}
	s.mu.Unlock()

	s.logger.WithField("user", claims.Subject).Info("session started")
	return nil
}

// Logout drops the credential and closes the push connection. It does not
// notify reauthentication listeners.
func (s *Session) Logout() {
	s.mu.Lock()
	s.token = ""
	s.claims = Claims{}
	s.closeLocked()
	s.mu.Unlock()
}

// Expire is called when the server rejected the credential. It clears the
// credential, closes the push connection and notifies listeners.
func (s *Session) Expire() {
	s.mu.Lock()
	if s.token == "" {
		s.mu.Unlock()
		return
	}
	s.token = ""
	s.claims = Claims{}
	s.closeLocked()
	listeners := s.listeners
	s.mu.Unlock()

	s.logger.Warn("session expired, reauthentication required")
	for _, l := range listeners {
		l.fn()
	}
}

func (s *Session) expireFrom(adapter *transport.Adapter) {
	s.mu.Lock()
	current := s.adapter == adapter
	s.mu.Unlock()
	if current {
		s.Expire()
	}
}

// Credential returns the bearer token. A token past its expiry expires the
// session instead.
func (s *Session) Credential() (string, bool) {
	s.mu.Lock()
	token, claims := s.token, s.claims
	s.mu.Unlock()
	if token == "" {
		return "", false
	}
	if claims.Expired(s.now()) {
		s.Expire()
		return "", false
	}
	return token, true
}

func (s *Session) Authenticated() bool {
	_, ok := s.Credential()
	return ok
}

// UserID is the token subject.
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claims.Subject
}

// Transport returns the push connection for views, or nil without one.
func (s *Session) Transport() transport.Subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.adapter == nil {
		return nil
	}
	return s.adapter
}

func (s *Session) TransportState() transport.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.adapter == nil {
		return transport.Disconnected
	}
	return s.adapter.State()
}

// OnReauthenticate registers fn to run when the credential is rejected.
func (s *Session) OnReauthenticate(fn func()) *Listener {
	l := &reauthListener{fn: fn}
	s.mu.Lock()
	s.listeners = append(slices.Clone(s.listeners), l)
	s.mu.Unlock()
	return &Listener{release: func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.listeners = slices.DeleteFunc(slices.Clone(s.listeners), func(other *reauthListener) bool { return other == l })
	}}
}

func (s *Session) closeLocked() {
	s.stateSub.Release()
	s.stateSub = nil
	if s.adapter != nil {
		s.adapter.Disconnect()
		s.adapter = nil
	}
}

// Listener is returned by OnReauthenticate. Release is idempotent.
type Listener struct {
	once    sync.Once
	release func()
}

func (l *Listener) Release() {
	if l == nil {
		return
	}
	l.once.Do(l.release)
}
