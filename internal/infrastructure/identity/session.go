// Package identity holds the signed-in learner of this device. The learner is
// identified by the bearer token the backend issued at sign-in.
package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ensenas/progression-engine/internal/domain/shared"
)

// ErrNoSubject is returned for tokens that name no user.
var ErrNoSubject = errors.New("identity: token has no subject")

// Session implements the engine's IdentityProvider and the backend client's
// TokenSource.
type Session struct {
	mu     sync.RWMutex
	token  string
	userID string
	expiry time.Time

	secret []byte
	now    func() time.Time
}

// Option configures a Session.
type Option func(*Session)

// WithSigningSecret verifies HS256 signatures with secret. Without it tokens
// are only decoded; the backend remains the one verifying them.
func WithSigningSecret(secret string) Option {
	return func(s *Session) {
		if secret != "" {
			s.secret = []byte(secret)
		}
	}
}

// WithClock overrides time.Now for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// NewSession creates a signed-out session.
func NewSession(opts ...Option) *Session {
	s := &Session{now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SignIn stores token and returns the user id it carries. The id is read from
// the "sub" claim, or "user_id" when sub is absent.
func (s *Session) SignIn(token string) (string, error) {
	userID, expiry, err := s.parse(token)
	if err != nil {
		return "", shared.WrapError("identity", "SignIn", shared.ErrUnauthorized, "rejected token", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	s.userID = userID
	s.expiry = expiry
	return userID, nil
}

// SignOut forgets the token.
func (s *Session) SignOut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token, s.userID, s.expiry = "", "", time.Time{}
}

// CurrentUserID returns the signed-in user, if the token has not expired.
func (s *Session) CurrentUserID(_ context.Context) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.validLocked() {
		return "", false
	}
	return s.userID, true
}

// AuthToken returns the bearer token, if the token has not expired.
func (s *Session) AuthToken(_ context.Context) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.validLocked() {
		return "", false
	}
	return s.token, true
}

func (s *Session) validLocked() bool {
	if s.token == "" {
		return false
	}
	return s.expiry.IsZero() || s.now().Before(s.expiry)
}

func (s *Session) parse(token string) (string, time.Time, error) {
	claims := jwt.MapClaims{}
	if s.secret != nil {
		parser := jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithTimeFunc(s.now),
		)
		if _, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
			return s.secret, nil
		}); err != nil {
			return "", time.Time{}, err
		}
	} else {
		if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
			return "", time.Time{}, err
		}
	}

	userID, err := claims.GetSubject()
	if err != nil {
		return "", time.Time{}, err
	}
	if userID == "" {
		userID = claimString(claims["user_id"])
	}
	if userID == "" {
		return "", time.Time{}, ErrNoSubject
	}

	var expiry time.Time
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return "", time.Time{}, err
	}
	if exp != nil {
		expiry = exp.Time
		if !s.now().Before(expiry) {
			return "", time.Time{}, jwt.ErrTokenExpired
		}
	}
	return userID, expiry, nil
}

func claimString(v interface{}) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return fmt.Sprintf("%.0f", id)
	default:
		return ""
	}
}
