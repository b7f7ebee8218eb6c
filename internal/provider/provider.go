// Package provider is the client for the external identity service that
// issues and validates session tokens. It owns the locally persisted session
// and pushes typed auth-change events to whoever consumes Events().
package provider

import (
	"context"
	"fmt"
	"time"
)

// Identity is the provider-side view of a user, as carried inside a session.
type Identity struct {
	ID               string     `json:"id"`
	Email            string     `json:"email"`
	FullName         string     `json:"full_name,omitempty"`
	EmailConfirmedAt *time.Time `json:"email_confirmed_at,omitempty"`
}

// Confirmed reports whether the provider has confirmed this identity.
func (i Identity) Confirmed() bool {
	return i.EmailConfirmedAt != nil
}

// Session is an issued provider session.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	User         Identity  `json:"user"`
}

// Expired reports whether the access token has passed its expiry. Sessions
// without a known expiry are treated as live; the backend is the authority.
func (s *Session) Expired(now time.Time) bool {
	if s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(s.ExpiresAt)
}

// SignUpResult reports the outcome of a registration call.
type SignUpResult struct {
	ConfirmationPending bool
}

// Provider is the surface the session bootstrapper consumes. The concrete
// implementation is the HTTP Client; tests substitute fakes.
type Provider interface {
	GetSession(ctx context.Context) (*Session, error)
	RefreshSession(ctx context.Context) (*Session, error)
	GetUser(ctx context.Context) (*Identity, error)
	SignInWithPassword(ctx context.Context, email, password string) (*Session, error)
	SignUp(ctx context.Context, email, password, fullName string) (*SignUpResult, error)
	SignOut(ctx context.Context) error
	Events() <-chan Event
}

// Error is a non-2xx response from the provider. The message comes from the
// provider's error body and never contains token material.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("provider returned status %d", e.Status)
	}
	return fmt.Sprintf("provider returned status %d: %s", e.Status, e.Message)
}
