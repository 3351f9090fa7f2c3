// Package auth binds a verified identity to a client connection exactly once.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"

	"langapp-coordinator/internal/storage"
)

var (
	ErrNoCredential      = errors.New("no credential presented")
	ErrInvalidCredential = errors.New("invalid credential")
	ErrProfileMissing    = errors.New("profile missing")
	ErrAccountSuspended  = errors.New("account suspended")
)

// Identity is immutable once attached to a connection.
type Identity struct {
	UserID  string
	Email   string
	Profile storage.Profile
}

// VerifiedUser is what a token verifier vouches for.
type VerifiedUser struct {
	UserID string
	Email  string
}

type TokenVerifier interface {
	Verify(ctx context.Context, token string) (VerifiedUser, error)
}

// ProfileStore must return storage.ErrProfileNotFound for unknown users.
type ProfileStore interface {
	GetProfile(ctx context.Context, userID string) (*storage.Profile, error)
}

type Authenticator struct {
	verifier TokenVerifier
	profiles ProfileStore
}

func NewAuthenticator(verifier TokenVerifier, profiles ProfileStore) *Authenticator {
	return &Authenticator{verifier: verifier, profiles: profiles}
}

func (a *Authenticator) Authenticate(ctx context.Context, token string) (*Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrNoCredential
	}

	user, err := a.verifier.Verify(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	profile, err := a.profiles.GetProfile(ctx, user.UserID)
	if errors.Is(err, storage.ErrProfileNotFound) {
		return nil, ErrProfileMissing
	}
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}
	if profile.Banned {
		return nil, ErrAccountSuspended
	}

	email := user.Email
	if email == "" {
		email = profile.Email
	}
	return &Identity{UserID: user.UserID, Email: email, Profile: *profile}, nil
}

// AuthenticateInto authenticates and attaches the identity to slot. A slot
// that is already bound is returned as-is without touching the token.
func (a *Authenticator) AuthenticateInto(ctx context.Context, slot *Slot, token string) (*Identity, error) {
	if id := slot.Get(); id != nil {
		return id, nil
	}
	id, err := a.Authenticate(ctx, token)
	if err != nil {
		return nil, err
	}
	return slot.Attach(id), nil
}

// Slot holds at most one identity for the lifetime of a connection.
type Slot struct {
	p atomic.Pointer[Identity]
}

// Attach stores id if the slot is empty and returns whichever identity is
// bound afterwards.
func (s *Slot) Attach(id *Identity) *Identity {
	if s.p.CompareAndSwap(nil, id) {
		return id
	}
	return s.p.Load()
}

func (s *Slot) Get() *Identity {
	return s.p.Load()
}

// ExtractToken reads a bearer token from the Authorization header or, since
// browsers cannot set headers on websocket upgrades, the token query parameter.
func ExtractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return r.URL.Query().Get("token")
}

// Reason returns the wire reason for an authentication error.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrNoCredential):
		return "no_credential"
	case errors.Is(err, ErrInvalidCredential):
		return "invalid_credential"
	case errors.Is(err, ErrProfileMissing):
		return "profile_missing"
	case errors.Is(err, ErrAccountSuspended):
		return "account_suspended"
	default:
		return "internal_error"
	}
}

// Retryable reports whether the client may present another credential.
func Retryable(err error) bool {
	return errors.Is(err, ErrNoCredential) || errors.Is(err, ErrInvalidCredential)
}

// HTTPStatus maps an authentication error to the handshake response code.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrNoCredential), errors.Is(err, ErrInvalidCredential):
		return http.StatusUnauthorized
	case errors.Is(err, ErrProfileMissing), errors.Is(err, ErrAccountSuspended):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
