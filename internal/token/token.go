// Package token issues and validates the short-lived credentials that gate
// console access to a single machine.
package token

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/rackgate/rackgate/internal/machine"
)

// ErrNotAuthorized covers every validation failure: missing, mismatched or
// expired tokens all collapse to it so callers cannot tell which check failed.
var ErrNotAuthorized = errors.New("not authorized")

const tokenBytes = 24

// Authority manages the single console token stored on each machine record.
// Reissuing overwrites; last write wins.
type Authority struct {
	store   machine.Store
	timeout time.Duration

	now func() time.Time // test seam
}

func NewAuthority(store machine.Store, timeout time.Duration) *Authority {
	return &Authority{store: store, timeout: timeout, now: time.Now}
}

// Authorize generates a fresh URL-safe random token, stores it on the machine
// record and persists it. Any previously issued token stops validating.
func (a *Authority) Authorize(ctx context.Context, m *machine.Machine) (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate console token: %w", err)
	}
	tok := base64.RawURLEncoding.EncodeToString(b)
	m.ConsoleToken = tok
	m.TokenCreatedAt = a.now()
	if err := a.store.Save(ctx, m); err != nil {
		return "", fmt.Errorf("persist console token: %w", err)
	}
	return tok, nil
}

// Unauthorize clears the stored token fields and persists.
func (a *Authority) Unauthorize(ctx context.Context, m *machine.Machine) error {
	m.ConsoleToken = ""
	m.TokenCreatedAt = time.Time{}
	if err := a.store.Save(ctx, m); err != nil {
		return fmt.Errorf("clear console token: %w", err)
	}
	return nil
}

// Validate checks tok against the machine's stored token. The window is
// half-open: a token presented exactly at created_at+timeout is expired.
func (a *Authority) Validate(m *machine.Machine, tok string) error {
	if tok == "" || m.ConsoleToken == "" {
		return ErrNotAuthorized
	}
	if subtle.ConstantTimeCompare([]byte(m.ConsoleToken), []byte(tok)) != 1 {
		return ErrNotAuthorized
	}
	if m.TokenCreatedAt.IsZero() || !a.now().Before(m.TokenCreatedAt.Add(a.timeout)) {
		return ErrNotAuthorized
	}
	return nil
}

// ValidUntil reports when the machine's current token expires.
func (a *Authority) ValidUntil(m *machine.Machine) (time.Time, error) {
	if m.TokenCreatedAt.IsZero() {
		return time.Time{}, ErrNotAuthorized
	}
	return m.TokenCreatedAt.Add(a.timeout), nil
}
