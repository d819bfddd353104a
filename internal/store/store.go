package store

import (
	"context"
	"errors"
	"time"

	"github.com/giantswarm/mcp-oauth/security"
	"k8s.io/utils/clock"

	"authcoord/internal/auth"
)

// ErrNotFound is returned by Get when no credentials exist for a session.
var ErrNotFound = errors.New("credentials not found")

// CredentialStore persists issued credentials keyed by session id.
//
// Implementations must be safe for concurrent use. Put overwrites any
// existing value but keeps the time the session was first stored;
// Delete of a missing key is not an error.
type CredentialStore interface {
	Get(ctx context.Context, sessionID string) (auth.Credentials, error)
	Put(ctx context.Context, sessionID string, creds auth.Credentials) error
	Delete(ctx context.Context, sessionID string) error
	List(ctx context.Context) ([]string, error)

	// CreatedAt reports when credentials were first stored for the session.
	CreatedAt(ctx context.Context, sessionID string) (time.Time, error)
}

// IsNotFound reports whether err means the session has no stored credentials.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

type options struct {
	clock     clock.PassiveClock
	encryptor *security.Encryptor
}

// Option configures a store.
type Option func(*options)

// WithClock sets the time source used to stamp new records.
func WithClock(c clock.PassiveClock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithEncryptor enables encryption at rest. Only the file store uses it.
func WithEncryptor(enc *security.Encryptor) Option {
	return func(o *options) {
		o.encryptor = enc
	}
}

func buildOptions(opts []Option) options {
	o := options{clock: clock.RealClock{}}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
