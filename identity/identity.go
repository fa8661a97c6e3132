// Package identity resolves and caches the credentials or tokens that sign
// requests.
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// Identity is opaque credential material with an optional expiration.
type Identity struct {
	data       any
	expiration time.Time
}

// New returns an identity. A zero expiration means it never expires.
func New(data any, expiration time.Time) Identity {
	return Identity{data: data, expiration: expiration}
}

// Data returns the credential material.
func (i Identity) Data() any { return i.data }

// DataAs returns the material as T.
func DataAs[T any](i Identity) (T, bool) {
	v, ok := i.data.(T)
	return v, ok
}

// Expiration returns the expiry time and whether one is set.
func (i Identity) Expiration() (time.Time, bool) {
	return i.expiration, !i.expiration.IsZero()
}

// IsZero reports whether the identity carries no material.
func (i Identity) IsZero() bool { return i.data == nil }

// Fingerprinter is implemented by material that supplies its own cache key.
type Fingerprinter interface {
	Fingerprint() string
}

// Fingerprint returns a stable, non-reversible key for the material.
func (i Identity) Fingerprint() string {
	if i.data == nil {
		return ""
	}
	if f, ok := i.data.(Fingerprinter); ok {
		return f.Fingerprint()
	}
	return digest(fmt.Sprintf("%T|%#v", i.data, i.data))
}

// String never includes the material itself.
func (i Identity) String() string {
	fp := i.Fingerprint()
	if len(fp) > 12 {
		fp = fp[:12]
	}
	if exp, ok := i.Expiration(); ok {
		return fmt.Sprintf("Identity{fingerprint: %s, expires: %s}", fp, exp.UTC().Format(time.RFC3339))
	}
	return fmt.Sprintf("Identity{fingerprint: %s}", fp)
}

func digest(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Credentials is an access key pair with an optional session token.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Source          string
}

// Fingerprint implements Fingerprinter.
func (c Credentials) Fingerprint() string {
	return digest("credentials", c.AccessKeyID, c.SecretAccessKey, c.SessionToken)
}

func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{AccessKeyID: %s, Source: %q, SecretAccessKey: **redacted**}", c.AccessKeyID, c.Source)
}

// GoString keeps %#v from printing the secret.
func (c Credentials) GoString() string { return c.String() }

// Token is a bearer token.
type Token struct {
	Value string
}

// Fingerprint implements Fingerprinter.
func (t Token) Fingerprint() string { return digest("token", t.Value) }

func (t Token) String() string   { return "Token{**redacted**}" }
func (t Token) GoString() string { return t.String() }

// Resolver produces an identity.
type Resolver interface {
	ResolveIdentity(ctx context.Context) (Identity, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context) (Identity, error)

// ResolveIdentity implements Resolver.
func (f ResolverFunc) ResolveIdentity(ctx context.Context) (Identity, error) { return f(ctx) }

// ErrCredentialsNotLoaded marks a provider that had nothing to offer. A Chain
// moves on to its next provider when it sees this error.
var ErrCredentialsNotLoaded = errors.New("identity: credentials not loaded")

// NotLoadedError explains why a provider had no credentials.
type NotLoadedError struct {
	Provider string
	Reason   string
}

func (e *NotLoadedError) Error() string {
	return fmt.Sprintf("identity: %s: credentials not loaded: %s", e.Provider, e.Reason)
}

// Is makes errors.Is(err, ErrCredentialsNotLoaded) true.
func (e *NotLoadedError) Is(target error) bool { return target == ErrCredentialsNotLoaded }

// Static always returns the same identity.
type Static struct {
	Identity Identity
}

// NewStaticCredentials returns a resolver for a fixed key pair.
func NewStaticCredentials(accessKeyID, secret, sessionToken string) Static {
	return Static{Identity: New(Credentials{
		AccessKeyID:     accessKeyID,
		SecretAccessKey: secret,
		SessionToken:    sessionToken,
		Source:          "static",
	}, time.Time{})}
}

// NewStaticToken returns a resolver for a fixed bearer token.
func NewStaticToken(token string) Static {
	return Static{Identity: New(Token{Value: token}, time.Time{})}
}

// ResolveIdentity implements Resolver.
func (s Static) ResolveIdentity(context.Context) (Identity, error) {
	if s.Identity.IsZero() {
		return Identity{}, &NotLoadedError{Provider: "static", Reason: "no identity configured"}
	}
	return s.Identity, nil
}
