package identity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ambiyansyah-risyal/orkestra/logging"
)

// DefaultEnvPrefix is the environment variable prefix read by Env.
const DefaultEnvPrefix = "ORKESTRA"

// Env reads credentials from <Prefix>_ACCESS_KEY_ID, <Prefix>_SECRET_ACCESS_KEY
// and the optional <Prefix>_SESSION_TOKEN and <Prefix>_CREDENTIAL_EXPIRATION
// (RFC 3339).
type Env struct {
	Prefix string
	Lookup func(string) (string, bool)
}

func (e Env) lookup(name string) string {
	lookup := e.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	prefix := e.Prefix
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	v, _ := lookup(prefix + "_" + name)
	return strings.TrimSpace(v)
}

// ResolveIdentity implements Resolver.
func (e Env) ResolveIdentity(context.Context) (Identity, error) {
	ak := e.lookup("ACCESS_KEY_ID")
	if ak == "" {
		return Identity{}, &NotLoadedError{Provider: "env", Reason: "access key id is not set"}
	}
	sk := e.lookup("SECRET_ACCESS_KEY")
	if sk == "" {
		return Identity{}, &NotLoadedError{Provider: "env", Reason: "secret access key is not set"}
	}
	var exp time.Time
	if raw := e.lookup("CREDENTIAL_EXPIRATION"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return Identity{}, fmt.Errorf("identity: env: invalid credential expiration %q: %w", raw, err)
		}
		exp = t
	}
	return New(Credentials{
		AccessKeyID:     ak,
		SecretAccessKey: sk,
		SessionToken:    e.lookup("SESSION_TOKEN"),
		Source:          "env",
	}, exp), nil
}

// EnvToken reads a bearer token from <Prefix>_BEARER_TOKEN.
type EnvToken struct {
	Prefix string
	Lookup func(string) (string, bool)
}

// ResolveIdentity implements Resolver.
func (e EnvToken) ResolveIdentity(context.Context) (Identity, error) {
	tok := Env(e).lookup("BEARER_TOKEN")
	if tok == "" {
		return Identity{}, &NotLoadedError{Provider: "env-token", Reason: "bearer token is not set"}
	}
	return New(Token{Value: tok}, time.Time{}), nil
}

// Chain tries resolvers in order and returns the first identity.
// ErrCredentialsNotLoaded moves on to the next resolver; any other error
// stops the chain.
type Chain struct {
	names     []string
	resolvers []Resolver
	logger    logging.Logger
}

// NewChain returns a chain over the given resolvers, named by position.
func NewChain(resolvers ...Resolver) *Chain {
	c := &Chain{logger: logging.Nop()}
	for i, r := range resolvers {
		c.Add(fmt.Sprintf("provider-%d", i), r)
	}
	return c
}

// Add appends a named resolver.
func (c *Chain) Add(name string, r Resolver) *Chain {
	c.names = append(c.names, name)
	c.resolvers = append(c.resolvers, r)
	return c
}

// WithLogger sets the logger used for skipped providers.
func (c *Chain) WithLogger(l logging.Logger) *Chain {
	c.logger = logging.OrNop(l)
	return c
}

// ResolveIdentity implements Resolver.
func (c *Chain) ResolveIdentity(ctx context.Context) (Identity, error) {
	var skipped []error
	for i, r := range c.resolvers {
		id, err := r.ResolveIdentity(ctx)
		if err == nil {
			c.logger.Debug("identity provider succeeded", "provider", c.names[i])
			return id, nil
		}
		if errors.Is(err, ErrCredentialsNotLoaded) {
			c.logger.Debug("identity provider skipped", "provider", c.names[i], "reason", err.Error())
			skipped = append(skipped, err)
			continue
		}
		return Identity{}, fmt.Errorf("identity: provider %s: %w", c.names[i], err)
	}
	return Identity{}, errors.Join(append([]error{&NotLoadedError{
		Provider: "chain",
		Reason:   fmt.Sprintf("none of %d providers returned an identity", len(c.resolvers)),
	}}, skipped...)...)
}
