// Package secrets resolves credential references ("env:NAME", "vault:path")
// into usable credentials. Resolved values are held in memory only.
package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap/zapcore"
)

// Credentials holds the retrieved username and password.
type Credentials struct {
	Username string
	Password string
}

// String keeps credentials out of accidental %v formatting.
func (c Credentials) String() string {
	return fmt.Sprintf("{Username:%s Password:***}", c.Username)
}

func (c Credentials) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("username", c.Username)
	enc.AddBool("has_password", c.Password != "")
	return nil
}

// Resolver returns credentials for a reference. usernameKey and passwordKey
// name the fields inside structured backends such as Vault.
type Resolver interface {
	Resolve(ctx context.Context, ref, usernameKey, passwordKey string) (*Credentials, error)
}

// Ref is a parsed "scheme:path" reference.
type Ref struct {
	Scheme string
	Path   string
}

func ParseRef(ref string) (Ref, error) {
	scheme, path, ok := strings.Cut(ref, ":")
	if !ok || path == "" {
		return Ref{}, fmt.Errorf("malformed secret reference (expected scheme:path)")
	}
	scheme = strings.ToLower(scheme)
	switch scheme {
	case "env", "vault":
	default:
		return Ref{}, fmt.Errorf("unsupported secret scheme %q", scheme)
	}
	return Ref{Scheme: scheme, Path: path}, nil
}

// EnvResolver reads the password from the environment variable named by the
// reference path. The username comes from the profile.
type EnvResolver struct {
	Lookup func(string) (string, bool)
}

func (r EnvResolver) Resolve(_ context.Context, ref, _, _ string) (*Credentials, error) {
	parsed, err := ParseRef(ref)
	if err != nil {
		return nil, err
	}
	if parsed.Scheme != "env" {
		return nil, fmt.Errorf("env resolver cannot handle %q references", parsed.Scheme)
	}
	lookup := r.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	v, ok := lookup(parsed.Path)
	if !ok || v == "" {
		return nil, fmt.Errorf("environment variable %s is not set", parsed.Path)
	}
	return &Credentials{Password: v}, nil
}

// Chain dispatches each reference to the resolver registered for its scheme.
type Chain map[string]Resolver

func (c Chain) Resolve(ctx context.Context, ref, usernameKey, passwordKey string) (*Credentials, error) {
	parsed, err := ParseRef(ref)
	if err != nil {
		return nil, err
	}
	r, ok := c[parsed.Scheme]
	if !ok || r == nil {
		return nil, fmt.Errorf("no secret backend configured for %q references", parsed.Scheme)
	}
	return r.Resolve(ctx, ref, usernameKey, passwordKey)
}

// Static serves fixed credentials keyed by reference.
type Static map[string]Credentials

func (s Static) Resolve(_ context.Context, ref, _, _ string) (*Credentials, error) {
	c, ok := s[ref]
	if !ok {
		return nil, fmt.Errorf("unknown secret reference")
	}
	return &c, nil
}

// ForProfile resolves a profile's reference and falls back to the profile's
// user when the backend returns no username. An empty reference yields empty
// credentials (SQLite).
func ForProfile(ctx context.Context, r Resolver, ref, user, usernameKey, passwordKey string) (*Credentials, error) {
	if ref == "" {
		return &Credentials{Username: user}, nil
	}
	creds, err := r.Resolve(ctx, ref, usernameKey, passwordKey)
	if err != nil {
		return nil, err
	}
	if creds.Password == "" {
		return nil, fmt.Errorf("resolved credentials have an empty password")
	}
	if creds.Username == "" {
		creds.Username = user
	}
	return creds, nil
}
