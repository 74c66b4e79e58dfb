// Package secrets holds credential values that must never reach logs,
// serialized payloads or command lines.
package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap/zapcore"
)

const redacted = "***"

// Secret is an opaque credential. Its zero value is an empty secret.
// Formatting, JSON encoding and zap encoding all yield a redacted
// placeholder; Reveal is the only way to read the value.
type Secret struct {
	name  string
	value string
}

// New wraps value as a secret identified by name. The name is safe to log.
func New(name, value string) Secret {
	return Secret{name: name, value: value}
}

// Name returns the secret's identifier.
func (s Secret) Name() string {
	return s.name
}

// Reveal returns the plaintext. Call it only when handing the value to a
// backend's secret channel.
func (s Secret) Reveal() string {
	return s.value
}

// IsZero reports whether the secret holds no value.
func (s Secret) IsZero() bool {
	return s.value == ""
}

func (s Secret) String() string {
	return redacted
}

func (s Secret) GoString() string {
	return fmt.Sprintf("secrets.Secret{name:%q}", s.name)
}

// Format keeps %v, %+v, %#v, %s and %q redacted.
func (s Secret) Format(f fmt.State, verb rune) {
	switch verb {
	case 'v':
		if f.Flag('#') {
			fmt.Fprint(f, s.GoString())
			return
		}
		fmt.Fprint(f, redacted)
	case 'q':
		fmt.Fprintf(f, "%q", redacted)
	default:
		fmt.Fprint(f, redacted)
	}
}

func (s Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}

func (s Secret) MarshalText() ([]byte, error) {
	return []byte(redacted), nil
}

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (s Secret) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("name", s.name)
	enc.AddString("value", redacted)
	return nil
}

// Ref points at where a secret lives: "env:NAME" or "file:/path".
// Refs are what travel through queues, HTTP payloads and run history.
type Ref string

const (
	schemeEnv  = "env"
	schemeFile = "file"
)

// Validate checks the reference syntax without resolving it.
func (r Ref) Validate() error {
	scheme, target, ok := strings.Cut(string(r), ":")
	if !ok || target == "" {
		return fmt.Errorf("secret reference %q must look like env:NAME or file:PATH", string(r))
	}
	switch scheme {
	case schemeEnv, schemeFile:
		return nil
	default:
		return fmt.Errorf("unsupported secret reference scheme %q", scheme)
	}
}

// Resolver turns references into secrets.
type Resolver interface {
	Resolve(ctx context.Context, name string, ref Ref) (Secret, error)
}

// HostResolver reads references from the process environment and the
// local filesystem.
type HostResolver struct {
	LookupEnv func(string) (string, bool)
	ReadFile  func(string) ([]byte, error)
}

// NewHostResolver returns a resolver backed by os.LookupEnv and os.ReadFile
func NewHostResolver() *HostResolver {
	return &HostResolver{
		LookupEnv: os.LookupEnv,
		ReadFile:  os.ReadFile,
	}
}

// Resolve loads the secret behind ref. Empty values are an error.
func (h *HostResolver) Resolve(ctx context.Context, name string, ref Ref) (Secret, error) {
	if err := ref.Validate(); err != nil {
		return Secret{}, err
	}
	scheme, target, _ := strings.Cut(string(ref), ":")

	var value string
	switch scheme {
	case schemeEnv:
		v, ok := h.LookupEnv(target)
		if !ok {
			return Secret{}, fmt.Errorf("secret %s: environment variable %s is not set", name, target)
		}
		value = v
	case schemeFile:
		data, err := h.ReadFile(target)
		if err != nil {
			return Secret{}, fmt.Errorf("secret %s: failed to read %s: %w", name, target, err)
		}
		value = strings.TrimRight(string(data), "\r\n")
	}

	if value == "" {
		return Secret{}, fmt.Errorf("secret %s resolved to an empty value", name)
	}
	return New(name, value), nil
}
