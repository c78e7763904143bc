// Package secrets resolves passphrases and credentials by logical name.
//
// A secret reference is a string of the form "<scheme>:<rest>". The engine
// never persists resolved values.
package secrets

import (
	"os"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
)

// Supported reference schemes.
const (
	schemeValue   = "value"
	schemeEnvVar  = "envvar"
	schemeFile    = "file"
	schemeCommand = "command"
)

// Resolver resolves secret references to their values.
type Resolver interface {
	Resolve(ref string) (string, error)
}

// NewResolver returns the default resolver supporting value:, envvar:,
// file: and command: references.
func NewResolver() Resolver {
	return defaultResolver{}
}

type defaultResolver struct{}

func (defaultResolver) Resolve(ref string) (string, error) {
	if ref == "" {
		return "", errors.New("empty secret reference")
	}

	scheme, rest, ok := strings.Cut(ref, ":")
	if !ok {
		// bare values are treated as literals for compatibility
		return ref, nil
	}

	switch scheme {
	case schemeValue:
		return rest, nil

	case schemeEnvVar:
		v, found := os.LookupEnv(rest)
		if !found {
			return "", errors.Errorf("environment variable %q is not set", rest)
		}

		return v, nil

	case schemeFile:
		b, err := os.ReadFile(rest)
		if err != nil {
			return "", errors.Wrapf(err, "unable to read secret file %v", rest)
		}

		return strings.TrimRight(string(b), "\r\n"), nil

	case schemeCommand:
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			return "", errors.New("empty secret command")
		}

		out, err := exec.Command(fields[0], fields[1:]...).Output() //nolint:gosec
		if err != nil {
			return "", errors.Wrapf(err, "secret command %q failed", fields[0])
		}

		return strings.TrimRight(string(out), "\r\n"), nil

	default:
		return "", errors.Errorf("unsupported secret scheme %q", scheme)
	}
}

// Static returns a resolver that answers every reference from the given map,
// for use in tests.
func Static(m map[string]string) Resolver {
	return staticResolver(m)
}

type staticResolver map[string]string

func (s staticResolver) Resolve(ref string) (string, error) {
	v, ok := s[ref]
	if !ok {
		return "", errors.Errorf("unknown secret %q", ref)
	}

	return v, nil
}
