package sentryz

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidDSN is returned when a DSN cannot be parsed.
var ErrInvalidDSN = errors.New("invalid dsn")

// DSN is a parsed data source name.
// Format: <scheme>://<public_key>@<host>[:<port>][/<path>]/<project_id>.
type DSN struct {
	raw       string
	Scheme    string
	PublicKey string
	Host      string
	Path      string
	ProjectID string
}

// ParseDSN parses a DSN string. It has no side effects.
func ParseDSN(raw string) (*DSN, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDSN, err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidDSN, u.Scheme)
	}
	if u.User == nil || u.User.Username() == "" {
		return nil, fmt.Errorf("%w: missing public key", ErrInvalidDSN)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidDSN)
	}

	path := strings.TrimSuffix(u.Path, "/")
	idx := strings.LastIndex(path, "/")
	if idx < 0 || idx == len(path)-1 {
		return nil, fmt.Errorf("%w: missing project id", ErrInvalidDSN)
	}

	return &DSN{
		raw:       raw,
		Scheme:    u.Scheme,
		PublicKey: u.User.Username(),
		Host:      u.Host,
		Path:      path[:idx],
		ProjectID: path[idx+1:],
	}, nil
}

// Upstream returns the base URL of the backend, without the project id.
func (d *DSN) Upstream() string {
	return fmt.Sprintf("%s://%s%s", d.Scheme, d.Host, d.Path)
}

// EnvelopeURL returns the endpoint envelopes are posted to.
func (d *DSN) EnvelopeURL() string {
	return fmt.Sprintf("%s/api/%s/envelope/", d.Upstream(), d.ProjectID)
}

// String returns the DSN as it was supplied.
func (d *DSN) String() string {
	return d.raw
}
