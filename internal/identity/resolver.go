// Package identity exchanges identity provider access tokens for user ids.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tokenbroker.org/internal/obs"
)

var (
	// ErrMissingToken is returned before any network call when no token is supplied.
	ErrMissingToken = errors.New("identity: missing access token")
	// ErrUnauthenticated means the provider did not vouch for the token.
	ErrUnauthenticated = errors.New("identity: not authenticated")
	// ErrProvider covers transport failures and unusable provider responses.
	ErrProvider = errors.New("identity: provider request failed")
)

const (
	// DefaultHeader carries the access token on the introspection call.
	DefaultHeader = "x-zumo-auth"
	// DefaultTimeout bounds a single introspection call.
	DefaultTimeout = 10 * time.Second

	mePath           = "/.auth/me"
	maxResponseBytes = 1 << 20
)

// Resolver calls GET {host}/.auth/me with the caller's token and returns the user_id
// of the first principal in the response.
type Resolver struct {
	client  *http.Client
	host    string
	header  string
	timeout time.Duration
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Resolver) {
		if c != nil {
			r.client = c
		}
	}
}

// WithHeader sets the header the token is sent in.
func WithHeader(name string) Option {
	return func(r *Resolver) {
		if name = strings.TrimSpace(name); name != "" {
			r.header = name
		}
	}
}

// WithTimeout sets the timeout of the default client. It is ignored when
// WithHTTPClient supplies one.
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewResolver returns a Resolver for the provider at host.
func NewResolver(host string, opts ...Option) (*Resolver, error) {
	host = strings.TrimRight(strings.TrimSpace(host), "/")
	u, err := url.Parse(host)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("identity: invalid host %q", host)
	}
	r := &Resolver{host: host, header: DefaultHeader, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(r)
	}
	if r.client == nil {
		r.client = &http.Client{Timeout: r.timeout}
	}
	return r, nil
}

type principal struct {
	UserID string `json:"user_id"`
}

// Resolve returns the identity behind accessToken. Every failure wraps one of the
// package sentinels.
func (r *Resolver) Resolve(ctx context.Context, accessToken string) (string, error) {
	accessToken = strings.TrimSpace(accessToken)
	if accessToken == "" {
		return "", ErrMissingToken
	}
	start := time.Now()
	id, err := r.resolve(ctx, accessToken)
	obs.ObserveIdentityRequest(time.Since(start), err == nil)
	return id, err
}

func (r *Resolver) resolve(ctx context.Context, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.host+mePath, nil)
	if err != nil {
		return "", fmt.Errorf("%w: build request: %w", ErrProvider, err)
	}
	req.Header.Set(r.header, accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrProvider, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", fmt.Errorf("%w: provider returned %s", ErrUnauthenticated, resp.Status)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return "", fmt.Errorf("%w: provider returned %s", ErrProvider, resp.Status)
	}

	var principals []principal
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&principals); err != nil {
		return "", fmt.Errorf("%w: decode response: %w", ErrProvider, err)
	}
	if len(principals) == 0 {
		return "", fmt.Errorf("%w: no principal in response", ErrUnauthenticated)
	}
	id := strings.TrimSpace(principals[0].UserID)
	if id == "" {
		return "", fmt.Errorf("%w: principal has no user_id", ErrUnauthenticated)
	}
	return id, nil
}
