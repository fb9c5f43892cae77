// Package auth supplies the per-call authentication headers for the upstream site.
package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"

	"sp-rest-proxy-go/internal/config"
)

// ErrNoCredentials is returned when no credential source is configured.
var ErrNoCredentials = errors.New("no credentials configured: set auth.username/password, auth.token, auth.cookie or auth.headers")

// Provider yields the headers that authenticate one call to siteURL.
// Implementations may perform network calls of their own.
type Provider interface {
	Headers(ctx context.Context, siteURL string) (http.Header, error)
	Username() string
}

// Static builds authentication headers from stored credentials.
// Precedence: explicit headers, then cookie, then bearer token, then basic.
type Static struct {
	username string
	header   http.Header
}

// NewStatic creates a Static provider from the auth config section.
func NewStatic(cfg *config.Config) (*Static, error) {
	a := cfg.Auth
	h := make(http.Header)

	switch {
	case a.Token != "":
		h.Set("Authorization", "Bearer "+a.Token)
	case a.Username != "" && a.Password != "":
		cred := base64.StdEncoding.EncodeToString([]byte(a.Username + ":" + a.Password))
		h.Set("Authorization", "Basic "+cred)
	}
	if a.Cookie != "" {
		h.Set("Cookie", a.Cookie)
	}
	for k, v := range a.Headers {
		h.Set(k, v)
	}

	if len(h) == 0 {
		return nil, ErrNoCredentials
	}
	return &Static{username: a.Username, header: h}, nil
}

// Headers returns a copy of the configured authentication headers.
func (s *Static) Headers(_ context.Context, _ string) (http.Header, error) {
	return s.header.Clone(), nil
}

// Username returns the configured account name, for display only.
func (s *Static) Username() string {
	return s.username
}
