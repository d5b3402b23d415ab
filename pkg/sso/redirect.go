package sso

import (
	"net/url"
	"strings"
)

// DefaultPostLoginPath is where logins land when no usable returnUrl was
// supplied.
const DefaultPostLoginPath = "/app"

// RedirectValidator decides the final post-login destination. The
// returnUrl/RelayState echoed back by the IdP is untrusted and must be
// re-validated here before the redirect is issued.
type RedirectValidator struct {
	allowedOrigins map[string]struct{}
	fallback       string
}

// NewRedirectValidator builds a validator for the given absolute origins.
// The service's own origin should be among them.
func NewRedirectValidator(allowedOrigins []string, fallback string) *RedirectValidator {
	if fallback == "" {
		fallback = DefaultPostLoginPath
	}
	origins := make(map[string]struct{}, len(allowedOrigins))
	for _, raw := range allowedOrigins {
		if u, err := url.Parse(raw); err == nil && u.Scheme != "" && u.Host != "" {
			origins[u.Scheme+"://"+u.Host] = struct{}{}
		}
	}
	return &RedirectValidator{allowedOrigins: origins, fallback: fallback}
}

// Validate returns a safe redirect target: the candidate when it is a
// relative in-app path or an absolute URL on an allowed origin, the
// fallback otherwise. Protocol-relative URLs ("//evil.test") and
// scheme-carrying relative forms are rejected.
func (v *RedirectValidator) Validate(candidate string) string {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return v.fallback
	}

	// Protocol-relative URLs inherit the current scheme and escape to an
	// arbitrary host.
	if strings.HasPrefix(candidate, "//") {
		return v.fallback
	}
	// Backslashes are normalized to slashes by some browsers.
	if strings.ContainsAny(candidate, "\\") {
		return v.fallback
	}

	u, err := url.Parse(candidate)
	if err != nil {
		return v.fallback
	}

	if u.IsAbs() {
		if u.Scheme != "http" && u.Scheme != "https" {
			return v.fallback
		}
		if _, ok := v.allowedOrigins[u.Scheme+"://"+u.Host]; !ok {
			return v.fallback
		}
		return candidate
	}

	// Relative: must be a plain path, no scheme, no host.
	if u.Scheme != "" || u.Host != "" || !strings.HasPrefix(candidate, "/") {
		return v.fallback
	}
	return candidate
}
