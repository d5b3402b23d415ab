package sso

import "errors"

// Taxonomy errors. Callers branch on the kind, never on message text.
var (
	// ErrSSONotAvailable covers unknown domains, unverified domains, and
	// teams with SSO disabled. Deliberately never more specific, to keep
	// discovery from acting as a tenant-enumeration oracle.
	ErrSSONotAvailable = errors.New("sso not available")

	// ErrInvalidCSRF means the state-changing request carried a missing or
	// invalid CSRF token.
	ErrInvalidCSRF = errors.New("invalid csrf token")

	// ErrInvalidAssertion means the SAML response was structurally
	// unparseable (bad base64, malformed XML).
	ErrInvalidAssertion = errors.New("invalid assertion")

	// ErrInvalidSignature means the assertion's XML signature did not
	// verify against the team's IdP certificate.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrAssertionExpired means the assertion's Conditions window has
	// passed or its Audience does not match this SP.
	ErrAssertionExpired = errors.New("assertion expired or invalid audience")

	// ErrInvalidSession means the correlation state for this callback is
	// missing or already consumed (SAML InResponseTo, OIDC state/nonce).
	// Replays land here: the record is deleted on first use.
	ErrInvalidSession = errors.New("invalid session")

	// ErrProviderUnavailable means an outbound call to the identity
	// provider (token exchange, JWKS, userinfo) timed out or failed.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrJITDisabled means team policy blocks just-in-time provisioning;
	// no user or membership side effects occurred.
	ErrJITDisabled = errors.New("jit provisioning disabled")

	// ErrUnverifiedEmail means the upstream claim's email is not marked
	// verified by the IdP.
	ErrUnverifiedEmail = errors.New("unverified email")

	// ErrRateLimited is surfaced by the rate limiter collaborator.
	ErrRateLimited = errors.New("rate limited")

	// ErrMappingMissingEmail is a configuration-save-time validation
	// failure: the attribute mapping does not cover the email claim.
	ErrMappingMissingEmail = errors.New("attribute mapping must map the email claim")
)

// ErrorCode returns the stable machine-readable code for a taxonomy
// error, used in JSON error payloads, audit records, and metric labels.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrSSONotAvailable):
		return "SsoNotAvailable"
	case errors.Is(err, ErrInvalidCSRF):
		return "InvalidCsrf"
	case errors.Is(err, ErrInvalidAssertion):
		return "InvalidAssertion"
	case errors.Is(err, ErrInvalidSignature):
		return "InvalidSignature"
	case errors.Is(err, ErrAssertionExpired):
		return "AssertionExpiredOrInvalidAudience"
	case errors.Is(err, ErrInvalidSession):
		return "InvalidSession"
	case errors.Is(err, ErrProviderUnavailable):
		return "ProviderUnavailable"
	case errors.Is(err, ErrJITDisabled):
		return "JitDisabled"
	case errors.Is(err, ErrUnverifiedEmail):
		return "UnverifiedEmail"
	case errors.Is(err, ErrRateLimited):
		return "RateLimited"
	default:
		return "InternalError"
	}
}
