// Package auth holds the identity model and the session/CSRF primitives
// shared by the SSO flows.
//
// Sessions are opaque random identifiers stored server-side in Redis; the
// browser only ever holds the identifier in an HttpOnly cookie. CSRF tokens
// are HMAC-signed values bound to a session and verified double-submit
// style (cookie plus header or form field).
package auth
