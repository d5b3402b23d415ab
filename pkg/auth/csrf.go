package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
)

const (
	// CSRFCookieName carries the issued token double-submit style.
	CSRFCookieName = "skyhook_csrf"
	// CSRFHeaderName is where clients echo the token back.
	CSRFHeaderName = "X-CSRF-Token"
	// CSRFFormField is the form fallback for non-XHR posts.
	CSRFFormField = "csrf_token"

	csrfNonceBytes = 16
)

// CSRFManager issues and verifies HMAC-signed CSRF tokens.
//
// Tokens are nonce.signature pairs; the signature keeps an attacker from
// forging a matching cookie/header pair even though the cookie is readable
// by client-side code.
type CSRFManager struct {
	key    []byte
	secure bool
}

// NewCSRFManager creates a manager keyed from the 32-byte hex service key.
func NewCSRFManager(hexKey string, secureCookies bool) (*CSRFManager, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("secret key is not valid hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("secret key must be 32 bytes, got %d", len(key))
	}
	return &CSRFManager{key: key, secure: secureCookies}, nil
}

// IssueToken mints a fresh signed token.
func (m *CSRFManager) IssueToken() (string, error) {
	nonce := make([]byte, csrfNonceBytes)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate CSRF nonce: %w", err)
	}
	encoded := hex.EncodeToString(nonce)
	return encoded + "." + m.sign(encoded), nil
}

// VerifyToken checks the token's signature.
func (m *CSRFManager) VerifyToken(token string) bool {
	nonce, sig, ok := strings.Cut(token, ".")
	if !ok || nonce == "" || sig == "" {
		return false
	}
	return hmac.Equal([]byte(m.sign(nonce)), []byte(sig))
}

// VerifyRequest validates the double-submit pair on a state-changing
// request: the cookie and the header (or form field) must both carry the
// same validly signed token.
func (m *CSRFManager) VerifyRequest(r *http.Request) bool {
	cookie, err := r.Cookie(CSRFCookieName)
	if err != nil || cookie.Value == "" {
		return false
	}

	submitted := r.Header.Get(CSRFHeaderName)
	if submitted == "" {
		submitted = r.PostFormValue(CSRFFormField)
	}
	if submitted == "" {
		return false
	}

	if !hmac.Equal([]byte(cookie.Value), []byte(submitted)) {
		return false
	}
	return m.VerifyToken(submitted)
}

// SetCookie writes the token cookie. Not HttpOnly: the client reads it to
// echo the token in the request header.
func (m *CSRFManager) SetCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookieName,
		Value:    token,
		Path:     "/",
		Secure:   m.secure,
		HttpOnly: false,
		SameSite: http.SameSiteLaxMode,
	})
}

func (m *CSRFManager) sign(nonce string) string {
	mac := hmac.New(sha256.New, m.key)
	mac.Write([]byte(nonce))
	return hex.EncodeToString(mac.Sum(nil))
}
