package sso

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/skyhookhq/skyhook/pkg/observability"
	"github.com/skyhookhq/skyhook/pkg/secrets"
)

// Cookie names for the OIDC login attempt. All three are short-lived,
// HttpOnly, and scoped to the single attempt they were minted for.
const (
	OIDCStateCookie  = "skyhook_oidc_state"
	OIDCNonceCookie  = "skyhook_oidc_nonce"
	OIDCReturnCookie = "skyhook_oidc_return"

	oidcNonceReplayKind = "oidc-nonce"
)

// OIDCDriver implements the authorization-code flow against per-team
// OIDC configurations.
type OIDCDriver struct {
	codec           *secrets.Codec
	replay          ReplayGuard
	baseURL         string
	attemptTTL      time.Duration
	providerTimeout time.Duration
	secureCookies   bool
	logger          *observability.Logger
}

// NewOIDCDriver creates an OIDC driver. providerTimeout bounds every
// outbound call to the IdP (token exchange, JWKS fetch, userinfo).
func NewOIDCDriver(codec *secrets.Codec, replay ReplayGuard, baseURL string, attemptTTL, providerTimeout time.Duration, secureCookies bool, logger *observability.Logger) *OIDCDriver {
	return &OIDCDriver{
		codec:           codec,
		replay:          replay,
		baseURL:         strings.TrimRight(baseURL, "/"),
		attemptTTL:      attemptTTL,
		providerTimeout: providerTimeout,
		secureCookies:   secureCookies,
		logger:          logger.WithComponent("oidc"),
	}
}

// OIDCCallbackPath returns the fixed per-team callback path.
func OIDCCallbackPath(teamID int64) string {
	return fmt.Sprintf("/api/auth/sso/oidc/%d/callback", teamID)
}

// StartLogin generates the state and nonce for a new login attempt,
// persists them in attempt-scoped cookies, and returns the authorization
// endpoint URL. The client secret is not needed to build the URL, so it
// stays encrypted here.
func (d *OIDCDriver) StartLogin(w http.ResponseWriter, teamID int64, cfg *OIDCConfiguration, returnURL string) (string, error) {
	state, err := randomToken()
	if err != nil {
		return "", err
	}
	nonce, err := randomToken()
	if err != nil {
		return "", err
	}

	d.setAttemptCookie(w, OIDCStateCookie, state)
	d.setAttemptCookie(w, OIDCNonceCookie, nonce)
	if returnURL != "" {
		// Stored verbatim; validated only at callback time.
		d.setAttemptCookie(w, OIDCReturnCookie, returnURL)
	}

	conf := d.oauthConfig(teamID, cfg, "")
	return conf.AuthCodeURL(state, oidc.Nonce(nonce)), nil
}

// HandleCallback verifies the authorization-code callback and extracts
// the normalized identity claim plus the returnURL captured at start.
// The state/nonce cookies are single-use: they are cleared on success so
// a captured callback URL cannot be replayed.
func (d *OIDCDriver) HandleCallback(ctx context.Context, w http.ResponseWriter, r *http.Request, teamID int64, cfg *OIDCConfiguration) (*NormalizedIdentityClaim, string, error) {
	stateCookie, err := r.Cookie(OIDCStateCookie)
	if err != nil || stateCookie.Value == "" {
		return nil, "", ErrInvalidSession
	}
	nonceCookie, err := r.Cookie(OIDCNonceCookie)
	if err != nil || nonceCookie.Value == "" {
		return nil, "", ErrInvalidSession
	}

	if r.URL.Query().Get("state") != stateCookie.Value {
		return nil, "", ErrInvalidSession
	}
	code := r.URL.Query().Get("code")
	if code == "" {
		return nil, "", ErrInvalidSession
	}

	// Decryption happens only here, at token-exchange time.
	clientSecret, err := d.codec.DecryptSecret(cfg.EncryptedClientSecret)
	if err != nil {
		return nil, "", fmt.Errorf("failed to decrypt client secret: %w", err)
	}

	// Bound every outbound IdP call; a hung provider becomes
	// ErrProviderUnavailable, never a stuck handler.
	callCtx, cancel := context.WithTimeout(ctx, d.providerTimeout)
	defer cancel()
	callCtx = oidc.ClientContext(callCtx, &http.Client{Timeout: d.providerTimeout})

	conf := d.oauthConfig(teamID, cfg, clientSecret)
	token, err := conf.Exchange(callCtx, code)
	if err != nil {
		return nil, "", fmt.Errorf("%w: token exchange: %v", ErrProviderUnavailable, err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, "", fmt.Errorf("%w: token response missing id_token", ErrProviderUnavailable)
	}

	keySet := oidc.NewRemoteKeySet(callCtx, cfg.JWKSURI)
	verifier := oidc.NewVerifier(cfg.Issuer, keySet, &oidc.Config{ClientID: cfg.ClientID})

	idToken, err := verifier.Verify(callCtx, rawIDToken)
	if err != nil {
		return nil, "", classifyIDTokenError(err)
	}
	if idToken.Nonce != nonceCookie.Value {
		return nil, "", ErrInvalidSession
	}

	// Cross-instance single-use record on top of the cookie deletion.
	first, err := d.replay.MarkConsumed(ctx, oidcNonceReplayKind, idToken.Nonce, d.attemptTTL)
	if err != nil {
		return nil, "", err
	}
	if !first {
		return nil, "", ErrInvalidSession
	}

	var claims map[string]interface{}
	if err := idToken.Claims(&claims); err != nil {
		return nil, "", fmt.Errorf("failed to parse id_token claims: %w", err)
	}

	if cfg.UserinfoEndpoint != "" {
		claims = d.mergeUserinfo(callCtx, cfg, token, claims)
	}

	claim := extractOIDCClaim(cfg.AttributeMapping, claims, idToken.Subject)

	returnURL := ""
	if c, err := r.Cookie(OIDCReturnCookie); err == nil {
		returnURL = c.Value
	}

	d.clearAttemptCookies(w)
	d.logger.WithFields(map[string]interface{}{
		"team_id": teamID,
		"subject": claim.ProviderSubjectID,
	}).Debug("oidc id token verified")

	return claim, returnURL, nil
}

// ClearAttemptCookies removes the login-attempt cookies; callers use it
// on failure paths so a half-finished attempt cannot be resumed.
func (d *OIDCDriver) ClearAttemptCookies(w http.ResponseWriter) {
	d.clearAttemptCookies(w)
}

// mergeUserinfo fetches the userinfo endpoint and merges its claims
// underneath the ID token's: userinfo is supplementary, for providers
// that omit profile claims from the token, so ID token claims win on
// conflict. Userinfo failures degrade to token-only claims.
func (d *OIDCDriver) mergeUserinfo(ctx context.Context, cfg *OIDCConfiguration, token *oauth2.Token, idTokenClaims map[string]interface{}) map[string]interface{} {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.UserinfoEndpoint, nil)
	if err != nil {
		return idTokenClaims
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)

	client := &http.Client{Timeout: d.providerTimeout}
	resp, err := client.Do(req)
	if err != nil {
		d.logger.WithError(err).Warn("userinfo fetch failed, using id token claims only")
		return idTokenClaims
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		d.logger.WithField("status", resp.StatusCode).Warn("userinfo fetch failed, using id token claims only")
		return idTokenClaims
	}

	var userinfo map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&userinfo); err != nil {
		return idTokenClaims
	}

	merged := make(map[string]interface{}, len(userinfo)+len(idTokenClaims))
	for k, v := range userinfo {
		merged[k] = v
	}
	for k, v := range idTokenClaims {
		merged[k] = v
	}
	return merged
}

func (d *OIDCDriver) oauthConfig(teamID int64, cfg *OIDCConfiguration, clientSecret string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: clientSecret,
		RedirectURL:  d.baseURL + OIDCCallbackPath(teamID),
		Scopes:       cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  cfg.AuthorizationEndpoint,
			TokenURL: cfg.TokenEndpoint,
		},
	}
}

func (d *OIDCDriver) setAttemptCookie(w http.ResponseWriter, name, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(d.attemptTTL.Seconds()),
		Secure:   d.secureCookies,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (d *OIDCDriver) clearAttemptCookies(w http.ResponseWriter) {
	for _, name := range []string{OIDCStateCookie, OIDCNonceCookie, OIDCReturnCookie} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			Secure:   d.secureCookies,
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
	}
}

// extractOIDCClaim resolves the attribute mapping against the merged
// claim set. Absent claims leave fields empty.
func extractOIDCClaim(mapping AttributeMapping, claims map[string]interface{}, subject string) *NormalizedIdentityClaim {
	get := func(field string) string {
		name := mapping.Resolve(field)
		if name == "" {
			return ""
		}
		if v, ok := claims[name].(string); ok {
			return v
		}
		return ""
	}

	claim := &NormalizedIdentityClaim{
		Email:             get(ClaimEmail),
		FirstName:         get(ClaimFirstName),
		LastName:          get(ClaimLastName),
		Username:          get(ClaimUsername),
		Role:              get(ClaimRole),
		ProviderSubjectID: subject,
		EmailVerified:     true,
	}

	// Providers that emit email_verified get it honored; absence means
	// the claim predates the provider and the email is taken as vouched.
	if v, ok := claims["email_verified"].(bool); ok {
		claim.EmailVerified = v
	}

	return claim
}

// classifyIDTokenError maps go-oidc verification failures onto the
// taxonomy.
func classifyIDTokenError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "expired"):
		return fmt.Errorf("%w: %v", ErrAssertionExpired, err)
	case strings.Contains(msg, "issuer"), strings.Contains(msg, "audience"):
		return fmt.Errorf("%w: %v", ErrAssertionExpired, err)
	default:
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
}

func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
