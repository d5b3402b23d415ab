package sso

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/skyhookhq/skyhook/pkg/audit"
	"github.com/skyhookhq/skyhook/pkg/auth"
	"github.com/skyhookhq/skyhook/pkg/httputil"
	"github.com/skyhookhq/skyhook/pkg/observability"
	"github.com/skyhookhq/skyhook/pkg/secrets"
)

// Browser-facing landing paths. The SPA owns everything under /auth.
const (
	errorPath  = "/auth/error"
	verifyPath = "/auth/verify"
)

// Handlers exposes the SSO HTTP surface: discovery, login start, the
// protocol callbacks, session introspection, and the team admin API.
type Handlers struct {
	store     *Store
	discovery *Discovery
	saml      *SAMLDriver
	oidc      *OIDCDriver
	machine   *LoginStateMachine
	sessions  *auth.SessionStore
	csrf      *auth.CSRFManager
	codec     *secrets.Codec
	redirects *RedirectValidator
	otp       *OTPIssuer
	metrics   *observability.AuthMetrics
	audit     *audit.Trail
	logger    *observability.Logger
}

// HandlersConfig wires the handler dependencies.
type HandlersConfig struct {
	Store     *Store
	Discovery *Discovery
	SAML      *SAMLDriver
	OIDC      *OIDCDriver
	Machine   *LoginStateMachine
	Sessions  *auth.SessionStore
	CSRF      *auth.CSRFManager
	Codec     *secrets.Codec
	Redirects *RedirectValidator
	OTP       *OTPIssuer
	Metrics   *observability.AuthMetrics
	Audit     *audit.Trail
	Logger    *observability.Logger
}

// NewHandlers creates the HTTP handlers.
func NewHandlers(cfg HandlersConfig) *Handlers {
	return &Handlers{
		store:     cfg.Store,
		discovery: cfg.Discovery,
		saml:      cfg.SAML,
		oidc:      cfg.OIDC,
		machine:   cfg.Machine,
		sessions:  cfg.Sessions,
		csrf:      cfg.CSRF,
		codec:     cfg.Codec,
		redirects: cfg.Redirects,
		otp:       cfg.OTP,
		metrics:   cfg.Metrics,
		audit:     cfg.Audit,
		logger:    cfg.Logger.WithComponent("sso_handlers"),
	}
}

// RegisterRoutes registers the SSO routes on the router.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	// Unauthenticated login surface.
	router.HandleFunc("/api/auth/csrf", h.issueCSRF).Methods(http.MethodGet)
	router.HandleFunc("/api/auth/sso/discover", h.discover).Methods(http.MethodPost)
	router.HandleFunc("/api/auth/sso/start", h.startLogin).Methods(http.MethodPost)
	router.HandleFunc("/api/auth/sso/oidc/{teamId:[0-9]+}/callback", h.oidcCallback).Methods(http.MethodGet)
	router.HandleFunc("/api/auth/sso/saml/{teamId:[0-9]+}/acs", h.samlACS).Methods(http.MethodPost)
	router.HandleFunc("/api/auth/sso/verify", h.verifyMFA).Methods(http.MethodPost)
	router.HandleFunc("/api/auth/sso/verify/send", h.resendMFACode).Methods(http.MethodPost)

	// Session surface.
	router.HandleFunc("/api/auth/session", h.sessionInfo).Methods(http.MethodGet)
	router.HandleFunc("/api/auth/logout", h.logout).Methods(http.MethodPost)

	// Team admin surface; every route requires an admin session for the
	// team in the path.
	router.HandleFunc("/api/teams/{teamId:[0-9]+}/sso", h.getTeamSSO).Methods(http.MethodGet)
	router.HandleFunc("/api/teams/{teamId:[0-9]+}/sso", h.putTeamSSO).Methods(http.MethodPut)
	router.HandleFunc("/api/teams/{teamId:[0-9]+}/sso/domains", h.listDomains).Methods(http.MethodGet)
	router.HandleFunc("/api/teams/{teamId:[0-9]+}/sso/domains", h.claimDomain).Methods(http.MethodPost)
	router.HandleFunc("/api/teams/{teamId:[0-9]+}/sso/domains/{domain}/verify", h.verifyDomain).Methods(http.MethodPost)
	router.HandleFunc("/api/teams/{teamId:[0-9]+}/sso/audit", h.listAudit).Methods(http.MethodGet)
}

// issueCSRF mints a CSRF token and sets the double-submit cookie.
func (h *Handlers) issueCSRF(w http.ResponseWriter, r *http.Request) {
	token, err := h.csrf.IssueToken()
	if err != nil {
		h.logger.WithError(err).Error("failed to issue csrf token")
		httputil.WriteInternalError(w)
		return
	}
	h.csrf.SetCookie(w, token)
	httputil.WriteData(w, map[string]string{"csrfToken": token})
}

type discoverRequest struct {
	Email     string `json:"email"`
	CSRFToken string `json:"csrfToken"`
}

// discover answers whether SSO is available for the email's domain. The
// response shape is identical for unknown domains, pending domains, and
// disabled teams.
func (h *Handlers) discover(w http.ResponseWriter, r *http.Request) {
	var req discoverRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !h.verifyCSRF(r, req.CSRFToken) {
		httputil.WriteErrorMessage(w, http.StatusBadRequest, ErrorCode(ErrInvalidCSRF))
		return
	}
	if !httputil.RequireNonEmpty(w, req.Email, "email") {
		return
	}

	available, err := h.discovery.Discover(r.Context(), req.Email)
	if err != nil {
		h.logger.WithError(err).Error("discovery failed")
		httputil.WriteInternalError(w)
		return
	}

	result := "unavailable"
	if available {
		result = "available"
	}
	h.metrics.DiscoveryRequests.WithLabelValues(result).Inc()

	httputil.WriteData(w, map[string]bool{"available": available})
}

type startLoginRequest struct {
	Email     string `json:"email"`
	CSRFToken string `json:"csrfToken"`
}

// startLogin resolves the email's team and returns the IdP redirect URL
// for its configured protocol.
func (h *Handlers) startLogin(w http.ResponseWriter, r *http.Request) {
	var req startLoginRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !h.verifyCSRF(r, req.CSRFToken) {
		httputil.WriteErrorMessage(w, http.StatusBadRequest, ErrorCode(ErrInvalidCSRF))
		return
	}
	if !httputil.RequireNonEmpty(w, req.Email, "email") {
		return
	}

	ctx := r.Context()
	returnURL := httputil.ParseQueryString(r, "returnUrl", "")

	cfg, err := h.discovery.Resolve(ctx, req.Email)
	if errors.Is(err, ErrSSONotAvailable) {
		// No redirect URL in the body: the 403 itself must not leak
		// whether the domain exists.
		h.recordLogin(ctx, &audit.Event{
			Action:  audit.ActionLoginStart,
			Outcome: audit.OutcomeRejected,
			Email:   req.Email,
			Detail:  ErrorCode(err),
			IP:      clientIP(r),
		})
		httputil.WriteErrorMessage(w, http.StatusForbidden, ErrorCode(err))
		return
	}
	if err != nil {
		h.logger.WithError(err).Error("login start resolution failed")
		httputil.WriteInternalError(w)
		return
	}

	var redirectURL string
	switch cfg.Provider {
	case ProviderSAML:
		samlCfg, cfgErr := h.store.GetSAMLConfiguration(ctx, cfg.ID)
		if cfgErr != nil {
			err = cfgErr
			break
		}
		// returnUrl rides along as RelayState; it is untrusted until the
		// ACS validates it.
		redirectURL, err = h.saml.StartLogin(ctx, cfg.TeamID, samlCfg, req.Email, returnURL)
	case ProviderOIDC:
		oidcCfg, cfgErr := h.store.GetOIDCConfiguration(ctx, cfg.ID)
		if cfgErr != nil {
			err = cfgErr
			break
		}
		redirectURL, err = h.oidc.StartLogin(w, cfg.TeamID, oidcCfg, returnURL)
	default:
		err = ErrSSONotAvailable
	}
	if err != nil {
		h.logger.WithError(err).WithField("team_id", cfg.TeamID).Error("failed to build idp redirect")
		httputil.WriteInternalError(w)
		return
	}

	h.recordLogin(ctx, &audit.Event{
		Action:   audit.ActionLoginStart,
		Outcome:  audit.OutcomeSuccess,
		TeamID:   cfg.TeamID,
		Email:    req.Email,
		Provider: string(cfg.Provider),
		IP:       clientIP(r),
	})
	httputil.WriteData(w, map[string]string{"redirectUrl": redirectURL})
}

// oidcCallback finishes the authorization-code flow. Like the SAML ACS,
// it answers every request with a redirect: success, pending MFA, and
// each failure kind land on distinct locations, never distinct statuses.
func (h *Handlers) oidcCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	teamID, ok := pathTeamID(r)
	if !ok {
		h.redirectError(w, r, ErrInvalidSession)
		return
	}

	cfg, oidcCfg, err := h.loadOIDCConfig(ctx, teamID)
	if err != nil {
		h.oidc.ClearAttemptCookies(w)
		h.finishFailure(w, r, string(ProviderOIDC), teamID, err)
		return
	}

	claim, returnURL, err := h.oidc.HandleCallback(ctx, w, r, teamID, oidcCfg)
	if err != nil {
		h.oidc.ClearAttemptCookies(w)
		h.finishFailure(w, r, string(ProviderOIDC), teamID, err)
		return
	}

	outcome, err := h.machine.HandleLogin(ctx, teamID, claim, cfg)
	if err != nil {
		h.finishFailure(w, r, string(ProviderOIDC), teamID, err)
		return
	}
	h.finishLogin(w, r, string(ProviderOIDC), teamID, returnURL, outcome)
}

// samlACS consumes a posted SAMLResponse. Accepts the standard form post
// from the IdP.
func (h *Handlers) samlACS(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	teamID, ok := pathTeamID(r)
	if !ok {
		h.redirectError(w, r, ErrInvalidSession)
		return
	}

	if err := r.ParseForm(); err != nil {
		h.finishFailure(w, r, string(ProviderSAML), teamID, ErrInvalidAssertion)
		return
	}
	samlResponse := r.PostFormValue("SAMLResponse")
	relayState := r.PostFormValue("RelayState")

	cfg, err := h.store.GetLoginConfigurationByTeam(ctx, teamID)
	if err != nil {
		h.finishFailure(w, r, string(ProviderSAML), teamID, ErrSSONotAvailable)
		return
	}
	samlCfg, err := h.store.GetSAMLConfiguration(ctx, cfg.ID)
	if err != nil {
		h.finishFailure(w, r, string(ProviderSAML), teamID, ErrSSONotAvailable)
		return
	}

	claim, err := h.saml.HandleACS(ctx, teamID, samlCfg, samlResponse)
	if err != nil {
		h.finishFailure(w, r, string(ProviderSAML), teamID, err)
		return
	}

	outcome, err := h.machine.HandleLogin(ctx, teamID, claim, cfg)
	if err != nil {
		h.finishFailure(w, r, string(ProviderSAML), teamID, err)
		return
	}
	h.finishLogin(w, r, string(ProviderSAML), teamID, relayState, outcome)
}

// finishLogin converts a terminal outcome into a redirect plus session
// side effects.
func (h *Handlers) finishLogin(w http.ResponseWriter, r *http.Request, provider string, teamID int64, returnURL string, outcome *SessionOutcome) {
	ctx := r.Context()

	if outcome.Provisioned {
		h.metrics.ProvisionedMembers.Inc()
	}

	switch outcome.State {
	case OutcomeRejected:
		h.metrics.ObserveLogin(provider, string(OutcomeRejected))
		h.recordLogin(ctx, &audit.Event{
			Action:   audit.ActionLoginFinish,
			Outcome:  audit.OutcomeRejected,
			TeamID:   teamID,
			Provider: provider,
			Detail:   ErrorCode(outcome.Reason),
			IP:       clientIP(r),
		})
		h.redirectError(w, r, outcome.Reason)

	case OutcomePendingMFA:
		// The validated return target rides in the pending session so the
		// user still lands where they were headed after the second factor.
		session, err := h.sessions.CreatePending(ctx, outcome.User.ID, teamID, outcome.User.Email,
			outcome.PendingVerifications, h.redirects.Validate(returnURL))
		if err != nil {
			h.logger.WithError(err).Error("failed to create pending session")
			h.redirectError(w, r, err)
			return
		}
		h.sessions.SetCookie(w, session)

		// Kick off the email code when it is among the owed factors, so the
		// verify page is immediately actionable. Dispatch failure is not
		// fatal; the user can resend.
		for _, method := range outcome.PendingVerifications {
			if method == FallbackMFAMethod {
				if err := h.otp.Issue(ctx, session.ID, outcome.User.Email); err != nil {
					h.logger.WithError(err).Warn("failed to issue login otp")
				}
				break
			}
		}

		h.metrics.ObserveLogin(provider, string(OutcomePendingMFA))
		h.recordLogin(ctx, &audit.Event{
			Action:   audit.ActionLoginFinish,
			Outcome:  audit.OutcomePendingMFA,
			TeamID:   teamID,
			UserID:   outcome.User.ID,
			Email:    outcome.User.Email,
			Provider: provider,
			IP:       clientIP(r),
		})
		http.Redirect(w, r, verifyPath, http.StatusSeeOther)

	case OutcomeAuthenticated:
		session, err := h.sessions.Create(ctx, outcome.User.ID, teamID, outcome.User.Email)
		if err != nil {
			h.logger.WithError(err).Error("failed to create session")
			h.redirectError(w, r, err)
			return
		}
		h.sessions.SetCookie(w, session)

		h.metrics.ObserveLogin(provider, string(OutcomeAuthenticated))
		h.recordLogin(ctx, &audit.Event{
			Action:   audit.ActionLoginFinish,
			Outcome:  audit.OutcomeSuccess,
			TeamID:   teamID,
			UserID:   outcome.User.ID,
			Email:    outcome.User.Email,
			Provider: provider,
			IP:       clientIP(r),
		})
		http.Redirect(w, r, h.redirects.Validate(returnURL), http.StatusSeeOther)
	}
}

// finishFailure is the redirect path for driver and infrastructure
// failures on a callback.
func (h *Handlers) finishFailure(w http.ResponseWriter, r *http.Request, provider string, teamID int64, err error) {
	if errors.Is(err, ErrInvalidSession) {
		h.metrics.ObserveReplay(provider)
	}
	h.metrics.ObserveLogin(provider, string(OutcomeRejected))
	h.logger.WithError(err).WithFields(map[string]interface{}{
		"team_id":  teamID,
		"provider": provider,
	}).Warn("sso callback rejected")
	h.recordLogin(r.Context(), &audit.Event{
		Action:   audit.ActionLoginFinish,
		Outcome:  audit.OutcomeRejected,
		TeamID:   teamID,
		Provider: provider,
		Detail:   ErrorCode(err),
		IP:       clientIP(r),
	})
	h.redirectError(w, r, err)
}

// redirectError sends the browser to the error page with the taxonomy
// code. Always a redirect: a callback must never render a status an
// attacker can probe for.
func (h *Handlers) redirectError(w http.ResponseWriter, r *http.Request, err error) {
	http.Redirect(w, r, errorPath+"?code="+ErrorCode(err), http.StatusSeeOther)
}

type verifyMFARequest struct {
	Method    string `json:"method"`
	Code      string `json:"code"`
	CSRFToken string `json:"csrfToken"`
}

// verifyMFA checks a second-factor code and promotes the pending session.
func (h *Handlers) verifyMFA(w http.ResponseWriter, r *http.Request) {
	var req verifyMFARequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !h.verifyCSRF(r, req.CSRFToken) {
		httputil.WriteErrorMessage(w, http.StatusBadRequest, ErrorCode(ErrInvalidCSRF))
		return
	}

	ctx := r.Context()
	session, err := h.sessions.FromRequest(ctx, r)
	if err != nil || session.IsLoggedIn {
		httputil.WriteErrorMessage(w, http.StatusUnauthorized, ErrorCode(ErrInvalidSession))
		return
	}

	method := req.Method
	if method == "" {
		method = FallbackMFAMethod
	}
	if !pendingContains(session.PendingVerifications, method) {
		httputil.WriteBadRequest(w, "verification method not pending for this session")
		return
	}
	if method != FallbackMFAMethod {
		// TODO: verify TOTP factors once enrollment stores their secrets.
		httputil.WriteBadRequest(w, "unsupported verification method")
		return
	}

	if err := h.otp.Check(ctx, session.ID, req.Code); err != nil {
		if errors.Is(err, ErrInvalidOTP) {
			httputil.WriteErrorMessage(w, http.StatusBadRequest, "invalid verification code")
			return
		}
		h.logger.WithError(err).Error("otp check failed")
		httputil.WriteInternalError(w)
		return
	}

	if err := h.sessions.Promote(ctx, session); err != nil {
		h.logger.WithError(err).Error("failed to promote session")
		httputil.WriteInternalError(w)
		return
	}

	h.recordLogin(ctx, &audit.Event{
		Action:  audit.ActionLoginFinish,
		Outcome: audit.OutcomeSuccess,
		TeamID:  session.TeamID,
		UserID:  session.UserID,
		Email:   session.Email,
		Detail:  "mfa_verified",
		IP:      clientIP(r),
	})
	httputil.WriteData(w, map[string]interface{}{
		"isLoggedIn":  true,
		"redirectUrl": h.redirects.Validate(session.ReturnURL),
	})
}

type resendMFARequest struct {
	CSRFToken string `json:"csrfToken"`
}

// resendMFACode reissues the email one-time code for a pending session.
func (h *Handlers) resendMFACode(w http.ResponseWriter, r *http.Request) {
	var req resendMFARequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !h.verifyCSRF(r, req.CSRFToken) {
		httputil.WriteErrorMessage(w, http.StatusBadRequest, ErrorCode(ErrInvalidCSRF))
		return
	}

	ctx := r.Context()
	session, err := h.sessions.FromRequest(ctx, r)
	if err != nil || session.IsLoggedIn {
		httputil.WriteErrorMessage(w, http.StatusUnauthorized, ErrorCode(ErrInvalidSession))
		return
	}
	if !pendingContains(session.PendingVerifications, FallbackMFAMethod) {
		httputil.WriteBadRequest(w, "email verification not pending for this session")
		return
	}

	if err := h.otp.Issue(ctx, session.ID, session.Email); err != nil {
		h.logger.WithError(err).Error("failed to reissue login otp")
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteNoContent(w)
}

// sessionInfo reports the caller's session state. pendingVerifications is
// false for a fully authenticated session and the owed factor list for a
// half-open one.
func (h *Handlers) sessionInfo(w http.ResponseWriter, r *http.Request) {
	session, err := h.sessions.FromRequest(r.Context(), r)
	if err != nil {
		httputil.WriteData(w, map[string]interface{}{
			"isLoggedIn":           false,
			"pendingVerifications": false,
		})
		return
	}

	var pending interface{} = false
	if !session.IsLoggedIn {
		pending = session.PendingVerifications
	}
	httputil.WriteData(w, map[string]interface{}{
		"isLoggedIn":           session.IsLoggedIn,
		"pendingVerifications": pending,
		"email":                session.Email,
		"teamId":               session.TeamID,
	})
}

type logoutRequest struct {
	CSRFToken string `json:"csrfToken"`
}

// logout destroys the session server-side and clears the cookie.
func (h *Handlers) logout(w http.ResponseWriter, r *http.Request) {
	var req logoutRequest
	// Body is optional; the header can carry the token instead.
	_ = httputil.ParseJSON(r, &req)
	if !h.verifyCSRF(r, req.CSRFToken) {
		httputil.WriteErrorMessage(w, http.StatusBadRequest, ErrorCode(ErrInvalidCSRF))
		return
	}

	ctx := r.Context()
	session, err := h.sessions.FromRequest(ctx, r)
	if err == nil {
		if err := h.sessions.Destroy(ctx, session.ID); err != nil {
			h.logger.WithError(err).Error("failed to destroy session")
			httputil.WriteInternalError(w)
			return
		}
		h.recordLogin(ctx, &audit.Event{
			Action:  audit.ActionLogout,
			Outcome: audit.OutcomeSuccess,
			TeamID:  session.TeamID,
			UserID:  session.UserID,
			IP:      clientIP(r),
		})
	}
	h.sessions.ClearCookie(w)
	httputil.WriteNoContent(w)
}

// teamSSOResponse is the admin read model. Secrets never appear: the
// OIDC client secret and SAML SP key are json:"-" on their types.
type teamSSOResponse struct {
	Config *LoginConfiguration `json:"config"`
	SAML   *SAMLConfiguration  `json:"saml,omitempty"`
	OIDC   *OIDCConfiguration  `json:"oidc,omitempty"`
}

// getTeamSSO returns a team's SSO configuration for admins.
func (h *Handlers) getTeamSSO(w http.ResponseWriter, r *http.Request) {
	teamID, session := h.requireTeamAdmin(w, r)
	if session == nil {
		return
	}
	ctx := r.Context()

	cfg, err := h.store.GetLoginConfigurationByTeam(ctx, teamID)
	if errors.Is(err, ErrNotFound) {
		httputil.WriteNotFound(w, "sso is not configured for this team")
		return
	}
	if err != nil {
		h.logger.WithError(err).Error("failed to load login configuration")
		httputil.WriteInternalError(w)
		return
	}

	resp := &teamSSOResponse{Config: cfg}
	switch cfg.Provider {
	case ProviderSAML:
		if resp.SAML, err = h.store.GetSAMLConfiguration(ctx, cfg.ID); errors.Is(err, ErrNotFound) {
			err = nil
		}
	case ProviderOIDC:
		if resp.OIDC, err = h.store.GetOIDCConfiguration(ctx, cfg.ID); errors.Is(err, ErrNotFound) {
			err = nil
		}
	}
	if err != nil {
		h.logger.WithError(err).Error("failed to load provider configuration")
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteData(w, resp)
}

type putTeamSSORequest struct {
	SSOEnabled             bool         `json:"ssoEnabled"`
	Provider               ProviderKind `json:"provider"`
	RequireMFA             bool         `json:"requireMfa"`
	JITProvisioningEnabled bool         `json:"jitProvisioningEnabled"`
	AllowedMFAMethods      []string     `json:"allowedMfaMethods"`
	DefaultRole            auth.Role    `json:"defaultRole"`

	SAML *putSAMLConfig `json:"saml,omitempty"`
	OIDC *putOIDCConfig `json:"oidc,omitempty"`
}

type putSAMLConfig struct {
	EntityID             string           `json:"entityId"`
	IDPEntityID          string           `json:"idpEntityId"`
	IDPSSOURL            string           `json:"idpSsoUrl"`
	IDPCertificate       string           `json:"idpCertificate"`
	WantAssertionsSigned *bool            `json:"wantAssertionsSigned"`
	SignRequests         bool             `json:"signRequests"`
	SPCertificate        string           `json:"spCertificate"`
	SPPrivateKey         string           `json:"spPrivateKey"`
	NameIDFormat         string           `json:"nameIdFormat"`
	AttributeMapping     AttributeMapping `json:"attributeMapping"`
}

type putOIDCConfig struct {
	Issuer                string           `json:"issuer"`
	ClientID              string           `json:"clientId"`
	ClientSecret          string           `json:"clientSecret"`
	AuthorizationEndpoint string           `json:"authorizationEndpoint"`
	TokenEndpoint         string           `json:"tokenEndpoint"`
	UserinfoEndpoint      string           `json:"userinfoEndpoint"`
	JWKSURI               string           `json:"jwksUri"`
	Scopes                []string         `json:"scopes"`
	AttributeMapping      AttributeMapping `json:"attributeMapping"`
}

// putTeamSSO creates or replaces a team's SSO configuration. The OIDC
// client secret is encrypted before it touches the database; an empty
// secret on update keeps the stored one.
func (h *Handlers) putTeamSSO(w http.ResponseWriter, r *http.Request) {
	teamID, session := h.requireTeamAdmin(w, r)
	if session == nil {
		return
	}
	if !h.verifyCSRF(r, "") {
		httputil.WriteErrorMessage(w, http.StatusBadRequest, ErrorCode(ErrInvalidCSRF))
		return
	}

	var req putTeamSSORequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !req.Provider.Valid() {
		httputil.WriteBadRequest(w, "provider must be saml or oidc")
		return
	}
	if req.Provider == ProviderSAML && req.SAML == nil {
		httputil.WriteBadRequest(w, "saml configuration is required")
		return
	}
	if req.Provider == ProviderOIDC && req.OIDC == nil {
		httputil.WriteBadRequest(w, "oidc configuration is required")
		return
	}
	if !req.DefaultRole.Valid() {
		req.DefaultRole = auth.RoleMember
	}

	ctx := r.Context()
	cfg := &LoginConfiguration{
		TeamID:                 teamID,
		SSOEnabled:             req.SSOEnabled,
		Provider:               req.Provider,
		RequireMFA:             req.RequireMFA,
		JITProvisioningEnabled: req.JITProvisioningEnabled,
		AllowedMFAMethods:      req.AllowedMFAMethods,
		DefaultRole:            req.DefaultRole,
	}
	if err := h.store.UpsertLoginConfiguration(ctx, cfg); err != nil {
		h.logger.WithError(err).Error("failed to save login configuration")
		httputil.WriteInternalError(w)
		return
	}

	var err error
	switch req.Provider {
	case ProviderSAML:
		// Signature checks stay on unless the admin explicitly opts out.
		wantSigned := true
		if req.SAML.WantAssertionsSigned != nil {
			wantSigned = *req.SAML.WantAssertionsSigned
		}
		err = h.store.UpsertSAMLConfiguration(ctx, &SAMLConfiguration{
			LoginConfigID:        cfg.ID,
			EntityID:             req.SAML.EntityID,
			IDPEntityID:          req.SAML.IDPEntityID,
			IDPSSOURL:            req.SAML.IDPSSOURL,
			IDPCertificate:       req.SAML.IDPCertificate,
			WantAssertionsSigned: wantSigned,
			SignRequests:         req.SAML.SignRequests,
			SPCertificate:        req.SAML.SPCertificate,
			SPPrivateKey:         req.SAML.SPPrivateKey,
			NameIDFormat:         req.SAML.NameIDFormat,
			AttributeMapping:     req.SAML.AttributeMapping,
		})
	case ProviderOIDC:
		var encrypted string
		if req.OIDC.ClientSecret != "" {
			if encrypted, err = h.codec.EncryptSecret(req.OIDC.ClientSecret); err != nil {
				break
			}
		} else if existing, getErr := h.store.GetOIDCConfiguration(ctx, cfg.ID); getErr == nil {
			encrypted = existing.EncryptedClientSecret
		} else if !errors.Is(getErr, ErrNotFound) {
			err = getErr
			break
		}
		if encrypted == "" {
			httputil.WriteBadRequest(w, "clientSecret is required")
			return
		}
		err = h.store.UpsertOIDCConfiguration(ctx, &OIDCConfiguration{
			LoginConfigID:         cfg.ID,
			Issuer:                req.OIDC.Issuer,
			ClientID:              req.OIDC.ClientID,
			EncryptedClientSecret: encrypted,
			AuthorizationEndpoint: req.OIDC.AuthorizationEndpoint,
			TokenEndpoint:         req.OIDC.TokenEndpoint,
			UserinfoEndpoint:      req.OIDC.UserinfoEndpoint,
			JWKSURI:               req.OIDC.JWKSURI,
			Scopes:                req.OIDC.Scopes,
			AttributeMapping:      req.OIDC.AttributeMapping,
		})
	}
	if errors.Is(err, ErrMappingMissingEmail) {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if err != nil {
		h.logger.WithError(err).Error("failed to save provider configuration")
		httputil.WriteInternalError(w)
		return
	}

	h.recordLogin(ctx, &audit.Event{
		Action:   audit.ActionConfigChange,
		Outcome:  audit.OutcomeSuccess,
		TeamID:   teamID,
		UserID:   session.UserID,
		Provider: string(req.Provider),
		IP:       clientIP(r),
	})
	httputil.WriteData(w, map[string]int64{"configId": cfg.ID})
}

// listDomains lists a team's domain claims for admins.
func (h *Handlers) listDomains(w http.ResponseWriter, r *http.Request) {
	teamID, session := h.requireTeamAdmin(w, r)
	if session == nil {
		return
	}

	domains, err := h.store.ListTeamDomains(r.Context(), teamID)
	if err != nil {
		h.logger.WithError(err).Error("failed to list team domains")
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteData(w, domains)
}

type claimDomainRequest struct {
	Domain string `json:"domain"`
}

// claimDomain registers a PENDING domain claim and returns the DNS
// verification code.
func (h *Handlers) claimDomain(w http.ResponseWriter, r *http.Request) {
	teamID, session := h.requireTeamAdmin(w, r)
	if session == nil {
		return
	}
	if !h.verifyCSRF(r, "") {
		httputil.WriteErrorMessage(w, http.StatusBadRequest, ErrorCode(ErrInvalidCSRF))
		return
	}

	var req claimDomainRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	domain := strings.ToLower(strings.TrimSpace(req.Domain))
	if domain == "" || strings.Contains(domain, "@") || !strings.Contains(domain, ".") {
		httputil.WriteBadRequest(w, "invalid domain")
		return
	}

	code, err := verificationCode()
	if err != nil {
		h.logger.WithError(err).Error("failed to generate verification code")
		httputil.WriteInternalError(w)
		return
	}

	dv := &DomainVerification{Domain: domain, TeamID: teamID, VerificationCode: code}
	if err := h.store.CreateDomainVerification(r.Context(), dv); err != nil {
		// The unique constraint on domain also fires when another team
		// already claimed it; both read as conflict.
		httputil.WriteConflict(w, "domain is already claimed")
		return
	}

	h.recordLogin(r.Context(), &audit.Event{
		Action:  audit.ActionDomainChange,
		Outcome: audit.OutcomeSuccess,
		TeamID:  teamID,
		UserID:  session.UserID,
		Detail:  "claimed " + domain,
		IP:      clientIP(r),
	})
	httputil.WriteDataStatus(w, http.StatusCreated, map[string]string{
		"domain":           dv.Domain,
		"status":           string(DomainPending),
		"verificationCode": code,
	})
}

type verifyDomainRequest struct {
	Code string `json:"code"`
}

// verifyDomain flips a PENDING claim to VERIFIED when the code matches.
func (h *Handlers) verifyDomain(w http.ResponseWriter, r *http.Request) {
	teamID, session := h.requireTeamAdmin(w, r)
	if session == nil {
		return
	}
	if !h.verifyCSRF(r, "") {
		httputil.WriteErrorMessage(w, http.StatusBadRequest, ErrorCode(ErrInvalidCSRF))
		return
	}

	var req verifyDomainRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	name, ok := httputil.ParsePathStringOrError(w, r, "domain")
	if !ok {
		return
	}
	domain := strings.ToLower(name)

	// The claim must belong to this team before the code is even checked.
	dv, err := h.store.GetDomainVerification(r.Context(), domain)
	if err != nil || dv.TeamID != teamID {
		httputil.WriteNotFound(w, "domain claim not found")
		return
	}

	if err := h.store.VerifyDomain(r.Context(), domain, req.Code); err != nil {
		if errors.Is(err, ErrNotFound) {
			httputil.WriteBadRequest(w, "verification code does not match")
			return
		}
		h.logger.WithError(err).Error("failed to verify domain")
		httputil.WriteInternalError(w)
		return
	}

	h.recordLogin(r.Context(), &audit.Event{
		Action:  audit.ActionDomainChange,
		Outcome: audit.OutcomeSuccess,
		TeamID:  teamID,
		UserID:  session.UserID,
		Detail:  "verified " + domain,
		IP:      clientIP(r),
	})
	httputil.WriteData(w, map[string]string{
		"domain": domain,
		"status": string(DomainVerified),
	})
}

// listAudit returns recent auth events for a team.
func (h *Handlers) listAudit(w http.ResponseWriter, r *http.Request) {
	teamID, session := h.requireTeamAdmin(w, r)
	if session == nil {
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := h.audit.ListRecent(r.Context(), teamID, limit)
	if err != nil {
		h.logger.WithError(err).Error("failed to list audit events")
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteData(w, events)
}

// requireTeamAdmin authorizes the admin surface: a fully authenticated
// session whose user is an admin of the team in the path. On failure it
// writes the response and returns a nil session.
func (h *Handlers) requireTeamAdmin(w http.ResponseWriter, r *http.Request) (int64, *auth.Session) {
	teamID, ok := pathTeamID(r)
	if !ok {
		httputil.WriteNotFound(w, "team not found")
		return 0, nil
	}

	ctx := r.Context()
	session, err := h.sessions.FromRequest(ctx, r)
	if err != nil || !session.IsLoggedIn {
		httputil.WriteUnauthorized(w, "authentication required")
		return 0, nil
	}

	member, err := h.store.GetTeamMember(ctx, teamID, session.UserID)
	if err != nil || member.Role != auth.RoleAdmin {
		httputil.WriteForbidden(w, "team admin role required")
		return 0, nil
	}
	return teamID, session
}

// verifyCSRF accepts the token from the header, a form field, or a JSON
// body field, and requires it to match the signed cookie.
func (h *Handlers) verifyCSRF(r *http.Request, bodyToken string) bool {
	if h.csrf.VerifyRequest(r) {
		return true
	}
	if bodyToken == "" {
		return false
	}
	cookie, err := r.Cookie(auth.CSRFCookieName)
	if err != nil || cookie.Value == "" {
		return false
	}
	if !hmac.Equal([]byte(cookie.Value), []byte(bodyToken)) {
		return false
	}
	return h.csrf.VerifyToken(bodyToken)
}

// recordLogin funnels every auth-relevant event through the audit trail.
func (h *Handlers) recordLogin(ctx context.Context, ev *audit.Event) {
	h.audit.Record(ctx, ev)
}

func pathTeamID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["teamId"], 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func pendingContains(pending []string, method string) bool {
	for _, p := range pending {
		if p == method {
			return true
		}
	}
	return false
}

// clientIP extracts the originating address, honoring the first
// X-Forwarded-For hop set by the load balancer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, ok := strings.Cut(fwd, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// verificationCode mints the DNS TXT record value for a domain claim.
func verificationCode() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate code: %w", err)
	}
	return "skyhook-domain-verification=" + hex.EncodeToString(b), nil
}

// loadOIDCConfig resolves the team's login and OIDC configurations for a
// callback.
func (h *Handlers) loadOIDCConfig(ctx context.Context, teamID int64) (*LoginConfiguration, *OIDCConfiguration, error) {
	cfg, err := h.store.GetLoginConfigurationByTeam(ctx, teamID)
	if err != nil {
		return nil, nil, ErrSSONotAvailable
	}
	oidcCfg, err := h.store.GetOIDCConfiguration(ctx, cfg.ID)
	if err != nil {
		return nil, nil, ErrSSONotAvailable
	}
	return cfg, oidcCfg, nil
}
