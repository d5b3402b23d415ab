package sso

import (
	"time"

	"github.com/skyhookhq/skyhook/pkg/auth"
)

// ProviderKind is the federation protocol a team authenticates with.
type ProviderKind string

const (
	ProviderSAML ProviderKind = "saml"
	ProviderOIDC ProviderKind = "oidc"
)

// Valid reports whether the kind is a supported protocol.
func (k ProviderKind) Valid() bool {
	return k == ProviderSAML || k == ProviderOIDC
}

// DomainStatus is the verification state of a team domain.
type DomainStatus string

const (
	DomainPending  DomainStatus = "PENDING"
	DomainVerified DomainStatus = "VERIFIED"
)

// LoginConfiguration is a team's SSO policy. When SSOEnabled is true,
// exactly one of a SAMLConfiguration or OIDCConfiguration exists for it.
type LoginConfiguration struct {
	ID                     int64        `json:"id"`
	TeamID                 int64        `json:"team_id"`
	SSOEnabled             bool         `json:"sso_enabled"`
	Provider               ProviderKind `json:"provider"`
	RequireMFA             bool         `json:"require_mfa"`
	JITProvisioningEnabled bool         `json:"jit_provisioning_enabled"`
	AllowedMFAMethods      []string     `json:"allowed_mfa_methods"`
	DefaultRole            auth.Role    `json:"default_role"`
	CreatedAt              time.Time    `json:"created_at"`
	UpdatedAt              time.Time    `json:"updated_at"`
}

// DomainVerification binds an email domain to a team. Only VERIFIED
// domains participate in discovery; a domain belongs to at most one team.
type DomainVerification struct {
	ID               int64        `json:"id"`
	Domain           string       `json:"domain"`
	TeamID           int64        `json:"team_id"`
	Status           DomainStatus `json:"status"`
	VerificationCode string       `json:"-"`
	VerifiedAt       *time.Time   `json:"verified_at,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
}

// SAMLConfiguration holds a team's SAML 2.0 federation settings.
type SAMLConfiguration struct {
	ID            int64  `json:"id"`
	LoginConfigID int64  `json:"login_config_id"`
	EntityID      string `json:"entity_id"`
	IDPEntityID   string `json:"idp_entity_id"`
	IDPSSOURL     string `json:"idp_sso_url"`
	// IDPCertificate is the IdP signing certificate as base64 DER, no PEM
	// envelope.
	IDPCertificate       string           `json:"idp_certificate"`
	WantAssertionsSigned bool             `json:"want_assertions_signed"`
	SignRequests         bool             `json:"sign_requests"`
	SPCertificate        string           `json:"sp_certificate,omitempty"`
	SPPrivateKey         string           `json:"-"`
	NameIDFormat         string           `json:"name_id_format,omitempty"`
	AttributeMapping     AttributeMapping `json:"attribute_mapping"`
}

// OIDCConfiguration holds a team's OpenID Connect federation settings.
// The client secret is stored encrypted and decrypted only at
// token-exchange time.
type OIDCConfiguration struct {
	ID                    int64            `json:"id"`
	LoginConfigID         int64            `json:"login_config_id"`
	Issuer                string           `json:"issuer"`
	ClientID              string           `json:"client_id"`
	EncryptedClientSecret string           `json:"-"`
	AuthorizationEndpoint string           `json:"authorization_endpoint"`
	TokenEndpoint         string           `json:"token_endpoint"`
	UserinfoEndpoint      string           `json:"userinfo_endpoint,omitempty"`
	JWKSURI               string           `json:"jwks_uri"`
	Scopes                []string         `json:"scopes"`
	AttributeMapping      AttributeMapping `json:"attribute_mapping"`
}

// Claim field names resolvable through an AttributeMapping.
const (
	ClaimEmail     = "email"
	ClaimFirstName = "firstName"
	ClaimLastName  = "lastName"
	ClaimUsername  = "username"
	ClaimRole      = "role"
)

// AttributeMapping maps normalized claim fields to provider attribute or
// claim names. It is configuration data: validated at save time, resolved
// at extraction time with absent attributes leaving the field empty.
type AttributeMapping map[string]string

// Resolve returns the provider-side name for a claim field, or "" when
// the field is unmapped.
func (m AttributeMapping) Resolve(field string) string {
	if m == nil {
		return ""
	}
	return m[field]
}

// Validate checks that the mapping covers the email claim, the one field
// identity resolution cannot work without.
func (m AttributeMapping) Validate() error {
	if m.Resolve(ClaimEmail) == "" {
		return ErrMappingMissingEmail
	}
	return nil
}

// AuthnRequestRecord is the ephemeral record of an in-flight SP-initiated
// SAML login. It is consumed (deleted) when the matching InResponseTo
// arrives at the ACS; a given request ID is accepted at most once.
type AuthnRequestRecord struct {
	RequestID string    `json:"request_id"`
	TeamID    int64     `json:"team_id"`
	Email     string    `json:"email"`
	IssuedAt  time.Time `json:"issued_at"`
}

// NormalizedIdentityClaim is the protocol-neutral identity a driver
// extracts from a verified assertion or token. It is consumed immediately
// by the login state machine and never persisted as-is.
type NormalizedIdentityClaim struct {
	Email             string
	EmailVerified     bool
	FirstName         string
	LastName          string
	Username          string
	Role              string
	ProviderSubjectID string
}

// OutcomeState is a terminal state of the login state machine.
type OutcomeState string

const (
	OutcomeAuthenticated OutcomeState = "authenticated"
	OutcomePendingMFA    OutcomeState = "pending_mfa"
	OutcomeRejected      OutcomeState = "rejected"
)

// SessionOutcome is the result of handling a verified identity claim.
type SessionOutcome struct {
	State OutcomeState

	// Set for Authenticated and PendingMFA.
	User   *auth.User
	Member *auth.TeamMember

	// PendingVerifications lists the second factors the user must still
	// complete; non-empty exactly when State is PendingMFA.
	PendingVerifications []string

	// Provisioned is true when this login created the team membership
	// just-in-time.
	Provisioned bool

	// Reason carries the taxonomy error for Rejected outcomes.
	Reason error
}
