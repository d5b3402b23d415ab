package sso

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strings"
	"time"

	saml2 "github.com/russellhaering/gosaml2"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/skyhookhq/skyhook/pkg/observability"
)

const samlAssertionReplayKind = "saml-assertion"

// SAMLDriver implements SP-initiated SAML 2.0 login against per-team IdP
// configurations.
type SAMLDriver struct {
	authnRequests AuthnRequestStore
	replay        ReplayGuard
	baseURL       string
	attemptTTL    time.Duration
	logger        *observability.Logger
}

// NewSAMLDriver creates a SAML driver. attemptTTL bounds how long an
// issued AuthnRequest stays valid for correlation.
func NewSAMLDriver(authnRequests AuthnRequestStore, replay ReplayGuard, baseURL string, attemptTTL time.Duration, logger *observability.Logger) *SAMLDriver {
	return &SAMLDriver{
		authnRequests: authnRequests,
		replay:        replay,
		baseURL:       strings.TrimRight(baseURL, "/"),
		attemptTTL:    attemptTTL,
		logger:        logger.WithComponent("saml"),
	}
}

// ACSPath returns the assertion consumer service path for a team.
func ACSPath(teamID int64) string {
	return fmt.Sprintf("/api/auth/sso/saml/%d/acs", teamID)
}

// StartLogin builds an AuthnRequest, records it for InResponseTo
// correlation, and returns the IdP redirect URL. relayState is passed
// through verbatim; it is validated only at callback time.
func (d *SAMLDriver) StartLogin(ctx context.Context, teamID int64, cfg *SAMLConfiguration, email, relayState string) (string, error) {
	sp, err := d.serviceProvider(teamID, cfg)
	if err != nil {
		return "", err
	}

	doc, err := sp.BuildAuthRequestDocument()
	if err != nil {
		return "", fmt.Errorf("failed to build authn request: %w", err)
	}

	requestID := doc.Root().SelectAttrValue("ID", "")
	if requestID == "" {
		return "", fmt.Errorf("authn request has no ID")
	}

	rec := &AuthnRequestRecord{
		RequestID: requestID,
		TeamID:    teamID,
		Email:     email,
		IssuedAt:  time.Now().UTC(),
	}
	if err := d.authnRequests.Put(ctx, rec, d.attemptTTL); err != nil {
		return "", err
	}

	// BuildAuthURLRedirect deflates and base64-encodes the request into
	// the SAMLRequest query parameter per the HTTP-Redirect binding.
	redirectURL, err := sp.BuildAuthURLRedirect(relayState, doc)
	if err != nil {
		return "", fmt.Errorf("failed to build redirect URL: %w", err)
	}
	return redirectURL, nil
}

// HandleACS verifies a posted SAMLResponse and extracts the normalized
// identity claim. Every failure maps onto the taxonomy; the caller turns
// all of them into redirects.
func (d *SAMLDriver) HandleACS(ctx context.Context, teamID int64, cfg *SAMLConfiguration, samlResponse string) (*NormalizedIdentityClaim, error) {
	if samlResponse == "" {
		return nil, ErrInvalidAssertion
	}
	if _, err := base64.StdEncoding.DecodeString(samlResponse); err != nil {
		return nil, fmt.Errorf("%w: response is not base64", ErrInvalidAssertion)
	}

	sp, err := d.serviceProvider(teamID, cfg)
	if err != nil {
		return nil, err
	}

	assertionInfo, err := sp.RetrieveAssertionInfo(samlResponse)
	if err != nil {
		return nil, classifySAMLError(err)
	}

	if warnings := assertionInfo.WarningInfo; warnings != nil {
		if warnings.InvalidTime || warnings.NotInAudience {
			return nil, ErrAssertionExpired
		}
	}

	// SP-initiated only: the assertion must answer a live AuthnRequest.
	// Consuming the record deletes it, so the second submission of an
	// identical response finds nothing and fails here. The record stays
	// consumed regardless of downstream outcome.
	inResponseTo := extractInResponseTo(assertionInfo)
	rec, err := d.authnRequests.Consume(ctx, inResponseTo)
	if err != nil {
		return nil, err
	}
	if rec.TeamID != teamID {
		return nil, ErrInvalidSession
	}

	// Belt and suspenders on top of InResponseTo: the assertion's own ID
	// is single-use for the length of its validity window.
	if assertionID := extractAssertionID(assertionInfo); assertionID != "" {
		first, err := d.replay.MarkConsumed(ctx, samlAssertionReplayKind, assertionID, d.attemptTTL)
		if err != nil {
			return nil, err
		}
		if !first {
			return nil, ErrInvalidSession
		}
	}

	claim := d.extractClaim(cfg, assertionInfo)
	d.logger.WithFields(map[string]interface{}{
		"team_id": teamID,
		"subject": claim.ProviderSubjectID,
	}).Debug("saml assertion verified")

	return claim, nil
}

// extractClaim resolves the attribute mapping against the assertion's
// AttributeStatement and Subject/NameID. An absent attribute leaves the
// field empty; it never fails.
func (d *SAMLDriver) extractClaim(cfg *SAMLConfiguration, info *saml2.AssertionInfo) *NormalizedIdentityClaim {
	get := func(field string) string {
		attr := cfg.AttributeMapping.Resolve(field)
		if attr == "" {
			return ""
		}
		return info.Values.Get(attr)
	}

	claim := &NormalizedIdentityClaim{
		Email:             get(ClaimEmail),
		FirstName:         get(ClaimFirstName),
		LastName:          get(ClaimLastName),
		Username:          get(ClaimUsername),
		Role:              get(ClaimRole),
		ProviderSubjectID: info.NameID,
		// A signed assertion from the team's IdP vouches for the address;
		// SAML has no separate email_verified flag.
		EmailVerified: true,
	}

	if claim.Email == "" && strings.Contains(info.NameID, "@") {
		claim.Email = info.NameID
	}
	return claim
}

// serviceProvider builds a gosaml2 service provider for a team's config.
func (d *SAMLDriver) serviceProvider(teamID int64, cfg *SAMLConfiguration) (*saml2.SAMLServiceProvider, error) {
	// The IdP certificate is stored as base64 DER without a PEM envelope.
	der, err := base64.StdEncoding.DecodeString(strings.TrimSpace(cfg.IDPCertificate))
	if err != nil {
		return nil, fmt.Errorf("failed to decode idp certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse idp certificate: %w", err)
	}

	certStore := &dsig.MemoryX509CertificateStore{
		Roots: []*x509.Certificate{cert},
	}

	sp := &saml2.SAMLServiceProvider{
		IdentityProviderSSOURL:      cfg.IDPSSOURL,
		IdentityProviderIssuer:      cfg.IDPEntityID,
		ServiceProviderIssuer:       cfg.EntityID,
		AssertionConsumerServiceURL: d.baseURL + ACSPath(teamID),
		AudienceURI:                 cfg.EntityID,
		IDPCertificateStore:         certStore,
		SignAuthnRequests:           cfg.SignRequests,
		// Some IdPs sign only the response envelope, not the assertion;
		// teams opting out of assertion signatures skip that check.
		SkipSignatureValidation: !cfg.WantAssertionsSigned,
	}
	if cfg.NameIDFormat != "" {
		sp.NameIdFormat = cfg.NameIDFormat
	}

	if cfg.SignRequests {
		keyStore, err := spKeyStore(cfg)
		if err != nil {
			return nil, err
		}
		sp.SPKeyStore = keyStore
	}

	return sp, nil
}

// spKeyStore parses the SP signing key pair for IdPs that require signed
// AuthnRequests.
func spKeyStore(cfg *SAMLConfiguration) (dsig.X509KeyStore, error) {
	keyBlock, _ := pem.Decode([]byte(cfg.SPPrivateKey))
	if keyBlock == nil {
		return nil, fmt.Errorf("sign_requests is set but sp private key is not valid PEM")
	}

	privateKey, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		pkcs8Key, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse sp private key: %w", err)
		}
		var ok bool
		privateKey, ok = pkcs8Key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("sp private key is not RSA")
		}
	}

	certBlock, _ := pem.Decode([]byte(cfg.SPCertificate))
	if certBlock == nil {
		return nil, fmt.Errorf("sign_requests is set but sp certificate is not valid PEM")
	}

	return &dsig.TLSCertKeyStore{
		PrivateKey:  privateKey,
		Certificate: [][]byte{certBlock.Bytes},
	}, nil
}

// classifySAMLError maps gosaml2 verification failures onto the taxonomy.
func classifySAMLError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "signature"):
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	case strings.Contains(msg, "expired"), strings.Contains(msg, "audience"),
		strings.Contains(msg, "notbefore"), strings.Contains(msg, "notonorafter"):
		return fmt.Errorf("%w: %v", ErrAssertionExpired, err)
	default:
		return fmt.Errorf("%w: %v", ErrInvalidAssertion, err)
	}
}

func extractInResponseTo(info *saml2.AssertionInfo) string {
	for i := range info.Assertions {
		subject := info.Assertions[i].Subject
		if subject == nil || subject.SubjectConfirmation == nil {
			continue
		}
		data := subject.SubjectConfirmation.SubjectConfirmationData
		if data != nil && data.InResponseTo != "" {
			return data.InResponseTo
		}
	}
	return ""
}

func extractAssertionID(info *saml2.AssertionInfo) string {
	if len(info.Assertions) == 0 {
		return ""
	}
	return info.Assertions[0].ID
}
