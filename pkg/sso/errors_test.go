package sso

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorCode(t *testing.T) {
	cases := map[error]string{
		ErrSSONotAvailable:     "SsoNotAvailable",
		ErrInvalidCSRF:         "InvalidCsrf",
		ErrInvalidAssertion:    "InvalidAssertion",
		ErrInvalidSignature:    "InvalidSignature",
		ErrAssertionExpired:    "AssertionExpiredOrInvalidAudience",
		ErrInvalidSession:      "InvalidSession",
		ErrProviderUnavailable: "ProviderUnavailable",
		ErrJITDisabled:         "JitDisabled",
		ErrUnverifiedEmail:     "UnverifiedEmail",
		ErrRateLimited:         "RateLimited",
	}
	for err, want := range cases {
		assert.Equal(t, want, ErrorCode(err))
	}

	assert.Equal(t, "InternalError", ErrorCode(errors.New("boom")))
	assert.Equal(t, "InvalidSignature", ErrorCode(fmt.Errorf("wrapped: %w", ErrInvalidSignature)),
		"wrapped taxonomy errors keep their code")
}
