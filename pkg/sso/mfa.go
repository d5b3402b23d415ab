package sso

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/skyhookhq/skyhook/pkg/observability"
)

// EmailSender dispatches one-time codes. Email rendering and delivery
// live outside this service; this is the collaborator contract.
type EmailSender interface {
	SendOTP(ctx context.Context, email, code string) error
}

// ErrInvalidOTP is returned for a wrong, expired, or already-used code.
var ErrInvalidOTP = errors.New("invalid verification code")

const (
	otpKeyPrefix = "skyhook:otp:"
	otpDigits    = 6
)

// OTPIssuer issues and checks email one-time codes for pending-MFA
// sessions. Codes are single-use: the check consumes the stored value
// atomically, so a code can never verify twice.
type OTPIssuer struct {
	client *redis.Client
	sender EmailSender
	ttl    time.Duration
	logger *observability.Logger
}

// NewOTPIssuer creates an issuer. ttl bounds how long an issued code
// stays valid.
func NewOTPIssuer(client *redis.Client, sender EmailSender, ttl time.Duration, logger *observability.Logger) *OTPIssuer {
	return &OTPIssuer{
		client: client,
		sender: sender,
		ttl:    ttl,
		logger: logger.WithComponent("otp"),
	}
}

// Issue generates a code for the session and dispatches it to the
// user's email. Reissuing replaces any outstanding code.
func (o *OTPIssuer) Issue(ctx context.Context, sessionID, email string) error {
	code, err := randomDigits(otpDigits)
	if err != nil {
		return err
	}

	if err := o.client.Set(ctx, otpKeyPrefix+sessionID, code, o.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store otp: %w", err)
	}

	if err := o.sender.SendOTP(ctx, email, code); err != nil {
		// The code stays stored; the user can request a resend.
		o.logger.WithError(err).Error("failed to dispatch otp email")
		return fmt.Errorf("failed to send verification code: %w", err)
	}
	return nil
}

// Check consumes the session's outstanding code and compares it. Any
// mismatch, absence, or reuse reads identically as ErrInvalidOTP.
func (o *OTPIssuer) Check(ctx context.Context, sessionID, code string) error {
	if code == "" {
		return ErrInvalidOTP
	}

	stored, err := o.client.GetDel(ctx, otpKeyPrefix+sessionID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrInvalidOTP
		}
		return fmt.Errorf("failed to load otp: %w", err)
	}

	if stored != code {
		return ErrInvalidOTP
	}
	return nil
}

func randomDigits(n int) (string, error) {
	max := big.NewInt(10)
	out := make([]byte, n)
	for i := range out {
		d, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate otp: %w", err)
		}
		out[i] = byte('0' + d.Int64())
	}
	return string(out), nil
}
