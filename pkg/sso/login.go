package sso

import (
	"context"
	"errors"
	"fmt"

	"github.com/skyhookhq/skyhook/pkg/auth"
	"github.com/skyhookhq/skyhook/pkg/observability"
)

// FallbackMFAMethod is offered when MFA is required but the user has no
// enrolled factors; an email one-time code needs no enrollment.
const FallbackMFAMethod = "email"

// LoginStateMachine turns a verified external identity claim into a
// terminal session outcome: Authenticated, PendingMFA, or Rejected.
type LoginStateMachine struct {
	store       *Store
	provisioner *Provisioner
	logger      *observability.Logger
}

// NewLoginStateMachine creates the orchestrator behind both protocol
// drivers.
func NewLoginStateMachine(store *Store, provisioner *Provisioner, logger *observability.Logger) *LoginStateMachine {
	return &LoginStateMachine{
		store:       store,
		provisioner: provisioner,
		logger:      logger.WithComponent("login"),
	}
}

// HandleLogin decides provisioning, MFA requirement, and session
// issuance for a claim the protocol driver already verified. A returned
// error means infrastructure failure; policy denials come back as a
// Rejected outcome with the taxonomy reason.
func (m *LoginStateMachine) HandleLogin(ctx context.Context, teamID int64, claim *NormalizedIdentityClaim, cfg *LoginConfiguration) (*SessionOutcome, error) {
	log := m.logger.WithField("team_id", teamID)

	// The IdP must vouch for the address before it can resolve a user.
	if !claim.EmailVerified {
		log.Warn("rejecting login with unverified email")
		return rejected(ErrUnverifiedEmail), nil
	}
	if claim.Email == "" {
		log.Warn("rejecting claim without a mapped email")
		return rejected(fmt.Errorf("%w: claim has no email", ErrInvalidAssertion)), nil
	}

	user, err := m.store.GetUserByEmail(ctx, claim.Email)
	switch {
	case err == nil:
		// Known user; membership decides the path.
	case errors.Is(err, ErrNotFound):
		// JIT-create path.
		if !cfg.JITProvisioningEnabled {
			return rejected(ErrJITDisabled), nil
		}
		user, err = m.provisioner.EnsureUser(ctx, claim)
		if err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	if !user.IsActive {
		log.WithField("user_id", user.ID).Warn("rejecting login for deactivated user")
		return rejected(ErrInvalidSession), nil
	}

	provisioned := false
	member, err := m.store.GetTeamMember(ctx, teamID, user.ID)
	switch {
	case err == nil:
		// Returning member.
	case errors.Is(err, ErrNotFound):
		// JIT-add path: existing user, first login into this team.
		if !cfg.JITProvisioningEnabled {
			return rejected(ErrJITDisabled), nil
		}
		member, err = m.provisioner.EnsureMembership(ctx, teamID, user.ID, cfg.DefaultRole)
		if err != nil {
			return nil, err
		}
		provisioned = true
	default:
		return nil, err
	}

	// Role from the claim re-syncs on every successful login, not just at
	// creation.
	if role := auth.Role(claim.Role); role.Valid() && role != member.Role {
		if err := m.store.UpdateMemberRole(ctx, teamID, user.ID, role); err != nil {
			return nil, err
		}
		member.Role = role
	}

	if err := m.store.TouchLastLogin(ctx, user.ID); err != nil {
		return nil, err
	}

	// MFA applies uniformly: returning members and freshly JIT-added
	// members consult the same flag.
	if cfg.RequireMFA {
		pending, err := m.pendingFactors(ctx, user, cfg)
		if err != nil {
			return nil, err
		}
		log.WithField("user_id", user.ID).Info("sso login pending mfa")
		return &SessionOutcome{
			State:                OutcomePendingMFA,
			User:                 user,
			Member:               member,
			PendingVerifications: pending,
			Provisioned:          provisioned,
		}, nil
	}

	log.WithField("user_id", user.ID).Info("sso login authenticated")
	return &SessionOutcome{
		State:       OutcomeAuthenticated,
		User:        user,
		Member:      member,
		Provisioned: provisioned,
	}, nil
}

// pendingFactors computes the user's eligible second factors: enrolled
// factors filtered by the team's allow-list, with the email fallback
// guaranteeing the list is never empty while MFA is required.
func (m *LoginStateMachine) pendingFactors(ctx context.Context, user *auth.User, cfg *LoginConfiguration) ([]string, error) {
	methods, err := m.store.ListEnabledMFAMethods(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	if len(cfg.AllowedMFAMethods) > 0 {
		allowed := make(map[string]struct{}, len(cfg.AllowedMFAMethods))
		for _, a := range cfg.AllowedMFAMethods {
			allowed[a] = struct{}{}
		}
		filtered := methods[:0]
		for _, method := range methods {
			if _, ok := allowed[method]; ok {
				filtered = append(filtered, method)
			}
		}
		methods = filtered
	}

	if len(methods) == 0 {
		methods = []string{FallbackMFAMethod}
	}
	return methods, nil
}

func rejected(reason error) *SessionOutcome {
	return &SessionOutcome{State: OutcomeRejected, Reason: reason}
}
