package sso

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/skyhookhq/skyhook/pkg/auth"
)

// Provisioner performs just-in-time user and membership creation. All
// idempotency comes from database uniqueness constraints, not in-process
// locks: two concurrent logins for the same identity race harmlessly.
type Provisioner struct {
	db DBProvider
}

// NewProvisioner creates a provisioner.
func NewProvisioner(db DBProvider) *Provisioner {
	return &Provisioner{db: db}
}

// EnsureUser finds or creates the platform user for a claim. Creation is
// idempotent under the unique constraint on email: a concurrent
// duplicate insert hits ON CONFLICT DO NOTHING and the follow-up select
// returns the winner's row.
func (p *Provisioner) EnsureUser(ctx context.Context, claim *NormalizedIdentityClaim) (*auth.User, error) {
	displayName := displayNameFromClaim(claim)

	_, err := p.db.Primary().ExecContext(ctx, `
		INSERT INTO users (email, display_name, mfa_enabled, is_active, created_at, updated_at)
		VALUES ($1, $2, false, true, NOW(), NOW())
		ON CONFLICT (email) DO NOTHING
	`, claim.Email, displayName)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	u := &auth.User{}
	err = p.db.Primary().QueryRowContext(ctx, `
		SELECT id, email, display_name, mfa_enabled, is_active,
			created_at, updated_at, last_login_at
		FROM users
		WHERE email = $1
	`, claim.Email).Scan(&u.ID, &u.Email, &u.DisplayName, &u.MFAEnabled,
		&u.IsActive, &u.CreatedAt, &u.UpdatedAt, &u.LastLoginAt)
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return u, nil
}

// EnsureMembership creates the (team, user) membership if absent. The
// unique constraint on (team_id, user_id) makes a concurrent duplicate a
// no-op; "membership already exists" is success, never an error, so
// re-login can never produce a second row.
func (p *Provisioner) EnsureMembership(ctx context.Context, teamID, userID int64, role auth.Role) (*auth.TeamMember, error) {
	if !role.Valid() {
		role = auth.RoleMember
	}

	_, err := p.db.Primary().ExecContext(ctx, `
		INSERT INTO team_members (team_id, user_id, role, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (team_id, user_id) DO NOTHING
	`, teamID, userID, role)
	if err != nil {
		return nil, fmt.Errorf("failed to create membership: %w", err)
	}

	m := &auth.TeamMember{}
	err = p.db.Primary().QueryRowContext(ctx, `
		SELECT id, team_id, user_id, role, created_at, updated_at
		FROM team_members
		WHERE team_id = $1 AND user_id = $2
	`, teamID, userID).Scan(&m.ID, &m.TeamID, &m.UserID, &m.Role,
		&m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load membership: %w", err)
	}
	return m, nil
}

func displayNameFromClaim(claim *NormalizedIdentityClaim) string {
	if claim.FirstName != "" || claim.LastName != "" {
		return strings.TrimSpace(claim.FirstName + " " + claim.LastName)
	}
	if claim.Username != "" {
		return claim.Username
	}
	return claim.Email
}
