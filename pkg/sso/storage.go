package sso

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/skyhookhq/skyhook/pkg/auth"
)

// ErrNotFound is returned when a configuration or domain row is absent.
var ErrNotFound = errors.New("not found")

// DBProvider supplies the primary and replica connections. The login hot
// path reads from the primary so it observes its own writes; discovery
// and listings read from replicas.
type DBProvider interface {
	Primary() *sql.DB
	Replica() *sql.DB
}

// Store persists SSO configuration and the identity rows the login flows
// touch.
type Store struct {
	db DBProvider
}

// NewStore creates a store over the given connections.
func NewStore(db DBProvider) *Store {
	return &Store{db: db}
}

// UpsertLoginConfiguration creates or replaces a team's SSO policy.
func (s *Store) UpsertLoginConfiguration(ctx context.Context, cfg *LoginConfiguration) error {
	methods, err := json.Marshal(cfg.AllowedMFAMethods)
	if err != nil {
		return fmt.Errorf("failed to marshal mfa methods: %w", err)
	}

	err = s.db.Primary().QueryRowContext(ctx, `
		INSERT INTO login_configurations (
			team_id, sso_enabled, provider, require_mfa,
			jit_provisioning_enabled, allowed_mfa_methods, default_role,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		ON CONFLICT (team_id) DO UPDATE SET
			sso_enabled = EXCLUDED.sso_enabled,
			provider = EXCLUDED.provider,
			require_mfa = EXCLUDED.require_mfa,
			jit_provisioning_enabled = EXCLUDED.jit_provisioning_enabled,
			allowed_mfa_methods = EXCLUDED.allowed_mfa_methods,
			default_role = EXCLUDED.default_role,
			updated_at = NOW()
		RETURNING id
	`, cfg.TeamID, cfg.SSOEnabled, cfg.Provider, cfg.RequireMFA,
		cfg.JITProvisioningEnabled, methods, cfg.DefaultRole).Scan(&cfg.ID)

	return err
}

// GetLoginConfigurationByTeam loads a team's SSO policy from the primary.
func (s *Store) GetLoginConfigurationByTeam(ctx context.Context, teamID int64) (*LoginConfiguration, error) {
	return s.scanLoginConfiguration(s.db.Primary().QueryRowContext(ctx, `
		SELECT id, team_id, sso_enabled, provider, require_mfa,
			jit_provisioning_enabled, allowed_mfa_methods, default_role,
			created_at, updated_at
		FROM login_configurations
		WHERE team_id = $1
	`, teamID))
}

func (s *Store) scanLoginConfiguration(row *sql.Row) (*LoginConfiguration, error) {
	var methods []byte
	cfg := &LoginConfiguration{}
	err := row.Scan(&cfg.ID, &cfg.TeamID, &cfg.SSOEnabled, &cfg.Provider,
		&cfg.RequireMFA, &cfg.JITProvisioningEnabled, &methods,
		&cfg.DefaultRole, &cfg.CreatedAt, &cfg.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(methods) > 0 {
		if err := json.Unmarshal(methods, &cfg.AllowedMFAMethods); err != nil {
			return nil, fmt.Errorf("failed to unmarshal mfa methods: %w", err)
		}
	}
	return cfg, nil
}

// UpsertSAMLConfiguration creates or replaces a team's SAML settings.
func (s *Store) UpsertSAMLConfiguration(ctx context.Context, cfg *SAMLConfiguration) error {
	if err := cfg.AttributeMapping.Validate(); err != nil {
		return err
	}
	mapping, err := json.Marshal(cfg.AttributeMapping)
	if err != nil {
		return fmt.Errorf("failed to marshal attribute mapping: %w", err)
	}

	err = s.db.Primary().QueryRowContext(ctx, `
		INSERT INTO saml_configurations (
			login_config_id, entity_id, idp_entity_id, idp_sso_url,
			idp_certificate, want_assertions_signed, sign_requests,
			sp_certificate, sp_private_key, name_id_format, attribute_mapping
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (login_config_id) DO UPDATE SET
			entity_id = EXCLUDED.entity_id,
			idp_entity_id = EXCLUDED.idp_entity_id,
			idp_sso_url = EXCLUDED.idp_sso_url,
			idp_certificate = EXCLUDED.idp_certificate,
			want_assertions_signed = EXCLUDED.want_assertions_signed,
			sign_requests = EXCLUDED.sign_requests,
			sp_certificate = EXCLUDED.sp_certificate,
			sp_private_key = EXCLUDED.sp_private_key,
			name_id_format = EXCLUDED.name_id_format,
			attribute_mapping = EXCLUDED.attribute_mapping
		RETURNING id
	`, cfg.LoginConfigID, cfg.EntityID, cfg.IDPEntityID, cfg.IDPSSOURL,
		cfg.IDPCertificate, cfg.WantAssertionsSigned, cfg.SignRequests,
		cfg.SPCertificate, cfg.SPPrivateKey, cfg.NameIDFormat, mapping).Scan(&cfg.ID)

	return err
}

// GetSAMLConfiguration loads the SAML settings for a login configuration.
func (s *Store) GetSAMLConfiguration(ctx context.Context, loginConfigID int64) (*SAMLConfiguration, error) {
	var mapping []byte
	cfg := &SAMLConfiguration{}
	err := s.db.Primary().QueryRowContext(ctx, `
		SELECT id, login_config_id, entity_id, idp_entity_id, idp_sso_url,
			idp_certificate, want_assertions_signed, sign_requests,
			sp_certificate, sp_private_key, name_id_format, attribute_mapping
		FROM saml_configurations
		WHERE login_config_id = $1
	`, loginConfigID).Scan(&cfg.ID, &cfg.LoginConfigID, &cfg.EntityID,
		&cfg.IDPEntityID, &cfg.IDPSSOURL, &cfg.IDPCertificate,
		&cfg.WantAssertionsSigned, &cfg.SignRequests, &cfg.SPCertificate,
		&cfg.SPPrivateKey, &cfg.NameIDFormat, &mapping)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(mapping, &cfg.AttributeMapping); err != nil {
		return nil, fmt.Errorf("failed to unmarshal attribute mapping: %w", err)
	}
	return cfg, nil
}

// UpsertOIDCConfiguration creates or replaces a team's OIDC settings.
// The caller encrypts the client secret before handing it over.
func (s *Store) UpsertOIDCConfiguration(ctx context.Context, cfg *OIDCConfiguration) error {
	if err := cfg.AttributeMapping.Validate(); err != nil {
		return err
	}
	mapping, err := json.Marshal(cfg.AttributeMapping)
	if err != nil {
		return fmt.Errorf("failed to marshal attribute mapping: %w", err)
	}
	scopes, err := json.Marshal(cfg.Scopes)
	if err != nil {
		return fmt.Errorf("failed to marshal scopes: %w", err)
	}

	err = s.db.Primary().QueryRowContext(ctx, `
		INSERT INTO oidc_configurations (
			login_config_id, issuer, client_id, encrypted_client_secret,
			authorization_endpoint, token_endpoint, userinfo_endpoint,
			jwks_uri, scopes, attribute_mapping
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (login_config_id) DO UPDATE SET
			issuer = EXCLUDED.issuer,
			client_id = EXCLUDED.client_id,
			encrypted_client_secret = EXCLUDED.encrypted_client_secret,
			authorization_endpoint = EXCLUDED.authorization_endpoint,
			token_endpoint = EXCLUDED.token_endpoint,
			userinfo_endpoint = EXCLUDED.userinfo_endpoint,
			jwks_uri = EXCLUDED.jwks_uri,
			scopes = EXCLUDED.scopes,
			attribute_mapping = EXCLUDED.attribute_mapping
		RETURNING id
	`, cfg.LoginConfigID, cfg.Issuer, cfg.ClientID, cfg.EncryptedClientSecret,
		cfg.AuthorizationEndpoint, cfg.TokenEndpoint, cfg.UserinfoEndpoint,
		cfg.JWKSURI, scopes, mapping).Scan(&cfg.ID)

	return err
}

// GetOIDCConfiguration loads the OIDC settings for a login configuration.
func (s *Store) GetOIDCConfiguration(ctx context.Context, loginConfigID int64) (*OIDCConfiguration, error) {
	var mapping, scopes []byte
	cfg := &OIDCConfiguration{}
	err := s.db.Primary().QueryRowContext(ctx, `
		SELECT id, login_config_id, issuer, client_id, encrypted_client_secret,
			authorization_endpoint, token_endpoint, userinfo_endpoint,
			jwks_uri, scopes, attribute_mapping
		FROM oidc_configurations
		WHERE login_config_id = $1
	`, loginConfigID).Scan(&cfg.ID, &cfg.LoginConfigID, &cfg.Issuer,
		&cfg.ClientID, &cfg.EncryptedClientSecret, &cfg.AuthorizationEndpoint,
		&cfg.TokenEndpoint, &cfg.UserinfoEndpoint, &cfg.JWKSURI,
		&scopes, &mapping)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(scopes, &cfg.Scopes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal scopes: %w", err)
	}
	if err := json.Unmarshal(mapping, &cfg.AttributeMapping); err != nil {
		return nil, fmt.Errorf("failed to unmarshal attribute mapping: %w", err)
	}
	return cfg, nil
}

// CreateDomainVerification registers a PENDING domain claim for a team.
// The unique constraint on domain enforces at-most-one owning team.
func (s *Store) CreateDomainVerification(ctx context.Context, dv *DomainVerification) error {
	return s.db.Primary().QueryRowContext(ctx, `
		INSERT INTO domain_verifications (domain, team_id, status, verification_code, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		RETURNING id, created_at
	`, dv.Domain, dv.TeamID, DomainPending, dv.VerificationCode).Scan(&dv.ID, &dv.CreatedAt)
}

// GetDomainVerification loads the verification row for a domain, reading
// from a replica; discovery tolerates replication lag.
func (s *Store) GetDomainVerification(ctx context.Context, domain string) (*DomainVerification, error) {
	dv := &DomainVerification{}
	err := s.db.Replica().QueryRowContext(ctx, `
		SELECT id, domain, team_id, status, verification_code, verified_at, created_at
		FROM domain_verifications
		WHERE domain = $1
	`, domain).Scan(&dv.ID, &dv.Domain, &dv.TeamID, &dv.Status,
		&dv.VerificationCode, &dv.VerifiedAt, &dv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return dv, nil
}

// VerifyDomain flips a PENDING domain to VERIFIED when the code matches.
func (s *Store) VerifyDomain(ctx context.Context, domain, code string) error {
	res, err := s.db.Primary().ExecContext(ctx, `
		UPDATE domain_verifications
		SET status = $1, verified_at = NOW()
		WHERE domain = $2 AND verification_code = $3 AND status = $4
	`, DomainVerified, domain, code, DomainPending)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListTeamDomains lists a team's domain claims.
func (s *Store) ListTeamDomains(ctx context.Context, teamID int64) ([]*DomainVerification, error) {
	rows, err := s.db.Replica().QueryContext(ctx, `
		SELECT id, domain, team_id, status, verification_code, verified_at, created_at
		FROM domain_verifications
		WHERE team_id = $1
		ORDER BY domain
	`, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var domains []*DomainVerification
	for rows.Next() {
		dv := &DomainVerification{}
		if err := rows.Scan(&dv.ID, &dv.Domain, &dv.TeamID, &dv.Status,
			&dv.VerificationCode, &dv.VerifiedAt, &dv.CreatedAt); err != nil {
			return nil, err
		}
		domains = append(domains, dv)
	}
	return domains, rows.Err()
}

// PurgeStalePendingDomains deletes PENDING claims older than the cutoff,
// returning how many were removed.
func (s *Store) PurgeStalePendingDomains(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.Primary().ExecContext(ctx, `
		DELETE FROM domain_verifications
		WHERE status = $1 AND created_at < $2
	`, DomainPending, olderThan)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GetUserByEmail resolves a platform user by email on the primary.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*auth.User, error) {
	u := &auth.User{}
	err := s.db.Primary().QueryRowContext(ctx, `
		SELECT id, email, display_name, mfa_enabled, is_active,
			created_at, updated_at, last_login_at
		FROM users
		WHERE email = $1
	`, email).Scan(&u.ID, &u.Email, &u.DisplayName, &u.MFAEnabled,
		&u.IsActive, &u.CreatedAt, &u.UpdatedAt, &u.LastLoginAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

// GetTeamMember loads the membership row for (teamID, userID).
func (s *Store) GetTeamMember(ctx context.Context, teamID, userID int64) (*auth.TeamMember, error) {
	m := &auth.TeamMember{}
	err := s.db.Primary().QueryRowContext(ctx, `
		SELECT id, team_id, user_id, role, created_at, updated_at
		FROM team_members
		WHERE team_id = $1 AND user_id = $2
	`, teamID, userID).Scan(&m.ID, &m.TeamID, &m.UserID, &m.Role,
		&m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// UpdateMemberRole re-syncs a membership role from the latest claim.
func (s *Store) UpdateMemberRole(ctx context.Context, teamID, userID int64, role auth.Role) error {
	_, err := s.db.Primary().ExecContext(ctx, `
		UPDATE team_members
		SET role = $1, updated_at = NOW()
		WHERE team_id = $2 AND user_id = $3
	`, role, teamID, userID)
	return err
}

// TouchLastLogin records a successful login time.
func (s *Store) TouchLastLogin(ctx context.Context, userID int64) error {
	_, err := s.db.Primary().ExecContext(ctx, `
		UPDATE users SET last_login_at = NOW(), updated_at = NOW() WHERE id = $1
	`, userID)
	return err
}

// ListEnabledMFAMethods lists the second factors a user has enabled.
func (s *Store) ListEnabledMFAMethods(ctx context.Context, userID int64) ([]string, error) {
	rows, err := s.db.Primary().QueryContext(ctx, `
		SELECT method FROM user_mfa_factors
		WHERE user_id = $1 AND enabled = true
		ORDER BY method
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var methods []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		methods = append(methods, m)
	}
	return methods, rows.Err()
}
