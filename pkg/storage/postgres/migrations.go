package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/skyhookhq/skyhook/pkg/observability"
)

// Migration is one versioned schema change.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns the full schema, oldest first.
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create teams and users tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS teams (
					id BIGSERIAL PRIMARY KEY,
					name VARCHAR(255) NOT NULL,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE TABLE IF NOT EXISTS users (
					id BIGSERIAL PRIMARY KEY,
					email VARCHAR(320) NOT NULL,
					display_name VARCHAR(255) NOT NULL DEFAULT '',
					mfa_enabled BOOLEAN NOT NULL DEFAULT FALSE,
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
					last_login_at TIMESTAMP,
					UNIQUE(email)
				);

				CREATE INDEX idx_users_email ON users(email);
			`,
		},
		{
			Version:     2,
			Description: "Create team_members table",
			SQL: `
				CREATE TABLE IF NOT EXISTS team_members (
					id BIGSERIAL PRIMARY KEY,
					team_id BIGINT NOT NULL REFERENCES teams(id) ON DELETE CASCADE,
					user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					role VARCHAR(50) NOT NULL DEFAULT 'member',
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
					UNIQUE(team_id, user_id)
				);

				CREATE INDEX idx_team_members_team_id ON team_members(team_id);
				CREATE INDEX idx_team_members_user_id ON team_members(user_id);
			`,
		},
		{
			Version:     3,
			Description: "Create login_configurations table",
			SQL: `
				CREATE TABLE IF NOT EXISTS login_configurations (
					id BIGSERIAL PRIMARY KEY,
					team_id BIGINT NOT NULL REFERENCES teams(id) ON DELETE CASCADE,
					sso_enabled BOOLEAN NOT NULL DEFAULT FALSE,
					provider VARCHAR(10) NOT NULL,
					require_mfa BOOLEAN NOT NULL DEFAULT FALSE,
					jit_provisioning_enabled BOOLEAN NOT NULL DEFAULT FALSE,
					allowed_mfa_methods JSONB NOT NULL DEFAULT '[]',
					default_role VARCHAR(50) NOT NULL DEFAULT 'member',
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
					UNIQUE(team_id)
				);
			`,
		},
		{
			Version:     4,
			Description: "Create saml_configurations and oidc_configurations tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS saml_configurations (
					id BIGSERIAL PRIMARY KEY,
					login_config_id BIGINT NOT NULL REFERENCES login_configurations(id) ON DELETE CASCADE,
					entity_id VARCHAR(1024) NOT NULL,
					idp_entity_id VARCHAR(1024) NOT NULL,
					idp_sso_url VARCHAR(1024) NOT NULL,
					idp_certificate TEXT NOT NULL,
					want_assertions_signed BOOLEAN NOT NULL DEFAULT TRUE,
					sign_requests BOOLEAN NOT NULL DEFAULT FALSE,
					sp_certificate TEXT NOT NULL DEFAULT '',
					sp_private_key TEXT NOT NULL DEFAULT '',
					name_id_format VARCHAR(255) NOT NULL DEFAULT '',
					attribute_mapping JSONB NOT NULL DEFAULT '{}',
					UNIQUE(login_config_id)
				);

				CREATE TABLE IF NOT EXISTS oidc_configurations (
					id BIGSERIAL PRIMARY KEY,
					login_config_id BIGINT NOT NULL REFERENCES login_configurations(id) ON DELETE CASCADE,
					issuer VARCHAR(1024) NOT NULL,
					client_id VARCHAR(255) NOT NULL,
					encrypted_client_secret TEXT NOT NULL,
					authorization_endpoint VARCHAR(1024) NOT NULL,
					token_endpoint VARCHAR(1024) NOT NULL,
					userinfo_endpoint VARCHAR(1024) NOT NULL DEFAULT '',
					jwks_uri VARCHAR(1024) NOT NULL DEFAULT '',
					scopes JSONB NOT NULL DEFAULT '[]',
					attribute_mapping JSONB NOT NULL DEFAULT '{}',
					UNIQUE(login_config_id)
				);
			`,
		},
		{
			Version:     5,
			Description: "Create domain_verifications table",
			SQL: `
				CREATE TABLE IF NOT EXISTS domain_verifications (
					id BIGSERIAL PRIMARY KEY,
					domain VARCHAR(255) NOT NULL,
					team_id BIGINT NOT NULL REFERENCES teams(id) ON DELETE CASCADE,
					status VARCHAR(20) NOT NULL DEFAULT 'pending',
					verification_code VARCHAR(100) NOT NULL,
					verified_at TIMESTAMP,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					UNIQUE(domain)
				);

				CREATE INDEX idx_domain_verifications_team_id ON domain_verifications(team_id);
				CREATE INDEX idx_domain_verifications_status ON domain_verifications(status);
			`,
		},
		{
			Version:     6,
			Description: "Create user_mfa_factors table",
			SQL: `
				CREATE TABLE IF NOT EXISTS user_mfa_factors (
					id BIGSERIAL PRIMARY KEY,
					user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					method VARCHAR(20) NOT NULL,
					enabled BOOLEAN NOT NULL DEFAULT TRUE,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					UNIQUE(user_id, method)
				);

				CREATE INDEX idx_user_mfa_factors_user_id ON user_mfa_factors(user_id);
			`,
		},
		{
			Version:     7,
			Description: "Create auth_audit_log table",
			SQL: `
				CREATE TABLE IF NOT EXISTS auth_audit_log (
					id BIGSERIAL PRIMARY KEY,
					action VARCHAR(50) NOT NULL,
					outcome VARCHAR(20) NOT NULL,
					team_id BIGINT,
					user_id BIGINT,
					email VARCHAR(320) NOT NULL DEFAULT '',
					provider VARCHAR(10) NOT NULL DEFAULT '',
					detail TEXT NOT NULL DEFAULT '',
					ip VARCHAR(45) NOT NULL DEFAULT '',
					created_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE INDEX idx_auth_audit_log_team_id ON auth_audit_log(team_id, created_at);
				CREATE INDEX idx_auth_audit_log_created_at ON auth_audit_log(created_at);
			`,
		},
	}
}

// RunMigrations applies every migration that is not yet recorded in the
// schema_migrations tracking table, each in its own transaction.
func RunMigrations(ctx context.Context, db *sql.DB, logger *observability.Logger) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}
	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read migration versions: %w", err)
	}

	for _, migration := range GetMigrations() {
		if applied[migration.Version] {
			continue
		}

		logger.WithFields(map[string]interface{}{
			"version":     migration.Version,
			"description": migration.Description,
		}).Info("running migration")

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}
		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_migrations (version, description) VALUES ($1, $2)",
			migration.Version, migration.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
	}

	return nil
}
