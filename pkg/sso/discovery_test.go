package sso

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testDB satisfies DBProvider with a single mock connection standing in
// for both the primary and the replica.
type testDB struct {
	db *sql.DB
}

func (t *testDB) Primary() *sql.DB { return t.db }
func (t *testDB) Replica() *sql.DB { return t.db }

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(&testDB{db: db}), mock
}

func domainRow(teamID int64, status DomainStatus) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "domain", "team_id", "status", "verification_code", "verified_at", "created_at"}).
		AddRow(1, "corp.example", teamID, status, "skyhook-domain-verification=ab12", nil, time.Now())
}

func loginConfigRow(teamID int64, enabled bool, provider ProviderKind) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{"id", "team_id", "sso_enabled", "provider", "require_mfa",
		"jit_provisioning_enabled", "allowed_mfa_methods", "default_role", "created_at", "updated_at"}).
		AddRow(11, teamID, enabled, provider, false, true, []byte(`["email","totp"]`), "member", now, now)
}

func samlConfigRow() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "login_config_id", "entity_id", "idp_entity_id", "idp_sso_url",
		"idp_certificate", "want_assertions_signed", "sign_requests", "sp_certificate", "sp_private_key",
		"name_id_format", "attribute_mapping"}).
		AddRow(21, 11, "https://skyhook.dev/saml", "https://idp.corp.example", "https://idp.corp.example/sso",
			"Y2VydA==", true, false, "", "", "", []byte(`{"email":"mail"}`))
}

func TestDiscovery_UnknownDomain(t *testing.T) {
	store, mock := newTestStore(t)
	d := NewDiscovery(store, newTestLogger())

	mock.ExpectQuery("SELECT id, domain, team_id").
		WithArgs("nowhere.example").
		WillReturnError(sql.ErrNoRows)

	available, err := d.Discover(context.Background(), "bob@nowhere.example")
	require.NoError(t, err)
	assert.False(t, available)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDiscovery_PendingDomainReadsAsUnavailable(t *testing.T) {
	store, mock := newTestStore(t)
	d := NewDiscovery(store, newTestLogger())

	mock.ExpectQuery("SELECT id, domain, team_id").
		WithArgs("corp.example").
		WillReturnRows(domainRow(7, DomainPending))

	available, err := d.Discover(context.Background(), "alice@corp.example")
	require.NoError(t, err)
	assert.False(t, available, "a pending claim must be indistinguishable from an unknown domain")
}

func TestDiscovery_DisabledSSOReadsAsUnavailable(t *testing.T) {
	store, mock := newTestStore(t)
	d := NewDiscovery(store, newTestLogger())

	mock.ExpectQuery("SELECT id, domain, team_id").
		WithArgs("corp.example").
		WillReturnRows(domainRow(7, DomainVerified))
	mock.ExpectQuery("SELECT id, team_id, sso_enabled").
		WithArgs(int64(7)).
		WillReturnRows(loginConfigRow(7, false, ProviderSAML))

	available, err := d.Discover(context.Background(), "alice@corp.example")
	require.NoError(t, err)
	assert.False(t, available)
}

func TestDiscovery_AvailableAndCached(t *testing.T) {
	store, mock := newTestStore(t)
	d := NewDiscovery(store, newTestLogger())

	mock.ExpectQuery("SELECT id, domain, team_id").
		WithArgs("corp.example").
		WillReturnRows(domainRow(7, DomainVerified))
	mock.ExpectQuery("SELECT id, team_id, sso_enabled").
		WithArgs(int64(7)).
		WillReturnRows(loginConfigRow(7, true, ProviderSAML))
	mock.ExpectQuery("SELECT id, login_config_id, entity_id").
		WithArgs(int64(11)).
		WillReturnRows(samlConfigRow())

	ctx := context.Background()
	available, err := d.Discover(ctx, "alice@corp.example")
	require.NoError(t, err)
	assert.True(t, available)

	// Second call is served from the cache: no further expectations.
	available, err = d.Discover(ctx, "bob@CORP.example")
	require.NoError(t, err)
	assert.True(t, available)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDiscovery_MalformedEmail(t *testing.T) {
	store, _ := newTestStore(t)
	d := NewDiscovery(store, newTestLogger())
	ctx := context.Background()

	for _, email := range []string{"", "no-at-sign", "@corp.example", "alice@"} {
		available, err := d.Discover(ctx, email)
		require.NoError(t, err, email)
		assert.False(t, available, email)
	}
}

func TestDiscovery_InfraErrorNotCached(t *testing.T) {
	store, mock := newTestStore(t)
	d := NewDiscovery(store, newTestLogger())
	ctx := context.Background()

	mock.ExpectQuery("SELECT id, domain, team_id").
		WithArgs("corp.example").
		WillReturnError(assert.AnError)

	_, err := d.Discover(ctx, "alice@corp.example")
	require.Error(t, err)

	// The failure did not poison the cache: the next call hits the
	// database again.
	mock.ExpectQuery("SELECT id, domain, team_id").
		WithArgs("corp.example").
		WillReturnRows(domainRow(7, DomainVerified))
	mock.ExpectQuery("SELECT id, team_id, sso_enabled").
		WithArgs(int64(7)).
		WillReturnRows(loginConfigRow(7, true, ProviderSAML))
	mock.ExpectQuery("SELECT id, login_config_id, entity_id").
		WithArgs(int64(11)).
		WillReturnRows(samlConfigRow())

	available, err := d.Discover(ctx, "alice@corp.example")
	require.NoError(t, err)
	assert.True(t, available)
}

func TestDiscovery_Resolve(t *testing.T) {
	store, mock := newTestStore(t)
	d := NewDiscovery(store, newTestLogger())
	ctx := context.Background()

	mock.ExpectQuery("SELECT id, domain, team_id").
		WithArgs("corp.example").
		WillReturnRows(domainRow(7, DomainVerified))
	mock.ExpectQuery("SELECT id, team_id, sso_enabled").
		WithArgs(int64(7)).
		WillReturnRows(loginConfigRow(7, true, ProviderSAML))
	mock.ExpectQuery("SELECT id, login_config_id, entity_id").
		WithArgs(int64(11)).
		WillReturnRows(samlConfigRow())

	cfg, err := d.Resolve(ctx, "alice@corp.example")
	require.NoError(t, err)
	assert.Equal(t, int64(7), cfg.TeamID)
	assert.Equal(t, ProviderSAML, cfg.Provider)

	_, err = d.Resolve(ctx, "not-an-email")
	assert.ErrorIs(t, err, ErrSSONotAvailable)
}
