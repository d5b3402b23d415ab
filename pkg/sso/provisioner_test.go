package sso

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyhookhq/skyhook/pkg/auth"
)

func userRow(id int64, email string, active bool) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{"id", "email", "display_name", "mfa_enabled", "is_active",
		"created_at", "updated_at", "last_login_at"}).
		AddRow(id, email, "Alice Harper", false, active, now, now, nil)
}

func memberRow(teamID, userID int64, role auth.Role) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{"id", "team_id", "user_id", "role", "created_at", "updated_at"}).
		AddRow(31, teamID, userID, role, now, now)
}

func TestProvisioner_EnsureUser(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	p := NewProvisioner(&testDB{db: db})

	mock.ExpectExec("INSERT INTO users").
		WithArgs("alice@corp.example", "Alice Harper").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT id, email, display_name").
		WithArgs("alice@corp.example").
		WillReturnRows(userRow(42, "alice@corp.example", true))

	user, err := p.EnsureUser(context.Background(), &NormalizedIdentityClaim{
		Email:     "alice@corp.example",
		FirstName: "Alice",
		LastName:  "Harper",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), user.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProvisioner_EnsureUser_ConcurrentDuplicate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	p := NewProvisioner(&testDB{db: db})

	// ON CONFLICT DO NOTHING: zero rows inserted because a concurrent
	// login won the race; the follow-up select returns the winner's row.
	mock.ExpectExec("INSERT INTO users").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id, email, display_name").
		WithArgs("alice@corp.example").
		WillReturnRows(userRow(42, "alice@corp.example", true))

	user, err := p.EnsureUser(context.Background(), &NormalizedIdentityClaim{Email: "alice@corp.example"})
	require.NoError(t, err)
	assert.Equal(t, int64(42), user.ID)
}

func TestProvisioner_EnsureMembership(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	p := NewProvisioner(&testDB{db: db})

	mock.ExpectExec("INSERT INTO team_members").
		WithArgs(int64(7), int64(42), auth.RoleMember).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT id, team_id, user_id, role").
		WithArgs(int64(7), int64(42)).
		WillReturnRows(memberRow(7, 42, auth.RoleMember))

	member, err := p.EnsureMembership(context.Background(), 7, 42, auth.RoleMember)
	require.NoError(t, err)
	assert.Equal(t, auth.RoleMember, member.Role)
}

func TestProvisioner_EnsureMembership_InvalidRoleFallsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	p := NewProvisioner(&testDB{db: db})

	mock.ExpectExec("INSERT INTO team_members").
		WithArgs(int64(7), int64(42), auth.RoleMember).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT id, team_id, user_id, role").
		WithArgs(int64(7), int64(42)).
		WillReturnRows(memberRow(7, 42, auth.RoleMember))

	_, err = p.EnsureMembership(context.Background(), 7, 42, auth.Role("superuser"))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDisplayNameFromClaim(t *testing.T) {
	cases := []struct {
		claim NormalizedIdentityClaim
		want  string
	}{
		{NormalizedIdentityClaim{FirstName: "Alice", LastName: "Harper"}, "Alice Harper"},
		{NormalizedIdentityClaim{FirstName: "Alice"}, "Alice"},
		{NormalizedIdentityClaim{Username: "aharper"}, "aharper"},
		{NormalizedIdentityClaim{Email: "alice@corp.example"}, "alice@corp.example"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, displayNameFromClaim(&tc.claim))
	}
}
