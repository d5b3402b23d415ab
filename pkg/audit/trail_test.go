package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrail_Record_LogOnly(t *testing.T) {
	var buf bytes.Buffer
	trail := NewTrail(&buf, nil)

	trail.Record(context.Background(), &Event{
		Action:   ActionLoginFinish,
		Outcome:  OutcomeSuccess,
		TeamID:   7,
		UserID:   42,
		Email:    "alice@example.com",
		Provider: "saml",
	})

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, ActionLoginFinish, line["action"])
	assert.Equal(t, OutcomeSuccess, line["outcome"])
	assert.Equal(t, float64(7), line["team_id"])
	assert.Equal(t, "alice@example.com", line["email"])
}

func TestTrail_Record_Persists(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO auth_audit_log").
		WillReturnResult(sqlmock.NewResult(1, 1))

	var buf bytes.Buffer
	trail := NewTrail(&buf, db)
	trail.Record(context.Background(), &Event{
		Action:  ActionLoginStart,
		Outcome: OutcomeSuccess,
		TeamID:  1,
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTrail_Record_PersistFailureIsSwallowed(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO auth_audit_log").
		WillReturnError(assert.AnError)

	var buf bytes.Buffer
	trail := NewTrail(&buf, db)

	// Must not panic or surface the error.
	trail.Record(context.Background(), &Event{Action: ActionLogout, Outcome: OutcomeSuccess})
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Contains(t, buf.String(), "failed to persist audit event")
}

func TestTrail_ListRecent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"id", "action", "outcome", "team_id", "user_id", "email", "provider", "detail", "ip", "created_at"}).
		AddRow(2, ActionLoginFinish, OutcomeRejected, 7, 0, "", "oidc", "JitDisabled", "10.0.0.1", now).
		AddRow(1, ActionLoginFinish, OutcomeSuccess, 7, 42, "alice@example.com", "oidc", "", "10.0.0.1", now.Add(-time.Minute))

	mock.ExpectQuery("SELECT id, action, outcome").
		WithArgs(int64(7), 100).
		WillReturnRows(rows)

	var buf bytes.Buffer
	trail := NewTrail(&buf, db)
	events, err := trail.ListRecent(context.Background(), 7, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, OutcomeRejected, events[0].Outcome)
	assert.Equal(t, "JitDisabled", events[0].Detail)
}

func TestTrail_PurgeOlderThan(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cutoff := time.Now().Add(-90 * 24 * time.Hour)
	mock.ExpectExec("DELETE FROM auth_audit_log").
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 12))

	var buf bytes.Buffer
	trail := NewTrail(&buf, db)
	removed, err := trail.PurgeOlderThan(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(12), removed)
}
