package sso

import (
	"io"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyhookhq/skyhook/pkg/audit"
)

func TestJanitor_PurgePendingDomains(t *testing.T) {
	store, mock := newTestStore(t)
	j := NewJanitor(store, audit.NewTrail(io.Discard, nil), newTestLogger())

	mock.ExpectExec("DELETE FROM domain_verifications").
		WithArgs(DomainPending, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 3))

	j.purgePendingDomains()
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJanitor_PurgeAudit(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, _ := newTestStore(t)
	j := NewJanitor(store, audit.NewTrail(io.Discard, db), newTestLogger())

	mock.ExpectExec("DELETE FROM auth_audit_log").
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 12))

	j.purgeAudit()
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJanitor_StartStop(t *testing.T) {
	store, _ := newTestStore(t)
	j := NewJanitor(store, audit.NewTrail(io.Discard, nil), newTestLogger())

	require.NoError(t, j.Start())
	j.Stop()
}
