package audit

import (
	"context"
	"database/sql"
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

// Event is one auth-relevant occurrence.
type Event struct {
	ID       int64     `json:"id,omitempty"`
	Action   string    `json:"action"`
	Outcome  string    `json:"outcome"`
	TeamID   int64     `json:"team_id,omitempty"`
	UserID   int64     `json:"user_id,omitempty"`
	Email    string    `json:"email,omitempty"`
	Provider string    `json:"provider,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	IP       string    `json:"ip,omitempty"`
	At       time.Time `json:"at"`
}

// Common actions.
const (
	ActionDiscover     = "sso.discover"
	ActionLoginStart   = "sso.login.start"
	ActionLoginFinish  = "sso.login.finish"
	ActionLogout       = "sso.logout"
	ActionConfigChange = "sso.config.change"
	ActionDomainChange = "sso.domain.change"
)

// Common outcomes.
const (
	OutcomeSuccess    = "success"
	OutcomePendingMFA = "pending_mfa"
	OutcomeRejected   = "rejected"
	OutcomeError      = "error"
)

// Trail writes audit events to a logrus JSON stream and, when a database
// is attached, to the auth_audit_log table. Persistence failures are
// logged and swallowed; auditing never fails a login.
type Trail struct {
	log *logrus.Logger
	db  *sql.DB
}

// NewTrail creates a trail writing JSON lines to out. db may be nil for
// log-only operation (tests, local development).
func NewTrail(out io.Writer, db *sql.DB) *Trail {
	log := logrus.New()
	log.SetOutput(out)
	log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	return &Trail{log: log, db: db}
}

// Record writes an event.
func (t *Trail) Record(ctx context.Context, ev *Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	entry := t.log.WithFields(logrus.Fields{
		"action":  ev.Action,
		"outcome": ev.Outcome,
	})
	if ev.TeamID != 0 {
		entry = entry.WithField("team_id", ev.TeamID)
	}
	if ev.UserID != 0 {
		entry = entry.WithField("user_id", ev.UserID)
	}
	if ev.Email != "" {
		entry = entry.WithField("email", ev.Email)
	}
	if ev.Provider != "" {
		entry = entry.WithField("provider", ev.Provider)
	}
	if ev.Detail != "" {
		entry = entry.WithField("detail", ev.Detail)
	}
	if ev.IP != "" {
		entry = entry.WithField("ip", ev.IP)
	}
	entry.Info("audit")

	if t.db == nil {
		return
	}
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO auth_audit_log (action, outcome, team_id, user_id, email, provider, detail, ip, created_at)
		VALUES ($1, $2, NULLIF($3, 0), NULLIF($4, 0), NULLIF($5, ''), NULLIF($6, ''), $7, $8, $9)
	`, ev.Action, ev.Outcome, ev.TeamID, ev.UserID, ev.Email, ev.Provider, ev.Detail, ev.IP, ev.At)
	if err != nil {
		t.log.WithError(err).Warn("failed to persist audit event")
	}
}

// ListRecent returns the newest events for a team, for the admin surface.
func (t *Trail) ListRecent(ctx context.Context, teamID int64, limit int) ([]*Event, error) {
	if t.db == nil {
		return nil, nil
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	rows, err := t.db.QueryContext(ctx, `
		SELECT id, action, outcome, COALESCE(team_id, 0), COALESCE(user_id, 0),
			COALESCE(email, ''), COALESCE(provider, ''), detail, ip, created_at
		FROM auth_audit_log
		WHERE team_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, teamID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		ev := &Event{}
		if err := rows.Scan(&ev.ID, &ev.Action, &ev.Outcome, &ev.TeamID, &ev.UserID,
			&ev.Email, &ev.Provider, &ev.Detail, &ev.IP, &ev.At); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// PurgeOlderThan enforces retention, returning how many rows were
// removed.
func (t *Trail) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	if t.db == nil {
		return 0, nil
	}
	res, err := t.db.ExecContext(ctx, `DELETE FROM auth_audit_log WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
