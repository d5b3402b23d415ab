package auth

import "time"

// Role is a user's role within a team.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// Valid reports whether the role is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleMember
}

// User is an account known to the service. Users created by just-in-time
// provisioning have no password and authenticate only through their team's
// identity provider.
type User struct {
	ID          int64      `json:"id"`
	Email       string     `json:"email"`
	DisplayName string     `json:"display_name,omitempty"`
	MFAEnabled  bool       `json:"mfa_enabled"`
	IsActive    bool       `json:"is_active"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}

// Team is a tenant. SSO configuration hangs off teams, never off users.
type Team struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TeamMember links a user to a team with a role. A user can belong to
// several teams; (TeamID, UserID) is unique.
type TeamMember struct {
	ID        int64     `json:"id"`
	TeamID    int64     `json:"team_id"`
	UserID    int64     `json:"user_id"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// VerificationRequirement describes what the caller must still complete
// after an identity provider vouched for them.
type VerificationRequirement string

const (
	// VerificationNone means the login is complete and a session exists.
	VerificationNone VerificationRequirement = "none"
	// VerificationMFA means a second factor is required before a session
	// is issued.
	VerificationMFA VerificationRequirement = "mfa"
)

// Session is the server-side record behind a session cookie. A login
// that still owes a second factor gets IsLoggedIn=false with the owed
// factors in PendingVerifications; it is promoted in place once the
// factor is verified.
type Session struct {
	ID                   string    `json:"id"`
	UserID               int64     `json:"user_id"`
	TeamID               int64     `json:"team_id"`
	Email                string    `json:"email"`
	IsLoggedIn           bool      `json:"is_logged_in"`
	PendingVerifications []string  `json:"pending_verifications,omitempty"`
	// ReturnURL is the already-validated post-login destination a pending
	// session resumes at once its second factor clears.
	ReturnURL string `json:"return_url,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
	ExpiresAt            time.Time `json:"expires_at"`
}

// Expired reports whether the session has passed its expiry.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
