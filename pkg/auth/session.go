package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	// SessionCookieName is the cookie carrying the opaque session ID.
	SessionCookieName = "skyhook_session"

	sessionIDBytes   = 32
	sessionKeyPrefix = "skyhook:session:"
)

// ErrSessionNotFound is returned when no live session matches the
// presented identifier.
var ErrSessionNotFound = errors.New("session not found")

// SessionStore keeps sessions server-side in Redis so that logout and
// expiry are immediate across all instances.
type SessionStore struct {
	client *redis.Client
	ttl    time.Duration
	secure bool
}

// NewSessionStore creates a session store with the given lifetime.
func NewSessionStore(client *redis.Client, ttl time.Duration, secureCookies bool) *SessionStore {
	return &SessionStore{client: client, ttl: ttl, secure: secureCookies}
}

// Create mints a fully authenticated session.
func (s *SessionStore) Create(ctx context.Context, userID, teamID int64, email string) (*Session, error) {
	return s.create(ctx, userID, teamID, email, true, nil, "")
}

// CreatePending mints a half-open session for a login that still owes a
// second factor. The caller validates returnURL before handing it over.
func (s *SessionStore) CreatePending(ctx context.Context, userID, teamID int64, email string, pending []string, returnURL string) (*Session, error) {
	return s.create(ctx, userID, teamID, email, false, pending, returnURL)
}

func (s *SessionStore) create(ctx context.Context, userID, teamID int64, email string, loggedIn bool, pending []string, returnURL string) (*Session, error) {
	raw := make([]byte, sessionIDBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := time.Now().UTC()
	session := &Session{
		ID:                   base64.RawURLEncoding.EncodeToString(raw),
		UserID:               userID,
		TeamID:               teamID,
		Email:                email,
		IsLoggedIn:           loggedIn,
		PendingVerifications: pending,
		ReturnURL:            returnURL,
		CreatedAt:            now,
		ExpiresAt:            now.Add(s.ttl),
	}

	if err := s.save(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// Promote marks a pending session fully authenticated after its second
// factor verified, keeping the original expiry.
func (s *SessionStore) Promote(ctx context.Context, session *Session) error {
	session.IsLoggedIn = true
	session.PendingVerifications = nil
	return s.save(ctx, session)
}

func (s *SessionStore) save(ctx context.Context, session *Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("session already expired")
	}
	if err := s.client.Set(ctx, sessionKeyPrefix+session.ID, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}

// Get loads a session by ID. Returns ErrSessionNotFound for unknown or
// expired identifiers.
func (s *SessionStore) Get(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, ErrSessionNotFound
	}

	data, err := s.client.Get(ctx, sessionKeyPrefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}

	// Redis TTL already bounds the record, but check the embedded expiry
	// too so a clock-skewed replica never extends a session.
	if session.Expired(time.Now().UTC()) {
		_ = s.Destroy(ctx, id)
		return nil, ErrSessionNotFound
	}

	return &session, nil
}

// Destroy removes a session, logging the user out everywhere.
func (s *SessionStore) Destroy(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	if err := s.client.Del(ctx, sessionKeyPrefix+id).Err(); err != nil {
		return fmt.Errorf("failed to destroy session: %w", err)
	}
	return nil
}

// FromRequest resolves the session referenced by the request's cookie.
func (s *SessionStore) FromRequest(ctx context.Context, r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil {
		return nil, ErrSessionNotFound
	}
	return s.Get(ctx, cookie.Value)
}

// SetCookie writes the session cookie for a freshly created session.
func (s *SessionStore) SetCookie(w http.ResponseWriter, session *Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    session.ID,
		Path:     "/",
		Expires:  session.ExpiresAt,
		Secure:   s.secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearCookie expires the session cookie on logout.
func (s *SessionStore) ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Secure:   s.secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}
