// models.go -- Shared domain types for the store package.
// Used by both Postgres (durable store) and Redis (cache layer).
package store

import (
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
)

// ErrSessionInvalid is returned when a session token is malformed or matches no row.
// Expiry is not an error at this layer: GetSessionByTokenHash returns expired
// rows and callers classify them against the clock.
var ErrSessionInvalid = errors.New("session invalid")

// ErrTwoFactorCodeInvalid is returned when a TOTP code or backup code fails verification.
var ErrTwoFactorCodeInvalid = errors.New("two-factor code invalid")

// ErrTwoFactorCodeReused is returned when a backup code matches a row that was
// already consumed. Backup codes are single-use.
var ErrTwoFactorCodeReused = errors.New("backup code already used")

// ErrNotEnrolled is returned by 2FA operations on accounts without a TOTP secret.
var ErrNotEnrolled = errors.New("two-factor authentication not enrolled")

// ErrTokenInvalidOrExpired is returned by email-change verify/cancel when the
// token matches no active pending change (missing, finalized, cancelled, or expired).
var ErrTokenInvalidOrExpired = errors.New("token invalid or expired")

// ErrEmailConflict is returned when a target email is already a user's current
// address or the active target of another user's pending change.
var ErrEmailConflict = errors.New("email already in use")

// ErrCacheMiss is returned by GetSession when the key is not in Redis.
// Callers use errors.Is to distinguish a true miss from a Redis infrastructure failure.
var ErrCacheMiss = errors.New("cache miss")

// RateLimit defines the policy for a rate-limited endpoint.
//
//	MaxAttempts is the number of attempts allowed within Window.
//	Window is the rolling window attempts are counted over.
//	FailClosed controls storage-error behaviour: true treats a failed check as
//	limited (login, token verification); false logs and allows.
type RateLimit struct {
	MaxAttempts int
	Window      time.Duration
	FailClosed  bool
}

// RateLimitResult is the outcome of a single limiter check.
// ResetAt is only meaningful when Limited is true: the oldest counted
// attempt's timestamp plus the window.
type RateLimitResult struct {
	Limited   bool
	Remaining int
	ResetAt   time.Time
}

// User represents a row in the users table.
// TotpSecret is nil until the user enrolls in 2FA; non-nil means enrolled.
type User struct {
	ID           uuid.UUID
	Email        string
	PasswordHash string
	TotpSecret   *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TwoFactorEnrolled reports whether the account has a TOTP secret configured.
func (u *User) TwoFactorEnrolled() bool {
	return u.TotpSecret != nil && *u.TotpSecret != ""
}

// Session represents a row in the sessions table.
// TwoFactorVerified=false marks a partial session: password checked, 2FA pending.
// TwoFactorVerifiedAt anchors the sensitive-action grace window; nil until the
// first successful 2FA check on this session.
type Session struct {
	ID                  uuid.UUID
	UserID              uuid.UUID
	TokenHash           []byte
	TwoFactorVerified   bool
	TwoFactorVerifiedAt *time.Time
	ExpiresAt           time.Time
	CreatedAt           time.Time
	LastActiveAt        time.Time
	IPAddress           *string
	UserAgent           *string
}

// CachedSession is the JSON shape stored in Redis for cached sessions.
// Only the fields needed for fast session validation -- full metadata lives in Postgres.
type CachedSession struct {
	ID                  uuid.UUID  `json:"id"`
	UserID              uuid.UUID  `json:"user_id"`
	TwoFactorVerified   bool       `json:"two_factor_verified"`
	TwoFactorVerifiedAt *time.Time `json:"two_factor_verified_at,omitempty"`
	ExpiresAt           time.Time  `json:"expires_at"`
}

// PendingEmailChange represents a row in the pending_email_changes table.
// Active means: FinalizedAt nil, CancelledAt nil, ExpiresAt in the future.
// At most one active change per user; at most one active change per target email.
type PendingEmailChange struct {
	ID              uuid.UUID
	UserID          uuid.UUID
	OldEmail        string
	NewEmail        string
	VerifyTokenHash []byte
	CancelTokenHash []byte
	VerifiedAt      *time.Time
	FinalizedAt     *time.Time
	CancelledAt     *time.Time
	ExpiresAt       time.Time
	CreatedAt       time.Time
}

// Active reports whether the pending change can still be verified or cancelled.
func (p *PendingEmailChange) Active(now time.Time) bool {
	return p.FinalizedAt == nil && p.CancelledAt == nil && now.Before(p.ExpiresAt)
}

// AuditEntry represents a row in the audit_logs table.
// UserID is nil for pre-auth failures where no user is identified.
// Metadata holds optional event context as a raw JSON blob.
type AuditEntry struct {
	UserID    *uuid.UUID
	Action    string
	IPAddress *string
	UserAgent *string
	Metadata  []byte
}
