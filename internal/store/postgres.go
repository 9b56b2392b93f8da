// Package store handles all database and cache interactions.
//
// postgres.go -- pgxpool connection setup and queries.
// Creates a connection pool at startup, shared across all handlers.
// All queries use parameterized statements (no string concatenation).
// Every check-then-write sequence that affects a security invariant
// (email uniqueness, backup-code single-use, rate-limit counting) runs
// inside a single transaction.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrChangeCancelled and ErrChangeAlreadyFinalized refine ErrTokenInvalidOrExpired
// for the email-change flow. errors.Is against ErrTokenInvalidOrExpired still
// matches; handlers that want the distinct message can match the refined value.
var (
	ErrChangeCancelled        = fmt.Errorf("change was cancelled: %w", ErrTokenInvalidOrExpired)
	ErrChangeAlreadyFinalized = fmt.Errorf("change already finalized: %w", ErrTokenInvalidOrExpired)
)

// PostgresStore is the durable store backing sessions, users, 2FA credentials,
// pending email changes, the rate-limit attempt log, and the audit log.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates and returns a verified connection pool to PostgreSQL
// wrapped in a store. Call once at startup from main.go; the returned store is
// safe for concurrent use.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	return &PostgresStore{pool}, nil
}

// Close shuts down the connection pool and releases all resources.
// Call via defer in main.go after creating the store.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// withTx runs fn inside a transaction, rolling back on error.
// The rollback after commit is a no-op (pgx.ErrTxClosed), safe to ignore.
func (s *PostgresStore) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// --- users ---

// CreateUser inserts a new user with email + password credentials.
// The caller generates the UUID v7 and Argon2id hash BEFORE calling this.
// Returns the raw pgx error; handlers inspect it for unique violations (duplicate email).
func (s *PostgresStore) CreateUser(ctx context.Context, id uuid.UUID, email, passwordHash string) error {
	_, err := s.pool.Exec(ctx,
		"INSERT INTO users (id, email, password_hash) VALUES ($1, $2, $3)",
		id, email, passwordHash)
	return err
}

const userColumns = "id, email, password_hash, totp_secret, created_at, updated_at"

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.TotpSecret, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUserByEmail fetches a user by email, case-insensitively.
// Returns pgx.ErrNoRows if no user holds the address.
func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(s.pool.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE lower(email) = lower($1)",
		email))
}

// GetUserByID fetches a user by primary key. Returns pgx.ErrNoRows if absent.
func (s *PostgresStore) GetUserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	return scanUser(s.pool.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE id = $1",
		id))
}

// UpdateUserPassword replaces the stored Argon2id hash for the user.
func (s *PostgresStore) UpdateUserPassword(ctx context.Context, id uuid.UUID, passwordHash string) error {
	_, err := s.pool.Exec(ctx,
		"UPDATE users SET password_hash = $2, updated_at = now() WHERE id = $1",
		id, passwordHash)
	return err
}

// --- 2FA credentials ---

// EnableTwoFactor stores the TOTP secret and the backup-code hashes in one
// transaction. Any prior backup codes for the user are replaced.
func (s *PostgresStore) EnableTwoFactor(ctx context.Context, userID uuid.UUID, totpSecret string, codeHashes [][]byte) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			"UPDATE users SET totp_secret = $2, updated_at = now() WHERE id = $1",
			userID, totpSecret)
		if err != nil {
			return fmt.Errorf("storing totp secret: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return pgx.ErrNoRows
		}

		if _, err := tx.Exec(ctx, "DELETE FROM backup_codes WHERE user_id = $1", userID); err != nil {
			return fmt.Errorf("clearing old backup codes: %w", err)
		}

		for _, hash := range codeHashes {
			codeID, err := uuid.NewV7()
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx,
				"INSERT INTO backup_codes (id, user_id, code_hash) VALUES ($1, $2, $3)",
				codeID, userID, hash); err != nil {
				return fmt.Errorf("inserting backup code: %w", err)
			}
		}
		return nil
	})
}

// DisableTwoFactor clears the TOTP secret and deletes all backup codes in one transaction.
func (s *PostgresStore) DisableTwoFactor(ctx context.Context, userID uuid.UUID) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			"UPDATE users SET totp_secret = NULL, updated_at = now() WHERE id = $1",
			userID); err != nil {
			return fmt.Errorf("clearing totp secret: %w", err)
		}
		if _, err := tx.Exec(ctx, "DELETE FROM backup_codes WHERE user_id = $1", userID); err != nil {
			return fmt.Errorf("deleting backup codes: %w", err)
		}
		return nil
	})
}

// ConsumeBackupCode marks the backup code matching codeHash as used.
// The UPDATE's used_at IS NULL predicate makes consumption atomic: of two
// concurrent requests presenting the same code, exactly one sees a row update.
// Returns ErrTwoFactorCodeReused if the code exists but was already consumed,
// ErrTwoFactorCodeInvalid if no such code exists for the user.
func (s *PostgresStore) ConsumeBackupCode(ctx context.Context, userID uuid.UUID, codeHash []byte) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE backup_codes SET used_at = now() WHERE user_id = $1 AND code_hash = $2 AND used_at IS NULL",
		userID, codeHash)
	if err != nil {
		return fmt.Errorf("consuming backup code: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	err = s.pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM backup_codes WHERE user_id = $1 AND code_hash = $2)",
		userID, codeHash).Scan(&exists)
	if err != nil {
		return fmt.Errorf("checking backup code: %w", err)
	}
	if exists {
		return ErrTwoFactorCodeReused
	}
	return ErrTwoFactorCodeInvalid
}

// --- sessions ---

// CreateSession inserts a new session row. Partial sessions (password checked,
// 2FA pending) are created with TwoFactorVerified=false.
func (s *PostgresStore) CreateSession(ctx context.Context, sess *Session) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (id, user_id, token_hash, two_factor_verified, two_factor_verified_at,
		                      expires_at, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sess.ID, sess.UserID, sess.TokenHash, sess.TwoFactorVerified, sess.TwoFactorVerifiedAt,
		sess.ExpiresAt, sess.IPAddress, sess.UserAgent)
	return err
}

const sessionColumns = `id, user_id, token_hash, two_factor_verified, two_factor_verified_at,
	expires_at, created_at, last_active_at, ip_address, user_agent`

func scanSession(row pgx.Row) (*Session, error) {
	var sess Session
	err := row.Scan(&sess.ID, &sess.UserID, &sess.TokenHash, &sess.TwoFactorVerified,
		&sess.TwoFactorVerifiedAt, &sess.ExpiresAt, &sess.CreatedAt, &sess.LastActiveAt,
		&sess.IPAddress, &sess.UserAgent)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// GetSessionByTokenHash fetches a session by token hash, expired or not.
// Callers classify expiry themselves -- the 2FA step needs "session expired"
// distinct from "session not found". Returns pgx.ErrNoRows if absent.
func (s *PostgresStore) GetSessionByTokenHash(ctx context.Context, tokenHash []byte) (*Session, error) {
	return scanSession(s.pool.QueryRow(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE token_hash = $1",
		tokenHash))
}

// UpgradeSession promotes a partial session to full in place: same row, same
// token. Sets two_factor_verified and anchors the grace window, then deletes
// every OTHER partial session belonging to the same user (stale logins from
// abandoned attempts or duplicate tabs). Full sessions on other devices and
// other users' sessions are untouched. Runs in one transaction.
// Returns the upgraded session and the number of stale partials removed.
func (s *PostgresStore) UpgradeSession(ctx context.Context, tokenHash []byte, now time.Time) (*Session, int64, error) {
	var sess *Session
	var stale int64
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		sess, err = scanSession(tx.QueryRow(ctx, `
			UPDATE sessions SET two_factor_verified = true, two_factor_verified_at = $2,
			                    last_active_at = $2
			WHERE token_hash = $1
			RETURNING `+sessionColumns,
			tokenHash, now))
		if err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, `
			DELETE FROM sessions
			WHERE user_id = $1 AND two_factor_verified = false AND token_hash <> $2`,
			sess.UserID, tokenHash)
		if err != nil {
			return fmt.Errorf("deleting stale partial sessions: %w", err)
		}
		stale = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return sess, stale, nil
}

// RefreshTwoFactorVerifiedAt moves the grace-window anchor to now for this
// session only. Used after a successful sensitive-action re-verification.
func (s *PostgresStore) RefreshTwoFactorVerifiedAt(ctx context.Context, tokenHash []byte, now time.Time) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE sessions SET two_factor_verified_at = $2 WHERE token_hash = $1",
		tokenHash, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// TouchSession updates last_active_at. Best effort; callers log and ignore failures.
func (s *PostgresStore) TouchSession(ctx context.Context, tokenHash []byte, now time.Time) error {
	_, err := s.pool.Exec(ctx,
		"UPDATE sessions SET last_active_at = $2 WHERE token_hash = $1",
		tokenHash, now)
	return err
}

// DeleteSession removes a single session row by token hash.
func (s *PostgresStore) DeleteSession(ctx context.Context, tokenHash []byte) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM sessions WHERE token_hash = $1", tokenHash)
	return err
}

// DeleteAllUserSessions removes all sessions for a user.
func (s *PostgresStore) DeleteAllUserSessions(ctx context.Context, userID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM sessions WHERE user_id = $1", userID)
	return err
}

// DeleteOtherUserSessions removes every session for the user except the one
// with keepTokenHash. Used by password change so the changing device stays
// logged in while all other devices are kicked.
func (s *PostgresStore) DeleteOtherUserSessions(ctx context.Context, userID uuid.UUID, keepTokenHash []byte) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		"DELETE FROM sessions WHERE user_id = $1 AND token_hash <> $2",
		userID, keepTokenHash)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// CleanupExpiredSessions deletes sessions expired for longer than retention.
// Returns the number of rows removed.
func (s *PostgresStore) CleanupExpiredSessions(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		"DELETE FROM sessions WHERE expires_at < now() - $1::interval",
		retention.String())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// --- pending email changes ---

// CreatePendingEmailChange validates the target address and inserts the pending
// record inside one transaction:
//
//  1. target must not be any user's current email (case-insensitive),
//  2. target must not be the active target of another user's pending change,
//  3. the caller's own prior active change, if any, is superseded (cancelled).
//
// Both checks and the insert share the transaction so a concurrent initiate
// for the same target cannot slip between check and write.
func (s *PostgresStore) CreatePendingEmailChange(ctx context.Context, p *PendingEmailChange) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var taken bool
		err := tx.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM users WHERE lower(email) = lower($1))",
			p.NewEmail).Scan(&taken)
		if err != nil {
			return fmt.Errorf("checking current emails: %w", err)
		}
		if taken {
			return ErrEmailConflict
		}

		err = tx.QueryRow(ctx, `
			SELECT EXISTS(
				SELECT 1 FROM pending_email_changes
				WHERE lower(new_email) = lower($1) AND user_id <> $2
				  AND finalized_at IS NULL AND cancelled_at IS NULL AND expires_at > now()
			)`, p.NewEmail, p.UserID).Scan(&taken)
		if err != nil {
			return fmt.Errorf("checking pending targets: %w", err)
		}
		if taken {
			return ErrEmailConflict
		}

		// Supersede the caller's own prior active change.
		if _, err := tx.Exec(ctx, `
			UPDATE pending_email_changes SET cancelled_at = now()
			WHERE user_id = $1 AND finalized_at IS NULL AND cancelled_at IS NULL AND expires_at > now()`,
			p.UserID); err != nil {
			return fmt.Errorf("superseding prior change: %w", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO pending_email_changes
				(id, user_id, old_email, new_email, verify_token_hash, cancel_token_hash, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			p.ID, p.UserID, p.OldEmail, p.NewEmail, p.VerifyTokenHash, p.CancelTokenHash, p.ExpiresAt)
		if err != nil {
			return fmt.Errorf("inserting pending change: %w", err)
		}
		return nil
	})
}

// classifyPending maps an inactive pending change to the refined token error.
func classifyPending(p *PendingEmailChange, now time.Time) error {
	switch {
	case p.CancelledAt != nil:
		return ErrChangeCancelled
	case p.FinalizedAt != nil:
		return ErrChangeAlreadyFinalized
	case !now.Before(p.ExpiresAt):
		return ErrTokenInvalidOrExpired
	default:
		return nil
	}
}

// FinalizeEmailChange consumes a verify token and commits the email change in
// ONE transaction: row-lock the pending change, reject if inactive, re-check
// the target is still free (the race window between initiate and verify),
// update the user's email, mark the record verified+finalized, and delete all
// sessions for the user except keepTokenHash (nil deletes all). The unique
// index on lower(users.email) backstops the re-check under concurrency.
// Returns the finalized record, or ErrTokenInvalidOrExpired (possibly refined)
// when the token no longer maps to an active change.
func (s *PostgresStore) FinalizeEmailChange(ctx context.Context, verifyTokenHash, keepTokenHash []byte, now time.Time) (*PendingEmailChange, error) {
	var pending *PendingEmailChange
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		p, err := scanPendingChange(tx.QueryRow(ctx,
			"SELECT "+pendingChangeColumns+" FROM pending_email_changes WHERE verify_token_hash = $1 FOR UPDATE",
			verifyTokenHash))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrTokenInvalidOrExpired
			}
			return err
		}
		if err := classifyPending(p, now); err != nil {
			return err
		}

		// TOCTOU re-check: someone may have registered or finalized onto the
		// target address since initiate.
		var taken bool
		err = tx.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM users WHERE lower(email) = lower($1) AND id <> $2)",
			p.NewEmail, p.UserID).Scan(&taken)
		if err != nil {
			return fmt.Errorf("re-checking target email: %w", err)
		}
		if taken {
			return ErrEmailConflict
		}

		if _, err := tx.Exec(ctx,
			"UPDATE users SET email = $2, updated_at = now() WHERE id = $1",
			p.UserID, p.NewEmail); err != nil {
			// A registration can slip in between the re-check above and this
			// UPDATE; the unique index turns that into a 23505.
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return ErrEmailConflict
			}
			return fmt.Errorf("updating user email: %w", err)
		}

		if _, err := tx.Exec(ctx,
			"UPDATE pending_email_changes SET verified_at = $2, finalized_at = $2 WHERE id = $1",
			p.ID, now); err != nil {
			return fmt.Errorf("finalizing pending change: %w", err)
		}

		if keepTokenHash != nil {
			_, err = tx.Exec(ctx,
				"DELETE FROM sessions WHERE user_id = $1 AND token_hash <> $2",
				p.UserID, keepTokenHash)
		} else {
			_, err = tx.Exec(ctx, "DELETE FROM sessions WHERE user_id = $1", p.UserID)
		}
		if err != nil {
			return fmt.Errorf("purging sessions: %w", err)
		}

		ts := now
		p.VerifiedAt, p.FinalizedAt = &ts, &ts
		pending = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pending, nil
}

// CancelEmailChange consumes a cancel token: row-lock, reject if inactive,
// mark cancelled. The user's email was never changed, so there is nothing else
// to undo, and no session side effects.
func (s *PostgresStore) CancelEmailChange(ctx context.Context, cancelTokenHash []byte, now time.Time) (*PendingEmailChange, error) {
	var pending *PendingEmailChange
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		p, err := scanPendingChange(tx.QueryRow(ctx,
			"SELECT "+pendingChangeColumns+" FROM pending_email_changes WHERE cancel_token_hash = $1 FOR UPDATE",
			cancelTokenHash))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrTokenInvalidOrExpired
			}
			return err
		}
		if err := classifyPending(p, now); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx,
			"UPDATE pending_email_changes SET cancelled_at = $2 WHERE id = $1",
			p.ID, now); err != nil {
			return fmt.Errorf("cancelling pending change: %w", err)
		}

		ts := now
		p.CancelledAt = &ts
		pending = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pending, nil
}

const pendingChangeColumns = `id, user_id, old_email, new_email, verify_token_hash, cancel_token_hash,
	verified_at, finalized_at, cancelled_at, expires_at, created_at`

func scanPendingChange(row pgx.Row) (*PendingEmailChange, error) {
	var p PendingEmailChange
	err := row.Scan(&p.ID, &p.UserID, &p.OldEmail, &p.NewEmail, &p.VerifyTokenHash, &p.CancelTokenHash,
		&p.VerifiedAt, &p.FinalizedAt, &p.CancelledAt, &p.ExpiresAt, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CleanupEmailChanges removes resolved changes older than resolvedRetention
// and unresolved changes past their expiry. Returns the number of rows removed.
func (s *PostgresStore) CleanupEmailChanges(ctx context.Context, resolvedRetention time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM pending_email_changes
		WHERE (finalized_at IS NOT NULL AND finalized_at < now() - $1::interval)
		   OR (cancelled_at IS NOT NULL AND cancelled_at < now() - $1::interval)
		   OR (finalized_at IS NULL AND cancelled_at IS NULL AND expires_at < now())`,
		resolvedRetention.String())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// --- audit log ---

// InsertAuditEntry records a security event. Callers treat failures as
// non-fatal: the audit trail must never fail a user-facing request.
func (s *PostgresStore) InsertAuditEntry(ctx context.Context, e AuditEntry) error {
	_, err := s.pool.Exec(ctx,
		"INSERT INTO audit_logs (user_id, action, ip_address, user_agent, metadata) VALUES ($1, $2, $3, $4, $5)",
		e.UserID, e.Action, e.IPAddress, e.UserAgent, e.Metadata)
	return err
}
