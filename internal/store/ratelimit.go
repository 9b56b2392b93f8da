// ratelimit.go -- database-backed rate limiter over a persisted attempt log.
//
// Every check counts rate_limit_attempts rows for (identifier, endpoint)
// within the policy window, then records a new attempt -- count and insert in
// one transaction so concurrent checks cannot both read the same count and
// both slip under the threshold. Exactly one row is inserted per allowed
// check, never per internal retry; callers invoke CheckRateLimit once per
// user-facing action.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// CheckRateLimit applies the policy to (identifier, endpoint).
//
// Limited result: no attempt is recorded and ResetAt is the oldest counted
// attempt's timestamp plus the window -- when that attempt ages out, one slot
// frees up. Allowed result: one attempt row is inserted and Remaining reports
// the budget left after this attempt.
//
// Storage errors respect policy.FailClosed: security-sensitive endpoints
// (login, token verification) report limited so limiter unavailability never
// becomes a brute-force bypass; everything else is the caller's decision to
// log and allow.
func (s *PostgresStore) CheckRateLimit(ctx context.Context, identifier, endpoint string, policy RateLimit) (RateLimitResult, error) {
	var res RateLimitResult
	now := time.Now()
	windowStart := now.Add(-policy.Window)

	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var count int
		var oldest *time.Time
		err := tx.QueryRow(ctx, `
			SELECT count(*), min(attempted_at)
			FROM rate_limit_attempts
			WHERE identifier = $1 AND endpoint = $2 AND attempted_at >= $3`,
			identifier, endpoint, windowStart).Scan(&count, &oldest)
		if err != nil {
			return fmt.Errorf("counting attempts: %w", err)
		}

		if count >= policy.MaxAttempts {
			// oldest is nil when the window holds no rows, which can only
			// trip the cap with a zero-value policy (MaxAttempts <= 0).
			resetAt := now.Add(policy.Window)
			if oldest != nil {
				resetAt = oldest.Add(policy.Window)
			}
			res = RateLimitResult{
				Limited:   true,
				Remaining: 0,
				ResetAt:   resetAt,
			}
			return nil
		}

		if _, err := tx.Exec(ctx,
			"INSERT INTO rate_limit_attempts (identifier, endpoint, attempted_at) VALUES ($1, $2, $3)",
			identifier, endpoint, now); err != nil {
			return fmt.Errorf("recording attempt: %w", err)
		}

		res = RateLimitResult{
			Limited:   false,
			Remaining: policy.MaxAttempts - count - 1,
		}
		return nil
	})
	if err != nil {
		if policy.FailClosed {
			// Storage down on an authentication-adjacent endpoint: treat as
			// limited rather than open the door to brute force.
			return RateLimitResult{Limited: true, ResetAt: now.Add(policy.Window)}, err
		}
		return RateLimitResult{}, err
	}
	return res, nil
}

// CleanupRateLimitAttempts deletes attempts older than maxWindow, the largest
// configured window across all policies. Returns the number of rows removed.
func (s *PostgresStore) CleanupRateLimitAttempts(ctx context.Context, maxWindow time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		"DELETE FROM rate_limit_attempts WHERE attempted_at < now() - $1::interval",
		maxWindow.String())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
