package store

import (
	"context"
	"testing"
	"time"
)

// insertAttempt seeds a raw attempt row, letting tests control attempted_at
// instead of sleeping through real windows.
func insertAttempt(t *testing.T, ctx context.Context, identifier, endpoint string, at time.Time) {
	t.Helper()
	_, err := testStore.pool.Exec(ctx,
		"INSERT INTO rate_limit_attempts (identifier, endpoint, attempted_at) VALUES ($1, $2, $3)",
		identifier, endpoint, at)
	if err != nil {
		t.Fatalf("seeding attempt: %v", err)
	}
}

// countAttempts returns the number of rows for an identifier+endpoint.
func countAttempts(t *testing.T, ctx context.Context, identifier, endpoint string) int {
	t.Helper()
	var n int
	err := testStore.pool.QueryRow(ctx,
		"SELECT count(*) FROM rate_limit_attempts WHERE identifier = $1 AND endpoint = $2",
		identifier, endpoint).Scan(&n)
	if err != nil {
		t.Fatalf("counting attempts: %v", err)
	}
	return n
}

func TestCheckRateLimit(t *testing.T) {
	ctx := context.Background()
	policy := RateLimit{MaxAttempts: 3, Window: time.Minute}

	t.Run("allows until the cap and reports remaining", func(t *testing.T) {
		id := "198.51.100.7"
		t.Cleanup(func() { cleanupAttempts(t, ctx, id) })

		for i, wantRemaining := range []int{2, 1, 0} {
			res, err := testStore.CheckRateLimit(ctx, id, "login", policy)
			if err != nil {
				t.Fatalf("attempt %d: %v", i+1, err)
			}
			if res.Limited {
				t.Fatalf("attempt %d: should be allowed", i+1)
			}
			if res.Remaining != wantRemaining {
				t.Errorf("attempt %d remaining: expected %d, got %d", i+1, wantRemaining, res.Remaining)
			}
		}

		res, err := testStore.CheckRateLimit(ctx, id, "login", policy)
		if err != nil {
			t.Fatalf("fourth attempt: %v", err)
		}
		if !res.Limited {
			t.Fatal("fourth attempt within the window should be limited")
		}
		// Limited attempts are never recorded -- only the three allowed ones.
		if n := countAttempts(t, ctx, id, "login"); n != 3 {
			t.Errorf("recorded attempts: expected 3, got %d", n)
		}
	})

	t.Run("exactly maxAttempts in the window is limited", func(t *testing.T) {
		id := "198.51.100.8"
		t.Cleanup(func() { cleanupAttempts(t, ctx, id) })
		now := time.Now()
		for i := 0; i < policy.MaxAttempts; i++ {
			insertAttempt(t, ctx, id, "login", now.Add(-time.Duration(i+1)*time.Second))
		}

		res, err := testStore.CheckRateLimit(ctx, id, "login", policy)
		if err != nil {
			t.Fatalf("CheckRateLimit: %v", err)
		}
		if !res.Limited {
			t.Error("the boundary attempt should be limited")
		}
	})

	t.Run("attempts outside the window do not count", func(t *testing.T) {
		id := "198.51.100.9"
		t.Cleanup(func() { cleanupAttempts(t, ctx, id) })
		stale := time.Now().Add(-policy.Window - time.Second)
		for i := 0; i < policy.MaxAttempts; i++ {
			insertAttempt(t, ctx, id, "login", stale)
		}

		res, err := testStore.CheckRateLimit(ctx, id, "login", policy)
		if err != nil {
			t.Fatalf("CheckRateLimit: %v", err)
		}
		if res.Limited {
			t.Error("a full set of aged-out attempts should not limit")
		}
		if res.Remaining != policy.MaxAttempts-1 {
			t.Errorf("remaining: expected %d, got %d", policy.MaxAttempts-1, res.Remaining)
		}
	})

	t.Run("reset aligns to the oldest counted attempt", func(t *testing.T) {
		id := "198.51.100.10"
		t.Cleanup(func() { cleanupAttempts(t, ctx, id) })
		oldest := time.Now().Add(-40 * time.Second)
		insertAttempt(t, ctx, id, "login", oldest)
		insertAttempt(t, ctx, id, "login", oldest.Add(10*time.Second))
		insertAttempt(t, ctx, id, "login", oldest.Add(20*time.Second))

		res, err := testStore.CheckRateLimit(ctx, id, "login", policy)
		if err != nil {
			t.Fatalf("CheckRateLimit: %v", err)
		}
		if !res.Limited {
			t.Fatal("expected limited")
		}
		want := oldest.Add(policy.Window)
		if diff := res.ResetAt.Sub(want); diff < -2*time.Second || diff > 2*time.Second {
			t.Errorf("reset at: expected about %v, got %v", want, res.ResetAt)
		}
	})

	t.Run("identifier and endpoint are independent keys", func(t *testing.T) {
		id, other := "198.51.100.11", "198.51.100.12"
		t.Cleanup(func() {
			cleanupAttempts(t, ctx, id)
			cleanupAttempts(t, ctx, other)
		})
		now := time.Now()
		for i := 0; i < policy.MaxAttempts; i++ {
			insertAttempt(t, ctx, id, "login", now)
		}

		if res, _ := testStore.CheckRateLimit(ctx, id, "login", policy); !res.Limited {
			t.Error("same identifier+endpoint should be limited")
		}
		if res, _ := testStore.CheckRateLimit(ctx, id, "2fa", policy); res.Limited {
			t.Error("a different endpoint should not share the budget")
		}
		if res, _ := testStore.CheckRateLimit(ctx, other, "login", policy); res.Limited {
			t.Error("a different identifier should not share the budget")
		}
	})

	t.Run("zero-value policy is limited without recording", func(t *testing.T) {
		id := "198.51.100.13"
		t.Cleanup(func() { cleanupAttempts(t, ctx, id) })

		res, err := testStore.CheckRateLimit(ctx, id, "login", RateLimit{})
		if err != nil {
			t.Fatalf("CheckRateLimit: %v", err)
		}
		if !res.Limited {
			t.Error("a zero-budget policy should always limit")
		}
		if n := countAttempts(t, ctx, id, "login"); n != 0 {
			t.Errorf("no attempt should be recorded, got %d", n)
		}
	})
}

func TestCleanupRateLimitAttempts(t *testing.T) {
	ctx := context.Background()
	id := "198.51.100.20"
	t.Cleanup(func() { cleanupAttempts(t, ctx, id) })

	now := time.Now()
	insertAttempt(t, ctx, id, "login", now.Add(-2*time.Hour))
	insertAttempt(t, ctx, id, "login", now.Add(-90*time.Minute))
	insertAttempt(t, ctx, id, "login", now.Add(-time.Minute))

	deleted, err := testStore.CleanupRateLimitAttempts(ctx, time.Hour)
	if err != nil {
		t.Fatalf("CleanupRateLimitAttempts: %v", err)
	}
	if deleted < 2 {
		t.Errorf("deleted: expected at least 2, got %d", deleted)
	}
	if n := countAttempts(t, ctx, id, "login"); n != 1 {
		t.Errorf("surviving attempts: expected 1, got %d", n)
	}
}
