// stores.go
//
// Shared stateful mocks for auth.Store, auth.SessionCache, auth.RateLimiter,
// mail.Mailer, and auth.CaptchaVerifier. Imported by test files across
// packages to avoid duplicate mock definitions.
//
// Every mock is map-backed and mutex-guarded so concurrency tests (backup-code
// races, parallel handlers) behave like the real stores. Zero-valued *Err
// fields mean no injected error.
package testutil

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/averyk-dev/aegis/internal/store"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// MockStore implements auth.Store for tests.
type MockStore struct {
	CreateUserErr     error
	GetUserErr        error
	UpdatePasswordErr error
	TwoFactorErr      error
	CreateSessionErr  error
	GetSessionErr     error
	UpgradeSessionErr error
	DeleteSessionErr  error
	PendingChangeErr  error
	AuditErr          error

	Users          map[uuid.UUID]*store.User
	Sessions       map[string]*store.Session            // keyed by string(tokenHash)
	BackupCodes    map[uuid.UUID]map[string]bool        // userID -> code hash -> used
	PendingChanges map[uuid.UUID]*store.PendingEmailChange
	AuditEntries   []store.AuditEntry

	mu sync.Mutex
}

// NewMockStore returns a MockStore seeded with the given users.
func NewMockStore(users ...*store.User) *MockStore {
	ms := &MockStore{
		Users:          make(map[uuid.UUID]*store.User),
		Sessions:       make(map[string]*store.Session),
		BackupCodes:    make(map[uuid.UUID]map[string]bool),
		PendingChanges: make(map[uuid.UUID]*store.PendingEmailChange),
	}
	for _, u := range users {
		ms.Users[u.ID] = u
	}
	return ms
}

// SeedBackupCodes registers backup-code hashes for a user, all unused.
func (m *MockStore) SeedBackupCodes(userID uuid.UUID, hashes ...[]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.BackupCodes[userID]
	if set == nil {
		set = make(map[string]bool)
		m.BackupCodes[userID] = set
	}
	for _, h := range hashes {
		set[string(h)] = false
	}
}

// SeedSession inserts a session keyed by its token hash.
func (m *MockStore) SeedSession(sess *store.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sessions[string(sess.TokenHash)] = sess
}

func (m *MockStore) CreateUser(_ context.Context, id uuid.UUID, email, passwordHash string) error {
	if m.CreateUserErr != nil {
		return m.CreateUserErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.Users {
		if strings.EqualFold(u.Email, email) {
			// The real store surfaces the unique-index violation raw.
			return &pgconn.PgError{Code: "23505", ConstraintName: "users_email_lower_idx"}
		}
	}
	now := time.Now()
	m.Users[id] = &store.User{ID: id, Email: email, PasswordHash: passwordHash, CreatedAt: now, UpdatedAt: now}
	return nil
}

func (m *MockStore) GetUserByEmail(_ context.Context, email string) (*store.User, error) {
	if m.GetUserErr != nil {
		return nil, m.GetUserErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.Users {
		if strings.EqualFold(u.Email, email) {
			return u, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (m *MockStore) GetUserByID(_ context.Context, id uuid.UUID) (*store.User, error) {
	if m.GetUserErr != nil {
		return nil, m.GetUserErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.Users[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return u, nil
}

func (m *MockStore) UpdateUserPassword(_ context.Context, id uuid.UUID, passwordHash string) error {
	if m.UpdatePasswordErr != nil {
		return m.UpdatePasswordErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.Users[id]
	if !ok {
		return pgx.ErrNoRows
	}
	u.PasswordHash = passwordHash
	return nil
}

func (m *MockStore) EnableTwoFactor(_ context.Context, userID uuid.UUID, totpSecret string, codeHashes [][]byte) error {
	if m.TwoFactorErr != nil {
		return m.TwoFactorErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.Users[userID]
	if !ok {
		return pgx.ErrNoRows
	}
	u.TotpSecret = &totpSecret
	set := make(map[string]bool, len(codeHashes))
	for _, h := range codeHashes {
		set[string(h)] = false
	}
	m.BackupCodes[userID] = set
	return nil
}

func (m *MockStore) DisableTwoFactor(_ context.Context, userID uuid.UUID) error {
	if m.TwoFactorErr != nil {
		return m.TwoFactorErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.Users[userID]
	if !ok {
		return pgx.ErrNoRows
	}
	u.TotpSecret = nil
	delete(m.BackupCodes, userID)
	return nil
}

// ConsumeBackupCode mirrors the store's single-winner semantics: under two
// concurrent calls with the same code, exactly one gets nil.
func (m *MockStore) ConsumeBackupCode(_ context.Context, userID uuid.UUID, codeHash []byte) error {
	if m.TwoFactorErr != nil {
		return m.TwoFactorErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.BackupCodes[userID]
	used, ok := set[string(codeHash)]
	if !ok {
		return store.ErrTwoFactorCodeInvalid
	}
	if used {
		return store.ErrTwoFactorCodeReused
	}
	set[string(codeHash)] = true
	return nil
}

func (m *MockStore) CreateSession(_ context.Context, sess *store.Session) error {
	if m.CreateSessionErr != nil {
		return m.CreateSessionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sess
	m.Sessions[string(sess.TokenHash)] = &cp
	return nil
}

func (m *MockStore) GetSessionByTokenHash(_ context.Context, tokenHash []byte) (*store.Session, error) {
	if m.GetSessionErr != nil {
		return nil, m.GetSessionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.Sessions[string(tokenHash)]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return s, nil
}

func (m *MockStore) UpgradeSession(_ context.Context, tokenHash []byte, now time.Time) (*store.Session, int64, error) {
	if m.UpgradeSessionErr != nil {
		return nil, 0, m.UpgradeSessionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.Sessions[string(tokenHash)]
	if !ok {
		return nil, 0, pgx.ErrNoRows
	}
	s.TwoFactorVerified = true
	ts := now
	s.TwoFactorVerifiedAt = &ts
	var stale int64
	for key, other := range m.Sessions {
		if key != string(tokenHash) && other.UserID == s.UserID && !other.TwoFactorVerified {
			delete(m.Sessions, key)
			stale++
		}
	}
	return s, stale, nil
}

func (m *MockStore) RefreshTwoFactorVerifiedAt(_ context.Context, tokenHash []byte, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.Sessions[string(tokenHash)]
	if !ok {
		return pgx.ErrNoRows
	}
	ts := now
	s.TwoFactorVerifiedAt = &ts
	return nil
}

func (m *MockStore) TouchSession(_ context.Context, tokenHash []byte, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.Sessions[string(tokenHash)]; ok {
		s.LastActiveAt = now
	}
	return nil
}

func (m *MockStore) DeleteSession(_ context.Context, tokenHash []byte) error {
	if m.DeleteSessionErr != nil {
		return m.DeleteSessionErr
	}
	m.mu.Lock()
	delete(m.Sessions, string(tokenHash))
	m.mu.Unlock()
	return nil
}

func (m *MockStore) DeleteAllUserSessions(_ context.Context, userID uuid.UUID) error {
	if m.DeleteSessionErr != nil {
		return m.DeleteSessionErr
	}
	m.mu.Lock()
	for key, s := range m.Sessions {
		if s.UserID == userID {
			delete(m.Sessions, key)
		}
	}
	m.mu.Unlock()
	return nil
}

func (m *MockStore) DeleteOtherUserSessions(_ context.Context, userID uuid.UUID, keepTokenHash []byte) (int64, error) {
	if m.DeleteSessionErr != nil {
		return 0, m.DeleteSessionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for key, s := range m.Sessions {
		if s.UserID == userID && key != string(keepTokenHash) {
			delete(m.Sessions, key)
			n++
		}
	}
	return n, nil
}

func (m *MockStore) CreatePendingEmailChange(_ context.Context, p *store.PendingEmailChange) error {
	if m.PendingChangeErr != nil {
		return m.PendingChangeErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for _, u := range m.Users {
		if strings.EqualFold(u.Email, p.NewEmail) {
			return store.ErrEmailConflict
		}
	}
	for _, other := range m.PendingChanges {
		if other.UserID != p.UserID && strings.EqualFold(other.NewEmail, p.NewEmail) && other.Active(now) {
			return store.ErrEmailConflict
		}
	}
	for _, own := range m.PendingChanges {
		if own.UserID == p.UserID && own.Active(now) {
			ts := now
			own.CancelledAt = &ts
		}
	}
	cp := *p
	m.PendingChanges[p.ID] = &cp
	return nil
}

func (m *MockStore) findPendingByToken(hash []byte, verify bool) *store.PendingEmailChange {
	for _, p := range m.PendingChanges {
		if verify && string(p.VerifyTokenHash) == string(hash) {
			return p
		}
		if !verify && string(p.CancelTokenHash) == string(hash) {
			return p
		}
	}
	return nil
}

func classifyPending(p *store.PendingEmailChange, now time.Time) error {
	switch {
	case p == nil:
		return store.ErrTokenInvalidOrExpired
	case p.CancelledAt != nil:
		return store.ErrChangeCancelled
	case p.FinalizedAt != nil:
		return store.ErrChangeAlreadyFinalized
	case !now.Before(p.ExpiresAt):
		return store.ErrTokenInvalidOrExpired
	default:
		return nil
	}
}

func (m *MockStore) FinalizeEmailChange(_ context.Context, verifyTokenHash, keepTokenHash []byte, now time.Time) (*store.PendingEmailChange, error) {
	if m.PendingChangeErr != nil {
		return nil, m.PendingChangeErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.findPendingByToken(verifyTokenHash, true)
	if err := classifyPending(p, now); err != nil {
		return nil, err
	}
	for id, u := range m.Users {
		if id != p.UserID && strings.EqualFold(u.Email, p.NewEmail) {
			return nil, store.ErrEmailConflict
		}
	}
	m.Users[p.UserID].Email = p.NewEmail
	ts := now
	p.VerifiedAt, p.FinalizedAt = &ts, &ts
	for key, s := range m.Sessions {
		if s.UserID == p.UserID && key != string(keepTokenHash) {
			delete(m.Sessions, key)
		}
	}
	return p, nil
}

func (m *MockStore) CancelEmailChange(_ context.Context, cancelTokenHash []byte, now time.Time) (*store.PendingEmailChange, error) {
	if m.PendingChangeErr != nil {
		return nil, m.PendingChangeErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.findPendingByToken(cancelTokenHash, false)
	if err := classifyPending(p, now); err != nil {
		return nil, err
	}
	ts := now
	p.CancelledAt = &ts
	return p, nil
}

func (m *MockStore) InsertAuditEntry(_ context.Context, e store.AuditEntry) error {
	if m.AuditErr != nil {
		return m.AuditErr
	}
	m.mu.Lock()
	m.AuditEntries = append(m.AuditEntries, e)
	m.mu.Unlock()
	return nil
}

// MockCache implements auth.SessionCache for tests. Misses return
// store.ErrCacheMiss, matching the real Redis store.
type MockCache struct {
	GetSessionErr    error
	SetSessionErr    error
	DeleteSessionErr error

	Sessions map[string]*store.CachedSession // keyed by base64 token hash

	mu sync.Mutex
}

// NewMockCache returns an empty MockCache ready for use.
func NewMockCache() *MockCache {
	return &MockCache{Sessions: make(map[string]*store.CachedSession)}
}

func (m *MockCache) GetSession(_ context.Context, tokenHash string) (*store.CachedSession, error) {
	if m.GetSessionErr != nil {
		return nil, m.GetSessionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.Sessions[tokenHash]
	if !ok {
		return nil, store.ErrCacheMiss
	}
	return s, nil
}

func (m *MockCache) SetSession(_ context.Context, tokenHash string, sess store.Session, ttl int) error {
	if m.SetSessionErr != nil {
		return m.SetSessionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sessions[tokenHash] = &store.CachedSession{
		ID:                  sess.ID,
		UserID:              sess.UserID,
		TwoFactorVerified:   sess.TwoFactorVerified,
		TwoFactorVerifiedAt: sess.TwoFactorVerifiedAt,
		ExpiresAt:           sess.ExpiresAt,
	}
	return nil
}

func (m *MockCache) DeleteSession(_ context.Context, tokenHash string, _ uuid.UUID) error {
	if m.DeleteSessionErr != nil {
		return m.DeleteSessionErr
	}
	m.mu.Lock()
	delete(m.Sessions, tokenHash)
	m.mu.Unlock()
	return nil
}

func (m *MockCache) DeleteAllUserSessions(_ context.Context, userID uuid.UUID) error {
	if m.DeleteSessionErr != nil {
		return m.DeleteSessionErr
	}
	m.mu.Lock()
	for key, s := range m.Sessions {
		if s.UserID == userID {
			delete(m.Sessions, key)
		}
	}
	m.mu.Unlock()
	return nil
}

// MockRateLimiter implements auth.RateLimiter. Result and Err apply to every
// call; Calls records (identifier, endpoint) pairs for assertions.
type MockRateLimiter struct {
	Result store.RateLimitResult
	Err    error

	Calls []RateLimitCall

	mu sync.Mutex
}

type RateLimitCall struct {
	Identifier string
	Endpoint   string
	Policy     store.RateLimit
}

func (m *MockRateLimiter) CheckRateLimit(_ context.Context, identifier, endpoint string, policy store.RateLimit) (store.RateLimitResult, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, RateLimitCall{identifier, endpoint, policy})
	m.mu.Unlock()
	return m.Result, m.Err
}

// MockMailer implements mail.Mailer and records every send.
type MockMailer struct {
	Err error

	Verifications []SentMail
	Alerts        []SentMail
	Notices       []SentMail

	mu sync.Mutex
}

type SentMail struct {
	To    string
	Token string
	Extra string // new email for alerts, event for notices
}

func (m *MockMailer) SendEmailChangeVerification(_ context.Context, toEmail, token string, _ time.Duration) error {
	if m.Err != nil {
		return m.Err
	}
	m.mu.Lock()
	m.Verifications = append(m.Verifications, SentMail{To: toEmail, Token: token})
	m.mu.Unlock()
	return nil
}

func (m *MockMailer) SendEmailChangeAlert(_ context.Context, toEmail, cancelToken, newEmail string, _ time.Duration) error {
	if m.Err != nil {
		return m.Err
	}
	m.mu.Lock()
	m.Alerts = append(m.Alerts, SentMail{To: toEmail, Token: cancelToken, Extra: newEmail})
	m.mu.Unlock()
	return nil
}

func (m *MockMailer) SendSecurityNotice(_ context.Context, toEmail, event string) error {
	if m.Err != nil {
		return m.Err
	}
	m.mu.Lock()
	m.Notices = append(m.Notices, SentMail{To: toEmail, Extra: event})
	m.mu.Unlock()
	return nil
}

// MockCaptcha implements auth.CaptchaVerifier. A nil Err passes every token.
type MockCaptcha struct {
	Err    error
	Tokens []string

	mu sync.Mutex
}

func (m *MockCaptcha) Verify(_ context.Context, token, _ string) error {
	m.mu.Lock()
	m.Tokens = append(m.Tokens, token)
	m.mu.Unlock()
	return m.Err
}
