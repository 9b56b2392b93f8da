package mail

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// recordingMailer captures every send for assertion.
type recordingMailer struct {
	verifications []EmailJob
	alerts        []EmailJob
	notices       []EmailJob
}

func (r *recordingMailer) SendEmailChangeVerification(_ context.Context, toEmail, token string, expiresIn time.Duration) error {
	r.verifications = append(r.verifications, EmailJob{ToEmail: toEmail, Token: token, ExpiresIn: int64(expiresIn)})
	return nil
}

func (r *recordingMailer) SendEmailChangeAlert(_ context.Context, toEmail, cancelToken, newEmail string, expiresIn time.Duration) error {
	r.alerts = append(r.alerts, EmailJob{ToEmail: toEmail, Token: cancelToken, NewEmail: newEmail, ExpiresIn: int64(expiresIn)})
	return nil
}

func (r *recordingMailer) SendSecurityNotice(_ context.Context, toEmail, event string) error {
	r.notices = append(r.notices, EmailJob{ToEmail: toEmail, Event: event})
	return nil
}

// The job payload is a wire format: worker instances may run a different
// build than the enqueuer, so field names are pinned here.
func TestEmailJobWireFormat(t *testing.T) {
	job := EmailJob{
		Type:      jobChangeVerification,
		ToEmail:   "new@example.com",
		Token:     "raw-token",
		ExpiresIn: int64(time.Hour),
	}
	data, err := json.Marshal(job)
	require.NoError(t, err)
	require.JSONEq(t,
		`{"type":"email_change_verification","to_email":"new@example.com","token":"raw-token","expires_in":3600000000000}`,
		string(data))

	// Empty optional fields stay off the wire.
	data, err = json.Marshal(EmailJob{Type: jobSecurityNotice, ToEmail: "a@example.com", Event: "x"})
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"security_notice","to_email":"a@example.com","event":"x"}`, string(data))
}

func TestDispatch(t *testing.T) {
	ctx := context.Background()

	t.Run("verification job", func(t *testing.T) {
		rec := &recordingMailer{}
		q := &QueuedMailer{inner: rec}
		q.dispatch(ctx, EmailJob{
			Type:      jobChangeVerification,
			ToEmail:   "new@example.com",
			Token:     "tok",
			ExpiresIn: int64(2 * time.Hour),
		})
		require.Len(t, rec.verifications, 1)
		require.Equal(t, "new@example.com", rec.verifications[0].ToEmail)
		require.Equal(t, "tok", rec.verifications[0].Token)
		require.Equal(t, int64(2*time.Hour), rec.verifications[0].ExpiresIn)
	})

	t.Run("alert job", func(t *testing.T) {
		rec := &recordingMailer{}
		q := &QueuedMailer{inner: rec}
		q.dispatch(ctx, EmailJob{
			Type:     jobChangeAlert,
			ToEmail:  "old@example.com",
			Token:    "cancel-tok",
			NewEmail: "new@example.com",
		})
		require.Len(t, rec.alerts, 1)
		require.Equal(t, "old@example.com", rec.alerts[0].ToEmail)
		require.Equal(t, "cancel-tok", rec.alerts[0].Token)
		require.Equal(t, "new@example.com", rec.alerts[0].NewEmail)
	})

	t.Run("notice job", func(t *testing.T) {
		rec := &recordingMailer{}
		q := &QueuedMailer{inner: rec}
		q.dispatch(ctx, EmailJob{Type: jobSecurityNotice, ToEmail: "a@example.com", Event: "your password was changed"})
		require.Len(t, rec.notices, 1)
		require.Equal(t, "your password was changed", rec.notices[0].Event)
	})

	t.Run("unknown job type is dropped", func(t *testing.T) {
		rec := &recordingMailer{}
		q := &QueuedMailer{inner: rec}
		q.dispatch(ctx, EmailJob{Type: "bogus", ToEmail: "a@example.com"})
		require.Empty(t, rec.verifications)
		require.Empty(t, rec.alerts)
		require.Empty(t, rec.notices)
	})
}
