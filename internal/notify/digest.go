package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"studyhall/internal/models"
)

// EmailSender is what the digest job needs from the email client.
type EmailSender interface {
	Send(ctx context.Context, params map[string]string) error
}

type DigestStore interface {
	ListUsers() ([]models.User, error)
	SetUserStatus(id string, status models.UserStatus) error
}

// Digest sends a one-time welcome email to every user that was created
// but never greeted, then marks them active so they are not greeted again.
type Digest struct {
	store   DigestStore
	email   EmailSender
	baseURL string
	sendGap time.Duration

	sleep func(ctx context.Context, d time.Duration)
}

func NewDigest(store DigestStore, email EmailSender, baseURL string, sendGap time.Duration) *Digest {
	return &Digest{
		store:   store,
		email:   email,
		baseURL: baseURL,
		sendGap: sendGap,
		sleep:   sleepCtx,
	}
}

// Run processes all pending recipients. A failure for one recipient is
// logged and does not stop the rest of the batch.
func (d *Digest) Run(ctx context.Context) (sent, failed int, err error) {
	users, err := d.store.ListUsers()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list users: %w", err)
	}

	first := true
	for _, u := range users {
		if u.Status != models.UserStatusCreated || u.Email == "" {
			continue
		}
		if ctx.Err() != nil {
			return sent, failed, ctx.Err()
		}
		if !first {
			// Providers throttle bursts, so space the sends out.
			d.sleep(ctx, d.sendGap)
		}
		first = false

		params := map[string]string{
			"to_email": u.Email,
			"to_name":  u.DisplayName,
			"site_url": d.baseURL,
		}
		if sendErr := d.email.Send(ctx, params); sendErr != nil {
			slog.Error("welcome email failed", "user", u.UserName, "error", sendErr)
			failed++
			continue
		}
		if markErr := d.store.SetUserStatus(u.ID, models.UserStatusActive); markErr != nil {
			slog.Error("failed to mark user active", "user", u.UserName, "error", markErr)
			failed++
			continue
		}
		sent++
	}

	slog.Info("welcome digest finished", "sent", sent, "failed", failed)
	return sent, failed, nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
