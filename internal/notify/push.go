// Package notify delivers push notifications for chat activity and
// runs the daily email digest. Push endpoints the provider reports as
// gone are deleted on the spot; that is routine cleanup, not an error
// path.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"unicode/utf8"

	"studyhall/internal/chat"
	"studyhall/internal/content"
	"studyhall/internal/models"

	webpush "github.com/SherClockHolmes/webpush-go"
)

type SubscriptionStore interface {
	ListPushSubscriptions(userID string) ([]models.PushSubscription, error)
	DeletePushSubscription(userID, endpoint string) error
}

type UserDirectory interface {
	ListUsers() ([]models.User, error)
}

type Config struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subscriber      string
	TTL             int
}

type sendFunc func(ctx context.Context, message []byte, s *webpush.Subscription, options *webpush.Options) (*http.Response, error)

type Dispatcher struct {
	cfg   Config
	store SubscriptionStore
	users UserDirectory
	send  sendFunc
}

func NewDispatcher(cfg Config, store SubscriptionStore, users UserDirectory) *Dispatcher {
	if cfg.TTL == 0 {
		cfg.TTL = 60
	}
	return &Dispatcher{
		cfg:   cfg,
		store: store,
		users: users,
		send:  webpush.SendNotificationWithContext,
	}
}

// payload is the JSON body handed to the browser's push handler.
type payload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Tag   string `json:"tag"`
}

// HandleEvent routes a chat event to push targets. Direct messages go
// to the other participant; group messages go to resolved mentions.
func (d *Dispatcher) HandleEvent(ctx context.Context, ev chat.Event) {
	switch {
	case ev.Direct != nil && ev.Conversation != nil:
		d.handleDirect(ctx, ev)
	case ev.Message != nil:
		d.handleGroup(ctx, ev.Message)
	}
}

func (d *Dispatcher) handleDirect(ctx context.Context, ev chat.Event) {
	body := payload{
		Title: ev.Direct.SenderName,
		Body:  truncate(ev.Direct.Text, 100),
		Tag:   "dm-" + ev.Conversation.ID,
	}
	for userID := range ev.Conversation.Participants {
		if userID == ev.Direct.SenderID {
			continue
		}
		sent, pruned := d.PushToUser(ctx, userID, body)
		slog.Debug("direct push delivered", "user_id", userID, "sent", sent, "pruned", pruned)
	}
}

func (d *Dispatcher) handleGroup(ctx context.Context, msg *models.Message) {
	identities, err := d.users.ListUsers()
	if err != nil {
		slog.Warn("mention fanout skipped", "error", err)
		return
	}

	targets := content.ResolveMentions(msg.Text, msg.UserName, identities)
	if len(targets) == 0 {
		return
	}

	body := payload{
		Title: fmt.Sprintf("%s mentioned you", msg.DisplayName),
		Body:  truncate(msg.Text, 100),
		Tag:   "mention-" + msg.Channel,
	}
	for _, target := range targets {
		sent, pruned := d.PushToUser(ctx, target.ID, body)
		slog.Debug("mention push delivered", "user_id", target.ID, "sent", sent, "pruned", pruned)
	}
}

// PushToUser multicasts to every endpoint in the user's subscription
// set. Endpoints answering 404 or 410 are deleted; other failures are
// logged and skipped, delivery is one-shot per event.
func (d *Dispatcher) PushToUser(ctx context.Context, userID string, body payload) (sent, pruned int) {
	subs, err := d.store.ListPushSubscriptions(userID)
	if err != nil {
		slog.Warn("push subscription lookup failed", "user_id", userID, "error", err)
		return 0, 0
	}
	if len(subs) == 0 {
		return 0, 0
	}

	message, err := json.Marshal(body)
	if err != nil {
		slog.Error("push payload marshal failed", "error", err)
		return 0, 0
	}

	for _, sub := range subs {
		resp, err := d.send(ctx, message, &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys: webpush.Keys{
				Auth:   sub.Auth,
				P256dh: sub.P256dh,
			},
		}, &webpush.Options{
			Subscriber:      d.cfg.Subscriber,
			VAPIDPublicKey:  d.cfg.VAPIDPublicKey,
			VAPIDPrivateKey: d.cfg.VAPIDPrivateKey,
			TTL:             d.cfg.TTL,
		})
		if err != nil {
			slog.Warn("push send failed", "user_id", userID, "error", err)
			continue
		}
		_ = resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusNotFound, http.StatusGone:
			if delErr := d.store.DeletePushSubscription(userID, sub.Endpoint); delErr != nil {
				slog.Warn("dead subscription cleanup failed", "user_id", userID, "error", delErr)
				continue
			}
			pruned++
		default:
			sent++
		}
	}
	return sent, pruned
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	// Back off to a rune boundary so the payload stays valid UTF-8.
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
