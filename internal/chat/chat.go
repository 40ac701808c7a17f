// Package chat implements the group and direct message channels:
// append-only logs with retention-filtered reads, symmetric direct
// conversations with read tracking, announcements, and the admin
// command surface on the send path.
package chat

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"studyhall/internal/content"
	"studyhall/internal/models"

	"github.com/google/uuid"
)

const (
	// DefaultChannel is the shared group channel every user sees.
	DefaultChannel = "lounge"

	// RetentionWindow filters old group messages out of rendered
	// history. Storage keeps the full log; only the view is pruned.
	RetentionWindow = 7 * 24 * time.Hour
)

var (
	ErrEmptyMessage = errors.New("empty message")
	ErrNotAdmin     = errors.New("admin only")
)

type Store interface {
	AppendMessage(message models.Message) error
	ListMessages(channel string, since int64) ([]models.Message, error)
	ClearChannel(channel string) error

	AppendDirectMessage(convID string, msg models.DirectMessage, participants map[string]string) (models.DirectMessage, error)
	ListDirectMessages(convID string) ([]models.DirectMessage, error)
	ListConversations() ([]models.Conversation, error)
	MarkConversationRead(convID, viewerID string, now int64) (int, error)
	GetReadMark(viewerID, convID string) (int64, error)

	SetAnnouncement(a models.Announcement) error
	ClearAnnouncement(kind models.AnnouncementKind) error
	ListAnnouncements() ([]models.Announcement, error)
}

// Event is fanned out after every accepted write.
type Event struct {
	Message      *models.Message
	Direct       *models.DirectMessage
	Conversation *models.Conversation
	Announcement *models.Announcement
	// Cleared names a channel whose log was wiped by an admin.
	Cleared string
}

type Config struct {
	// EventCallback receives every accepted write. May be nil.
	EventCallback func(Event)
}

type Service struct {
	store    Store
	callback func(Event)
	now      func() time.Time
}

func New(config Config, store Store) *Service {
	return &Service{
		store:    store,
		callback: config.EventCallback,
		now:      time.Now,
	}
}

func (s *Service) emit(ev Event) {
	if s.callback != nil {
		s.callback(ev)
	}
}

// ConversationID derives the deterministic id for a participant pair:
// sorted, joined with an underscore, dots and at-signs flattened.
// Symmetric: ConversationID(a, b) == ConversationID(b, a).
func ConversationID(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	joined := strings.Join(pair, "_")
	return strings.NewReplacer(".", "_", "@", "_").Replace(joined)
}

// SendGroup appends a message to the channel log. Admin identities may
// instead issue a command (alert/..., fyi/..., chat/clear); a consumed
// command returns a nil message.
func (s *Service) SendGroup(sender models.User, channel, text string) (*models.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	if channel == "" {
		channel = DefaultChannel
	}

	if sender.IsAdmin {
		handled, err := s.runCommand(channel, text)
		if err != nil {
			return nil, err
		}
		if handled {
			return nil, nil
		}
	}

	msg := models.Message{
		ID:          uuid.NewString(),
		Channel:     channel,
		UserName:    sender.UserName,
		DisplayName: sender.DisplayName,
		Text:        content.Sanitize(text),
		Timestamp:   s.now().UnixMilli(),
	}
	if err := s.store.AppendMessage(msg); err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}

	s.emit(Event{Message: &msg})
	return &msg, nil
}

// runCommand handles the admin command strings carried over the send
// path. Returns handled=false for ordinary message text.
func (s *Service) runCommand(channel, text string) (bool, error) {
	lower := strings.ToLower(text)

	switch {
	case lower == "chat/clear":
		if err := s.store.ClearChannel(channel); err != nil {
			return true, fmt.Errorf("failed to clear channel: %w", err)
		}
		s.emit(Event{Cleared: channel})
		return true, nil

	case strings.HasPrefix(lower, "alert/"):
		return true, s.setOrClearAnnouncement(models.AnnouncementAlert, strings.TrimSpace(text[len("alert/"):]))

	case strings.HasPrefix(lower, "fyi/"):
		return true, s.setOrClearAnnouncement(models.AnnouncementFYI, strings.TrimSpace(text[len("fyi/"):]))
	}

	return false, nil
}

func (s *Service) setOrClearAnnouncement(kind models.AnnouncementKind, body string) error {
	if body == "" || strings.EqualFold(body, "clear") {
		if err := s.store.ClearAnnouncement(kind); err != nil {
			return fmt.Errorf("failed to clear announcement: %w", err)
		}
		s.emit(Event{Announcement: &models.Announcement{Kind: kind}})
		return nil
	}

	a := models.Announcement{
		Kind:      kind,
		Message:   content.Sanitize(body),
		Timestamp: s.now().UnixMilli(),
	}
	if err := s.store.SetAnnouncement(a); err != nil {
		return fmt.Errorf("failed to set announcement: %w", err)
	}
	s.emit(Event{Announcement: &a})
	return nil
}

// History returns the channel's rendered view: messages inside the
// retention window, sorted by timestamp ascending. Out-of-order
// arrivals self-correct here.
func (s *Service) History(channel string) ([]models.Message, error) {
	cutoff := s.now().Add(-RetentionWindow).UnixMilli()
	messages, err := s.store.ListMessages(channel, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	sort.Slice(messages, func(i, j int) bool {
		return messages[i].Timestamp < messages[j].Timestamp
	})
	return messages, nil
}

// ClearChannel wipes a channel log on behalf of an admin identity.
func (s *Service) ClearChannel(sender models.User, channel string) error {
	if !sender.IsAdmin {
		return ErrNotAdmin
	}
	return s.WipeChannel(channel)
}

// WipeChannel is the trusted variant for the admin listener, which has
// no user identity attached.
func (s *Service) WipeChannel(channel string) error {
	if channel == "" {
		channel = DefaultChannel
	}
	if err := s.store.ClearChannel(channel); err != nil {
		return fmt.Errorf("failed to clear channel: %w", err)
	}
	s.emit(Event{Cleared: channel})
	return nil
}

// PostAnnouncement sets a banner, or clears it when body is empty or
// the literal "clear".
func (s *Service) PostAnnouncement(kind models.AnnouncementKind, body string) error {
	if kind != models.AnnouncementAlert && kind != models.AnnouncementFYI {
		return fmt.Errorf("unknown announcement kind %q", kind)
	}
	return s.setOrClearAnnouncement(kind, strings.TrimSpace(body))
}

// SendDirect appends to the pair's conversation. The message record,
// participants map and last-message preview land in one store
// transaction.
func (s *Service) SendDirect(sender, partner models.User, text string) (models.DirectMessage, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return models.DirectMessage{}, ErrEmptyMessage
	}

	convID := ConversationID(sender.UserName, partner.UserName)
	participants := map[string]string{
		sender.ID:  sender.DisplayName,
		partner.ID: partner.DisplayName,
	}

	msg := models.DirectMessage{
		SenderID:   sender.ID,
		SenderName: sender.DisplayName,
		Text:       content.Sanitize(text),
		Timestamp:  s.now().UnixMilli(),
	}

	stored, err := s.store.AppendDirectMessage(convID, msg, participants)
	if err != nil {
		return models.DirectMessage{}, fmt.Errorf("failed to send direct message: %w", err)
	}

	conv := models.Conversation{
		ID:           convID,
		Participants: participants,
		LastMessage: models.LastMessage{
			Text:      stored.Text,
			Sender:    stored.SenderName,
			Timestamp: stored.Timestamp,
		},
	}
	s.emit(Event{Direct: &stored, Conversation: &conv})
	return stored, nil
}

// DirectHistory returns a conversation's messages sorted by timestamp.
func (s *Service) DirectHistory(convID string) ([]models.DirectMessage, error) {
	messages, err := s.store.ListDirectMessages(convID)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	sort.Slice(messages, func(i, j int) bool {
		return messages[i].Timestamp < messages[j].Timestamp
	})
	return messages, nil
}

// Conversations lists the viewer's conversations newest-first, each
// flagged unread when the preview is newer than the viewer's last-read
// watermark and was not sent by the viewer.
func (s *Service) Conversations(viewer models.User) ([]models.Conversation, error) {
	all, err := s.store.ListConversations()
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}

	var mine []models.Conversation
	for _, conv := range all {
		if _, ok := conv.Participants[viewer.ID]; !ok {
			continue
		}

		lastRead, err := s.store.GetReadMark(viewer.ID, conv.ID)
		if err != nil {
			return nil, err
		}
		conv.Unread = conv.LastMessage.Sender != viewer.DisplayName &&
			conv.LastMessage.Timestamp > lastRead
		mine = append(mine, conv)
	}

	sort.Slice(mine, func(i, j int) bool {
		return mine[i].LastMessage.Timestamp > mine[j].LastMessage.Timestamp
	})
	return mine, nil
}

// MarkRead flips the viewer's unread incoming messages and advances
// the watermark. Returns how many messages were flipped. Only a
// participant may mark a conversation; anyone else gets
// models.ErrNotFound, same as an unknown conversation id.
func (s *Service) MarkRead(viewer models.User, convID string) (int, error) {
	flipped, err := s.store.MarkConversationRead(convID, viewer.ID, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to mark conversation read: %w", err)
	}
	return flipped, nil
}

// Announcements returns the active alert/fyi banners.
func (s *Service) Announcements() ([]models.Announcement, error) {
	return s.store.ListAnnouncements()
}

// SetNowFunc overrides the clock for tests.
func (s *Service) SetNowFunc(now func() time.Time) {
	s.now = now
}
