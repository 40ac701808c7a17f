package models

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
)

type UserStatus string

const (
	UserStatusCreated UserStatus = "created"
	UserStatusActive  UserStatus = "active"
	UserStatusDeleted UserStatus = "deleted"
)

// User represents a registered portal user.
type User struct {
	ID          string     `json:"id"`
	UserName    string     `json:"userName"`
	DisplayName string     `json:"displayName"`
	Email       string     `json:"email,omitempty"`
	IsAdmin     bool       `json:"isAdmin,omitempty"`
	Status      UserStatus `json:"status"`
}

// FirstName returns the first word of the display name, used for
// mention matching.
func (u User) FirstName() string {
	fields := strings.Fields(u.DisplayName)
	if len(fields) == 0 {
		return u.UserName
	}
	return fields[0]
}

type PresenceStatus string

const (
	PresenceOnline PresenceStatus = "online"
	PresenceAway   PresenceStatus = "away"
)

// PresenceEntry records one connected session. LastActive is epoch
// milliseconds and is rewritten by the session heartbeat.
type PresenceEntry struct {
	SessionID   string         `json:"sessionId"`
	UserID      string         `json:"userId"`
	UserName    string         `json:"userName"`
	DisplayName string         `json:"displayName"`
	Status      PresenceStatus `json:"status"`
	LastActive  int64          `json:"lastActive"`
}

// Message is a group-channel message. Append-only, never mutated.
type Message struct {
	ID          string `json:"id"`
	Channel     string `json:"channel"`
	UserName    string `json:"userName"`
	DisplayName string `json:"displayName"`
	Text        string `json:"text"`
	Timestamp   int64  `json:"timestamp"` // epoch ms
}

// DirectMessage is one message inside a conversation. Read starts
// false and is flipped by the recipient.
type DirectMessage struct {
	Seq            int64  `json:"seq"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	SenderName     string `json:"senderName"`
	Text           string `json:"text"`
	Timestamp      int64  `json:"timestamp"` // epoch ms
	Read           bool   `json:"read"`
}

// LastMessage is the cached conversation-list preview.
type LastMessage struct {
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
	Sender    string `json:"sender"`
}

// Conversation summarizes one direct-message thread. Unread is derived
// per viewer from the last-read watermark and is never stored.
type Conversation struct {
	ID           string            `json:"id"`
	Participants map[string]string `json:"participants"` // user id -> display name
	LastMessage  LastMessage       `json:"lastMessage"`
	Unread       bool              `json:"unread,omitempty"`
}

type AnnouncementKind string

const (
	AnnouncementAlert AnnouncementKind = "alert"
	AnnouncementFYI   AnnouncementKind = "fyi"
)

type Announcement struct {
	Kind      AnnouncementKind `json:"kind"`
	Message   string           `json:"message"`
	Timestamp int64            `json:"timestamp"`
}

// PushSubscription is one web-push endpoint registered by a user's
// browser. A user may hold several (one per device).
type PushSubscription struct {
	UserID    string `json:"userId"`
	Endpoint  string `json:"endpoint"`
	Auth      string `json:"auth"`
	P256dh    string `json:"p256dh"`
	CreatedAt int64  `json:"createdAt"`
}

// ClientMessage represents a frame sent from the client to the server.
type ClientMessage struct {
	Type           ClientMessageType `json:"type"`
	Channel        string            `json:"channel,omitempty"`
	ConversationID string            `json:"conversationId,omitempty"`
	PartnerID      string            `json:"partnerId,omitempty"`
	Text           string            `json:"text,omitempty"`
	Away           bool              `json:"away,omitempty"`
}

type ClientMessageType string

const (
	ClientMessageTypeSend      ClientMessageType = "send"
	ClientMessageTypeDirect    ClientMessageType = "direct"
	ClientMessageTypeHeartbeat ClientMessageType = "heartbeat"
	ClientMessageTypeMarkRead  ClientMessageType = "markRead"
)

// ServerMessage represents a frame pushed to the client.
type ServerMessage struct {
	Type           ServerMessageType `json:"type"`
	Channel        string            `json:"channel,omitempty"`
	ConversationID string            `json:"conversationId,omitempty"`
	Messages       []Message         `json:"messages,omitempty"`
	DirectMessages []DirectMessage   `json:"directMessages,omitempty"`
	Roster         []PresenceEntry   `json:"roster,omitempty"`
	Announcement   *Announcement     `json:"announcement,omitempty"`
	Conversation   *Conversation     `json:"conversation,omitempty"`
}

type ServerMessageType string

const (
	ServerMessageTypeMessages     ServerMessageType = "messages"
	ServerMessageTypeDirect       ServerMessageType = "direct"
	ServerMessageTypeRoster       ServerMessageType = "roster"
	ServerMessageTypeAnnouncement ServerMessageType = "announcement"
	ServerMessageTypeConversation ServerMessageType = "conversation"
	ServerMessageTypeCleared      ServerMessageType = "cleared"
)

type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// NowMillis is the timestamp convention used across the store.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
