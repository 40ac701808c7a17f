package ws

import (
	"context"
	"log/slog"
	"sync"

	"studyhall/internal/chat"
	"studyhall/internal/models"
	"studyhall/internal/presence"
)

// UserDirectory resolves user ids to profiles for direct messages.
type UserDirectory interface {
	GetUser(id string) (models.User, error)
}

// Hub fans chat and presence events out to connected sockets. A user
// may hold several sessions (one per tab); every session gets its own
// outbound channel.
type Hub struct {
	chat     *chat.Service
	presence *presence.Tracker
	users    UserDirectory

	// sessionID -> connected client
	clients map[string]*client

	mu sync.RWMutex
}

type client struct {
	userID string
	ch     chan models.ServerMessage
}

func NewHub(chatSvc *chat.Service, tracker *presence.Tracker, users UserDirectory) *Hub {
	return &Hub{
		chat:     chatSvc,
		presence: tracker,
		users:    users,
		clients:  make(map[string]*client),
	}
}

// Join registers a socket for the user and starts tracking presence.
// The returned channel carries frames to write; it is closed by Leave.
func (h *Hub) Join(user models.User) (*presence.Session, chan models.ServerMessage, error) {
	session, err := h.presence.Connect(user)
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan models.ServerMessage, 100)
	h.mu.Lock()
	h.clients[session.ID()] = &client{userID: user.ID, ch: ch}
	h.mu.Unlock()

	// The roster notification from Connect raced the registration
	// above, so hand the fresh socket its own snapshot.
	if roster, err := h.presence.Roster(); err == nil {
		ch <- models.ServerMessage{
			Type:   models.ServerMessageTypeRoster,
			Roster: roster,
		}
	}

	return session, ch, nil
}

func (h *Hub) Leave(session *presence.Session) {
	h.mu.Lock()
	if c, ok := h.clients[session.ID()]; ok {
		close(c.ch)
		delete(h.clients, session.ID())
	}
	h.mu.Unlock()

	if err := session.Disconnect(); err != nil {
		slog.Warn("presence disconnect failed", "session_id", session.ID(), "error", err)
	}
}

// Dispatch handles one inbound frame from a connected user.
func (h *Hub) Dispatch(user models.User, msg models.ClientMessage) {
	switch msg.Type {
	case models.ClientMessageTypeSend:
		if _, err := h.chat.SendGroup(user, msg.Channel, msg.Text); err != nil {
			slog.Warn("group send rejected", "user", user.UserName, "error", err)
		}
	case models.ClientMessageTypeDirect:
		partner, err := h.users.GetUser(msg.PartnerID)
		if err != nil {
			slog.Warn("direct send to unknown partner", "partner_id", msg.PartnerID)
			return
		}
		if _, err := h.chat.SendDirect(user, partner, msg.Text); err != nil {
			slog.Warn("direct send rejected", "user", user.UserName, "error", err)
		}
	case models.ClientMessageTypeMarkRead:
		if _, err := h.chat.MarkRead(user, msg.ConversationID); err != nil {
			slog.Warn("mark read failed", "user", user.UserName, "error", err)
		}
	}
}

// HandleEvent converts a chat event into frames for the right sockets.
func (h *Hub) HandleEvent(ev chat.Event) {
	switch {
	case ev.Message != nil:
		h.broadcast(models.ServerMessage{
			Type:     models.ServerMessageTypeMessages,
			Channel:  ev.Message.Channel,
			Messages: []models.Message{*ev.Message},
		})
	case ev.Direct != nil && ev.Conversation != nil:
		frame := models.ServerMessage{
			Type:           models.ServerMessageTypeDirect,
			ConversationID: ev.Conversation.ID,
			DirectMessages: []models.DirectMessage{*ev.Direct},
			Conversation:   ev.Conversation,
		}
		for userID := range ev.Conversation.Participants {
			h.sendToUser(userID, frame)
		}
	case ev.Announcement != nil:
		h.broadcast(models.ServerMessage{
			Type:         models.ServerMessageTypeAnnouncement,
			Announcement: ev.Announcement,
		})
	case ev.Cleared != "":
		h.broadcast(models.ServerMessage{
			Type:    models.ServerMessageTypeCleared,
			Channel: ev.Cleared,
		})
	}
}

// Run forwards roster updates to every connected socket until the
// context ends.
func (h *Hub) Run(ctx context.Context) error {
	rosterCh := h.presence.Subscribe()
	defer h.presence.Unsubscribe(rosterCh)

	for {
		select {
		case roster := <-rosterCh:
			h.broadcast(models.ServerMessage{
				Type:   models.ServerMessageTypeRoster,
				Roster: roster,
			})
		case <-ctx.Done():
			return nil
		}
	}
}

func (h *Hub) broadcast(msg models.ServerMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		select {
		case c.ch <- msg:
		default:
			// Slow consumer, drop the frame.
		}
	}
}

func (h *Hub) sendToUser(userID string, msg models.ServerMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if c.userID != userID {
			continue
		}
		select {
		case c.ch <- msg:
		default:
		}
	}
}
