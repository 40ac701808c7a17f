package ws

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"studyhall/internal/chat"
	"studyhall/internal/models"
	"studyhall/internal/presence"
	"studyhall/internal/storage"
)

func newTestHub(t *testing.T) (*Hub, *storage.BboltStorage) {
	t.Helper()

	store, err := storage.NewBboltStorage(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	var hub *Hub
	svc := chat.New(chat.Config{
		EventCallback: func(ev chat.Event) {
			hub.HandleEvent(ev)
		},
	}, store)

	tracker := presence.NewTracker(presence.Config{}, newMemPresenceStore())
	hub = NewHub(svc, tracker, store)
	return hub, store
}

func addTestUser(t *testing.T, store *storage.BboltStorage, id, name, display string) models.User {
	t.Helper()
	u := models.User{ID: id, UserName: name, DisplayName: display, Status: models.UserStatusActive}
	if err := store.UpsertUser(u, "hash"); err != nil {
		t.Fatalf("failed to add user: %v", err)
	}
	return u
}

// recvFrame skips roster frames, which every join enqueues.
func recvFrame(t *testing.T, ch chan models.ServerMessage) models.ServerMessage {
	t.Helper()
	deadline := time.After(1 * time.Second)
	for {
		select {
		case msg := <-ch:
			if msg.Type == models.ServerMessageTypeRoster {
				continue
			}
			return msg
		case <-deadline:
			t.Fatal("no frame received")
			return models.ServerMessage{}
		}
	}
}

func TestHub_GroupMessageBroadcast(t *testing.T) {
	hub, store := newTestHub(t)
	alice := addTestUser(t, store, "u-alice", "alice", "Alice A")
	bob := addTestUser(t, store, "u-bob", "bob", "Bob B")

	aliceSession, aliceCh, err := hub.Join(alice)
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}
	defer hub.Leave(aliceSession)

	bobSession, bobCh, err := hub.Join(bob)
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}
	defer hub.Leave(bobSession)

	hub.Dispatch(alice, models.ClientMessage{
		Type:    models.ClientMessageTypeSend,
		Channel: chat.DefaultChannel,
		Text:    "hello everyone",
	})

	for _, ch := range []chan models.ServerMessage{aliceCh, bobCh} {
		frame := recvFrame(t, ch)
		if frame.Type != models.ServerMessageTypeMessages {
			t.Errorf("unexpected frame type %s", frame.Type)
		}
		if len(frame.Messages) != 1 || frame.Messages[0].Text != "hello everyone" {
			t.Errorf("unexpected frame payload: %v", frame.Messages)
		}
	}
}

func TestHub_DirectMessageOnlyToParticipants(t *testing.T) {
	hub, store := newTestHub(t)
	alice := addTestUser(t, store, "u-alice", "alice", "Alice A")
	bob := addTestUser(t, store, "u-bob", "bob", "Bob B")
	carol := addTestUser(t, store, "u-carol", "carol", "Carol C")

	sessions := make(map[string]chan models.ServerMessage)
	for _, u := range []models.User{alice, bob, carol} {
		s, ch, err := hub.Join(u)
		if err != nil {
			t.Fatalf("join failed: %v", err)
		}
		defer hub.Leave(s)
		sessions[u.ID] = ch
	}

	hub.Dispatch(alice, models.ClientMessage{
		Type:      models.ClientMessageTypeDirect,
		PartnerID: bob.ID,
		Text:      "just for bob",
	})

	for _, uid := range []string{alice.ID, bob.ID} {
		frame := recvFrame(t, sessions[uid])
		if frame.Type != models.ServerMessageTypeDirect {
			t.Errorf("unexpected frame type %s for %s", frame.Type, uid)
		}
		if len(frame.DirectMessages) != 1 || frame.DirectMessages[0].Text != "just for bob" {
			t.Errorf("unexpected direct payload: %v", frame.DirectMessages)
		}
		if frame.Conversation == nil {
			t.Error("direct frame missing conversation preview")
		}
	}

	deadline := time.After(50 * time.Millisecond)
	for {
		select {
		case frame := <-sessions[carol.ID]:
			if frame.Type == models.ServerMessageTypeRoster {
				continue
			}
			t.Fatalf("third party received direct frame: %v", frame)
		case <-deadline:
			return
		}
	}
}

func TestHub_RosterBroadcast(t *testing.T) {
	hub, store := newTestHub(t)
	alice := addTestUser(t, store, "u-alice", "alice", "Alice A")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)
	// Let Run subscribe before the join triggers a roster update.
	time.Sleep(10 * time.Millisecond)

	session, ch, err := hub.Join(alice)
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}
	defer hub.Leave(session)

	deadline := time.After(1 * time.Second)
	for {
		select {
		case frame := <-ch:
			if frame.Type != models.ServerMessageTypeRoster {
				continue
			}
			if len(frame.Roster) == 1 && frame.Roster[0].UserName == "alice" {
				return
			}
		case <-deadline:
			t.Fatal("no roster frame received")
		}
	}
}

func TestHub_LeaveClosesChannel(t *testing.T) {
	hub, store := newTestHub(t)
	alice := addTestUser(t, store, "u-alice", "alice", "Alice A")

	session, ch, err := hub.Join(alice)
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}
	hub.Leave(session)

	deadline := time.After(1 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
			// Drain buffered frames until the close shows up.
		case <-deadline:
			t.Fatal("channel not closed after leave")
		}
	}
}
