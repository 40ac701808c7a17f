package chat

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"studyhall/internal/models"
	"studyhall/internal/storage"
)

var (
	alice = models.User{ID: "u1", UserName: "alice", DisplayName: "Alice", Status: models.UserStatusActive}
	bob   = models.User{ID: "u2", UserName: "bob", DisplayName: "Bob", Status: models.UserStatusActive}
	admin = models.User{ID: "u9", UserName: "holdenc", DisplayName: "Holden", IsAdmin: true, Status: models.UserStatusActive}
)

func testService(t *testing.T, callback func(Event)) *Service {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "chat_test.db")
	store, err := storage.NewBboltStorage(dbPath)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
		_ = os.Remove(dbPath)
	})

	return New(Config{EventCallback: callback}, store)
}

func TestConversationIDSymmetric(t *testing.T) {
	pairs := [][2]string{
		{"alice", "bob"},
		{"bob.smith", "ann"},
		{"a@school.edu", "b@school.edu"},
	}
	for _, p := range pairs {
		if ConversationID(p[0], p[1]) != ConversationID(p[1], p[0]) {
			t.Errorf("ConversationID not symmetric for %v", p)
		}
	}

	if ConversationID("alice", "bob") == ConversationID("alice", "carol") {
		t.Error("distinct pairs must not collide")
	}

	if got := ConversationID("a.b@x", "c"); got != "a_b_x_c" {
		t.Errorf("dot/at flattening wrong: %q", got)
	}
}

func TestSendGroupAndHistory(t *testing.T) {
	var events []Event
	svc := testService(t, func(ev Event) { events = append(events, ev) })

	msg, err := svc.SendGroup(alice, DefaultChannel, "hello everyone")
	if err != nil {
		t.Fatalf("SendGroup failed: %v", err)
	}
	if msg == nil || msg.Text != "hello everyone" {
		t.Fatalf("unexpected message: %+v", msg)
	}

	history, err := svc.History(DefaultChannel)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 1 || history[0].UserName != "alice" {
		t.Errorf("unexpected history: %+v", history)
	}

	if len(events) != 1 || events[0].Message == nil {
		t.Errorf("expected one message event, got %+v", events)
	}
}

func TestSendGroupRejectsEmpty(t *testing.T) {
	svc := testService(t, nil)
	if _, err := svc.SendGroup(alice, DefaultChannel, "   "); err != ErrEmptyMessage {
		t.Errorf("expected ErrEmptyMessage, got %v", err)
	}
}

func TestHistoryRetentionBoundary(t *testing.T) {
	svc := testService(t, nil)

	now := time.UnixMilli(1_700_000_000_000)
	svc.SetNowFunc(func() time.Time { return now })

	// Write directly to storage with controlled timestamps.
	store := svc.store
	old := models.Message{
		ID: "m-old", Channel: DefaultChannel, UserName: "alice",
		Timestamp: now.Add(-8 * 24 * time.Hour).UnixMilli(),
		Text:      "eight days old",
	}
	recent := models.Message{
		ID: "m-recent", Channel: DefaultChannel, UserName: "bob",
		Timestamp: now.Add(-6 * 24 * time.Hour).UnixMilli(),
		Text:      "six days old",
	}
	if err := store.AppendMessage(old); err != nil {
		t.Fatal(err)
	}
	if err := store.AppendMessage(recent); err != nil {
		t.Fatal(err)
	}

	history, err := svc.History(DefaultChannel)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 1 || history[0].ID != "m-recent" {
		t.Errorf("retention filter wrong: %+v", history)
	}
}

func TestHistorySortsByTimestamp(t *testing.T) {
	svc := testService(t, nil)
	now := time.UnixMilli(1_700_000_000_000)
	svc.SetNowFunc(func() time.Time { return now })

	// Written out of order, as a retried write would arrive.
	for i, ts := range []int64{3, 1, 2} {
		msg := models.Message{
			ID:        string(rune('a' + i)),
			Channel:   DefaultChannel,
			Timestamp: now.UnixMilli() - 1000 + ts,
			Text:      "m",
		}
		if err := svc.store.AppendMessage(msg); err != nil {
			t.Fatal(err)
		}
	}

	history, err := svc.History(DefaultChannel)
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i < len(history); i++ {
		if history[i-1].Timestamp > history[i].Timestamp {
			t.Errorf("history out of order at %d: %+v", i, history)
		}
	}
}

func TestAdminCommands(t *testing.T) {
	svc := testService(t, nil)

	// Announcement set.
	msg, err := svc.SendGroup(admin, DefaultChannel, "alert/exam moved to friday")
	if err != nil {
		t.Fatalf("alert command failed: %v", err)
	}
	if msg != nil {
		t.Errorf("command must not produce a message, got %+v", msg)
	}

	anns, err := svc.Announcements()
	if err != nil {
		t.Fatal(err)
	}
	if len(anns) != 1 || anns[0].Kind != models.AnnouncementAlert || anns[0].Message != "exam moved to friday" {
		t.Errorf("unexpected announcements: %+v", anns)
	}

	// Announcement clear.
	if _, err := svc.SendGroup(admin, DefaultChannel, "alert/clear"); err != nil {
		t.Fatalf("alert clear failed: %v", err)
	}
	anns, _ = svc.Announcements()
	if len(anns) != 0 {
		t.Errorf("announcement survived clear: %+v", anns)
	}

	// Channel clear.
	if _, err := svc.SendGroup(alice, DefaultChannel, "hello"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.SendGroup(admin, DefaultChannel, "chat/clear"); err != nil {
		t.Fatalf("chat/clear failed: %v", err)
	}
	history, _ := svc.History(DefaultChannel)
	if len(history) != 0 {
		t.Errorf("channel survived clear: %+v", history)
	}
}

func TestCommandsIgnoredForRegularUsers(t *testing.T) {
	svc := testService(t, nil)

	msg, err := svc.SendGroup(alice, DefaultChannel, "chat/clear")
	if err != nil {
		t.Fatalf("SendGroup failed: %v", err)
	}
	// Non-admin command text goes out as an ordinary message.
	if msg == nil || msg.Text != "chat/clear" {
		t.Errorf("expected plain message, got %+v", msg)
	}
}

func TestDirectMessageUnreadLifecycle(t *testing.T) {
	svc := testService(t, nil)

	if _, err := svc.SendDirect(alice, bob, "hey bob"); err != nil {
		t.Fatalf("SendDirect failed: %v", err)
	}

	// Recipient sees the conversation unread.
	convos, err := svc.Conversations(bob)
	if err != nil {
		t.Fatal(err)
	}
	if len(convos) != 1 || !convos[0].Unread {
		t.Fatalf("expected one unread conversation for bob, got %+v", convos)
	}

	// Sender never sees their own message as unread.
	convos, _ = svc.Conversations(alice)
	if len(convos) != 1 || convos[0].Unread {
		t.Errorf("sender conversation flagged unread: %+v", convos)
	}

	// Opening the conversation clears the badge and flips read flags.
	flipped, err := svc.MarkRead(bob, convos[0].ID)
	if err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}
	if flipped != 1 {
		t.Errorf("expected 1 flipped message, got %d", flipped)
	}

	convos, _ = svc.Conversations(bob)
	if convos[0].Unread {
		t.Error("unread badge survived MarkRead")
	}

	msgs, err := svc.DirectHistory(convos[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || !msgs[0].Read {
		t.Errorf("read flag not flipped: %+v", msgs)
	}

	// Already-read messages must not re-trigger the badge.
	if _, err := svc.MarkRead(bob, convos[0].ID); err != nil {
		t.Fatal(err)
	}
	convos, _ = svc.Conversations(bob)
	if convos[0].Unread {
		t.Error("badge re-triggered for already-read messages")
	}
}

func TestDirectMessageNewMessageReclaimsBadge(t *testing.T) {
	svc := testService(t, nil)

	if _, err := svc.SendDirect(alice, bob, "first"); err != nil {
		t.Fatal(err)
	}
	convID := ConversationID(alice.UserName, bob.UserName)
	if _, err := svc.MarkRead(bob, convID); err != nil {
		t.Fatal(err)
	}

	// Store clocks are millisecond resolution; make sure the second
	// send lands after the read watermark.
	time.Sleep(2 * time.Millisecond)
	if _, err := svc.SendDirect(alice, bob, "second"); err != nil {
		t.Fatal(err)
	}

	convos, err := svc.Conversations(bob)
	if err != nil {
		t.Fatal(err)
	}
	if len(convos) != 1 || !convos[0].Unread {
		t.Errorf("badge missing after new message: %+v", convos)
	}
}

func TestMarkReadRequiresParticipant(t *testing.T) {
	svc := testService(t, nil)

	if _, err := svc.SendDirect(alice, bob, "between us"); err != nil {
		t.Fatal(err)
	}
	convID := ConversationID(alice.UserName, bob.UserName)

	mallory := models.User{ID: "u7", UserName: "mallory", DisplayName: "Mallory", Status: models.UserStatusActive}
	if _, err := svc.MarkRead(mallory, convID); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for an outsider, got %v", err)
	}

	history, err := svc.DirectHistory(convID)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].Read {
		t.Error("outsider mark-read flipped a message read flag")
	}

	convos, err := svc.Conversations(bob)
	if err != nil {
		t.Fatal(err)
	}
	if len(convos) != 1 || !convos[0].Unread {
		t.Error("outsider mark-read cleared the recipient's badge")
	}

	if _, err := svc.MarkRead(mallory, ConversationID(mallory.UserName, "ghost")); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for a missing conversation, got %v", err)
	}

	if _, err := svc.MarkRead(bob, convID); err != nil {
		t.Fatalf("participant mark-read failed: %v", err)
	}
}
