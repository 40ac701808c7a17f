// Package presence maintains the live "who is online" roster. Each
// connected session holds a presence entry refreshed by a heartbeat;
// a disconnect hook removes it on clean teardown and a periodic sweep
// reclaims entries the hook missed.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"studyhall/internal/models"

	"github.com/google/uuid"
)

type Store interface {
	UpsertPresence(entry models.PresenceEntry) error
	DeletePresence(sessionID string) error
	ListPresence() ([]models.PresenceEntry, error)
}

type Config struct {
	// HeartbeatInterval is how often a session rewrites its timestamp.
	HeartbeatInterval time.Duration
	// FreshWindow is the client-side roster filter. Entries older than
	// this are hidden but not yet reclaimed.
	FreshWindow time.Duration
	// StaleThreshold is the sweep cutoff. Kept at 2x FreshWindow so the
	// sweep never races a slow heartbeat.
	StaleThreshold time.Duration
}

type Tracker struct {
	cfg   Config
	store Store
	now   func() time.Time

	subMu sync.Mutex
	subs  []chan []models.PresenceEntry
}

func NewTracker(cfg Config, store Store) *Tracker {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = time.Minute
	}
	if cfg.FreshWindow <= 0 {
		cfg.FreshWindow = 5 * time.Minute
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = 2 * cfg.FreshWindow
	}
	return &Tracker{
		cfg:   cfg,
		store: store,
		now:   time.Now,
	}
}

// Session is one connected client's presence claim.
type Session struct {
	tracker *Tracker
	id      string

	mu    sync.Mutex
	entry models.PresenceEntry
}

// Connect creates a presence entry for the user and returns the
// session owning it. The caller must arrange Disconnect on teardown
// (the hub does this from its connection close path).
func (t *Tracker) Connect(user models.User) (*Session, error) {
	entry := models.PresenceEntry{
		SessionID:   uuid.NewString(),
		UserID:      user.ID,
		UserName:    user.UserName,
		DisplayName: user.DisplayName,
		Status:      models.PresenceOnline,
		LastActive:  t.now().UnixMilli(),
	}
	if err := t.store.UpsertPresence(entry); err != nil {
		return nil, fmt.Errorf("failed to create presence entry: %w", err)
	}
	t.notify()

	return &Session{tracker: t, id: entry.SessionID, entry: entry}, nil
}

// ID returns the session's identifier.
func (s *Session) ID() string {
	return s.id
}

// Heartbeat rewrites the session's timestamp.
func (s *Session) Heartbeat() error {
	s.mu.Lock()
	s.entry.LastActive = s.tracker.now().UnixMilli()
	entry := s.entry
	s.mu.Unlock()

	if err := s.tracker.store.UpsertPresence(entry); err != nil {
		return fmt.Errorf("heartbeat failed: %w", err)
	}
	s.tracker.notify()
	return nil
}

// SetAway flips the session between online and away.
func (s *Session) SetAway(away bool) error {
	s.mu.Lock()
	if away {
		s.entry.Status = models.PresenceAway
	} else {
		s.entry.Status = models.PresenceOnline
	}
	s.entry.LastActive = s.tracker.now().UnixMilli()
	entry := s.entry
	s.mu.Unlock()

	if err := s.tracker.store.UpsertPresence(entry); err != nil {
		return fmt.Errorf("status update failed: %w", err)
	}
	s.tracker.notify()
	return nil
}

// Disconnect is the remove-on-disconnect hook. Safe to call more than
// once.
func (s *Session) Disconnect() error {
	if err := s.tracker.store.DeletePresence(s.id); err != nil {
		return fmt.Errorf("disconnect cleanup failed: %w", err)
	}
	s.tracker.notify()
	return nil
}

// Run heartbeats until the context is cancelled, then fires the
// disconnect hook.
func (s *Session) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tracker.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.Heartbeat(); err != nil {
				slog.Warn("presence heartbeat failed", "session_id", s.id, "error", err)
			}
		case <-ctx.Done():
			return s.Disconnect()
		}
	}
}

// Roster returns entries whose last activity is within the fresh
// window, sorted by display name.
func (t *Tracker) Roster() ([]models.PresenceEntry, error) {
	entries, err := t.store.ListPresence()
	if err != nil {
		return nil, err
	}

	cutoff := t.now().UnixMilli() - t.cfg.FreshWindow.Milliseconds()
	fresh := make([]models.PresenceEntry, 0, len(entries))
	for _, e := range entries {
		if e.LastActive > cutoff {
			fresh = append(fresh, e)
		}
	}

	sort.Slice(fresh, func(i, j int) bool {
		return fresh[i].DisplayName < fresh[j].DisplayName
	})
	return fresh, nil
}

// Subscribe registers a roster listener. Each presence change delivers
// the recomputed roster; a slow subscriber skips updates rather than
// blocking the tracker.
func (t *Tracker) Subscribe() chan []models.PresenceEntry {
	ch := make(chan []models.PresenceEntry, 4)
	t.subMu.Lock()
	t.subs = append(t.subs, ch)
	t.subMu.Unlock()
	return ch
}

func (t *Tracker) Unsubscribe(ch chan []models.PresenceEntry) {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	for i, sub := range t.subs {
		if sub == ch {
			t.subs = append(t.subs[:i], t.subs[i+1:]...)
			close(ch)
			return
		}
	}
}

func (t *Tracker) notify() {
	roster, err := t.Roster()
	if err != nil {
		slog.Warn("roster recompute failed", "error", err)
		return
	}

	t.subMu.Lock()
	defer t.subMu.Unlock()
	for _, ch := range t.subs {
		select {
		case ch <- roster:
		default:
		}
	}
}

// Sweep removes entries whose last activity is older than the stale
// threshold. Entries at or under the threshold are kept; a missing
// timestamp counts as epoch 0 and is always stale. Idempotent: the
// scheduler may deliver the same tick more than once.
func (t *Tracker) Sweep(ctx context.Context) (removed, kept int, err error) {
	entries, err := t.store.ListPresence()
	if err != nil {
		return 0, 0, fmt.Errorf("sweep list failed: %w", err)
	}

	now := t.now().UnixMilli()
	threshold := t.cfg.StaleThreshold.Milliseconds()

	for _, e := range entries {
		if ctx.Err() != nil {
			return removed, kept, ctx.Err()
		}
		if now-e.LastActive > threshold {
			if delErr := t.store.DeletePresence(e.SessionID); delErr != nil {
				slog.Warn("stale entry delete failed", "session_id", e.SessionID, "error", delErr)
				continue
			}
			removed++
			slog.Debug("stale presence removed",
				"session_id", e.SessionID,
				"user", e.UserName,
				"age_min", (now-e.LastActive)/60000)
		} else {
			kept++
		}
	}

	if removed > 0 {
		t.notify()
	}
	slog.Info("presence sweep finished", "removed", removed, "kept", kept)
	return removed, kept, nil
}

// SetNowFunc overrides the clock. Test hook, mirrors the auth service.
func (t *Tracker) SetNowFunc(now func() time.Time) {
	t.now = now
}
