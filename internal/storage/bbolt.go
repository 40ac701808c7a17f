package storage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"studyhall/internal/models"

	"go.etcd.io/bbolt"
)

var (
	bucketProfiles      = []byte("profiles")
	bucketPresence      = []byte("presence")
	bucketMessages      = []byte("messages")
	bucketConvos        = []byte("convos")
	bucketReadMarks     = []byte("read_marks")
	bucketPushSubs      = []byte("push_subs")
	bucketAnnouncements = []byte("announcements")

	convMessagesKey = []byte("messages")
)

type BboltStorage struct {
	db *bbolt.DB
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{
			bucketProfiles,
			bucketPresence,
			bucketMessages,
			bucketConvos,
			bucketReadMarks,
			bucketPushSubs,
			bucketAnnouncements,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// UpsertUser stores a new or updated user profile.
func (s *BboltStorage) UpsertUser(user models.User, passwordHash string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketProfiles)
		dbUser := &DBUser{
			ID:           user.ID,
			UserName:     user.UserName,
			DisplayName:  user.DisplayName,
			Email:        user.Email,
			IsAdmin:      user.IsAdmin,
			PasswordHash: passwordHash,
			Status:       string(user.Status),
		}
		data, err := dbUser.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(dbUser.Key(), data)
	})
}

func dbUserToModel(dbUser DBUser) models.User {
	return models.User{
		ID:          dbUser.ID,
		UserName:    dbUser.UserName,
		DisplayName: dbUser.DisplayName,
		Email:       dbUser.Email,
		IsAdmin:     dbUser.IsAdmin,
		Status:      models.UserStatus(dbUser.Status),
	}
}

// ListUsers returns all active user profiles.
func (s *BboltStorage) ListUsers() ([]models.User, error) {
	var users []models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketProfiles)
		return b.ForEach(func(k, v []byte) error {
			var dbUser DBUser
			if err := dbUser.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbUser.Status == string(models.UserStatusDeleted) {
				return nil
			}
			users = append(users, dbUserToModel(dbUser))
			return nil
		})
	})
	return users, err
}

// GetUserByName looks a user up by username. PasswordHash is returned
// separately so callers outside auth never see it on the model.
func (s *BboltStorage) GetUserByName(username string) (models.User, string, error) {
	var (
		found bool
		user  models.User
		hash  string
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketProfiles)
		return b.ForEach(func(k, v []byte) error {
			var dbUser DBUser
			if err := dbUser.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbUser.UserName == username && dbUser.Status != string(models.UserStatusDeleted) {
				found = true
				user = dbUserToModel(dbUser)
				hash = dbUser.PasswordHash
			}
			return nil
		})
	})
	if err != nil {
		return models.User{}, "", err
	}
	if !found {
		return models.User{}, "", models.ErrNotFound
	}
	return user, hash, nil
}

func (s *BboltStorage) GetUser(id string) (models.User, error) {
	var user models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketProfiles)
		data := b.Get([]byte(id))
		if data == nil {
			return models.ErrNotFound
		}
		var dbUser DBUser
		if err := dbUser.UnmarshalBinary(data); err != nil {
			return err
		}
		user = dbUserToModel(dbUser)
		return nil
	})
	return user, err
}

// SetUserStatus updates only a user's lifecycle status.
func (s *BboltStorage) SetUserStatus(id string, status models.UserStatus) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketProfiles)
		data := b.Get([]byte(id))
		if data == nil {
			return models.ErrNotFound
		}
		var dbUser DBUser
		if err := dbUser.UnmarshalBinary(data); err != nil {
			return err
		}
		dbUser.Status = string(status)
		updated, err := dbUser.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(dbUser.Key(), updated)
	})
}

// UpsertPresence writes a presence entry keyed by session id.
func (s *BboltStorage) UpsertPresence(entry models.PresenceEntry) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPresence)
		dbEntry := &DBPresence{
			SessionID:   entry.SessionID,
			UserID:      entry.UserID,
			UserName:    entry.UserName,
			DisplayName: entry.DisplayName,
			Status:      string(entry.Status),
			LastActive:  entry.LastActive,
		}
		data, err := dbEntry.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(dbEntry.Key(), data)
	})
}

func (s *BboltStorage) DeletePresence(sessionID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPresence).Delete([]byte(sessionID))
	})
}

func (s *BboltStorage) ListPresence() ([]models.PresenceEntry, error) {
	var entries []models.PresenceEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPresence)
		return b.ForEach(func(k, v []byte) error {
			var dbEntry DBPresence
			if err := dbEntry.UnmarshalBinary(v); err != nil {
				return err
			}
			entries = append(entries, models.PresenceEntry{
				SessionID:   dbEntry.SessionID,
				UserID:      dbEntry.UserID,
				UserName:    dbEntry.UserName,
				DisplayName: dbEntry.DisplayName,
				Status:      models.PresenceStatus(dbEntry.Status),
				LastActive:  dbEntry.LastActive,
			})
			return nil
		})
	})
	return entries, err
}

// AppendMessage adds a group message to its channel log.
func (s *BboltStorage) AppendMessage(message models.Message) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if message.Channel == "" {
			return errors.New("message missing channel")
		}

		chanBucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(message.Channel))
		if err != nil {
			return fmt.Errorf("failed to create channel bucket: %w", err)
		}

		dbMessage := DBMessage{
			ID:          message.ID,
			Channel:     message.Channel,
			UserName:    message.UserName,
			DisplayName: message.DisplayName,
			Text:        message.Text,
			Timestamp:   message.Timestamp,
		}
		data, err := dbMessage.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		return chanBucket.Put(dbMessage.Key(), data)
	})
}

// ListMessages returns channel messages with Timestamp >= since,
// ordered by the timestamp key.
func (s *BboltStorage) ListMessages(channel string, since int64) ([]models.Message, error) {
	var messages []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		chanBucket := tx.Bucket(bucketMessages).Bucket([]byte(channel))
		if chanBucket == nil {
			return nil
		}

		minKey := make([]byte, 8)
		binary.BigEndian.PutUint64(minKey, uint64(since))

		c := chanBucket.Cursor()
		for k, v := c.Seek(minKey); k != nil; k, v = c.Next() {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, models.Message{
				ID:          dbMsg.ID,
				Channel:     dbMsg.Channel,
				UserName:    dbMsg.UserName,
				DisplayName: dbMsg.DisplayName,
				Text:        dbMsg.Text,
				Timestamp:   dbMsg.Timestamp,
			})
		}
		return nil
	})
	return messages, err
}

// ClearChannel drops the whole message log of a channel. Admin only.
func (s *BboltStorage) ClearChannel(channel string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMessages)
		if b.Bucket([]byte(channel)) == nil {
			return nil
		}
		return b.DeleteBucket([]byte(channel))
	})
}

// AppendDirectMessage writes the message, the participants map and the
// last-message preview in a single transaction, so a conversation can
// never end up with a message but no preview.
func (s *BboltStorage) AppendDirectMessage(convID string, msg models.DirectMessage, participants map[string]string) (models.DirectMessage, error) {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		convBucket, err := tx.Bucket(bucketConvos).CreateBucketIfNotExists([]byte(convID))
		if err != nil {
			return fmt.Errorf("failed to create conversation bucket: %w", err)
		}
		msgBucket, err := convBucket.CreateBucketIfNotExists(convMessagesKey)
		if err != nil {
			return fmt.Errorf("failed to create conversation message bucket: %w", err)
		}

		seq, err := msgBucket.NextSequence()
		if err != nil {
			return err
		}
		msg.Seq = int64(seq)
		msg.ConversationID = convID

		dbMsg := DBDirectMessage{
			Seq:        msg.Seq,
			SenderID:   msg.SenderID,
			SenderName: msg.SenderName,
			Text:       msg.Text,
			Timestamp:  msg.Timestamp,
			Read:       false,
		}
		data, err := dbMsg.MarshalBinary()
		if err != nil {
			return err
		}
		if err := msgBucket.Put(dbMsg.Key(), data); err != nil {
			return err
		}

		meta := DBConvMeta{
			ID:           convID,
			Participants: participants,
			LastText:     msg.Text,
			LastSender:   msg.SenderName,
			LastTime:     msg.Timestamp,
		}
		metaData, err := meta.MarshalBinary()
		if err != nil {
			return err
		}
		return convBucket.Put(meta.Key(), metaData)
	})
	return msg, err
}

// ListDirectMessages returns a conversation's log in sequence order.
func (s *BboltStorage) ListDirectMessages(convID string) ([]models.DirectMessage, error) {
	var messages []models.DirectMessage
	err := s.db.View(func(tx *bbolt.Tx) error {
		convBucket := tx.Bucket(bucketConvos).Bucket([]byte(convID))
		if convBucket == nil {
			return nil
		}
		msgBucket := convBucket.Bucket(convMessagesKey)
		if msgBucket == nil {
			return nil
		}
		return msgBucket.ForEach(func(k, v []byte) error {
			var dbMsg DBDirectMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, models.DirectMessage{
				Seq:            dbMsg.Seq,
				ConversationID: convID,
				SenderID:       dbMsg.SenderID,
				SenderName:     dbMsg.SenderName,
				Text:           dbMsg.Text,
				Timestamp:      dbMsg.Timestamp,
				Read:           dbMsg.Read,
			})
			return nil
		})
	})
	return messages, err
}

// ListConversations returns every conversation's metadata.
func (s *BboltStorage) ListConversations() ([]models.Conversation, error) {
	var convos []models.Conversation
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketConvos)
		return b.ForEachBucket(func(name []byte) error {
			convBucket := b.Bucket(name)
			metaData := convBucket.Get([]byte("meta"))
			if metaData == nil {
				return nil
			}
			var meta DBConvMeta
			if err := meta.UnmarshalBinary(metaData); err != nil {
				return err
			}
			convos = append(convos, models.Conversation{
				ID:           meta.ID,
				Participants: meta.Participants,
				LastMessage: models.LastMessage{
					Text:      meta.LastText,
					Sender:    meta.LastSender,
					Timestamp: meta.LastTime,
				},
			})
			return nil
		})
	})
	return convos, err
}

// MarkConversationRead flips the read flag on every unread message not
// sent by the viewer and advances the viewer's read watermark. Returns
// the number of messages flipped. Viewers outside the conversation's
// participant set get ErrNotFound, same as a missing conversation.
func (s *BboltStorage) MarkConversationRead(convID, viewerID string, now int64) (int, error) {
	flipped := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		convBucket := tx.Bucket(bucketConvos).Bucket([]byte(convID))
		if convBucket == nil {
			return models.ErrNotFound
		}

		metaData := convBucket.Get((&DBConvMeta{}).Key())
		if metaData == nil {
			return models.ErrNotFound
		}
		var meta DBConvMeta
		if err := meta.UnmarshalBinary(metaData); err != nil {
			return err
		}
		if _, ok := meta.Participants[viewerID]; !ok {
			return models.ErrNotFound
		}

		if msgBucket := convBucket.Bucket(convMessagesKey); msgBucket != nil {
			// Collect first, write after: bbolt cursors must not
			// see mutations mid-iteration.
			type update struct {
				key  []byte
				data []byte
			}
			var updates []update
			c := msgBucket.Cursor()
			for k, v := c.First(); k != nil; k, v = c.Next() {
				var dbMsg DBDirectMessage
				if err := dbMsg.UnmarshalBinary(v); err != nil {
					return err
				}
				if dbMsg.Read || dbMsg.SenderID == viewerID {
					continue
				}
				dbMsg.Read = true
				data, err := dbMsg.MarshalBinary()
				if err != nil {
					return err
				}
				updates = append(updates, update{key: bytes.Clone(k), data: data})
			}
			for _, u := range updates {
				if err := msgBucket.Put(u.key, u.data); err != nil {
					return err
				}
				flipped++
			}
		}

		mark := DBReadMark{UserID: viewerID, ConversationID: convID, LastRead: now}
		data, err := mark.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketReadMarks).Put(mark.Key(), data)
	})
	return flipped, err
}

// GetReadMark returns the viewer's last-read watermark for a
// conversation, 0 when none exists.
func (s *BboltStorage) GetReadMark(viewerID, convID string) (int64, error) {
	var lastRead int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		key := (&DBReadMark{UserID: viewerID, ConversationID: convID}).Key()
		data := tx.Bucket(bucketReadMarks).Get(key)
		if data == nil {
			return nil
		}
		var mark DBReadMark
		if err := mark.UnmarshalBinary(data); err != nil {
			return err
		}
		lastRead = mark.LastRead
		return nil
	})
	return lastRead, err
}

// UpsertPushSubscription stores a push endpoint under the user's set.
func (s *BboltStorage) UpsertPushSubscription(sub models.PushSubscription) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		userBucket, err := tx.Bucket(bucketPushSubs).CreateBucketIfNotExists([]byte(sub.UserID))
		if err != nil {
			return err
		}
		dbSub := DBPushSub{
			UserID:    sub.UserID,
			Endpoint:  sub.Endpoint,
			Auth:      sub.Auth,
			P256dh:    sub.P256dh,
			CreatedAt: sub.CreatedAt,
		}
		data, err := dbSub.MarshalBinary()
		if err != nil {
			return err
		}
		return userBucket.Put(dbSub.Key(), data)
	})
}

func (s *BboltStorage) ListPushSubscriptions(userID string) ([]models.PushSubscription, error) {
	var subs []models.PushSubscription
	err := s.db.View(func(tx *bbolt.Tx) error {
		userBucket := tx.Bucket(bucketPushSubs).Bucket([]byte(userID))
		if userBucket == nil {
			return nil
		}
		return userBucket.ForEach(func(k, v []byte) error {
			var dbSub DBPushSub
			if err := dbSub.UnmarshalBinary(v); err != nil {
				return err
			}
			subs = append(subs, models.PushSubscription{
				UserID:    dbSub.UserID,
				Endpoint:  dbSub.Endpoint,
				Auth:      dbSub.Auth,
				P256dh:    dbSub.P256dh,
				CreatedAt: dbSub.CreatedAt,
			})
			return nil
		})
	})
	return subs, err
}

// DeletePushSubscription removes one endpoint from a user's set. Used
// both for explicit unsubscribe and dead-endpoint cleanup.
func (s *BboltStorage) DeletePushSubscription(userID, endpoint string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		userBucket := tx.Bucket(bucketPushSubs).Bucket([]byte(userID))
		if userBucket == nil {
			return nil
		}
		key := (&DBPushSub{Endpoint: endpoint}).Key()
		return userBucket.Delete(key)
	})
}

func (s *BboltStorage) SetAnnouncement(a models.Announcement) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		dbAnn := DBAnnouncement{
			Kind:      string(a.Kind),
			Message:   a.Message,
			Timestamp: a.Timestamp,
		}
		data, err := dbAnn.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketAnnouncements).Put(dbAnn.Key(), data)
	})
}

func (s *BboltStorage) ClearAnnouncement(kind models.AnnouncementKind) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAnnouncements).Delete([]byte(kind))
	})
}

func (s *BboltStorage) ListAnnouncements() ([]models.Announcement, error) {
	var anns []models.Announcement
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAnnouncements).ForEach(func(k, v []byte) error {
			var dbAnn DBAnnouncement
			if err := dbAnn.UnmarshalBinary(v); err != nil {
				return err
			}
			anns = append(anns, models.Announcement{
				Kind:      models.AnnouncementKind(dbAnn.Kind),
				Message:   dbAnn.Message,
				Timestamp: dbAnn.Timestamp,
			})
			return nil
		})
	})
	return anns, err
}
