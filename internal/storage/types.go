package storage

import (
	"crypto/sha256"
	"encoding"
	"encoding/binary"
	"encoding/hex"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBUser struct {
	ID           string `msgpack:"id"`
	UserName     string `msgpack:"userName"`
	DisplayName  string `msgpack:"displayName"`
	Email        string `msgpack:"email"`
	IsAdmin      bool   `msgpack:"isAdmin"`
	PasswordHash string `msgpack:"passwordHash"`
	Status       string `msgpack:"status"`
}

func (u *DBUser) Key() []byte {
	return []byte(u.ID)
}

func (u *DBUser) MarshalBinary() (data []byte, err error) {
	type alias DBUser
	return msgpack.Marshal((*alias)(u))
}

func (u *DBUser) UnmarshalBinary(data []byte) error {
	type alias DBUser
	return msgpack.Unmarshal(data, (*alias)(u))
}

type DBPresence struct {
	SessionID   string `msgpack:"sessionId"`
	UserID      string `msgpack:"userId"`
	UserName    string `msgpack:"userName"`
	DisplayName string `msgpack:"displayName"`
	Status      string `msgpack:"status"`
	LastActive  int64  `msgpack:"lastActive"`
}

func (p *DBPresence) Key() []byte {
	return []byte(p.SessionID)
}

func (p *DBPresence) MarshalBinary() (data []byte, err error) {
	type alias DBPresence
	return msgpack.Marshal((*alias)(p))
}

func (p *DBPresence) UnmarshalBinary(data []byte) error {
	type alias DBPresence
	return msgpack.Unmarshal(data, (*alias)(p))
}

type DBMessage struct {
	ID          string `msgpack:"id"`
	Channel     string `msgpack:"channel"`
	UserName    string `msgpack:"userName"`
	DisplayName string `msgpack:"displayName"`
	Text        string `msgpack:"text"`
	Timestamp   int64  `msgpack:"timestamp"`
}

// Key orders group messages by timestamp; the id suffix keeps two
// messages written in the same millisecond from colliding.
func (m *DBMessage) Key() []byte {
	key := make([]byte, 8, 8+len(m.ID))
	binary.BigEndian.PutUint64(key, uint64(m.Timestamp))
	return append(key, m.ID...)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

type DBDirectMessage struct {
	Seq        int64  `msgpack:"seq"`
	SenderID   string `msgpack:"senderId"`
	SenderName string `msgpack:"senderName"`
	Text       string `msgpack:"text"`
	Timestamp  int64  `msgpack:"timestamp"`
	Read       bool   `msgpack:"read"`
}

func (m *DBDirectMessage) Key() []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(m.Seq))
	return key
}

func (m *DBDirectMessage) MarshalBinary() (data []byte, err error) {
	type alias DBDirectMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBDirectMessage) UnmarshalBinary(data []byte) error {
	type alias DBDirectMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

// DBConvMeta is the per-conversation participants map and last-message
// preview, stored beside the message log.
type DBConvMeta struct {
	ID           string            `msgpack:"id"`
	Participants map[string]string `msgpack:"participants"`
	LastText     string            `msgpack:"lastText"`
	LastSender   string            `msgpack:"lastSender"`
	LastTime     int64             `msgpack:"lastTime"`
}

func (c *DBConvMeta) Key() []byte {
	return []byte("meta")
}

func (c *DBConvMeta) MarshalBinary() (data []byte, err error) {
	type alias DBConvMeta
	return msgpack.Marshal((*alias)(c))
}

func (c *DBConvMeta) UnmarshalBinary(data []byte) error {
	type alias DBConvMeta
	return msgpack.Unmarshal(data, (*alias)(c))
}

type DBReadMark struct {
	UserID         string `msgpack:"userId"`
	ConversationID string `msgpack:"conversationId"`
	LastRead       int64  `msgpack:"lastRead"`
}

func (r *DBReadMark) Key() []byte {
	return []byte(r.UserID + "/" + r.ConversationID)
}

func (r *DBReadMark) MarshalBinary() (data []byte, err error) {
	type alias DBReadMark
	return msgpack.Marshal((*alias)(r))
}

func (r *DBReadMark) UnmarshalBinary(data []byte) error {
	type alias DBReadMark
	return msgpack.Unmarshal(data, (*alias)(r))
}

type DBPushSub struct {
	UserID    string `msgpack:"userId"`
	Endpoint  string `msgpack:"endpoint"`
	Auth      string `msgpack:"auth"`
	P256dh    string `msgpack:"p256dh"`
	CreatedAt int64  `msgpack:"createdAt"`
}

// Key hashes the endpoint so provider URLs of arbitrary length make
// stable fixed-size keys.
func (s *DBPushSub) Key() []byte {
	sum := sha256.Sum256([]byte(s.Endpoint))
	return []byte(hex.EncodeToString(sum[:]))
}

func (s *DBPushSub) MarshalBinary() (data []byte, err error) {
	type alias DBPushSub
	return msgpack.Marshal((*alias)(s))
}

func (s *DBPushSub) UnmarshalBinary(data []byte) error {
	type alias DBPushSub
	return msgpack.Unmarshal(data, (*alias)(s))
}

type DBAnnouncement struct {
	Kind      string `msgpack:"kind"`
	Message   string `msgpack:"message"`
	Timestamp int64  `msgpack:"timestamp"`
}

func (a *DBAnnouncement) Key() []byte {
	return []byte(a.Kind)
}

func (a *DBAnnouncement) MarshalBinary() (data []byte, err error) {
	type alias DBAnnouncement
	return msgpack.Marshal((*alias)(a))
}

func (a *DBAnnouncement) UnmarshalBinary(data []byte) error {
	type alias DBAnnouncement
	return msgpack.Unmarshal(data, (*alias)(a))
}
