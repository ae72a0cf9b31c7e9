// Package store provides the durable per-chat message log backed by bbolt.
// Writes are fast and serialized by bbolt; callers on the interactive path
// issue them without waiting (fire-and-forget), so a slow disk never blocks
// a send from becoming visible.
package store

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// storeDirPerm is the permission mode for the store directory.
	storeDirPerm = fs.FileMode(0o700)

	// storeFilePerm is the permission mode for the database file.
	storeFilePerm = fs.FileMode(0o600)

	// storeOpenTimeout is the maximum time to wait for the bolt database lock.
	storeOpenTimeout = 5 * time.Second
)

var chatsBucket = []byte("chats")

func chatLogBucket(chatID string) []byte {
	return []byte("chat:" + chatID + ":log")
}

func chatMetaBucket(chatID string) []byte {
	return []byte("chat:" + chatID + ":meta")
}

var (
	watermarkKey = []byte("watermark")
	chatKey      = []byte("chat")
)

// chatCursor holds the resync watermark for a single chat.
type chatCursor struct {
	LastServerTimestamp int64 `json:"lastServerTimestamp"`
}

// Store wraps a bbolt database holding one append-only message log per chat.
// Log records are keyed by the message's active identity (server id once
// confirmed, local correlation id before that), which makes Replace a
// delete+put and makes re-appending the same record idempotent.
type Store struct {
	db *bolt.DB
}

// Open opens the message log at the given path, creating it if it does not
// exist. The chats bucket is created on open.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), storeDirPerm); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	db, err := bolt.Open(path, storeFilePerm, &bolt.Options{Timeout: storeOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening message log: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(chatsBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing message log: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append persists a message to the chat's log. The chat is registered in
// the chats bucket on first append. Appending a record whose identity is
// already present overwrites it in place, so replays are harmless.
func (s *Store) Append(chatID string, msg models.Message) error {
	key := msg.Key()
	if key == "" {
		return fmt.Errorf("message has no identity")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(chatsBucket).Put([]byte(chatID), []byte{1}); err != nil {
			return err
		}

		b, err := tx.CreateBucketIfNotExists(chatLogBucket(chatID))
		if err != nil {
			return err
		}

		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}

		return b.Put([]byte(key), data)
	})
}

// Replace atomically removes the record stored under oldID and writes msg
// under its current identity. Used when a placeholder is confirmed: the
// local-id record is superseded by the server-id record in one transaction.
func (s *Store) Replace(chatID, oldID string, msg models.Message) error {
	key := msg.Key()
	if key == "" {
		return fmt.Errorf("message has no identity")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(chatsBucket).Put([]byte(chatID), []byte{1}); err != nil {
			return err
		}

		b, err := tx.CreateBucketIfNotExists(chatLogBucket(chatID))
		if err != nil {
			return err
		}

		if oldID != "" && oldID != key {
			if err := b.Delete([]byte(oldID)); err != nil {
				return err
			}
		}

		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}

		return b.Put([]byte(key), data)
	})
}

// Delete removes a single record from the chat's log.
func (s *Store) Delete(chatID, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(chatLogBucket(chatID))
		if b == nil {
			return nil
		}

		return b.Delete([]byte(id))
	})
}

// LoadRecent returns up to limit messages for a chat in display order
// (confirmed by server timestamp, then unconfirmed by local time). When the
// log holds more than limit messages, the oldest confirmed ones are dropped
// first; unconfirmed messages are always included.
func (s *Store) LoadRecent(chatID string, limit int) ([]models.Message, error) {
	var msgs []models.Message

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(chatLogBucket(chatID))
		if b == nil {
			return nil
		}

		return b.ForEach(func(_, v []byte) error {
			var m models.Message
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}

			msgs = append(msgs, m)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(msgs, func(i, j int) bool { return models.Less(msgs[i], msgs[j]) })

	if limit > 0 && len(msgs) > limit {
		kept := make([]models.Message, 0, limit)
		over := len(msgs) - limit

		for _, m := range msgs {
			if over > 0 && m.Confirmed() {
				over--
				continue
			}

			kept = append(kept, m)
		}

		msgs = kept
	}

	return msgs, nil
}

// PendingMessages returns all Pending records in a chat's log.
func (s *Store) PendingMessages(chatID string) ([]models.Message, error) {
	var msgs []models.Message

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(chatLogBucket(chatID))
		if b == nil {
			return nil
		}

		return b.ForEach(func(_, v []byte) error {
			var m models.Message
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}

			if m.Status == models.StatusPending {
				msgs = append(msgs, m)
			}

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(msgs, func(i, j int) bool { return models.Less(msgs[i], msgs[j]) })

	return msgs, nil
}

// RecoverPending marks every Pending record in a chat's log as Failed and
// returns the updated records. A Pending message found after a restart
// cannot be assumed in-flight: the process that was sending it is gone, so
// it is surfaced as Failed with content preserved for user retry.
func (s *Store) RecoverPending(chatID string) ([]models.Message, error) {
	var recovered []models.Message

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(chatLogBucket(chatID))
		if b == nil {
			return nil
		}

		var updates []models.Message

		err := b.ForEach(func(_, v []byte) error {
			var m models.Message
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}

			if m.Status == models.StatusPending {
				m.Status = models.StatusFailed
				updates = append(updates, m)
			}

			return nil
		})
		if err != nil {
			return err
		}

		for _, m := range updates {
			data, err := json.Marshal(m)
			if err != nil {
				return err
			}

			if err := b.Put([]byte(m.Key()), data); err != nil {
				return err
			}
		}

		recovered = updates

		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(recovered, func(i, j int) bool { return models.Less(recovered[i], recovered[j]) })

	return recovered, nil
}

// Watermark returns the resync cursor for a chat, zero if none is stored.
func (s *Store) Watermark(chatID string) (int64, error) {
	var cur chatCursor

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(chatMetaBucket(chatID))
		if b == nil {
			return nil
		}

		v := b.Get(watermarkKey)
		if v == nil {
			return nil
		}

		return json.Unmarshal(v, &cur)
	})

	return cur.LastServerTimestamp, err
}

// SetWatermark updates the resync cursor for a chat.
func (s *Store) SetWatermark(chatID string, ts int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(chatMetaBucket(chatID))
		if err != nil {
			return err
		}

		data, err := json.Marshal(chatCursor{LastServerTimestamp: ts})
		if err != nil {
			return err
		}

		return b.Put(watermarkKey, data)
	})
}

// SetChat persists the chat record (kind, participants).
func (s *Store) SetChat(c models.Chat) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(chatsBucket).Put([]byte(c.ID), []byte{1}); err != nil {
			return err
		}

		b, err := tx.CreateBucketIfNotExists(chatMetaBucket(c.ID))
		if err != nil {
			return err
		}

		data, err := json.Marshal(c)
		if err != nil {
			return err
		}

		return b.Put(chatKey, data)
	})
}

// GetChat returns the chat record, or nil if not found.
func (s *Store) GetChat(chatID string) (*models.Chat, error) {
	var c *models.Chat

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(chatMetaBucket(chatID))
		if b == nil {
			return nil
		}

		v := b.Get(chatKey)
		if v == nil {
			return nil
		}

		c = &models.Chat{}

		return json.Unmarshal(v, c)
	})

	return c, err
}

// Chats returns the ids of all chats that have ever been written to.
func (s *Store) Chats() ([]string, error) {
	var ids []string

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(chatsBucket).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))

			return nil
		})
	})

	return ids, err
}

// DeleteChat removes a chat's log, metadata, and registry entry.
func (s *Store) DeleteChat(chatID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(chatsBucket).Delete([]byte(chatID)); err != nil {
			return err
		}

		for _, name := range [][]byte{chatLogBucket(chatID), chatMetaBucket(chatID)} {
			if tx.Bucket(name) == nil {
				continue
			}

			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
		}

		return nil
	})
}
