package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerMessageStore is an embedded alternative to the SQLite backend.
// Keys are formatted as "msg:{room}:{padded-unixmicro}:{padded-id}" so a
// prefix scan yields messages in (created_at, id) order; the 19-digit zero
// padding makes lexicographic order match numeric order. Per-room ids come
// from a badger.Sequence, so concurrent appends to the same room never
// collide.
type BadgerMessageStore struct {
	db        *badger.DB
	seqs      *SyncMap[string, *badger.Sequence]
	bodyLimit int
	limitCap  int
}

type BadgerMessageStoreOption func(*BadgerMessageStore)

func WithBadgerBodyLimit(limit int) BadgerMessageStoreOption {
	return func(s *BadgerMessageStore) {
		s.bodyLimit = limit
	}
}

func WithBadgerLimitCap(cap int) BadgerMessageStoreOption {
	return func(s *BadgerMessageStore) {
		s.limitCap = cap
	}
}

func NewBadgerMessageStore(db *badger.DB, opts ...BadgerMessageStoreOption) *BadgerMessageStore {
	s := &BadgerMessageStore{
		db:        db,
		seqs:      NewSyncMap[string, *badger.Sequence](),
		bodyLimit: DefaultBodyLimit,
		limitCap:  DefaultLimitCap,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

const seqBandwidth = 128

// The room segment is hex-encoded: room ids are opaque and may contain
// the key separator, and an id like "mkt:evil" must not alias the prefix
// of room "mkt".
func messageKey(roomID string, createdAt time.Time, id int64) []byte {
	return []byte(fmt.Sprintf("msg:%x:%019d:%019d", roomID, createdAt.UnixMicro(), id))
}

func roomPrefix(roomID string) []byte {
	return []byte(fmt.Sprintf("msg:%x:", roomID))
}

func (s *BadgerMessageStore) nextID(roomID string) (int64, error) {
	var seqErr error
	seq := s.seqs.LoadOrStore(roomID, func() *badger.Sequence {
		sq, err := s.db.GetSequence([]byte("seq:"+roomID), seqBandwidth)
		if err != nil {
			seqErr = err
			return nil
		}
		return sq
	})
	if seqErr != nil {
		s.seqs.Delete(roomID)
		return 0, seqErr
	}
	if seq == nil {
		return 0, fmt.Errorf("sequence unavailable for room %s", roomID)
	}
	n, err := seq.Next()
	if err != nil {
		return 0, err
	}
	// Sequences start at 0 but message ids are 1-based so a zero ID can
	// mean "no cursor".
	return int64(n) + 1, nil
}

func (s *BadgerMessageStore) Append(ctx context.Context, input MessageCreateInput) (*ChatMessage, error) {
	if err := input.Validate(s.bodyLimit); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, storageErr("ctx.Err", err)
	}

	id, err := s.nextID(input.RoomID)
	if err != nil {
		return nil, storageErr("nextID", err)
	}

	msg := &ChatMessage{
		ID:        id,
		RoomID:    input.RoomID,
		Sender:    input.Sender,
		Body:      input.Body,
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}

	value, err := json.Marshal(msg)
	if err != nil {
		return nil, storageErr("json.Marshal", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(messageKey(msg.RoomID, msg.CreatedAt, msg.ID), value)
	})
	if err != nil {
		return nil, storageErr("db.Update", err)
	}

	return msg, nil
}

func (s *BadgerMessageStore) Query(ctx context.Context, roomID string, cursor Cursor, limit int, direction Direction) ([]ChatMessage, error) {
	if limit <= 0 || limit > s.limitCap {
		limit = s.limitCap
	}
	if err := ctx.Err(); err != nil {
		return nil, storageErr("ctx.Err", err)
	}

	prefix := roomPrefix(roomID)
	var messages []ChatMessage

	err := s.db.View(func(txn *badger.Txn) error {
		options := badger.DefaultIteratorOptions
		options.Reverse = direction == Backward
		it := txn.NewIterator(options)
		defer it.Close()

		var seekKey []byte
		switch {
		case !cursor.IsZero():
			seekKey = messageKey(roomID, cursor.CreatedAt, cursor.ID)
		case direction == Backward:
			// Seek past the last possible key of the room.
			seekKey = append(append([]byte{}, prefix...), []byte("9999999999999999999")...)
		default:
			seekKey = prefix
		}

		it.Seek(seekKey)
		// The cursor addresses the last seen position; skip it.
		if !cursor.IsZero() && it.ValidForPrefix(prefix) &&
			bytes.Equal(it.Item().Key(), seekKey) {
			it.Next()
		}

		for ; it.ValidForPrefix(prefix); it.Next() {
			if len(messages) == limit {
				break
			}
			var m ChatMessage
			err := it.Item().Value(func(value []byte) error {
				return json.Unmarshal(value, &m)
			})
			if err != nil {
				return err
			}
			if m.RoomID != roomID {
				continue
			}
			messages = append(messages, m)
		}
		return nil
	})
	if err != nil {
		return nil, storageErr("db.View", err)
	}

	return messages, nil
}

func (s *BadgerMessageStore) Close() error {
	s.seqs.RRange(func(_ string, seq *badger.Sequence) bool {
		if seq != nil {
			seq.Release()
		}
		return true
	})
	return s.db.Close()
}
