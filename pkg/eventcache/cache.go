// Package eventcache is the local persistence layer for direct-message
// events. It stores ciphertext only — plaintext never touches disk — plus a
// per-identity high-water-mark timestamp that bounds incremental relay pulls.
package eventcache

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/cockroachdb/pebble"
	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"
)

// Store is a Pebble-backed cache of encrypted events, keyed by the identity
// that owns them. Entries for different identities on the same device never
// mix: every key carries the owner's pubkey.
type Store struct {
	db  *pebble.DB
	log zerolog.Logger
}

// cachedEvent is the persisted projection of an event. The signature is
// dropped: cached events are only ever replayed into the local ingest
// pipeline, never re-published.
type cachedEvent struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      nostr.Tags `json:"tags"`
	Content   string     `json:"content"`
}

// Open opens (or creates) the cache database at the given path.
func Open(path string, log zerolog.Logger) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open event cache at %s: %w", path, err)
	}
	log.Debug().Str("path", path).Msg("Event cache opened")
	return &Store{db: db, log: log}, nil
}

// Close flushes and closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func eventKey(owner, id string) []byte {
	return []byte("evt:" + owner + ":" + id)
}

func eventPrefix(owner string) []byte {
	return []byte("evt:" + owner + ":")
}

func hwmKey(owner string) []byte {
	return []byte("hwm:" + owner)
}

// PutEvents upserts a batch of ciphertext events for the given owner.
// Writes are unsynced: the cache is a replica of relay state and can always
// be refilled, so losing the tail on a crash only costs a re-pull.
func (s *Store) PutEvents(owner string, events []*nostr.Event) error {
	if len(events) == 0 {
		return nil
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	for _, evt := range events {
		data, err := json.Marshal(cachedEvent{
			ID:        evt.ID,
			PubKey:    evt.PubKey,
			CreatedAt: int64(evt.CreatedAt),
			Kind:      evt.Kind,
			Tags:      evt.Tags,
			Content:   evt.Content,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal cached event %s: %w", evt.ID, err)
		}
		if err := batch.Set(eventKey(owner, evt.ID), data, nil); err != nil {
			return err
		}
	}
	if err := batch.Commit(pebble.NoSync); err != nil {
		return fmt.Errorf("failed to commit event batch: %w", err)
	}
	return nil
}

// Events returns every cached event for the owner. Order is by event id
// (key order); callers sort by timestamp themselves.
func (s *Store) Events(owner string) ([]*nostr.Event, error) {
	prefix := eventPrefix(owner)
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []*nostr.Event
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var ce cachedEvent
		if err := json.Unmarshal(iter.Value(), &ce); err != nil {
			// A corrupt row is dropped rather than poisoning the prime:
			// the next relay pull restores it.
			s.log.Warn().Err(err).Str("key", string(iter.Key())).Msg("Dropping undecodable cache entry")
			continue
		}
		out = append(out, &nostr.Event{
			ID:        ce.ID,
			PubKey:    ce.PubKey,
			CreatedAt: nostr.Timestamp(ce.CreatedAt),
			Kind:      ce.Kind,
			Tags:      ce.Tags,
			Content:   ce.Content,
		})
	}
	return out, iter.Error()
}

// DeleteEvent removes a single cached event. Missing ids are a no-op.
func (s *Store) DeleteEvent(owner, id string) error {
	return s.db.Delete(eventKey(owner, id), pebble.NoSync)
}

// HighWaterMark returns the latest created_at (unix seconds) persisted for
// the owner, or 0 when the cache has never synced.
func (s *Store) HighWaterMark(owner string) (int64, error) {
	value, closer, err := s.db.Get(hwmKey(owner))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	defer closer.Close()
	ts, err := strconv.ParseInt(string(value), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt high-water mark: %w", err)
	}
	return ts, nil
}

// SetHighWaterMark persists the sync watermark for the owner.
func (s *Store) SetHighWaterMark(owner string, ts int64) error {
	return s.db.Set(hwmKey(owner), []byte(strconv.FormatInt(ts, 10)), pebble.NoSync)
}
