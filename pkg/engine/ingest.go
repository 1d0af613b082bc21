package engine

import (
	"context"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/halorium/dmsync/pkg/codec"
	"github.com/halorium/dmsync/pkg/ledger"
)

// ingestBatch folds a slice of raw events into the projection and returns
// the direct-message events that were newly accepted (and therefore worth
// persisting). Decryption is the expensive step, so events are processed
// in bounded concurrent chunks; the admit and commit phases of each event
// still serialize on the engine mutex.
func (e *Engine) ingestBatch(events []*nostr.Event) []*nostr.Event {
	var (
		acceptedMu sync.Mutex
		accepted   []*nostr.Event
	)
	for start := 0; start < len(events); start += e.batchSize {
		end := start + e.batchSize
		if end > len(events) {
			end = len(events)
		}
		var wg sync.WaitGroup
		for _, evt := range events[start:end] {
			wg.Add(1)
			go func(evt *nostr.Event) {
				defer wg.Done()
				if e.ingestEvent(evt) {
					acceptedMu.Lock()
					accepted = append(accepted, evt)
					acceptedMu.Unlock()
				}
			}(evt)
		}
		wg.Wait()
	}
	return accepted
}

// ingestEvent runs one raw event through dedup, addressing, tombstone
// folding, decryption and thread merge. It reports whether the event was
// accepted as a new message. Safe to call from any goroutine; duplicates
// arriving concurrently from different sources collapse to one acceptance.
func (e *Engine) ingestEvent(evt *nostr.Event) bool {
	e.mu.Lock()
	if _, dup := e.seen[evt.ID]; dup {
		e.mu.Unlock()
		return false
	}
	e.seen[evt.ID] = struct{}{}

	if evt.Kind == nostr.KindDeletion {
		e.foldTombstoneLocked(evt)
		e.mu.Unlock()
		return false
	}
	if evt.Kind != nostr.KindEncryptedDirectMessage {
		e.mu.Unlock()
		return false
	}

	counterparty, ok := e.addressLocked(evt)
	if !ok {
		e.mu.Unlock()
		e.log.Debug().Str("event_id", evt.ID).Msg("Discarding event not addressed to this identity")
		return false
	}
	if author, dead := e.tombstoned[evt.ID]; dead && author == evt.PubKey {
		// Authorship confirmed: a stale copy in the cache can go too.
		e.purgeMessageStorage(evt.ID)
		e.mu.Unlock()
		return false
	}
	e.mu.Unlock()

	// Decrypt outside the lock so chunked batches overlap their crypto.
	plaintext, err := codec.Decrypt(evt.Content, e.secretKey, counterparty)
	decrypted := err == nil
	if !decrypted {
		e.log.Warn().Err(err).Str("event_id", evt.ID).Str("peer", counterparty).
			Msg("Message could not be decrypted, keeping placeholder")
		plaintext = codec.Placeholder
	}

	isOwn := evt.PubKey == e.pubKey
	msg := Message{
		ID:         evt.ID,
		Author:     evt.PubKey,
		CreatedAt:  time.Unix(int64(evt.CreatedAt), 0),
		Ciphertext: evt.Content,
		Plaintext:  plaintext,
		Decrypted:  decrypted,
		IsOwn:      isOwn,
		IsRead:     isOwn,
		ReplyToID:  firstTagValue(evt, "e"),
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	// A tombstone may have landed while we were decrypting.
	if author, dead := e.tombstoned[evt.ID]; dead && author == evt.PubKey {
		e.purgeMessageStorage(evt.ID)
		return false
	}

	if !isOwn {
		r, known := e.receipts[evt.ID]
		if !known {
			r = ledger.Receipt{
				MessageID:      evt.ID,
				ConversationID: counterparty,
				SenderID:       evt.PubKey,
				UpdatedAt:      time.Now().UnixMilli(),
			}
			e.receipts[evt.ID] = r
			e.detach("record unread receipt", func() error {
				return e.ledger.UpsertUnread(context.Background(), msg.ID, counterparty, msg.Author)
			})
		}
		msg.IsRead = r.IsRead
	}

	e.mergeLocked(counterparty, msg)
	if ts := int64(evt.CreatedAt); ts > e.hwm {
		e.hwm = ts
	}
	return true
}

// addressLocked resolves the counterparty of a direct-message event, or
// reports false when the event does not involve this identity at all.
func (e *Engine) addressLocked(evt *nostr.Event) (string, bool) {
	recipient := firstTagValue(evt, "p")
	if evt.PubKey == e.pubKey {
		if recipient == "" {
			return "", false
		}
		return recipient, true
	}
	if recipient != e.pubKey {
		return "", false
	}
	return evt.PubKey, true
}

// foldTombstoneLocked applies a deletion event received from the network:
// the target disappears from the projection, its receipt row is purged,
// and its id stays poisoned so a copy arriving later from another node is
// discarded on sight. Only the original author may delete a message. When
// the target has not been seen yet, the tombstone is only remembered;
// nothing is purged until the target arrives and its authorship can be
// checked.
func (e *Engine) foldTombstoneLocked(evt *nostr.Event) {
	target := firstTagValue(evt, "e")
	if target == "" {
		return
	}
	msg, th, found := e.findMessageLocked(target)
	if !found {
		e.tombstoned[target] = evt.PubKey
		return
	}
	if msg.Author != evt.PubKey {
		e.log.Warn().Str("event_id", evt.ID).Str("target", target).
			Msg("Ignoring deletion not signed by the message author")
		return
	}
	e.tombstoned[target] = evt.PubKey
	e.removeFromThreadLocked(th, target)
	delete(e.receipts, target)
	e.purgeMessageStorage(target)
}

// eraseMessageLocked removes a message and its receipt and cache footprint
// without an authorship check. This is the locally initiated deletion
// path: the owner's intent wins, including over messages they received.
// The id is poisoned under the message's author so a copy of the event or
// the author's own tombstone arriving later folds quietly.
func (e *Engine) eraseMessageLocked(target string) {
	if msg, th, found := e.findMessageLocked(target); found {
		e.tombstoned[target] = msg.Author
		e.removeFromThreadLocked(th, target)
	} else {
		e.tombstoned[target] = e.pubKey
	}
	delete(e.receipts, target)
	e.purgeMessageStorage(target)
}

func (e *Engine) purgeMessageStorage(target string) {
	e.detach("purge receipt", func() error {
		return e.ledger.Delete(context.Background(), target)
	})
	e.detach("purge cached event", func() error {
		return e.cache.DeleteEvent(e.pubKey, target)
	})
}

func firstTagValue(evt *nostr.Event, name string) string {
	tag := evt.Tags.GetFirst([]string{name})
	if tag == nil {
		return ""
	}
	return tag.Value()
}
