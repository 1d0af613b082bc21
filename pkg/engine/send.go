package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/nbd-wtf/go-nostr"

	"github.com/halorium/dmsync/pkg/codec"
	"github.com/halorium/dmsync/pkg/relaypool"
)

// ErrNotDelivered reports that no relay node acknowledged a published
// event. The local projection already reflects the event when this is
// returned; callers decide whether to retry.
var ErrNotDelivered = errors.New("no relay node acknowledged the event")

// Send encrypts, signs and publishes a direct message to a peer. The
// message lands in the local thread before the network answers, so the
// sender sees it immediately even if every node is down.
func (e *Engine) Send(ctx context.Context, peerID, text, replyToID string) (relaypool.PublishReport, error) {
	ciphertext, err := codec.Encrypt(text, e.secretKey, peerID)
	if err != nil {
		return relaypool.PublishReport{}, fmt.Errorf("failed to encrypt message: %w", err)
	}
	tags := nostr.Tags{{"p", peerID}}
	if replyToID != "" {
		tags = append(tags, nostr.Tag{"e", replyToID, "", "reply"})
	}
	evt := &nostr.Event{
		PubKey:    e.pubKey,
		CreatedAt: nostr.Now(),
		Kind:      nostr.KindEncryptedDirectMessage,
		Tags:      tags,
		Content:   ciphertext,
	}
	if err := evt.Sign(e.secretKey); err != nil {
		return relaypool.PublishReport{}, fmt.Errorf("failed to sign event: %w", err)
	}

	e.ingestEvent(evt)
	e.detach("cache sent event", func() error {
		return e.cache.PutEvents(e.pubKey, []*nostr.Event{evt})
	})

	report := e.gateway.Publish(ctx, evt)
	if !report.Delivered() {
		e.log.Warn().Str("event_id", evt.ID).Str("peer", peerID).
			Msg("Message kept locally but no relay node acknowledged it")
		return report, ErrNotDelivered
	}
	e.detach("push notify", func() error {
		e.push.MessageSent(context.Background(), peerID, text)
		return nil
	})
	e.log.Debug().Str("event_id", evt.ID).Int("acks", report.Successes).Msg("Message published")
	return report, nil
}

// Delete publishes a tombstone for a message and removes it locally along
// with its receipt row and cache entry. Local removal reflects the user's
// intent and happens whether or not any node acknowledges the tombstone,
// and applies to received messages as much as to our own.
func (e *Engine) Delete(ctx context.Context, messageID, peerID string) (relaypool.PublishReport, error) {
	evt := &nostr.Event{
		PubKey:    e.pubKey,
		CreatedAt: nostr.Now(),
		Kind:      nostr.KindDeletion,
		Tags:      nostr.Tags{{"e", messageID}, {"p", peerID}},
	}
	if err := evt.Sign(e.secretKey); err != nil {
		return relaypool.PublishReport{}, fmt.Errorf("failed to sign deletion: %w", err)
	}

	e.mu.Lock()
	// The tombstone's own id is marked seen so our copy echoing back from
	// a node folds as a duplicate.
	e.seen[evt.ID] = struct{}{}
	e.eraseMessageLocked(messageID)
	e.mu.Unlock()

	report := e.gateway.Publish(ctx, evt)
	if !report.Delivered() {
		e.log.Warn().Str("target", messageID).
			Msg("Message removed locally but the deletion reached no relay node")
		return report, ErrNotDelivered
	}
	return report, nil
}
