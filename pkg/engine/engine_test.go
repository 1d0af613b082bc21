package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halorium/dmsync/pkg/codec"
	"github.com/halorium/dmsync/pkg/eventcache"
	"github.com/halorium/dmsync/pkg/ledger"
	"github.com/halorium/dmsync/pkg/relaypool"
)

type fakeGateway struct {
	mu        sync.Mutex
	pullFn    func([]nostr.Filter) []*nostr.Event
	publishFn func(*nostr.Event) relaypool.PublishReport
	published []*nostr.Event
	pulls     [][]nostr.Filter
}

func (g *fakeGateway) Publish(_ context.Context, evt *nostr.Event) relaypool.PublishReport {
	g.mu.Lock()
	g.published = append(g.published, evt)
	fn := g.publishFn
	g.mu.Unlock()
	if fn == nil {
		return ackReport(1, 1)
	}
	return fn(evt)
}

func (g *fakeGateway) Pull(_ context.Context, filters []nostr.Filter) []*nostr.Event {
	g.mu.Lock()
	g.pulls = append(g.pulls, filters)
	fn := g.pullFn
	g.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(filters)
}

func (g *fakeGateway) publishedEvents() []*nostr.Event {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*nostr.Event(nil), g.published...)
}

func ackReport(successes, total int) relaypool.PublishReport {
	report := relaypool.PublishReport{Successes: successes}
	for i := 0; i < total; i++ {
		res := relaypool.PublishResult{Node: fmt.Sprintf("wss://node%d.example", i), OK: i < successes}
		if !res.OK {
			res.Err = errors.New("connection refused")
		}
		report.Results = append(report.Results, res)
	}
	return report
}

type testEnv struct {
	engine  *Engine
	gateway *fakeGateway
	cache   *eventcache.Store
	ledger  *ledger.Ledger

	aliceSK, alicePK string
	bobSK, bobPK     string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	log := zerolog.Nop()

	cache, err := eventcache.Open(filepath.Join(dir, "cache"), log)
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })

	aliceSK := nostr.GeneratePrivateKey()
	alicePK, err := nostr.GetPublicKey(aliceSK)
	require.NoError(t, err)
	bobSK := nostr.GeneratePrivateKey()
	bobPK, err := nostr.GetPublicKey(bobSK)
	require.NoError(t, err)

	led, err := ledger.Open(filepath.Join(dir, "receipts.db"), alicePK, log)
	require.NoError(t, err)
	t.Cleanup(func() { led.Close() })

	gw := &fakeGateway{}
	eng, err := New(Params{
		SecretKey:    aliceSK,
		Gateway:      gw,
		Cache:        cache,
		Ledger:       led,
		Log:          log,
		PollInterval: time.Hour,
	})
	require.NoError(t, err)
	t.Cleanup(eng.Stop)

	return &testEnv{
		engine: eng, gateway: gw, cache: cache, ledger: led,
		aliceSK: aliceSK, alicePK: alicePK, bobSK: bobSK, bobPK: bobPK,
	}
}

func dmEvent(t *testing.T, senderSK, recipientPK, text string, ts int64) *nostr.Event {
	t.Helper()
	ciphertext, err := codec.Encrypt(text, senderSK, recipientPK)
	require.NoError(t, err)
	return signedEvent(t, senderSK, nostr.KindEncryptedDirectMessage,
		nostr.Tags{{"p", recipientPK}}, ciphertext, ts)
}

func tombstoneEvent(t *testing.T, senderSK, targetID string, ts int64) *nostr.Event {
	t.Helper()
	return signedEvent(t, senderSK, nostr.KindDeletion, nostr.Tags{{"e", targetID}}, "", ts)
}

func signedEvent(t *testing.T, sk string, kind int, tags nostr.Tags, content string, ts int64) *nostr.Event {
	t.Helper()
	pk, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)
	evt := &nostr.Event{
		PubKey:    pk,
		CreatedAt: nostr.Timestamp(ts),
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
	require.NoError(t, evt.Sign(sk))
	return evt
}

func TestIngestIdempotent(t *testing.T) {
	env := newTestEnv(t)
	evt := dmEvent(t, env.bobSK, env.alicePK, "hello", 100)

	require.True(t, env.engine.ingestEvent(evt))
	assert.False(t, env.engine.ingestEvent(evt))
	env.engine.ingestBatch([]*nostr.Event{evt, evt, evt})

	conv, ok := env.engine.Conversation(env.bobPK)
	require.True(t, ok)
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, "hello", conv.Messages[0].Plaintext)
	assert.Equal(t, 1, conv.UnreadCount)
}

func TestDiscardsForeignEvents(t *testing.T) {
	env := newTestEnv(t)
	carolSK := nostr.GeneratePrivateKey()
	carolPK, err := nostr.GetPublicKey(carolSK)
	require.NoError(t, err)

	// A message between two strangers and one with no recipient at all.
	assert.False(t, env.engine.ingestEvent(dmEvent(t, env.bobSK, carolPK, "not for us", 100)))
	assert.False(t, env.engine.ingestEvent(signedEvent(t, env.bobSK,
		nostr.KindEncryptedDirectMessage, nostr.Tags{}, "ciphertext", 101)))

	assert.Empty(t, env.engine.Conversations())
}

func TestLegacyCiphertextStillDecrypts(t *testing.T) {
	env := newTestEnv(t)

	shared, err := nip04.ComputeSharedSecret(env.alicePK, env.bobSK)
	require.NoError(t, err)
	legacy, err := nip04.Encrypt("old scheme", shared)
	require.NoError(t, err)
	evt := signedEvent(t, env.bobSK, nostr.KindEncryptedDirectMessage,
		nostr.Tags{{"p", env.alicePK}}, legacy, 100)

	require.True(t, env.engine.ingestEvent(evt))
	conv, ok := env.engine.Conversation(env.bobPK)
	require.True(t, ok)
	assert.Equal(t, "old scheme", conv.Messages[0].Plaintext)
	assert.True(t, conv.Messages[0].Decrypted)
}

func TestUndecryptableKeepsPlaceholderSlot(t *testing.T) {
	env := newTestEnv(t)
	evt := signedEvent(t, env.bobSK, nostr.KindEncryptedDirectMessage,
		nostr.Tags{{"p", env.alicePK}}, "garbage-ciphertext", 100)

	require.True(t, env.engine.ingestEvent(evt))
	conv, ok := env.engine.Conversation(env.bobPK)
	require.True(t, ok)
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, codec.Placeholder, conv.Messages[0].Plaintext)
	assert.False(t, conv.Messages[0].Decrypted)
	// The broken message still counts as unread inbound traffic.
	assert.Equal(t, 1, conv.UnreadCount)
}

func TestThreadOrdering(t *testing.T) {
	env := newTestEnv(t)
	e1 := dmEvent(t, env.bobSK, env.alicePK, "third", 300)
	e2 := dmEvent(t, env.aliceSK, env.bobPK, "first", 100)
	e3 := dmEvent(t, env.bobSK, env.alicePK, "second", 200)
	// Same timestamp as e1, ingested later, must stay after it.
	e4 := dmEvent(t, env.aliceSK, env.bobPK, "fourth", 300)

	for _, evt := range []*nostr.Event{e1, e2, e3, e4} {
		require.True(t, env.engine.ingestEvent(evt))
	}

	conv, ok := env.engine.Conversation(env.bobPK)
	require.True(t, ok)
	var got []string
	for _, msg := range conv.Messages {
		got = append(got, msg.Plaintext)
	}
	assert.Equal(t, []string{"first", "second", "third", "fourth"}, got)
	assert.Equal(t, "fourth", conv.LastMessage.Plaintext)
}

func TestUnreadAccountingAndMarkRead(t *testing.T) {
	env := newTestEnv(t)
	require.True(t, env.engine.ingestEvent(dmEvent(t, env.bobSK, env.alicePK, "one", 100)))
	require.True(t, env.engine.ingestEvent(dmEvent(t, env.bobSK, env.alicePK, "two", 110)))
	require.True(t, env.engine.ingestEvent(dmEvent(t, env.aliceSK, env.bobPK, "mine", 120)))

	conv, ok := env.engine.Conversation(env.bobPK)
	require.True(t, ok)
	assert.Equal(t, 2, conv.UnreadCount)

	env.engine.MarkConversationRead(env.bobPK)
	conv, _ = env.engine.Conversation(env.bobPK)
	assert.Equal(t, 0, conv.UnreadCount)
	for _, msg := range conv.Messages {
		assert.True(t, msg.IsRead)
	}

	env.engine.bg.Wait()
	receipts, err := env.ledger.LoadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, receipts, 2)
	for _, r := range receipts {
		assert.True(t, r.IsRead)
	}
}

func TestReadStateDurableWithoutFlushBetween(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 10; i++ {
		evt := dmEvent(t, env.bobSK, env.alicePK, fmt.Sprintf("msg %d", i), int64(100+i))
		require.True(t, env.engine.ingestEvent(evt))
	}
	// Mark read immediately: the queued receipt inserts must land before
	// the mark-read update, or read state silently evaporates.
	env.engine.MarkConversationRead(env.bobPK)
	env.engine.bg.Wait()

	receipts, err := env.ledger.LoadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, receipts, 10)
	for _, r := range receipts {
		assert.True(t, r.IsRead)
	}
}

func TestStopDrainsWritesWithoutStart(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.engine.Send(context.Background(), env.bobPK, "queued write", "")
	require.NoError(t, err)

	// Never started; Stop must still flush the queued cache write before
	// the stores close.
	env.engine.Stop()

	cached, err := env.cache.Events(env.alicePK)
	require.NoError(t, err)
	assert.Len(t, cached, 1)
}

func TestReadStateSurvivesReplay(t *testing.T) {
	env := newTestEnv(t)
	evt := dmEvent(t, env.bobSK, env.alicePK, "hello", 100)
	require.True(t, env.engine.ingestEvent(evt))
	env.engine.MarkConversationRead(env.bobPK)
	env.engine.bg.Wait()

	// The same event replayed through a fresh engine over the same ledger
	// must come back read, not unread.
	replay, err := New(Params{
		SecretKey: env.aliceSK, Gateway: env.gateway, Cache: env.cache,
		Ledger: env.ledger, Log: zerolog.Nop(), PollInterval: time.Hour,
	})
	require.NoError(t, err)
	defer replay.Stop()
	replay.prime(context.Background())
	require.True(t, replay.ingestEvent(evt))

	conv, ok := replay.Conversation(env.bobPK)
	require.True(t, ok)
	assert.True(t, conv.Messages[0].IsRead)
	assert.Equal(t, 0, conv.UnreadCount)
}

func TestSendPartialDeliverySucceeds(t *testing.T) {
	env := newTestEnv(t)
	env.gateway.publishFn = func(*nostr.Event) relaypool.PublishReport { return ackReport(1, 3) }

	report, err := env.engine.Send(context.Background(), env.bobPK, "hi bob", "")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Successes)
	assert.Len(t, report.Results, 3)

	conv, ok := env.engine.Conversation(env.bobPK)
	require.True(t, ok)
	require.Len(t, conv.Messages, 1)
	assert.True(t, conv.Messages[0].IsOwn)
	assert.Equal(t, "hi bob", conv.Messages[0].Plaintext)
}

func TestSendNoAckKeepsMessageLocally(t *testing.T) {
	env := newTestEnv(t)
	env.gateway.publishFn = func(*nostr.Event) relaypool.PublishReport { return ackReport(0, 3) }

	_, err := env.engine.Send(context.Background(), env.bobPK, "into the void", "")
	require.ErrorIs(t, err, ErrNotDelivered)

	conv, ok := env.engine.Conversation(env.bobPK)
	require.True(t, ok)
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, "into the void", conv.Messages[0].Plaintext)

	// The ciphertext must be cached even though delivery failed.
	env.engine.bg.Wait()
	cached, err := env.cache.Events(env.alicePK)
	require.NoError(t, err)
	assert.Len(t, cached, 1)
}

func TestSendReplyCarriesReference(t *testing.T) {
	env := newTestEnv(t)
	original := dmEvent(t, env.bobSK, env.alicePK, "question", 100)
	require.True(t, env.engine.ingestEvent(original))

	_, err := env.engine.Send(context.Background(), env.bobPK, "answer", original.ID)
	require.NoError(t, err)

	conv, _ := env.engine.Conversation(env.bobPK)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, original.ID, conv.LastMessage.ReplyToID)

	published := env.gateway.publishedEvents()
	require.Len(t, published, 1)
	tag := published[0].Tags.GetFirst([]string{"e"})
	require.NotNil(t, tag)
	assert.Equal(t, original.ID, tag.Value())
}

func TestDeleteRemovesLocallyWithoutAck(t *testing.T) {
	env := newTestEnv(t)
	report, err := env.engine.Send(context.Background(), env.bobPK, "regret", "")
	require.NoError(t, err)
	require.True(t, report.Delivered())
	env.engine.bg.Wait()
	conv, _ := env.engine.Conversation(env.bobPK)
	target := conv.Messages[0].ID

	env.gateway.publishFn = func(*nostr.Event) relaypool.PublishReport { return ackReport(0, 2) }
	_, err = env.engine.Delete(context.Background(), target, env.bobPK)
	require.ErrorIs(t, err, ErrNotDelivered)

	_, ok := env.engine.Conversation(env.bobPK)
	assert.False(t, ok, "thread with its only message deleted should disappear")

	env.engine.bg.Wait()
	cached, err := env.cache.Events(env.alicePK)
	require.NoError(t, err)
	assert.Empty(t, cached)
}

func TestDeleteInboundMessagePurgesEverything(t *testing.T) {
	env := newTestEnv(t)
	inbound := dmEvent(t, env.bobSK, env.alicePK, "remove me", 100)
	require.NoError(t, env.cache.PutEvents(env.alicePK, []*nostr.Event{inbound}))
	require.True(t, env.engine.ingestEvent(inbound))
	env.engine.bg.Wait()

	receipts, err := env.ledger.LoadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, receipts, 1)

	// Removal applies even when no node acknowledges the tombstone.
	env.gateway.publishFn = func(*nostr.Event) relaypool.PublishReport { return ackReport(0, 2) }
	_, err = env.engine.Delete(context.Background(), inbound.ID, env.bobPK)
	require.ErrorIs(t, err, ErrNotDelivered)

	_, ok := env.engine.Conversation(env.bobPK)
	assert.False(t, ok)

	env.engine.bg.Wait()
	receipts, err = env.ledger.LoadAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, receipts)
	cached, err := env.cache.Events(env.alicePK)
	require.NoError(t, err)
	assert.Empty(t, cached)
}

func TestTombstoneBeforeTarget(t *testing.T) {
	env := newTestEnv(t)
	msg := dmEvent(t, env.bobSK, env.alicePK, "retracted", 100)
	tomb := tombstoneEvent(t, env.bobSK, msg.ID, 110)

	require.False(t, env.engine.ingestEvent(tomb))
	assert.False(t, env.engine.ingestEvent(msg))
	assert.Empty(t, env.engine.Conversations())
}

func TestTombstoneFromWrongAuthorIgnored(t *testing.T) {
	env := newTestEnv(t)
	msg := dmEvent(t, env.bobSK, env.alicePK, "keep me", 100)
	require.True(t, env.engine.ingestEvent(msg))

	carolSK := nostr.GeneratePrivateKey()
	require.False(t, env.engine.ingestEvent(tombstoneEvent(t, carolSK, msg.ID, 110)))

	conv, ok := env.engine.Conversation(env.bobPK)
	require.True(t, ok)
	assert.Len(t, conv.Messages, 1)
}

func TestEarlyTombstoneFromWrongAuthorDoesNotSuppress(t *testing.T) {
	env := newTestEnv(t)
	msg := dmEvent(t, env.bobSK, env.alicePK, "still here", 100)
	require.NoError(t, env.cache.PutEvents(env.alicePK, []*nostr.Event{msg}))

	// Tombstone arrives before its target, signed by a stranger. Nothing
	// may be purged yet, and the real message must still land.
	carolSK := nostr.GeneratePrivateKey()
	require.False(t, env.engine.ingestEvent(tombstoneEvent(t, carolSK, msg.ID, 90)))
	env.engine.bg.Wait()

	cached, err := env.cache.Events(env.alicePK)
	require.NoError(t, err)
	assert.Len(t, cached, 1)

	require.True(t, env.engine.ingestEvent(msg))
	conv, ok := env.engine.Conversation(env.bobPK)
	require.True(t, ok)
	assert.Len(t, conv.Messages, 1)
	assert.Equal(t, 1, conv.UnreadCount)
}

func TestStartPullsAndReducesWindow(t *testing.T) {
	env := newTestEnv(t)
	e1 := dmEvent(t, env.aliceSK, env.bobPK, "sent earlier", 100)
	e2 := dmEvent(t, env.bobSK, env.alicePK, "reply", 105)
	env.gateway.pullFn = func([]nostr.Filter) []*nostr.Event {
		// Both directions overlap across nodes; duplicates included.
		return []*nostr.Event{e1, e2, e1}
	}

	require.NoError(t, env.engine.Start(context.Background()))
	env.engine.Stop()

	convs := env.engine.Conversations()
	require.Len(t, convs, 1)
	conv := convs[0]
	assert.Equal(t, env.bobPK, conv.CounterpartyID)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "sent earlier", conv.Messages[0].Plaintext)
	assert.Equal(t, "reply", conv.Messages[1].Plaintext)
	assert.Equal(t, e2.ID, conv.LastMessage.ID)
	assert.Equal(t, 1, conv.UnreadCount)
}

func TestRestartPrimesFromCacheAndNarrowsWindow(t *testing.T) {
	env := newTestEnv(t)
	evt := dmEvent(t, env.bobSK, env.alicePK, "persisted", 5000)
	env.gateway.pullFn = func([]nostr.Filter) []*nostr.Event { return []*nostr.Event{evt} }
	require.NoError(t, env.engine.Start(context.Background()))
	env.engine.Stop()

	gw2 := &fakeGateway{}
	eng2, err := New(Params{
		SecretKey: env.aliceSK, Gateway: gw2, Cache: env.cache,
		Ledger: env.ledger, Log: zerolog.Nop(), PollInterval: time.Hour,
	})
	require.NoError(t, err)
	require.NoError(t, eng2.Start(context.Background()))
	eng2.Stop()

	conv, ok := eng2.Conversation(env.bobPK)
	require.True(t, ok)
	assert.Equal(t, "persisted", conv.Messages[0].Plaintext)

	// The second run pulls from the stored watermark minus the skew
	// buffer, not from the cold-start horizon.
	gw2.mu.Lock()
	defer gw2.mu.Unlock()
	require.NotEmpty(t, gw2.pulls)
	for _, f := range gw2.pulls[0] {
		require.NotNil(t, f.Since)
		assert.Equal(t, nostr.Timestamp(5000-60), *f.Since)
	}
}

func TestCacheAndPullDeduplicate(t *testing.T) {
	env := newTestEnv(t)
	evt := dmEvent(t, env.bobSK, env.alicePK, "both paths", 100)
	require.NoError(t, env.cache.PutEvents(env.alicePK, []*nostr.Event{evt}))
	env.gateway.pullFn = func([]nostr.Filter) []*nostr.Event { return []*nostr.Event{evt} }

	require.NoError(t, env.engine.Start(context.Background()))
	env.engine.Stop()

	conv, ok := env.engine.Conversation(env.bobPK)
	require.True(t, ok)
	assert.Len(t, conv.Messages, 1)
}

func TestReceiptBridgeFoldsExternalChanges(t *testing.T) {
	env := newTestEnv(t)
	evt := dmEvent(t, env.bobSK, env.alicePK, "seen elsewhere", 100)
	env.gateway.pullFn = func([]nostr.Filter) []*nostr.Event { return []*nostr.Event{evt} }
	require.NoError(t, env.engine.Start(context.Background()))
	defer env.engine.Stop()
	env.engine.bg.Wait()

	// A direct ledger write, as another component of the process would do.
	_, err := env.ledger.MarkConversationRead(context.Background(), env.bobPK)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		conv, ok := env.engine.Conversation(env.bobPK)
		return ok && conv.UnreadCount == 0 && conv.Messages[0].IsRead
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConversationsOrderedByActivity(t *testing.T) {
	env := newTestEnv(t)
	carolSK := nostr.GeneratePrivateKey()
	carolPK, err := nostr.GetPublicKey(carolSK)
	require.NoError(t, err)

	require.True(t, env.engine.ingestEvent(dmEvent(t, env.bobSK, env.alicePK, "older", 100)))
	require.True(t, env.engine.ingestEvent(dmEvent(t, carolSK, env.alicePK, "newer", 200)))

	convs := env.engine.Conversations()
	require.Len(t, convs, 2)
	assert.Equal(t, carolPK, convs[0].CounterpartyID)
	assert.Equal(t, env.bobPK, convs[1].CounterpartyID)
}
