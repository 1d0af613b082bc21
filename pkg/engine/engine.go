// Package engine reconstructs private two-party conversations from the
// unordered, duplicate-prone event set spread across the relay nodes.
//
// It owns the in-memory message/conversation projection and is its only
// writer: the seen-id set, the thread map, the receipt snapshot, and the
// high-water mark are all mutated under one mutex, so the three independent
// event sources (cache priming, historical pull, live poll) behave as if
// they fed a single-writer actor.
package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"

	"github.com/halorium/dmsync/pkg/eventcache"
	"github.com/halorium/dmsync/pkg/ledger"
	"github.com/halorium/dmsync/pkg/notify"
	"github.com/halorium/dmsync/pkg/relaypool"
)

// Gateway is the slice of the relay pool the engine needs.
type Gateway interface {
	Publish(ctx context.Context, evt *nostr.Event) relaypool.PublishReport
	Pull(ctx context.Context, filters []nostr.Filter) []*nostr.Event
}

// Message is the decrypted, addressed view of a direct-message event.
type Message struct {
	ID         string
	Author     string
	CreatedAt  time.Time
	Ciphertext string
	// Plaintext holds codec.Placeholder when Decrypted is false: a decode
	// failure costs the content, never the slot in the thread.
	Plaintext string
	Decrypted bool
	IsOwn     bool
	IsRead    bool
	ReplyToID string
}

// Conversation is a snapshot of one per-counterparty thread, messages
// ordered by creation time ascending.
type Conversation struct {
	CounterpartyID string
	Messages       []Message
	LastMessage    Message
	UnreadCount    int
}

// thread is the mutable counterpart of Conversation.
type thread struct {
	counterparty string
	seq          int // creation order, stable tie-break for sorting
	messages     []Message
	unread       int
	last         Message
}

const (
	defaultPollInterval     = 10 * time.Second
	defaultSinceBuffer      = time.Minute
	defaultColdStartHorizon = 30 * 24 * time.Hour

	// defaultBatchSize bounds how many decrypts run concurrently while
	// priming from cache or merging a bulk pull.
	defaultBatchSize = 50

	// pollPullGuard is the outer deadline of one background poll pull.
	pollPullGuard = time.Minute
)

// Params configures a new Engine. Zero durations fall back to defaults.
type Params struct {
	SecretKey string
	Gateway   Gateway
	Cache     *eventcache.Store
	Ledger    *ledger.Ledger
	Push      notify.Notifier
	Log       zerolog.Logger

	PollInterval     time.Duration
	SinceBuffer      time.Duration
	ColdStartHorizon time.Duration
	BatchSize        int
}

type Engine struct {
	log zerolog.Logger

	secretKey string
	pubKey    string

	gateway Gateway
	cache   *eventcache.Store
	ledger  *ledger.Ledger
	push    notify.Notifier

	pollInterval     time.Duration
	sinceBuffer      time.Duration
	coldStartHorizon time.Duration
	batchSize        int

	mu      sync.Mutex
	seen    map[string]struct{}
	threads map[string]*thread
	// tombstoned maps a deleted event id to the tombstone's author, so a
	// message arriving after its tombstone is still discarded.
	tombstoned map[string]string
	receipts   map[string]ledger.Receipt
	threadSeq  int
	hwm        int64

	active   atomic.Bool
	inFlight atomic.Bool
	stopChan chan struct{}
	loops    sync.WaitGroup

	// Background writes go through a single ordered queue: a receipt
	// upsert enqueued during ingest always lands before a mark-read
	// enqueued afterwards.
	bgOps    chan bgOp
	bgMu     sync.Mutex
	bgClosed bool
	bg       sync.WaitGroup
	writerWG sync.WaitGroup
}

type bgOp struct {
	name string
	fn   func() error
}

func New(p Params) (*Engine, error) {
	pubKey, err := nostr.GetPublicKey(p.SecretKey)
	if err != nil {
		return nil, errors.New("invalid identity secret key")
	}
	if p.Gateway == nil || p.Cache == nil || p.Ledger == nil {
		return nil, errors.New("gateway, cache and ledger are required")
	}
	if p.Push == nil {
		p.Push = notify.Nop{}
	}
	if p.PollInterval <= 0 {
		p.PollInterval = defaultPollInterval
	}
	if p.SinceBuffer <= 0 {
		p.SinceBuffer = defaultSinceBuffer
	}
	if p.ColdStartHorizon <= 0 {
		p.ColdStartHorizon = defaultColdStartHorizon
	}
	if p.BatchSize <= 0 {
		p.BatchSize = defaultBatchSize
	}
	e := &Engine{
		log:              p.Log.With().Str("component", "engine").Logger(),
		secretKey:        p.SecretKey,
		pubKey:           pubKey,
		gateway:          p.Gateway,
		cache:            p.Cache,
		ledger:           p.Ledger,
		push:             p.Push,
		pollInterval:     p.PollInterval,
		sinceBuffer:      p.SinceBuffer,
		coldStartHorizon: p.ColdStartHorizon,
		batchSize:        p.BatchSize,
		seen:             make(map[string]struct{}),
		threads:          make(map[string]*thread),
		tombstoned:       make(map[string]string),
		receipts:         make(map[string]ledger.Receipt),
		stopChan:         make(chan struct{}),
		bgOps:            make(chan bgOp, 64),
	}
	e.writerWG.Add(1)
	go e.runWriter()
	return e, nil
}

// PubKey returns the local identity's public key.
func (e *Engine) PubKey() string { return e.pubKey }

// Start primes conversations from the local cache, pulls the missing
// window from the relay nodes, and then enters the periodic poll loop.
// Priming renders immediately from possibly-stale data; the window pull
// catches the state up.
func (e *Engine) Start(ctx context.Context) error {
	if !e.active.CompareAndSwap(false, true) {
		return errors.New("engine already started")
	}

	primeStart := time.Now()
	e.prime(ctx)
	e.log.Info().Dur("elapsed", time.Since(primeStart)).Int("threads", e.threadCount()).
		Msg("Cache priming complete")

	e.syncOnce(ctx)

	e.loops.Add(2)
	go e.pollLoop()
	go e.runReceiptBridge()
	return nil
}

// Stop tears the engine down: the poll loop and receipt bridge exit, and
// the background writer drains its queue. Queued writes drain even when
// the engine was never started, so a Send made before Start cannot leave
// a write racing a closing store. A pull that is still resolving discards
// its result when it notices the active flag is down.
func (e *Engine) Stop() {
	if e.active.CompareAndSwap(true, false) {
		close(e.stopChan)
		e.loops.Wait()
	}

	e.bgMu.Lock()
	alreadyClosed := e.bgClosed
	e.bgClosed = true
	e.bgMu.Unlock()
	if alreadyClosed {
		return
	}
	close(e.bgOps)
	e.writerWG.Wait()
	e.log.Info().Msg("Sync engine stopped")
}

func (e *Engine) threadCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.threads)
}

// prime replays the cached ciphertext events and the receipt snapshot into
// memory. This is the availability path: it must not touch the network, and
// storage errors degrade to an empty prime rather than failing startup.
func (e *Engine) prime(ctx context.Context) {
	receipts, err := e.ledger.LoadAll(ctx)
	if err != nil {
		e.log.Warn().Err(err).Msg("Failed to load receipt snapshot, priming without read state")
		receipts = make(map[string]ledger.Receipt)
	}
	e.mu.Lock()
	e.receipts = receipts
	e.mu.Unlock()

	cached, err := e.cache.Events(e.pubKey)
	if err != nil {
		e.log.Warn().Err(err).Msg("Failed to read event cache, starting cold")
		return
	}
	hwm, err := e.cache.HighWaterMark(e.pubKey)
	if err != nil {
		e.log.Warn().Err(err).Msg("Failed to read high-water mark")
	}
	e.mu.Lock()
	e.hwm = hwm
	e.mu.Unlock()

	e.ingestBatch(cached)
}

// syncOnce pulls one incremental window from every relay node and folds it
// in. Newly accepted ciphertext is persisted back to the cache.
func (e *Engine) syncOnce(ctx context.Context) {
	e.mu.Lock()
	hwm := e.hwm
	e.mu.Unlock()

	var since nostr.Timestamp
	if hwm > 0 {
		// Small buffer behind the watermark absorbs node clock and
		// propagation skew.
		since = nostr.Timestamp(hwm - int64(e.sinceBuffer/time.Second))
	} else {
		// Cold start: bounded historical horizon, never unbounded history.
		since = nostr.Timestamp(time.Now().Add(-e.coldStartHorizon).Unix())
	}

	events := e.gateway.Pull(ctx, e.dmFilters(since))
	if !e.active.Load() {
		// Late resolution after teardown: discard, do not mutate.
		return
	}
	accepted := e.ingestBatch(events)
	if len(accepted) == 0 {
		return
	}

	e.mu.Lock()
	mark := e.hwm
	e.mu.Unlock()
	e.detach("persist events", func() error {
		return e.cache.PutEvents(e.pubKey, accepted)
	})
	e.detach("persist high-water mark", func() error {
		return e.cache.SetHighWaterMark(e.pubKey, mark)
	})
	e.log.Debug().Int("pulled", len(events)).Int("accepted", len(accepted)).
		Int64("high_water_mark", mark).Msg("Sync window merged")
}

func (e *Engine) pollLoop() {
	defer e.loops.Done()
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			// Reentrancy guard: a slow node must not stack pulls — the
			// tick is skipped, not queued.
			if !e.inFlight.CompareAndSwap(false, true) {
				e.log.Debug().Msg("Skipping poll tick, previous pull still in flight")
				continue
			}
			e.loops.Add(1)
			go func() {
				defer e.loops.Done()
				defer e.inFlight.Store(false)
				ctx, cancel := context.WithTimeout(context.Background(), pollPullGuard)
				defer cancel()
				e.syncOnce(ctx)
			}()
		}
	}
}

func (e *Engine) dmFilters(since nostr.Timestamp) []nostr.Filter {
	kinds := []int{nostr.KindEncryptedDirectMessage, nostr.KindDeletion}
	return []nostr.Filter{
		{Kinds: kinds, Authors: []string{e.pubKey}, Since: &since},
		{Kinds: kinds, Tags: nostr.TagMap{"p": []string{e.pubKey}}, Since: &since},
	}
}

// detach queues a storage or notification write on the background writer.
// Writes execute in submission order and failures are logged, never
// returned to the caller. Writes submitted after Stop are dropped.
func (e *Engine) detach(op string, fn func() error) {
	e.bgMu.Lock()
	defer e.bgMu.Unlock()
	if e.bgClosed {
		e.log.Warn().Str("op", op).Msg("Dropping background write after shutdown")
		return
	}
	e.bg.Add(1)
	e.bgOps <- bgOp{name: op, fn: fn}
}

func (e *Engine) runWriter() {
	defer e.writerWG.Done()
	for op := range e.bgOps {
		if err := op.fn(); err != nil {
			e.log.Warn().Err(err).Str("op", op.name).Msg("Background write failed")
		}
		e.bg.Done()
	}
}
