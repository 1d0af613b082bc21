// Package relaypool abstracts the relay network behind two operations:
// fan-out publish and windowed pull. No relay is authoritative — nodes can
// drop, delay, or duplicate events — so publish reports per-node outcomes
// instead of failing as a batch, and pull returns the raw union of every
// node's answer, duplicates included. Deduplication belongs to the ingest
// pipeline.
package relaypool

import (
	"context"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"
)

const (
	// DefaultPerNodeTimeout time-boxes a single node's publish or query
	// attempt. One slow or dead node must never block delivery to the rest.
	DefaultPerNodeTimeout = 8 * time.Second

	// DefaultOverallTimeout guards a whole publish fan-out.
	DefaultOverallTimeout = 10 * time.Second
)

// Conn is one relay connection. The production implementation wraps
// *nostr.Relay; tests inject fakes.
type Conn interface {
	Publish(ctx context.Context, evt nostr.Event) error
	QuerySync(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error)
	Close() error
}

// DialFunc opens a connection to a relay node.
type DialFunc func(ctx context.Context, url string) (Conn, error)

func dialNostr(ctx context.Context, url string) (Conn, error) {
	relay, err := nostr.RelayConnect(ctx, url)
	if err != nil {
		return nil, err
	}
	return relay, nil
}

// PublishResult is the outcome of one node's publish attempt.
type PublishResult struct {
	Node string
	OK   bool
	Err  error
}

// PublishReport aggregates a fan-out publish. Zero successes is the only
// outcome callers treat as fatal; partial failure is normal operation.
type PublishReport struct {
	Results   []PublishResult
	Successes int
}

// Delivered reports whether at least one node accepted the event.
func (r PublishReport) Delivered() bool { return r.Successes > 0 }

// Options tunes a Pool. Zero values fall back to defaults.
type Options struct {
	PerNodeTimeout time.Duration
	OverallTimeout time.Duration
	Dial           DialFunc
}

// Pool holds lazily-dialed connections to a mutable set of relay nodes.
type Pool struct {
	log  zerolog.Logger
	dial DialFunc

	perNodeTimeout time.Duration
	overallTimeout time.Duration

	mu    sync.Mutex
	nodes []string
	conns map[string]Conn
}

func New(nodes []string, opts Options, log zerolog.Logger) *Pool {
	if opts.PerNodeTimeout <= 0 {
		opts.PerNodeTimeout = DefaultPerNodeTimeout
	}
	if opts.OverallTimeout <= 0 {
		opts.OverallTimeout = DefaultOverallTimeout
	}
	if opts.Dial == nil {
		opts.Dial = dialNostr
	}
	return &Pool{
		log:            log,
		dial:           opts.Dial,
		perNodeTimeout: opts.PerNodeTimeout,
		overallTimeout: opts.OverallTimeout,
		nodes:          append([]string(nil), nodes...),
		conns:          make(map[string]Conn),
	}
}

// Nodes returns the current node set.
func (p *Pool) Nodes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.nodes...)
}

// SetNodes replaces the node set. Connections to removed nodes are closed;
// connections to surviving nodes are kept.
func (p *Pool) SetNodes(nodes []string) {
	keep := make(map[string]bool, len(nodes))
	for _, url := range nodes {
		keep[url] = true
	}
	p.mu.Lock()
	var stale []Conn
	for url, conn := range p.conns {
		if !keep[url] {
			stale = append(stale, conn)
			delete(p.conns, url)
		}
	}
	p.nodes = append([]string(nil), nodes...)
	p.mu.Unlock()
	for _, conn := range stale {
		_ = conn.Close()
	}
	p.log.Info().Int("nodes", len(nodes)).Msg("Relay node set updated")
}

// Close closes every open connection.
func (p *Pool) Close() {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]Conn)
	p.mu.Unlock()
	for _, conn := range conns {
		_ = conn.Close()
	}
}

// conn returns the connection for a node, dialing it if needed. The dial
// happens outside the pool lock; a lost race closes the extra connection.
func (p *Pool) conn(ctx context.Context, url string) (Conn, error) {
	p.mu.Lock()
	if conn, ok := p.conns[url]; ok {
		p.mu.Unlock()
		return conn, nil
	}
	p.mu.Unlock()

	conn, err := p.dial(ctx, url)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if existing, ok := p.conns[url]; ok {
		p.mu.Unlock()
		_ = conn.Close()
		return existing, nil
	}
	p.conns[url] = conn
	p.mu.Unlock()
	return conn, nil
}

// dropConn forgets a connection after a transport failure so the next
// attempt redials.
func (p *Pool) dropConn(url string, conn Conn) {
	p.mu.Lock()
	if p.conns[url] == conn {
		delete(p.conns, url)
	}
	p.mu.Unlock()
	_ = conn.Close()
}

// Publish fans the same signed event out to every node concurrently. Each
// branch is independently time-boxed; the overall timeout is an outer guard.
// The report always has one entry per node.
func (p *Pool) Publish(ctx context.Context, evt *nostr.Event) PublishReport {
	nodes := p.Nodes()
	results := make([]PublishResult, len(nodes))

	outerCtx, cancel := context.WithTimeout(ctx, p.overallTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for i, url := range nodes {
		wg.Add(1)
		go func(i int, url string) {
			defer wg.Done()
			nodeCtx, nodeCancel := context.WithTimeout(outerCtx, p.perNodeTimeout)
			defer nodeCancel()
			err := p.publishOne(nodeCtx, url, evt)
			results[i] = PublishResult{Node: url, OK: err == nil, Err: err}
		}(i, url)
	}
	wg.Wait()

	report := PublishReport{Results: results}
	for _, res := range results {
		if res.OK {
			report.Successes++
		} else {
			p.log.Warn().Err(res.Err).Str("node", res.Node).Str("event_id", evt.ID).
				Msg("Publish to relay node failed")
		}
	}
	p.log.Debug().Str("event_id", evt.ID).
		Int("successes", report.Successes).Int("nodes", len(nodes)).
		Msg("Publish fan-out complete")
	return report
}

func (p *Pool) publishOne(ctx context.Context, url string, evt *nostr.Event) error {
	conn, err := p.conn(ctx, url)
	if err != nil {
		return err
	}
	if err := conn.Publish(ctx, *evt); err != nil {
		p.dropConn(url, conn)
		return err
	}
	return nil
}

// Pull queries every node for every filter in parallel and returns the
// union, NOT deduplicated — multiple nodes legitimately return the same
// event. A node that errors or times out contributes nothing and is only
// logged; the caller's poll cadence is the retry.
func (p *Pool) Pull(ctx context.Context, filters []nostr.Filter) []*nostr.Event {
	nodes := p.Nodes()
	resultCh := make(chan []*nostr.Event, len(nodes))

	var wg sync.WaitGroup
	for _, url := range nodes {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			nodeCtx, nodeCancel := context.WithTimeout(ctx, p.perNodeTimeout)
			defer nodeCancel()
			resultCh <- p.pullOne(nodeCtx, url, filters)
		}(url)
	}
	wg.Wait()
	close(resultCh)

	var union []*nostr.Event
	for events := range resultCh {
		union = append(union, events...)
	}
	return union
}

func (p *Pool) pullOne(ctx context.Context, url string, filters []nostr.Filter) []*nostr.Event {
	conn, err := p.conn(ctx, url)
	if err != nil {
		p.log.Warn().Err(err).Str("node", url).Msg("Failed to connect to relay node for pull")
		return nil
	}
	var events []*nostr.Event
	for _, filter := range filters {
		batch, err := conn.QuerySync(ctx, filter)
		if err != nil {
			p.log.Warn().Err(err).Str("node", url).Msg("Relay query failed, accepting partial results")
			p.dropConn(url, conn)
			return events
		}
		events = append(events, batch...)
	}
	return events
}
