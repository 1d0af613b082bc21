// Package ledger is the durable read-receipt store. Read state lives apart
// from the messages themselves: a receipt row is created the first time a
// non-own message is ingested and flipped when the owner reads the
// conversation. Every mutation is also published on an in-process change
// feed so the realtime bridge can fold updates into open threads.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"

	_ "github.com/mattn/go-sqlite3"
)

// Receipt is one row of per-message read state, owned by the reading
// identity.
type Receipt struct {
	MessageID      string
	ConversationID string
	SenderID       string
	IsRead         bool
	UpdatedAt      int64
}

// Change describes a single receipt mutation, delivered to subscribers.
type Change struct {
	MessageID      string
	ConversationID string
	IsRead         bool
	Deleted        bool
}

// subscriberBuffer is the channel depth per subscriber. Sends never block:
// a full subscriber drops the change and relies on the next poll cycle to
// reconcile.
const subscriberBuffer = 64

type Ledger struct {
	db      *dbutil.Database
	ownerID string
	log     zerolog.Logger

	subsMu sync.Mutex
	subs   []chan Change
}

// Open opens (or creates) the receipt database at the given path for one
// owning identity.
func Open(path, ownerID string, log zerolog.Logger) (*Ledger, error) {
	rawDB, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open receipt database: %w", err)
	}
	db, err := dbutil.NewWithDB(rawDB, "sqlite3")
	if err != nil {
		return nil, fmt.Errorf("failed to wrap receipt database: %w", err)
	}
	l := &Ledger{db: db, ownerID: ownerID, log: log}
	if err := l.ensureSchema(context.Background()); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Ledger) ensureSchema(ctx context.Context) error {
	_, err := l.db.Exec(ctx, `CREATE TABLE IF NOT EXISTS read_receipt (
		owner_id        TEXT    NOT NULL,
		message_id      TEXT    NOT NULL,
		conversation_id TEXT    NOT NULL,
		sender_id       TEXT    NOT NULL,
		is_read         BOOLEAN NOT NULL DEFAULT FALSE,
		updated_ts      BIGINT  NOT NULL,
		PRIMARY KEY (owner_id, message_id)
	)`)
	if err != nil {
		return fmt.Errorf("failed to ensure receipt schema: %w", err)
	}
	_, err = l.db.Exec(ctx, `CREATE INDEX IF NOT EXISTS read_receipt_conversation_idx
		ON read_receipt (owner_id, conversation_id, is_read)`)
	if err != nil {
		return fmt.Errorf("failed to create receipt index: %w", err)
	}
	return nil
}

// Close tears down the change feed and the database handle.
func (l *Ledger) Close() error {
	l.subsMu.Lock()
	for _, ch := range l.subs {
		close(ch)
	}
	l.subs = nil
	l.subsMu.Unlock()
	return l.db.Close()
}

// Subscribe returns a channel of receipt changes. The channel is closed by
// Close; a slow consumer misses changes instead of blocking writers.
func (l *Ledger) Subscribe() <-chan Change {
	ch := make(chan Change, subscriberBuffer)
	l.subsMu.Lock()
	l.subs = append(l.subs, ch)
	l.subsMu.Unlock()
	return ch
}

func (l *Ledger) emit(change Change) {
	l.subsMu.Lock()
	defer l.subsMu.Unlock()
	for _, ch := range l.subs {
		select {
		case ch <- change:
		default:
			l.log.Warn().Str("message_id", change.MessageID).Msg("Receipt change feed full, dropping change")
		}
	}
}

// UpsertUnread creates an unread receipt row for a message unless one
// already exists. Idempotent: re-ingesting the same message never resets a
// receipt that was since marked read.
func (l *Ledger) UpsertUnread(ctx context.Context, messageID, conversationID, senderID string) error {
	result, err := l.db.Exec(ctx, `
		INSERT INTO read_receipt (owner_id, message_id, conversation_id, sender_id, is_read, updated_ts)
		VALUES ($1, $2, $3, $4, FALSE, $5)
		ON CONFLICT (owner_id, message_id) DO NOTHING
	`, l.ownerID, messageID, conversationID, senderID, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to upsert receipt for %s: %w", messageID, err)
	}
	if rows, _ := result.RowsAffected(); rows > 0 {
		l.emit(Change{MessageID: messageID, ConversationID: conversationID, IsRead: false})
	}
	return nil
}

// MarkConversationRead flips every unread receipt in a conversation and
// returns the affected message ids.
func (l *Ledger) MarkConversationRead(ctx context.Context, conversationID string) ([]string, error) {
	rows, err := l.db.Query(ctx, `
		SELECT message_id FROM read_receipt
		WHERE owner_id=$1 AND conversation_id=$2 AND is_read=FALSE
	`, l.ownerID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list unread receipts: %w", err)
	}
	var flipped []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		flipped = append(flipped, id)
	}
	rows.Close()
	if len(flipped) == 0 {
		return nil, nil
	}

	_, err = l.db.Exec(ctx, `
		UPDATE read_receipt SET is_read=TRUE, updated_ts=$3
		WHERE owner_id=$1 AND conversation_id=$2 AND is_read=FALSE
	`, l.ownerID, conversationID, time.Now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to mark conversation %s read: %w", conversationID, err)
	}
	for _, id := range flipped {
		l.emit(Change{MessageID: id, ConversationID: conversationID, IsRead: true})
	}
	return flipped, nil
}

// Delete removes the receipt row for a deleted message. Missing rows are a
// no-op and emit nothing.
func (l *Ledger) Delete(ctx context.Context, messageID string) error {
	var conversationID string
	err := l.db.QueryRow(ctx,
		`SELECT conversation_id FROM read_receipt WHERE owner_id=$1 AND message_id=$2`,
		l.ownerID, messageID,
	).Scan(&conversationID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return err
	}
	_, err = l.db.Exec(ctx,
		`DELETE FROM read_receipt WHERE owner_id=$1 AND message_id=$2`,
		l.ownerID, messageID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete receipt for %s: %w", messageID, err)
	}
	l.emit(Change{MessageID: messageID, ConversationID: conversationID, Deleted: true})
	return nil
}

// LoadAll returns every receipt for the owner, keyed by message id. Used to
// prime the in-memory read-state snapshot before any ingest runs.
func (l *Ledger) LoadAll(ctx context.Context) (map[string]Receipt, error) {
	rows, err := l.db.Query(ctx, `
		SELECT message_id, conversation_id, sender_id, is_read, updated_ts
		FROM read_receipt WHERE owner_id=$1
	`, l.ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load receipts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Receipt)
	for rows.Next() {
		var r Receipt
		if err := rows.Scan(&r.MessageID, &r.ConversationID, &r.SenderID, &r.IsRead, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out[r.MessageID] = r
	}
	return out, rows.Err()
}
