package engine

import (
	"context"
	"sort"
)

// mergeLocked inserts a message into its counterparty thread. The thread
// keeps its own id index as a second dedup line behind the global seen set,
// so merging is idempotent on its own.
func (e *Engine) mergeLocked(counterparty string, msg Message) {
	th := e.threads[counterparty]
	if th == nil {
		th = &thread{counterparty: counterparty, seq: e.threadSeq}
		e.threadSeq++
		e.threads[counterparty] = th
	}
	for _, existing := range th.messages {
		if existing.ID == msg.ID {
			return
		}
	}
	th.messages = append(th.messages, msg)
	// Stable sort keeps equal timestamps in arrival order.
	sort.SliceStable(th.messages, func(i, j int) bool {
		return th.messages[i].CreatedAt.Before(th.messages[j].CreatedAt)
	})
	recompute(th)
}

func (e *Engine) findMessageLocked(id string) (Message, *thread, bool) {
	for _, th := range e.threads {
		for _, msg := range th.messages {
			if msg.ID == id {
				return msg, th, true
			}
		}
	}
	return Message{}, nil, false
}

func (e *Engine) removeFromThreadLocked(th *thread, id string) {
	for i, msg := range th.messages {
		if msg.ID == id {
			th.messages = append(th.messages[:i], th.messages[i+1:]...)
			break
		}
	}
	if len(th.messages) == 0 {
		delete(e.threads, th.counterparty)
		return
	}
	recompute(th)
}

// recompute refreshes the derived last-message and unread fields after any
// mutation of the message slice.
func recompute(th *thread) {
	th.last = th.messages[len(th.messages)-1]
	th.unread = 0
	for _, msg := range th.messages {
		if !msg.IsOwn && !msg.IsRead {
			th.unread++
		}
	}
}

// Conversations returns a snapshot of every thread, most recent activity
// first. The returned slices are copies and safe to hold across engine
// mutations.
func (e *Engine) Conversations() []Conversation {
	e.mu.Lock()
	defer e.mu.Unlock()
	threads := make([]*thread, 0, len(e.threads))
	for _, th := range e.threads {
		threads = append(threads, th)
	}
	sort.Slice(threads, func(i, j int) bool { return threads[i].seq < threads[j].seq })
	out := make([]Conversation, 0, len(threads))
	for _, th := range threads {
		out = append(out, snapshot(th))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastMessage.CreatedAt.After(out[j].LastMessage.CreatedAt)
	})
	return out
}

// Conversation returns the snapshot of a single counterparty thread.
func (e *Engine) Conversation(counterpartyID string) (Conversation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	th := e.threads[counterpartyID]
	if th == nil {
		return Conversation{}, false
	}
	return snapshot(th), true
}

func snapshot(th *thread) Conversation {
	return Conversation{
		CounterpartyID: th.counterparty,
		Messages:       append([]Message(nil), th.messages...),
		LastMessage:    th.last,
		UnreadCount:    th.unread,
	}
}

// MarkConversationRead flips every inbound message of the thread to read.
// Memory updates synchronously so the unread badge clears immediately; the
// ledger write runs detached.
func (e *Engine) MarkConversationRead(counterpartyID string) {
	e.mu.Lock()
	if th := e.threads[counterpartyID]; th != nil {
		for i := range th.messages {
			msg := &th.messages[i]
			if msg.IsOwn || msg.IsRead {
				continue
			}
			msg.IsRead = true
			if r, ok := e.receipts[msg.ID]; ok {
				r.IsRead = true
				e.receipts[msg.ID] = r
			}
		}
		recompute(th)
	}
	e.mu.Unlock()

	e.detach("mark conversation read", func() error {
		_, err := e.ledger.MarkConversationRead(context.Background(), counterpartyID)
		return err
	})
}
