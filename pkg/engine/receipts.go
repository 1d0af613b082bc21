package engine

import "github.com/halorium/dmsync/pkg/ledger"

// runReceiptBridge folds the ledger's change feed back into the in-memory
// projection. Most changes originate from this engine and fold as no-ops;
// the bridge matters when another component of the process writes receipts
// directly to the ledger.
func (e *Engine) runReceiptBridge() {
	defer e.loops.Done()
	ch := e.ledger.Subscribe()
	for {
		select {
		case <-e.stopChan:
			return
		case change, ok := <-ch:
			if !ok {
				return
			}
			e.applyReceiptChange(change)
		}
	}
}

func (e *Engine) applyReceiptChange(change ledger.Change) {
	if change.Deleted {
		// Message removal has its own path through tombstone folding.
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	r := e.receipts[change.MessageID]
	r.MessageID = change.MessageID
	r.ConversationID = change.ConversationID
	r.IsRead = change.IsRead
	e.receipts[change.MessageID] = r

	th := e.threads[change.ConversationID]
	if th == nil {
		return
	}
	for i := range th.messages {
		if th.messages[i].ID == change.MessageID {
			th.messages[i].IsRead = change.IsRead
			break
		}
	}
	recompute(th)
}
