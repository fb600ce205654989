// Package pending tracks in-flight transfers that have not been confirmed
// into the payment log yet.
package pending

import (
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/daviddao/paymenthistory_viewer/internal/model"
	"github.com/daviddao/paymenthistory_viewer/internal/nodeapi"
)

const (
	RoleInitiator = "initiator"
	RoleTarget    = "target"
)

// Overlay holds the current pending entries, newest-first.
type Overlay struct {
	ttl time.Duration

	mu      sync.RWMutex
	entries []model.PendingEntry
	seen    map[model.TransferKey]time.Time
}

// NewOverlay creates an empty overlay. Entries older than ttl are dropped;
// ttl <= 0 keeps entries for as long as the node reports them.
func NewOverlay(ttl time.Duration) *Overlay {
	return &Overlay{ttl: ttl, seen: make(map[model.TransferKey]time.Time)}
}

// Update replaces the overlay's contents with the node's current in-flight
// transfers. Transfers seen before keep their original FirstSeen time.
func (o *Overlay) Update(transfers []nodeapi.PendingTransfer, now time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()

	seen := make(map[model.TransferKey]time.Time, len(transfers))
	entries := make([]model.PendingEntry, 0, len(transfers))
	for _, t := range transfers {
		tr, ok := toTransfer(t)
		if !ok {
			continue
		}
		key := tr.Key()
		if _, dup := seen[key]; dup {
			continue
		}
		first, ok := o.seen[key]
		if !ok {
			first = now
		}
		// Expired keys stay in seen so they do not come back as new.
		seen[key] = first
		if o.ttl > 0 && now.Sub(first) > o.ttl {
			continue
		}
		tr.Timestamp = first
		entries = append(entries, model.PendingEntry{Transfer: tr, FirstSeen: first})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].FirstSeen.After(entries[j].FirstSeen)
	})
	o.entries = entries
	o.seen = seen
}

// Len returns the number of pending entries.
func (o *Overlay) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.entries)
}

// All returns a copy of the newest-first list.
func (o *Overlay) All() []model.PendingEntry {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]model.PendingEntry(nil), o.entries...)
}

// PageSlice returns entries [size*(page-1), size*page) of the newest-first
// list, clamped to its length.
func (o *Overlay) PageSlice(page, size int) []model.PendingEntry {
	if page < 1 || size <= 0 {
		return nil
	}
	o.mu.RLock()
	defer o.mu.RUnlock()

	start := size * (page - 1)
	if start >= len(o.entries) {
		return nil
	}
	end := min(start+size, len(o.entries))
	return append([]model.PendingEntry(nil), o.entries[start:end]...)
}

// toTransfer maps a node transfer to our perspective. Mediated transfers are
// not ours and are skipped.
func toTransfer(t nodeapi.PendingTransfer) (model.Transfer, bool) {
	tr := model.Transfer{
		Token:      t.TokenAddress,
		Amount:     t.LockedAmount,
		Identifier: t.PaymentIdentifier,
	}
	switch t.Role {
	case RoleInitiator:
		tr.Direction = model.Sent
		tr.Counterparty = t.Target
	case RoleTarget:
		tr.Direction = model.Received
		tr.Counterparty = t.Initiator
	default:
		return model.Transfer{}, false
	}
	if tr.Counterparty == (common.Address{}) {
		return model.Transfer{}, false
	}
	return tr, true
}
