// Package source adapts the node's paged payment query into offset-addressed
// batches of log entries.
//
// Offsets count from the oldest entry (offset 0). A batch returns fewer
// entries than requested only at a boundary of the log. Ranges that lie
// entirely below the last observed log length never change, so they are
// served from a local cache when possible.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/coocood/freecache"
	"github.com/sirupsen/logrus"

	"github.com/daviddao/paymenthistory_viewer/internal/model"
	"github.com/daviddao/paymenthistory_viewer/internal/nodeapi"
)

var logger = logrus.StandardLogger().WithField("module", "source")

// Remote is the subset of the node client the adapter needs.
type Remote interface {
	PaymentHistory(ctx context.Context, q nodeapi.HistoryQuery) (*nodeapi.HistoryPage, error)
}

// Batch is a contiguous, oldest-first run of entries starting at Offset.
type Batch struct {
	Offset    int              `json:"offset"`
	Requested int              `json:"requested"`
	Entries   []model.LogEntry `json:"entries"`
	Total     int              `json:"total"`
}

// End returns the offset one past the last entry of the batch.
func (b Batch) End() int {
	return b.Offset + len(b.Entries)
}

// Truncated reports whether the node returned fewer entries than requested,
// meaning the window ran into an end of the log.
func (b Batch) Truncated() bool {
	return len(b.Entries) < b.Requested
}

// ReachesStart reports whether the batch includes the oldest entry.
func (b Batch) ReachesStart() bool {
	return b.Offset == 0
}

// ReachesEnd reports whether the batch includes the newest entry known at
// fetch time.
func (b Batch) ReachesEnd() bool {
	return b.Truncated() || b.End() >= b.Total
}

// Adapter fetches batches from a Remote. It is safe for concurrent use.
type Adapter struct {
	remote Remote
	cache  *freecache.Cache

	mu        sync.Mutex
	lastTotal int
}

// NewAdapter creates an adapter. cacheSizeMB <= 0 disables caching.
func NewAdapter(remote Remote, cacheSizeMB int) *Adapter {
	a := &Adapter{remote: remote}
	if cacheSizeMB > 0 {
		a.cache = freecache.NewCache(cacheSizeMB * 1024 * 1024)
	}
	return a
}

// LastTotal returns the largest log length observed so far.
func (a *Adapter) LastTotal() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastTotal
}

func (a *Adapter) observeTotal(total int) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if total > a.lastTotal {
		a.lastTotal = total
	}
	return a.lastTotal
}

// Reset drops cached windows and the observed length, for a node whose log
// started over.
func (a *Adapter) Reset() {
	if a.cache != nil {
		a.cache.Clear()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastTotal = 0
}

// Total asks the node for the current log length.
func (a *Adapter) Total(ctx context.Context) (int, error) {
	page, err := a.remote.PaymentHistory(ctx, nodeapi.HistoryQuery{Limit: 0, Offset: 0})
	if err != nil {
		return 0, fmt.Errorf("query log length: %w", err)
	}
	a.observeTotal(page.Total)
	return page.Total, nil
}

// Fetch returns up to limit entries starting at offset.
func (a *Adapter) Fetch(ctx context.Context, limit, offset int) (Batch, error) {
	if limit < 0 || offset < 0 {
		return Batch{}, fmt.Errorf("invalid window limit=%d offset=%d", limit, offset)
	}
	if b, ok := a.cached(limit, offset); ok {
		return b, nil
	}

	page, err := a.remote.PaymentHistory(ctx, nodeapi.HistoryQuery{Limit: limit, Offset: offset})
	if err != nil {
		return Batch{}, fmt.Errorf("fetch limit=%d offset=%d: %w", limit, offset, err)
	}
	payments := page.Payments
	if len(payments) > limit {
		payments = payments[:limit]
	}

	b := Batch{
		Offset:    offset,
		Requested: limit,
		Entries:   make([]model.LogEntry, 0, len(payments)),
		Total:     page.Total,
	}
	for i, p := range payments {
		b.Entries = append(b.Entries, ToLogEntry(offset+i, p))
	}
	a.observeTotal(page.Total)
	a.store(b)
	return b, nil
}

// FetchTail returns the newest limit entries, resolving the window's offset
// against the log length reported by the node.
func (a *Adapter) FetchTail(ctx context.Context, limit int) (Batch, error) {
	total, err := a.Total(ctx)
	if err != nil {
		return Batch{}, err
	}
	offset := max(0, total-limit)
	return a.Fetch(ctx, total-offset, offset)
}

func cacheKey(limit, offset int) []byte {
	return []byte(fmt.Sprintf("%d:%d", offset, limit))
}

func (a *Adapter) cached(limit, offset int) (Batch, bool) {
	if a.cache == nil || limit == 0 {
		return Batch{}, false
	}
	data, err := a.cache.Get(cacheKey(limit, offset))
	if err != nil {
		return Batch{}, false
	}
	var b Batch
	if err := json.Unmarshal(data, &b); err != nil {
		logger.WithError(err).Warn("dropping undecodable cache entry")
		a.cache.Del(cacheKey(limit, offset))
		return Batch{}, false
	}
	b.Total = a.LastTotal()
	return b, true
}

func (a *Adapter) store(b Batch) {
	if a.cache == nil || b.Requested == 0 || b.Truncated() {
		return
	}
	data, err := json.Marshal(b)
	if err != nil {
		logger.WithError(err).Warn("cannot encode batch for cache")
		return
	}
	if err := a.cache.Set(cacheKey(b.Requested, b.Offset), data, 0); err != nil {
		logger.WithError(err).Debug("batch not cached")
	}
}

// ToLogEntry converts a raw node record at the given offset.
func ToLogEntry(offset int, p nodeapi.PaymentEvent) model.LogEntry {
	e := model.LogEntry{
		Offset: offset,
		Event:  model.EventKind(p.Event),
		Transfer: model.Transfer{
			Timestamp:  p.LogTime.Time,
			Direction:  model.Sent,
			Token:      p.TokenAddress,
			Amount:     p.Amount,
			Identifier: p.Identifier,
		},
	}
	if e.Event == model.EventPaymentReceivedSuccess {
		e.Direction = model.Received
		e.Counterparty = p.Initiator
	} else {
		e.Counterparty = p.Target
	}
	return e
}
