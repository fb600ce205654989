// Package history assembles fixed-size pages of the payment log.
//
// The log only supports unfiltered limit/offset queries while the user
// filters by token and free text, so the number of matches in a fetched
// window is unknown in advance. The Engine widens its fetch window until it
// has a full page (plus one match of lookahead) or has run into the end of the
// log, and only then publishes the page.
//
// The Engine is a single-owner state machine: it never performs I/O. Every
// trigger returns a Request stamped with an epoch; the caller executes it and
// hands the Batch back through Complete. Completions carrying an old epoch are
// dropped.
package history

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/daviddao/paymenthistory_viewer/internal/model"
	"github.com/daviddao/paymenthistory_viewer/internal/source"
)

var logger = logrus.StandardLogger().WithField("module", "history")

// Direction is the edge of the displayed page an assembly extends from.
// Forward moves toward older entries, Backward toward newer ones.
type Direction int

const (
	Forward Direction = iota
	Backward
)

func (d Direction) String() string {
	if d == Backward {
		return "backward"
	}
	return "forward"
}

// State is the Engine's assembly state.
type State int

const (
	Idle State = iota
	Fetching
	Assembling
	Settled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Fetching:
		return "fetching"
	case Assembling:
		return "assembling"
	case Settled:
		return "settled"
	}
	return "?"
}

// Matcher decides whether a confirmed entry belongs on the page.
type Matcher func(model.LogEntry) bool

// Config sets the page and fetch granularity.
type Config struct {
	PageSize  int
	BatchUnit int
}

// Request is one fetch the caller must execute. Tail requests ask for the
// newest Limit entries; the others ask for [Offset, Offset+Limit).
type Request struct {
	Epoch  uint64
	Offset int
	Limit  int
	Tail   bool
}

func (r Request) String() string {
	if r.Tail {
		return fmt.Sprintf("epoch=%d tail limit=%d", r.Epoch, r.Limit)
	}
	return fmt.Sprintf("epoch=%d offset=%d limit=%d", r.Epoch, r.Offset, r.Limit)
}

// Bounds are the log offsets of the newest (First) and oldest (Last) entry on
// a page. For an empty page First = Last-1 = anchor-1.
type Bounds struct {
	First int
	Last  int
}

// Page is a settled page, entries newest-first.
type Page struct {
	Number     int
	Entries    []model.LogEntry
	OnLastPage bool
	Bounds     Bounds
	// Confirmed holds the keys of every entry in the batch the page was
	// assembled from; pending entries matching one of them are confirmed.
	Confirmed map[model.TransferKey]struct{}
}

// OnFirstPage reports whether the page is the newest one.
func (p Page) OnFirstPage() bool {
	return p.Number <= 1
}

// Outcome is the result of feeding a batch to the Engine. Next is set when
// the window must be widened.
type Outcome struct {
	Stale   bool
	Settled bool
	Next    *Request
}

// Engine is the windowed live-view state machine.
type Engine struct {
	cfg   Config
	build func(model.FilterContext) Matcher

	filter model.FilterContext
	match  Matcher

	page            int
	direction       Direction
	fetchMultiplier int
	knownTotal      int
	reachedLogStart bool

	fromTail   bool
	anchored   bool
	anchor     int
	olderKnown bool

	epoch      uint64
	state      State
	settled    Page
	hasSettled bool
}

// New creates an Engine. build turns a filter context into a Matcher and is
// called on every filter change.
func New(cfg Config, build func(model.FilterContext) Matcher) *Engine {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 4
	}
	if cfg.BatchUnit <= 0 {
		cfg.BatchUnit = 25
	}
	e := &Engine{
		cfg:             cfg,
		build:           build,
		page:            1,
		fetchMultiplier: 1,
	}
	e.match = build(e.filter)
	return e
}

// Start triggers the first assembly of the newest page.
func (e *Engine) Start() Request {
	return e.restart()
}

// Reload forgets the known log length and reassembles page 1. Use it after
// the node's log was reset, when the length may have gone down.
func (e *Engine) Reload() Request {
	e.knownTotal = 0
	return e.restart()
}

// SetFilter replaces the filter context and reassembles page 1.
func (e *Engine) SetFilter(ctx model.FilterContext) Request {
	e.filter = ctx
	e.match = e.build(ctx)
	return e.restart()
}

// SelectToken changes only the token selection; nil selects all tokens.
func (e *Engine) SelectToken(token *common.Address) Request {
	ctx := e.filter
	ctx.SelectedToken = token
	return e.SetFilter(ctx)
}

// NextPage moves one page toward older entries. It is a no-op before the
// first page settles and on the last page.
func (e *Engine) NextPage() (Request, bool) {
	if !e.hasSettled || e.settled.OnLastPage {
		return Request{}, false
	}
	e.page = e.settled.Number + 1
	e.direction = Forward
	e.olderKnown = false
	return e.trigger(false, e.settled.Bounds.Last), true
}

// PreviousPage moves one page toward newer entries. Page 1 is always
// assembled from the tail of the log so it picks up entries appended since.
func (e *Engine) PreviousPage() (Request, bool) {
	if e.page <= 1 || !e.hasSettled {
		return Request{}, false
	}
	e.page = max(1, e.settled.Number-1)
	e.direction = Backward
	e.olderKnown = len(e.settled.Entries) > 0
	if e.page == 1 {
		return e.trigger(true, 0), true
	}
	return e.trigger(false, e.settled.Bounds.First+1), true
}

// OnUpstreamGrowth records a new log length. Only a view of page 1 follows
// the tail; older pages stay put.
func (e *Engine) OnUpstreamGrowth(total int) (Request, bool) {
	if total == e.knownTotal {
		return Request{}, false
	}
	e.knownTotal = total
	// Page 1 is always assembled from the tail, whichever way we got there.
	if e.page != 1 {
		return Request{}, false
	}
	return e.trigger(true, 0), true
}

func (e *Engine) restart() Request {
	e.page = 1
	e.direction = Forward
	e.olderKnown = false
	return e.trigger(true, 0)
}

func (e *Engine) trigger(fromTail bool, anchor int) Request {
	e.epoch++
	e.fetchMultiplier = 1
	e.fromTail = fromTail
	e.anchored = !fromTail
	e.anchor = anchor
	e.state = Fetching
	req := e.request()
	logger.WithFields(logrus.Fields{
		"page":      e.page,
		"direction": e.direction,
	}).Debugf("assembly triggered: %v", req)
	return req
}

func (e *Engine) forwardScan() bool {
	return e.fromTail || e.direction == Forward
}

func (e *Engine) request() Request {
	width := e.fetchMultiplier * e.cfg.BatchUnit
	switch {
	case !e.anchored:
		return Request{Epoch: e.epoch, Limit: width, Tail: true}
	case e.forwardScan():
		offset := max(0, e.anchor-width)
		return Request{Epoch: e.epoch, Offset: offset, Limit: e.anchor - offset}
	default:
		return Request{Epoch: e.epoch, Offset: e.anchor, Limit: width}
	}
}

// Complete feeds the batch fetched for the request stamped with epoch.
func (e *Engine) Complete(epoch uint64, b source.Batch) Outcome {
	if epoch != e.epoch || e.state != Fetching {
		logger.WithFields(logrus.Fields{"epoch": epoch, "current": e.epoch}).Debug("discarding stale batch")
		return Outcome{Stale: true}
	}
	e.state = Assembling
	if b.Total > e.knownTotal {
		e.knownTotal = b.Total
	}
	if !e.anchored {
		e.anchor = b.End()
		e.anchored = true
	}
	if e.forwardScan() {
		return e.assembleForward(b)
	}
	return e.assembleBackward(b)
}

// assembleForward scans from the newest end of the window down, collecting
// one match more than a page so the last page is known exactly.
func (e *Engine) assembleForward(b source.Batch) Outcome {
	size := e.cfg.PageSize
	matches := make([]model.LogEntry, 0, size+1)
	for i := len(b.Entries) - 1; i >= 0 && len(matches) <= size; i-- {
		entry := b.Entries[i]
		if entry.Offset >= e.anchor {
			continue
		}
		if e.match(entry) {
			matches = append(matches, entry)
		}
	}

	atStart := b.ReachesStart()
	switch {
	case len(matches) > size:
		e.reachedLogStart = atStart
		return e.settle(matches[:size], false, b)
	case atStart:
		e.reachedLogStart = true
		return e.settle(matches, true, b)
	default:
		return e.widen(len(matches))
	}
}

// assembleBackward scans from the window's oldest end up; the page is the
// PageSize matches nearest the displayed page.
func (e *Engine) assembleBackward(b source.Batch) Outcome {
	size := e.cfg.PageSize
	matches := make([]model.LogEntry, 0, size)
	for i := 0; i < len(b.Entries) && len(matches) < size; i++ {
		if e.match(b.Entries[i]) {
			matches = append(matches, b.Entries[i])
		}
	}
	if len(matches) < size && !b.ReachesEnd() {
		return e.widen(len(matches))
	}
	for i, j := 0, len(matches)-1; i < j; i, j = i+1, j-1 {
		matches[i], matches[j] = matches[j], matches[i]
	}
	return e.settle(matches, !e.olderKnown, b)
}

func (e *Engine) widen(found int) Outcome {
	e.fetchMultiplier *= 2
	e.state = Fetching
	req := e.request()
	logger.WithFields(logrus.Fields{
		"found":      found,
		"multiplier": e.fetchMultiplier,
	}).Debugf("page under-filled, widening: %v", req)
	return Outcome{Next: &req}
}

func (e *Engine) settle(entries []model.LogEntry, onLast bool, b source.Batch) Outcome {
	bounds := Bounds{First: e.anchor - 1, Last: e.anchor}
	if len(entries) > 0 {
		bounds = Bounds{First: entries[0].Offset, Last: entries[len(entries)-1].Offset}
	}
	confirmed := make(map[model.TransferKey]struct{}, len(b.Entries))
	for _, entry := range b.Entries {
		confirmed[entry.Key()] = struct{}{}
	}

	e.settled = Page{
		Number:     e.page,
		Entries:    append([]model.LogEntry(nil), entries...),
		OnLastPage: onLast,
		Bounds:     bounds,
		Confirmed:  confirmed,
	}
	e.hasSettled = true
	e.fetchMultiplier = 1
	e.state = Settled
	logger.WithFields(logrus.Fields{
		"page":    e.page,
		"entries": len(entries),
		"last":    onLast,
	}).Debug("page settled")
	return Outcome{Settled: true}
}

// Page returns the last settled page.
func (e *Engine) Page() (Page, bool) {
	return e.settled, e.hasSettled
}

// CurrentPage is the page being shown or assembled.
func (e *Engine) CurrentPage() int { return e.page }

// Direction is the direction of the current assembly.
func (e *Engine) Direction() Direction { return e.direction }

// FetchMultiplier is the width of the current window in batch units.
func (e *Engine) FetchMultiplier() int { return e.fetchMultiplier }

// KnownTotal is the last observed log length.
func (e *Engine) KnownTotal() int { return e.knownTotal }

// ReachedLogStart reports whether the last forward assembly saw offset 0.
func (e *Engine) ReachedLogStart() bool { return e.reachedLogStart }

// State is the current assembly state.
func (e *Engine) State() State { return e.state }

// Epoch is the stamp of the most recent trigger.
func (e *Engine) Epoch() uint64 { return e.epoch }

// Filter is the active filter context.
func (e *Engine) Filter() model.FilterContext { return e.filter }

// Config returns the engine's page and batch sizes.
func (e *Engine) Config() Config { return e.cfg }

// Fetcher executes requests; source.Adapter implements it.
type Fetcher interface {
	Fetch(ctx context.Context, limit, offset int) (source.Batch, error)
	FetchTail(ctx context.Context, limit int) (source.Batch, error)
}

// Execute runs one request against f.
func Execute(ctx context.Context, f Fetcher, req Request) (source.Batch, error) {
	if req.Tail {
		return f.FetchTail(ctx, req.Limit)
	}
	return f.Fetch(ctx, req.Limit, req.Offset)
}

// Drive executes req and every widening request after it until the page
// settles. It returns the number of fetch rounds used.
func (e *Engine) Drive(ctx context.Context, f Fetcher, req Request) (int, error) {
	for rounds := 1; ; rounds++ {
		b, err := Execute(ctx, f, req)
		if err != nil {
			return rounds, err
		}
		out := e.Complete(req.Epoch, b)
		switch {
		case out.Settled:
			return rounds, nil
		case out.Stale:
			return rounds, fmt.Errorf("request %v superseded", req)
		}
		req = *out.Next
	}
}
