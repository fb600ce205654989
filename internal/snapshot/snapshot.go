// Package snapshot builds immutable views of one history page.
//
// A DataSnapshot captures a settled page merged with the pending transfers
// that belong on it. The TUI swaps a fresh snapshot into its model whenever a
// page settles or the pending list changes; Build assembles one headlessly
// for JSON output.
package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/daviddao/paymenthistory_viewer/internal/filter"
	"github.com/daviddao/paymenthistory_viewer/internal/history"
	"github.com/daviddao/paymenthistory_viewer/internal/model"
	"github.com/daviddao/paymenthistory_viewer/internal/nodeapi"
	"github.com/daviddao/paymenthistory_viewer/internal/pending"
)

// DataSnapshot is an immutable, self-contained view of one page.
type DataSnapshot struct {
	Page        int
	OnFirstPage bool
	OnLastPage  bool
	Rows        []history.Row

	// Counts.
	Confirmed int
	Pending   int
	Total     int

	Filter  model.FilterContext
	BuiltAt time.Time
}

// Assemble merges the pending entries for the page's slot ahead of the
// settled page. keep is the active filter predicate.
func Assemble(page history.Page, pendingSlice []model.PendingEntry, keep func(model.Transfer) bool, total int, fc model.FilterContext) *DataSnapshot {
	rows := history.Present(pendingSlice, page, keep)
	return &DataSnapshot{
		Page:        page.Number,
		OnFirstPage: page.OnFirstPage(),
		OnLastPage:  page.OnLastPage,
		Rows:        rows,
		Confirmed:   len(page.Entries),
		Pending:     len(rows) - len(page.Entries),
		Total:       total,
		Filter:      fc,
		BuiltAt:     time.Now(),
	}
}

// PendingLister reports the node's in-flight transfers.
type PendingLister interface {
	PendingTransfers(ctx context.Context) ([]nodeapi.PendingTransfer, error)
}

// Sources are the inputs of a headless build.
type Sources struct {
	Log     history.Fetcher
	Pending PendingLister
	Tokens  filter.TokenLookup
	Labels  filter.Labeler
}

// Request selects the page to build.
type Request struct {
	Page   int
	Filter model.FilterContext
	Config history.Config
}

// Build walks an engine from page 1 to the requested page and merges the
// pending transfers. A page past the end of the log yields the last page.
func Build(ctx context.Context, src Sources, req Request) (*DataSnapshot, error) {
	build := func(fc model.FilterContext) history.Matcher {
		return filter.New(fc, src.Labels, src.Tokens).MatchEntry
	}
	engine := history.New(req.Config, build)

	next := engine.SetFilter(req.Filter)
	for {
		if _, err := engine.Drive(ctx, src.Log, next); err != nil {
			return nil, fmt.Errorf("assemble page %d: %w", engine.CurrentPage(), err)
		}
		if engine.CurrentPage() >= req.Page {
			break
		}
		r, ok := engine.NextPage()
		if !ok {
			break
		}
		next = r
	}
	page, _ := engine.Page()

	var slice []model.PendingEntry
	if src.Pending != nil {
		transfers, err := src.Pending.PendingTransfers(ctx)
		if err != nil {
			return nil, fmt.Errorf("list pending transfers: %w", err)
		}
		overlay := pending.NewOverlay(0)
		overlay.Update(transfers, time.Now())
		slice = overlay.PageSlice(page.Number, engine.Config().PageSize)
	}

	keep := filter.New(req.Filter, src.Labels, src.Tokens).Match
	return Assemble(page, slice, keep, engine.KnownTotal(), req.Filter), nil
}
