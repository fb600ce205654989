package history

import (
	"github.com/daviddao/paymenthistory_viewer/internal/model"
)

// Row is one displayable line: a pending entry or a confirmed one.
type Row struct {
	model.Transfer
	Offset  int
	Event   model.EventKind
	Pending bool
}

// Present merges the page-aligned pending slice ahead of the settled page.
// Pending entries rejected by keep, or already confirmed in the page's batch,
// are left out. Pending entries never displace confirmed ones, so the result
// may hold more than a page's worth of rows.
func Present(pending []model.PendingEntry, page Page, keep func(model.Transfer) bool) []Row {
	rows := make([]Row, 0, len(pending)+len(page.Entries))
	for _, p := range pending {
		if keep != nil && !keep(p.Transfer) {
			continue
		}
		if _, done := page.Confirmed[p.Key()]; done {
			continue
		}
		rows = append(rows, Row{Transfer: p.Transfer, Offset: -1, Pending: true})
	}
	for _, e := range page.Entries {
		rows = append(rows, Row{Transfer: e.Transfer, Offset: e.Offset, Event: e.Event})
	}
	return rows
}
