package main

import (
	"time"

	"github.com/daviddao/paymenthistory_viewer/internal/addressbook"
	"github.com/daviddao/paymenthistory_viewer/internal/filter"
	"github.com/daviddao/paymenthistory_viewer/internal/model"
	"github.com/daviddao/paymenthistory_viewer/internal/snapshot"
)

// jsonOutput is the structure for --json mode.
type jsonOutput struct {
	Page     jsonPage   `json:"page"`
	Filter   jsonFilter `json:"filter"`
	Payments []jsonRow  `json:"payments"`
	Stats    jsonStats  `json:"stats"`
}

type jsonPage struct {
	Number int  `json:"number"`
	First  bool `json:"first"`
	Last   bool `json:"last"`
}

type jsonFilter struct {
	Token  string `json:"token,omitempty"`
	Search string `json:"search,omitempty"`
}

type jsonRow struct {
	Offset       *int   `json:"offset,omitempty"`
	Pending      bool   `json:"pending"`
	Event        string `json:"event,omitempty"`
	Direction    string `json:"direction"`
	Counterparty string `json:"counterparty"`
	Label        string `json:"label,omitempty"`
	Token        string `json:"token"`
	Symbol       string `json:"symbol,omitempty"`
	Amount       string `json:"amount"`
	Identifier   uint64 `json:"identifier"`
	Time         string `json:"time,omitempty"`
}

type jsonStats struct {
	Confirmed int    `json:"confirmed"`
	Pending   int    `json:"pending"`
	Total     int    `json:"total_payments"`
	BuiltAt   string `json:"built_at"`
}

// buildJSONOutput converts a snapshot into the JSON output structure.
func buildJSONOutput(snap *snapshot.DataSnapshot, tokens filter.Tokens, book *addressbook.Book) jsonOutput {
	out := jsonOutput{
		Page: jsonPage{Number: snap.Page, First: snap.OnFirstPage, Last: snap.OnLastPage},
		Filter: jsonFilter{
			Search: snap.Filter.SearchKeyword,
		},
		Payments: make([]jsonRow, 0, len(snap.Rows)),
		Stats: jsonStats{
			Confirmed: snap.Confirmed,
			Pending:   snap.Pending,
			Total:     snap.Total,
			BuiltAt:   snap.BuiltAt.Format(time.RFC3339),
		},
	}
	if snap.Filter.SelectedToken != nil {
		out.Filter.Token = snap.Filter.SelectedToken.Hex()
	}

	for _, r := range snap.Rows {
		row := jsonRow{
			Pending:      r.Pending,
			Event:        string(r.Event),
			Direction:    r.Direction.String(),
			Counterparty: r.Counterparty.Hex(),
			Label:        book.Label(r.Counterparty),
			Token:        r.Token.Hex(),
			Amount:       model.FormatAmount(r.Amount, 0),
			Identifier:   r.Identifier,
		}
		if !r.Pending {
			offset := r.Offset
			row.Offset = &offset
		}
		if tok, ok := tokens.Token(r.Token); ok {
			row.Symbol = tok.Symbol
			row.Amount = model.FormatAmount(r.Amount, tok.Decimals)
		}
		if !r.Timestamp.IsZero() {
			row.Time = r.Timestamp.UTC().Format(time.RFC3339)
		}
		out.Payments = append(out.Payments, row)
	}
	return out
}
