// Package model defines the payment history records shared by the viewer's
// components: confirmed log entries, pending (in-flight) entries, tokens and
// the user-controlled filter context.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// EventKind is the node's name for a payment log record.
type EventKind string

const (
	EventPaymentSentSuccess     EventKind = "EventPaymentSentSuccess"
	EventPaymentReceivedSuccess EventKind = "EventPaymentReceivedSuccess"
	EventPaymentSentFailed      EventKind = "EventPaymentSentFailed"
)

// Direction tells whether a transfer left or reached our node.
type Direction int

const (
	Sent Direction = iota
	Received
)

func (d Direction) String() string {
	switch d {
	case Sent:
		return "sent"
	case Received:
		return "received"
	}
	return "?"
}

// Transfer holds the fields common to confirmed and pending entries.
type Transfer struct {
	Timestamp    time.Time      `json:"timestamp"`
	Direction    Direction      `json:"direction"`
	Counterparty common.Address `json:"counterparty"`
	Token        common.Address `json:"token"`
	Amount       *uint256.Int   `json:"amount"`
	Identifier   uint64         `json:"identifier"`
}

// TransferKey identifies the same logical transfer across the pending and
// confirmed streams.
type TransferKey struct {
	Counterparty common.Address
	Token        common.Address
	Identifier   uint64
}

// Key returns the (counterparty, token, identifier) triple.
func (t Transfer) Key() TransferKey {
	return TransferKey{Counterparty: t.Counterparty, Token: t.Token, Identifier: t.Identifier}
}

// LogEntry is a confirmed, immutable record of the remote payment log.
// Offset counts from the oldest entry (0) and is its identity.
type LogEntry struct {
	Offset int       `json:"offset"`
	Event  EventKind `json:"event"`
	Transfer
}

// Failed reports whether the entry records a failed outgoing payment.
func (e LogEntry) Failed() bool {
	return e.Event == EventPaymentSentFailed
}

// PendingEntry is an in-flight transfer that has no log offset yet.
type PendingEntry struct {
	Transfer
	FirstSeen time.Time `json:"first_seen"`
}

// Pending is always true; it lets renderers tell both kinds apart.
func (PendingEntry) Pending() bool { return true }

// Token describes an ERC20 token registered on the node.
type Token struct {
	Address  common.Address `json:"address"`
	Symbol   string         `json:"symbol"`
	Name     string         `json:"name"`
	Decimals int            `json:"decimals"`
}

// FilterContext is the user's current selection. A nil SelectedToken means
// all tokens.
type FilterContext struct {
	SelectedToken *common.Address
	SearchKeyword string
}

// Equal compares two filter contexts by value.
func (f FilterContext) Equal(o FilterContext) bool {
	if f.SearchKeyword != o.SearchKeyword {
		return false
	}
	if f.SelectedToken == nil || o.SelectedToken == nil {
		return f.SelectedToken == nil && o.SelectedToken == nil
	}
	return *f.SelectedToken == *o.SelectedToken
}

// FormatAmount renders amount as a decimal number with the given number of
// token decimals, trimming trailing zeros of the fraction.
func FormatAmount(amount *uint256.Int, decimals int) string {
	if amount == nil {
		return "0"
	}
	digits := amount.Dec()
	if decimals <= 0 {
		return digits
	}
	if len(digits) <= decimals {
		digits = strings.Repeat("0", decimals-len(digits)+1) + digits
	}
	whole := digits[:len(digits)-decimals]
	frac := strings.TrimRight(digits[len(digits)-decimals:], "0")
	if frac == "" {
		return whole
	}
	return fmt.Sprintf("%s.%s", whole, frac)
}
