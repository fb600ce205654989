// Package filter turns a FilterContext into a predicate over payment entries.
package filter

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/daviddao/paymenthistory_viewer/internal/model"
)

// Labeler resolves an address-book label; "" means no label.
type Labeler interface {
	Label(addr common.Address) string
}

// TokenLookup resolves token metadata by address.
type TokenLookup interface {
	Token(addr common.Address) (model.Token, bool)
}

// Filter is an immutable predicate built for one FilterContext.
type Filter struct {
	ctx     model.FilterContext
	keyword string
	labels  Labeler
	tokens  TokenLookup
}

// New builds a filter. labels and tokens may be nil.
func New(ctx model.FilterContext, labels Labeler, tokens TokenLookup) *Filter {
	return &Filter{
		ctx:     ctx,
		keyword: strings.ToLower(strings.TrimSpace(ctx.SearchKeyword)),
		labels:  labels,
		tokens:  tokens,
	}
}

// Context returns the filter context the predicate was built from.
func (f *Filter) Context() model.FilterContext {
	return f.ctx
}

// MatchEntry reports whether a confirmed entry is visible. Failed outgoing
// payments are never shown.
func (f *Filter) MatchEntry(e model.LogEntry) bool {
	if e.Failed() {
		return false
	}
	return f.Match(e.Transfer)
}

// Match applies the token selection and the search keyword to a transfer.
func (f *Filter) Match(t model.Transfer) bool {
	if f.ctx.SelectedToken != nil && t.Token != *f.ctx.SelectedToken {
		return false
	}
	if f.keyword == "" {
		return true
	}

	if strings.Contains(strings.ToLower(t.Counterparty.Hex()), f.keyword) ||
		strings.Contains(strings.ToLower(t.Token.Hex()), f.keyword) {
		return true
	}
	if f.tokens != nil {
		if tok, ok := f.tokens.Token(t.Token); ok {
			if strings.Contains(strings.ToLower(tok.Symbol), f.keyword) ||
				strings.Contains(strings.ToLower(tok.Name), f.keyword) {
				return true
			}
		}
	}
	if f.labels != nil {
		if label := f.labels.Label(t.Counterparty); label != "" &&
			strings.Contains(strings.ToLower(label), f.keyword) {
			return true
		}
	}
	return false
}

// Tokens is a TokenLookup over a fixed token list.
type Tokens map[common.Address]model.Token

// NewTokens indexes a token list by address.
func NewTokens(list []model.Token) Tokens {
	out := make(Tokens, len(list))
	for _, t := range list {
		out[t.Address] = t
	}
	return out
}

// Token implements TokenLookup.
func (t Tokens) Token(addr common.Address) (model.Token, bool) {
	tok, ok := t[addr]
	return tok, ok
}
