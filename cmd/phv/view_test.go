package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/daviddao/paymenthistory_viewer/internal/addressbook"
	"github.com/daviddao/paymenthistory_viewer/internal/config"
	"github.com/daviddao/paymenthistory_viewer/internal/filter"
	"github.com/daviddao/paymenthistory_viewer/internal/history"
	"github.com/daviddao/paymenthistory_viewer/internal/model"
	"github.com/daviddao/paymenthistory_viewer/internal/nodeapi"
	"github.com/daviddao/paymenthistory_viewer/internal/pending"
	"github.com/daviddao/paymenthistory_viewer/internal/snapshot"
	"github.com/daviddao/paymenthistory_viewer/internal/source"
	"github.com/daviddao/paymenthistory_viewer/internal/tail"
)

var (
	me    = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	ttt   = common.HexToAddress("0x0000000000000000000000000000000000007777")
	wtk   = common.HexToAddress("0x0000000000000000000000000000000000005555")
)

// memLog is an in-memory payment log: even offsets are received from alice
// in TTT, odd offsets are sent to bob in WTK.
type memLog struct {
	entries []model.LogEntry
}

func (l *memLog) grow(n int) {
	for i := 0; i < n; i++ {
		off := len(l.entries)
		e := model.LogEntry{
			Offset: off,
			Event:  model.EventPaymentReceivedSuccess,
			Transfer: model.Transfer{
				Timestamp:    time.Date(2024, 3, 1, 12, 0, off, 0, time.UTC),
				Direction:    model.Received,
				Counterparty: alice,
				Token:        ttt,
				Amount:       uint256.NewInt(uint64(off+1) * 1_000_000_000_000_000_000),
				Identifier:   uint64(1000 + off),
			},
		}
		if off%2 == 1 {
			e.Event = model.EventPaymentSentSuccess
			e.Direction = model.Sent
			e.Counterparty = bob
			e.Token = wtk
			e.Amount = uint256.NewInt(uint64(off))
		}
		l.entries = append(l.entries, e)
	}
}

func (l *memLog) Fetch(_ context.Context, limit, offset int) (source.Batch, error) {
	start := min(offset, len(l.entries))
	end := min(offset+limit, len(l.entries))
	return source.Batch{
		Offset:    offset,
		Requested: limit,
		Entries:   append([]model.LogEntry(nil), l.entries[start:end]...),
		Total:     len(l.entries),
	}, nil
}

func (l *memLog) FetchTail(ctx context.Context, limit int) (source.Batch, error) {
	offset := max(0, len(l.entries)-limit)
	return l.Fetch(ctx, len(l.entries)-offset, offset)
}

func testTokens() filter.Tokens {
	return filter.NewTokens([]model.Token{
		{Address: ttt, Symbol: "TTT", Name: "Test Token", Decimals: 18},
		{Address: wtk, Symbol: "WTK", Name: "Wizard Token", Decimals: 4},
	})
}

// testModel creates a uiModel over a 10-entry log with its first page settled.
func testModel(t *testing.T) (uiModel, *memLog) {
	t.Helper()
	log := &memLog{}
	log.grow(10)
	book, err := addressbook.Parse([]byte(alice.Hex() + ": Alice\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	m := newModel(context.Background(), deps{
		cfg:     config.Default(),
		fetcher: log,
		address: me,
		book:    book,
		tokens:  testTokens(),
		overlay: pending.NewOverlay(0),
	}, model.FilterContext{})
	m = drain(t, m, m.initCmd)
	next, _ := m.Update(tea.WindowSizeMsg{Width: 120, Height: 30})
	return next.(uiModel), log
}

// drain runs fetch commands until the engine stops asking for more.
func drain(t *testing.T, m uiModel, cmd tea.Cmd) uiModel {
	t.Helper()
	for i := 0; cmd != nil; i++ {
		if i > 50 {
			t.Fatal("fetch loop did not settle")
		}
		msg, ok := cmd().(batchMsg)
		if !ok {
			t.Fatalf("expected a batch message")
		}
		next, c := m.Update(msg)
		m = next.(uiModel)
		cmd = c
	}
	return m
}

func press(m uiModel, k string) (uiModel, tea.Cmd) {
	var msg tea.KeyMsg
	switch k {
	case "enter":
		msg = tea.KeyMsg{Type: tea.KeyEnter}
	case "esc":
		msg = tea.KeyMsg{Type: tea.KeyEsc}
	case "right":
		msg = tea.KeyMsg{Type: tea.KeyRight}
	case "left":
		msg = tea.KeyMsg{Type: tea.KeyLeft}
	default:
		msg = tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(k)}
	}
	next, cmd := m.Update(msg)
	return next.(uiModel), cmd
}

func rowOffsets(m uiModel) []int {
	var out []int
	for _, r := range m.snap.Rows {
		out = append(out, r.Offset)
	}
	return out
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestViewLoading(t *testing.T) {
	m, _ := testModel(t)
	m.width = 0
	if got := m.View(); got != "Loading..." {
		t.Errorf("View() = %q, want Loading...", got)
	}
}

func TestViewFirstPage(t *testing.T) {
	m, _ := testModel(t)
	if got, want := rowOffsets(m), []int{9, 8, 7, 6}; !equalInts(got, want) {
		t.Fatalf("rows = %v, want %v", got, want)
	}

	v := m.View()
	for _, want := range []string{"payment history", "10 payments", "COUNTERPARTY", "Alice", "page 1", "n: older", "TTT", "WTK", "9 TTT", "0.0009 WTK"} {
		if !strings.Contains(v, want) {
			t.Errorf("View() missing %q", want)
		}
	}
	if strings.Contains(v, "p: newer") {
		t.Error("first page should not offer newer entries")
	}
}

func TestNavigateOlderAndBack(t *testing.T) {
	m, _ := testModel(t)

	m, cmd := press(m, "n")
	m = drain(t, m, cmd)
	if got, want := rowOffsets(m), []int{5, 4, 3, 2}; !equalInts(got, want) {
		t.Fatalf("page 2 rows = %v, want %v", got, want)
	}

	m, cmd = press(m, "right")
	m = drain(t, m, cmd)
	if !m.snap.OnLastPage || m.snap.Page != 3 {
		t.Fatalf("page %d last=%v, want page 3 last", m.snap.Page, m.snap.OnLastPage)
	}
	if !strings.Contains(m.View(), "(last)") {
		t.Error("last page not marked")
	}

	// n on the last page is a no-op.
	m, cmd = press(m, "n")
	if cmd != nil {
		t.Error("n on the last page should not fetch")
	}

	m, cmd = press(m, "p")
	m = drain(t, m, cmd)
	if got, want := rowOffsets(m), []int{5, 4, 3, 2}; !equalInts(got, want) {
		t.Errorf("back on page 2 rows = %v, want %v", got, want)
	}

	m, cmd = press(m, "left")
	m = drain(t, m, cmd)
	if got, want := rowOffsets(m), []int{9, 8, 7, 6}; !equalInts(got, want) {
		t.Errorf("back on page 1 rows = %v, want %v", got, want)
	}
}

func TestSearch(t *testing.T) {
	m, _ := testModel(t)

	m, _ = press(m, "/")
	if !m.searching {
		t.Fatal("/ should open the search input")
	}
	for _, r := range "b0b" {
		m, _ = press(m, string(r))
	}
	m, cmd := press(m, "enter")
	if m.searching {
		t.Error("enter should close the search input")
	}
	m = drain(t, m, cmd)

	if got, want := rowOffsets(m), []int{9, 7, 5, 3}; !equalInts(got, want) {
		t.Errorf("rows = %v, want %v", got, want)
	}
	if v := m.View(); !strings.Contains(v, "search:") || !strings.Contains(v, "b0b") {
		t.Error("active search not shown")
	}
}

func TestSearchEscKeepsFilter(t *testing.T) {
	m, _ := testModel(t)
	m, _ = press(m, "/")
	m, _ = press(m, "x")
	m, cmd := press(m, "esc")
	if cmd != nil || m.searching {
		t.Error("esc should cancel without fetching")
	}
	if m.engine.Filter().SearchKeyword != "" {
		t.Errorf("keyword = %q, want empty", m.engine.Filter().SearchKeyword)
	}
}

func TestTokenCycle(t *testing.T) {
	m, _ := testModel(t)

	// Without usage data tokens cycle in address order: WTK, TTT, all.
	m, cmd := press(m, "t")
	m = drain(t, m, cmd)
	if sel := m.engine.Filter().SelectedToken; sel == nil || *sel != wtk {
		t.Fatalf("selected %v, want WTK", sel)
	}
	if got, want := rowOffsets(m), []int{9, 7, 5, 3}; !equalInts(got, want) {
		t.Errorf("WTK rows = %v, want %v", got, want)
	}

	m, cmd = press(m, "t")
	m = drain(t, m, cmd)
	if sel := m.engine.Filter().SelectedToken; sel == nil || *sel != ttt {
		t.Fatalf("selected %v, want TTT", sel)
	}

	m, cmd = press(m, "T")
	m = drain(t, m, cmd)
	if m.engine.Filter().SelectedToken != nil {
		t.Error("T should clear the token")
	}
	m, cmd = press(m, "T")
	if cmd != nil {
		t.Error("T with no token selected should not fetch")
	}
}

func TestStaleFetchIgnored(t *testing.T) {
	m, _ := testModel(t)

	m, older := press(m, "n")
	m, byToken := press(m, "t")

	next, cmd := m.Update(older())
	m = next.(uiModel)
	if cmd != nil {
		t.Error("a superseded fetch must not continue")
	}
	if m.snap.Page != 1 {
		t.Errorf("page = %d, want 1", m.snap.Page)
	}

	m = drain(t, m, byToken)
	if got, want := rowOffsets(m), []int{9, 7, 5, 3}; !equalInts(got, want) {
		t.Errorf("rows = %v, want %v", got, want)
	}
}

func TestTailGrowthFollowsFirstPage(t *testing.T) {
	m, log := testModel(t)
	log.grow(2)

	next, cmd := m.Update(tailMsg{update: tail.Update{Total: 12, Loaded: true}})
	m = drain(t, next.(uiModel), cmd)
	if got, want := rowOffsets(m), []int{11, 10, 9, 8}; !equalInts(got, want) {
		t.Errorf("rows = %v, want %v", got, want)
	}
	if !m.tailLoaded {
		t.Error("tail loaded flag not recorded")
	}
}

func TestTailRestartReloadsFirstPage(t *testing.T) {
	m, log := testModel(t)
	m, cmd := press(m, "n")
	m = drain(t, m, cmd)

	log.entries = nil
	log.grow(3)
	next, cmd := m.Update(tailMsg{update: tail.Update{Total: 3, Loaded: true, Restarted: true}})
	m = drain(t, next.(uiModel), cmd)
	if got, want := rowOffsets(m), []int{2, 1, 0}; !equalInts(got, want) {
		t.Errorf("rows = %v, want %v", got, want)
	}
	if m.snap.Page != 1 || m.engine.KnownTotal() != 3 {
		t.Errorf("page %d total %d, want page 1 total 3", m.snap.Page, m.engine.KnownTotal())
	}
}

func TestNoticesShown(t *testing.T) {
	m, _ := testModel(t)
	var notes []tail.Notification
	for i := 0; i < 5; i++ {
		notes = append(notes, tail.Notification{Title: "Received transfer", Body: "1 TTT from Alice"})
	}
	next, _ := m.Update(tailMsg{update: tail.Update{Total: 10, Notifications: notes, Loaded: true}})
	m = next.(uiModel)

	if len(m.notices) != maxNotices {
		t.Errorf("notices = %d, want %d", len(m.notices), maxNotices)
	}
	if v := m.View(); !strings.Contains(v, "Received transfer") || !strings.Contains(v, "1 TTT from Alice") {
		t.Error("notification not rendered")
	}
}

func TestPendingRowsShown(t *testing.T) {
	m, _ := testModel(t)
	m.deps.overlay.Update([]nodeapi.PendingTransfer{{
		Role:              pending.RoleInitiator,
		Initiator:         me,
		Target:            bob,
		TokenAddress:      wtk,
		LockedAmount:      uint256.NewInt(25_000),
		PaymentIdentifier: 77,
	}}, time.Now())

	next, _ := m.Update(pendingChangedMsg{})
	m = next.(uiModel)
	if len(m.snap.Rows) != 5 || !m.snap.Rows[0].Pending {
		t.Fatalf("expected a pending row ahead of 4 confirmed rows, got %d rows", len(m.snap.Rows))
	}
	v := m.View()
	if !strings.Contains(v, "pending") || !strings.Contains(v, "2.5 WTK") {
		t.Error("pending row not rendered")
	}
}

func TestBookReloadRelabels(t *testing.T) {
	m, _ := testModel(t)
	book, err := addressbook.Parse([]byte(bob.Hex() + ": Bob\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	next, cmd := m.Update(bookLoadedMsg{book: book})
	m = next.(uiModel)
	if cmd != nil {
		t.Error("relabelling without a search should not refetch")
	}
	v := m.View()
	if !strings.Contains(v, "Bob") || strings.Contains(v, "Alice") {
		t.Error("labels not swapped")
	}
}

func TestHelpToggle(t *testing.T) {
	m, _ := testModel(t)
	m, _ = press(m, "?")
	if !m.showHelp {
		t.Fatal("? should show help")
	}
	if !strings.Contains(m.View(), "reload log") {
		t.Error("full help missing")
	}
}

func TestNextToken(t *testing.T) {
	order := []common.Address{wtk, ttt}
	if got := nextToken(order, nil); got == nil || *got != wtk {
		t.Errorf("from all: %v", got)
	}
	cur := wtk
	if got := nextToken(order, &cur); got == nil || *got != ttt {
		t.Errorf("from WTK: %v", got)
	}
	cur = ttt
	if got := nextToken(order, &cur); got != nil {
		t.Errorf("from TTT: %v, want all", got)
	}
	if got := nextToken(nil, nil); got != nil {
		t.Errorf("no tokens: %v", got)
	}
}

func TestResolveToken(t *testing.T) {
	tokens := testTokens()
	tests := []struct {
		in   string
		want *common.Address
		err  bool
	}{
		{"", nil, false},
		{"ttt", &ttt, false},
		{wtk.Hex(), &wtk, false},
		{"NOPE", nil, true},
	}
	for _, tt := range tests {
		got, err := resolveToken(tt.in, tokens)
		if tt.err {
			if err == nil {
				t.Errorf("resolveToken(%q) expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("resolveToken(%q): %v", tt.in, err)
			continue
		}
		if (got == nil) != (tt.want == nil) || (got != nil && *got != *tt.want) {
			t.Errorf("resolveToken(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestBuildJSONOutput(t *testing.T) {
	m, _ := testModel(t)
	page, _ := m.engine.Page()
	pend := []model.PendingEntry{{Transfer: model.Transfer{Direction: model.Sent, Counterparty: bob, Token: wtk, Amount: uint256.NewInt(5), Identifier: 42}}}
	snap := snapshot.Assemble(page, pend, nil, 10, model.FilterContext{SelectedToken: &ttt})

	out := buildJSONOutput(snap, testTokens(), m.lk.book)
	data, err := json.Marshal(out)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	s := string(data)
	for _, want := range []string{`"number":1`, `"first":true`, `"total_payments":10`, `"label":"Alice"`, `"symbol":"WTK"`, `"amount":"0.0005"`, `"token":"` + ttt.Hex() + `"`} {
		if !strings.Contains(s, want) {
			t.Errorf("JSON missing %s in %s", want, s)
		}
	}
	if out.Payments[0].Offset != nil || !out.Payments[0].Pending {
		t.Error("pending row should carry no offset")
	}
	if out.Payments[1].Offset == nil || *out.Payments[1].Offset != 9 {
		t.Error("confirmed row should carry its offset")
	}
}

func TestTruncateLines(t *testing.T) {
	got := truncateLines("short\n"+strings.Repeat("x", 30), 10)
	lines := strings.Split(got, "\n")
	if lines[0] != "short" || len(lines[1]) != 10 {
		t.Errorf("truncateLines = %q", got)
	}
}

func TestShortAddress(t *testing.T) {
	got := shortAddress(alice)
	if !strings.HasPrefix(got, "0x0000…") || !strings.EqualFold(strings.TrimPrefix(got, "0x0000…"), "11ce") {
		t.Errorf("shortAddress = %q", got)
	}
}

func TestShortDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{5 * time.Second, "5s"},
		{90 * time.Second, "1m30s"},
		{2*time.Hour + 3*time.Minute, "2h3m"},
	}
	for _, tt := range tests {
		if got := shortDuration(tt.d); got != tt.want {
			t.Errorf("shortDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestVersionFlag(t *testing.T) {
	cmd := newRootCmd()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetArgs([]string{"--version"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := buf.String(); got != "phv "+Version+"\n" {
		t.Errorf("version output = %q", got)
	}
}

func TestBadPageFlag(t *testing.T) {
	t.Setenv("PHV_CONFIG", "")
	t.Chdir(t.TempDir())
	cmd := newRootCmd()
	cmd.SetArgs([]string{"--page", "0", "--json"})
	if err := cmd.Execute(); err == nil || !strings.Contains(err.Error(), "--page") {
		t.Errorf("Execute error = %v, want --page error", err)
	}
}

var _ history.Fetcher = (*memLog)(nil)
