package main

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/ethereum/go-ethereum/common"

	"github.com/daviddao/paymenthistory_viewer/internal/addressbook"
	"github.com/daviddao/paymenthistory_viewer/internal/backoff"
	"github.com/daviddao/paymenthistory_viewer/internal/config"
	"github.com/daviddao/paymenthistory_viewer/internal/filter"
	"github.com/daviddao/paymenthistory_viewer/internal/history"
	"github.com/daviddao/paymenthistory_viewer/internal/logging"
	"github.com/daviddao/paymenthistory_viewer/internal/model"
	"github.com/daviddao/paymenthistory_viewer/internal/nodeapi"
	"github.com/daviddao/paymenthistory_viewer/internal/pending"
	"github.com/daviddao/paymenthistory_viewer/internal/snapshot"
	"github.com/daviddao/paymenthistory_viewer/internal/source"
	"github.com/daviddao/paymenthistory_viewer/internal/tail"
)

const maxNotices = 3

// --- Messages ---

type batchMsg struct {
	req   history.Request
	batch source.Batch
	err   error
}

type tailMsg struct {
	update tail.Update
}

type pendingChangedMsg struct{}

type bookChangedMsg struct{}

type bookLoadedMsg struct {
	book *addressbook.Book
	err  error
}

type tokensMsg struct {
	tokens filter.Tokens
}

type tickMsg struct{}

// --- Key bindings ---

type keyMap struct {
	Next       key.Binding
	Prev       key.Binding
	Search     key.Binding
	Token      key.Binding
	ClearToken key.Binding
	Refresh    key.Binding
	Reload     key.Binding
	Help       key.Binding
	Quit       key.Binding
	Enter      key.Binding
	Esc        key.Binding
}

var keys = keyMap{
	Next:       key.NewBinding(key.WithKeys("n", "right"), key.WithHelp("n/→", "older")),
	Prev:       key.NewBinding(key.WithKeys("p", "left"), key.WithHelp("p/←", "newer")),
	Search:     key.NewBinding(key.WithKeys("/"), key.WithHelp("/", "search")),
	Token:      key.NewBinding(key.WithKeys("t"), key.WithHelp("t", "next token")),
	ClearToken: key.NewBinding(key.WithKeys("T"), key.WithHelp("T", "all tokens")),
	Refresh:    key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "refresh")),
	Reload:     key.NewBinding(key.WithKeys("R"), key.WithHelp("R", "reload log")),
	Help:       key.NewBinding(key.WithKeys("?"), key.WithHelp("?", "help")),
	Quit:       key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	Enter:      key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "apply")),
	Esc:        key.NewBinding(key.WithKeys("esc"), key.WithHelp("esc", "cancel")),
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Next, k.Prev, k.Search, k.Token, k.Help, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Next, k.Prev, k.Search, k.Enter, k.Esc},
		{k.Token, k.ClearToken, k.Refresh, k.Reload},
		{k.Help, k.Quit},
	}
}

// contextHelp returns the status bar hint for the current input mode.
func contextHelp(searching bool) string {
	if searching {
		return "enter: apply | esc: cancel"
	}
	return "n/p: page | /: search | t/T: token | r: refresh | ?: help | q: quit"
}

// --- Model ---

// deps are the long-lived services the model drives. Only fetcher and cfg
// are required.
type deps struct {
	cfg      *config.Config
	fetcher  history.Fetcher
	client   *nodeapi.Client
	address  common.Address
	book     *addressbook.Book
	tokens   filter.Tokens
	overlay  *pending.Overlay
	tail     *tail.Service
	pending  *backoff.Poller[[]nodeapi.PendingTransfer]
	retry    *backoff.Signal
	bookPath string
}

// lookups is shared by the model and the engine's matcher builder so a
// reloaded address book or token list is seen by both.
type lookups struct {
	book   *addressbook.Book
	tokens filter.Tokens
}

func (l *lookups) filter(fc model.FilterContext) *filter.Filter {
	return filter.New(fc, l.book, l.tokens)
}

type uiModel struct {
	ctx  context.Context
	deps deps
	lk   *lookups

	engine      *history.Engine
	snap        *snapshot.DataSnapshot
	cancelFetch context.CancelFunc
	initCmd     tea.Cmd

	tailLoaded bool
	notices    []tail.Notification

	search    textinput.Model
	searching bool

	width  int
	height int

	help     help.Model
	showHelp bool

	lastRefresh time.Time
}

func newModel(ctx context.Context, d deps, fc model.FilterContext) uiModel {
	if d.overlay == nil {
		d.overlay = pending.NewOverlay(d.cfg.Pending.TTL)
	}
	lk := &lookups{book: d.book, tokens: d.tokens}
	engine := history.New(history.Config{
		PageSize:  d.cfg.History.PageSize,
		BatchUnit: d.cfg.History.BatchUnit,
	}, func(fc model.FilterContext) history.Matcher {
		return lk.filter(fc).MatchEntry
	})

	ti := textinput.New()
	ti.Placeholder = "address, label or token"
	ti.Prompt = "/ "
	ti.CharLimit = 64
	ti.SetValue(fc.SearchKeyword)

	m := uiModel{
		ctx:         ctx,
		deps:        d,
		lk:          lk,
		engine:      engine,
		snap:        &snapshot.DataSnapshot{Page: 1, OnFirstPage: true},
		search:      ti,
		help:        help.New(),
		lastRefresh: time.Now(),
	}
	m.initCmd = m.fetch(engine.SetFilter(fc))
	return m
}

func (m uiModel) Init() tea.Cmd {
	cmds := []tea.Cmd{m.initCmd, tickEvery()}
	if len(m.lk.tokens) == 0 && m.deps.client != nil {
		cmds = append(cmds, m.loadTokens())
	}
	return tea.Batch(cmds...)
}

func tickEvery() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg{}
	})
}

func (m uiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.searching {
			return m.updateSearch(msg)
		}
		switch {
		case key.Matches(msg, keys.Quit):
			if m.cancelFetch != nil {
				m.cancelFetch()
			}
			return m, tea.Quit

		case key.Matches(msg, keys.Next):
			if req, ok := m.engine.NextPage(); ok {
				return m, m.fetch(req)
			}

		case key.Matches(msg, keys.Prev):
			if req, ok := m.engine.PreviousPage(); ok {
				return m, m.fetch(req)
			}

		case key.Matches(msg, keys.Search):
			m.searching = true
			m.search.SetValue(m.engine.Filter().SearchKeyword)
			m.search.CursorEnd()
			return m, m.search.Focus()

		case key.Matches(msg, keys.Token):
			next := nextToken(m.tokenOrder(), m.engine.Filter().SelectedToken)
			return m, m.fetch(m.engine.SelectToken(next))

		case key.Matches(msg, keys.ClearToken):
			if m.engine.Filter().SelectedToken != nil {
				return m, m.fetch(m.engine.SelectToken(nil))
			}

		case key.Matches(msg, keys.Refresh):
			return m, m.refresh()

		case key.Matches(msg, keys.Reload):
			m.notices = nil
			m.tailLoaded = false
			return m, tea.Batch(m.resetTail(), m.reloadLog())

		case key.Matches(msg, keys.Help):
			m.showHelp = !m.showHelp
			m.help.ShowAll = m.showHelp
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		m.search.Width = max(10, msg.Width/2)

	case batchMsg:
		if msg.err != nil {
			// Only cancellation ends a retried fetch; a newer trigger owns the loop.
			return m, nil
		}
		out := m.engine.Complete(msg.req.Epoch, msg.batch)
		switch {
		case out.Stale:
		case out.Next != nil:
			return m, m.fetch(*out.Next)
		case out.Settled:
			if m.cancelFetch != nil {
				m.cancelFetch()
				m.cancelFetch = nil
			}
			m.rebuild()
		}

	case tailMsg:
		u := msg.update
		m.tailLoaded = u.Loaded
		if len(u.Notifications) > 0 {
			m.notices = append(m.notices, u.Notifications...)
			if len(m.notices) > maxNotices {
				m.notices = m.notices[len(m.notices)-maxNotices:]
			}
		}
		if u.Restarted {
			return m, m.reloadLog()
		}
		if u.Total > m.engine.KnownTotal() {
			// Older pages stay put; OnUpstreamGrowth only refetches page 1.
			if req, ok := m.engine.OnUpstreamGrowth(u.Total); ok {
				return m, m.fetch(req)
			}
			m.rebuild()
		}

	case pendingChangedMsg:
		m.rebuild()

	case bookChangedMsg:
		return m, loadBook(m.deps.bookPath)

	case bookLoadedMsg:
		if msg.err != nil {
			logging.LogError(msg.err, "address book reload failed", 0)
			return m, nil
		}
		m.lk.book = msg.book
		if m.deps.tail != nil {
			m.deps.tail.SetLabels(msg.book)
		}
		if m.engine.Filter().SearchKeyword != "" {
			return m, m.fetch(m.engine.SetFilter(m.engine.Filter()))
		}
		m.rebuild()

	case tokensMsg:
		if sameTokens(m.lk.tokens, msg.tokens) {
			return m, nil
		}
		m.lk.tokens = msg.tokens
		if m.deps.tail != nil {
			m.deps.tail.SetTokens(msg.tokens)
		}
		if m.engine.Filter().SearchKeyword != "" {
			return m, m.fetch(m.engine.SetFilter(m.engine.Filter()))
		}
		m.rebuild()

	case tickMsg:
		return m, tickEvery()
	}

	return m, nil
}

func (m uiModel) updateSearch(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, keys.Enter):
		m.searching = false
		m.search.Blur()
		fc := m.engine.Filter()
		fc.SearchKeyword = strings.TrimSpace(m.search.Value())
		if fc.Equal(m.engine.Filter()) {
			return m, nil
		}
		return m, m.fetch(m.engine.SetFilter(fc))

	case key.Matches(msg, keys.Esc):
		m.searching = false
		m.search.Blur()
		m.search.SetValue(m.engine.Filter().SearchKeyword)
		return m, nil
	}

	var cmd tea.Cmd
	m.search, cmd = m.search.Update(msg)
	return m, cmd
}

// fetch runs req in the background, retrying until it succeeds or a newer
// request replaces it.
func (m *uiModel) fetch(req history.Request) tea.Cmd {
	if m.cancelFetch != nil {
		m.cancelFetch()
	}
	ctx, cancel := context.WithCancel(m.ctx)
	m.cancelFetch = cancel

	f := m.deps.fetcher
	retry := m.deps.retry
	wait := m.deps.cfg.Polling.ErrorInterval
	return func() tea.Msg {
		b, err := backoff.Retry(ctx, wait, retry, func(ctx context.Context) (source.Batch, error) {
			return history.Execute(ctx, f, req)
		})
		return batchMsg{req: req, batch: b, err: err}
	}
}

// cacheResetter is implemented by fetchers that cache log windows.
type cacheResetter interface {
	Reset()
}

// reloadLog reassembles page 1 from scratch after the log was reset.
func (m *uiModel) reloadLog() tea.Cmd {
	if r, ok := m.deps.fetcher.(cacheResetter); ok {
		r.Reset()
	}
	return m.fetch(m.engine.Reload())
}

// rebuild merges the current pending overlay into the settled page.
func (m *uiModel) rebuild() {
	page, ok := m.engine.Page()
	if !ok {
		return
	}
	fc := m.engine.Filter()
	slice := m.deps.overlay.PageSlice(page.Number, m.engine.Config().PageSize)
	m.snap = snapshot.Assemble(page, slice, m.lk.filter(fc).Match, m.engine.KnownTotal(), fc)
	m.lastRefresh = time.Now()
}

// refresh wakes every poller and every fetch waiting out an error.
func (m uiModel) refresh() tea.Cmd {
	if m.deps.retry != nil {
		m.deps.retry.Notify()
	}
	if m.deps.tail != nil {
		m.deps.tail.Refresh()
	}
	if m.deps.pending != nil {
		m.deps.pending.Refresh()
	}
	if m.deps.client != nil {
		return m.loadTokens()
	}
	return nil
}

func (m uiModel) resetTail() tea.Cmd {
	svc := m.deps.tail
	if svc == nil {
		return nil
	}
	return func() tea.Msg {
		svc.Reset()
		svc.Refresh()
		return nil
	}
}

func (m uiModel) loadTokens() tea.Cmd {
	ctx, client := m.ctx, m.deps.client
	wait := m.deps.cfg.Polling.ErrorInterval
	retry := m.deps.retry
	return func() tea.Msg {
		infos, err := backoff.Retry(ctx, wait, retry, client.Tokens)
		if err != nil {
			return nil
		}
		return tokensMsg{tokens: tokensFromInfo(infos)}
	}
}

func loadBook(path string) tea.Cmd {
	return func() tea.Msg {
		b, err := addressbook.Load(path)
		return bookLoadedMsg{book: b, err: err}
	}
}

// tokenOrder lists known tokens most used first.
func (m uiModel) tokenOrder() []common.Address {
	addrs := make([]common.Address, 0, len(m.lk.tokens))
	for addr := range m.lk.tokens {
		addrs = append(addrs, addr)
	}
	if m.deps.tail != nil {
		return m.deps.tail.Usage().TokensByUsage(addrs)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Cmp(addrs[j]) < 0 })
	return addrs
}

// nextToken cycles all → order[0] → ... → order[n-1] → all.
func nextToken(order []common.Address, current *common.Address) *common.Address {
	if len(order) == 0 {
		return nil
	}
	if current == nil {
		next := order[0]
		return &next
	}
	for i, addr := range order {
		if addr == *current && i+1 < len(order) {
			next := order[i+1]
			return &next
		}
	}
	return nil
}

func sameTokens(a, b filter.Tokens) bool {
	if len(a) != len(b) {
		return false
	}
	for addr, t := range a {
		if b[addr] != t {
			return false
		}
	}
	return true
}
