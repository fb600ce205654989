package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/daviddao/paymenthistory_viewer/internal/history"
	"github.com/daviddao/paymenthistory_viewer/internal/model"
)

// --- Styles ---

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7C3AED")).
			Background(lipgloss.Color("#1E1E2E")).
			Padding(0, 1)

	tabActiveStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#CDD6F4")).
			Background(lipgloss.Color("#7C3AED")).
			Padding(0, 1)

	tabInactiveStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#6C7086")).
				Background(lipgloss.Color("#313244")).
				Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#89B4FA"))

	receivedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#A6E3A1"))

	sentStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F38BA8"))

	pendingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAB387")).
			Italic(true)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#89B4FA")).
			Bold(true)

	noticeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#A6E3A1")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6C7086"))

	statusBarStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#CDD6F4")).
			Background(lipgloss.Color("#1E1E2E"))
)

// --- View rendering ---

func (m uiModel) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder

	b.WriteString(m.renderTitleBar())
	b.WriteRune('\n')
	b.WriteString(m.renderTokenBar())
	b.WriteRune('\n')
	if m.searching {
		b.WriteString(m.search.View())
	} else {
		b.WriteString(m.renderFilterLine())
	}
	b.WriteRune('\n')
	b.WriteRune('\n')

	content := m.renderPage()
	if len(m.notices) > 0 {
		content += "\n\n" + m.renderNotices()
	}
	b.WriteString(truncateLines(content, m.width))

	// Pad to fill screen.
	rendered := strings.Count(b.String(), "\n")
	for rendered < m.height-2 {
		b.WriteRune('\n')
		rendered++
	}

	if m.showHelp {
		b.WriteString(m.help.View(keys))
	} else {
		b.WriteString(m.renderStatusBar())
	}
	return b.String()
}

func (m uiModel) renderTitleBar() string {
	title := titleStyle.Render("payment history")
	stats := fmt.Sprintf("%d payments | %d pending", m.snap.Total, m.deps.overlay.Len())
	if m.deps.address != (common.Address{}) {
		stats += " | " + shortAddress(m.deps.address)
	}
	stats = dimStyle.Render(stats)
	gap := strings.Repeat(" ", max(0, m.width-lipgloss.Width(title)-lipgloss.Width(stats)-2))
	return title + gap + stats
}

// renderTokenBar shows the token choices in cycling order with the active
// selection highlighted.
func (m uiModel) renderTokenBar() string {
	selected := m.engine.Filter().SelectedToken
	var tabs []string
	if selected == nil {
		tabs = append(tabs, tabActiveStyle.Render("All"))
	} else {
		tabs = append(tabs, tabInactiveStyle.Render("All"))
	}
	for _, addr := range m.tokenOrder() {
		name := m.tokenSymbol(addr)
		if selected != nil && *selected == addr {
			tabs = append(tabs, tabActiveStyle.Render(name))
		} else {
			tabs = append(tabs, tabInactiveStyle.Render(name))
		}
	}
	// A selection the node does not list (e.g. from --token 0x...) still shows.
	if selected != nil {
		if _, known := m.lk.tokens[*selected]; !known {
			tabs = append(tabs, tabActiveStyle.Render(shortAddress(*selected)))
		}
	}
	return strings.Join(tabs, " ")
}

func (m uiModel) renderFilterLine() string {
	fc := m.engine.Filter()
	if fc.SearchKeyword == "" {
		return dimStyle.Render("no search filter (press / to search)")
	}
	return dimStyle.Render("search: ") + labelStyle.Render(fc.SearchKeyword)
}

func (m uiModel) renderPage() string {
	var b strings.Builder

	header := fmt.Sprintf("%-19s  %-4s  %-28s  %22s  %s", "TIME", "DIR", "COUNTERPARTY", "AMOUNT", "ID")
	b.WriteString(headerStyle.Render(header))
	b.WriteRune('\n')

	if len(m.snap.Rows) == 0 {
		switch {
		case m.engine.State() != history.Settled:
			b.WriteString(dimStyle.Render("  loading..."))
		case m.engine.Filter().SelectedToken != nil || m.engine.Filter().SearchKeyword != "":
			b.WriteString(dimStyle.Render("  no payments match the filter"))
		default:
			b.WriteString(dimStyle.Render("  no payments yet"))
		}
		b.WriteRune('\n')
	}
	for _, row := range m.snap.Rows {
		b.WriteString(m.renderRow(row))
		b.WriteRune('\n')
	}
	b.WriteRune('\n')
	b.WriteString(m.renderPager())
	return b.String()
}

func (m uiModel) renderRow(row history.Row) string {
	when := "-"
	if !row.Timestamp.IsZero() {
		when = row.Timestamp.Local().Format("2006-01-02 15:04:05")
	}

	dir := sentStyle.Render("out ")
	if row.Direction == model.Received {
		dir = receivedStyle.Render("in  ")
	}

	who := shortAddress(row.Counterparty)
	whoStyled := dimStyle.Render(who)
	if label := m.lk.book.Label(row.Counterparty); label != "" {
		who = truncate(label, 25)
		whoStyled = labelStyle.Render(who)
	}
	whoStyled += strings.Repeat(" ", max(0, 28-lipgloss.Width(who)))

	amount := m.formatAmount(row.Transfer)
	line := fmt.Sprintf("%-19s  %s  %s  %22s  %d", when, dir, whoStyled, amount, row.Identifier)
	if row.Pending {
		return pendingStyle.Render(line + "  pending")
	}
	return line
}

func (m uiModel) renderPager() string {
	state := ""
	switch m.engine.State() {
	case history.Fetching, history.Assembling:
		state = fmt.Sprintf(" | loading page %d", m.engine.CurrentPage())
		if mult := m.engine.FetchMultiplier(); mult > 1 {
			state += fmt.Sprintf(" (window x%d)", mult)
		}
	}

	var nav []string
	if !m.snap.OnFirstPage {
		nav = append(nav, "p: newer")
	}
	if !m.snap.OnLastPage {
		nav = append(nav, "n: older")
	}
	pager := fmt.Sprintf("page %d", m.snap.Page)
	if m.snap.OnLastPage {
		pager += " (last)"
	}
	if len(nav) > 0 {
		pager += " | " + strings.Join(nav, " | ")
	}
	return dimStyle.Render(pager + state)
}

func (m uiModel) renderNotices() string {
	var lines []string
	for i := len(m.notices) - 1; i >= 0; i-- {
		n := m.notices[i]
		lines = append(lines, noticeStyle.Render(n.Title+": ")+n.Body)
	}
	return strings.Join(lines, "\n")
}

func (m uiModel) renderStatusBar() string {
	ago := time.Since(m.lastRefresh).Truncate(time.Second)
	left := fmt.Sprintf(" %s", contextHelp(m.searching))
	right := fmt.Sprintf("updated %s ago ", shortDuration(ago))
	if !m.tailLoaded && m.deps.tail != nil {
		right = "loading history... " + right
	}
	gap := strings.Repeat(" ", max(0, m.width-len(left)-len(right)))
	return statusBarStyle.Render(left + gap + right)
}

// --- Helpers ---

func (m uiModel) tokenSymbol(addr common.Address) string {
	if tok, ok := m.lk.tokens.Token(addr); ok && tok.Symbol != "" {
		return tok.Symbol
	}
	return shortAddress(addr)
}

func (m uiModel) formatAmount(t model.Transfer) string {
	if tok, ok := m.lk.tokens.Token(t.Token); ok {
		return model.FormatAmount(t.Amount, tok.Decimals) + " " + m.tokenSymbol(t.Token)
	}
	return model.FormatAmount(t.Amount, 0) + " " + shortAddress(t.Token)
}

// shortAddress renders 0x1234…abcd from the checksummed form.
func shortAddress(addr common.Address) string {
	hex := addr.Hex()
	return hex[:6] + "…" + hex[len(hex)-4:]
}

// truncateLines truncates each line in content to at most width visible
// characters, preserving ANSI escape codes.
func truncateLines(content string, width int) string {
	if width <= 0 {
		return content
	}
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		if lipgloss.Width(line) > width {
			lines[i] = ansi.Truncate(line, width, "")
		}
	}
	return strings.Join(lines, "\n")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func shortDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
