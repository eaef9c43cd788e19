package dashcmder

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	bubbletea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/codexusage/codexusage/pkg/store"
)

func init() {
	// Force TrueColor profile to fix lipgloss color detection issue
	// See: https://github.com/charmbracelet/lipgloss/issues/439
	renderer := lipgloss.NewRenderer(os.Stdout, termenv.WithProfile(termenv.TrueColor))
	renderer.SetColorProfile(termenv.TrueColor)
	lipgloss.SetDefaultRenderer(renderer)
}

type dashView int

const (
	viewOverview dashView = iota
	viewConversation
)

const (
	topConversationLimit = 15
	turnLimit            = 50
	dailyStatLimit       = 14
	unpricedLimit        = 5
)

type dashModel struct {
	store    *store.Store
	interval time.Duration
	capacity int

	data   *dashData
	turns  []store.PricedEvent
	conv   string
	view   dashView
	cursor int
	width  int
	height int

	includeUnlabeled bool
	loadErr          error

	keys dashKeyMap
	help help.Model
}

type dashData struct {
	today store.Totals
	week  store.Totals
	month store.Totals

	hourly        []store.HourlyBucket
	daily         []store.PricedDailyStat
	recent        []store.PricedEvent
	conversations []store.ConversationSummary
	unpriced      []store.ModelEventCount
}

var (
	dashTitleStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214"))
	dashMutedStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	dashAccentStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("215"))
	dashSectionStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("252"))
	dashDividerStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("237"))
	dashMetricLabel    = lipgloss.NewStyle().Foreground(lipgloss.Color("246")).Bold(true)
	dashMetricValue    = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	dashHighlightStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("235")).Background(lipgloss.Color("214")).Bold(true)
	dashWarnStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
)

type dashKeyMap struct {
	Up        key.Binding
	Down      key.Binding
	Enter     key.Binding
	Back      key.Binding
	Unlabeled key.Binding
	Quit      key.Binding
}

func (k dashKeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Down, k.Up, k.Enter, k.Back, k.Unlabeled, k.Quit}
}

func (k dashKeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{{k.Down, k.Up, k.Enter, k.Back}, {k.Unlabeled, k.Quit}}
}

func defaultKeyMap() dashKeyMap {
	return dashKeyMap{
		Up:        key.NewBinding(key.WithKeys("k", "up"), key.WithHelp("k", "up")),
		Down:      key.NewBinding(key.WithKeys("j", "down"), key.WithHelp("j", "down")),
		Enter:     key.NewBinding(key.WithKeys("enter", "l"), key.WithHelp("enter", "drill")),
		Back:      key.NewBinding(key.WithKeys("h", "esc"), key.WithHelp("h", "back")),
		Unlabeled: key.NewBinding(key.WithKeys("u"), key.WithHelp("u", "unlabeled")),
		Quit:      key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	}
}

type dataLoadedMsg struct {
	data *dashData
	err  error
}

type conversationLoadedMsg struct {
	conv  string
	turns []store.PricedEvent
	err   error
}

type refreshTickMsg time.Time

func runDashTUI(st *store.Store, interval time.Duration, capacity int) error {
	model := dashModel{
		store:    st,
		interval: interval,
		capacity: capacity,
		view:     viewOverview,
		keys:     defaultKeyMap(),
		help:     help.New(),
	}

	program := bubbletea.NewProgram(model, bubbletea.WithAltScreen())
	_, err := program.Run()
	return err
}

func (m dashModel) Init() bubbletea.Cmd {
	return bubbletea.Batch(loadDataCmd(m.store, m.capacity, m.includeUnlabeled), m.refreshTick())
}

func (m dashModel) Update(msg bubbletea.Msg) (bubbletea.Model, bubbletea.Cmd) {
	switch msg := msg.(type) {
	case bubbletea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil
	case dataLoadedMsg:
		if msg.err != nil {
			m.loadErr = msg.err
			return m, nil
		}
		m.loadErr = nil
		m.data = msg.data
		if m.cursor >= len(m.data.conversations) {
			m.cursor = clamp(m.cursor, len(m.data.conversations)-1)
		}
		return m, nil
	case conversationLoadedMsg:
		if msg.err != nil {
			m.loadErr = msg.err
			return m, nil
		}
		m.conv = msg.conv
		m.turns = msg.turns
		m.view = viewConversation
		return m, nil
	case refreshTickMsg:
		return m, bubbletea.Batch(loadDataCmd(m.store, m.capacity, m.includeUnlabeled), m.refreshTick())
	case bubbletea.KeyMsg:
		return m.handleKey(msg)
	}

	return m, nil
}

func (m dashModel) View() string {
	switch m.view {
	case viewConversation:
		return m.viewConversationDetail()
	default:
		return m.viewOverview()
	}
}

func (m dashModel) handleKey(msg bubbletea.KeyMsg) (bubbletea.Model, bubbletea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		return m, bubbletea.Quit
	case "j", "down":
		return m.moveCursor(1)
	case "k", "up":
		return m.moveCursor(-1)
	case "l", "enter":
		if m.view == viewOverview {
			return m.enterConversation()
		}
	case "h", "esc":
		if m.view == viewConversation {
			m.view = viewOverview
			m.turns = nil
			m.conv = ""
		}
	case "u":
		if m.view == viewOverview {
			m.includeUnlabeled = !m.includeUnlabeled
			return m, loadDataCmd(m.store, m.capacity, m.includeUnlabeled)
		}
	}

	return m, nil
}

func (m dashModel) moveCursor(delta int) (bubbletea.Model, bubbletea.Cmd) {
	if m.view != viewOverview || m.data == nil || len(m.data.conversations) == 0 {
		return m, nil
	}
	m.cursor = clamp(m.cursor+delta, len(m.data.conversations)-1)
	return m, nil
}

func (m dashModel) enterConversation() (bubbletea.Model, bubbletea.Cmd) {
	if m.data == nil || len(m.data.conversations) == 0 {
		return m, nil
	}
	conv := m.data.conversations[m.cursor].ConversationID
	return m, loadConversationCmd(m.store, conv)
}

func (m dashModel) refreshTick() bubbletea.Cmd {
	return bubbletea.Tick(m.interval, func(t time.Time) bubbletea.Msg {
		return refreshTickMsg(t)
	})
}

func loadDataCmd(st *store.Store, capacity int, includeUnlabeled bool) bubbletea.Cmd {
	return func() bubbletea.Msg {
		ctx := context.Background()
		now := time.Now().UTC()
		today := now.Format(time.DateOnly)
		weekStart := now.AddDate(0, 0, -6).Format(time.DateOnly)
		monthStart := now.AddDate(0, 0, -29).Format(time.DateOnly)

		data := &dashData{}
		var err error

		if data.today, err = st.TotalsBetween(ctx, today, today); err != nil {
			return dataLoadedMsg{err: err}
		}
		if data.week, err = st.TotalsBetween(ctx, weekStart, today); err != nil {
			return dataLoadedMsg{err: err}
		}
		if data.month, err = st.TotalsBetween(ctx, monthStart, today); err != nil {
			return dataLoadedMsg{err: err}
		}
		if data.hourly, err = st.HourlyUsageForDay(ctx, today); err != nil {
			return dataLoadedMsg{err: err}
		}
		if data.daily, err = st.RecentDailyStats(ctx, dailyStatLimit); err != nil {
			return dataLoadedMsg{err: err}
		}
		if data.recent, err = st.RecentEvents(ctx, capacity); err != nil {
			return dataLoadedMsg{err: err}
		}
		if data.conversations, err = st.TopConversationsBetween(ctx, monthStart, today, topConversationLimit, includeUnlabeled); err != nil {
			return dataLoadedMsg{err: err}
		}
		if data.unpriced, err = st.MissingPriceModels(ctx, unpricedLimit); err != nil {
			return dataLoadedMsg{err: err}
		}

		return dataLoadedMsg{data: data}
	}
}

func loadConversationCmd(st *store.Store, conv string) bubbletea.Cmd {
	return func() bubbletea.Msg {
		turns, err := st.ConversationTurns(context.Background(), conv, turnLimit)
		return conversationLoadedMsg{conv: conv, turns: turns, err: err}
	}
}

func (m dashModel) viewOverview() string {
	if m.data == nil {
		return dashMutedStyle.Render("loading…")
	}

	headerLeft := dashTitleStyle.Render("codexusage dash")
	headerRight := dashMutedStyle.Render(time.Now().Format("2006-01-02 15:04:05"))
	lines := []string{renderHeaderLine(m.width, headerLeft, headerRight), renderRule(m.width), ""}

	if m.loadErr != nil {
		lines = append(lines, dashWarnStyle.Render("load error: "+m.loadErr.Error()), "")
	}

	lines = append(lines, m.viewTotals(), "")
	lines = append(lines, m.viewHourly(), "")
	lines = append(lines, m.viewDaily(), "")
	lines = append(lines, m.viewConversations(), "")
	lines = append(lines, m.viewRecent(), "")
	if len(m.data.unpriced) > 0 {
		lines = append(lines, m.viewUnpriced(), "")
	}
	lines = append(lines, dashMutedStyle.Render(m.help.View(m.keys)))

	return strings.Join(lines, "\n")
}

func (m dashModel) viewTotals() string {
	headers := []string{"TODAY", "LAST 7 DAYS", "LAST 30 DAYS"}
	values := []string{
		formatCost(m.data.today.CostUSD),
		formatCost(m.data.week.CostUSD),
		formatCost(m.data.month.CostUSD),
	}
	tokens := []string{
		formatTotalsTokens(m.data.today),
		formatTotalsTokens(m.data.week),
		formatTotalsTokens(m.data.month),
	}

	return strings.Join([]string{
		renderMetricRow(m.width, headers, dashMetricLabel),
		renderMetricRow(m.width, values, dashMetricValue),
		renderMetricRow(m.width, tokens, dashMutedStyle),
	}, "\n")
}

var sparkRunes = []rune("▁▂▃▄▅▆▇█")

func (m dashModel) viewHourly() string {
	lines := []string{dashSectionStyle.Render("today by hour (UTC)"), renderRule(m.width)}

	byHour := make(map[int]uint64, len(m.data.hourly))
	peak := uint64(0)
	for _, b := range m.data.hourly {
		byHour[b.Hour] = b.Totals.TotalTokens
		if b.Totals.TotalTokens > peak {
			peak = b.Totals.TotalTokens
		}
	}
	if peak == 0 {
		return strings.Join(append(lines, dashMutedStyle.Render("no usage today")), "\n")
	}

	spark := make([]rune, 0, 24)
	for hour := 0; hour < 24; hour++ {
		tokens := byHour[hour]
		if tokens == 0 {
			spark = append(spark, ' ')
			continue
		}
		idx := int(tokens * uint64(len(sparkRunes)-1) / peak)
		spark = append(spark, sparkRunes[idx])
	}

	lines = append(lines,
		dashAccentStyle.Render(string(spark)),
		dashMutedStyle.Render("00    06    12    18   23"),
	)
	return strings.Join(lines, "\n")
}

func (m dashModel) viewDaily() string {
	lines := []string{dashSectionStyle.Render("daily usage by model"), renderRule(m.width)}
	if len(m.data.daily) == 0 {
		return strings.Join(append(lines, dashMutedStyle.Render("no data yet")), "\n")
	}

	maxCost := 0.0
	for _, d := range m.data.daily {
		if d.CostUSD != nil && *d.CostUSD > maxCost {
			maxCost = *d.CostUSD
		}
	}

	for _, d := range m.data.daily {
		cost := 0.0
		if d.CostUSD != nil {
			cost = *d.CostUSD
		}
		bar := renderBar(cost, maxCost, 20)
		line := fmt.Sprintf("%s  %-18s %s %8s  %s tok",
			d.Date,
			truncateText(d.Model, 18),
			dashAccentStyle.Render(bar),
			formatCost(d.CostUSD),
			formatTokens(d.TotalTokens),
		)
		if d.MissingPrice {
			line += dashWarnStyle.Render("  no price")
		}
		lines = append(lines, line)
	}

	return strings.Join(lines, "\n")
}

func (m dashModel) viewConversations() string {
	title := "top conversations (30d)"
	if m.includeUnlabeled {
		title += " +unlabeled"
	}
	lines := []string{dashSectionStyle.Render(title), renderRule(m.width)}
	if len(m.data.conversations) == 0 {
		return strings.Join(append(lines, dashMutedStyle.Render("no conversations yet")), "\n")
	}

	lines = append(lines, dashMutedStyle.Render("  conversation      30d cost  lifetime  events  title"))
	for i, c := range m.data.conversations {
		cursor := " "
		if i == m.cursor {
			cursor = ">"
		}
		title := c.FirstTitle
		if title == "" {
			title = dashMutedStyle.Render("(untitled)")
		}
		line := fmt.Sprintf("%s %-16s %9s %9s  %6d  %s",
			cursor,
			truncateText(c.ConversationID, 16),
			formatCost(c.WindowCostUSD),
			formatCost(c.Lifetime.CostUSD),
			c.Events,
			truncateText(title, 40),
		)
		if i == m.cursor {
			line = dashHighlightStyle.Render(line)
		}
		lines = append(lines, line)
	}

	return strings.Join(lines, "\n")
}

func (m dashModel) viewRecent() string {
	lines := []string{dashSectionStyle.Render("recent requests"), renderRule(m.width)}
	if len(m.data.recent) == 0 {
		return strings.Join(append(lines, dashMutedStyle.Render("no requests yet")), "\n")
	}

	shown := min(len(m.data.recent), 10)
	for _, e := range m.data.recent[:shown] {
		ts := e.Timestamp
		if parsed, err := time.Parse(time.RFC3339, e.Timestamp); err == nil {
			ts = parsed.Local().Format("15:04:05")
		}
		var usageCol string
		if e.UsageIncluded {
			usageCol = fmt.Sprintf("%s→%s", formatTokens(e.PromptTokens), formatTokens(e.CompletionTokens))
		} else {
			usageCol = dashMutedStyle.Render("no usage")
		}
		line := fmt.Sprintf("%s  %-18s %12s %8s  %s",
			ts,
			truncateText(e.Model, 18),
			usageCol,
			formatCost(e.CostUSD),
			truncateText(e.Title, 36),
		)
		lines = append(lines, line)
	}

	return strings.Join(lines, "\n")
}

func (m dashModel) viewUnpriced() string {
	parts := make([]string, 0, len(m.data.unpriced))
	for _, u := range m.data.unpriced {
		parts = append(parts, fmt.Sprintf("%s (%d)", u.Model, u.Events))
	}
	return dashWarnStyle.Render("models without prices: " + strings.Join(parts, ", "))
}

func (m dashModel) viewConversationDetail() string {
	headerLeft := dashTitleStyle.Render("codexusage dash › " + truncateText(m.conv, 32))
	headerRight := dashMutedStyle.Render(fmt.Sprintf("%d turns", len(m.turns)))
	lines := []string{renderHeaderLine(m.width, headerLeft, headerRight), renderRule(m.width), ""}

	if len(m.turns) == 0 {
		lines = append(lines, dashMutedStyle.Render("no turns recorded"))
	} else {
		lines = append(lines, dashMutedStyle.Render("timestamp            model              prompt   cached   compl     cost"))
		for _, t := range m.turns {
			line := fmt.Sprintf("%-20s %-18s %8s %8s %7s %8s",
				truncateText(t.Timestamp, 20),
				truncateText(t.Model, 18),
				formatTokens(t.PromptTokens),
				formatTokens(t.CachedPromptTokens),
				formatTokens(t.CompletionTokens),
				formatCost(t.CostUSD),
			)
			lines = append(lines, line)
			if t.Summary != "" {
				lines = append(lines, dashMutedStyle.Render("    "+truncateText(t.Summary, max(m.width-6, 40))))
			}
		}
	}

	lines = append(lines, "", dashMutedStyle.Render(m.help.View(m.keys)))
	return strings.Join(lines, "\n")
}

func clamp(value, upper int) int {
	if value < 0 {
		return 0
	}
	if value > upper {
		return upper
	}
	return value
}

func formatCost(value *float64) string {
	if value == nil {
		return "—"
	}
	return fmt.Sprintf("$%.3f", *value)
}

func formatTokens(value uint64) string {
	if value >= 1_000_000 {
		return fmt.Sprintf("%.1fM", float64(value)/1_000_000.0)
	}
	if value >= 1_000 {
		return fmt.Sprintf("%.1fK", float64(value)/1_000.0)
	}
	return fmt.Sprintf("%d", value)
}

func formatTotalsTokens(t store.Totals) string {
	return fmt.Sprintf("%s in (%s cached) %s out",
		formatTokens(t.PromptTokens),
		formatTokens(t.CachedPromptTokens),
		formatTokens(t.CompletionTokens),
	)
}

func truncateText(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	if limit <= 3 {
		return value[:limit]
	}
	return value[:limit-3] + "..."
}

func renderBar(value, ceiling float64, width int) string {
	if ceiling <= 0 {
		return strings.Repeat("░", width)
	}
	ratio := value / ceiling
	filled := min(max(int(ratio*float64(width)), 0), width)
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

func renderHeaderLine(width int, left, right string) string {
	lineWidth := width
	if lineWidth <= 0 {
		lineWidth = 80
	}
	leftWidth := lipgloss.Width(left)
	rightWidth := lipgloss.Width(right)
	if leftWidth+rightWidth+1 >= lineWidth {
		return strings.TrimSpace(left + " " + right)
	}
	spacing := lineWidth - leftWidth - rightWidth
	return left + strings.Repeat(" ", spacing) + right
}

func renderRule(width int) string {
	lineWidth := width
	if lineWidth <= 0 {
		lineWidth = 80
	}
	return dashDividerStyle.Render(strings.Repeat("─", lineWidth))
}

func renderMetricRow(width int, items []string, style lipgloss.Style) string {
	if len(items) == 0 {
		return ""
	}
	lineWidth := width
	if lineWidth <= 0 {
		lineWidth = 80
	}
	cols := len(items)
	spaceWidth := (cols - 1) * 2
	colWidth := max((lineWidth-spaceWidth)/cols, 12)
	parts := make([]string, 0, len(items))
	for _, item := range items {
		parts = append(parts, style.Render(fitCell(item, colWidth)))
	}
	return strings.Join(parts, "  ")
}

func fitCell(value string, width int) string {
	if width <= 0 {
		return value
	}
	if lipgloss.Width(value) > width {
		return truncateText(value, width)
	}
	return value + strings.Repeat(" ", width-lipgloss.Width(value))
}
