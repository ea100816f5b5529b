package cmd

import (
	"fmt"
	"io"
	"os"
	pathpkg "path/filepath"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/v2/list"
	"github.com/charmbracelet/bubbles/v2/spinner"
	"github.com/charmbracelet/bubbles/v2/viewport"
	tea "github.com/charmbracelet/bubbletea/v2"
	"github.com/charmbracelet/lipgloss/v2"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"doit/internal/doit/styles"
	"doit/internal/trace"
	"doit/internal/ui/colorize"
)

// maxViewLines caps how much of a trace the viewer renders.
const maxViewLines = 200000

var viewCmd = &cobra.Command{
	Use:   "view [trace]",
	Short: "Browse a trace interactively",
	Long: `Open a finished trace in a terminal viewer with the raw trace, the list
of unallowed opcodes, and a summary of the run.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := trace.DefaultPath
		if len(args) == 1 {
			path = args[0]
		}
		absPath, err := pathpkg.Abs(path)
		if err != nil {
			return fmt.Errorf("failed to resolve path: %v", err)
		}

		program := tea.NewProgram(
			newViewModel(absPath),
			tea.WithAltScreen(),
			tea.WithContext(cmd.Context()),
		)
		if _, err := program.Run(); err != nil {
			return fmt.Errorf("TUI error: %v", err)
		}
		return nil
	},
}

type viewMode int

const (
	viewTrace viewMode = iota
	viewWarnings
	viewSummary
)

// traceSummary aggregates a parsed trace.
type traceSummary struct {
	Records    int
	Fields     int
	Addresses  int // distinct instruction addresses
	Warnings   []warningItem
	Mnemonics  map[string]int
	Hot        []hotAddress
	Exited     bool
	InitFailed string
}

type hotAddress struct {
	Address uint64
	Count   int
}

// warningItem is one "Unallowed opcode" line and the record that follows it.
type warningItem struct {
	Line     int // zero-based line number in the trace
	Mnemonic string
	Address  uint64
}

func (i warningItem) FilterValue() string {
	return fmt.Sprintf("%s %x", i.Mnemonic, i.Address)
}

func (i warningItem) Title() string       { return i.FilterValue() }
func (i warningItem) Description() string { return "" }

type warningDelegate struct{}

func (d warningDelegate) Height() int                               { return 1 }
func (d warningDelegate) Spacing() int                              { return 0 }
func (d warningDelegate) Update(msg tea.Msg, m *list.Model) tea.Cmd { return nil }

func (d warningDelegate) Render(w io.Writer, m list.Model, index int, listItem list.Item) {
	i, ok := listItem.(warningItem)
	if !ok {
		return
	}
	indicator := " "
	addrStyle := styles.Address
	if index == m.Index() {
		indicator = ">"
		addrStyle = styles.Selected
	}
	addr := "?"
	if i.Address != 0 {
		addr = fmt.Sprintf("%x", i.Address)
	}
	fmt.Fprintf(w, " %s  %s  %s  %s",
		indicator,
		addrStyle.Render(fmt.Sprintf("%12s", addr)),
		styles.Warn.Render(i.Mnemonic),
		styles.Address.Render(fmt.Sprintf("line %s", humanize.Comma(int64(i.Line+1)))))
}

func summarize(lines []trace.Line) traceSummary {
	s := traceSummary{Mnemonics: map[string]int{}}
	hits := map[uint64]int{}
	pending := -1
	for n, l := range lines {
		switch l.Kind {
		case trace.LineRecord:
			s.Records++
			s.Fields += len(l.Fields)
			hits[l.Address()]++
			if pending >= 0 {
				s.Warnings[pending].Address = l.Address()
				pending = -1
			}
		case trace.LineWarning:
			s.Warnings = append(s.Warnings, warningItem{Line: n, Mnemonic: l.Mnemonic})
			s.Mnemonics[l.Mnemonic]++
			pending = len(s.Warnings) - 1
		case trace.LineExit:
			s.Exited = true
		case trace.LineInitFailed:
			s.InitFailed = l.Message
		}
	}
	s.Addresses = len(hits)
	for a, c := range hits {
		s.Hot = append(s.Hot, hotAddress{Address: a, Count: c})
	}
	sort.Slice(s.Hot, func(i, j int) bool {
		if s.Hot[i].Count != s.Hot[j].Count {
			return s.Hot[i].Count > s.Hot[j].Count
		}
		return s.Hot[i].Address < s.Hot[j].Address
	})
	return s
}

// Markdown renders the summary for glamour.
func (s traceSummary) Markdown(path string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# doit trace\n\n```\n; %s\n```\n\n", path)

	b.WriteString("## Summary\n\n")
	fmt.Fprintf(&b, "- Records: %s\n", humanize.Comma(int64(s.Records)))
	fmt.Fprintf(&b, "- Fields: %s\n", humanize.Comma(int64(s.Fields)))
	fmt.Fprintf(&b, "- Distinct addresses: %s\n", humanize.Comma(int64(s.Addresses)))
	fmt.Fprintf(&b, "- Unallowed opcodes: %s\n", humanize.Comma(int64(len(s.Warnings))))
	switch {
	case s.InitFailed != "":
		fmt.Fprintf(&b, "- Host initialization failed: %s\n", s.InitFailed)
	case s.Exited:
		b.WriteString("- Target exited\n")
	default:
		b.WriteString("- Trace incomplete (no exit line)\n")
	}

	if len(s.Mnemonics) > 0 {
		names := make([]string, 0, len(s.Mnemonics))
		for m := range s.Mnemonics {
			names = append(names, m)
		}
		sort.Strings(names)
		b.WriteString("\n## Unallowed opcodes\n\n| Mnemonic | Sites |\n|---|---|\n")
		for _, m := range names {
			fmt.Fprintf(&b, "| %s | %d |\n", m, s.Mnemonics[m])
		}
	}

	if len(s.Hot) > 0 {
		b.WriteString("\n## Hottest addresses\n\n| Address | Executions |\n|---|---|\n")
		for i, h := range s.Hot {
			if i == 10 {
				break
			}
			fmt.Fprintf(&b, "| 0x%x | %s |\n", h.Address, humanize.Comma(int64(h.Count)))
		}
	}
	return b.String()
}

type viewModel struct {
	viewport     viewport.Model
	warningsList list.Model
	summaryView  viewport.Model
	spinner      spinner.Model
	mode         viewMode
	path         string
	summary      traceSummary
	truncated    bool
	loading      bool
	err          error
	width        int
	height       int
}

type traceLoadedMsg struct {
	lines     []trace.Line
	truncated bool
	err       error
}

func loadTraceCmd(path string) tea.Cmd {
	return func() tea.Msg {
		f, err := os.Open(path)
		if err != nil {
			return traceLoadedMsg{err: err}
		}
		defer f.Close()

		var lines []trace.Line
		sc := trace.NewScanner(f)
		for sc.Scan() {
			if len(lines) == maxViewLines {
				return traceLoadedMsg{lines: lines, truncated: true}
			}
			lines = append(lines, sc.Line())
		}
		return traceLoadedMsg{lines: lines, err: sc.Err()}
	}
}

func newViewModel(path string) viewModel {
	vp := viewport.New()
	vp.SetWidth(80)
	vp.SetHeight(24)

	warnings := list.New([]list.Item{}, warningDelegate{}, 80, 24)
	warnings.SetShowStatusBar(false)
	warnings.SetFilteringEnabled(true)
	warnings.Title = "Unallowed opcodes"
	warnings.Styles.Title = styles.ListTitle
	warnings.SetShowHelp(true)

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = styles.Spinner

	svp := viewport.New()
	svp.SetWidth(80)
	svp.SetHeight(24)

	m := viewModel{
		viewport:     vp,
		warningsList: warnings,
		summaryView:  svp,
		spinner:      s,
		mode:         viewTrace,
		path:         path,
		loading:      true,
		width:        80,
		height:       24,
	}
	m.updateContent(nil)
	return m
}

func (m viewModel) Init() tea.Cmd {
	return tea.Batch(
		loadTraceCmd(m.path),
		m.spinner.Tick,
	)
}

func (m viewModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case traceLoadedMsg:
		m.loading = false
		m.err = msg.err
		m.truncated = msg.truncated
		m.summary = summarize(msg.lines)
		items := make([]list.Item, 0, len(m.summary.Warnings))
		for _, w := range m.summary.Warnings {
			items = append(items, w)
		}
		m.warningsList.SetItems(items)
		m.warningsList.Title = fmt.Sprintf("Unallowed opcodes (%d total)", len(items))
		m.updateContent(msg.lines)
		return m, nil

	case spinner.TickMsg:
		if !m.loading {
			return m, nil
		}
		m.spinner, cmd = m.spinner.Update(msg)
		m.updateContent(nil)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.SetWidth(msg.Width)
		m.viewport.SetHeight(msg.Height - 2)
		m.warningsList.SetWidth(msg.Width)
		m.warningsList.SetHeight(msg.Height - 2)
		m.summaryView.SetWidth(msg.Width)
		m.summaryView.SetHeight(msg.Height - 2)
		m.summaryView.SetContent(m.renderSummary())

	case tea.KeyMsg:
		if m.mode == viewWarnings && m.warningsList.FilterState() == list.Filtering {
			if msg.String() == "ctrl+c" {
				return m, tea.Quit
			}
			break
		}
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "t":
			m.mode = viewTrace
			return m, nil
		case "w":
			m.mode = viewWarnings
			return m, nil
		case "s":
			m.mode = viewSummary
			return m, nil
		case "tab":
			m.mode = (m.mode + 1) % 3
			return m, nil
		case "shift+tab":
			m.mode = (m.mode + 2) % 3
			return m, nil
		case "enter":
			if m.mode == viewWarnings {
				if w, ok := m.warningsList.SelectedItem().(warningItem); ok {
					m.mode = viewTrace
					m.viewport.SetYOffset(w.Line)
				}
			}
			return m, nil
		}
	}

	switch m.mode {
	case viewWarnings:
		m.warningsList, cmd = m.warningsList.Update(msg)
	case viewSummary:
		m.summaryView, cmd = m.summaryView.Update(msg)
	default:
		m.viewport, cmd = m.viewport.Update(msg)
	}
	return m, cmd
}

func (m viewModel) View() string {
	var content string
	switch m.mode {
	case viewWarnings:
		content = m.warningsList.View()
	case viewSummary:
		content = m.summaryView.View()
	default:
		content = m.viewport.View()
	}

	var menu string
	switch m.mode {
	case viewWarnings:
		menu = " Enter: jump to line • T: trace • S: summary • Tab: cycle • Q: quit "
	case viewSummary:
		menu = " T: trace • W: warnings • Tab: cycle • Q: quit "
	default:
		menu = " W: warnings • S: summary • Tab: cycle • Q: quit "
	}
	return content + "\n" + styles.Menu.Width(m.width).Render(menu)
}

// updateContent refreshes the trace and summary panes. lines is nil while
// the trace is still loading.
func (m *viewModel) updateContent(lines []trace.Line) {
	switch {
	case m.loading:
		m.viewport.SetContent(fmt.Sprintf("%s Loading %s...", m.spinner.View(), m.path))
	case m.err != nil:
		m.viewport.SetContent(styles.Warn.Render(fmt.Sprintf("failed to read trace: %v", m.err)))
	default:
		rendered := make([]string, 0, len(lines)+1)
		for _, l := range lines {
			rendered = append(rendered, colorize.ColorizeTraceLine(l.Text))
		}
		if m.truncated {
			rendered = append(rendered, styles.Address.Render(fmt.Sprintf("; showing the first %s lines", humanize.Comma(maxViewLines))))
		}
		m.viewport.SetContent(strings.Join(rendered, "\n"))
		m.viewport.GotoTop()
	}
	m.summaryView.SetContent(m.renderSummary())
}

func (m viewModel) renderSummary() string {
	if m.loading {
		return lipgloss.JoinHorizontal(lipgloss.Top, m.spinner.View(), " Summarizing...")
	}
	width := m.width
	if width == 0 {
		width = 80
	}
	return strings.TrimSuffix(styles.RenderMarkdown(m.summary.Markdown(m.path), width-2), "\n")
}
