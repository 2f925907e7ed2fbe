package cmd

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/charmbracelet/bubbles/v2/list"
	"github.com/charmbracelet/bubbles/v2/spinner"
	"github.com/charmbracelet/bubbles/v2/viewport"
	tea "github.com/charmbracelet/bubbletea/v2"
	"github.com/charmbracelet/lipgloss/v2"
	"github.com/spf13/cobra"

	"flowdis/internal/analysis"
	"flowdis/internal/flowdis/styles"
	"flowdis/internal/listing"
)

type viewMode int

const (
	viewListing viewMode = iota
	viewTargets
	viewSummary
)

type targetItem struct {
	target analysis.Target
	status string
	label  string
}

func (i targetItem) FilterValue() string {
	return fmt.Sprintf("%x %s %s %s", i.target.Addr, i.target.Origin, i.status, i.label)
}

type targetDelegate struct{}

func (d targetDelegate) Height() int                               { return 1 }
func (d targetDelegate) Spacing() int                              { return 0 }
func (d targetDelegate) Update(msg tea.Msg, m *list.Model) tea.Cmd { return nil }

func (d targetDelegate) Render(w io.Writer, m list.Model, index int, listItem list.Item) {
	i, ok := listItem.(targetItem)
	if !ok {
		return
	}

	indicator := " "
	addrStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	if index == m.Index() {
		indicator = ">"
		addrStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("170"))
	}
	statusStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("108"))
	if i.status != "decoded" {
		statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("204"))
	}

	fmt.Fprintf(w, " %s  %s  %-8s  %s  %s",
		indicator,
		addrStyle.Render(fmt.Sprintf("%#x", i.target.Addr)),
		i.target.Origin,
		statusStyle.Render(fmt.Sprintf("%-10s", i.status)),
		i.label)
}

type exploredMsg struct {
	s   *session
	err error
}

func exploreCmd(path string, opts *options) tea.Cmd {
	return func() tea.Msg {
		s, err := explore(path, opts)
		return exploredMsg{s: s, err: err}
	}
}

type model struct {
	listing viewport.Model
	targets list.Model
	summary viewport.Model
	spinner spinner.Model
	mode    viewMode
	path    string
	opts    *options
	session *session
	err     error
	loading bool
	lineOf  map[uint64]int // listing line of each address
	width   int
	height  int
}

func newModel(path string, opts *options) model {
	vp := viewport.New()
	vp.SetWidth(80)
	vp.SetHeight(24)

	targets := list.New([]list.Item{}, targetDelegate{}, 80, 24)
	targets.SetShowStatusBar(false)
	targets.SetFilteringEnabled(true)
	targets.Title = "Targets"
	targets.Styles.Title = lipgloss.NewStyle().
		Foreground(lipgloss.Color("99")).
		MarginLeft(2)
	targets.SetShowHelp(true)

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("170"))

	svp := viewport.New()
	svp.SetWidth(80)
	svp.SetHeight(24)

	m := model{
		listing: vp,
		targets: targets,
		summary: svp,
		spinner: s,
		mode:    viewListing,
		path:    path,
		opts:    opts,
		loading: true,
		width:   80,
		height:  24,
	}
	m.updateContent()
	return m
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		exploreCmd(m.path, m.opts),
		m.spinner.Tick,
	)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case exploredMsg:
		m.loading = false
		m.session, m.err = msg.s, msg.err
		m.updateContent()
		return m, nil

	case spinner.TickMsg:
		if !m.loading {
			return m, nil
		}
		m.spinner, cmd = m.spinner.Update(msg)
		m.updateContent()
		return m, cmd

	case tea.WindowSizeMsg:
		if msg.Width != m.width || msg.Height != m.height {
			m.width = msg.Width
			m.height = msg.Height
			m.listing.SetWidth(msg.Width)
			m.listing.SetHeight(msg.Height - 2)
			m.targets.SetWidth(msg.Width)
			m.targets.SetHeight(msg.Height - 2)
			m.summary.SetWidth(msg.Width)
			m.summary.SetHeight(msg.Height - 2)
			m.updateContent()
		}

	case tea.KeyMsg:
		if m.mode == viewTargets && m.targets.FilterState() == list.Filtering {
			if msg.String() == "ctrl+c" {
				return m.quit()
			}
			break
		}
		switch msg.String() {
		case "q", "ctrl+c":
			return m.quit()
		case "l":
			m.mode = viewListing
			return m, nil
		case "t":
			if m.session != nil {
				m.mode = viewTargets
			}
			return m, nil
		case "s":
			if m.session != nil {
				m.mode = viewSummary
			}
			return m, nil
		case "tab":
			if m.session != nil {
				m.mode = (m.mode + 1) % 3
			}
			return m, nil
		case "shift+tab":
			if m.session != nil {
				m.mode = (m.mode + 2) % 3
			}
			return m, nil
		case "enter":
			if m.mode == viewTargets {
				if item, ok := m.targets.SelectedItem().(targetItem); ok {
					if line, ok := m.lineOf[item.target.Addr]; ok {
						m.mode = viewListing
						m.listing.SetYOffset(line)
					}
				}
				return m, nil
			}
		}
	}

	switch m.mode {
	case viewTargets:
		m.targets, cmd = m.targets.Update(msg)
	case viewSummary:
		m.summary, cmd = m.summary.Update(msg)
	default:
		m.listing, cmd = m.listing.Update(msg)
	}
	return m, cmd
}

func (m model) quit() (tea.Model, tea.Cmd) {
	if m.session != nil {
		m.session.Close()
	}
	return m, tea.Quit
}

func (m model) View() string {
	var content, menu string
	switch m.mode {
	case viewTargets:
		content = m.targets.View()
		menu = " Enter: jump to listing • L: listing • S: summary • Tab: cycle • Q: quit "
	case viewSummary:
		content = m.summary.View()
		menu = " L: listing • T: targets • Tab: cycle • Q: quit "
	default:
		content = m.listing.View()
		if m.session != nil {
			menu = " T: targets • S: summary • Tab: cycle • Q: quit "
		} else {
			menu = " Q: quit "
		}
	}

	menuStyle := lipgloss.NewStyle().
		Background(lipgloss.Color("235")).
		Foreground(lipgloss.Color("252")).
		Padding(0, 1).
		Width(m.width)

	return content + "\n" + menuStyle.Render(menu)
}

func (m *model) updateContent() {
	width := m.width
	if width == 0 {
		width = 80
	}

	switch {
	case m.loading:
		m.listing.SetContent(fmt.Sprintf("\n  %s Exploring %s...", m.spinner.View(), m.path))
		return
	case m.err != nil:
		m.listing.SetContent(fmt.Sprintf("\n  Error: %v", m.err))
		return
	}

	s := m.session
	if m.lineOf == nil {
		var buf bytes.Buffer
		err := listing.Emit(&buf, s.res.Entries(), listing.Options{
			Labels: s.labels,
			Color:  true,
			Syntax: m.opts.syntax,
		})
		if err != nil {
			m.listing.SetContent(fmt.Sprintf("\n  Error: %v", err))
			return
		}
		m.listing.SetContent(strings.TrimSuffix(buf.String(), "\n"))
		m.listing.GotoTop()
		m.lineOf = listingLines(s)
		m.updateTargets()
	}

	if r, err := styles.MarkdownRenderer(width - 2); err == nil {
		if out, err := r.Render(summaryMarkdown(s)); err == nil {
			m.summary.SetContent(strings.TrimSuffix(out, "\n"))
		}
	}
}

// listingLines returns the line each address occupies in the listing,
// counting label lines.
func listingLines(s *session) map[uint64]int {
	lines := make(map[uint64]int, s.res.Len())
	n := 0
	for e := range s.res.Entries() {
		if _, ok := s.labels.At(e.Addr); ok {
			n++
		}
		lines[e.Addr] = n
		n++
	}
	return lines
}

func (m *model) updateTargets() {
	res := m.session.res
	var items []list.Item
	for t := range res.Targets() {
		items = append(items, targetItem{
			target: t,
			status: targetStatus(res, t),
			label:  m.session.labels[t.Addr],
		})
	}
	m.targets.SetItems(items)
	m.targets.Title = fmt.Sprintf("Targets (%d total)", len(items))
}

var viewCmd = &cobra.Command{
	Use:   "view <input-path>",
	Short: "Browse the listing interactively",
	Long:  "Explore the image and browse the listing, the confirmed targets and the summary in a terminal UI.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := resolveOptions(cmd)
		if err != nil {
			return err
		}
		// Trace output would tear the alternate screen.
		opts.trace = false

		program := tea.NewProgram(
			newModel(args[0], opts),
			tea.WithAltScreen(),
			tea.WithContext(cmd.Context()),
		)
		if _, err := program.Run(); err != nil {
			slog.Error("TUI run error", "error", err)
			return fmt.Errorf("TUI error: %w", err)
		}
		return nil
	},
}
