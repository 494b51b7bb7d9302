// Package tui is the producer's interactive garment picker.
package tui

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Charancs/v-try-on-FP2/internal/catalog"
	"github.com/Charancs/v-try-on-FP2/internal/session"
)

const refreshEvery = 250 * time.Millisecond

var (
	primaryColor = lipgloss.Color("#3b82f6")
	successColor = lipgloss.Color("#10b981")
	errorColor   = lipgloss.Color("#ef4444")
	mutedColor   = lipgloss.Color("#94a3b8")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginBottom(1)

	selectedStyle = lipgloss.NewStyle().
			Foreground(successColor).
			Bold(true)

	mutedStyle = lipgloss.NewStyle().Foreground(mutedColor)
	errorStyle = lipgloss.NewStyle().Foreground(errorColor)
	boxStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(0, 1)
)

type KeyMap struct {
	Prev key.Binding
	Next key.Binding
	Pick key.Binding
	Help key.Binding
	Quit key.Binding
}

var DefaultKeyMap = KeyMap{
	Prev: key.NewBinding(
		key.WithKeys("left", "h"),
		key.WithHelp("←/h", "previous garment"),
	),
	Next: key.NewBinding(
		key.WithKeys("right", "l"),
		key.WithHelp("→/l", "next garment"),
	),
	Pick: key.NewBinding(
		key.WithKeys("1", "2", "3", "4", "5", "6", "7", "8", "9"),
		key.WithHelp("1-9", "select garment"),
	),
	Help: key.NewBinding(
		key.WithKeys("?"),
		key.WithHelp("?", "toggle help"),
	),
	Quit: key.NewBinding(
		key.WithKeys("q", "esc", "ctrl+c"),
		key.WithHelp("q/esc", "quit"),
	),
}

func (k KeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Pick, k.Prev, k.Next, k.Quit}
}

func (k KeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{{k.Pick, k.Prev, k.Next}, {k.Help, k.Quit}}
}

// Controller is what the picker drives. *producer.Producer satisfies it.
type Controller interface {
	SelectGarment(id int) error
	Session() *session.Session
}

type tickMsg time.Time

// Model shows the session's live numbers and turns key presses into
// garment changes.
type Model struct {
	ctl     Controller
	catalog *catalog.Catalog
	help    help.Model

	info     session.Info
	lastErr  error
	showHelp bool
	quitting bool
}

func NewModel(ctl Controller, cat *catalog.Catalog) Model {
	if cat == nil {
		cat = catalog.Default()
	}
	return Model{ctl: ctl, catalog: cat, help: help.New(), info: ctl.Session().Info()}
}

func tick() tea.Cmd {
	return tea.Tick(refreshEvery, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) Init() tea.Cmd { return tick() }

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.help.Width = msg.Width
		return m, nil

	case tickMsg:
		m.info = m.ctl.Session().Info()
		select {
		case <-m.ctl.Session().Done():
			m.quitting = true
			return m, tea.Quit
		default:
		}
		return m, tick()

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, DefaultKeyMap.Quit):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, DefaultKeyMap.Help):
			m.showHelp = !m.showHelp
		case key.Matches(msg, DefaultKeyMap.Pick):
			n, _ := strconv.Atoi(msg.String())
			m.selectGarment(n - 1)
		case key.Matches(msg, DefaultKeyMap.Next):
			m.selectGarment((m.info.Garment + 1) % m.catalog.Len())
		case key.Matches(msg, DefaultKeyMap.Prev):
			m.selectGarment((m.info.Garment - 1 + m.catalog.Len()) % m.catalog.Len())
		}
	}
	return m, nil
}

func (m *Model) selectGarment(id int) {
	m.lastErr = m.ctl.SelectGarment(id)
	m.info = m.ctl.Session().Info()
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render("Virtual try-on producer"))
	b.WriteString("\n")

	stats := fmt.Sprintf("state %s   frames %d   fps %.1f", m.info.State, m.info.Frames, m.info.FPS)
	b.WriteString(boxStyle.Render(stats))
	b.WriteString("\n\n")

	for _, g := range m.catalog.Entries() {
		line := fmt.Sprintf("%d  %s", g.ID+1, g.Name)
		if g.ID == m.info.Garment {
			b.WriteString(selectedStyle.Render("▸ " + line))
		} else {
			b.WriteString(mutedStyle.Render("  " + line))
		}
		b.WriteString("\n")
	}
	if m.lastErr != nil {
		b.WriteString("\n")
		b.WriteString(errorStyle.Render(m.lastErr.Error()))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	if m.showHelp {
		b.WriteString(m.help.FullHelpView(DefaultKeyMap.FullHelp()))
	} else {
		b.WriteString(m.help.ShortHelpView(DefaultKeyMap.ShortHelp()))
	}
	return b.String()
}

// Run blocks until the user quits or the session ends.
func Run(ctl Controller, cat *catalog.Catalog) error {
	_, err := tea.NewProgram(NewModel(ctl, cat)).Run()
	return err
}
