package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/wippyai/wasix/env"
	"github.com/wippyai/wasix/registry"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	commandStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	sizeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

type pickerState int

const (
	stateSelectCommand pickerState = iota
	stateInputArgs
)

type commandInfo struct {
	name  string
	size  int
	entry bool
}

type pickerModel struct {
	err      error
	load     func() (*registry.Package, error)
	pkg      *registry.Package
	commands []commandInfo
	args     textinput.Model
	selected int
	state    pickerState
	chosen   string
	quit     bool
}

type loadedMsg struct {
	err error
	pkg *registry.Package
}

func newPickerModel(load func() (*registry.Package, error)) *pickerModel {
	ti := textinput.New()
	ti.Prompt = "args: "
	ti.Placeholder = "space separated"
	ti.Width = 40
	return &pickerModel{load: load, args: ti}
}

func (m *pickerModel) Init() tea.Cmd {
	return func() tea.Msg {
		pkg, err := m.load()
		return loadedMsg{pkg: pkg, err: err}
	}
}

func listCommands(pkg *registry.Package) []commandInfo {
	out := make([]commandInfo, 0, len(pkg.Commands))
	for _, c := range pkg.Commands {
		out = append(out, commandInfo{name: c.Name, size: len(c.Atom), entry: c.Name == pkg.Entry})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].entry != out[j].entry {
			return out[i].entry
		}
		return out[i].name < out[j].name
	})
	return out
}

func (m *pickerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case loadedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.pkg = msg.pkg
		m.commands = listCommands(msg.pkg)
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			m.quit = true
			return m, tea.Quit

		case "q":
			if m.state == stateSelectCommand {
				m.quit = true
				return m, tea.Quit
			}

		case "up", "k":
			if m.state == stateSelectCommand && m.selected > 0 {
				m.selected--
				return m, nil
			}

		case "down", "j":
			if m.state == stateSelectCommand && m.selected < len(m.commands)-1 {
				m.selected++
				return m, nil
			}

		case "enter":
			switch m.state {
			case stateSelectCommand:
				if len(m.commands) == 0 {
					return m, nil
				}
				m.state = stateInputArgs
				m.args.Focus()
				return m, textinput.Blink
			case stateInputArgs:
				m.chosen = m.commands[m.selected].name
				return m, tea.Quit
			}

		case "esc":
			if m.state == stateInputArgs {
				m.state = stateSelectCommand
				m.args.Blur()
				m.args.SetValue("")
				return m, nil
			}
		}
	}

	if m.state == stateInputArgs {
		var cmd tea.Cmd
		m.args, cmd = m.args.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *pickerModel) View() string {
	if m.err != nil {
		return errorStyle.Render(fmt.Sprintf("Error: %v\n\nPress q to quit.", m.err))
	}
	if m.pkg == nil {
		return "Loading package..."
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("wasix"))
	b.WriteString(" ")
	b.WriteString(m.pkg.Ref())
	b.WriteString("\n\n")

	switch m.state {
	case stateSelectCommand:
		if len(m.commands) == 0 {
			b.WriteString("Package has no commands.\n\n")
			b.WriteString(helpStyle.Render("q quit"))
			break
		}
		b.WriteString("Select a command to run:\n\n")
		for i, c := range m.commands {
			line := formatCommand(c)
			if i == m.selected {
				b.WriteString(selectedStyle.Render("> " + line))
			} else {
				b.WriteString("  " + line)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("↑/↓ select • enter choose • q quit"))

	case stateInputArgs:
		b.WriteString(fmt.Sprintf("Running %s\n\n", commandStyle.Render(m.commands[m.selected].name)))
		b.WriteString(m.args.View())
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("enter run • esc back"))
	}
	return b.String()
}

func formatCommand(c commandInfo) string {
	s := commandStyle.Render(c.name) + " " + sizeStyle.Render(fmt.Sprintf("(%d bytes)", c.size))
	if c.entry {
		s += " [entry]"
	}
	return s
}

// pickCommand lets the user choose one of the package's commands. An empty
// name means the user quit.
func pickCommand(ctx context.Context, rt *env.Runtime, ref string) (string, []string, error) {
	if ref == "" {
		return "", nil, fmt.Errorf("interactive mode needs -package")
	}
	base := registry.FetchName(ref)
	m := newPickerModel(func() (*registry.Package, error) {
		return rt.Package(ctx, base)
	})
	final, err := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	if err != nil {
		return "", nil, err
	}
	pm := final.(*pickerModel)
	if pm.err != nil {
		return "", nil, pm.err
	}
	if pm.quit {
		return "", nil, nil
	}
	return pm.chosen, strings.Fields(pm.args.Value()), nil
}
