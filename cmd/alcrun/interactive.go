package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"

	"github.com/wippyai/loadctx/alc"
	"github.com/wippyai/loadctx/config"
	"github.com/wippyai/loadctx/runtime"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	asmStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	stateStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

type modelState int

const (
	stateBrowse modelState = iota
	stateInputPath
)

type interactiveModel struct {
	err      error
	rt       *runtime.Runtime
	cfg      *config.Config
	status   string
	preload  []string
	contexts []runtime.ContextInfo
	input    textinput.Model
	selected int
	state    modelState
}

func newInteractiveModel(cfg *config.Config, preload []string) *interactiveModel {
	return &interactiveModel{
		cfg:     cfg,
		preload: preload,
		state:   stateBrowse,
	}
}

type startedMsg struct {
	err error
	rt  *runtime.Runtime
}

type actionMsg struct {
	err    error
	status string
}

func (m *interactiveModel) Init() tea.Cmd {
	return m.start
}

func (m *interactiveModel) start() tea.Msg {
	ctx := context.Background()
	rt, err := runtime.New(ctx, m.cfg)
	if err != nil {
		return startedMsg{err: err}
	}
	if len(m.preload) > 0 {
		lc, err := rt.NewContext(true)
		if err != nil {
			rt.Close(ctx)
			return startedMsg{err: err}
		}
		for _, f := range m.preload {
			if err := loadFile(ctx, rt, lc, f); err != nil {
				rt.Close(ctx)
				return startedMsg{err: err}
			}
		}
	}
	return startedMsg{rt: rt}
}

func loadFile(ctx context.Context, rt *runtime.Runtime, lc *alc.LoadContext, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}
	if _, err := rt.Load(ctx, lc, assemblyName(path), data); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func (m *interactiveModel) refresh() {
	if m.rt == nil {
		return
	}
	m.contexts = m.rt.Contexts()
	if m.selected >= len(m.contexts) {
		m.selected = max(len(m.contexts)-1, 0)
	}
}

func (m *interactiveModel) current() *alc.LoadContext {
	if m.rt == nil || m.selected >= len(m.contexts) {
		return nil
	}
	lc, _ := m.rt.Lookup(m.contexts[m.selected].ID)
	return lc
}

func (m *interactiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.state == stateInputPath {
			return m.updateInput(msg)
		}

		switch msg.String() {
		case "ctrl+c", "q":
			if m.rt != nil {
				m.rt.Close(context.Background())
			}
			return m, tea.Quit

		case "up", "k":
			if m.selected > 0 {
				m.selected--
			}

		case "down", "j":
			if m.selected < len(m.contexts)-1 {
				m.selected++
			}

		case "n":
			return m, m.newContext

		case "l":
			if m.current() == nil {
				m.status = "no context selected"
				break
			}
			ti := textinput.New()
			ti.Placeholder = "module.wasm"
			ti.Prompt = "path: "
			ti.Width = 50
			ti.Focus()
			m.input = ti
			m.state = stateInputPath

		case "u":
			return m, unloadCmd(m.rt, m.current())

		case "g":
			return m, m.collect
		}

	case startedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.rt = msg.rt
		m.status = "runtime ready, " + m.rt.Domain().Variant().String() + " unload"
		m.refresh()

	case actionMsg:
		m.err = msg.err
		m.status = msg.status
		m.refresh()
	}

	return m, nil
}

func (m *interactiveModel) updateInput(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.state = stateBrowse
		return m, nil
	case "enter":
		path := strings.TrimSpace(m.input.Value())
		m.state = stateBrowse
		lc := m.current()
		return m, func() tea.Msg {
			if lc == nil {
				return actionMsg{status: "context is gone"}
			}
			if err := loadFile(context.Background(), m.rt, lc, path); err != nil {
				return actionMsg{err: err}
			}
			return actionMsg{status: "loaded " + assemblyName(path)}
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *interactiveModel) newContext() tea.Msg {
	if m.rt == nil {
		return actionMsg{}
	}
	lc, err := m.rt.NewContext(true)
	if err != nil {
		return actionMsg{err: err}
	}
	return actionMsg{status: "created " + lc.ID().String()}
}

func unloadCmd(rt *runtime.Runtime, lc *alc.LoadContext) tea.Cmd {
	return func() tea.Msg {
		if lc == nil {
			return actionMsg{status: "no context selected"}
		}
		if err := rt.Unload(lc); err != nil {
			return actionMsg{err: err}
		}
		return actionMsg{status: "unloading " + lc.ID().String() + ", press g to collect"}
	}
}

func (m *interactiveModel) collect() tea.Msg {
	if m.rt == nil {
		return actionMsg{}
	}
	before := len(m.rt.Domain().Contexts())
	m.rt.Collect()
	after := len(m.rt.Domain().Contexts())
	return actionMsg{status: fmt.Sprintf("collected, %d context(s) freed", before-after)}
}

func (m *interactiveModel) View() string {
	if m.rt == nil {
		if m.err != nil {
			return errorStyle.Render(fmt.Sprintf("Error: %v\n\nPress q to quit.", m.err))
		}
		return "Starting runtime..."
	}

	var b strings.Builder

	b.WriteString(titleStyle.Render("Load Contexts"))
	b.WriteString("\n\n")

	for i, info := range m.contexts {
		line := m.formatContext(info)
		if i == m.selected {
			b.WriteString(selectedStyle.Render("> " + line))
		} else {
			b.WriteString("  " + line)
		}
		b.WriteString("\n")
		for _, a := range info.Assemblies {
			b.WriteString("      ")
			b.WriteString(asmStyle.Render(a))
			b.WriteString("\n")
		}
	}
	b.WriteString("\n")

	if m.state == stateInputPath {
		b.WriteString(m.input.View())
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("enter load • esc back"))
		return b.String()
	}

	if m.err != nil {
		b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
	} else if m.status != "" {
		b.WriteString(resultStyle.Render(m.status))
	}
	b.WriteString("\n\n")
	b.WriteString(helpStyle.Render("↑/↓ select • n new • l load • u unload • g collect • q quit"))
	return b.String()
}

func (m *interactiveModel) formatContext(info runtime.ContextInfo) string {
	id := info.ID.String()[:8]
	kind := "collectible"
	switch {
	case info.Default:
		kind = "default"
	case !info.Collectible:
		kind = "fixed"
	}
	return fmt.Sprintf("%s %-11s %s arena=%dB code=%dB",
		id, kind, stateStyle.Render(info.State.String()), info.ArenaBytes, info.CodeBytes)
}

func runInteractive(cfg *config.Config, preload []string) error {
	// Log output would tear the alternate screen.
	runtime.SetLoggers(zap.NewNop())

	p := tea.NewProgram(newInteractiveModel(cfg, preload), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
