package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/basket/taskbridge/internal/clickup"
	"github.com/basket/taskbridge/internal/persistence"
	"github.com/basket/taskbridge/internal/session"
)

// ErrCancelled is returned when the user leaves a picker or wizard without
// choosing.
var ErrCancelled = errors.New("cancelled")

// ListSource walks the workspace tree. *session.Manager satisfies it.
type ListSource interface {
	Hierarchy(ctx context.Context) (*session.Hierarchy, error)
	Spaces(ctx context.Context, teamID string) ([]clickup.Space, error)
	Folders(ctx context.Context, spaceID string) ([]clickup.Folder, error)
	Lists(ctx context.Context, folderID, spaceID string) ([]clickup.List, error)
}

type pickStep int

const (
	pickTeam pickStep = iota
	pickSpace
	pickFolder
	pickList
)

func (s pickStep) title() string {
	switch s {
	case pickTeam:
		return "Workspace"
	case pickSpace:
		return "Space"
	case pickFolder:
		return "Folder"
	default:
		return "List"
	}
}

// noFolder stands for the lists that live directly in a space.
const noFolder = "(lists without a folder)"

type pickItem struct {
	ID   string
	Name string
}

type pickFrame struct {
	step   pickStep
	items  []pickItem
	cursor int
	chosen pickItem
}

type itemsMsg struct {
	step  pickStep
	items []pickItem
	err   error
}

type pickerModel struct {
	ctx     context.Context
	src     ListSource
	current string

	step    pickStep
	items   []pickItem
	cursor  int
	loading bool
	err     error
	trail   []pickFrame

	done     bool
	quit     bool
	selected persistence.ListRef
}

func newPicker(ctx context.Context, src ListSource, currentListID string) pickerModel {
	return pickerModel{ctx: ctx, src: src, current: currentListID, step: pickTeam, loading: true}
}

func (m pickerModel) Init() tea.Cmd {
	return m.load(pickTeam, pickItem{})
}

func (m pickerModel) parent(step pickStep) pickItem {
	for _, f := range m.trail {
		if f.step == step {
			return f.chosen
		}
	}
	return pickItem{}
}

// load fetches the entries of step, given the item chosen one level up.
func (m pickerModel) load(step pickStep, from pickItem) tea.Cmd {
	ctx, src := m.ctx, m.src
	space := m.parent(pickSpace)
	return func() tea.Msg {
		var items []pickItem
		var err error
		switch step {
		case pickTeam:
			var h *session.Hierarchy
			h, err = src.Hierarchy(ctx)
			if err == nil && h == nil {
				err = session.ErrNotAuthenticated
			}
			if h != nil {
				for _, t := range h.Teams {
					items = append(items, pickItem{ID: t.ID, Name: t.Name})
				}
			}
		case pickSpace:
			var spaces []clickup.Space
			spaces, err = src.Spaces(ctx, from.ID)
			for _, s := range spaces {
				items = append(items, pickItem{ID: s.ID, Name: s.Name})
			}
		case pickFolder:
			var folders []clickup.Folder
			folders, err = src.Folders(ctx, from.ID)
			items = append(items, pickItem{Name: noFolder})
			for _, f := range folders {
				items = append(items, pickItem{ID: f.ID, Name: f.Name})
			}
		case pickList:
			spaceID := space.ID
			var lists []clickup.List
			lists, err = src.Lists(ctx, from.ID, spaceID)
			for _, l := range lists {
				items = append(items, pickItem{ID: l.ID, Name: l.Name})
			}
		}
		return itemsMsg{step: step, items: items, err: err}
	}
}

func (m pickerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case itemsMsg:
		if msg.step != m.step {
			return m, nil
		}
		m.loading = false
		m.err = msg.err
		m.items = msg.items
		m.cursor = 0
		if msg.step == pickList {
			for i, it := range m.items {
				if it.ID == m.current {
					m.cursor = i
				}
			}
		}
		return m, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			m.quit = true
			return m, tea.Quit
		case "esc":
			return m.back()
		case "r":
			if m.err != nil {
				m.err, m.loading = nil, true
				return m, m.load(m.step, m.parent(m.step-1))
			}
		case "enter", "ctrl+m", "ctrl+j":
			return m.enter()
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < len(m.items)-1 {
				m.cursor++
			}
		}
	}
	return m, nil
}

func (m pickerModel) enter() (tea.Model, tea.Cmd) {
	if m.loading || m.err != nil || len(m.items) == 0 {
		return m, nil
	}
	chosen := m.items[m.cursor]
	if m.step == pickList {
		m.selected = persistence.ListRef{ID: chosen.ID, Name: chosen.Name}
		m.done = true
		return m, tea.Quit
	}
	m.trail = append(m.trail, pickFrame{step: m.step, items: m.items, cursor: m.cursor, chosen: chosen})
	m.step++
	m.items, m.cursor, m.loading = nil, 0, true
	return m, m.load(m.step, chosen)
}

func (m pickerModel) back() (tea.Model, tea.Cmd) {
	if len(m.trail) == 0 {
		m.quit = true
		return m, tea.Quit
	}
	prev := m.trail[len(m.trail)-1]
	m.trail = m.trail[:len(m.trail)-1]
	m.step, m.items, m.cursor = prev.step, prev.items, prev.cursor
	m.loading, m.err = false, nil
	return m, nil
}

func (m pickerModel) breadcrumb() string {
	var parts []string
	for _, f := range m.trail {
		parts = append(parts, f.chosen.Name)
	}
	return strings.Join(parts, " / ")
}

func (m pickerModel) View() string {
	if m.quit || m.done {
		return ""
	}
	errStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	focus := lipgloss.NewStyle().Foreground(lipgloss.Color("86"))

	var b strings.Builder
	b.WriteString("\n  " + titleStyle.Render("Default list") + "\n")
	if crumb := m.breadcrumb(); crumb != "" {
		b.WriteString("  " + dimStyle.Render(crumb) + "\n")
	}
	fmt.Fprintf(&b, "\n  Select a %s:\n\n", strings.ToLower(m.step.title()))

	switch {
	case m.loading:
		b.WriteString("  Loading...\n")
	case m.err != nil:
		b.WriteString("  " + errStyle.Render(humanError(m.err)) + "\n")
		b.WriteString("\n  [r] Retry  [Esc] Back\n")
		return b.String()
	case len(m.items) == 0:
		b.WriteString("  " + dimStyle.Render("(nothing here)") + "\n")
	}
	for i, it := range m.items {
		marker := " "
		if m.step == pickList && it.ID == m.current {
			marker = "*"
		}
		line := fmt.Sprintf("%s %s", marker, it.Name)
		if i == m.cursor {
			b.WriteString("  > " + focus.Render(line) + "\n")
		} else {
			b.WriteString("    " + line + "\n")
		}
	}
	b.WriteString("\n  [Up/Down] Navigate  [Enter] Select  [Esc] Back\n")
	return b.String()
}

// RunListPicker walks workspace, space, folder and list and returns the
// chosen list. currentListID, when set, is marked in the final step.
func RunListPicker(ctx context.Context, src ListSource, currentListID string) (persistence.ListRef, error) {
	defer bestEffortResetTTY()

	p := tea.NewProgram(newPicker(ctx, src, currentListID))
	done := make(chan error, 1)
	var final tea.Model
	go func() {
		var err error
		final, err = p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return persistence.ListRef{}, ctx.Err()
	case err := <-done:
		if err != nil {
			return persistence.ListRef{}, err
		}
	}

	pm, ok := final.(pickerModel)
	if !ok || pm.quit || !pm.done {
		return persistence.ListRef{}, ErrCancelled
	}
	return pm.selected, nil
}
