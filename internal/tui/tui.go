// Package tui is the interactive operator console: it lists tasks and lets
// the operator answer permission prompts, stop tasks and clear finished ones.
package tui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/basket/powblocs/internal/bus"
	"github.com/basket/powblocs/internal/engine"
	"github.com/basket/powblocs/internal/taskstore"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Controller is the slice of the engine the console drives.
type Controller interface {
	ListTasks() []taskstore.Snapshot
	Status() engine.Status
	StopTask(ctx context.Context, id string) error
	ClearCompletedTasks() []string
	RespondToPermissionPrompt(id, tag string) error
}

// promptKeys maps console keys to permission response tags.
var promptKeys = map[string]string{
	"a": "allow",
	"A": "allow_always",
	"d": "deny",
	"D": "deny_always",
}

type model struct {
	ctl     Controller
	events  <-chan bus.Event
	started time.Time

	tasks    []taskstore.Snapshot
	status   engine.Status
	selected string
	log      *EventLog
	notice   string
}

type tickMsg time.Time

type busMsg bus.Event

func tickCmd() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func waitEvent(ch <-chan bus.Event) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return nil
		}
		return busMsg(ev)
	}
}

func newModel(ctl Controller, events <-chan bus.Event) model {
	m := model{ctl: ctl, events: events, started: time.Now(), log: NewEventLog(8)}
	m.refresh()
	return m
}

func (m model) Init() tea.Cmd {
	return tea.Batch(tickCmd(), waitEvent(m.events))
}

func (m *model) refresh() {
	tasks := m.ctl.ListTasks()
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
	m.tasks = tasks
	m.status = m.ctl.Status()
	if m.index(m.selected) < 0 {
		m.selected = ""
		if len(tasks) > 0 {
			m.selected = tasks[len(tasks)-1].ID
		}
	}
}

func (m model) index(id string) int {
	for i, t := range m.tasks {
		if t.ID == id {
			return i
		}
	}
	return -1
}

// target is the task a key acts on: the selection, or for prompt keys the
// oldest task awaiting permission when the selection has nothing pending.
func (m model) target(needPrompt bool) (taskstore.Snapshot, bool) {
	if i := m.index(m.selected); i >= 0 {
		t := m.tasks[i]
		if !needPrompt || t.State == taskstore.StateAwaitingPermission {
			return t, true
		}
	}
	if needPrompt {
		for _, t := range m.tasks {
			if t.State == taskstore.StateAwaitingPermission {
				return t, true
			}
		}
	}
	return taskstore.Snapshot{}, false
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tickMsg:
		m.refresh()
		return m, tickCmd()
	case busMsg:
		m.log.Record(bus.Event(msg))
		m.refresh()
		return m, waitEvent(m.events)
	}
	return m, nil
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()
	switch key {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "up", "k":
		if i := m.index(m.selected); i > 0 {
			m.selected = m.tasks[i-1].ID
		}
	case "down", "j":
		if i := m.index(m.selected); i >= 0 && i < len(m.tasks)-1 {
			m.selected = m.tasks[i+1].ID
		}
	case "a", "A", "d", "D":
		t, ok := m.target(true)
		if !ok {
			m.notice = "no permission prompt outstanding"
			break
		}
		tag := promptKeys[key]
		if err := m.ctl.RespondToPermissionPrompt(t.ID, tag); err != nil {
			m.notice = humanError(err)
		} else {
			m.notice = fmt.Sprintf("%s: %s", t.ID, tag)
		}
		m.refresh()
	case "s":
		t, ok := m.target(false)
		if !ok {
			m.notice = "no task selected"
			break
		}
		if err := m.ctl.StopTask(context.Background(), t.ID); err != nil {
			m.notice = humanError(err)
		} else {
			m.notice = "stop requested for " + t.ID
		}
		m.refresh()
	case "c":
		ids := m.ctl.ClearCompletedTasks()
		m.notice = fmt.Sprintf("cleared %d finished task(s)", len(ids))
		m.refresh()
	}
	return m, nil
}

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	focusStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	errStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	promptBorder = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("214")).Padding(0, 1)
)

func stateStyle(s taskstore.State) lipgloss.Style {
	switch s {
	case taskstore.StateCompleted:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	case taskstore.StateFailed:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	case taskstore.StateCancelled:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	case taskstore.StateAwaitingPermission:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	default:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	}
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("powblocs") + dimStyle.Render(fmt.Sprintf("  up %s", time.Since(m.started).Truncate(time.Second))) + "\n\n")

	st := m.status
	fmt.Fprintf(&b, "Active: %d  Pending: %d  Awaiting: %d  Completed: %d  Failed: %d  Cancelled: %d\n",
		st.ActiveTasks,
		st.Tasks[string(taskstore.StatePending)],
		st.Tasks[string(taskstore.StateAwaitingPermission)],
		st.Tasks[string(taskstore.StateCompleted)],
		st.Tasks[string(taskstore.StateFailed)],
		st.Tasks[string(taskstore.StateCancelled)],
	)
	if st.LastError != "" {
		b.WriteString(errStyle.Render("Last Error: "+st.LastError) + "\n")
	}
	b.WriteString("\n")

	if len(m.tasks) == 0 {
		b.WriteString(dimStyle.Render("(no tasks)") + "\n")
	}
	for _, t := range m.tasks {
		marker := "  "
		if t.ID == m.selected {
			marker = focusStyle.Render("▸ ")
		}
		line := fmt.Sprintf("%-20s %s", t.ID, stateStyle(t.State).Render(fmt.Sprintf("%-19s", t.State)))
		if t.ActionName != "" {
			line += dimStyle.Render(" " + t.ActionName)
		}
		switch {
		case t.ReturnValue != nil:
			line += " = " + truncate(*t.ReturnValue, 40)
		case t.Error != nil:
			line += " " + errStyle.Render(truncate(t.Error.Error(), 60))
		}
		b.WriteString(marker + line + "\n")
	}

	if t, ok := m.target(true); ok && t.PendingRequest != nil {
		p := t.PendingRequest
		body := fmt.Sprintf("%s wants %s access to %s %s\n", t.ID, p.Access, p.Kind, p.Descriptor) +
			dimStyle.Render("[a] allow  [A] allow always  [d] deny  [D] deny always")
		b.WriteString("\n" + promptBorder.Render(body) + "\n")
	}

	if events := m.log.View(); events != "" {
		b.WriteString("\n" + events)
	}
	if m.notice != "" {
		b.WriteString("\n" + m.notice + "\n")
	}
	b.WriteString("\n" + dimStyle.Render("j/k select  s stop  c clear finished  q quit") + "\n")
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Run drives the console until the operator quits or ctx ends. events may be
// nil; the view then refreshes on its timer only.
func Run(ctx context.Context, ctl Controller, events <-chan bus.Event) error {
	defer bestEffortResetTTY()

	p := tea.NewProgram(newModel(ctl, events), tea.WithAltScreen())

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
		return ctx.Err()
	case err := <-done:
		return err
	}
}
