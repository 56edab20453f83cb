package tui

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/basket/powblocs/internal/bus"
	"github.com/charmbracelet/lipgloss"
)

type EventItem struct {
	At      time.Time
	Icon    string
	Message string
}

// EventLog keeps the most recent task and permission events for display.
type EventLog struct {
	mu       sync.Mutex
	items    []EventItem
	maxItems int
}

func NewEventLog(maxItems int) *EventLog {
	if maxItems <= 0 {
		maxItems = 10
	}
	return &EventLog{maxItems: maxItems}
}

// Record appends a line for ev. Events the console does not show are ignored.
func (l *EventLog) Record(ev bus.Event) {
	item, ok := describe(ev)
	if !ok {
		return
	}
	item.At = time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = append(l.items, item)
	if len(l.items) > l.maxItems {
		l.items = l.items[len(l.items)-l.maxItems:]
	}
}

func describe(ev bus.Event) (EventItem, bool) {
	switch p := ev.Payload.(type) {
	case bus.TaskStateChangedEvent:
		icon := "•"
		switch p.NewState {
		case "completed":
			icon = "✓"
		case "failed":
			icon = "✗"
		case "cancelled":
			icon = "■"
		case "awaiting_permission":
			icon = "?"
		}
		return EventItem{Icon: icon, Message: fmt.Sprintf("%s %s → %s", p.TaskID, p.OldState, p.NewState)}, true
	case bus.PermissionResolvedEvent:
		return EventItem{Icon: "⚑", Message: fmt.Sprintf("%s %s %s: %s (%s)", p.TaskID, p.Kind, p.Descriptor, p.Response, p.Source)}, true
	case bus.TaskEvent:
		return EventItem{Icon: "»", Message: fmt.Sprintf("%s %s %s", p.TaskID, p.Name, truncate(p.Data, 40))}, true
	case bus.TaskReapedEvent:
		return EventItem{Icon: "-", Message: fmt.Sprintf("cleared %d task(s)", len(p.TaskIDs))}, true
	case bus.PolicyReloadedEvent:
		return EventItem{Icon: "↻", Message: "policy reloaded " + p.PolicyVersion}, true
	}
	return EventItem{}, false
}

func (l *EventLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

func (l *EventLog) View() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.items) == 0 {
		return ""
	}
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	itemS := lipgloss.NewStyle().Foreground(lipgloss.Color("252"))

	var out strings.Builder
	out.WriteString(dim.Render("── Events ──") + "\n")
	for _, it := range l.items {
		out.WriteString(dim.Render(it.At.Format("15:04:05")) + " " + itemS.Render(it.Icon+" "+it.Message) + "\n")
	}
	return out.String()
}
