// Package sandboxtest provides a scripted Host for engine tests.
package sandboxtest

import (
	"context"
	"log/slog"
	"sync"

	"github.com/basket/powblocs/internal/permission"
)

// Check is one capability check seen by the Host.
type Check struct {
	Kind       permission.Kind
	Access     permission.Access
	Descriptor string
}

// Event is one Emit call.
type Event struct {
	Name string
	Data string
}

// Host grants or refuses checks through Decide. A nil Decide allows
// everything.
type Host struct {
	ID     string
	Action string
	Data   string
	Decide func(Check) bool

	mu     sync.Mutex
	checks []Check
	events []Event
}

func (h *Host) TaskID() string     { return h.ID }
func (h *Host) ActionName() string { return h.Action }
func (h *Host) ActionData() string { return h.Data }
func (h *Host) Logger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func (h *Host) Check(ctx context.Context, kind permission.Kind, access permission.Access, descriptor string) error {
	c := Check{Kind: kind, Access: access, Descriptor: descriptor}
	h.mu.Lock()
	h.checks = append(h.checks, c)
	decide := h.Decide
	h.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return &permission.DeniedError{
			Request:  permission.Request{TaskID: h.ID, Kind: kind, Access: access, Descriptor: descriptor},
			Response: permission.DenyAlways,
			Source:   permission.SourceCancel,
		}
	}
	if decide == nil || decide(c) {
		return nil
	}
	return &permission.DeniedError{
		Request:  permission.Request{TaskID: h.ID, Kind: kind, Access: access, Descriptor: descriptor},
		Response: permission.DenyOnce,
		Source:   permission.SourceOperator,
	}
}

func (h *Host) Emit(name, data string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, Event{Name: name, Data: data})
}

// Checks returns the checks seen so far.
func (h *Host) Checks() []Check {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Check(nil), h.checks...)
}

// Events returns the events emitted so far.
func (h *Host) Events() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Event(nil), h.events...)
}

// DenyAll refuses every check.
func DenyAll(Check) bool { return false }
