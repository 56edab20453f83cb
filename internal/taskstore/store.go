package taskstore

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/basket/powblocs/internal/bus"
)

var (
	ErrDuplicateTaskID = errors.New("duplicate task id")
	ErrTaskNotFound    = errors.New("task not found")
	// ErrTaskFinished is returned when a transition targets a task that has
	// already reached a terminal state. The losing write is discarded.
	ErrTaskFinished = errors.New("task already finished")
	// ErrInvalidTransition signals a state-machine violation. It indicates a
	// bug in the caller and is never part of normal control flow.
	ErrInvalidTransition = errors.New("invalid task transition")
)

// Store is the in-memory registry of tasks. Every operation is atomic with
// respect to every other; readers only ever receive snapshots.
type Store struct {
	mu    sync.RWMutex
	tasks map[string]*record
	seq   uint64
	bus   *bus.Bus // may be nil in tests
	now   func() time.Time
}

func New(eventBus *bus.Bus) *Store {
	return &Store{
		tasks: make(map[string]*record),
		bus:   eventBus,
		now:   time.Now,
	}
}

// Create registers a new Pending task. An id already held by any unreaped
// task, terminal or not, is rejected.
func (s *Store) Create(id string, meta Meta) (Snapshot, error) {
	if id == "" {
		return Snapshot{}, fmt.Errorf("create task: empty id")
	}
	s.mu.Lock()
	if _, exists := s.tasks[id]; exists {
		s.mu.Unlock()
		return Snapshot{}, fmt.Errorf("create task %q: %w", id, ErrDuplicateTaskID)
	}
	s.seq++
	rec := &record{
		id:         id,
		seq:        s.seq,
		state:      StatePending,
		actionName: meta.ActionName,
		actionData: meta.ActionData,
		code:       meta.Code,
		createdAt:  s.now().UTC(),
	}
	s.tasks[id] = rec
	s.bus.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
		TaskID:   id,
		NewState: string(StatePending),
	})
	snap := rec.snapshot()
	s.mu.Unlock()
	return snap, nil
}

// Begin moves a Pending task to Running and hands the submitted code to the
// caller. The code is dropped from the record.
func (s *Store) Begin(id string) (string, Snapshot, error) {
	var code string
	snap, err := s.apply(id, StateRunning, Update{}, func(rec *record) {
		code = rec.code
		rec.code = ""
	})
	if err != nil {
		return "", Snapshot{}, err
	}
	return code, snap, nil
}

// Transition applies a state change with its payload.
func (s *Store) Transition(id string, to State, u Update) (Snapshot, error) {
	return s.apply(id, to, u, nil)
}

func (s *Store) apply(id string, to State, u Update, mutate func(*record)) (Snapshot, error) {
	s.mu.Lock()
	rec, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return Snapshot{}, fmt.Errorf("transition %q: %w", id, ErrTaskNotFound)
	}
	from := rec.state
	if from.Terminal() {
		s.mu.Unlock()
		return Snapshot{}, fmt.Errorf("transition %q %s -> %s: %w", id, from, to, ErrTaskFinished)
	}
	if err := validate(from, to, u); err != nil {
		s.mu.Unlock()
		return Snapshot{}, fmt.Errorf("transition %q: %w", id, err)
	}

	now := s.now().UTC()
	if mutate != nil {
		mutate(rec)
	}
	rec.state = to
	switch to {
	case StateRunning:
		if rec.startedAt.IsZero() {
			rec.startedAt = now
			rec.code = ""
		}
	case StateAwaitingPermission:
		p := *u.Pending
		if p.RequestedAt.IsZero() {
			p.RequestedAt = now
		}
		rec.pending = &p
	case StateCompleted:
		if u.ReturnValue != nil {
			v := *u.ReturnValue
			rec.returnValue = &v
		}
	case StateFailed, StateCancelled:
		e := *u.Error
		rec.err = &e
	}
	if from == StateAwaitingPermission {
		rec.pending = nil
		if u.Resolved != nil {
			r := *u.Resolved
			if r.ResolvedAt.IsZero() {
				r.ResolvedAt = now
			}
			rec.history = append(rec.history, r)
		}
	}
	if to.Terminal() {
		rec.finishedAt = now
		rec.code = ""
	}
	// Publishing under the lock keeps events in commit order. Publish
	// never blocks.
	s.bus.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
		TaskID:   id,
		OldState: string(from),
		NewState: string(to),
	})
	snap := rec.snapshot()
	s.mu.Unlock()
	return snap, nil
}

func validate(from, to State, u Update) error {
	if !canTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	switch to {
	case StateCompleted:
		if u.Error != nil {
			return fmt.Errorf("%w: completed carries no error", ErrInvalidTransition)
		}
	case StateFailed, StateCancelled:
		if u.Error == nil || u.ReturnValue != nil {
			return fmt.Errorf("%w: %s requires an error and no return value", ErrInvalidTransition, to)
		}
	case StateAwaitingPermission:
		if u.Pending == nil {
			return fmt.Errorf("%w: awaiting_permission requires a pending request", ErrInvalidTransition)
		}
	default:
		if u.ReturnValue != nil || u.Error != nil {
			return fmt.Errorf("%w: %s carries no result", ErrInvalidTransition, to)
		}
	}
	return nil
}

// Get returns a snapshot of the task.
func (s *Store) Get(id string) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.tasks[id]
	if !ok {
		return Snapshot{}, fmt.Errorf("get %q: %w", id, ErrTaskNotFound)
	}
	return rec.snapshot(), nil
}

// List returns snapshots of every task in creation order.
func (s *Store) List() []Snapshot {
	s.mu.RLock()
	recs := make([]*record, 0, len(s.tasks))
	for _, rec := range s.tasks {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].seq < recs[j].seq })
	out := make([]Snapshot, len(recs))
	for i, rec := range recs {
		out[i] = rec.snapshot()
	}
	s.mu.RUnlock()
	return out
}

// Counts returns the number of tasks per state.
func (s *Store) Counts() map[State]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[State]int)
	for _, rec := range s.tasks {
		out[rec.state]++
	}
	return out
}

// RemoveIfTerminal deletes the task when it is terminal. It reports whether
// the task was removed.
func (s *Store) RemoveIfTerminal(id string) (bool, error) {
	s.mu.Lock()
	rec, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return false, fmt.Errorf("remove %q: %w", id, ErrTaskNotFound)
	}
	if !rec.state.Terminal() {
		s.mu.Unlock()
		return false, nil
	}
	delete(s.tasks, id)
	s.bus.Publish(bus.TopicTaskReaped, bus.TaskReapedEvent{TaskIDs: []string{id}})
	s.mu.Unlock()
	return true, nil
}

// ReapTerminal deletes every terminal task and returns their ids in creation
// order. Non-terminal records are not touched.
func (s *Store) ReapTerminal() []string {
	s.mu.Lock()
	var reaped []*record
	for id, rec := range s.tasks {
		if rec.state.Terminal() {
			reaped = append(reaped, rec)
			delete(s.tasks, id)
		}
	}
	sort.Slice(reaped, func(i, j int) bool { return reaped[i].seq < reaped[j].seq })
	ids := make([]string, len(reaped))
	for i, rec := range reaped {
		ids[i] = rec.id
	}
	if len(ids) > 0 {
		s.bus.Publish(bus.TopicTaskReaped, bus.TaskReapedEvent{TaskIDs: ids})
	}
	s.mu.Unlock()
	return ids
}
