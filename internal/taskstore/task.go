package taskstore

import "time"

// State is a task lifecycle state.
type State string

const (
	StatePending            State = "pending"
	StateRunning            State = "running"
	StateAwaitingPermission State = "awaiting_permission"
	StateCompleted          State = "completed"
	StateFailed             State = "failed"
	StateCancelled          State = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

var allowedTransitions = map[State]map[State]struct{}{
	StatePending: {
		StateRunning:   {},
		StateFailed:    {}, // Setup failure before the sandbox starts.
		StateCancelled: {},
	},
	StateRunning: {
		StateAwaitingPermission: {},
		StateCompleted:          {},
		StateFailed:             {},
		StateCancelled:          {},
	},
	StateAwaitingPermission: {
		StateRunning:   {},
		StateCancelled: {},
	},
}

func canTransition(from, to State) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// ErrorKind classifies a task's terminal error.
type ErrorKind string

const (
	ErrorSandboxExecution ErrorKind = "sandbox_execution"
	ErrorPermissionDenied ErrorKind = "permission_denied"
	ErrorCancelled        ErrorKind = "cancelled"
	ErrorTimeout          ErrorKind = "timeout"
	ErrorInternal         ErrorKind = "internal"
)

// TaskError is the error recorded on a Failed or Cancelled task.
type TaskError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *TaskError) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// PendingRequest describes the capability a task is blocked on.
type PendingRequest struct {
	Kind        string    `json:"resource_kind"`
	Access      string    `json:"access"`
	Descriptor  string    `json:"descriptor"`
	Scope       string    `json:"scope"`
	RequestedAt time.Time `json:"requested_at"`
}

// PermissionRecord is one resolved prompt.
type PermissionRecord struct {
	Kind       string    `json:"resource_kind"`
	Access     string    `json:"access"`
	Descriptor string    `json:"descriptor"`
	Response   string    `json:"response"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// Meta is the caller-supplied description of a task.
type Meta struct {
	ActionName string
	ActionData string
	Code       string
}

// Snapshot is a read-only deep copy of a task record. It never carries the
// submitted code.
type Snapshot struct {
	ID                string             `json:"id"`
	State             State              `json:"state"`
	ActionName        string             `json:"action_name"`
	ActionData        string             `json:"action_data"`
	ReturnValue       *string            `json:"return_value,omitempty"`
	Error             *TaskError         `json:"error,omitempty"`
	PendingRequest    *PendingRequest    `json:"pending_request,omitempty"`
	PermissionHistory []PermissionRecord `json:"permission_history,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	StartedAt         *time.Time         `json:"started_at,omitempty"`
	FinishedAt        *time.Time         `json:"finished_at,omitempty"`
}

// Update carries the payload of a transition.
type Update struct {
	// ReturnValue is optional for Completed and forbidden otherwise.
	ReturnValue *string
	// Error is required for Failed and Cancelled and forbidden otherwise.
	Error *TaskError
	// Pending is required for AwaitingPermission.
	Pending *PendingRequest
	// Resolved is appended to the permission history when leaving
	// AwaitingPermission.
	Resolved *PermissionRecord
}

type record struct {
	id          string
	seq         uint64
	state       State
	actionName  string
	actionData  string
	code        string
	returnValue *string
	err         *TaskError
	pending     *PendingRequest
	history     []PermissionRecord
	createdAt   time.Time
	startedAt   time.Time
	finishedAt  time.Time
}

func (r *record) snapshot() Snapshot {
	s := Snapshot{
		ID:         r.id,
		State:      r.state,
		ActionName: r.actionName,
		ActionData: r.actionData,
		CreatedAt:  r.createdAt,
	}
	if r.returnValue != nil {
		v := *r.returnValue
		s.ReturnValue = &v
	}
	if r.err != nil {
		e := *r.err
		s.Error = &e
	}
	if r.pending != nil {
		p := *r.pending
		s.PendingRequest = &p
	}
	if len(r.history) > 0 {
		s.PermissionHistory = append([]PermissionRecord(nil), r.history...)
	}
	if !r.startedAt.IsZero() {
		t := r.startedAt
		s.StartedAt = &t
	}
	if !r.finishedAt.IsZero() {
		t := r.finishedAt
		s.FinishedAt = &t
	}
	return s
}
