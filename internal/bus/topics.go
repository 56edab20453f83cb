package bus

// Task lifecycle topics.
const (
	TopicTaskStateChanged = "task.state_changed"
	TopicTaskEvent        = "task.event"
	TopicTaskReaped       = "task.reaped"
)

// Permission prompt topics.
const (
	TopicPermissionRequested = "permission.requested"
	TopicPermissionResolved  = "permission.resolved"
)

// Policy reload topic.
const TopicPolicyReloaded = "system.policy.reloaded"

// TaskStateChangedEvent is published after every applied task transition.
type TaskStateChangedEvent struct {
	TaskID   string
	OldState string
	NewState string
}

// TaskEvent carries a custom event emitted by a running script.
type TaskEvent struct {
	TaskID string
	Name   string
	Data   string // JSON text
}

// TaskReapedEvent is published when terminal tasks are removed from the store.
type TaskReapedEvent struct {
	TaskIDs []string
}

// PermissionRequestedEvent is published when a task blocks on an operator decision.
type PermissionRequestedEvent struct {
	TaskID     string
	Kind       string
	Access     string
	Descriptor string
	Scope      string
}

// PermissionResolvedEvent is published when a pending prompt resolves.
type PermissionResolvedEvent struct {
	TaskID     string
	Kind       string
	Descriptor string
	Response   string
	Source     string // operator, cache, policy, timeout, cancel
}

// PolicyReloadedEvent is published when the policy file is hot-reloaded.
type PolicyReloadedEvent struct {
	PolicyVersion string
}
