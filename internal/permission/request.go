package permission

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// Kind names the class of resource a sandbox asks for.
type Kind string

const (
	KindFile       Kind = "file"
	KindNetwork    Kind = "network"
	KindEnv        Kind = "env"
	KindSubprocess Kind = "subprocess"
	KindSystem     Kind = "system"
)

func (k Kind) valid() bool {
	switch k {
	case KindFile, KindNetwork, KindEnv, KindSubprocess, KindSystem:
		return true
	}
	return false
}

// Access is the operation requested on the resource.
type Access string

const (
	AccessRead    Access = "read"
	AccessWrite   Access = "write"
	AccessConnect Access = "connect"
	AccessGet     Access = "get"
	AccessRun     Access = "run"
	AccessInfo    Access = "info"
)

// Scope hints how long a grant is expected to last. Subprocess grants are
// suggested per call; everything else per task.
type Scope string

const (
	ScopeOnce    Scope = "once"
	ScopeSession Scope = "session"
)

// Request is one capability check raised by a running task.
type Request struct {
	TaskID     string `json:"task_id"`
	Kind       Kind   `json:"resource_kind"`
	Access     Access `json:"access"`
	Descriptor string `json:"descriptor"`
	Scope      Scope  `json:"scope"`
}

// DefaultScope returns the scope hint for a resource kind.
func DefaultScope(k Kind) Scope {
	if k == KindSubprocess {
		return ScopeOnce
	}
	return ScopeSession
}

// key identifies equivalent requests for the per-task decision cache.
func (r Request) key() string {
	return string(r.Kind) + "|" + string(r.Access) + "|" + normalizeDescriptor(r.Kind, r.Descriptor)
}

func normalizeDescriptor(k Kind, d string) string {
	d = strings.TrimSpace(d)
	switch k {
	case KindFile:
		if d == "" {
			return d
		}
		return filepath.Clean(d)
	case KindNetwork:
		if strings.Contains(d, "://") {
			if u, err := url.Parse(d); err == nil && u.Host != "" {
				return strings.ToLower(u.Host)
			}
		}
		if h, _, ok := strings.Cut(d, "/"); ok {
			d = h
		}
		return strings.ToLower(d)
	case KindSubprocess:
		return strings.Join(strings.Fields(d), " ")
	default:
		return d
	}
}

func (r Request) String() string {
	return fmt.Sprintf("%s %s %s", r.Kind, r.Access, r.Descriptor)
}

// Response is an operator decision.
type Response int

const (
	AllowOnce Response = iota + 1
	AllowAlways
	DenyOnce
	DenyAlways
)

// Allowed reports whether the response grants the request.
func (r Response) Allowed() bool {
	return r == AllowOnce || r == AllowAlways
}

// Always reports whether the response applies to later equivalent requests.
func (r Response) Always() bool {
	return r == AllowAlways || r == DenyAlways
}

// Tag returns the wire tag accepted by ParseResponse.
func (r Response) Tag() string {
	switch r {
	case AllowOnce:
		return "allow"
	case AllowAlways:
		return "allow_always"
	case DenyOnce:
		return "deny"
	case DenyAlways:
		return "deny_always"
	default:
		return "unknown"
	}
}

func (r Response) String() string {
	switch r {
	case AllowOnce:
		return "allow_once"
	case AllowAlways:
		return "allow_always"
	case DenyOnce:
		return "deny_once"
	case DenyAlways:
		return "deny_always"
	default:
		return "unknown"
	}
}

// ErrInvalidResponseTag is returned by ParseResponse for unknown tags.
var ErrInvalidResponseTag = errors.New("invalid permission response tag")

// ParseResponse maps a wire tag to a Response. The canonical vocabulary is
// allow, allow_always, deny and deny_always; "allowall" is accepted as an
// alias of allow_always. Matching ignores case and surrounding space.
func ParseResponse(tag string) (Response, error) {
	switch strings.ToLower(strings.TrimSpace(tag)) {
	case "allow":
		return AllowOnce, nil
	case "allow_always", "allowall":
		return AllowAlways, nil
	case "deny":
		return DenyOnce, nil
	case "deny_always":
		return DenyAlways, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidResponseTag, tag)
}

// ErrPermissionDenied is matched by every DeniedError.
var ErrPermissionDenied = errors.New("permission denied")

// DeniedError reports a capability refused by the operator, the policy or
// cancellation.
type DeniedError struct {
	Request  Request
	Response Response
	Source   Source
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("permission denied: %s %s %q (%s)", e.Request.Kind, e.Request.Access, e.Request.Descriptor, e.Source)
}

func (e *DeniedError) Unwrap() error {
	return ErrPermissionDenied
}

// Source records where a decision came from.
type Source string

const (
	SourceOperator Source = "operator"
	SourceCache    Source = "cache"
	SourcePolicy   Source = "policy"
	SourceTimeout  Source = "timeout"
	SourceCancel   Source = "cancel"
)
