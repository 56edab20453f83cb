package policy

import (
	"fmt"
	"hash/fnv"
	"net/netip"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Decision is the standing answer a policy gives for a capability request.
type Decision int

const (
	// Ask means the policy has no opinion and the operator must decide.
	Ask Decision = iota
	Allow
	Deny
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	default:
		return "ask"
	}
}

// Checker is consulted by the permission gate before an operator is prompted.
// kind and access use the gate's vocabulary (file/read, network/connect, ...).
type Checker interface {
	Decide(kind, access, descriptor string) Decision
	PolicyVersion() string
}

// Policy is the serializable policy data.
//
// Allow lists pre-approve matching requests; deny lists refuse them without a
// prompt. Deny wins over allow. Anything unmatched is put to the operator.
type Policy struct {
	AllowDomains  []string `yaml:"allow_domains"`
	AllowLoopback bool     `yaml:"allow_loopback"`
	ReadPaths     []string `yaml:"read_paths"`
	WritePaths    []string `yaml:"write_paths"`
	AllowEnv      []string `yaml:"allow_env"`
	AllowCommands []string `yaml:"allow_commands"`
	AllowSystem   bool     `yaml:"allow_system"`

	DenyDomains  []string `yaml:"deny_domains"`
	DenyPaths    []string `yaml:"deny_paths"`
	DenyCommands []string `yaml:"deny_commands"`
}

// Default grants nothing, so every sensitive request reaches the operator.
func Default() Policy {
	return Policy{}
}

func Load(path string) (Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	if len(data) == 0 {
		return Default(), nil
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Decide maps a request onto the allow and deny lists.
func (p Policy) Decide(kind, access, descriptor string) Decision {
	switch kind {
	case "network":
		host := hostOf(descriptor)
		if host == "" {
			return Ask
		}
		if matchDomain(p.DenyDomains, host) {
			return Deny
		}
		if p.allowHost(host) {
			return Allow
		}
	case "file":
		if matchPath(p.DenyPaths, descriptor) {
			return Deny
		}
		if access == "write" {
			if matchPath(p.WritePaths, descriptor) {
				return Allow
			}
		} else if matchPath(p.ReadPaths, descriptor) || matchPath(p.WritePaths, descriptor) {
			return Allow
		}
	case "env":
		for _, name := range p.AllowEnv {
			name = strings.TrimSpace(name)
			if name == "*" || name == descriptor {
				return Allow
			}
		}
	case "subprocess":
		cmd := commandPath(descriptor)
		if matchesCommand(p.DenyCommands, cmd) {
			return Deny
		}
		if matchesCommand(p.AllowCommands, cmd) {
			return Allow
		}
	case "system":
		if p.AllowSystem {
			return Allow
		}
	}
	return Ask
}

// AllowHTTPURL reports whether the URL is pre-approved for network access.
func (p Policy) AllowHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return false
	}
	scheme := strings.ToLower(strings.TrimSpace(u.Scheme))
	if scheme != "http" && scheme != "https" {
		return false
	}
	return p.Decide("network", "connect", raw) == Allow
}

func (p Policy) allowHost(host string) bool {
	if isBlockedHost(host, p.AllowLoopback) {
		return false
	}
	return matchDomain(p.AllowDomains, host)
}

func (p Policy) PolicyVersion() string {
	return policyVersionFor(p)
}

// hostOf accepts either a URL or a bare host[:port].
func hostOf(descriptor string) string {
	descriptor = strings.TrimSpace(descriptor)
	if descriptor == "" {
		return ""
	}
	if strings.Contains(descriptor, "://") {
		u, err := url.Parse(descriptor)
		if err != nil {
			return ""
		}
		return strings.ToLower(u.Hostname())
	}
	if h, _, ok := strings.Cut(descriptor, "/"); ok {
		descriptor = h
	}
	if u, err := url.Parse("//" + descriptor); err == nil && u.Hostname() != "" {
		return strings.ToLower(u.Hostname())
	}
	return strings.ToLower(descriptor)
}

func matchDomain(domains []string, host string) bool {
	for _, domain := range domains {
		domain = strings.ToLower(strings.TrimSpace(domain))
		if domain == "" {
			continue
		}
		if domain == "*" || host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

func isBlockedHost(host string, allowLoopback bool) bool {
	if host == "localhost" {
		return !allowLoopback
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return false // Not an IP address (e.g. a hostname).
	}
	if allowLoopback && ip.IsLoopback() {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}

// matchPath checks whether path lies within any of the prefixes.
func matchPath(prefixes []string, path string) bool {
	if len(prefixes) == 0 || strings.TrimSpace(path) == "" {
		return false
	}
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		// For new files, try resolving the parent directory.
		resolved, err = filepath.EvalSymlinks(filepath.Dir(path))
		if err != nil {
			resolved = filepath.Clean(path)
		} else {
			resolved = filepath.Join(resolved, filepath.Base(path))
		}
	}
	resolved, err = filepath.Abs(resolved)
	if err != nil {
		return false
	}
	for _, allowed := range prefixes {
		allowed = strings.TrimSpace(allowed)
		if allowed == "" {
			continue
		}
		allowedAbs, err := filepath.Abs(allowed)
		if err != nil {
			continue
		}
		// Resolve symlinks on the listed path as well (e.g. /var -> /private/var on macOS).
		if evalAllowed, evalErr := filepath.EvalSymlinks(allowedAbs); evalErr == nil {
			allowedAbs = evalAllowed
		}
		if resolved == allowedAbs || strings.HasPrefix(resolved, allowedAbs+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// commandPath resolves the program of a subprocess descriptor the way exec
// finds it, then follows symlinks. Unresolvable names are kept as written.
func commandPath(descriptor string) string {
	fields := strings.Fields(descriptor)
	if len(fields) == 0 {
		return ""
	}
	name := fields[0]
	if found, err := exec.LookPath(name); err == nil {
		name = found
	}
	if real, err := filepath.EvalSymlinks(name); err == nil {
		name = real
	}
	return name
}

// matchesCommand compares resolved programs, so "git" covers only the git
// on PATH and not some other file named git.
func matchesCommand(list []string, cmd string) bool {
	if cmd == "" {
		return false
	}
	for _, entry := range list {
		if commandPath(entry) == cmd {
			return true
		}
	}
	return false
}

func (p Policy) validate() error {
	for _, d := range append(append([]string(nil), p.AllowDomains...), p.DenyDomains...) {
		d = strings.TrimSpace(d)
		if strings.Contains(d, "/") {
			return fmt.Errorf("domain %q must not contain a path", d)
		}
	}
	for _, list := range [][]string{p.ReadPaths, p.WritePaths, p.DenyPaths} {
		for _, path := range list {
			if strings.TrimSpace(path) != "" && !filepath.IsAbs(strings.TrimSpace(path)) {
				return fmt.Errorf("policy path %q must be absolute", path)
			}
		}
	}
	return nil
}

// LivePolicy wraps a Policy with thread-safe reload.
type LivePolicy struct {
	mu   sync.RWMutex
	data Policy
}

// NewLivePolicy creates a LivePolicy from an initial Policy snapshot.
func NewLivePolicy(initial Policy) *LivePolicy {
	return &LivePolicy{data: initial}
}

// Decide is the thread-safe check used at runtime.
func (lp *LivePolicy) Decide(kind, access, descriptor string) Decision {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.Decide(kind, access, descriptor)
}

func (lp *LivePolicy) PolicyVersion() string {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return policyVersionFor(lp.data)
}

// Reload replaces the policy data from a fresh Policy snapshot.
func (lp *LivePolicy) Reload(p Policy) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.data = p
}

// Snapshot returns a copy of the current policy data.
func (lp *LivePolicy) Snapshot() Policy {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	cp := lp.data
	cp.AllowDomains = append([]string(nil), lp.data.AllowDomains...)
	cp.ReadPaths = append([]string(nil), lp.data.ReadPaths...)
	cp.WritePaths = append([]string(nil), lp.data.WritePaths...)
	cp.AllowEnv = append([]string(nil), lp.data.AllowEnv...)
	cp.AllowCommands = append([]string(nil), lp.data.AllowCommands...)
	cp.DenyDomains = append([]string(nil), lp.data.DenyDomains...)
	cp.DenyPaths = append([]string(nil), lp.data.DenyPaths...)
	cp.DenyCommands = append([]string(nil), lp.data.DenyCommands...)
	return cp
}

// ReloadFromFile updates the live policy only when the incoming file parses and validates.
// On error, the previous policy remains active.
func ReloadFromFile(lp *LivePolicy, path string) error {
	if lp == nil {
		return fmt.Errorf("nil live policy")
	}
	p, err := Load(path)
	if err != nil {
		return err
	}
	lp.Reload(p)
	return nil
}

func policyVersionFor(p Policy) string {
	h := fnv.New64a()
	lists := [][]string{p.AllowDomains, p.ReadPaths, p.WritePaths, p.AllowEnv, p.AllowCommands,
		p.DenyDomains, p.DenyPaths, p.DenyCommands}
	for i, list := range lists {
		_, _ = h.Write([]byte(strconv.Itoa(i) + ":"))
		for _, v := range list {
			_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(v)) + "|"))
		}
	}
	if p.AllowLoopback {
		_, _ = h.Write([]byte("allow_loopback=true|"))
	}
	if p.AllowSystem {
		_, _ = h.Write([]byte("allow_system=true|"))
	}
	return "policy-" + strconv.FormatUint(h.Sum64(), 16)
}
