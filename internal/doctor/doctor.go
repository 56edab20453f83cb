package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/powblocs/internal/config"
	"github.com/basket/powblocs/internal/datastore"
	"github.com/basket/powblocs/internal/policy"
	"github.com/basket/powblocs/internal/sandbox"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkPolicy,
		checkDatastore,
		checkPermissions,
		checkDocker,
		checkBindAddr,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if _, err := os.Stat(config.ConfigPath(cfg.HomeDir)); os.IsNotExist(err) {
		return CheckResult{Name: "Config", Status: "PASS", Message: "No config.yaml, using defaults", Detail: cfg.HomeDir}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkPolicy(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Policy", Status: "SKIP", Message: "Config missing"}
	}
	path := config.PolicyPath(cfg.HomeDir)
	p, err := policy.Load(path)
	if err != nil {
		return CheckResult{Name: "Policy", Status: "FAIL", Message: fmt.Sprintf("Invalid policy.yaml: %v", err)}
	}
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		return CheckResult{Name: "Policy", Status: "WARN", Message: "No policy.yaml; every sensitive request prompts the operator"}
	}
	return CheckResult{Name: "Policy", Status: "PASS", Message: "Policy valid", Detail: "version " + p.PolicyVersion()}
}

func checkDatastore(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Datastore", Status: "SKIP", Message: "Config missing"}
	}
	client := datastore.New(datastore.Options{Path: cfg.DatastorePath()})
	defer client.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx); err != nil {
		return CheckResult{Name: "Datastore", Status: "FAIL", Message: fmt.Sprintf("Connection failed: %v", err), Detail: cfg.DatastorePath()}
	}
	return CheckResult{Name: "Datastore", Status: "PASS", Message: "Connection valid", Detail: cfg.DatastorePath()}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	for _, dir := range []string{cfg.HomeDir, cfg.Sandbox.WorkDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Cannot create %s: %v", dir, err)}
		}
		testFile := filepath.Join(dir, ".write_test")
		if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
			return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("%s unwritable: %v", dir, err)}
		}
		os.Remove(testFile)
	}

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home and work directories writable"}
}

func checkDocker(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || !cfg.Sandbox.Docker.Enabled {
		return CheckResult{Name: "Docker", Status: "SKIP", Message: "Container exec disabled"}
	}
	c, err := sandbox.NewContainer(cfg.Sandbox.Docker.Image, cfg.Sandbox.Docker.MemoryMB, cfg.Sandbox.Docker.Network, cfg.Sandbox.WorkDir)
	if err != nil {
		return CheckResult{Name: "Docker", Status: "FAIL", Message: err.Error()}
	}
	defer c.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx); err != nil {
		return CheckResult{Name: "Docker", Status: "FAIL", Message: "Daemon unreachable", Detail: err.Error()}
	}
	return CheckResult{Name: "Docker", Status: "PASS", Message: "Daemon reachable", Detail: "image " + cfg.Sandbox.Docker.Image}
}

func checkBindAddr(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Gateway", Status: "SKIP", Message: "Config missing"}
	}
	host, _, err := net.SplitHostPort(cfg.BindAddr)
	if err != nil {
		return CheckResult{Name: "Gateway", Status: "FAIL", Message: fmt.Sprintf("Invalid bind_addr %q: %v", cfg.BindAddr, err)}
	}
	if !IsLoopback(host) && len(cfg.AllowOrigins) == 0 {
		return CheckResult{
			Name:    "Gateway",
			Status:  "WARN",
			Message: fmt.Sprintf("%s is reachable off-host with no allow_origins", cfg.BindAddr),
			Detail:  "Browser clients will be limited to same-origin",
		}
	}
	return CheckResult{Name: "Gateway", Status: "PASS", Message: "Listening on " + cfg.BindAddr}
}

// IsLoopback reports whether host names the local machine.
func IsLoopback(host string) bool {
	h := strings.TrimSpace(strings.ToLower(host))
	if h == "localhost" {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
