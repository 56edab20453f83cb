package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/basket/powblocs/internal/policy"
)

func main() {
	p, err := policy.Load(filepath.Join(os.TempDir(), "powblocs-missing-policy.yaml"))
	if err != nil {
		fmt.Printf("load_error=%v\n", err)
		os.Exit(1)
	}

	ok := true
	expect := func(name string, got, want policy.Decision) {
		fmt.Printf("%s=%s\n", name, got)
		if got != want {
			ok = false
		}
	}

	// A missing policy pre-approves nothing; every request reaches the operator.
	expect("default_network", p.Decide("network", "connect", "https://example.com"), policy.Ask)
	expect("default_file_read", p.Decide("file", "read", "/etc/passwd"), policy.Ask)
	expect("default_env", p.Decide("env", "get", "HOME"), policy.Ask)
	expect("default_subprocess", p.Decide("subprocess", "run", "ls -la"), policy.Ask)
	expect("default_system", p.Decide("system", "info", "hostname"), policy.Ask)

	dir, err := os.MkdirTemp("", "powblocs-policy-verify-*")
	if err != nil {
		fmt.Printf("mktemp_error=%v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(dir)

	policyPath := filepath.Join(dir, "policy.yaml")
	valid := "allow_domains:\n  - api.weather.com\nread_paths:\n  - /srv/data\ndeny_commands:\n  - rm\n"
	if err := os.WriteFile(policyPath, []byte(valid), 0o644); err != nil {
		fmt.Printf("write_valid_error=%v\n", err)
		os.Exit(1)
	}
	initial, err := policy.Load(policyPath)
	if err != nil {
		fmt.Printf("load_valid_error=%v\n", err)
		os.Exit(1)
	}
	live := policy.NewLivePolicy(initial)
	version := live.PolicyVersion()

	invalid := "read_paths:\n  - relative/path\n"
	if err := os.WriteFile(policyPath, []byte(invalid), 0o644); err != nil {
		fmt.Printf("write_invalid_error=%v\n", err)
		os.Exit(1)
	}
	reloadErr := policy.ReloadFromFile(live, policyPath)
	fmt.Printf("reload_error_present=%v\n", reloadErr != nil)
	if reloadErr == nil {
		ok = false
	}

	expect("retain_previous_domain", live.Decide("network", "connect", "https://api.weather.com/v3/current"), policy.Allow)
	expect("retain_previous_path", live.Decide("file", "read", "/srv/data/report.csv"), policy.Allow)
	expect("retain_previous_deny", live.Decide("subprocess", "run", "rm -rf /"), policy.Deny)
	fmt.Printf("version_unchanged=%v\n", live.PolicyVersion() == version)
	if live.PolicyVersion() != version {
		ok = false
	}

	if !ok {
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}
