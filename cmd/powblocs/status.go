package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/basket/powblocs/internal/config"
	flag "github.com/spf13/pflag"
)

type healthReport struct {
	Healthy       bool   `json:"healthy"`
	DBOK          bool   `json:"db_ok"`
	PolicyVersion string `json:"policy_version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

func healthURL(bindAddr string) string {
	addr := strings.TrimSpace(bindAddr)
	if addr == "" {
		addr = "127.0.0.1:18790"
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/") + "/healthz"
	}
	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		// A wildcard bind is reached over loopback.
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		addr = net.JoinHostPort(host, port)
	}
	return "http://" + addr + "/healthz"
}

func runStatusCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	jsonOutput := fs.Bool("json", false, "print the raw /healthz body")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "usage: powblocs status [--json]")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, healthURL(cfg.BindAddr), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request: %v\n", err)
		return 1
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	var report healthReport
	if *jsonOutput || json.Unmarshal(body, &report) != nil {
		_, _ = os.Stdout.Write(body)
		if len(body) == 0 || body[len(body)-1] != '\n' {
			_, _ = os.Stdout.Write([]byte("\n"))
		}
	} else {
		fmt.Printf("healthy: %t\ndatastore: %s\npolicy: %s\nuptime: %s\n",
			report.Healthy, okText(report.DBOK), report.PolicyVersion,
			time.Duration(report.UptimeSeconds)*time.Second)
	}
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}

func okText(ok bool) string {
	if ok {
		return "ok"
	}
	return "unavailable"
}
