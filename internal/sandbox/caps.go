package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/powblocs/internal/permission"
)

const (
	maxHTTPBody      = 1 << 20
	maxHTTPRedirects = 5
	maxExecOutput    = 1 << 20
)

// ExecResult is the outcome of a subprocess capability call.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Capabilities implements the sensitive host operations scripts can reach.
// Every method asks the Host first and touches nothing when refused.
type Capabilities struct {
	// WorkDir anchors relative paths and is exposed as DirPath.
	WorkDir     string
	HTTPClient  *http.Client
	ExecTimeout time.Duration
	// Container, when set, runs subprocesses in docker instead of on the host.
	Container *Container
}

// DirPath returns the working directory scripts may treat as their own.
func (c *Capabilities) DirPath() string {
	return c.WorkDir
}

// resolve makes path absolute against WorkDir and follows symlinks, so the
// descriptor a Host approves is the file actually touched. Missing trailing
// elements are kept as written under their deepest existing ancestor.
func (c *Capabilities) resolve(path string) string {
	if path != "" && !filepath.IsAbs(path) && c.WorkDir != "" {
		path = filepath.Join(c.WorkDir, path)
	}
	path = filepath.Clean(path)
	rest := ""
	for dir := path; ; {
		if real, err := filepath.EvalSymlinks(dir); err == nil {
			return filepath.Join(real, rest)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return path
		}
		rest = filepath.Join(filepath.Base(dir), rest)
		dir = parent
	}
}

func (c *Capabilities) ReadFile(ctx context.Context, h Host, path string) (string, error) {
	path = c.resolve(path)
	if err := h.Check(ctx, permission.KindFile, permission.AccessRead, path); err != nil {
		return "", err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(b), nil
}

func (c *Capabilities) WriteFile(ctx context.Context, h Host, path, data string) error {
	path = c.resolve(path)
	if err := h.Check(ctx, permission.KindFile, permission.AccessWrite, path); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func (c *Capabilities) ReadDir(ctx context.Context, h Host, path string) ([]string, error) {
	path = c.resolve(path)
	if err := h.Check(ctx, permission.KindFile, permission.AccessRead, path); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("read dir %s: %w", path, err)
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	return names, nil
}

func (c *Capabilities) Getenv(ctx context.Context, h Host, name string) (string, error) {
	if err := h.Check(ctx, permission.KindEnv, permission.AccessGet, name); err != nil {
		return "", err
	}
	return os.Getenv(name), nil
}

func (c *Capabilities) Hostname(ctx context.Context, h Host) (string, error) {
	if err := h.Check(ctx, permission.KindSystem, permission.AccessInfo, "hostname"); err != nil {
		return "", err
	}
	return os.Hostname()
}

// HTTPGet fetches url and returns at most 1 MiB of the body. Non-2xx
// statuses are errors. Every redirect hop is checked like the first URL.
func (c *Capabilities) HTTPGet(ctx context.Context, h Host, url string) (string, error) {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return "", fmt.Errorf("http get: unsupported url %q", url)
	}
	if err := h.Check(ctx, permission.KindNetwork, permission.AccessConnect, url); err != nil {
		return "", err
	}
	client := &http.Client{Timeout: 30 * time.Second}
	if c.HTTPClient != nil {
		clone := *c.HTTPClient
		client = &clone
	}
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxHTTPRedirects {
			return fmt.Errorf("stopped after %d redirects", maxHTTPRedirects)
		}
		return h.Check(req.Context(), permission.KindNetwork, permission.AccessConnect, req.URL.String())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("http get: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPBody))
	if err != nil {
		return "", fmt.Errorf("http get: read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("http get: status %d", resp.StatusCode)
	}
	return string(body), nil
}

// Exec runs a program with arguments. No shell is involved.
func (c *Capabilities) Exec(ctx context.Context, h Host, name string, args []string) (ExecResult, error) {
	if strings.TrimSpace(name) == "" {
		return ExecResult{}, fmt.Errorf("exec: empty command")
	}
	argv := append([]string{name}, args...)
	if err := h.Check(ctx, permission.KindSubprocess, permission.AccessRun, strings.Join(argv, " ")); err != nil {
		return ExecResult{}, err
	}

	timeout := c.ExecTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if c.Container != nil {
		stdout, stderr, code, err := c.Container.Exec(ctx, argv)
		if err != nil {
			return ExecResult{}, fmt.Errorf("exec %s: %w", name, err)
		}
		return ExecResult{Stdout: stdout, Stderr: stderr, ExitCode: code}, nil
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = c.WorkDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdout, n: maxExecOutput}
	cmd.Stderr = &limitedWriter{w: &stderr, n: maxExecOutput}
	err := cmd.Run()
	res := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("exec %s: %w", name, err)
	}
	return res, nil
}

// limitedWriter discards output past n bytes without failing the command.
type limitedWriter struct {
	w io.Writer
	n int
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	if l.n <= 0 {
		return len(p), nil
	}
	chunk := p
	if len(chunk) > l.n {
		chunk = chunk[:l.n]
	}
	written, err := l.w.Write(chunk)
	l.n -= written
	if err != nil {
		return written, err
	}
	return len(p), nil
}
