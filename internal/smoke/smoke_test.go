package smoke

import (
	"bytes"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func moduleRoot(t *testing.T) string {
	t.Helper()

	cmd := exec.Command("go", "env", "GOMOD")
	out, err := cmd.Output()
	if err != nil {
		t.Fatalf("go env GOMOD: %v", err)
	}
	gomod := strings.TrimSpace(string(out))
	if gomod == "" || gomod == os.DevNull {
		t.Fatalf("go env GOMOD returned %q; expected path to go.mod", gomod)
	}
	return filepath.Dir(gomod)
}

func buildBinary(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("builds the binary")
	}
	root := moduleRoot(t)
	outPath := filepath.Join(t.TempDir(), "powblocs")
	cmd := exec.Command("go", "build", "-o", outPath, "./cmd/powblocs")
	cmd.Dir = root
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Run(); err != nil {
		t.Fatalf("go build ./cmd/powblocs failed: %v\n%s", err, buf.String())
	}
	return outPath
}

func pickFreeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("pick free addr: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func env(home, addr string) []string {
	vars := append(os.Environ(), "POWBLOCS_HOME="+home, "POWBLOCS_NO_TUI=1")
	if addr != "" {
		vars = append(vars, "POWBLOCS_BIND_ADDR="+addr)
	}
	return vars
}

func TestSmoke_BuildsSingleBinary(t *testing.T) {
	bin := buildBinary(t)
	fi, err := os.Stat(bin)
	if err != nil {
		t.Fatalf("stat built binary: %v", err)
	}
	if fi.Size() <= 0 {
		t.Fatalf("built binary has unexpected size %d", fi.Size())
	}

	out, err := exec.Command(bin, "version").Output()
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if strings.TrimSpace(string(out)) == "" {
		t.Fatal("version printed nothing")
	}
}
