package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/powblocs/internal/channels"
	"github.com/basket/powblocs/internal/config"
	"github.com/basket/powblocs/internal/doctor"
	"github.com/basket/powblocs/internal/gateway"
	"github.com/basket/powblocs/internal/telemetry"
	"github.com/basket/powblocs/internal/tui"
	"github.com/mattn/go-isatty"
	flag "github.com/spf13/pflag"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage(w io.Writer, fs *flag.FlagSet) {
	name := os.Args[0]
	fmt.Fprintf(w, `Usage of %s:

INTERACTIVE MODE (default):
  %s                          Start the task console

DAEMON MODE:
  %s --daemon                 Serve the gateway without the console, logs to stdout

SUBCOMMANDS:
  %s run [flags] <file>       Run one script, answering prompts on stdin
  %s status                   Show daemon health status (/healthz)
  %s doctor [--json]          Run diagnostic checks
  %s version                  Print the version

FLAGS:
`, name, name, name, name, name, name, name)
	fs.SetOutput(w)
	fs.PrintDefaults()
	fmt.Fprintf(w, `
ENVIRONMENT VARIABLES:
  POWBLOCS_HOME           Data directory (default: ~/.powblocs)
  POWBLOCS_NO_TUI         Set to 1 to disable the console
  POWBLOCS_AUTH_TOKEN     Gateway token (default: generated into auth.token)
`)
}

func main() {
	fs := flag.NewFlagSet("powblocs", flag.ContinueOnError)
	// Flags after the subcommand belong to the subcommand.
	fs.SetInterspersed(false)
	daemon := fs.Bool("daemon", false, "run without the console, logs to stdout")
	home := fs.String("home", "", "data directory (overrides POWBLOCS_HOME)")
	bind := fs.String("bind", "", "gateway listen address (overrides bind_addr)")
	fs.Usage = func() { printUsage(os.Stderr, fs) }
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}
	if *home != "" {
		_ = os.Setenv("POWBLOCS_HOME", *home)
	}
	if *bind != "" {
		_ = os.Setenv("POWBLOCS_BIND_ADDR", *bind)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := fs.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help":
			printUsage(os.Stdout, fs)
			os.Exit(0)
		case "version":
			fmt.Println(Version)
			os.Exit(0)
		case "run":
			os.Exit(runRunCommand(ctx, args[1:], os.Stdin, os.Stdout, os.Stderr))
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
			printUsage(os.Stderr, fs)
			os.Exit(2)
		}
	}

	interactive := !*daemon && isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("POWBLOCS_NO_TUI") == ""
	os.Exit(serve(ctx, stop, interactive))
}

// serve runs the daemon until a signal arrives, the console quits, or the
// listener fails.
func serve(ctx context.Context, stop context.CancelFunc, interactive bool) int {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Quiet logs (file-only) in interactive mode so the console stays clean.
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, interactive)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "version", Version)
	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil && !doctor.IsLoopback(host) && len(cfg.AllowOrigins) == 0 {
		logger.Warn("allow_origins is empty on non-loopback bind; cross-origin browser connections will be rejected (same-origin only)", "bind_addr", cfg.BindAddr)
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		fatalStartup(logger, "E_RUNTIME_INIT", err)
	}
	defer a.Close()

	if err := a.watchConfig(ctx); err != nil {
		logger.Warn("config watcher unavailable; policy edits need a restart", "error", err)
	}

	authToken, err := gateway.LoadAuthToken(cfg.HomeDir)
	if err != nil {
		fatalStartup(logger, "E_AUTH_TOKEN", err)
	}

	gw, err := gateway.New(gateway.Config{
		Engine:             a.engine,
		Datastore:          a.store,
		Bus:                a.bus,
		Policy:             a.policy,
		Audit:              a.audit,
		Logger:             logger,
		Tracer:             a.otel.Tracer,
		Metrics:            a.metrics,
		AuthToken:          authToken,
		AllowOrigins:       cfg.AllowOrigins,
		ConfigFingerprint:  cfg.Fingerprint(),
		RateLimitPerMinute: cfg.Gateway.RateLimitPerMinute,
		RateLimitBurst:     cfg.Gateway.RateLimitBurst,
		MaxRequestBytes:    cfg.Gateway.MaxRequestBytes,
	})
	if err != nil {
		fatalStartup(logger, "E_GATEWAY_INIT", err)
	}
	defer gw.Close()
	gw.StartEviction(ctx)

	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			fatalStartup(logger, "E_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, portOccupantHint(cfg.BindAddr)))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	var remote []channels.Channel
	if tg := cfg.Channels.Telegram; tg.Enabled {
		remote = append(remote, channels.NewTelegramChannel(tg.Token, tg.AllowedIDs, a.engine, a.bus, logger))
	}
	channels.StartAll(ctx, logger, remote...)

	logger.Info("startup phase", "phase", "ready")

	if interactive {
		sub := a.bus.Subscribe("")
		go func() {
			defer a.bus.Unsubscribe(sub)
			if err := tui.Run(ctx, a.engine, sub.Ch()); err != nil && ctx.Err() == nil {
				logger.Error("console exited with error", "error", err)
			}
			stop()
		}()
	}

	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
		exitCode = 1
	}

	// Stop intake first, then let running tasks finish within the drain window.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	a.engine.Drain(time.Duration(cfg.DrainTimeoutSeconds) * time.Second)
	logger.Info("shutdown complete")
	return exitCode
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		return errors.Is(sysErr.Err, syscall.EADDRINUSE)
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	// lsof names the occupying process on macOS and Linux.
	out, err := execCommandFunc("lsof", "-ti", ":"+port).Output()
	if err == nil && strings.TrimSpace(string(out)) != "" {
		pids := strings.TrimSpace(string(out))
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}

var execCommandFunc = exec.Command
