package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/basket/powblocs/internal/audit"
	"github.com/basket/powblocs/internal/bus"
	"github.com/basket/powblocs/internal/config"
	"github.com/basket/powblocs/internal/datastore"
	"github.com/basket/powblocs/internal/engine"
	"github.com/basket/powblocs/internal/otel"
	"github.com/basket/powblocs/internal/permission"
	"github.com/basket/powblocs/internal/policy"
	"github.com/basket/powblocs/internal/sandbox"
	"github.com/basket/powblocs/internal/sandbox/script"
	"github.com/basket/powblocs/internal/sandbox/wasm"
	"github.com/basket/powblocs/internal/taskstore"
)

const defaultPolicyYAML = `# powblocs policy
#
# Requests matching an allow list run without a prompt. Requests matching a
# deny list are refused without a prompt. Deny wins. Everything else is put to
# the operator. Paths must be absolute.

allow_domains: []
allow_loopback: false
read_paths: []
write_paths: []
allow_env: []
allow_commands: []
allow_system: false

deny_domains: []
deny_paths: []
deny_commands: []
`

// app holds everything a task run needs, shared by the daemon and the run
// subcommand.
type app struct {
	cfg    config.Config
	logger *slog.Logger

	bus       *bus.Bus
	otel      *otel.Provider
	metrics   *otel.Metrics
	store     *datastore.Client
	audit     *audit.Trail
	policy    *policy.LivePolicy
	gate      *permission.Gate
	engine    *engine.Engine
	container *sandbox.Container
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, bus: bus.New()}

	prov, err := otel.Init(ctx, otel.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("otel init: %w", err)
	}
	a.otel = prov
	if a.metrics, err = otel.NewMetrics(prov.Meter); err != nil {
		a.Close()
		return nil, fmt.Errorf("otel metrics: %w", err)
	}

	// Opened lazily; a broken file only fails db operations and audit rows.
	a.store = datastore.New(datastore.Options{
		Path:      cfg.DatastorePath(),
		Bootstrap: []string{audit.Schema},
		Logger:    logger,
	})

	auditHome := ""
	if cfg.Permission.AuditFile {
		auditHome = cfg.HomeDir
	}
	if a.audit, err = audit.Open(auditHome, logger); err != nil {
		a.Close()
		return nil, fmt.Errorf("audit open: %w", err)
	}
	a.audit.SetStore(a.store)

	policyPath := config.PolicyPath(cfg.HomeDir)
	if _, statErr := os.Stat(policyPath); os.IsNotExist(statErr) {
		if writeErr := os.WriteFile(policyPath, []byte(defaultPolicyYAML), 0o644); writeErr != nil {
			a.Close()
			return nil, fmt.Errorf("policy bootstrap: %w", writeErr)
		}
		logger.Info("policy.yaml bootstrapped with defaults", "path", policyPath)
	}
	pol, err := policy.Load(policyPath)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("policy load: %w", err)
	}
	a.policy = policy.NewLivePolicy(pol)
	logger.Info("startup phase", "phase", "policy_loaded", "policy_version", a.policy.PolicyVersion())

	a.gate = permission.NewGate(permission.Options{
		Policy:        a.policy,
		Audit:         a.audit,
		Bus:           a.bus,
		Logger:        logger,
		PromptTimeout: time.Duration(cfg.Permission.PromptTimeoutSeconds) * time.Second,
	})

	if err := os.MkdirAll(cfg.Sandbox.WorkDir, 0o755); err != nil {
		a.Close()
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	caps := &sandbox.Capabilities{
		WorkDir:     cfg.Sandbox.WorkDir,
		ExecTimeout: time.Duration(cfg.Sandbox.ExecTimeoutSeconds) * time.Second,
	}
	if cfg.Sandbox.Docker.Enabled {
		c, err := sandbox.NewContainer(cfg.Sandbox.Docker.Image, cfg.Sandbox.Docker.MemoryMB, cfg.Sandbox.Docker.Network, cfg.Sandbox.WorkDir)
		if err != nil {
			logger.Warn("failed to init docker sandbox, falling back to host", "error", err)
		} else {
			a.container = c
			caps.Container = c
			logger.Info("container exec enabled", "image", cfg.Sandbox.Docker.Image)
		}
	}

	// wasm matches on its header, so it goes before the catch-all script engine.
	engines := []sandbox.Engine{
		wasm.New(wasm.Config{Caps: caps, MemoryLimitPages: cfg.Sandbox.WASM.MemoryLimitPages}),
		script.New(script.Config{Caps: caps}),
	}
	a.engine = engine.New(taskstore.New(a.bus), a.gate, engines, engine.Config{
		MaxConcurrentTasks: cfg.MaxConcurrentTasks,
		TaskTimeout:        time.Duration(cfg.TaskTimeoutSeconds) * time.Second,
		Bus:                a.bus,
		Logger:             logger,
		Tracer:             prov.Tracer,
		Metrics:            a.metrics,
	})
	return a, nil
}

// reloadPolicy re-reads policy.yaml. A file that fails to parse leaves the
// previous policy active.
func (a *app) reloadPolicy() error {
	before := a.policy.PolicyVersion()
	if err := policy.ReloadFromFile(a.policy, config.PolicyPath(a.cfg.HomeDir)); err != nil {
		return err
	}
	after := a.policy.PolicyVersion()
	if after != before {
		a.bus.Publish(bus.TopicPolicyReloaded, bus.PolicyReloadedEvent{PolicyVersion: after})
		a.logger.Info("policy reloaded", "policy_version", after)
	}
	return nil
}

// watchConfig applies policy.yaml edits live. config.yaml edits need a restart.
func (a *app) watchConfig(ctx context.Context) error {
	w := config.NewWatcher(a.cfg.HomeDir, a.logger)
	if err := w.Start(ctx); err != nil {
		return err
	}
	go func() {
		for ev := range w.Events() {
			if !ev.IsPolicy() {
				a.logger.Warn("config.yaml changed; restart to apply", "path", ev.Path)
				continue
			}
			if err := a.reloadPolicy(); err != nil {
				a.logger.Error("policy reload rejected; keeping previous policy", "error", err)
			}
		}
	}()
	return nil
}

func (a *app) Close() error {
	var errs []error
	if a.container != nil {
		errs = append(errs, a.container.Close())
	}
	if a.audit != nil {
		errs = append(errs, a.audit.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.otel != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, a.otel.Shutdown(shutdownCtx))
		cancel()
	}
	return errors.Join(errs...)
}
