package main

import (
	"fmt"
	"time"

	"github.com/michaelbrown/codebuddy/internal/config"
	"github.com/michaelbrown/codebuddy/internal/engine"
	"github.com/michaelbrown/codebuddy/internal/logging"
	"github.com/michaelbrown/codebuddy/internal/sandbox"
	"github.com/michaelbrown/codebuddy/internal/sandbox/docker"
	"github.com/michaelbrown/codebuddy/internal/sandbox/interp"
	"github.com/michaelbrown/codebuddy/internal/sandbox/scratch"
	"github.com/michaelbrown/codebuddy/internal/session"
	"github.com/michaelbrown/codebuddy/internal/storage"
	"github.com/michaelbrown/codebuddy/internal/storage/sqlite"
)

// staleScratchMargin is added to the exec timeout before a scratch directory
// counts as abandoned.
const staleScratchMargin = 5 * time.Minute

// openExecutor builds the configured executor. The returned func releases
// the daemon connection, if any.
func openExecutor(c *config.Config) (sandbox.Executor, func() error, error) {
	log := logging.For("sandbox")
	noop := func() error { return nil }

	root, err := scratch.NewRoot(c.Sandbox.ScratchDir)
	if err != nil {
		return nil, nil, fmt.Errorf("scratch dir: %w", err)
	}
	// serve, run and mcp may share a root, so only sweep directories no
	// live session can still own.
	if n, err := root.Sweep(c.Sandbox.ExecTimeout + staleScratchMargin); err != nil {
		log.Warnf("sweeping stale scratch dirs: %v", err)
	} else if n > 0 {
		log.Infof("removed %d stale scratch dirs", n)
	}

	switch c.Sandbox.Executor {
	case config.ExecutorInProcess:
		return interp.New(root,
			interp.WithLogger(log.WithField("executor", interp.Name)),
			interp.WithLuaCallStackSize(c.Sandbox.LuaCallStack),
			interp.WithJSCallStackSize(c.Sandbox.JSCallStack),
		), noop, nil

	case config.ExecutorContainer:
		cat, err := c.Sandbox.Catalog()
		if err != nil {
			return nil, nil, err
		}
		policy, err := c.Sandbox.Policy(cat)
		if err != nil {
			return nil, nil, err
		}
		cli, err := docker.NewClient()
		if err != nil {
			return nil, nil, fmt.Errorf("docker client: %w", err)
		}
		exec := docker.New(cli, root, docker.Options{
			Catalog:      cat,
			Policy:       policy,
			InputTimeout: c.Sandbox.InputTimeout,
			Logger:       log.WithField("executor", docker.Name),
		})
		return exec, cli.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown executor %q", c.Sandbox.Executor)
}

func newEngine(c *config.Config, exec sandbox.Executor, onFinish func(engine.Summary)) *engine.Orchestrator {
	registry := session.NewRegistry()
	return engine.New(engine.Options{
		Registry:    registry,
		Bridge:      session.NewBridge(registry, c.Sandbox.InputTimeout),
		Executor:    exec,
		ExecTimeout: c.Sandbox.ExecTimeout,
		OnFinish:    onFinish,
		Logger:      logging.For("engine"),
	})
}

func openStore(c *config.Config) (storage.Store, error) {
	store, err := sqlite.Open(c.Storage.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	return store, nil
}
