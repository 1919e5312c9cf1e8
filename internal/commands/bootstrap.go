package commands

import (
	"database/sql"
	"log/slog"
	"os"

	"github.com/dotcommander/forge/internal/app"
	"github.com/dotcommander/forge/internal/container"
	"github.com/dotcommander/forge/internal/monitor"
	"github.com/dotcommander/forge/internal/notify"
	"github.com/dotcommander/forge/internal/registry"
	"github.com/dotcommander/forge/internal/sandbox"
)

// containerdSocketEnv names the environment variable carrying the
// containerd socket path. Dialing is attempted only when it is set:
// most commands run against worktree-mode tasks and shouldn't fail just
// because no container runtime is reachable.
const containerdSocketEnv = "FORGE_CONTAINERD_SOCKET"

// newOrchestrator wires the Sandbox Manager, Child Registry, Exit Monitor,
// and Orchestrator together for one CLI invocation's lifetime.
func newOrchestrator(db *sql.DB, repoDir string) (*Orchestrator, func()) {
	logger := slog.Default()

	var containers *container.Client
	closeContainers := func() {}
	if socket := os.Getenv(containerdSocketEnv); socket != "" {
		if c, err := container.Dial(socket); err != nil {
			logger.Warn("containerd dial failed, container-mode attempts will error", "socket", socket, "error", err)
		} else {
			containers = c
			closeContainers = func() { _ = c.Close() }
		}
	}

	mgr := sandbox.New(repoDir, containers)
	reg := registry.New()
	orc := NewOrchestrator(db, mgr, reg, containers, logger)
	notifier := notify.FromEnv(os.Getenv("FORGE_SLACK_WEBHOOK"), logger)
	mon := monitor.New(db, reg, notifier, orc, logger, os.Getenv("FORGE_ANALYTICS") != "")
	orc.AttachMonitor(mon)

	return orc, closeContainers
}

// withOrchestrator opens the database and wires an Orchestrator against the
// resolved repository directory for the lifetime of fn, mirroring withDB's
// open/defer-close shape.
func withOrchestrator(fn func(db *DB, orc *Orchestrator) error) error {
	return withDB(func(db *DB) error {
		repoDir, err := app.GetRepoDir()
		if err != nil {
			return err
		}
		orc, closeContainers := newOrchestrator(db, repoDir)
		defer closeContainers()
		return fn(db, orc)
	})
}
