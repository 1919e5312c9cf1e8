// Package reconcile implements the Reconciliation GC: a single background
// loop that keeps on-disk worktree state and the database's view of it
// converged, in three independent passes — orphan sweep, external-deletion
// reconcile, and expiry cleanup. Shaped after cuemby-warren's reconciler
// (ticker-driven run loop, one method per pass, errors logged and never
// propagated out of a cycle).
package reconcile

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dotcommander/forge/internal/git"
	"github.com/dotcommander/forge/internal/models"
	"github.com/dotcommander/forge/internal/sandbox"
	"github.com/dotcommander/forge/internal/store"
)

// DisableOrphanSweepEnv, when set to any non-empty value, disables the
// orphan sweep pass only; the other two passes still run.
const DisableOrphanSweepEnv = "DISABLE_WORKTREE_ORPHAN_CLEANUP"

const (
	tickInterval = 30 * time.Minute
	expiryAge    = 7 * 24 * time.Hour

	// expiryFanOut bounds how many attempts' sandbox teardown the expiry
	// pass tears down concurrently, so one tick doesn't spawn an unbounded
	// number of git/containerd calls against a large backlog.
	expiryFanOut = 4
)

// Reconciler runs the background GC loop.
type Reconciler struct {
	db      *sql.DB
	sandbox *sandbox.Manager
	repoDir string
	logger  *slog.Logger

	mu     sync.Mutex
	stopCh chan struct{}
}

// New returns a Reconciler that sweeps worktrees under repoDir.
func New(db *sql.DB, mgr *sandbox.Manager, repoDir string, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{db: db, sandbox: mgr, repoDir: repoDir, logger: logger, stopCh: make(chan struct{})}
}

// Start runs the GC loop in the background: once immediately, then every
// tickInterval, until Stop is called or ctx is canceled.
func (r *Reconciler) Start(ctx context.Context) {
	go r.run(ctx)
}

// Stop ends the background loop.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-r.stopCh:
		// already stopped
	default:
		close(r.stopCh)
	}
}

func (r *Reconciler) run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	r.logger.Info("reconciler started", "tick_interval", tickInterval)
	r.cycle(ctx)

	for {
		select {
		case <-ticker.C:
			r.cycle(ctx)
		case <-r.stopCh:
			r.logger.Info("reconciler stopped")
			return
		case <-ctx.Done():
			r.logger.Info("reconciler stopped", "reason", ctx.Err())
			return
		}
	}
}

// cycle runs all three passes once. Each pass's failures are logged and do
// not interrupt the others.
func (r *Reconciler) cycle(ctx context.Context) {
	if os.Getenv(DisableOrphanSweepEnv) == "" {
		if err := r.sweepOrphans(ctx); err != nil {
			r.logger.Error("orphan sweep failed", "error", err)
		}
	}
	if err := r.reconcileExternalDeletions(ctx); err != nil {
		r.logger.Error("external-deletion reconcile failed", "error", err)
	}
	if err := r.cleanupExpired(ctx); err != nil {
		r.logger.Error("expiry cleanup failed", "error", err)
	}
}

// sweepOrphans deletes worktree directories on disk that no attempt
// references as its container_ref.
func (r *Reconciler) sweepOrphans(ctx context.Context) error {
	base := git.WorktreeBaseDir(r.repoDir)
	entries, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reconcile: list worktree base dir: %w", err)
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(base, e.Name())
		exists, err := store.ContainerRefExists(ctx, r.db, path)
		if err != nil {
			r.logger.Error("orphan sweep: check container ref", "path", path, "error", err)
			continue
		}
		if exists {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			r.logger.Error("orphan sweep: remove directory", "path", path, "error", err)
			continue
		}
		r.logger.Info("orphan sweep: removed unreferenced worktree", "path", path)
	}
	return nil
}

// reconcileExternalDeletions marks worktree_deleted for active,
// worktree-mode attempts whose directory has vanished from under the
// database's feet (e.g. a human operator ran `git worktree remove` by hand).
func (r *Reconciler) reconcileExternalDeletions(ctx context.Context) error {
	attempts, err := store.FindByWorktreeDeleted(ctx, r.db, false)
	if err != nil {
		return fmt.Errorf("reconcile: find active attempts: %w", err)
	}

	for _, a := range attempts {
		if models.IsContainerRef(a.ContainerRef) {
			continue
		}
		if _, err := os.Stat(a.ContainerRef); err == nil {
			continue
		}
		if err := store.MarkWorktreeDeleted(ctx, r.db, a.ID); err != nil {
			r.logger.Error("external-deletion reconcile: mark deleted", "attempt_id", a.ID, "error", err)
			continue
		}
		r.logger.Info("external-deletion reconcile: marked worktree deleted", "attempt_id", a.ID, "path", a.ContainerRef)
	}
	return nil
}

// cleanupExpired removes the sandbox for, and marks worktree_deleted on,
// attempts whose last activity predates expiryAge.
func (r *Reconciler) cleanupExpired(ctx context.Context) error {
	attempts, err := store.FindExpiredForCleanup(ctx, r.db, time.Now().Add(-expiryAge))
	if err != nil {
		return fmt.Errorf("reconcile: find expired attempts: %w", err)
	}

	// Each attempt's sandbox teardown is independent I/O (git worktree
	// removal or a containerd stop call); fan them out bounded by
	// expiryFanOut rather than tearing the backlog down one at a time.
	g := new(errgroup.Group)
	g.SetLimit(expiryFanOut)
	for _, a := range attempts {
		a := a
		g.Go(func() error {
			if err := r.sandbox.Delete(ctx, a); err != nil {
				r.logger.Error("expiry cleanup: delete sandbox (non-fatal)", "attempt_id", a.ID, "error", err)
			}
			if err := store.MarkWorktreeDeleted(ctx, r.db, a.ID); err != nil {
				r.logger.Error("expiry cleanup: mark deleted", "attempt_id", a.ID, "error", err)
				return nil
			}
			r.logger.Info("expiry cleanup: retired expired attempt", "attempt_id", a.ID)
			return nil
		})
	}
	_ = g.Wait()
	return nil
}
