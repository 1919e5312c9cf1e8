// Package diffproj implements the Diff Projector: it samples an attempt's
// sandbox for its current diff against its base branch, then watches the
// worktree via a debounced filesystem watcher and streams incremental
// add_diff/remove_diff patches until the subscriber drops.
package diffproj

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dotcommander/forge/internal/git"
	"github.com/dotcommander/forge/internal/models"
	"github.com/dotcommander/forge/internal/sandbox"
)

// ErrSandboxMissing mirrors sandbox.ErrSandboxMissing for callers that only
// import this package.
var ErrSandboxMissing = sandbox.ErrSandboxMissing

// PatchKind discriminates a diff patch event.
type PatchKind string

// Patch kinds.
const (
	PatchKindAddDiff    PatchKind = "add_diff"
	PatchKindRemoveDiff PatchKind = "remove_diff"
	PatchKindFinished   PatchKind = "finished"
)

// Patch is one emitted event in a diff stream, keyed by an escaped
// (JSON-pointer-safe) file path.
type Patch struct {
	Kind PatchKind
	Path string // RFC 6901 JSON-pointer escaped
	Diff git.FileDiff
}

// EscapePath applies RFC 6901 JSON-pointer token escaping ("~" -> "~0",
// "/" -> "~1") to a forward-slash-normalized relative path, for callers
// (e.g. a cache replaying previously-seen diffs) that build a Patch
// outside of Subscribe's own stream.
func EscapePath(p string) string {
	p = filepath.ToSlash(p)
	p = strings.ReplaceAll(p, "~", "~0")
	p = strings.ReplaceAll(p, "/", "~1")
	return p
}

func escapePath(p string) string { return EscapePath(p) }

// debounceWindow batches filesystem events before recomputing diffs, so a
// multi-file save (editor atomic-rename patterns included) produces one
// recompute instead of one per fsnotify event.
const debounceWindow = 150 * time.Millisecond

// Target describes what to project: a live worktree with its base branch,
// or (when Merged is set) a finished merge commit.
type Target struct {
	WorktreePath string
	Branch       string
	BaseBranch   string

	Merged       bool
	MergeCommit  string
	RepoDir      string
}

// Subscribe streams the diff patches for target onto ch until ctx is
// canceled, implementing all three regimes from the Diff Projector
// contract. ch is closed when the stream ends (merged-and-quiescent
// regime, or ctx cancellation in the live regime).
func Subscribe(ctx context.Context, mgr *sandbox.Manager, attempt *models.TaskAttempt, target Target) (<-chan Patch, error) {
	ch := make(chan Patch, 64)

	// Regime 1: merged and quiescent.
	if target.Merged {
		clean, err := mgr.IsClean(attempt)
		if err != nil {
			return nil, fmt.Errorf("diffproj: check clean: %w", err)
		}
		ahead := 0
		if target.WorktreePath != "" {
			ahead, _, err = git.NewRepo(target.RepoDir).GetBranchStatus(target.Branch, target.BaseBranch)
			if err != nil {
				return nil, fmt.Errorf("diffproj: check branch status: %w", err)
			}
		}
		if clean && ahead == 0 {
			go emitCommitSnapshotThenFinish(ch, target)
			return ch, nil
		}
	}

	// Regime 2: missing sandbox.
	if err := mgr.EnsureExists(attempt); err != nil {
		return nil, fmt.Errorf("diffproj: %w", err)
	}

	// Regime 3: live.
	go runLive(ctx, ch, target)
	return ch, nil
}

func emitCommitSnapshotThenFinish(ch chan<- Patch, target Target) {
	defer close(ch)
	diffs, err := git.GetDiffs(git.DiffTarget{RepoDir: target.RepoDir, SHA: target.MergeCommit}, "")
	if err != nil {
		return
	}
	for _, d := range diffs {
		ch <- Patch{Kind: PatchKindAddDiff, Path: escapePath(d.Path), Diff: d}
	}
	ch <- Patch{Kind: PatchKindFinished}
}

func runLive(ctx context.Context, ch chan<- Patch, target Target) {
	defer close(ch)

	current := make(map[string]bool) // path -> has a diff right now

	emit := func(pathFilter string) {
		diffs, err := git.GetDiffs(git.DiffTarget{WorktreePath: target.WorktreePath, Branch: target.Branch, Base: target.BaseBranch}, pathFilter)
		if err != nil {
			return
		}
		seen := make(map[string]bool, len(diffs))
		for _, d := range diffs {
			seen[d.Path] = true
			current[d.Path] = true
			select {
			case ch <- Patch{Kind: PatchKindAddDiff, Path: escapePath(d.Path), Diff: d}:
			case <-ctx.Done():
				return
			}
		}
	}

	// Initial snapshot: every file with a diff against base.
	emit("")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return
	}
	defer func() { _ = watcher.Close() }()
	if err := addRecursive(watcher, target.WorktreePath); err != nil {
		return
	}

	var pending map[string]bool
	var timer *time.Timer
	flush := func() {
		if len(pending) == 0 {
			return
		}
		changed := pending
		pending = nil

		diffs, err := git.GetDiffs(git.DiffTarget{WorktreePath: target.WorktreePath, Branch: target.Branch, Base: target.BaseBranch}, "")
		if err != nil {
			return
		}
		hasDiff := make(map[string]git.FileDiff, len(diffs))
		for _, d := range diffs {
			hasDiff[d.Path] = d
		}

		for path := range changed {
			if d, ok := hasDiff[path]; ok {
				current[path] = true
				select {
				case ch <- Patch{Kind: PatchKindAddDiff, Path: escapePath(path), Diff: d}:
				case <-ctx.Done():
					return
				}
				continue
			}
			if current[path] {
				delete(current, path)
				select {
				case ch <- Patch{Kind: PatchKindRemoveDiff, Path: escapePath(path)}:
				case <-ctx.Done():
					return
				}
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			rel, err := filepath.Rel(target.WorktreePath, ev.Name)
			if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
				continue
			}
			rel = filepath.ToSlash(rel)
			if rel == "" || strings.HasPrefix(rel, ".git/") || rel == ".git" {
				continue
			}
			if pending == nil {
				pending = make(map[string]bool)
			}
			pending[rel] = true
			if timer == nil {
				timer = time.AfterFunc(debounceWindow, flush)
			} else {
				timer.Reset(debounceWindow)
			}
		case _, ok := <-watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func addRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			if filepath.Base(path) == ".git" {
				return filepath.SkipDir
			}
			return w.Add(path)
		}
		return nil
	})
}

// PatchURL renders a patch's path as a URL-escaped fragment for SSE clients
// that key events by path, mirroring JSON-pointer path escaping with a
// percent-encoded fallback for transport layers that can't carry "~".
func PatchURL(p Patch) string {
	return url.PathEscape(p.Path)
}
