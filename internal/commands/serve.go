package commands

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dotcommander/forge/internal/diffcache"
	"github.com/dotcommander/forge/internal/diffproj"
	"github.com/dotcommander/forge/internal/git"
	"github.com/dotcommander/forge/internal/msgstore"
	"github.com/dotcommander/forge/internal/output"
	"github.com/dotcommander/forge/internal/store"
)

// mergedDiffCacheTTL and mergedDiffCachePerAttempt bound the merged-commit
// diff cache: a merge commit's diffs never change, so they're safe to
// reuse across reconnects for a while without re-invoking git.
const (
	mergedDiffCacheTTL        = 5 * time.Minute
	mergedDiffCachePerAttempt = 512
)

// NewServeCmd starts a thin HTTP transport exercising the Diff Projector
// and the Message Store end to end over Server-Sent Events. A full HTTP
// surface is out of scope; this exists so the two streaming collaborators
// have a runnable client.
func NewServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Server-Sent Events transport for diffs and execution messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(func(db *DB, orc *Orchestrator) error {
				diffs := diffcache.New(mergedDiffCachePerAttempt, mergedDiffCacheTTL)

				mux := http.NewServeMux()
				mux.HandleFunc("/attempts/", newAttemptDiffHandler(db, orc, diffs))
				mux.HandleFunc("/executions/", newExecutionMessagesHandler(orc))

				slog.Info("serve: listening", "addr", addr)
				if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
					return cmdErr(fmt.Errorf("serve: %w", err))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8420", "Address to listen on")
	return cmd
}

// newAttemptDiffHandler serves GET /attempts/<id>/diff: RFC 6902 patch
// events from the Diff Projector, until the client disconnects. The initial
// state is sent as ordinary patch events; there is no separate snapshot
// event.
func newAttemptDiffHandler(db *DB, orc *Orchestrator, cache *diffcache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathSegment(r.URL.Path, "/attempts/", "/diff")
		if !ok {
			http.NotFound(w, r)
			return
		}
		attemptID, err := uuid.Parse(id)
		if err != nil {
			writeHTTPError(w, http.StatusBadRequest, err)
			return
		}

		ctx := r.Context()
		attempt, err := store.GetTaskAttempt(ctx, db, attemptID)
		if err != nil {
			writeHTTPError(w, http.StatusNotFound, err)
			return
		}

		target := diffproj.Target{
			WorktreePath: attempt.ContainerRef,
			Branch:       attempt.Branch,
			BaseBranch:   attempt.BaseBranch,
		}
		if merge, merr := store.GetLatestMergeForAttempt(ctx, db, attemptID); merr == nil {
			target.Merged = true
			target.MergeCommit = merge.MergeCommit
			target.RepoDir = orc.Sandbox().RepoDir()
		}

		// A merged attempt's diff is immutable: serve straight from the
		// cache on a hit instead of re-invoking git for every reconnect.
		if target.Merged {
			if cached := cache.Snapshot(id); cached != nil {
				sseStream(w, r, func(flush func(event string, data []byte)) {
					streamFileDiffs(flush, cached)
					flush("finished", nil)
				})
				return
			}
		}

		patches, err := diffproj.Subscribe(ctx, orc.Sandbox(), attempt, target)
		if err != nil {
			writeHTTPError(w, http.StatusInternalServerError, err)
			return
		}

		sseStream(w, r, func(flush func(event string, data []byte)) {
			doc := diffproj.NewDocument()
			for p := range patches {
				if p.Kind == diffproj.PatchKindFinished {
					flush("finished", nil)
					return
				}
				if target.Merged && p.Kind == diffproj.PatchKindAddDiff {
					cache.Set(id, p.Diff.Path, p.Diff)
				}
				op, err := doc.Apply(p)
				if err != nil {
					continue
				}
				raw, err := json.Marshal(op)
				if err != nil {
					continue
				}
				flush("patch", raw)
			}
		})
	}
}

// streamFileDiffs replays cached diffs as add_diff patch operations against
// a fresh document, the same shape a live diffproj.Subscribe stream would
// have produced on first contact.
func streamFileDiffs(flush func(event string, data []byte), diffs []git.FileDiff) {
	doc := diffproj.NewDocument()
	for _, d := range diffs {
		op, err := doc.Apply(diffproj.Patch{Kind: diffproj.PatchKindAddDiff, Path: diffproj.EscapePath(d.Path), Diff: d})
		if err != nil {
			continue
		}
		raw, err := json.Marshal(op)
		if err != nil {
			continue
		}
		flush("patch", raw)
	}
}

// newExecutionMessagesHandler serves GET /executions/<id>/messages: the
// full Message Store history, then its live tail, until finished or the
// client disconnects.
func newExecutionMessagesHandler(orc *Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathSegment(r.URL.Path, "/executions/", "/messages")
		if !ok {
			http.NotFound(w, r)
			return
		}
		execID, err := uuid.Parse(id)
		if err != nil {
			writeHTTPError(w, http.StatusBadRequest, err)
			return
		}
		msgs, ok := orc.MessageStore(execID)
		if !ok {
			writeHTTPError(w, http.StatusNotFound, fmt.Errorf("execution %s is not live", execID))
			return
		}

		sseStream(w, r, func(flush func(event string, data []byte)) {
			for e := range msgs.Subscribe() {
				flush(string(e.Kind), e.Data)
				if e.Kind == msgstore.EntryKindFinished {
					return
				}
			}
		})
	}
}

// pathSegment extracts the id between prefix and suffix in an otherwise
// fixed-shape path, e.g. "/attempts/<id>/diff".
func pathSegment(path, prefix, suffix string) (string, bool) {
	if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, suffix) {
		return "", false
	}
	return strings.TrimSuffix(strings.TrimPrefix(path, prefix), suffix), true
}

// sseStream writes the standard SSE headers, then runs emit until it
// returns or the request context is canceled, flushing after every event.
func sseStream(w http.ResponseWriter, r *http.Request, emit func(flush func(event string, data []byte))) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeHTTPError(w, http.StatusInternalServerError, fmt.Errorf("serve: response does not support streaming"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	done := make(chan struct{})
	go func() {
		defer close(done)
		emit(func(event string, data []byte) {
			if data == nil {
				data = []byte("{}")
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
			flusher.Flush()
		})
	}()

	select {
	case <-done:
	case <-r.Context().Done():
	}
}

func writeHTTPError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(output.Error(err))
}
