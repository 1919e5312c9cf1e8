// Package msgstore implements the per-execution Message Store: an
// append-only history of stdout/stderr fragments, structured patches, and a
// closing `finished` sentinel, broadcast to subscribers as entries arrive.
//
// Contracts (unchanged from the execution lifecycle's pub/sub requirement):
//   - every entry appended is observed by every subscriber attached before
//     the finished sentinel, in the order appended;
//   - subscribers attaching mid-stream receive the full history, then the
//     live tail;
//   - after finished, the store is immutable; late subscribers receive the
//     final history followed by a closed channel.
package msgstore

import "sync"

// EntryKind classifies an Entry.
type EntryKind string

// Entry kinds. Stdout/Stderr are forwarded fragments of child process
// output; Patch is a structured, normalized delta (e.g. an assistant-message
// patch) produced by the log-normalization collaborator; Finished is the
// terminal sentinel.
const (
	EntryKindStdout   EntryKind = "stdout"
	EntryKindStderr   EntryKind = "stderr"
	EntryKindPatch    EntryKind = "patch"
	EntryKindFinished EntryKind = "finished"
)

// Entry is one unit of Message Store history.
type Entry struct {
	Kind EntryKind
	Data []byte
}

// subscriberBuffer is generous enough that a forwarder appending at line
// rate won't block on a merely-slow (not stalled) subscriber; a genuinely
// stalled subscriber's own layer is responsible for keeping up or
// disconnecting, since Append blocks once a subscriber's buffer is full.
const subscriberBuffer = 256

// Store is the append-only, broadcast history for one live execution.
type Store struct {
	mu       sync.Mutex
	history  []Entry
	subs     []chan Entry
	finished bool
}

// New returns an empty Store.
func New() *Store {
	return &Store{}
}

// Append adds entry to the history and broadcasts it to current subscribers.
// Appending after Finished was already recorded is a no-op: the store is
// immutable past that point.
func (s *Store) Append(entry Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.history = append(s.history, entry)
	if entry.Kind == EntryKindFinished {
		s.finished = true
	}
	for _, ch := range s.subs {
		ch <- entry
	}
	if s.finished {
		for _, ch := range s.subs {
			close(ch)
		}
		s.subs = nil
	}
}

// Subscribe returns a channel delivering the full history so far followed
// by the live tail. If the store has already finished, the returned channel
// replays the final history and is then closed.
func (s *Store) Subscribe() <-chan Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	backlog := make([]Entry, len(s.history))
	copy(backlog, s.history)

	if s.finished {
		ch := make(chan Entry, len(backlog))
		for _, e := range backlog {
			ch <- e
		}
		close(ch)
		return ch
	}

	ch := make(chan Entry, subscriberBuffer+len(backlog))
	for _, e := range backlog {
		ch <- e
	}
	s.subs = append(s.subs, ch)
	return ch
}

// History returns a snapshot of all entries appended so far.
func (s *Store) History() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.history))
	copy(out, s.history)
	return out
}

// LastAssistantMessage scans the history in reverse for the most recent
// Patch entry, used by the Exit Monitor to derive the executor-session
// summary. Returns false if no patch entry exists.
func (s *Store) LastAssistantMessage() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].Kind == EntryKindPatch {
			return s.history[i].Data, true
		}
	}
	return nil, false
}

// Finished reports whether the finished sentinel has been appended.
func (s *Store) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}
