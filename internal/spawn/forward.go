package spawn

import (
	"bytes"
	"encoding/json"

	"github.com/dotcommander/forge/internal/msgstore"
)

// Forwarder is an io.Writer that splits a child process's combined
// stdout/stderr stream into lines and appends each as a Message Store
// entry, normalizing claude-code's `stream-json` assistant-message lines
// into Patch entries so the Exit Monitor's summary extraction
// (msgstore.Store.LastAssistantMessage) has something to scan for. Any line
// that isn't recognized stream-json is forwarded verbatim as Stdout. This is
// the log-normalization collaborator spec.md leaves unspecified.
type Forwarder struct {
	store *msgstore.Store
	buf   []byte
}

// NewForwarder returns a Forwarder appending normalized entries to store.
func NewForwarder(store *msgstore.Store) *Forwarder {
	return &Forwarder{store: store}
}

// claudeStreamLine is the subset of claude-code's --output-format
// stream-json schema this forwarder cares about: assistant message events
// carrying text content blocks.
type claudeStreamLine struct {
	Type    string `json:"type"`
	Message struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
}

// Write implements io.Writer, buffering partial lines across calls (pty
// reads arrive in arbitrary chunks, not line-aligned).
func (f *Forwarder) Write(p []byte) (int, error) {
	f.buf = append(f.buf, p...)
	for {
		i := bytes.IndexByte(f.buf, '\n')
		if i < 0 {
			break
		}
		line := f.buf[:i]
		f.buf = f.buf[i+1:]
		f.emit(line)
	}
	return len(p), nil
}

// Flush emits any trailing partial line once the child has exited, so
// output that ends without a final newline isn't dropped.
func (f *Forwarder) Flush() {
	if len(f.buf) > 0 {
		f.emit(f.buf)
		f.buf = nil
	}
}

func (f *Forwarder) emit(line []byte) {
	if len(line) == 0 {
		return
	}
	data := append([]byte(nil), line...)

	var parsed claudeStreamLine
	if json.Unmarshal(data, &parsed) == nil && parsed.Type == "assistant" {
		for _, block := range parsed.Message.Content {
			if block.Type == "text" && block.Text != "" {
				f.store.Append(msgstore.Entry{Kind: msgstore.EntryKindPatch, Data: []byte(block.Text)})
				return
			}
		}
	}
	f.store.Append(msgstore.Entry{Kind: msgstore.EntryKindStdout, Data: data})
}
