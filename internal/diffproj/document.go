package diffproj

import (
	"encoding/json"
	"fmt"
	"sort"

	jsonpatch "github.com/evanphx/json-patch/v5"
)

// fileDiffDoc is the JSON shape of one file's entry in the cumulative diff
// document an SSE client maintains; Patch events are RFC 6902 operations
// against the "/files/<escaped-path>" pointer into this document.
type fileDiffDoc struct {
	Status string `json:"status"`
	Patch  string `json:"patch"`
}

// Document accumulates a cumulative diff snapshot (path -> fileDiffDoc) and
// exposes it both as a plain JSON object (for an initial SSE payload) and
// as a stream of RFC 6902 JSON Patch operations (for incremental updates),
// built with evanphx/json-patch/v5 so the operation encoding matches the
// library the rest of the corpus uses for patch documents.
type Document struct {
	files map[string]fileDiffDoc
}

// NewDocument returns an empty cumulative diff document.
func NewDocument() *Document {
	return &Document{files: make(map[string]fileDiffDoc)}
}

// Apply folds patch into the document, returning the RFC 6902 operation
// that was applied (suitable for forwarding to an SSE client that maintains
// its own copy of the document via jsonpatch.ApplyPatch).
func (d *Document) Apply(p Patch) (jsonpatch.Operation, error) {
	ptr := "/files/" + p.Path

	switch p.Kind {
	case PatchKindAddDiff:
		entry := fileDiffDoc{Status: string(p.Diff.Status), Patch: p.Diff.Patch}
		d.files[p.Path] = entry
		raw, err := json.Marshal(entry)
		if err != nil {
			return nil, fmt.Errorf("diffproj: marshal diff entry: %w", err)
		}
		op := jsonpatch.Operation{
			"op":    marshalRaw("add"),
			"path":  marshalRaw(ptr),
			"value": &raw,
		}
		return op, nil

	case PatchKindRemoveDiff:
		delete(d.files, p.Path)
		op := jsonpatch.Operation{
			"op":   marshalRaw("remove"),
			"path": marshalRaw(ptr),
		}
		return op, nil

	default:
		return nil, fmt.Errorf("diffproj: patch kind %q has no document operation", p.Kind)
	}
}

func marshalRaw(s string) *json.RawMessage {
	b, _ := json.Marshal(s)
	raw := json.RawMessage(b)
	return &raw
}

// Snapshot returns the full cumulative document as a JSON object, suitable
// for an SSE client's initial payload before it starts applying incremental
// operations.
func (d *Document) Snapshot() ([]byte, error) {
	paths := make([]string, 0, len(d.files))
	for p := range d.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	ordered := make(map[string]fileDiffDoc, len(d.files))
	for _, p := range paths {
		ordered[p] = d.files[p]
	}
	out, err := json.Marshal(struct {
		Files map[string]fileDiffDoc `json:"files"`
	}{Files: ordered})
	if err != nil {
		return nil, fmt.Errorf("diffproj: marshal snapshot: %w", err)
	}
	return out, nil
}

// ApplyPatchBytes is a thin wrapper around jsonpatch.DecodePatch +
// Apply, used by tests and by any client-side replay of the cumulative
// document from a serialized list of operations.
func ApplyPatchBytes(doc []byte, ops []byte) ([]byte, error) {
	patch, err := jsonpatch.DecodePatch(ops)
	if err != nil {
		return nil, fmt.Errorf("diffproj: decode patch: %w", err)
	}
	out, err := patch.Apply(doc)
	if err != nil {
		return nil, fmt.Errorf("diffproj: apply patch: %w", err)
	}
	return out, nil
}
