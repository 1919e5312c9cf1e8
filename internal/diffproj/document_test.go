package diffproj

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dotcommander/forge/internal/git"
)

func TestDocumentApplyAddThenRemove(t *testing.T) {
	doc := NewDocument()

	addOp, err := doc.Apply(Patch{
		Kind: PatchKindAddDiff,
		Path: "a.txt",
		Diff: git.FileDiff{Path: "a.txt", Status: git.FileDiffAdded, Patch: "+hello"},
	})
	require.NoError(t, err)
	require.Equal(t, `"add"`, string(*addOp["op"]))
	require.Equal(t, `"/files/a.txt"`, string(*addOp["path"]))

	snap, err := doc.Snapshot()
	require.NoError(t, err)
	require.Contains(t, string(snap), "a.txt")

	removeOp, err := doc.Apply(Patch{Kind: PatchKindRemoveDiff, Path: "a.txt"})
	require.NoError(t, err)
	require.Equal(t, `"remove"`, string(*removeOp["op"]))

	snap, err = doc.Snapshot()
	require.NoError(t, err)
	require.NotContains(t, string(snap), "a.txt")
}

func TestEscapePathHandlesTildeAndSlash(t *testing.T) {
	require.Equal(t, "a~1b~0c", escapePath("a/b~c"))
}
