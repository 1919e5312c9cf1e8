package sandbox

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeDevcontainer(t *testing.T, repoDir, body string) {
	t.Helper()
	dir := filepath.Join(repoDir, ".devcontainer")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "devcontainer.json"), []byte(body), 0o644))
}

func TestResolveDevcontainerImageAbsentReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	image, dockerfile, err := ResolveDevcontainerImage(dir)
	require.NoError(t, err)
	require.Empty(t, image)
	require.Empty(t, dockerfile)
}

func TestResolveDevcontainerImagePinnedImage(t *testing.T) {
	dir := t.TempDir()
	writeDevcontainer(t, dir, `{
		// a comment the stdlib decoder would choke on
		"image": "ghcr.io/example/devcontainer:latest"
	}`)

	image, dockerfile, err := ResolveDevcontainerImage(dir)
	require.NoError(t, err)
	require.Equal(t, "ghcr.io/example/devcontainer:latest", image)
	require.Empty(t, dockerfile)
}

func TestResolveDevcontainerImageDockerfileBuild(t *testing.T) {
	dir := t.TempDir()
	writeDevcontainer(t, dir, `{
		/* block comment */
		"build": {
			"dockerfile": "Dockerfile",
			"context": ".."
		}
	}`)

	image, dockerfile, err := ResolveDevcontainerImage(dir)
	require.NoError(t, err)
	require.Empty(t, image)
	require.Equal(t, filepath.Join(dir, ".devcontainer", "..", "Dockerfile"), dockerfile)
}

func TestStripJSONCommentsPreservesStringContent(t *testing.T) {
	src := `{"a": "http://not-a-comment", "b": 1} // trailing`
	out := stripJSONComments([]byte(src))
	require.Contains(t, string(out), `"http://not-a-comment"`)
}
