package spawn

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dotcommander/forge/internal/msgstore"
)

func TestForwarderNormalizesAssistantStreamJSON(t *testing.T) {
	store := msgstore.New()
	f := NewForwarder(store)

	line := `{"type":"assistant","message":{"content":[{"type":"text","text":"hello there"}]}}` + "\n"
	_, err := f.Write([]byte(line))
	require.NoError(t, err)

	history := store.History()
	require.Len(t, history, 1)
	require.Equal(t, msgstore.EntryKindPatch, history[0].Kind)
	require.Equal(t, "hello there", string(history[0].Data))
}

func TestForwarderPassesThroughPlainOutput(t *testing.T) {
	store := msgstore.New()
	f := NewForwarder(store)

	_, err := f.Write([]byte("building...\n"))
	require.NoError(t, err)

	history := store.History()
	require.Len(t, history, 1)
	require.Equal(t, msgstore.EntryKindStdout, history[0].Kind)
	require.Equal(t, "building...", string(history[0].Data))
}

func TestForwarderBuffersPartialLinesAcrossWrites(t *testing.T) {
	store := msgstore.New()
	f := NewForwarder(store)

	_, err := f.Write([]byte("partial "))
	require.NoError(t, err)
	require.Empty(t, store.History())

	_, err = f.Write([]byte("line\n"))
	require.NoError(t, err)

	history := store.History()
	require.Len(t, history, 1)
	require.Equal(t, "partial line", string(history[0].Data))
}

func TestForwarderFlushEmitsTrailingPartialLine(t *testing.T) {
	store := msgstore.New()
	f := NewForwarder(store)

	_, err := f.Write([]byte("no trailing newline"))
	require.NoError(t, err)
	require.Empty(t, store.History())

	f.Flush()
	history := store.History()
	require.Len(t, history, 1)
	require.Equal(t, "no trailing newline", string(history[0].Data))
}
