package archive

import (
	"context"
	"fmt"
	"testing"

	"github.com/runfold/runfold/model"
	"github.com/runfold/runfold/service/store"
	"github.com/runfold/runfold/service/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArchiveRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := memory.New(memory.DefaultConfig())
	defer s.Close()

	key := store.StreamKey("r1")
	for i := 0; i < 3; i++ {
		entry := &model.Entry{Kind: model.EntryKindMessage, Role: "assistant", Text: fmt.Sprintf("chunk %d", i)}
		payload, err := entry.Marshal()
		require.NoError(t, err)
		_, err = s.Append(ctx, key, payload, 100)
		require.NoError(t, err)
	}
	payload, err := model.StatusEntry(model.RunStatusCompleted, "").Marshal()
	require.NoError(t, err)
	_, err = s.Append(ctx, key, payload, 100)
	require.NoError(t, err)

	archiver := New("mem://localhost/archive", s)
	require.NoError(t, archiver.Archive(ctx, "r1"))

	snapshot, err := archiver.Load(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "r1", snapshot.RunID)
	require.Len(t, snapshot.Entries, 4)
	assert.Equal(t, "chunk 0", snapshot.Entries[0].Text)
	terminal, ok := snapshot.Entries[3].TerminalStatus()
	require.True(t, ok)
	assert.Equal(t, model.RunStatusCompleted, terminal)
}

func TestArchiveEmptyLog(t *testing.T) {
	ctx := context.Background()
	s := memory.New(memory.DefaultConfig())
	defer s.Close()

	archiver := New("mem://localhost/archive", s)
	require.NoError(t, archiver.Archive(ctx, "missing"))

	snapshot, err := archiver.Load(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, snapshot.Entries)
}
