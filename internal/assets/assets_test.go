package assets

import (
	"bytes"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Faultbox/terrastream/internal/storage"
	"github.com/Faultbox/terrastream/pkg/chunkstore"
)

func writeStore(t *testing.T, dir, table string) {
	t.Helper()
	w, err := chunkstore.Create(filepath.Join(dir, table), filepath.Join(dir, "h.bin"), 4)
	require.NoError(t, err)
	require.NoError(t, w.Add(chunkstore.NewKey(0, 0, 0), []byte{1, 2, 3, 4}))
	require.NoError(t, w.Add(chunkstore.NewKey(1, 0, 0), []byte{5, 6, 7, 8}))
	require.NoError(t, w.Close())
}

func TestManagerTable(t *testing.T) {
	for _, name := range []string{"h.table", "h.table.zst"} {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			writeStore(t, dir, name)

			m := NewManager(t.Context(), storage.NewLocal(dir))
			defer m.Close()

			table, err := m.Table(name)
			require.NoError(t, err)
			assert.Equal(t, 2, table.Len())

			again, err := m.Table(name)
			require.NoError(t, err)
			assert.Same(t, table, again)
		})
	}
}

func TestManagerTableMissing(t *testing.T) {
	m := NewManager(t.Context(), storage.NewLocal(t.TempDir()))
	_, err := m.Table("nope.table")
	assert.Error(t, err)
}

func TestManagerHandleCache(t *testing.T) {
	dir := t.TempDir()
	writeStore(t, dir, "h.table")

	m := NewManager(t.Context(), storage.NewLocal(dir))
	defer m.Close()

	var wg sync.WaitGroup
	handles := make([]storage.Blob, 8)
	for i := range handles {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, err := m.Handle("h.bin")
			assert.NoError(t, err)
			handles[i] = b
		}()
	}
	wg.Wait()

	for _, h := range handles[1:] {
		assert.Same(t, handles[0], h)
	}
	assert.Equal(t, 1, m.handles.Len())

	hits, misses := m.HandleStats()
	assert.Equal(t, 8, hits+misses)

	buf := make([]byte, 4)
	_, err := handles[0].ReadAt(buf, 4)
	require.NoError(t, err)
	assert.True(t, bytes.Equal([]byte{5, 6, 7, 8}, buf))

	require.NoError(t, m.Close())
	assert.Equal(t, 0, m.handles.Len())
}

func TestHandleCacheOpenError(t *testing.T) {
	c := NewHandleCache()
	_, err := c.GetOrOpen("x", func() (storage.Blob, error) {
		return nil, assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 0, c.Len())
}
