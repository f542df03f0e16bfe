package objectindex

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	chunkpkg "github.com/lsst/qserv-sub021/libraries/chunk"
)

func TestObjectIndexWriteThenRead(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "director.idx")
	dialect := chunkpkg.DefaultCSVDialect()

	w := New()
	require.NoError(t, w.Create(path, dialect))
	require.NoError(t, w.Write("obj-1", Location{ChunkID: 10, SubChunkID: 2}))
	require.NoError(t, w.Write("obj-2", Location{ChunkID: 11, SubChunkID: 3}))
	require.NoError(t, w.Close())

	r := New()
	require.NoError(t, r.Open("file://"+path, dialect))

	loc, err := r.Lookup("obj-1")
	require.NoError(t, err)
	assert.Equal(t, Location{ChunkID: 10, SubChunkID: 2}, loc)

	loc, err = r.Lookup("obj-2")
	require.NoError(t, err)
	assert.Equal(t, Location{ChunkID: 11, SubChunkID: 3}, loc)

	_, err = r.Lookup("missing")
	assert.Error(t, err)
}

func TestObjectIndexCreateAppendsNotTruncates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "director.idx")
	dialect := chunkpkg.DefaultCSVDialect()

	w := New()
	require.NoError(t, w.Create(path, dialect))
	require.NoError(t, w.Write("obj-1", Location{ChunkID: 1, SubChunkID: 0}))
	require.NoError(t, w.Close())

	w2 := New()
	require.NoError(t, w2.Create(path, dialect))
	require.NoError(t, w2.Write("obj-2", Location{ChunkID: 2, SubChunkID: 0}))
	require.NoError(t, w2.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "obj-1")
	assert.Contains(t, string(data), "obj-2")
}

func TestObjectIndexRejectsEmptyID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "director.idx")
	w := New()
	require.NoError(t, w.Create(path, chunkpkg.DefaultCSVDialect()))
	defer w.Close()
	err := w.Write("", Location{ChunkID: 1, SubChunkID: 1})
	assert.Error(t, err)
}

func TestObjectIndexRejectsNegativeLocation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "director.idx")
	w := New()
	require.NoError(t, w.Create(path, chunkpkg.DefaultCSVDialect()))
	defer w.Close()
	err := w.Write("obj", Location{ChunkID: -1, SubChunkID: 1})
	assert.Error(t, err)
}

func TestObjectIndexOpenRejectsNonFileScheme(t *testing.T) {
	r := New()
	err := r.Open("http://host/path", chunkpkg.DefaultCSVDialect())
	assert.Error(t, err)
}

func TestObjectIndexWrongModeRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "director.idx")
	w := New()
	require.NoError(t, w.Create(path, chunkpkg.DefaultCSVDialect()))
	defer w.Close()

	_, err := w.Lookup("obj")
	assert.Error(t, err)
}
