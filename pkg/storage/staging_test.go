package storage

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStaging(t *testing.T) (*DiskStaging, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	staging, err := NewDiskStaging(fs, "/tmp/uploads")
	require.NoError(t, err)
	return staging, fs
}

func readStaged(t *testing.T, s Staging, id string, index int) []byte {
	t.Helper()
	rc, err := s.Open(context.Background(), id, index)
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	return b
}

func TestDiskStaging_PutOpenDelete(t *testing.T) {
	s, _ := newTestStaging(t)
	ctx := context.Background()

	n, err := s.Put(ctx, "sess-1", 0, strings.NewReader("hello"), 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	assert.Equal(t, []byte("hello"), readStaged(t, s, "sess-1", 0))

	require.NoError(t, s.Delete(ctx, "sess-1", 0))
	_, err = s.Open(ctx, "sess-1", 0)
	assert.ErrorIs(t, err, ErrStagedChunkMissing)

	// 删除不存在的分片不是错误
	require.NoError(t, s.Delete(ctx, "sess-1", 0))
	require.NoError(t, s.Delete(ctx, "other", 3))
}

func TestDiskStaging_PutOverwrites(t *testing.T) {
	s, fs := newTestStaging(t)
	ctx := context.Background()

	_, err := s.Put(ctx, "sess", 2, strings.NewReader("first attempt, longer"), -1)
	require.NoError(t, err)
	_, err = s.Put(ctx, "sess", 2, strings.NewReader("second"), -1)
	require.NoError(t, err)

	assert.Equal(t, []byte("second"), readStaged(t, s, "sess", 2))

	files, err := afero.ReadDir(fs, "/tmp/uploads/sess")
	require.NoError(t, err)
	require.Len(t, files, 1, "no temp files may be left behind")
	assert.Equal(t, "2.part", files[0].Name())
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, io.ErrUnexpectedEOF }

func TestDiskStaging_FailedPutLeavesPreviousChunk(t *testing.T) {
	s, fs := newTestStaging(t)
	ctx := context.Background()

	_, err := s.Put(ctx, "sess", 0, bytes.NewReader([]byte("good")), 4)
	require.NoError(t, err)
	_, err = s.Put(ctx, "sess", 0, io.MultiReader(strings.NewReader("par"), failingReader{}), -1)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	assert.Equal(t, []byte("good"), readStaged(t, s, "sess", 0))
	files, err := afero.ReadDir(fs, "/tmp/uploads/sess")
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestDiskStaging_RejectsUnsafeSessionID(t *testing.T) {
	s, _ := newTestStaging(t)
	ctx := context.Background()
	for _, id := range []string{"", "../etc", "a/b", strings.Repeat("x", 129)} {
		_, err := s.Put(ctx, id, 0, strings.NewReader("x"), 1)
		assert.Error(t, err, id)
	}
	_, err := s.Put(ctx, "ok", -1, strings.NewReader("x"), 1)
	assert.Error(t, err)
}

func TestDiskStaging_PurgeOlderThan(t *testing.T) {
	s, fs := newTestStaging(t)
	ctx := context.Background()

	_, err := s.Put(ctx, "stale", 0, strings.NewReader("old"), 3)
	require.NoError(t, err)
	_, err = s.Put(ctx, "stale", 1, strings.NewReader("old"), 3)
	require.NoError(t, err)
	_, err = s.Put(ctx, "active", 0, strings.NewReader("new"), 3)
	require.NoError(t, err)

	old := time.Now().Add(-48 * time.Hour)
	for _, p := range []string{"stale/0.part", "stale/1.part"} {
		require.NoError(t, fs.Chtimes(filepath.Join("/tmp/uploads", p), old, old))
	}

	purged, err := s.PurgeOlderThan(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, purged)

	_, err = s.Open(ctx, "stale", 0)
	assert.ErrorIs(t, err, ErrStagedChunkMissing)
	assert.Equal(t, []byte("new"), readStaged(t, s, "active", 0))
}

func TestValidSessionID(t *testing.T) {
	assert.True(t, ValidSessionID("3f2c9a0e-8d7b-4c1a-9f21-0a5b6c7d8e9f"))
	assert.True(t, ValidSessionID("live_1700000000000"))
	assert.False(t, ValidSessionID("with space"))
	assert.False(t, ValidSessionID("dot.dot"))
}
