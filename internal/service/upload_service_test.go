package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NureniJamiu/screenforge/internal/model"
	"github.com/NureniJamiu/screenforge/pkg/chunk"
)

const owner uint = 42

func payload(n int) []byte {
	rng := rand.New(rand.NewSource(int64(n)))
	b := make([]byte, n)
	rng.Read(b)
	return b
}

func (f *fixture) upload(t *testing.T, sessionID string, index int, data []byte) model.ChunkProgress {
	t.Helper()
	p, err := f.svc.UploadChunk(context.Background(), sessionID, owner, index, bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	return p
}

func TestUpload_ScenarioA_OutOfOrderThenFinalize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chunks := [][]byte{[]byte("first-"), []byte("second-"), []byte("third")}

	id, err := f.svc.Init(ctx, owner, "", model.UploadMetadata{Title: "Demo", RecordingType: "tab"}, 3)
	require.NoError(t, err)

	for n, idx := range []int{2, 0, 1} {
		complete, err := f.sessions.IsComplete(ctx, id)
		require.NoError(t, err)
		assert.False(t, complete, "complete before chunk #%d", n)

		p := f.upload(t, id, idx, chunks[idx])
		assert.Equal(t, n+1, p.Received)
		assert.Equal(t, 3, p.Total)
	}
	complete, err := f.sessions.IsComplete(ctx, id)
	require.NoError(t, err)
	assert.True(t, complete)

	video, err := f.svc.Finalize(ctx, id, owner)
	require.NoError(t, err)
	assert.Equal(t, int64(len(chunks[0])+len(chunks[1])+len(chunks[2])), video.Size)
	assert.Equal(t, "Demo", video.Title)
	assert.Equal(t, model.RecordingTypeTab, video.RecordingType)
	assert.Equal(t, model.StorageProviderMinIO, video.StorageProvider)
	assert.Equal(t, owner, video.UserID)
	assert.NotEmpty(t, video.ShareToken)
	assert.True(t, video.IsDownloadable)

	stored, ok := f.sink.object(video.StorageKey)
	require.True(t, ok)
	assert.Equal(t, chunk.Join(chunks), stored)
	assert.Equal(t, 1, f.videos.count())

	// 会话与暂存分片都已回收
	for i := range chunks {
		assert.False(t, f.stagedExists(t, id, i))
	}
	_, err = f.svc.Status(ctx, id, owner)
	assert.ErrorIs(t, err, model.ErrNotFound)

	published := f.pub.published()
	require.Len(t, published, 1)
	assert.Equal(t, video.ID, published[0].VideoID)
	assert.False(t, published[0].HasDuration)
}

func TestUpload_ScenarioB_IncompleteThenCleanup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.svc.Init(ctx, owner, "", model.UploadMetadata{}, 2)
	require.NoError(t, err)
	f.upload(t, id, 0, []byte("only chunk zero"))

	_, err = f.svc.Finalize(ctx, id, owner)
	require.ErrorIs(t, err, model.ErrIncomplete)
	var incomplete *model.IncompleteError
	require.True(t, errors.As(err, &incomplete))
	assert.Equal(t, []int{1}, incomplete.Missing)
	assert.Equal(t, 0, f.videos.count())
	assert.Equal(t, 0, f.sink.objectCount())

	require.True(t, f.stagedExists(t, id, 0))
	require.NoError(t, f.svc.Cleanup(ctx, id, owner))
	assert.False(t, f.stagedExists(t, id, 0))

	_, err = f.svc.Finalize(ctx, id, owner)
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = f.svc.UploadChunk(ctx, id, owner, 1, strings.NewReader("late"), 4)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestUpload_IncompleteListsExactlyMissing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.svc.Init(ctx, owner, "", model.UploadMetadata{}, 6)
	require.NoError(t, err)
	for _, idx := range []int{0, 2, 5} {
		f.upload(t, id, idx, []byte{byte(idx)})
	}

	_, err = f.svc.Finalize(ctx, id, owner)
	var incomplete *model.IncompleteError
	require.True(t, errors.As(err, &incomplete))
	assert.Equal(t, []int{1, 3, 4}, incomplete.Missing)

	status, err := f.svc.Status(ctx, id, owner)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2, 5}, status.Received)
	assert.Equal(t, []int{1, 3, 4}, status.Missing)
	assert.InDelta(t, 50.0, status.Progress, 0.001)
	assert.False(t, status.Complete)
}

func TestUpload_DuplicateChunkIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.svc.Init(ctx, owner, "client-chosen-id", model.UploadMetadata{}, 2)
	require.NoError(t, err)
	assert.Equal(t, "client-chosen-id", id)

	p := f.upload(t, id, 0, []byte("v1"))
	assert.Equal(t, 1, p.Received)
	p = f.upload(t, id, 0, []byte("v2-longer"))
	assert.Equal(t, 1, p.Received)
	assert.True(t, p.Duplicate)

	f.upload(t, id, 1, []byte("!"))
	video, err := f.svc.Finalize(ctx, id, owner)
	require.NoError(t, err)
	stored, _ := f.sink.object(video.StorageKey)
	assert.Equal(t, []byte("v2-longer!"), stored)
	assert.Equal(t, int64(10), video.Size)
}

func TestUpload_InitValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, total := range []int{0, -3, 1001} {
		_, err := f.svc.Init(ctx, owner, "", model.UploadMetadata{}, total)
		assert.ErrorIs(t, err, model.ErrValidation, "total=%d", total)
	}
	_, err := f.svc.Init(ctx, owner, "../escape", model.UploadMetadata{}, 1)
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = f.svc.Init(ctx, owner, "taken", model.UploadMetadata{}, 1)
	require.NoError(t, err)
	_, err = f.svc.Init(ctx, owner, "taken", model.UploadMetadata{}, 1)
	assert.ErrorIs(t, err, model.ErrSessionExists)
}

func TestUpload_ChunkValidationHasNoSideEffects(t *testing.T) {
	f := newFixture(t, func(o *UploadOptions) { o.MaxChunkBytes = 8 })
	ctx := context.Background()
	id, err := f.svc.Init(ctx, owner, "", model.UploadMetadata{}, 2)
	require.NoError(t, err)

	_, err = f.svc.UploadChunk(ctx, id, owner, 2, strings.NewReader("x"), 1)
	assert.ErrorIs(t, err, model.ErrOutOfRange)
	_, err = f.svc.UploadChunk(ctx, id, owner, -1, strings.NewReader("x"), 1)
	assert.ErrorIs(t, err, model.ErrOutOfRange)

	_, err = f.svc.UploadChunk(ctx, id, owner, 0, strings.NewReader(""), 0)
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = f.svc.UploadChunk(ctx, id, owner, 0, strings.NewReader("123456789"), 9)
	assert.ErrorIs(t, err, model.ErrPayloadTooLarge)
	// 声明大小未知时由读取上限兜底
	_, err = f.svc.UploadChunk(ctx, id, owner, 1, strings.NewReader("123456789"), -1)
	assert.ErrorIs(t, err, model.ErrPayloadTooLarge)

	_, err = f.svc.UploadChunk(ctx, id, owner, 0, nil, 0)
	assert.ErrorIs(t, err, model.ErrValidation)

	assert.False(t, f.stagedExists(t, id, 0))
	assert.False(t, f.stagedExists(t, id, 1))
	status, err := f.svc.Status(ctx, id, owner)
	require.NoError(t, err)
	assert.Empty(t, status.Received)
}

func TestUpload_OwnershipIsolation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const intruder uint = 7
	id, err := f.svc.Init(ctx, owner, "", model.UploadMetadata{}, 1)
	require.NoError(t, err)

	_, err = f.svc.UploadChunk(ctx, id, intruder, 0, strings.NewReader("evil"), 4)
	assert.ErrorIs(t, err, model.ErrForbidden)
	assert.False(t, f.stagedExists(t, id, 0))

	f.upload(t, id, 0, []byte("mine"))

	_, err = f.svc.Finalize(ctx, id, intruder)
	assert.ErrorIs(t, err, model.ErrForbidden)
	assert.ErrorIs(t, f.svc.Cleanup(ctx, id, intruder), model.ErrForbidden)
	_, err = f.svc.Status(ctx, id, intruder)
	assert.ErrorIs(t, err, model.ErrForbidden)

	// 入侵者的调用没有改变任何状态
	assert.True(t, f.stagedExists(t, id, 0))
	video, err := f.svc.Finalize(ctx, id, owner)
	require.NoError(t, err)
	assert.Equal(t, owner, video.UserID)
}

func TestUpload_CleanupIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.svc.Init(ctx, owner, "", model.UploadMetadata{}, 3)
	require.NoError(t, err)
	f.upload(t, id, 1, []byte("x"))

	require.NoError(t, f.svc.Cleanup(ctx, id, owner))
	require.NoError(t, f.svc.Cleanup(ctx, id, owner))
	require.NoError(t, f.svc.Cleanup(ctx, "never-existed", owner))
	assert.False(t, f.stagedExists(t, id, 1))
}

func TestUpload_SinkFailureKeepsSessionForRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.svc.Init(ctx, owner, "", model.UploadMetadata{}, 2)
	require.NoError(t, err)
	f.upload(t, id, 0, []byte("ab"))
	f.upload(t, id, 1, []byte("cd"))

	f.sink.putErr = errBoom
	_, err = f.svc.Finalize(ctx, id, owner)
	require.ErrorIs(t, err, model.ErrSinkFailure)
	assert.Equal(t, 0, f.videos.count())
	assert.True(t, f.stagedExists(t, id, 0))
	assert.True(t, f.stagedExists(t, id, 1))

	f.sink.putErr = nil
	video, err := f.svc.Finalize(ctx, id, owner)
	require.NoError(t, err)
	stored, _ := f.sink.object(video.StorageKey)
	assert.Equal(t, []byte("abcd"), stored)
	assert.Equal(t, 1, f.videos.count())
}

func TestUpload_MetadataFailureLeavesNoRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.svc.Init(ctx, owner, "", model.UploadMetadata{}, 1)
	require.NoError(t, err)
	f.upload(t, id, 0, []byte("bytes"))

	f.videos.createErr = errBoom
	_, err = f.svc.Finalize(ctx, id, owner)
	require.ErrorIs(t, err, model.ErrMetadataFailure)
	assert.Equal(t, 0, f.videos.count())
	assert.Equal(t, 0, f.sink.objectCount(), "orphan object is removed")
	require.Len(t, f.sink.deleted, 1)
	assert.Empty(t, f.pub.published())

	f.videos.createErr = nil
	video, err := f.svc.Finalize(ctx, id, owner)
	require.NoError(t, err)
	// 每次尝试使用新的 key
	assert.NotEqual(t, f.sink.deleted[0], video.StorageKey)
	assert.Equal(t, 1, f.videos.count())
}

func TestUpload_ConcurrentFinalizeIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.svc.Init(ctx, owner, "", model.UploadMetadata{}, 1)
	require.NoError(t, err)
	f.upload(t, id, 0, []byte("x"))

	ok, err := f.sessions.LockFinalize(ctx, id, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.svc.Finalize(ctx, id, owner)
	assert.ErrorIs(t, err, model.ErrFinalizeInProgress)
	assert.Equal(t, 0, f.videos.count())
}

func TestUpload_ParallelChunks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	data := payload(32 * 1000)
	chunks := chunk.Split(data, 1000)
	id, err := f.svc.Init(ctx, owner, "", model.UploadMetadata{}, len(chunks))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i, c := range chunks {
		wg.Add(1)
		go func(idx int, c []byte) {
			defer wg.Done()
			_, err := f.svc.UploadChunk(ctx, id, owner, idx, bytes.NewReader(c), int64(len(c)))
			assert.NoError(t, err)
		}(i, c)
	}
	wg.Wait()

	video, err := f.svc.Finalize(ctx, id, owner)
	require.NoError(t, err)
	stored, _ := f.sink.object(video.StorageKey)
	assert.Equal(t, data, stored)
}

func TestUpload_PublishFailureDoesNotFailFinalize(t *testing.T) {
	f := newFixture(t)
	f.pub.err = errBoom
	ctx := context.Background()
	id, err := f.svc.Init(ctx, owner, "", model.UploadMetadata{}, 1)
	require.NoError(t, err)
	f.upload(t, id, 0, []byte("x"))

	_, err = f.svc.Finalize(ctx, id, owner)
	require.NoError(t, err)
}

func TestUploadWhole_DefaultsAndKey(t *testing.T) {
	f := newFixture(t)
	now := time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return now }
	data := payload(4096)

	video, err := f.svc.UploadWhole(context.Background(), owner, model.UploadMetadata{}, bytes.NewReader(data), -1)
	require.NoError(t, err)

	assert.Equal(t, "Recording 2026-03-09", video.Title)
	assert.Equal(t, model.RecordingTypeDesktop, video.RecordingType)
	assert.Equal(t, "video/webm", video.MimeType)
	assert.Equal(t, fmt.Sprintf("recording-%d.webm", now.UnixMilli()), video.OriginalName)
	assert.True(t, video.IsDownloadable)
	assert.Equal(t, int64(len(data)), video.Size)
	assert.Regexp(t, regexp.MustCompile(`^videos/42/[0-9a-f-]{36}-\d+\.webm$`), video.StorageKey)
	assert.Equal(t, "https://cdn.test/"+video.StorageKey, video.VideoURL)

	stored, _ := f.sink.object(video.StorageKey)
	assert.Equal(t, data, stored)
}

func TestUploadWhole_HonoursMetadata(t *testing.T) {
	f := newFixture(t)
	no := false
	dur := 12.5
	meta := model.UploadMetadata{
		Title: "Standup", Description: "daily", RecordingType: "WINDOW",
		IsDownloadable: &no, Duration: &dur, FileName: "standup.mp4", MimeType: "video/mp4",
	}
	video, err := f.svc.UploadWhole(context.Background(), owner, meta, strings.NewReader("mp4-bytes"), 9)
	require.NoError(t, err)
	assert.Equal(t, "Standup", video.Title)
	assert.Equal(t, "daily", video.Description)
	assert.Equal(t, model.RecordingTypeWindow, video.RecordingType)
	assert.False(t, video.IsDownloadable)
	require.NotNil(t, video.Duration)
	assert.Equal(t, 12.5, *video.Duration)
	assert.True(t, strings.HasSuffix(video.StorageKey, ".mp4"))
	assert.True(t, f.pub.published()[0].HasDuration)
}

func TestUploadWhole_Rejections(t *testing.T) {
	f := newFixture(t, func(o *UploadOptions) { o.MaxPayloadBytes = 100 })
	ctx := context.Background()

	_, err := f.svc.UploadWhole(ctx, owner, model.UploadMetadata{}, strings.NewReader(""), -1)
	assert.ErrorIs(t, err, model.ErrValidation)
	_, err = f.svc.UploadWhole(ctx, owner, model.UploadMetadata{}, strings.NewReader(""), 0)
	assert.ErrorIs(t, err, model.ErrValidation)
	_, err = f.svc.UploadWhole(ctx, owner, model.UploadMetadata{}, nil, 10)
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = f.svc.UploadWhole(ctx, owner, model.UploadMetadata{}, bytes.NewReader(payload(101)), 101)
	assert.ErrorIs(t, err, model.ErrPayloadTooLarge)
	_, err = f.svc.UploadWhole(ctx, owner, model.UploadMetadata{}, bytes.NewReader(payload(150)), -1)
	assert.ErrorIs(t, err, model.ErrPayloadTooLarge)

	f.sink.putErr = errBoom
	_, err = f.svc.UploadWhole(ctx, owner, model.UploadMetadata{}, bytes.NewReader(payload(50)), 50)
	assert.ErrorIs(t, err, model.ErrSinkFailure)

	assert.Equal(t, 0, f.videos.count())
}

func TestSweepExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.svc.now = func() time.Time { return time.Now().Add(-25 * time.Hour) }
	oldID, err := f.svc.Init(ctx, owner, "", model.UploadMetadata{}, 2)
	require.NoError(t, err)
	f.upload(t, oldID, 0, []byte("stale"))
	oldLive, err := f.svc.StartLive(ctx, owner, model.UploadMetadata{})
	require.NoError(t, err)

	f.svc.now = time.Now
	freshID, err := f.svc.Init(ctx, owner, "", model.UploadMetadata{}, 2)
	require.NoError(t, err)
	f.upload(t, freshID, 1, []byte("fresh"))

	// 进程重启遗留的孤儿分片
	_, err = f.staging.Put(ctx, "orphan", 0, strings.NewReader("orphan"), 6)
	require.NoError(t, err)
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, f.fs.Chtimes("/staging/orphan/0.part", old, old))

	report, err := f.svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Sessions)
	assert.Equal(t, 1, report.StagedChunks)
	assert.Equal(t, 1, report.LiveStreams)
	assert.Equal(t, 1, report.Orphans)

	_, err = f.svc.Status(ctx, oldID, owner)
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.False(t, f.stagedExists(t, oldID, 0))
	assert.ErrorIs(t, f.svc.UploadLiveChunk(ctx, oldLive, owner, 0, []byte("x")), model.ErrNotFound)
	assert.Equal(t, 1, f.sink.aborted)

	status, err := f.svc.Status(ctx, freshID, owner)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, status.Received)
	assert.True(t, f.stagedExists(t, freshID, 1))
}

func TestUpload_ChunkRejectedWhileFinalizing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.svc.Init(ctx, owner, "", model.UploadMetadata{}, 2)
	require.NoError(t, err)
	f.upload(t, id, 0, []byte("aa"))

	ok, err := f.sessions.LockFinalize(ctx, id, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.svc.UploadChunk(ctx, id, owner, 0, bytes.NewReader([]byte("bbbb")), 4)
	assert.ErrorIs(t, err, model.ErrFinalizeInProgress)
	rc, err := f.staging.Open(ctx, id, 0)
	require.NoError(t, err)
	staged, _ := io.ReadAll(rc)
	_ = rc.Close()
	assert.Equal(t, "aa", string(staged), "staged chunk untouched")

	require.NoError(t, f.sessions.UnlockFinalize(ctx, id))
	f.upload(t, id, 1, []byte("cc"))
}

func TestUpload_FinalizeDetectsChunkReplacedDuringMerge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.svc.Init(ctx, owner, "", model.UploadMetadata{}, 2)
	require.NoError(t, err)
	f.upload(t, id, 0, []byte("aa"))
	f.upload(t, id, 1, []byte("bb"))

	// 加锁前已经在途的重传在合并过程中落地
	f.sink.beforePut = func() {
		f.sink.beforePut = nil
		replacement := []byte("longer-chunk")
		_, err := f.staging.Put(ctx, id, 1, bytes.NewReader(replacement), int64(len(replacement)))
		require.NoError(t, err)
		_, err = f.sessions.RecordChunk(ctx, id, owner, 1, int64(len(replacement)))
		require.NoError(t, err)
	}

	_, err = f.svc.Finalize(ctx, id, owner)
	require.ErrorIs(t, err, model.ErrFinalizeInProgress)
	assert.Equal(t, 0, f.videos.count())
	assert.Equal(t, 0, f.sink.objectCount())
	_, err = f.sessions.Get(ctx, id)
	require.NoError(t, err, "session kept for retry")

	video, err := f.svc.Finalize(ctx, id, owner)
	require.NoError(t, err)
	stored, _ := f.sink.object(video.StorageKey)
	assert.Equal(t, "aalonger-chunk", string(stored))
	assert.Equal(t, int64(14), video.Size)
}
