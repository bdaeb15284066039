package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NureniJamiu/screenforge/internal/model"
)

func (f *fixture) pushLive(t *testing.T, id string, index int, data string) {
	t.Helper()
	require.NoError(t, f.svc.UploadLiveChunk(context.Background(), id, owner, index, []byte(data)))
}

func TestLive_ReordersWithinWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.svc.StartLive(ctx, owner, model.UploadMetadata{Title: "Live demo"})
	require.NoError(t, err)

	f.pushLive(t, id, 0, "aa")
	f.pushLive(t, id, 2, "cc")
	f.pushLive(t, id, 1, "bb")
	f.pushLive(t, id, 1, "bb") // 重复分片被忽略

	video, err := f.svc.FinalizeLive(ctx, id, owner)
	require.NoError(t, err)
	assert.Equal(t, "Live demo", video.Title)
	assert.Equal(t, int64(6), video.Size)
	assert.Empty(t, video.SequenceGaps)

	stored, ok := f.sink.object(video.StorageKey)
	require.True(t, ok)
	assert.Equal(t, "aabbcc", string(stored))
	assert.Equal(t, 1, f.sink.commits)
	assert.Len(t, f.pub.published(), 1)

	// 会话已结束
	assert.ErrorIs(t, f.svc.UploadLiveChunk(ctx, id, owner, 3, []byte("x")), model.ErrNotFound)
	_, err = f.svc.FinalizeLive(ctx, id, owner)
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = f.sessions.Get(ctx, id)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestLive_LastChunkBeforeEarlierIsFlushedAtFinalize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.svc.StartLive(ctx, owner, model.UploadMetadata{})
	require.NoError(t, err)

	f.pushLive(t, id, 1, "second")
	f.pushLive(t, id, 0, "first-")

	video, err := f.svc.FinalizeLive(ctx, id, owner)
	require.NoError(t, err)
	stored, _ := f.sink.object(video.StorageKey)
	assert.Equal(t, "first-second", string(stored))
}

func TestLive_DetectsSequenceGaps(t *testing.T) {
	f := newFixture(t, func(o *UploadOptions) { o.LiveReorderWindow = 2 })
	ctx := context.Background()
	id, err := f.svc.StartLive(ctx, owner, model.UploadMetadata{})
	require.NoError(t, err)

	f.pushLive(t, id, 0, "0")
	// 1 丢失；2,3,4 让等待队列超过窗口，触发跳过
	f.pushLive(t, id, 2, "2")
	f.pushLive(t, id, 3, "3")
	f.pushLive(t, id, 4, "4")
	// 晚到的 1 已经被跳过
	f.pushLive(t, id, 1, "1")
	// 6 在结束时排空，5 记为缺口
	f.pushLive(t, id, 6, "6")

	video, err := f.svc.FinalizeLive(ctx, id, owner)
	require.NoError(t, err)
	assert.Equal(t, []model.IndexRange{{From: 1, To: 2}, {From: 5, To: 6}}, video.SequenceGaps)
	stored, _ := f.sink.object(video.StorageKey)
	assert.Equal(t, "02346", string(stored))
}

func TestLive_SinkFailureIsReportedImmediately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.svc.StartLive(ctx, owner, model.UploadMetadata{})
	require.NoError(t, err)
	f.pushLive(t, id, 0, "ok")

	f.sink.setAppendErr(errBoom)
	err = f.svc.UploadLiveChunk(ctx, id, owner, 1, []byte("fails"))
	assert.ErrorIs(t, err, model.ErrSinkFailure)

	// 失败是粘滞的，恢复存储也不会继续这个流
	f.sink.setAppendErr(nil)
	err = f.svc.UploadLiveChunk(ctx, id, owner, 2, []byte("after"))
	assert.ErrorIs(t, err, model.ErrSinkFailure)
	_, err = f.svc.FinalizeLive(ctx, id, owner)
	assert.ErrorIs(t, err, model.ErrSinkFailure)
	assert.Equal(t, 0, f.videos.count())

	require.NoError(t, f.svc.Cleanup(ctx, id, owner))
	assert.Equal(t, 1, f.sink.aborted)
	require.NoError(t, f.svc.Cleanup(ctx, id, owner))
	assert.Equal(t, 1, f.sink.aborted)
}

func TestLive_Ownership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const intruder uint = 9
	id, err := f.svc.StartLive(ctx, owner, model.UploadMetadata{})
	require.NoError(t, err)
	f.pushLive(t, id, 0, "mine")

	assert.ErrorIs(t, f.svc.UploadLiveChunk(ctx, id, intruder, 1, []byte("evil")), model.ErrForbidden)
	_, err = f.svc.FinalizeLive(ctx, id, intruder)
	assert.ErrorIs(t, err, model.ErrForbidden)
	assert.ErrorIs(t, f.svc.Cleanup(ctx, id, intruder), model.ErrForbidden)
	assert.Equal(t, 0, f.sink.aborted)

	video, err := f.svc.FinalizeLive(ctx, id, owner)
	require.NoError(t, err)
	stored, _ := f.sink.object(video.StorageKey)
	assert.Equal(t, "mine", string(stored))
}

func TestLive_MetadataFailureRetriesOnlyRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.svc.StartLive(ctx, owner, model.UploadMetadata{})
	require.NoError(t, err)
	f.pushLive(t, id, 0, "data")

	f.videos.createErr = errBoom
	_, err = f.svc.FinalizeLive(ctx, id, owner)
	require.ErrorIs(t, err, model.ErrMetadataFailure)
	assert.Equal(t, 1, f.sink.commits)

	f.videos.createErr = nil
	video, err := f.svc.FinalizeLive(ctx, id, owner)
	require.NoError(t, err)
	assert.Equal(t, 1, f.sink.commits, "stream is committed only once")
	assert.Equal(t, int64(4), video.Size)
	assert.Equal(t, 1, f.videos.count())
}

func TestLive_Validation(t *testing.T) {
	f := newFixture(t, func(o *UploadOptions) { o.MaxChunkBytes = 4 })
	ctx := context.Background()
	id, err := f.svc.StartLive(ctx, owner, model.UploadMetadata{})
	require.NoError(t, err)

	assert.ErrorIs(t, f.svc.UploadLiveChunk(ctx, id, owner, 0, nil), model.ErrValidation)
	assert.ErrorIs(t, f.svc.UploadLiveChunk(ctx, id, owner, 0, []byte("12345")), model.ErrPayloadTooLarge)
	assert.ErrorIs(t, f.svc.UploadLiveChunk(ctx, id, owner, -1, []byte("1")), model.ErrOutOfRange)
	assert.ErrorIs(t, f.svc.UploadLiveChunk(ctx, "unknown", owner, 0, []byte("1")), model.ErrNotFound)

	// 没有任何分片时不能结束
	_, err = f.svc.FinalizeLive(ctx, id, owner)
	assert.ErrorIs(t, err, model.ErrValidation)

	// 实时会话不能走分片协议
	_, err = f.svc.Finalize(ctx, id, owner)
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestLive_IndexIsBounded(t *testing.T) {
	f := newFixture(t, func(o *UploadOptions) { o.MaxTotalChunks = 100 })
	ctx := context.Background()
	id, err := f.svc.StartLive(ctx, owner, model.UploadMetadata{})
	require.NoError(t, err)

	f.pushLive(t, id, 0, "a")
	assert.ErrorIs(t, f.svc.UploadLiveChunk(ctx, id, owner, 100, []byte("b")), model.ErrOutOfRange)
	assert.ErrorIs(t, f.svc.UploadLiveChunk(ctx, id, owner, 20_000_000, []byte("b")), model.ErrOutOfRange)
	assert.ErrorIs(t, f.svc.UploadLiveChunk(ctx, id, owner, 100, []byte("b")), model.ErrValidation)
	f.pushLive(t, id, 99, "z")

	// 一段缺口只占一个区间
	video, err := f.svc.FinalizeLive(ctx, id, owner)
	require.NoError(t, err)
	assert.Equal(t, []model.IndexRange{{From: 1, To: 99}}, video.SequenceGaps)
	stored, _ := f.sink.object(video.StorageKey)
	assert.Equal(t, "az", string(stored))
}
