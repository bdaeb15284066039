package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NureniJamiu/screenforge/internal/model"
	"github.com/NureniJamiu/screenforge/pkg/log"
	"github.com/NureniJamiu/screenforge/pkg/storage"
)

// liveStream 是一个实时会话在本实例上的写入状态。
// 分片按 next 顺序追加；乱序到达的分片在 pending 中等待，超过窗口后跳过缺口并记录。
type liveStream struct {
	mu        sync.Mutex
	sessionID string
	ownerID   uint
	metadata  model.UploadMetadata
	key       string
	videoID   string
	writer    storage.StreamWriter
	startedAt time.Time

	next    int
	pending map[int][]byte
	gaps    []model.IndexRange

	// err 一旦出现就不再接受分片，客户端应回退到整文件上传
	err       error
	committed *storage.StoredObject
	closed    bool
}

func (s *uploadService) lookupLive(sessionID string) (*liveStream, bool) {
	s.liveMu.Lock()
	defer s.liveMu.Unlock()
	st, ok := s.live[sessionID]
	return st, ok
}

func (s *uploadService) dropLive(sessionID string) *liveStream {
	s.liveMu.Lock()
	defer s.liveMu.Unlock()
	st, ok := s.live[sessionID]
	if !ok {
		return nil
	}
	delete(s.live, sessionID)
	return st
}

// StartLive 开启一个没有固定分片数的实时会话，并立即打开到存储的流式上传。
func (s *uploadService) StartLive(ctx context.Context, ownerID uint, metadata model.UploadMetadata) (string, error) {
	now := s.now()
	sessionID := uuid.NewString()
	session := &model.UploadSession{
		ID:         sessionID,
		OwnerID:    ownerID,
		Kind:       model.SessionKindLive,
		Metadata:   metadata,
		ChunkSizes: map[int]int64{},
		CreatedAt:  now,
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return "", err
	}

	normalized := normalizeMetadata(metadata, now)
	videoID := uuid.NewString()
	key := storageKey(ownerID, videoID, normalized, now)
	// 流的生命周期跨越多个请求，不能继承本次请求的取消
	writer, err := s.sink.OpenStream(context.WithoutCancel(ctx), key, normalized.MimeType)
	if err != nil {
		_ = s.sessions.Remove(ctx, sessionID)
		log.Errorf("[StartLive] 打开流式上传失败, key: %s, error: %v", key, err)
		return "", fmt.Errorf("%w: %v", model.ErrSinkFailure, err)
	}

	s.liveMu.Lock()
	s.live[sessionID] = &liveStream{
		sessionID: sessionID,
		ownerID:   ownerID,
		metadata:  normalized,
		key:       key,
		videoID:   videoID,
		writer:    writer,
		startedAt: now,
		pending:   make(map[int][]byte),
	}
	s.liveMu.Unlock()

	log.Infof("[StartLive] 实时会话已开始, sessionID: %s, 用户ID: %d, key: %s", sessionID, ownerID, key)
	return sessionID, nil
}

// UploadLiveChunk 把分片直接追加到流式上传，同一会话的追加按 sessionId 串行。
func (s *uploadService) UploadLiveChunk(ctx context.Context, sessionID string, ownerID uint, chunkIndex int, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty chunk", model.ErrValidation)
	}
	if int64(len(data)) > s.opts.MaxChunkBytes {
		return fmt.Errorf("%w: chunk of %d bytes exceeds limit %d", model.ErrPayloadTooLarge, len(data), s.opts.MaxChunkBytes)
	}
	// 实时会话没有声明总数，序号上界沿用 MaxTotalChunks，缺口区间和 Redis 位图都因此有界
	if chunkIndex < 0 || chunkIndex >= s.opts.MaxTotalChunks {
		return fmt.Errorf("%w: live chunk index %d, limit %d", model.ErrOutOfRange, chunkIndex, s.opts.MaxTotalChunks)
	}
	st, ok := s.lookupLive(sessionID)
	if !ok {
		return model.ErrNotFound
	}

	progress, err := s.sessions.RecordChunk(ctx, sessionID, ownerID, chunkIndex, int64(len(data)))
	if err != nil {
		return err
	}
	if progress.Duplicate {
		log.Debugf("[LiveChunk] 重复分片已忽略, sessionID: %s, chunk: %d", sessionID, chunkIndex)
		return nil
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return model.ErrNotFound
	}
	if st.err != nil {
		return fmt.Errorf("%w: %v", model.ErrSinkFailure, st.err)
	}
	if chunkIndex < st.next {
		// 已经被跳过的缺口，到得太晚
		log.Warnf("[LiveChunk] 分片晚于重排窗口到达，已丢弃, sessionID: %s, chunk: %d, next: %d", sessionID, chunkIndex, st.next)
		return nil
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	st.pending[chunkIndex] = buf

	if err := s.flushLive(st, false); err != nil {
		return err
	}
	return nil
}

// flushLive 在持有 st.mu 时调用。drain 为 true 时把 pending 全部写出。
func (s *uploadService) flushLive(st *liveStream, drain bool) error {
	for {
		for {
			data, ok := st.pending[st.next]
			if !ok {
				break
			}
			if err := st.writer.Append(data); err != nil {
				st.err = err
				log.Errorf("[LiveChunk] 追加写入失败, sessionID: %s, chunk: %d, error: %v", st.sessionID, st.next, err)
				return fmt.Errorf("%w: %v", model.ErrSinkFailure, err)
			}
			delete(st.pending, st.next)
			st.next++
		}
		if len(st.pending) == 0 {
			return nil
		}
		if !drain && len(st.pending) <= s.opts.LiveReorderWindow {
			return nil
		}
		// 跳过缺口：下一个可写的是 pending 中最小的下标
		lowest := -1
		for idx := range st.pending {
			if lowest < 0 || idx < lowest {
				lowest = idx
			}
		}
		st.gaps = append(st.gaps, model.IndexRange{From: st.next, To: lowest})
		log.Warnf("[LiveChunk] 检测到序号缺口, sessionID: %s, gap: [%d, %d)", st.sessionID, st.next, lowest)
		st.next = lowest
	}
}

// FinalizeLive 结束流式上传并写视频记录。没有缺失分片的前置条件，缺口随记录一起返回。
func (s *uploadService) FinalizeLive(ctx context.Context, sessionID string, ownerID uint) (*model.Video, error) {
	st, ok := s.lookupLive(sessionID)
	if !ok {
		return nil, model.ErrNotFound
	}
	if st.ownerID != ownerID {
		log.Warnf("[FinalizeLive] 会话归属不匹配, sessionID: %s, caller: %d", sessionID, ownerID)
		return nil, model.ErrForbidden
	}

	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return nil, model.ErrNotFound
	}
	if st.err != nil {
		st.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", model.ErrSinkFailure, st.err)
	}
	if st.committed == nil {
		if st.writer.Written() == 0 && len(st.pending) == 0 {
			st.mu.Unlock()
			return nil, fmt.Errorf("%w: no chunks received", model.ErrValidation)
		}
		if err := s.flushLive(st, true); err != nil {
			st.mu.Unlock()
			return nil, err
		}
		obj, err := st.writer.Commit()
		if err != nil {
			st.err = err
			st.mu.Unlock()
			log.Errorf("[FinalizeLive] 提交流式上传失败, sessionID: %s, error: %v", sessionID, err)
			return nil, fmt.Errorf("%w: %v", model.ErrSinkFailure, err)
		}
		st.committed = obj
	}

	video := buildVideo(st.videoID, ownerID, st.metadata, st.committed)
	gaps := append([]model.IndexRange(nil), st.gaps...)
	// 对象已提交，记录写入失败时保留 committed 以便重试只重做这一步
	if err := s.videos.Create(ctx, video); err != nil {
		st.mu.Unlock()
		log.Errorf("[FinalizeLive] 写入视频记录失败, sessionID: %s, error: %v", sessionID, err)
		return nil, fmt.Errorf("%w: %v", model.ErrMetadataFailure, err)
	}
	st.closed = true
	st.mu.Unlock()

	s.dropLive(sessionID)
	if err := s.sessions.Remove(ctx, sessionID); err != nil {
		log.Warnf("[FinalizeLive] 删除会话失败, sessionID: %s, error: %v", sessionID, err)
	}
	s.publish(ctx, video)

	video.SequenceGaps = gaps
	if len(gaps) > 0 {
		log.Warnf("[FinalizeLive] 实时上传存在缺失分片, sessionID: %s, gaps: %v", sessionID, gaps)
	}
	log.Infof("[FinalizeLive] 实时上传完成, sessionID: %s, videoID: %s, size: %d", sessionID, video.ID, video.Size)
	return video, nil
}

// abortLive 中止本实例上的实时流，只有创建者可以中止。
func (s *uploadService) abortLive(sessionID string, ownerID uint) {
	st, ok := s.lookupLive(sessionID)
	if !ok || st.ownerID != ownerID {
		return
	}
	s.dropLive(sessionID)
	s.closeLive(st)
}

// closeLive 释放流：未提交的流直接中止，已提交但没有记录的对象被删除。
func (s *uploadService) closeLive(st *liveStream) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return
	}
	st.closed = true
	st.pending = nil

	if st.committed != nil {
		if err := s.sink.Delete(context.Background(), st.committed.Key); err != nil {
			log.Warnf("[LiveAbort] 删除已提交对象失败, key: %s, error: %v", st.committed.Key, err)
		}
		return
	}
	if err := st.writer.Abort(); err != nil && !errors.Is(err, context.Canceled) {
		log.Warnf("[LiveAbort] 中止流式上传失败, sessionID: %s, error: %v", st.sessionID, err)
	}
}

// expiredLive 取出本实例上开始时间早于 cutoff 的实时流。
func (s *uploadService) expiredLive(cutoff time.Time) []*liveStream {
	s.liveMu.Lock()
	defer s.liveMu.Unlock()
	var expired []*liveStream
	for id, st := range s.live {
		if st.startedAt.Before(cutoff) {
			expired = append(expired, st)
			delete(s.live, id)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].startedAt.Before(expired[j].startedAt) })
	return expired
}
