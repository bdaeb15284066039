// Package service 包含了应用的业务逻辑层。
package service

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/NureniJamiu/screenforge/internal/config"
	"github.com/NureniJamiu/screenforge/internal/model"
	"github.com/NureniJamiu/screenforge/internal/repository"
	"github.com/NureniJamiu/screenforge/pkg/chunk"
	"github.com/NureniJamiu/screenforge/pkg/log"
	"github.com/NureniJamiu/screenforge/pkg/storage"
	"github.com/NureniJamiu/screenforge/pkg/tasks"

	"github.com/google/uuid"
)

// TaskPublisher 在 Finalize 成功后投递异步富化任务，失败只记录日志。
type TaskPublisher interface {
	PublishVideoTask(ctx context.Context, task tasks.VideoProcessingTask) error
}

// UploadOptions 是上传协调器的限制与周期参数。
type UploadOptions struct {
	MaxPayloadBytes   int64
	MaxChunkBytes     int64
	MaxTotalChunks    int
	SessionMaxAge     time.Duration
	FinalizeLockTTL   time.Duration
	LiveReorderWindow int
}

// OptionsFromConfig 从配置构造 UploadOptions。
func OptionsFromConfig(cfg config.UploadConfig) UploadOptions {
	return UploadOptions{
		MaxPayloadBytes:   cfg.MaxPayloadBytes,
		MaxChunkBytes:     cfg.MaxChunkBytes,
		MaxTotalChunks:    cfg.MaxTotalChunks,
		SessionMaxAge:     cfg.SessionMaxAge,
		FinalizeLockTTL:   cfg.FinalizeLockTTL,
		LiveReorderWindow: cfg.LiveReorderWindow,
	}
}

// UploadService 接口定义了视频上传协议的全部操作：整文件上传、分片上传、实时上传与过期清理。
type UploadService interface {
	UploadWhole(ctx context.Context, ownerID uint, metadata model.UploadMetadata, r io.Reader, size int64) (*model.Video, error)

	Init(ctx context.Context, ownerID uint, sessionID string, metadata model.UploadMetadata, totalChunks int) (string, error)
	UploadChunk(ctx context.Context, sessionID string, ownerID uint, chunkIndex int, r io.Reader, size int64) (model.ChunkProgress, error)
	Status(ctx context.Context, sessionID string, ownerID uint) (*model.SessionStatus, error)
	Finalize(ctx context.Context, sessionID string, ownerID uint) (*model.Video, error)
	// Cleanup 对分片会话和实时会话都适用，会话不存在时不是错误。
	Cleanup(ctx context.Context, sessionID string, ownerID uint) error

	StartLive(ctx context.Context, ownerID uint, metadata model.UploadMetadata) (string, error)
	UploadLiveChunk(ctx context.Context, sessionID string, ownerID uint, chunkIndex int, data []byte) error
	FinalizeLive(ctx context.Context, sessionID string, ownerID uint) (*model.Video, error)

	SweepExpired(ctx context.Context) (SweepReport, error)
}

type uploadService struct {
	sessions  repository.SessionRepository
	videos    repository.VideoRepository
	staging   storage.Staging
	sink      storage.Sink
	publisher TaskPublisher
	opts      UploadOptions

	liveMu sync.Mutex
	live   map[string]*liveStream

	now func() time.Time
}

// NewUploadService 创建一个新的 UploadService 实例，publisher 可以为 nil。
func NewUploadService(
	sessions repository.SessionRepository,
	videos repository.VideoRepository,
	staging storage.Staging,
	sink storage.Sink,
	publisher TaskPublisher,
	opts UploadOptions,
) UploadService {
	if opts.LiveReorderWindow <= 0 {
		opts.LiveReorderWindow = 32
	}
	if opts.MaxTotalChunks <= 0 {
		opts.MaxTotalChunks = 10000
	}
	if opts.FinalizeLockTTL <= 0 {
		opts.FinalizeLockTTL = 10 * time.Minute
	}
	return &uploadService{
		sessions:  sessions,
		videos:    videos,
		staging:   staging,
		sink:      sink,
		publisher: publisher,
		opts:      opts,
		live:      make(map[string]*liveStream),
		now:       time.Now,
	}
}

// UploadWhole 处理单请求整文件上传：字节直接流向存储，成功后写入视频记录。
func (s *uploadService) UploadWhole(ctx context.Context, ownerID uint, metadata model.UploadMetadata, r io.Reader, size int64) (*model.Video, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: missing video file", model.ErrValidation)
	}
	if size == 0 {
		return nil, fmt.Errorf("%w: empty video file", model.ErrValidation)
	}
	if size > s.opts.MaxPayloadBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit %d", model.ErrPayloadTooLarge, size, s.opts.MaxPayloadBytes)
	}

	// size 未知时先窥探一个字节，空文件属于输入错误
	br := bufio.NewReader(r)
	if _, err := br.Peek(1); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty video file", model.ErrValidation)
		}
		return nil, err
	}
	guard := &sizeGuard{r: br, limit: s.opts.MaxPayloadBytes}

	metadata = normalizeMetadata(metadata, s.now())
	videoID := uuid.NewString()
	key := storageKey(ownerID, videoID, metadata, s.now())
	log.Infof("[UploadWhole] 开始整文件上传, 用户ID: %d, key: %s, size: %d", ownerID, key, size)

	obj, err := s.sink.Put(ctx, key, guard, size, metadata.MimeType)
	if err != nil {
		if guard.exceeded {
			return nil, fmt.Errorf("%w: exceeds limit %d", model.ErrPayloadTooLarge, s.opts.MaxPayloadBytes)
		}
		log.Errorf("[UploadWhole] 写入存储失败, key: %s, error: %v", key, err)
		return nil, fmt.Errorf("%w: %v", model.ErrSinkFailure, err)
	}

	video := buildVideo(videoID, ownerID, metadata, obj)
	if err := s.createRecord(ctx, video); err != nil {
		return nil, err
	}
	s.publish(ctx, video)
	log.Infof("[UploadWhole] 上传完成, videoID: %s, size: %d", video.ID, video.Size)
	return video, nil
}

// Init 创建一个分片上传会话。sessionID 为空时由服务端生成。
func (s *uploadService) Init(ctx context.Context, ownerID uint, sessionID string, metadata model.UploadMetadata, totalChunks int) (string, error) {
	if totalChunks <= 0 {
		return "", fmt.Errorf("%w: totalChunks must be positive, got %d", model.ErrValidation, totalChunks)
	}
	if s.opts.MaxTotalChunks > 0 && totalChunks > s.opts.MaxTotalChunks {
		return "", fmt.Errorf("%w: totalChunks %d exceeds limit %d", model.ErrValidation, totalChunks, s.opts.MaxTotalChunks)
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	} else if !storage.ValidSessionID(sessionID) {
		return "", fmt.Errorf("%w: sessionId must match [A-Za-z0-9_-]{1,128}", model.ErrValidation)
	}

	session := &model.UploadSession{
		ID:          sessionID,
		OwnerID:     ownerID,
		Kind:        model.SessionKindChunked,
		Metadata:    metadata,
		TotalChunks: totalChunks,
		ChunkSizes:  map[int]int64{},
		CreatedAt:   s.now(),
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return "", err
	}
	log.Infof("[Init] 创建上传会话, sessionID: %s, 用户ID: %d, totalChunks: %d", sessionID, ownerID, totalChunks)
	return sessionID, nil
}

// loadOwned 读取会话并校验归属。
func (s *uploadService) loadOwned(ctx context.Context, sessionID string, ownerID uint) (*model.UploadSession, error) {
	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.OwnerID != ownerID {
		log.Warnf("[Session] 会话归属不匹配, sessionID: %s, owner: %d, caller: %d", sessionID, session.OwnerID, ownerID)
		return nil, model.ErrForbidden
	}
	return session, nil
}

// UploadChunk 暂存一个分片并登记到会话。所有校验在写暂存之前完成，非法输入不产生任何副作用。
func (s *uploadService) UploadChunk(ctx context.Context, sessionID string, ownerID uint, chunkIndex int, r io.Reader, size int64) (model.ChunkProgress, error) {
	if r == nil {
		return model.ChunkProgress{}, fmt.Errorf("%w: missing chunk", model.ErrValidation)
	}
	if chunkIndex < 0 {
		return model.ChunkProgress{}, fmt.Errorf("%w: %d", model.ErrOutOfRange, chunkIndex)
	}
	if size > s.opts.MaxChunkBytes {
		return model.ChunkProgress{}, fmt.Errorf("%w: chunk of %d bytes exceeds limit %d", model.ErrPayloadTooLarge, size, s.opts.MaxChunkBytes)
	}

	session, err := s.loadOwned(ctx, sessionID, ownerID)
	if err != nil {
		return model.ChunkProgress{}, err
	}
	if session.Kind != model.SessionKindChunked {
		return model.ChunkProgress{}, fmt.Errorf("%w: session %s is a live session", model.ErrValidation, sessionID)
	}
	if !session.InRange(chunkIndex) {
		return model.ChunkProgress{}, fmt.Errorf("%w: %d not in [0, %d)", model.ErrOutOfRange, chunkIndex, session.TotalChunks)
	}
	// Finalize 正在读取暂存分片时不能再覆盖它们
	finalizing, err := s.sessions.IsFinalizing(ctx, sessionID)
	if err != nil {
		return model.ChunkProgress{}, err
	}
	if finalizing {
		return model.ChunkProgress{}, model.ErrFinalizeInProgress
	}

	guard := &sizeGuard{r: r, limit: s.opts.MaxChunkBytes}
	written, err := s.staging.Put(ctx, sessionID, chunkIndex, guard, size)
	if err != nil || guard.exceeded {
		s.dropStaged(ctx, sessionID, chunkIndex)
		if guard.exceeded {
			return model.ChunkProgress{}, fmt.Errorf("%w: chunk exceeds limit %d", model.ErrPayloadTooLarge, s.opts.MaxChunkBytes)
		}
		log.Errorf("[UploadChunk] 暂存分片失败, sessionID: %s, chunk: %d, error: %v", sessionID, chunkIndex, err)
		return model.ChunkProgress{}, fmt.Errorf("暂存分片失败: %w", err)
	}
	if written == 0 {
		s.dropStaged(ctx, sessionID, chunkIndex)
		return model.ChunkProgress{}, fmt.Errorf("%w: empty chunk", model.ErrValidation)
	}

	progress, err := s.sessions.RecordChunk(ctx, sessionID, ownerID, chunkIndex, written)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			// 会话在暂存期间被清理，回收刚写入的分片
			s.dropStaged(ctx, sessionID, chunkIndex)
		}
		return model.ChunkProgress{}, err
	}
	log.Debugf("[UploadChunk] 分片已记录, sessionID: %s, chunk: %d, size: %d, progress: %d/%d, duplicate: %t",
		sessionID, chunkIndex, written, progress.Received, progress.Total, progress.Duplicate)
	return progress, nil
}

func (s *uploadService) dropStaged(ctx context.Context, sessionID string, chunkIndex int) {
	if err := s.staging.Delete(ctx, sessionID, chunkIndex); err != nil {
		log.Warnf("[Staging] 删除暂存分片失败, sessionID: %s, chunk: %d, error: %v", sessionID, chunkIndex, err)
	}
}

// Status 返回会话进度，客户端据此断点续传。
func (s *uploadService) Status(ctx context.Context, sessionID string, ownerID uint) (*model.SessionStatus, error) {
	session, err := s.loadOwned(ctx, sessionID, ownerID)
	if err != nil {
		return nil, err
	}
	received := session.ReceivedIndices()
	status := &model.SessionStatus{
		SessionID:   session.ID,
		Kind:        session.Kind,
		TotalChunks: session.TotalChunks,
		Received:    received,
		Missing:     []int{},
		Complete:    session.IsComplete(),
		CreatedAt:   session.CreatedAt,
	}
	if session.Kind == model.SessionKindChunked {
		status.Missing = model.NewIncompleteError(received, session.TotalChunks).Missing
		status.Progress = float64(len(received)) * 100 / float64(session.TotalChunks)
	}
	return status, nil
}

// Finalize 按下标顺序把暂存分片流式写入存储，再写视频记录。
// 存储或记录写入失败时会话与暂存分片都保留，可以重试 Finalize。
func (s *uploadService) Finalize(ctx context.Context, sessionID string, ownerID uint) (*model.Video, error) {
	session, err := s.loadOwned(ctx, sessionID, ownerID)
	if err != nil {
		return nil, err
	}
	if session.Kind != model.SessionKindChunked {
		return nil, fmt.Errorf("%w: session %s is a live session", model.ErrValidation, sessionID)
	}
	if !session.IsComplete() {
		incomplete := model.NewIncompleteError(session.ReceivedIndices(), session.TotalChunks)
		log.Infof("[Finalize] 分片不完整, sessionID: %s, missing: %v", sessionID, incomplete.Missing)
		return nil, incomplete
	}

	locked, err := s.sessions.LockFinalize(ctx, sessionID, s.opts.FinalizeLockTTL)
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, model.ErrFinalizeInProgress
	}
	defer func() {
		if err := s.sessions.UnlockFinalize(context.WithoutCancel(ctx), sessionID); err != nil {
			log.Warnf("[Finalize] 释放 Finalize 锁失败, sessionID: %s, error: %v", sessionID, err)
		}
	}()

	// 持锁后重新读取，分片大小以锁内的快照为准
	session, err = s.loadOwned(ctx, sessionID, ownerID)
	if err != nil {
		return nil, err
	}
	expected := session.ReceivedBytes()

	metadata := normalizeMetadata(session.Metadata, s.now())
	videoID := uuid.NewString()
	key := storageKey(ownerID, videoID, metadata, s.now())
	log.Infof("[Finalize] 开始合并, sessionID: %s, chunks: %d, size: %d, key: %s", sessionID, session.TotalChunks, expected, key)

	// size 传 -1 并自行计数：加锁前已在途的重传可能替换某个分片，已知长度的 PutObject 会静默截断
	staged := chunk.NewSequentialReader(session.TotalChunks, func(index int) (io.ReadCloser, error) {
		return s.staging.Open(ctx, sessionID, index)
	})
	joined := &countingReader{r: staged}
	obj, err := s.sink.Put(ctx, key, joined, -1, metadata.MimeType)
	_ = staged.Close()
	if err != nil {
		log.Errorf("[Finalize] 写入存储失败, sessionID: %s, error: %v", sessionID, err)
		return nil, fmt.Errorf("%w: %v", model.ErrSinkFailure, err)
	}
	if changed := s.stagedChanged(ctx, session, joined.n); changed != nil {
		s.discardObject(ctx, key)
		log.Warnf("[Finalize] 合并期间暂存分片发生变化, sessionID: %s, expected: %d, read: %d", sessionID, expected, joined.n)
		return nil, changed
	}

	video := buildVideo(videoID, ownerID, metadata, obj)
	if err := s.createRecord(ctx, video); err != nil {
		return nil, err
	}

	// 记录已经持久化，之后的清理失败只记日志
	for _, index := range session.ReceivedIndices() {
		s.dropStaged(ctx, sessionID, index)
	}
	if err := s.sessions.Remove(ctx, sessionID); err != nil {
		log.Warnf("[Finalize] 删除会话失败, sessionID: %s, error: %v", sessionID, err)
	}
	s.publish(ctx, video)
	log.Infof("[Finalize] 合并完成, sessionID: %s, videoID: %s, size: %d", sessionID, video.ID, video.Size)
	return video, nil
}

// createRecord 写视频记录；失败时尽力删除孤儿对象，保证调用方看不到半成品。
func (s *uploadService) createRecord(ctx context.Context, video *model.Video) error {
	if err := s.videos.Create(ctx, video); err != nil {
		log.Errorf("[VideoRecord] 写入视频记录失败, key: %s, error: %v", video.StorageKey, err)
		if delErr := s.sink.Delete(context.WithoutCancel(ctx), video.StorageKey); delErr != nil {
			log.Warnf("[VideoRecord] 删除孤儿对象失败, key: %s, error: %v", video.StorageKey, delErr)
		}
		return fmt.Errorf("%w: %v", model.ErrMetadataFailure, err)
	}
	return nil
}

func (s *uploadService) publish(ctx context.Context, video *model.Video) {
	if s.publisher == nil {
		return
	}
	task := tasks.VideoProcessingTask{
		VideoID:     video.ID,
		UserID:      video.UserID,
		StorageKey:  video.StorageKey,
		VideoURL:    video.VideoURL,
		Title:       video.Title,
		MimeType:    video.MimeType,
		HasDuration: video.Duration != nil,
	}
	if err := s.publisher.PublishVideoTask(context.WithoutCancel(ctx), task); err != nil {
		log.Warnf("[Publish] 投递视频处理任务失败, videoID: %s, error: %v", video.ID, err)
	}
}

// Cleanup 删除会话记录过的每个暂存分片，再删除会话本身。
func (s *uploadService) Cleanup(ctx context.Context, sessionID string, ownerID uint) error {
	session, err := s.loadOwned(ctx, sessionID, ownerID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			// 本实例上可能仍残留实时流
			s.abortLive(sessionID, ownerID)
			return nil
		}
		return err
	}

	switch session.Kind {
	case model.SessionKindLive:
		s.abortLive(sessionID, ownerID)
	default:
		for _, index := range session.ReceivedIndices() {
			s.dropStaged(ctx, sessionID, index)
		}
	}
	if err := s.sessions.Remove(ctx, sessionID); err != nil {
		return err
	}
	log.Infof("[Cleanup] 会话已清理, sessionID: %s, kind: %s, chunks: %d", sessionID, session.Kind, session.ReceivedCount())
	return nil
}

// stagedChanged 在读到的字节数或会话记录的分片大小与合并开始时不一致时返回错误。
func (s *uploadService) stagedChanged(ctx context.Context, before *model.UploadSession, read int64) error {
	expected := before.ReceivedBytes()
	if read != expected {
		return fmt.Errorf("%w: staged chunks changed during finalize", model.ErrFinalizeInProgress)
	}
	after, err := s.sessions.Get(ctx, before.ID)
	if err != nil {
		return err
	}
	if after.ReceivedBytes() != expected {
		return fmt.Errorf("%w: staged chunks changed during finalize", model.ErrFinalizeInProgress)
	}
	return nil
}

func (s *uploadService) discardObject(ctx context.Context, key string) {
	if err := s.sink.Delete(context.WithoutCancel(ctx), key); err != nil {
		log.Warnf("[Finalize] 删除未登记的对象失败, key: %s, error: %v", key, err)
	}
}

// countingReader 记录实际读出的字节数。
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// sizeGuard 在读取超过 limit 时返回错误，并记住越界以便区分 413 与存储故障。
type sizeGuard struct {
	r        io.Reader
	limit    int64
	read     int64
	exceeded bool
}

var errSizeExceeded = errors.New("size limit exceeded")

func (g *sizeGuard) Read(p []byte) (int, error) {
	if g.exceeded {
		return 0, errSizeExceeded
	}
	n, err := g.r.Read(p)
	g.read += int64(n)
	if g.read > g.limit {
		g.exceeded = true
		return n, errSizeExceeded
	}
	return n, err
}
