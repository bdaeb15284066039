// Package repository 定义了与数据库进行数据交换的接口和实现。
package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/NureniJamiu/screenforge/internal/model"
)

// SessionRepository 保存跨请求的上传会话状态。
// 实现必须对单个会话的并发修改做串行化：同一会话不同下标的并发 RecordChunk 都要被记录。
type SessionRepository interface {
	// Create 新建会话；sessionId 已被占用时返回 model.ErrSessionExists。
	Create(ctx context.Context, session *model.UploadSession) error
	// Get 返回会话的快照副本。
	Get(ctx context.Context, sessionID string) (*model.UploadSession, error)
	// RecordChunk 幂等地把 chunkIndex 加入已收到集合，失败时不修改任何状态。
	RecordChunk(ctx context.Context, sessionID string, ownerID uint, chunkIndex int, size int64) (model.ChunkProgress, error)
	IsComplete(ctx context.Context, sessionID string) (bool, error)
	// Remove 删除会话，会话不存在时不是错误。
	Remove(ctx context.Context, sessionID string) error
	// SweepExpired 删除所有创建时间早于 maxAge 的会话，并返回被删除的会话供调用方回收暂存数据。
	SweepExpired(ctx context.Context, maxAge time.Duration) ([]*model.UploadSession, error)
	// LockFinalize 尝试获取会话的 Finalize 锁，已被持有时返回 false。
	LockFinalize(ctx context.Context, sessionID string, ttl time.Duration) (bool, error)
	UnlockFinalize(ctx context.Context, sessionID string) error
	// IsFinalizing 报告 Finalize 锁当前是否被持有，会话不存在时返回 false。
	IsFinalizing(ctx context.Context, sessionID string) (bool, error)
}

// validateNewSession 检查新会话的参数，所有实现共用。
func validateNewSession(session *model.UploadSession) error {
	if session.ID == "" {
		return fmt.Errorf("%w: empty session id", model.ErrValidation)
	}
	switch session.Kind {
	case model.SessionKindChunked:
		if session.TotalChunks <= 0 {
			return fmt.Errorf("%w: totalChunks must be positive, got %d", model.ErrValidation, session.TotalChunks)
		}
	case model.SessionKindLive:
	default:
		return fmt.Errorf("%w: unknown session kind %q", model.ErrValidation, session.Kind)
	}
	return nil
}

type memoryEntry struct {
	mu           sync.Mutex
	session      *model.UploadSession
	removed      bool
	lockedUntil  time.Time
	lockAcquired bool
}

// memorySessionRepository 是单进程部署使用的内存实现，进程重启后会话随之消失。
type memorySessionRepository struct {
	mu       sync.RWMutex
	sessions map[string]*memoryEntry
	now      func() time.Time
}

// NewMemorySessionRepository 创建一个新的内存会话仓库。
func NewMemorySessionRepository() SessionRepository {
	return &memorySessionRepository{
		sessions: make(map[string]*memoryEntry),
		now:      time.Now,
	}
}

func (r *memorySessionRepository) Create(ctx context.Context, session *model.UploadSession) error {
	if err := validateNewSession(session); err != nil {
		return err
	}
	stored := session.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = r.now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[session.ID]; ok {
		return model.ErrSessionExists
	}
	r.sessions[session.ID] = &memoryEntry{session: stored}
	return nil
}

func (r *memorySessionRepository) entry(sessionID string) (*memoryEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sessionID]
	return e, ok
}

func (r *memorySessionRepository) Get(ctx context.Context, sessionID string) (*model.UploadSession, error) {
	e, ok := r.entry(sessionID)
	if !ok {
		return nil, model.ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return nil, model.ErrNotFound
	}
	return e.session.Clone(), nil
}

func (r *memorySessionRepository) RecordChunk(ctx context.Context, sessionID string, ownerID uint, chunkIndex int, size int64) (model.ChunkProgress, error) {
	e, ok := r.entry(sessionID)
	if !ok {
		return model.ChunkProgress{}, model.ErrNotFound
	}

	// 会话级互斥，不同会话之间不竞争
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return model.ChunkProgress{}, model.ErrNotFound
	}
	s := e.session
	if s.OwnerID != ownerID {
		return model.ChunkProgress{}, model.ErrForbidden
	}
	if !s.InRange(chunkIndex) {
		return model.ChunkProgress{}, fmt.Errorf("%w: %d not in [0, %d)", model.ErrOutOfRange, chunkIndex, s.TotalChunks)
	}

	_, duplicate := s.ChunkSizes[chunkIndex]
	s.ChunkSizes[chunkIndex] = size
	return model.ChunkProgress{Received: len(s.ChunkSizes), Total: s.TotalChunks, Duplicate: duplicate}, nil
}

func (r *memorySessionRepository) IsComplete(ctx context.Context, sessionID string) (bool, error) {
	s, err := r.Get(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return s.IsComplete(), nil
}

func (r *memorySessionRepository) Remove(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	e, ok := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	e.mu.Lock()
	e.removed = true
	e.mu.Unlock()
	return nil
}

func (r *memorySessionRepository) SweepExpired(ctx context.Context, maxAge time.Duration) ([]*model.UploadSession, error) {
	cutoff := r.now().Add(-maxAge)

	r.mu.Lock()
	var expired []*memoryEntry
	for id, e := range r.sessions {
		e.mu.Lock()
		if e.session.CreatedAt.Before(cutoff) {
			e.removed = true
			expired = append(expired, e)
			delete(r.sessions, id)
		}
		e.mu.Unlock()
	}
	r.mu.Unlock()

	removed := make([]*model.UploadSession, 0, len(expired))
	for _, e := range expired {
		removed = append(removed, e.session.Clone())
	}
	return removed, nil
}

func (r *memorySessionRepository) LockFinalize(ctx context.Context, sessionID string, ttl time.Duration) (bool, error) {
	e, ok := r.entry(sessionID)
	if !ok {
		return false, model.ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return false, model.ErrNotFound
	}
	now := r.now()
	if e.lockAcquired && now.Before(e.lockedUntil) {
		return false, nil
	}
	e.lockAcquired = true
	e.lockedUntil = now.Add(ttl)
	return true, nil
}

func (r *memorySessionRepository) UnlockFinalize(ctx context.Context, sessionID string) error {
	e, ok := r.entry(sessionID)
	if !ok {
		return nil
	}
	e.mu.Lock()
	e.lockAcquired = false
	e.mu.Unlock()
	return nil
}

func (r *memorySessionRepository) IsFinalizing(ctx context.Context, sessionID string) (bool, error) {
	e, ok := r.entry(sessionID)
	if !ok {
		return false, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.removed && e.lockAcquired && r.now().Before(e.lockedUntil), nil
}
