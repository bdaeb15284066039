package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/NureniJamiu/screenforge/internal/model"
)

const sessionIndexKey = "upload:sessions"

// createSessionScript 原子地创建会话哈希并登记到过期索引。
// KEYS[1]=会话哈希 KEYS[2]=过期索引 ARGV: owner kind total metadata created_at id
var createSessionScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'owner', ARGV[1], 'kind', ARGV[2], 'total', ARGV[3], 'metadata', ARGV[4], 'created_at', ARGV[5])
redis.call('ZADD', KEYS[2], ARGV[5], ARGV[6])
return 1
`)

// recordChunkScript 在一次原子执行里完成归属校验、范围校验、置位和计数，
// 任何校验失败都不会写入。
// KEYS[1]=会话哈希 KEYS[2]=分片位图 KEYS[3]=分片大小哈希 ARGV: owner index size
var recordChunkScript = redis.NewScript(`
local owner = redis.call('HGET', KEYS[1], 'owner')
if not owner then
	return {-1, 0, 0}
end
if owner ~= ARGV[1] then
	return {-2, 0, 0}
end
local kind = redis.call('HGET', KEYS[1], 'kind')
local total = tonumber(redis.call('HGET', KEYS[1], 'total'))
local idx = tonumber(ARGV[2])
if idx < 0 or (kind ~= 'live' and idx >= total) then
	return {-3, 0, total}
end
local prev = redis.call('SETBIT', KEYS[2], idx, 1)
redis.call('HSET', KEYS[3], ARGV[2], ARGV[3])
local count = redis.call('BITCOUNT', KEYS[2])
return {prev, count, total}
`)

// redisSessionRepository 把会话放在 Redis 中，多实例部署下任何实例都能处理任意会话的请求。
type redisSessionRepository struct {
	redisClient *redis.Client
}

// NewRedisSessionRepository 创建一个新的基于 Redis 的 SessionRepository。
func NewRedisSessionRepository(redisClient *redis.Client) SessionRepository {
	return &redisSessionRepository{redisClient: redisClient}
}

func sessionKey(id string) string       { return "upload:session:" + id }
func sessionChunksKey(id string) string { return "upload:session:" + id + ":chunks" }
func sessionSizesKey(id string) string  { return "upload:session:" + id + ":sizes" }
func sessionLockKey(id string) string   { return "upload:session:" + id + ":finalizing" }

func (r *redisSessionRepository) Create(ctx context.Context, session *model.UploadSession) error {
	if err := validateNewSession(session); err != nil {
		return err
	}
	createdAt := session.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	metadata, err := json.Marshal(session.Metadata)
	if err != nil {
		return fmt.Errorf("序列化会话元数据失败: %w", err)
	}

	created, err := createSessionScript.Run(ctx, r.redisClient,
		[]string{sessionKey(session.ID), sessionIndexKey},
		strconv.FormatUint(uint64(session.OwnerID), 10),
		string(session.Kind),
		session.TotalChunks,
		string(metadata),
		createdAt.UnixMilli(),
		session.ID,
	).Int()
	if err != nil {
		return err
	}
	if created == 0 {
		return model.ErrSessionExists
	}
	return nil
}

func (r *redisSessionRepository) Get(ctx context.Context, sessionID string) (*model.UploadSession, error) {
	var fieldsCmd, sizesCmd *redis.StringStringMapCmd
	var bitmapCmd *redis.StringCmd
	// MULTI/EXEC 保证三个 key 读到的是同一时刻的快照
	_, err := r.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		fieldsCmd = pipe.HGetAll(ctx, sessionKey(sessionID))
		bitmapCmd = pipe.Get(ctx, sessionChunksKey(sessionID))
		sizesCmd = pipe.HGetAll(ctx, sessionSizesKey(sessionID))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	fields := fieldsCmd.Val()
	if len(fields) == 0 {
		return nil, model.ErrNotFound
	}
	session, err := decodeSession(sessionID, fields)
	if err != nil {
		return nil, err
	}

	bitmap, err := bitmapCmd.Bytes()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	limit := session.TotalChunks
	if session.Kind == model.SessionKindLive {
		limit = len(bitmap) * 8
	}
	sizes := sizesCmd.Val()
	for _, index := range decodeBitmap(bitmap, limit) {
		size, _ := strconv.ParseInt(sizes[strconv.Itoa(index)], 10, 64)
		session.ChunkSizes[index] = size
	}
	return session, nil
}

func decodeSession(sessionID string, fields map[string]string) (*model.UploadSession, error) {
	owner, err := strconv.ParseUint(fields["owner"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("会话 %s 的 owner 字段损坏: %w", sessionID, err)
	}
	total, _ := strconv.Atoi(fields["total"])
	createdMs, _ := strconv.ParseInt(fields["created_at"], 10, 64)

	var metadata model.UploadMetadata
	if raw := fields["metadata"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
			return nil, fmt.Errorf("会话 %s 的元数据损坏: %w", sessionID, err)
		}
	}
	return &model.UploadSession{
		ID:          sessionID,
		OwnerID:     uint(owner),
		Kind:        model.SessionKind(fields["kind"]),
		Metadata:    metadata,
		TotalChunks: total,
		ChunkSizes:  make(map[int]int64),
		CreatedAt:   time.UnixMilli(createdMs),
	}, nil
}

// decodeBitmap 把 Redis 位图解码为已置位的下标列表，Redis 的位序是每个字节从高位到低位。
func decodeBitmap(bitmap []byte, limit int) []int {
	indices := make([]int, 0)
	for i := 0; i < limit; i++ {
		byteIndex := i / 8
		bitIndex := i % 8
		if byteIndex < len(bitmap) && (bitmap[byteIndex]>>(7-bitIndex))&1 == 1 {
			indices = append(indices, i)
		}
	}
	return indices
}

func (r *redisSessionRepository) RecordChunk(ctx context.Context, sessionID string, ownerID uint, chunkIndex int, size int64) (model.ChunkProgress, error) {
	res, err := recordChunkScript.Run(ctx, r.redisClient,
		[]string{sessionKey(sessionID), sessionChunksKey(sessionID), sessionSizesKey(sessionID)},
		strconv.FormatUint(uint64(ownerID), 10),
		strconv.Itoa(chunkIndex),
		size,
	).Int64Slice()
	if err != nil {
		return model.ChunkProgress{}, err
	}
	if len(res) != 3 {
		return model.ChunkProgress{}, fmt.Errorf("unexpected record chunk reply: %v", res)
	}

	switch res[0] {
	case -1:
		return model.ChunkProgress{}, model.ErrNotFound
	case -2:
		return model.ChunkProgress{}, model.ErrForbidden
	case -3:
		return model.ChunkProgress{}, fmt.Errorf("%w: %d not in [0, %d)", model.ErrOutOfRange, chunkIndex, res[2])
	}
	return model.ChunkProgress{
		Received:  int(res[1]),
		Total:     int(res[2]),
		Duplicate: res[0] == 1,
	}, nil
}

func (r *redisSessionRepository) IsComplete(ctx context.Context, sessionID string) (bool, error) {
	session, err := r.Get(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return session.IsComplete(), nil
}

func (r *redisSessionRepository) Remove(ctx context.Context, sessionID string) error {
	_, err := r.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, sessionKey(sessionID), sessionChunksKey(sessionID), sessionSizesKey(sessionID), sessionLockKey(sessionID))
		pipe.ZRem(ctx, sessionIndexKey, sessionID)
		return nil
	})
	return err
}

func (r *redisSessionRepository) SweepExpired(ctx context.Context, maxAge time.Duration) ([]*model.UploadSession, error) {
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	// 左开右开区间：严格早于 cutoff 的会话才算过期
	ids, err := r.redisClient.ZRangeByScore(ctx, sessionIndexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return nil, err
	}

	removed := make([]*model.UploadSession, 0, len(ids))
	for _, id := range ids {
		session, err := r.Get(ctx, id)
		if err != nil && !errors.Is(err, model.ErrNotFound) {
			return removed, err
		}
		if err := r.Remove(ctx, id); err != nil {
			return removed, err
		}
		if session != nil {
			removed = append(removed, session)
		}
	}
	return removed, nil
}

func (r *redisSessionRepository) LockFinalize(ctx context.Context, sessionID string, ttl time.Duration) (bool, error) {
	exists, err := r.redisClient.Exists(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return false, err
	}
	if exists == 0 {
		return false, model.ErrNotFound
	}
	return r.redisClient.SetNX(ctx, sessionLockKey(sessionID), "1", ttl).Result()
}

func (r *redisSessionRepository) UnlockFinalize(ctx context.Context, sessionID string) error {
	return r.redisClient.Del(ctx, sessionLockKey(sessionID)).Err()
}

func (r *redisSessionRepository) IsFinalizing(ctx context.Context, sessionID string) (bool, error) {
	n, err := r.redisClient.Exists(ctx, sessionLockKey(sessionID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
