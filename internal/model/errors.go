package model

import (
	"errors"
	"fmt"
	"sort"
)

// ErrValidation 表示输入不合法（缺少文件、totalChunks 非正、空载荷等），不会被内部重试。
var ErrValidation = errors.New("validation error")

// ErrOutOfRange 表示 chunkIndex 不在 [0, totalChunks) 内，属于 ErrValidation。
var ErrOutOfRange = fmt.Errorf("%w: chunk index out of range", ErrValidation)

// ErrPayloadTooLarge 表示载荷超过配置的上限。
var ErrPayloadTooLarge = errors.New("payload too large")

// ErrNotFound 表示上传会话不存在（已完成、已过期或从未创建）。
var ErrNotFound = errors.New("upload session not found")

// ErrForbidden 表示调用方不是会话的创建者。
var ErrForbidden = errors.New("upload session belongs to another user")

// ErrSessionExists 表示调用方指定的 sessionId 已被一个存活会话占用。
var ErrSessionExists = errors.New("upload session already exists")

// ErrIncomplete 表示 Finalize 时仍有分片缺失，具体缺失列表见 IncompleteError。
var ErrIncomplete = errors.New("Incomplete")

// ErrFinalizeInProgress 表示同一会话的另一个 Finalize 正在执行。
var ErrFinalizeInProgress = errors.New("finalize already in progress")

// ErrSinkFailure 表示对象存储拒绝或超时，可重试 Finalize。
var ErrSinkFailure = errors.New("storage sink failure")

// ErrMetadataFailure 表示视频记录写入失败。
var ErrMetadataFailure = errors.New("video record write failure")

// ErrCancelled 表示用户主动取消。
var ErrCancelled = errors.New("upload cancelled")

// IncompleteError 携带缺失的分片下标，客户端据此只重传缺失部分。
type IncompleteError struct {
	Missing  []int
	Received int
	Total    int
}

// NewIncompleteError 根据已收到的下标集合计算缺失列表（升序）。
func NewIncompleteError(received []int, total int) *IncompleteError {
	seen := make(map[int]struct{}, len(received))
	for _, i := range received {
		seen[i] = struct{}{}
	}
	missing := make([]int, 0, total-len(seen))
	for i := 0; i < total; i++ {
		if _, ok := seen[i]; !ok {
			missing = append(missing, i)
		}
	}
	sort.Ints(missing)
	return &IncompleteError{Missing: missing, Received: len(seen), Total: total}
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("Incomplete: %d of %d chunks received, missing %v", e.Received, e.Total, e.Missing)
}

func (e *IncompleteError) Is(target error) bool {
	return target == ErrIncomplete
}
