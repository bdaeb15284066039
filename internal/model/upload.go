// Package model 定义了与数据库表对应的 Go 结构体以及上传协议的领域类型。
package model

import (
	"fmt"
	"sort"
	"time"
)

// SessionKind 区分整文件分片上传与录制中的实时上传。
type SessionKind string

const (
	SessionKindChunked SessionKind = "chunked"
	SessionKindLive    SessionKind = "live"
)

// RecordingType 是录制来源。
const (
	RecordingTypeDesktop = "DESKTOP"
	RecordingTypeTab     = "TAB"
	RecordingTypeWindow  = "WINDOW"
)

// UploadMetadata 是客户端为最终视频记录提供的描述字段，
// 上传协调器不解释它，Finalize 时原样交给视频仓库。
type UploadMetadata struct {
	Title          string   `json:"title"`
	Description    string   `json:"description,omitempty"`
	RecordingType  string   `json:"recordingType,omitempty"`
	Duration       *float64 `json:"duration,omitempty"`
	IsDownloadable *bool    `json:"isDownloadable,omitempty"`
	FileName       string   `json:"fileName,omitempty"`
	MimeType       string   `json:"mimeType,omitempty"`
}

// UploadSession 记录一次进行中的上传在多个独立请求之间的状态。
type UploadSession struct {
	ID          string         `json:"sessionId"`
	OwnerID     uint           `json:"ownerId"`
	Kind        SessionKind    `json:"kind"`
	Metadata    UploadMetadata `json:"metadata"`
	TotalChunks int            `json:"totalChunks"`
	// ChunkSizes 以分片下标为键，键集合即已收到的分片集合。
	ChunkSizes map[int]int64 `json:"chunkSizes"`
	CreatedAt  time.Time     `json:"createdAt"`
}

// ReceivedIndices 返回升序排列的已收到分片下标。
func (s *UploadSession) ReceivedIndices() []int {
	indices := make([]int, 0, len(s.ChunkSizes))
	for i := range s.ChunkSizes {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	return indices
}

// ReceivedCount 返回已收到的分片数。
func (s *UploadSession) ReceivedCount() int {
	return len(s.ChunkSizes)
}

// IsComplete 仅对整文件分片会话有意义：已收到的分片数等于声明的总数。
func (s *UploadSession) IsComplete() bool {
	return s.Kind == SessionKindChunked && s.TotalChunks > 0 && len(s.ChunkSizes) == s.TotalChunks
}

// ReceivedBytes 返回所有已收到分片的字节总数。
func (s *UploadSession) ReceivedBytes() int64 {
	var total int64
	for _, size := range s.ChunkSizes {
		total += size
	}
	return total
}

// IndexRange 是分片序号的半开区间 [From, To)。
type IndexRange struct {
	From int `json:"from"`
	To   int `json:"to"`
}

func (r IndexRange) String() string {
	return fmt.Sprintf("[%d,%d)", r.From, r.To)
}

// InRange 判断 index 是否是该会话允许的分片下标。实时会话的上界由协调器按配置检查。
func (s *UploadSession) InRange(index int) bool {
	if index < 0 {
		return false
	}
	if s.Kind == SessionKindLive {
		return true
	}
	return index < s.TotalChunks
}

// Clone 返回一个不共享可变状态的副本。
func (s *UploadSession) Clone() *UploadSession {
	c := *s
	c.ChunkSizes = make(map[int]int64, len(s.ChunkSizes))
	for k, v := range s.ChunkSizes {
		c.ChunkSizes[k] = v
	}
	return &c
}

// ChunkProgress 是记录一个分片后的会话进度。
type ChunkProgress struct {
	Received  int  `json:"receivedCount"`
	Total     int  `json:"totalChunks"`
	Duplicate bool `json:"-"`
}

// SessionStatus 是查询会话时返回的进度视图，用于断点续传。
type SessionStatus struct {
	SessionID   string      `json:"sessionId"`
	Kind        SessionKind `json:"kind"`
	TotalChunks int         `json:"totalChunks"`
	Received    []int       `json:"received"`
	Missing     []int       `json:"missing"`
	Progress    float64     `json:"progress"`
	Complete    bool        `json:"complete"`
	CreatedAt   time.Time   `json:"createdAt"`
}
