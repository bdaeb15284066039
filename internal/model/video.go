package model

import "time"

// StorageProviderMinIO 是视频记录中的存储提供方标签。
const StorageProviderMinIO = "MINIO"

// Video 定义了 videos 表的 ORM 模型，Finalize 是初始行的唯一写入者；
// 时长等富化字段和计数器由其他协作方更新。
type Video struct {
	ID              string     `gorm:"type:char(36);primaryKey" json:"id"`
	UserID          uint       `gorm:"not null;index" json:"userId"`
	Title           string     `gorm:"type:varchar(255);not null" json:"title"`
	Description     string     `gorm:"type:text" json:"description,omitempty"`
	OriginalName    string     `gorm:"type:varchar(255)" json:"originalName"`
	MimeType        string     `gorm:"type:varchar(100)" json:"mimeType"`
	Size            int64      `gorm:"not null" json:"size"`
	Duration        *float64   `json:"duration"`
	VideoURL        string     `gorm:"type:varchar(1024);not null" json:"videoUrl"`
	StorageKey      string     `gorm:"type:varchar(512);not null" json:"storageKey"`
	StorageProvider string     `gorm:"type:varchar(32);not null" json:"storageProvider"`
	RecordingType   string     `gorm:"type:varchar(16);not null;default:DESKTOP" json:"recordingType"`
	ShareToken      string     `gorm:"type:char(36);uniqueIndex" json:"shareToken"`
	IsDownloadable  bool       `gorm:"not null" json:"isDownloadable"`
	IsPublic        bool       `gorm:"not null;default:false" json:"isPublic"`
	ViewCount       int64      `gorm:"not null;default:0" json:"viewCount"`
	DownloadCount   int64      `gorm:"not null;default:0" json:"downloadCount"`
	ThumbnailURL    string     `gorm:"type:varchar(1024)" json:"thumbnailUrl,omitempty"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updatedAt"`
	EnrichedAt      *time.Time `json:"enrichedAt,omitempty"`

	// SequenceGaps 仅出现在实时上传的 Finalize 响应中，列出从未到达的分片区间。
	SequenceGaps []IndexRange `gorm:"-" json:"sequenceGaps,omitempty"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Video) TableName() string {
	return "videos"
}
