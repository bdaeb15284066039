package service

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/NureniJamiu/screenforge/internal/model"
	"github.com/NureniJamiu/screenforge/pkg/storage"
)

const defaultMimeType = "video/webm"

var mimeExtensions = map[string]string{
	"video/webm":       "webm",
	"video/mp4":        "mp4",
	"video/quicktime":  "mov",
	"video/x-matroska": "mkv",
}

// normalizeMetadata 补齐客户端未提供的字段。
func normalizeMetadata(m model.UploadMetadata, now time.Time) model.UploadMetadata {
	m.Title = strings.TrimSpace(m.Title)
	if m.Title == "" {
		m.Title = "Recording " + now.Format("2006-01-02")
	}
	switch strings.ToUpper(m.RecordingType) {
	case model.RecordingTypeTab, model.RecordingTypeWindow, model.RecordingTypeDesktop:
		m.RecordingType = strings.ToUpper(m.RecordingType)
	default:
		m.RecordingType = model.RecordingTypeDesktop
	}
	if m.MimeType == "" || m.MimeType == "application/octet-stream" {
		m.MimeType = defaultMimeType
	}
	if m.FileName == "" {
		m.FileName = fmt.Sprintf("recording-%d.%s", now.UnixMilli(), extensionFor(m))
	}
	return m
}

func extensionFor(m model.UploadMetadata) string {
	if ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(m.FileName)), "."); ext != "" {
		return ext
	}
	if ext, ok := mimeExtensions[m.MimeType]; ok {
		return ext
	}
	return "webm"
}

// storageKey 为每次写入生成新的全局唯一 key：videos/<userId>/<uuid>-<unixms>.<ext>。
// 重试 Finalize 不会覆盖之前写入的字节，最多留下孤儿对象。
func storageKey(ownerID uint, videoID string, m model.UploadMetadata, now time.Time) string {
	return fmt.Sprintf("videos/%d/%s-%d.%s", ownerID, videoID, now.UnixMilli(), extensionFor(m))
}

func buildVideo(videoID string, ownerID uint, m model.UploadMetadata, obj *storage.StoredObject) *model.Video {
	downloadable := true
	if m.IsDownloadable != nil {
		downloadable = *m.IsDownloadable
	}
	return &model.Video{
		ID:              videoID,
		UserID:          ownerID,
		Title:           m.Title,
		Description:     m.Description,
		OriginalName:    m.FileName,
		MimeType:        m.MimeType,
		Size:            obj.Size,
		Duration:        m.Duration,
		VideoURL:        obj.URL,
		StorageKey:      obj.Key,
		StorageProvider: model.StorageProviderMinIO,
		RecordingType:   m.RecordingType,
		ShareToken:      uuid.NewString(),
		IsDownloadable:  downloadable,
	}
}
