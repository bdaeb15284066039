// Package tasks defines the structure for tasks that are sent to Kafka.
package tasks

// VideoProcessingTask 在每次 Finalize 成功后发布，驱动异步富化（时长探测、搜索索引）。
type VideoProcessingTask struct {
	VideoID     string `json:"video_id"`
	UserID      uint   `json:"user_id"`
	StorageKey  string `json:"storage_key"`
	VideoURL    string `json:"video_url"`
	Title       string `json:"title"`
	MimeType    string `json:"mime_type"`
	HasDuration bool   `json:"has_duration"`
}
