package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/NureniJamiu/screenforge/internal/model"
)

// VideoRepository 接口定义了视频记录的持久化操作。
type VideoRepository interface {
	Create(ctx context.Context, video *model.Video) error
	FindByID(ctx context.Context, id string) (*model.Video, error)
	FindByUserID(ctx context.Context, userID uint, offset, limit int) ([]model.Video, int64, error)
	FindByIDs(ctx context.Context, ids []string) ([]model.Video, error)
	// UpdateEnrichment 写入异步富化得到的时长，已有时长时保持不变。
	UpdateEnrichment(ctx context.Context, id string, duration *float64) error
}

// videoRepository 是 VideoRepository 接口的 GORM 实现。
type videoRepository struct {
	db *gorm.DB
}

// NewVideoRepository 创建一个新的 VideoRepository 实例。
func NewVideoRepository(db *gorm.DB) VideoRepository {
	return &videoRepository{db: db}
}

// Create 在数据库中创建视频记录，这是 Finalize 唯一的持久化副作用。
func (r *videoRepository) Create(ctx context.Context, video *model.Video) error {
	return r.db.WithContext(ctx).Create(video).Error
}

// FindByID 根据视频 ID 检索记录。
func (r *videoRepository) FindByID(ctx context.Context, id string) (*model.Video, error) {
	var video model.Video
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&video).Error; err != nil {
		return nil, err
	}
	return &video, nil
}

// FindByUserID 分页查找用户的视频，按创建时间倒序。
func (r *videoRepository) FindByUserID(ctx context.Context, userID uint, offset, limit int) ([]model.Video, int64, error) {
	var videos []model.Video
	var total int64

	db := r.db.WithContext(ctx).Model(&model.Video{}).Where("user_id = ?", userID)
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	err := db.Order("created_at desc").Offset(offset).Limit(limit).Find(&videos).Error
	if err != nil {
		return nil, 0, err
	}
	return videos, total, nil
}

// FindByIDs 批量查找视频，用于把搜索命中还原为完整记录。
func (r *videoRepository) FindByIDs(ctx context.Context, ids []string) ([]model.Video, error) {
	var videos []model.Video
	if len(ids) == 0 {
		return videos, nil
	}
	err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&videos).Error
	return videos, err
}

func (r *videoRepository) UpdateEnrichment(ctx context.Context, id string, duration *float64) error {
	updates := map[string]interface{}{"enriched_at": time.Now()}
	if duration != nil {
		updates["duration"] = gorm.Expr("COALESCE(duration, ?)", *duration)
	}
	return r.db.WithContext(ctx).Model(&model.Video{}).Where("id = ?", id).Updates(updates).Error
}
