package service

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/NureniJamiu/screenforge/internal/model"
	"github.com/NureniJamiu/screenforge/internal/repository"
	"github.com/NureniJamiu/screenforge/pkg/es"
	"github.com/NureniJamiu/screenforge/pkg/log"
)

// ErrSearchDisabled 表示没有配置搜索索引。
var ErrSearchDisabled = errors.New("video search is disabled")

// VideoSearcher 是视频全文检索的后端。
type VideoSearcher interface {
	Search(ctx context.Context, userID uint, query string, size int) ([]es.SearchHit, error)
}

// VideoService 接口定义了视频记录的读取操作。
type VideoService interface {
	List(ctx context.Context, userID uint, page, size int) ([]model.Video, int64, error)
	Get(ctx context.Context, userID uint, videoID string) (*model.Video, error)
	Search(ctx context.Context, userID uint, query string, size int) ([]model.Video, error)
}

type videoService struct {
	videos   repository.VideoRepository
	searcher VideoSearcher
}

// NewVideoService 创建一个新的 VideoService 实例，searcher 可以为 nil。
func NewVideoService(videos repository.VideoRepository, searcher VideoSearcher) VideoService {
	return &videoService{videos: videos, searcher: searcher}
}

func (s *videoService) List(ctx context.Context, userID uint, page, size int) ([]model.Video, int64, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 || size > 100 {
		size = 20
	}
	return s.videos.FindByUserID(ctx, userID, (page-1)*size, size)
}

// Get 只返回调用方自己的视频，其他用户的视频表现为不存在。
func (s *videoService) Get(ctx context.Context, userID uint, videoID string) (*model.Video, error) {
	video, err := s.videos.FindByID(ctx, videoID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	if video.UserID != userID {
		return nil, model.ErrNotFound
	}
	return video, nil
}

// Search 查询索引后回表，按命中得分顺序返回。
func (s *videoService) Search(ctx context.Context, userID uint, query string, size int) ([]model.Video, error) {
	if s.searcher == nil {
		return nil, ErrSearchDisabled
	}
	if size < 1 || size > 50 {
		size = 10
	}
	hits, err := s.searcher.Search(ctx, userID, query, size)
	if err != nil {
		log.Errorf("[Search] 检索失败, query: %s, error: %v", query, err)
		return nil, err
	}
	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.VideoID)
	}
	found, err := s.videos.FindByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]model.Video, len(found))
	for _, v := range found {
		byID[v.ID] = v
	}
	result := make([]model.Video, 0, len(hits))
	for _, id := range ids {
		// 索引可能落后于数据库，跳过已不存在或不属于调用方的文档
		if v, ok := byID[id]; ok && v.UserID == userID {
			result = append(result, v)
		}
	}
	return result, nil
}
