package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/NureniJamiu/screenforge/internal/service"
)

// VideoHandler 负责视频记录的读取接口。
type VideoHandler struct {
	videoService service.VideoService
}

// NewVideoHandler 创建一个新的 VideoHandler 实例。
func NewVideoHandler(videoService service.VideoService) *VideoHandler {
	return &VideoHandler{videoService: videoService}
}

func queryInt(c *gin.Context, key string, def, max int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil || v <= 0 {
		return def
	}
	if v > max {
		return max
	}
	return v
}

// List 分页返回当前用户的视频，按创建时间倒序。
func (h *VideoHandler) List(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	page := queryInt(c, "page", 1, 1<<20)
	size := queryInt(c, "size", 20, 100)
	videos, total, err := h.videoService.List(c.Request.Context(), userID, page, size)
	if err != nil {
		writeError(c, "ListVideos", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"content":       videos,
		"totalElements": total,
		"number":        page,
		"size":          size,
	})
}

// Get 返回一个视频记录，其他用户的视频视为不存在。
func (h *VideoHandler) Get(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	video, err := h.videoService.Get(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		writeError(c, "GetVideo", err)
		return
	}
	c.JSON(http.StatusOK, video)
}

// Search 在当前用户的视频标题和描述中检索。
func (h *VideoHandler) Search(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	query := strings.TrimSpace(c.Query("q"))
	if query == "" {
		badRequest(c, "缺少查询参数 q")
		return
	}
	videos, err := h.videoService.Search(c.Request.Context(), userID, query, queryInt(c, "size", 10, 50))
	if err != nil {
		writeError(c, "SearchVideos", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": videos})
}
