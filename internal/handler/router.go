package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handlers 汇总路由需要的所有处理器和中间件。
type Handlers struct {
	Upload *UploadHandler
	Live   *LiveHandler
	Video  *VideoHandler
	// Auth 作用于 /api/v1 下的所有接口
	Auth gin.HandlerFunc
	// Extra 是额外的全局中间件，例如请求日志
	Extra []gin.HandlerFunc
}

// NewRouter 注册所有路由。
func NewRouter(h Handlers) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(h.Extra...)

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api/v1")
	api.Use(h.Auth)
	{
		api.GET("/users/me", Me)

		uploads := api.Group("/uploads")
		uploads.POST("", h.Upload.UploadWhole)
		uploads.POST("/sessions", h.Upload.InitSession)
		uploads.GET("/sessions/:id", h.Upload.SessionStatus)
		uploads.POST("/sessions/:id/chunks", h.Upload.UploadChunk)
		uploads.POST("/sessions/:id/finalize", h.Upload.Finalize)
		uploads.DELETE("/sessions/:id", h.Upload.Cleanup)

		uploads.POST("/live-start", h.Live.Start)
		uploads.POST("/live-chunk", h.Live.Chunk)
		uploads.POST("/live-finalize", h.Live.Finalize)
		uploads.GET("/live/:id/ws", h.Live.Stream)

		videos := api.Group("/videos")
		videos.GET("", h.Video.List)
		videos.GET("/search", h.Video.Search)
		videos.GET("/:id", h.Video.Get)
	}
	return r
}
