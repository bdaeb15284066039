// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/NureniJamiu/screenforge/internal/model"
	"github.com/NureniJamiu/screenforge/internal/service"
	"github.com/NureniJamiu/screenforge/pkg/log"
)

// writeError 是服务层错误到 HTTP 状态码的唯一映射。
// 归属不匹配与会话不存在同样返回 404，不泄露会话是否存在。
func writeError(c *gin.Context, op string, err error) {
	var incomplete *model.IncompleteError
	var maxBytes *http.MaxBytesError
	switch {
	case errors.As(err, &incomplete):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":    "Incomplete",
			"missing":  incomplete.Missing,
			"received": incomplete.Received,
			"total":    incomplete.Total,
		})
	case errors.Is(err, model.ErrPayloadTooLarge), errors.As(err, &maxBytes):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large"})
	case errors.Is(err, model.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, model.ErrNotFound), errors.Is(err, model.ErrForbidden):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, model.ErrSessionExists), errors.Is(err, model.ErrFinalizeInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrSearchDisabled):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		log.Errorf("%s: %v", op, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// badRequest 返回统一格式的 400。
func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}
