package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/NureniJamiu/screenforge/internal/middleware"
)

// Me 返回认证中间件加载的当前用户。
func Me(c *gin.Context) {
	user, ok := c.Get(middleware.ContextUser)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "未认证"})
		return
	}
	c.JSON(http.StatusOK, user)
}
