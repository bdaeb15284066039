// Package middleware 提供了处理 HTTP 请求的中间件。
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/NureniJamiu/screenforge/internal/service"
	"github.com/NureniJamiu/screenforge/pkg/log"
	"github.com/NureniJamiu/screenforge/pkg/token"
)

// 上下文中存放当前用户的键。
const (
	ContextUser   = "user"
	ContextUserID = "userID"
	ContextClaims = "claims"
)

// AuthMiddleware 创建一个 Gin 中间件，用于 JWT 认证。
// token 来自 Authorization 头；浏览器的 WebSocket 无法设置请求头，因此也接受 access_token 查询参数。
// 第一次见到的 subject 会被自动建档。
func AuthMiddleware(jwtManager *token.JWTManager, userService service.UserService) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := extractToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "请求未包含有效的授权信息"})
			return
		}

		claims, err := jwtManager.VerifyToken(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "无效或已过期的 token"})
			return
		}

		user, err := userService.EnsureUser(c.Request.Context(), claims)
		if err != nil {
			log.Errorf("[Auth] 用户建档失败, subject: %s, error: %v", claims.Subject, err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "无法加载用户"})
			return
		}

		c.Set(ContextUser, user)
		c.Set(ContextUserID, user.ID)
		c.Set(ContextClaims, claims)
		c.Next()
	}
}

func extractToken(c *gin.Context) (string, bool) {
	const bearerPrefix = "Bearer "
	if authHeader := c.GetHeader("Authorization"); authHeader != "" {
		if !strings.HasPrefix(authHeader, bearerPrefix) {
			return "", false
		}
		t := strings.TrimSpace(strings.TrimPrefix(authHeader, bearerPrefix))
		return t, t != ""
	}
	if t := c.Query("access_token"); t != "" {
		return t, true
	}
	return "", false
}

// UserID 返回认证中间件写入的用户 ID。
func UserID(c *gin.Context) (uint, bool) {
	v, ok := c.Get(ContextUserID)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint)
	return id, ok
}
