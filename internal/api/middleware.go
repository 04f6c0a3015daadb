package api

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/xiaopang/relaygate/internal/logger"
	"github.com/xiaopang/relaygate/internal/model"
)

// gin context 键
const (
	CorrelationIDKey = "correlation_id"
)

// CorrelationMiddleware 采用或生成 X-Correlation-ID 并回写响应头
func CorrelationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Correlation-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(CorrelationIDKey, id)
		c.Header("X-Correlation-ID", id)
		c.Next()
	}
}

// correlationID 从 gin context 读取关联 ID
func correlationID(c *gin.Context) string {
	if v, ok := c.Get(CorrelationIDKey); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// CORSMiddleware CORS 中间件，OPTIONS 直接返回 200
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With, X-Correlation-ID, anthropic-version, x-api-key")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(200)
			return
		}

		c.Next()
	}
}

// RecoveryMiddleware 恢复中间件
func RecoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("panic recovered", "error", err, "path", c.Request.URL.Path)
				c.AbortWithStatusJSON(500, model.ErrorResponse{
					Error:         model.ErrKindInternal,
					Message:       "Internal server error",
					CorrelationID: correlationID(c),
				})
			}
		}()
		c.Next()
	}
}

// LoggerMiddleware 请求日志中间件
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.Info("http",
			"status", c.Writer.Status(),
			"latency", time.Since(start).Round(time.Millisecond),
			"method", c.Request.Method,
			"path", path,
			"correlation_id", correlationID(c),
		)
	}
}

// AdminAuthMiddleware 管理端 JWT 认证中间件
func AdminAuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		tokenString := strings.TrimPrefix(auth, "Bearer ")
		if auth == "" || tokenString == auth {
			c.AbortWithStatusJSON(401, model.ErrorResponse{
				Error:         model.ErrKindMissingAuth,
				Message:       "Missing or invalid Authorization header",
				CorrelationID: correlationID(c),
			})
			return
		}

		token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(401, model.ErrorResponse{
				Error:         model.ErrKindInvalidKey,
				Message:       "Invalid admin token",
				CorrelationID: correlationID(c),
			})
			return
		}

		c.Next()
	}
}

// IssueAdminToken 签发管理端 JWT
func IssueAdminToken(secret string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub": "admin",
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
