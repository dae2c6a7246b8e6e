package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"speedmonitor/backend/internal/auth"
	"speedmonitor/backend/internal/auth/jwt"
	"speedmonitor/backend/internal/domain"
	"speedmonitor/backend/internal/service"
)

// principalKey gin 上下文中保存调用方的键
const principalKey = "principal"

// AuthFailureRecorder 记录认证失败
type AuthFailureRecorder interface {
	RecordAuthFailure(reason string)
}

// Auth 认证与授权中间件
type Auth struct {
	gate     *auth.Gate
	recorder AuthFailureRecorder
	log      *zap.Logger
}

// NewAuth 创建认证中间件
func NewAuth(gate *auth.Gate, recorder AuthFailureRecorder, log *zap.Logger) *Auth {
	if log == nil {
		log = zap.NewNop()
	}
	return &Auth{gate: gate, recorder: recorder, log: log}
}

// RequireAuth 要求请求携带有效的令牌或 API Key
func (a *Auth) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, err := a.gate.Authenticate(c.Request.Context(), ExtractCredentials(c))
		if err != nil {
			status, message, reason := authFailure(err)
			if a.recorder != nil {
				a.recorder.RecordAuthFailure(reason)
			}
			fields := []zap.Field{
				zap.String("reason", reason),
				zap.String("ip", c.ClientIP()),
				zap.String("path", c.Request.URL.Path),
			}
			if status >= http.StatusInternalServerError {
				a.log.Error("authentication error", append(fields, zap.Error(err))...)
			} else {
				a.log.Warn("authentication failed", fields...)
			}
			c.AbortWithStatusJSON(status, gin.H{"error": message})
			return
		}

		c.Set(principalKey, principal)
		c.Next()
	}
}

// RequireRole 要求调用方拥有任一指定角色，需在 RequireAuth 之后使用
func (a *Auth) RequireRole(roles ...domain.UserRole) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, _ := PrincipalFrom(c)
		if err := a.gate.Authorize(principal, roles...); err != nil {
			a.deny(c, err)
			return
		}
		c.Next()
	}
}

// RequirePermission 要求调用方拥有指定权限，需在 RequireAuth 之后使用
func (a *Auth) RequirePermission(name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, _ := PrincipalFrom(c)
		if err := a.gate.CheckPermission(principal, name); err != nil {
			a.deny(c, err)
			return
		}
		c.Next()
	}
}

func (a *Auth) deny(c *gin.Context, err error) {
	var missing *auth.MissingPermissionError
	switch {
	case errors.Is(err, domain.ErrUnauthenticated):
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
	case errors.As(err, &missing):
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Missing permission: " + missing.Permission})
	default:
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Insufficient permissions"})
	}
}

// PrincipalFrom 取出 RequireAuth 保存的调用方
func PrincipalFrom(c *gin.Context) (*domain.Principal, bool) {
	v, exists := c.Get(principalKey)
	if !exists {
		return nil, false
	}
	p, ok := v.(*domain.Principal)
	return p, ok && p != nil
}

// ExtractCredentials 从请求头提取凭证，浏览器 WebSocket 无法设置请求头时退回查询参数
func ExtractCredentials(c *gin.Context) auth.Credentials {
	var creds auth.Credentials

	if header := c.GetHeader("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			creds.BearerToken = strings.TrimSpace(parts[1])
		}
	}
	creds.APIKey = strings.TrimSpace(c.GetHeader("X-API-Key"))

	if creds.BearerToken == "" && creds.APIKey == "" {
		creds.BearerToken = c.Query("token")
		creds.APIKey = c.Query("apiKey")
	}
	return creds
}

// authFailure 将认证错误映射为状态码、响应消息与指标标签
func authFailure(err error) (int, string, string) {
	switch {
	case errors.Is(err, jwt.ErrExpiredToken):
		return http.StatusUnauthorized, "Token expired", "token_expired"
	case errors.Is(err, jwt.ErrInvalidToken):
		return http.StatusForbidden, "Invalid token", "token_invalid"
	case errors.Is(err, service.ErrAPIKeyInvalid):
		return http.StatusForbidden, "Invalid API key", "api_key_invalid"
	case errors.Is(err, domain.ErrStoreUnavailable):
		return http.StatusInternalServerError, "Authentication error", "store_unavailable"
	case errors.Is(err, domain.ErrUnauthenticated):
		return http.StatusUnauthorized, "Authentication required", "missing_credentials"
	default:
		return http.StatusInternalServerError, "Authentication error", "internal"
	}
}
