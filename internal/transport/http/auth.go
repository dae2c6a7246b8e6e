package httptransport

import (
	"errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"speedmonitor/backend/internal/auth"
)

// AuthHandler 处理认证相关的 HTTP 请求
type AuthHandler struct {
	authService *auth.Service // 认证业务服务
	log         *zap.Logger   // 结构化日志记录器
}

// NewAuthHandler 创建新的认证处理器实例
func NewAuthHandler(authService *auth.Service, log *zap.Logger) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		log:         log,
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type userResponse struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Role     string `json:"role"`
}

type loginResponse struct {
	Token string       `json:"token"`
	User  userResponse `json:"user"`
}

// Login 处理用户登录请求
//
// 用户不存在、已停用与密码错误返回同一个 401 响应。
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "Username and password required")
		return
	}

	result, err := h.authService.Login(c.Request.Context(), auth.LoginInput{
		Username: req.Username,
		Password: req.Password,
	})
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrMissingCredentials):
			BadRequest(c, "Username and password required")
		case errors.Is(err, auth.ErrInvalidCredentials):
			h.log.Warn("login failed", zap.String("username", req.Username), zap.String("ip", c.ClientIP()))
			Unauthorized(c, "Invalid credentials")
		default:
			h.log.Error("login error", zap.Error(err))
			InternalError(c, "Login failed")
		}
		return
	}

	h.log.Info("user logged in",
		zap.String("user_id", result.User.ID),
		zap.String("username", result.User.Username),
	)

	Success(c, loginResponse{
		Token: result.Token,
		User: userResponse{
			ID:       result.User.ID,
			Username: result.User.Username,
			Email:    result.User.Email,
			Role:     string(result.User.Role),
		},
	})
}
