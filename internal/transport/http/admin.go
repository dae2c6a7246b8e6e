package httptransport

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"speedmonitor/backend/internal/domain"
	"speedmonitor/backend/internal/middleware"
	"speedmonitor/backend/internal/service"
)

// AdminHandler 用户管理处理器
type AdminHandler struct {
	adminService *service.AdminService
	log          *zap.Logger
}

// NewAdminHandler 创建用户管理处理器
func NewAdminHandler(adminService *service.AdminService, log *zap.Logger) *AdminHandler {
	return &AdminHandler{adminService: adminService, log: log}
}

// ListUsers 列出所有用户
func (h *AdminHandler) ListUsers(c *gin.Context) {
	users, err := h.adminService.ListUsers(c.Request.Context())
	if err != nil {
		writeError(c, h.log, err, "Failed to list users")
		return
	}
	List[domain.User](c, users)
}

type updateUserRequest struct {
	IsActive *bool `json:"isActive"`
}

// UpdateUser 启用或停用用户
func (h *AdminHandler) UpdateUser(c *gin.Context) {
	var req updateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.IsActive == nil {
		BadRequest(c, "isActive is required")
		return
	}

	caller, _ := middleware.PrincipalFrom(c)
	user, err := h.adminService.SetUserActive(c.Request.Context(), caller, c.Param("id"), *req.IsActive)
	if err != nil {
		writeError(c, h.log, err, "Failed to update user")
		return
	}
	Success(c, user)
}
