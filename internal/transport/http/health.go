package httptransport

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"speedmonitor/backend/internal/health"
)

// HealthHandler 健康检查处理器
type HealthHandler struct {
	checker *health.HealthChecker
}

// NewHealthHandler 创建健康检查处理器
func NewHealthHandler(checker *health.HealthChecker) *HealthHandler {
	return &HealthHandler{checker: checker}
}

// Health 数据库可达时返回 200，否则返回 503
func (h *HealthHandler) Health(c *gin.Context) {
	report := h.checker.Check(c.Request.Context())
	if report.Status != health.StatusHealthy {
		c.JSON(http.StatusServiceUnavailable, report)
		return
	}
	c.JSON(http.StatusOK, report)
}
