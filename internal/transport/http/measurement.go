package httptransport

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"speedmonitor/backend/internal/middleware"
	"speedmonitor/backend/internal/service"
	"speedmonitor/backend/internal/speedtest"
	"speedmonitor/backend/internal/websocket"
)

// Trigger 手动触发测速
type Trigger interface {
	Trigger() (int64, error)
}

// MeasurementHandler 测速结果相关处理器
type MeasurementHandler struct {
	measurements *service.MeasurementService
	trigger      Trigger
	hub          *websocket.Hub
	log          *zap.Logger
}

// NewMeasurementHandler 创建测速结果处理器
func NewMeasurementHandler(measurements *service.MeasurementService, trigger Trigger, hub *websocket.Hub, log *zap.Logger) *MeasurementHandler {
	return &MeasurementHandler{
		measurements: measurements,
		trigger:      trigger,
		hub:          hub,
		log:          log,
	}
}

// Status 返回最新结果与最近 24 小时汇总
func (h *MeasurementHandler) Status(c *gin.Context) {
	status, err := h.measurements.Status(c.Request.Context())
	if err != nil {
		writeError(c, h.log, err, "Failed to get status")
		return
	}
	Success(c, status)
}

// History 返回历史测速结果
//
// 查询参数 hours 与 limit 非法时使用默认值。
func (h *MeasurementHandler) History(c *gin.Context) {
	hours, _ := strconv.Atoi(c.Query("hours"))
	limit, _ := strconv.Atoi(c.Query("limit"))

	points, err := h.measurements.History(c.Request.Context(), hours, limit)
	if err != nil {
		writeError(c, h.log, err, "Failed to get history")
		return
	}
	Success(c, gin.H{"data": points, "count": len(points)})
}

// Stream 升级为 WebSocket 并推送新的测速结果
func (h *MeasurementHandler) Stream(c *gin.Context) {
	caller, ok := middleware.PrincipalFrom(c)
	if !ok {
		Unauthorized(c, MsgAuthRequired)
		return
	}
	h.hub.ServeWS(c.Writer, c.Request, caller.UserID)
}

// TriggerTest 异步触发一次测速
func (h *MeasurementHandler) TriggerTest(c *gin.Context) {
	id, err := h.trigger.Trigger()
	if err != nil {
		if errors.Is(err, speedtest.ErrTriggerThrottled) || errors.Is(err, speedtest.ErrTriggerBusy) {
			Error(c, statusFor(err), "Speed test recently triggered, please wait")
			return
		}
		writeError(c, h.log, err, "Failed to trigger speed test")
		return
	}

	caller, _ := middleware.PrincipalFrom(c)
	h.log.Info("manual speed test requested", zap.Int64("id", id), zap.String("by", caller.UserID))
	Success(c, gin.H{"message": "Speed test triggered", "id": id})
}
