package httptransport

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"speedmonitor/backend/internal/domain"
	"speedmonitor/backend/internal/middleware"
	"speedmonitor/backend/internal/service"
)

// APIKeyHandler API Key管理处理器
type APIKeyHandler struct {
	apiKeyService *service.APIKeyService
	log           *zap.Logger
}

// NewAPIKeyHandler 创建API Key处理器
func NewAPIKeyHandler(apiKeyService *service.APIKeyService, log *zap.Logger) *APIKeyHandler {
	return &APIKeyHandler{
		apiKeyService: apiKeyService,
		log:           log,
	}
}

// createAPIKeyRequest 创建API Key请求
type createAPIKeyRequest struct {
	Name        string             `json:"name"`
	Permissions domain.Permissions `json:"permissions"`
	ExpiresIn   *expiresInDays     `json:"expiresIn"` // 有效天数
}

// expiresInDays 有效天数，同时接受数字和数字字符串，空字符串等同于 0
type expiresInDays int

func (d *expiresInDays) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if unquoted, err := strconv.Unquote(raw); err == nil {
		raw = strings.TrimSpace(unquoted)
	}
	if raw == "" {
		*d = 0
		return nil
	}

	n, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("expiresIn must be a whole number of days: %w", err)
	}
	*d = expiresInDays(n)
	return nil
}

func (d *expiresInDays) days() *int {
	if d == nil {
		return nil
	}
	n := int(*d)
	return &n
}

// createAPIKeyResponse 签发结果，明文只返回这一次
type createAPIKeyResponse struct {
	ID        string `json:"id"`
	APIKey    string `json:"apiKey"`
	Name      string `json:"name"`
	ExpiresAt any    `json:"expiresAt"`
	Message   string `json:"message"`
}

// CreateAPIKey 为当前用户签发 API Key
func (h *APIKeyHandler) CreateAPIKey(c *gin.Context) {
	caller, ok := middleware.PrincipalFrom(c)
	if !ok {
		Unauthorized(c, MsgAuthRequired)
		return
	}

	var req createAPIKeyRequest
	// 请求体可以为空，全部字段使用默认值
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	issued, err := h.apiKeyService.Issue(c.Request.Context(), service.IssueAPIKeyInput{
		UserID:        caller.UserID,
		Name:          req.Name,
		Permissions:   req.Permissions,
		ExpiresInDays: req.ExpiresIn.days(),
	})
	if err != nil {
		if errors.Is(err, service.ErrInvalidExpiry) {
			BadRequest(c, err.Error())
			return
		}
		writeError(c, h.log, err, "Failed to generate API key")
		return
	}

	Success(c, createAPIKeyResponse{
		ID:        issued.Key.ID,
		APIKey:    issued.Plaintext,
		Name:      issued.Key.Name,
		ExpiresAt: issued.Key.ExpiresAt,
		Message:   issued.Message,
	})
}

// ListAPIKeys 列出当前用户的 API Key，不包含哈希
func (h *APIKeyHandler) ListAPIKeys(c *gin.Context) {
	caller, ok := middleware.PrincipalFrom(c)
	if !ok {
		Unauthorized(c, MsgAuthRequired)
		return
	}

	keys, err := h.apiKeyService.List(c.Request.Context(), caller.UserID)
	if err != nil {
		writeError(c, h.log, err, "Failed to list API keys")
		return
	}
	List(c, keys)
}

// RevokeAPIKey 吊销 API Key
func (h *APIKeyHandler) RevokeAPIKey(c *gin.Context) {
	caller, ok := middleware.PrincipalFrom(c)
	if !ok {
		Unauthorized(c, MsgAuthRequired)
		return
	}

	if err := h.apiKeyService.Revoke(c.Request.Context(), caller, c.Param("id")); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			NotFound(c, "API key not found")
			return
		}
		writeError(c, h.log, err, "Failed to revoke API key")
		return
	}
	Success(c, gin.H{"message": "API key revoked"})
}
