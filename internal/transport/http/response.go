package httptransport

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// 通用错误消息
const (
	MsgInvalidRequest   = "Invalid request body"
	MsgNotFound         = "Not found"
	MsgInternalError    = "Internal server error"
	MsgAuthRequired     = "Authentication required"
	MsgPermissionDenied = "Insufficient permissions"
)

// ErrorResponse 错误响应结构
type ErrorResponse struct {
	Error string `json:"error"`
}

// ListResponse 列表响应结构
type ListResponse[T any] struct {
	Items []T `json:"items"`
	Count int `json:"count"`
}

// Success 成功响应（200）
func Success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, data)
}

// List 列表响应（200）
func List[T any](c *gin.Context, items []T) {
	if items == nil {
		items = []T{}
	}
	c.JSON(http.StatusOK, ListResponse[T]{Items: items, Count: len(items)})
}

// BadRequest 请求参数错误（400）
func BadRequest(c *gin.Context, msg string) {
	Error(c, http.StatusBadRequest, msg)
}

// Unauthorized 未认证错误（401）
func Unauthorized(c *gin.Context, msg string) {
	Error(c, http.StatusUnauthorized, msg)
}

// Forbidden 无权限错误（403）
func Forbidden(c *gin.Context, msg string) {
	Error(c, http.StatusForbidden, msg)
}

// NotFound 资源不存在错误（404）
func NotFound(c *gin.Context, msg string) {
	Error(c, http.StatusNotFound, msg)
}

// InternalError 服务器内部错误（500）
func InternalError(c *gin.Context, msg string) {
	Error(c, http.StatusInternalServerError, msg)
}

// Error 通用错误响应
func Error(c *gin.Context, httpCode int, msg string) {
	c.AbortWithStatusJSON(httpCode, ErrorResponse{Error: msg})
}
