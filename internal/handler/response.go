// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"abroad-docs-go/internal/middleware"
	"abroad-docs-go/pkg/apperr"
	"abroad-docs-go/pkg/log"
)

// statusFor 把错误类别映射为 HTTP 状态码。
func statusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindUnsupported:
		return http.StatusNotImplemented
	case apperr.KindEmptyContent, apperr.KindExtraction:
		return http.StatusUnprocessableEntity
	case apperr.KindProvider:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func respond(c *gin.Context, status int, message string, data interface{}) {
	c.JSON(status, gin.H{"code": status, "message": message, "data": data})
}

// respondError 按错误类别返回响应。内部错误不向客户端暴露细节。
func respondError(c *gin.Context, tag string, err error) {
	status := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		log.Errorf("[%s] 请求处理失败, Path: %s, Error: %v", tag, c.Request.URL.Path, err)
		message = "服务器内部错误"
	} else {
		log.Warnf("[%s] 请求被拒绝, Path: %s, Status: %d, Error: %v", tag, c.Request.URL.Path, status, err)
	}
	c.JSON(status, gin.H{"code": status, "message": message, "data": nil})
}

// ownerID 取出认证中间件写入的用户 ID。
func ownerID(c *gin.Context) (string, bool) {
	id := c.GetString(middleware.OwnerIDKey)
	if id == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无法获取用户信息", "data": nil})
		return "", false
	}
	return id, true
}
