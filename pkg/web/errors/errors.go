// Package errors 定义 HTTP 层统一的错误响应体
package errors

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Response 错误响应体: {"success": false, "error": "..."}
type Response struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// New 构造错误响应体
func New(message string) Response {
	return Response{Success: false, Error: message}
}

// Abort 中断请求并写入错误响应
func Abort(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, New(message))
}

// StatusFromUpstream 将上游返回的状态码映射为本服务响应码
// 上游 4xx/5xx 原样透传，其余情况（含网络错误）视为 500
func StatusFromUpstream(code int) int {
	if code >= 400 && code <= 599 {
		return code
	}
	return http.StatusInternalServerError
}
