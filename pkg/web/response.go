package web

import (
	"net/http"

	"github.com/gin-gonic/gin"
	weberrors "github.com/lk2023060901/threatrelay/pkg/web/errors"
)

// OK 200 响应，body 原样序列化
func OK(c *gin.Context, body any) {
	c.JSON(http.StatusOK, body)
}

// Error 错误响应
func Error(c *gin.Context, httpStatus int, message string) {
	c.JSON(httpStatus, weberrors.New(message))
}
