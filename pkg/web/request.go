package web

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

// BindJSON 绑定 JSON 请求体并校验，失败时已写入 400 响应
func BindJSON(c *gin.Context, obj any) bool {
	if err := c.ShouldBindJSON(obj); err != nil {
		var errs validator.ValidationErrors
		if errors.As(err, &errs) {
			Error(c, http.StatusBadRequest, errs.Error())
			return false
		}
		Error(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}
