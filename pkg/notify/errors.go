package notify

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig 配置无效
	ErrInvalidConfig = errors.New("invalid messenger config")

	// ErrMessageNotFound 远端消息不存在（已被人工删除或从未存在）
	ErrMessageNotFound = errors.New("message not found")

	// ErrRequestFailed 请求未得到响应（网络错误、超时）
	ErrRequestFailed = errors.New("messenger request failed")
)

// APIError 平台返回的非 404 错误响应
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("messenger api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsNotFound 判断错误是否为消息不存在
func IsNotFound(err error) bool {
	return errors.Is(err, ErrMessageNotFound)
}
