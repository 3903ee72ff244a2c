package service

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/lk2023060901/threatrelay/pkg/notify"
)

var (
	// ErrInvalidInput 请求参数不合法，对应 400
	ErrInvalidInput = errors.New("invalid input")
	// ErrUnauthorized 管理员口令错误，对应 403
	ErrUnauthorized = errors.New("unauthorized")
	// ErrPersistence 状态写入失败，对应 500
	ErrPersistence = errors.New("persistence failure")
)

// RemoteAPIError 远端 API 调用失败
// StatusCode 为 0 表示没有拿到响应（网络错误、超时）
type RemoteAPIError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *RemoteAPIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("discord %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("discord %s failed: status=%d body=%s", e.Op, e.StatusCode, e.Body)
}

func (e *RemoteAPIError) Unwrap() error {
	return e.Err
}

func newRemoteError(op string, err error) *RemoteAPIError {
	re := &RemoteAPIError{Op: op, Err: err}
	var apiErr *notify.APIError
	if errors.As(err, &apiErr) {
		re.StatusCode = apiErr.StatusCode
		re.Body = apiErr.Body
	}
	return re
}

func persistenceError(err error, op string) error {
	return errors.Mark(errors.Wrap(err, op), ErrPersistence)
}
