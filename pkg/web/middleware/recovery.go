package middleware

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/lk2023060901/threatrelay/pkg/logger"
	weberrors "github.com/lk2023060901/threatrelay/pkg/web/errors"
)

// PanicReporter 上报 panic，例如 Sentry
type PanicReporter func(recovered any)

// Recovery 适配 pkg/logger 的异常恢复中间件
func Recovery(l logger.Logger, report PanicReporter) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			recovered := recover()
			if recovered == nil {
				return
			}

			httpRequest, _ := httputil.DumpRequest(c.Request, false)
			if isBrokenPipe(recovered) {
				l.ErrorContext(c.Request.Context(), "http broken pipe",
					"error", recovered,
					"request", string(httpRequest),
				)
				_ = c.Error(fmt.Errorf("%v", recovered))
				c.Abort()
				return
			}

			l.ErrorContext(c.Request.Context(), "http recovery from panic",
				"error", recovered,
				"request", string(httpRequest),
			)
			if report != nil {
				report(recovered)
			}
			weberrors.Abort(c, http.StatusInternalServerError, "internal server error")
		}()
		c.Next()
	}
}

// isBrokenPipe 客户端断开连接引起的 panic 无需上报
func isBrokenPipe(recovered any) bool {
	err, ok := recovered.(error)
	if !ok {
		return false
	}
	var ne *net.OpError
	if !errors.As(err, &ne) {
		return false
	}
	var se *os.SyscallError
	if !errors.As(ne.Err, &se) {
		return false
	}
	msg := strings.ToLower(se.Error())
	return strings.Contains(msg, "broken pipe") || strings.Contains(msg, "connection reset by peer")
}
