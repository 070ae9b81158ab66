package middleware

import (
	"context"

	appErr "codesandbox/pkg/errors"
	"codesandbox/pkg/utils/logger"
	"codesandbox/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RecoveryMiddleware turns panics into the standard JSON error envelope so callers always
// get a request id to correlate with logs. onPanic runs before the response is written.
func RecoveryMiddleware(onPanic func(ctx context.Context)) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			recovered := recover()
			if recovered == nil {
				return
			}
			ctx := c.Request.Context()
			logger.Error(ctx, "panic recovered", zap.Any("panic", recovered), zap.Stack("stack"))
			if onPanic != nil {
				onPanic(ctx)
			}
			if c.Writer.Written() {
				c.Abort()
				return
			}
			response.AbortWithError(c, appErr.New(appErr.InternalServerError).
				WithMessage("unexpected server error"))
		}()
		c.Next()
	}
}
