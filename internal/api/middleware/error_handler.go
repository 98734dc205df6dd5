// Package middleware holds the gin middleware shared by every route:
// request ids, bearer auth, permission checks and error rendering.
package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "vmconductor.io/conductor/internal/pkg/errors"
	"vmconductor.io/conductor/internal/pkg/logger"
)

// ErrorHandler renders the last error a handler attached with c.Error.
// AppErrors keep their code, params and field errors; anything else
// becomes a 500.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last().Err
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) {
			fields := append([]zap.Field{
				zap.String("code", appErr.Code),
				zap.Int("status", appErr.HTTPStatus),
			}, LogFields(c.Request.Context())...)
			if appErr.Err != nil {
				fields = append(fields, zap.Error(appErr.Err))
			}
			if appErr.HTTPStatus >= http.StatusInternalServerError {
				logger.Error(appErr.Message, fields...)
			} else {
				logger.Debug(appErr.Message, fields...)
			}
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}

		logger.Error("Unhandled request error", append(LogFields(c.Request.Context()), zap.Error(err))...)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    apperrors.CodeInternal,
			"message": "an internal error occurred",
		})
	}
}
