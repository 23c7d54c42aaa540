package middleware

import (
	"context"
	"errors"
	"net/http"

	"roomcast/internal/core/domain"
	apperrors "roomcast/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ResolveError maps a failure from the core into the AppError the HTTP
// surface reports. Errors that already carry an AppError keep it.
func ResolveError(err error) *apperrors.AppError {
	if appErr := apperrors.GetAppError(err); appErr != nil {
		return appErr
	}

	var engineErr *domain.EngineError
	switch {
	case errors.Is(err, domain.ErrCannotConsume):
		return apperrors.NewCannotConsumeError()
	case errors.Is(err, domain.ErrRoomNotFound):
		return apperrors.NewNotFoundError("room")
	case errors.Is(err, domain.ErrProducerNotFound):
		return apperrors.NewNotFoundError("producer")
	case errors.Is(err, domain.ErrTransportNotFound):
		return apperrors.NewNotFoundError("transport")
	case errors.Is(err, domain.ErrInvalidCredential):
		return apperrors.NewInvalidCredentialError(err.Error())
	case errors.Is(err, domain.ErrUnknownJobKind):
		return apperrors.NewInvalidInputError(err.Error())
	case errors.Is(err, domain.ErrNoMedia):
		return apperrors.NewConflictError(err.Error())
	case errors.Is(err, domain.ErrProcessSpawn):
		return apperrors.NewSpawnFailedError(err)
	case errors.As(err, &engineErr):
		return apperrors.NewEngineError(err)
	case errors.Is(err, context.DeadlineExceeded):
		return apperrors.NewServiceUnavailableError("request timed out")
	}
	return nil
}

// ErrorHandlerMiddleware renders the last error a handler attached with
// c.Error as a structured JSON response.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err

		if appErr := ResolveError(err); appErr != nil {
			logger.Warnw("request failed",
				"code", appErr.Code,
				"message", appErr.Message,
				"status", appErr.HTTPStatus,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
				"error", err,
			)

			body := gin.H{
				"error":   string(appErr.Code),
				"message": appErr.Message,
			}
			if len(appErr.Context) > 0 {
				body["details"] = appErr.Context
			}
			c.JSON(appErr.HTTPStatus, body)
			return
		}

		logger.Errorw("unhandled error",
			"error", err.Error(),
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
		)

		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   string(apperrors.ErrCodeInternal),
			"message": "Internal server error",
		})
	}
}

// RecoveryMiddleware recovers from panics and returns proper error responses
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Errorw("panic recovered",
					"error", err,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)

				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":   string(apperrors.ErrCodeInternal),
					"message": "Internal server error",
				})
			}
		}()

		c.Next()
	}
}
