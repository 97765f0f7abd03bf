package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"library-catalog/library"
)

// RequestContext is the per-request state handed to handlers. It replaces any
// process-wide session state: everything a handler needs about the caller
// travels with the request.
type RequestContext struct {
	ID      string
	Logger  *slog.Logger
	Started time.Time
}

const requestContextKey = "library.request"

// requestContext assigns a request id (honouring X-Request-ID), attaches a
// logger carrying it, and logs the request once it completes.
func requestContext(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Header("X-Request-ID", id)

		rc := &RequestContext{
			ID:      id,
			Logger:  base.With("request_id", id),
			Started: time.Now(),
		}
		c.Set(requestContextKey, rc)
		c.Request = c.Request.WithContext(library.ContextWithLogger(c.Request.Context(), rc.Logger))

		c.Next()

		rc.Logger.Info("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(rc.Started))
	}
}

// reqCtx returns the request context installed by requestContext.
func reqCtx(c *gin.Context) *RequestContext {
	if v, ok := c.Get(requestContextKey); ok {
		if rc, ok := v.(*RequestContext); ok {
			return rc
		}
	}
	return &RequestContext{ID: "", Logger: slog.Default(), Started: time.Now()}
}

// limitBody rejects requests whose declared length exceeds limit and caps the
// bytes a handler can read from the rest.
func limitBody(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > limit {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, tooLarge(limit))
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		c.Next()
	}
}

func tooLarge(limit int64) ErrorResponse {
	return ErrorResponse{
		Error: "request body exceeds " + humanBytes(limit),
		Code:  "PAYLOAD_TOO_LARGE",
	}
}

func humanBytes(n int64) string {
	return strconv.FormatInt(n>>20, 10) + " MiB"
}

// isTooLarge reports whether err came from reading past a limitBody cap.
func isTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}
