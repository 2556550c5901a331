// Package control serves the HTTP control channel: user registration, a
// health probe and the WebSocket subscription stream that carries snapshot
// pushes.
package control

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RouterDeps are the collaborators of the control router.
type RouterDeps struct {
	Handler *Handler
	Log     *zap.Logger
}

// NewRouter builds the gin engine for the control port.
func NewRouter(d RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(ZapLogger(d.Log))

	v1 := r.Group("/api/v1")
	{
		v1.GET("/healthz", d.Handler.Health)
		v1.POST("/register", d.Handler.Register)
		v1.GET("/subscribe", d.Handler.Subscribe)
	}
	return r
}

// ZapLogger logs every request; health probes only at debug level.
func ZapLogger(log *zap.Logger) gin.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}
	sugar := log.Sugar()
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		dur := time.Since(start)

		path := c.Request.URL.Path
		fields := []any{
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"latency", dur.String(),
			"clientIP", c.ClientIP(),
		}
		if strings.HasSuffix(path, "/healthz") {
			sugar.Debugw("HTTP", fields...)
			return
		}
		sugar.Infow("HTTP", fields...)
	}
}
