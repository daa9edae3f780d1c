// Package httpapi exposes the device manager over HTTP.
package httpapi

import (
	"net/http"
	"time"

	"github.com/SridarDhandapani/onvifctl"
	"github.com/gin-gonic/gin"
	"github.com/gofrs/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const requestIDKey = "request_id"

// NewRouter builds the gin engine serving mgr. Metrics are served from
// gatherer when it is not nil.
func NewRouter(mgr *onvifctl.Manager, log zerolog.Logger, gatherer prometheus.Gatherer) *gin.Engine {
	r := gin.New()
	// Device IDs may be service URLs; clients escape them in the path
	r.UseRawPath = true
	r.UnescapePathValues = true

	r.Use(gin.Recovery())
	r.Use(requestID())
	r.Use(accessLog(log.With().Str("component", "http").Logger()))

	h := NewHandler(mgr, log)

	r.GET("/api/ping", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"message": "pong"}) })

	// --- Devices ---
	r.GET("/api/devices", h.ListDevices)
	r.POST("/api/devices", h.AddDevice)
	r.GET("/api/devices/:id", h.GetDevice)
	r.DELETE("/api/devices/:id", h.RemoveDevice)
	r.PUT("/api/devices/:id/ptz/settings", h.SetPTZSettings)
	r.POST("/api/discover", h.Discover)
	r.GET("/api/devices/:id/streams", h.ResolveStreams)

	// --- PTZ ---
	r.POST("/api/devices/:id/ptz/move", h.Move)
	r.POST("/api/devices/:id/ptz/stop", h.Stop)
	r.POST("/api/devices/:id/ptz/zoom", h.Zoom)
	r.POST("/api/devices/:id/ptz/gesture", h.Gesture)
	r.POST("/api/devices/:id/ptz/gesture/end", h.GestureEnd)
	r.GET("/api/devices/:id/ptz/presets", h.ListPresets)
	r.POST("/api/devices/:id/ptz/presets", h.SetPreset)
	r.POST("/api/devices/:id/ptz/presets/goto", h.GotoPreset)
	r.DELETE("/api/devices/:id/ptz/presets/:name", h.RemovePreset)

	// --- Motion ---
	r.GET("/api/devices/:id/motion", h.MotionState)
	r.POST("/api/devices/:id/motion/subscribe", h.SubscribeMotion)
	r.POST("/api/devices/:id/motion/unsubscribe", h.UnsubscribeMotion)

	r.GET("/api/events", h.Events)

	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	return r
}

// requestID reuses a sane X-Request-ID or generates one
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if l := len(id); l < 1 || l > 64 {
			if u, err := uuid.NewV4(); err == nil {
				id = u.String()
			}
		}
		c.Header("X-Request-ID", id)
		c.Set(requestIDKey, id)
		c.Next()
	}
}

func accessLog(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		status := c.Writer.Status()

		ev := log.Debug()
		switch {
		case status >= 500:
			ev = log.Error()
		case status >= 400:
			ev = log.Warn()
		}
		if len(c.Errors) > 0 {
			ev = ev.Str("error", c.Errors.String())
		}
		ev.Str("method", c.Request.Method).
			Str("route", route).
			Int("status", status).
			Str("client_ip", c.ClientIP()).
			Str("request_id", c.GetString(requestIDKey)).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}
