package httpapi

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/SridarDhandapani/onvifctl"
	"github.com/gin-gonic/gin"
	"github.com/juju/errors"
	"github.com/rs/zerolog"
)

// Handler serves the device manager operations
type Handler struct {
	mgr *onvifctl.Manager
	log zerolog.Logger
}

// NewHandler creates a handler for mgr
func NewHandler(mgr *onvifctl.Manager, log zerolog.Logger) *Handler {
	return &Handler{
		mgr: mgr,
		log: log.With().Str("component", "httpapi").Logger(),
	}
}

// statusCode maps an operation error to an HTTP status
func statusCode(err error) int {
	switch {
	case errors.Is(err, errors.NotFound):
		return http.StatusNotFound
	case errors.Is(err, errors.NotValid):
		return http.StatusBadRequest
	case errors.Is(err, onvifctl.ErrNotInitialized), errors.Is(err, onvifctl.ErrNoSubscription):
		return http.StatusConflict
	case errors.Is(err, errors.Timeout):
		return http.StatusGatewayTimeout
	}

	switch onvifctl.StatusOf(err) {
	case onvifctl.StatusAuthError:
		return http.StatusUnauthorized
	case onvifctl.StatusUnsupported:
		return http.StatusNotImplemented
	}
	return http.StatusBadGateway
}

func (h *Handler) fail(c *gin.Context, err error) {
	code := statusCode(err)
	h.log.Debug().Err(err).Str("device_id", c.Param("id")).Int("code", code).Msg("request failed")
	_ = c.Error(err)
	c.AbortWithStatusJSON(code, gin.H{
		"error":  err.Error(),
		"status": onvifctl.StatusOf(err).String(),
	})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg})
}

// ListDevices handles GET /api/devices
func (h *Handler) ListDevices(c *gin.Context) {
	devices := h.mgr.Devices()
	if devices == nil {
		devices = []onvifctl.Device{}
	}
	c.JSON(http.StatusOK, devices)
}

type addDeviceRequest struct {
	ConnectionString string `json:"connection_string" binding:"required"`
}

// AddDevice handles POST /api/devices
func (h *Handler) AddDevice(c *gin.Context) {
	var req addDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "connection_string is required")
		return
	}

	d, err := h.mgr.AddDevice(c.Request.Context(), req.ConnectionString)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

// GetDevice handles GET /api/devices/:id
func (h *Handler) GetDevice(c *gin.Context) {
	d, ok := h.mgr.Device(c.Param("id"))
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "device not found"})
		return
	}
	c.JSON(http.StatusOK, d)
}

// RemoveDevice handles DELETE /api/devices/:id
func (h *Handler) RemoveDevice(c *gin.Context) {
	if !h.mgr.RemoveDevice(c.Request.Context(), c.Param("id")) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "device not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

// SetPTZSettings handles PUT /api/devices/:id/ptz/settings
func (h *Handler) SetPTZSettings(c *gin.Context) {
	var settings onvifctl.PTZSettings
	if err := c.ShouldBindJSON(&settings); err != nil {
		badRequest(c, "invalid ptz settings")
		return
	}
	if err := h.mgr.SetPTZSettings(c.Param("id"), settings); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, settings)
}

// Discover handles POST /api/discover. Devices found before a failure are
// still returned.
func (h *Handler) Discover(c *gin.Context) {
	devices, err := h.mgr.DiscoverDevices(c.Request.Context())
	if err != nil && len(devices) == 0 {
		h.fail(c, err)
		return
	}
	if devices == nil {
		devices = []onvifctl.Device{}
	}

	resp := gin.H{"devices": devices}
	if err != nil {
		resp["error"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// ResolveStreams handles GET /api/devices/:id/streams
func (h *Handler) ResolveStreams(c *gin.Context) {
	set, err := h.mgr.ResolveStreams(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, set)
}

// ptz initializes the controller on first use and runs fn
func (h *Handler) ptz(c *gin.Context, fn func(ctx context.Context, id string) error) {
	ctx, id := c.Request.Context(), c.Param("id")
	if err := h.mgr.InitializePTZController(ctx, id, "", onvifctl.Credentials{}); err != nil {
		h.fail(c, err)
		return
	}
	if err := fn(ctx, id); err != nil {
		h.fail(c, err)
		return
	}
	if !c.IsAborted() && !c.Writer.Written() {
		c.Status(http.StatusNoContent)
	}
}

type moveRequest struct {
	Direction string  `json:"direction" binding:"required"`
	Speed     float64 `json:"speed"`
}

// Move handles POST /api/devices/:id/ptz/move
func (h *Handler) Move(c *gin.Context) {
	var req moveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "direction is required")
		return
	}
	dir, ok := onvifctl.ParseDirection(req.Direction)
	if !ok {
		badRequest(c, "direction must be one of up, down, left, right")
		return
	}
	if req.Speed <= 0 {
		req.Speed = 0.5
	}
	h.ptz(c, func(ctx context.Context, id string) error {
		return h.mgr.PerformPTZMove(ctx, id, dir, req.Speed)
	})
}

// Stop handles POST /api/devices/:id/ptz/stop
func (h *Handler) Stop(c *gin.Context) {
	h.ptz(c, h.mgr.StopPTZMovement)
}

type zoomRequest struct {
	Factor float64 `json:"factor"`
}

// Zoom handles POST /api/devices/:id/ptz/zoom
func (h *Handler) Zoom(c *gin.Context) {
	var req zoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid zoom request")
		return
	}
	h.ptz(c, func(ctx context.Context, id string) error {
		return h.mgr.PerformZoom(ctx, id, req.Factor)
	})
}

type gestureRequest struct {
	DX float64 `json:"dx"`
	DY float64 `json:"dy"`
}

// Gesture handles POST /api/devices/:id/ptz/gesture
func (h *Handler) Gesture(c *gin.Context) {
	var req gestureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid gesture sample")
		return
	}
	h.ptz(c, func(ctx context.Context, id string) error {
		g, err := h.mgr.Gesture(id)
		if err != nil {
			return err
		}
		c.JSON(http.StatusOK, gin.H{"accepted": g.Update(req.DX, req.DY)})
		return nil
	})
}

// GestureEnd handles POST /api/devices/:id/ptz/gesture/end
func (h *Handler) GestureEnd(c *gin.Context) {
	g, err := h.mgr.Gesture(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if err := g.End(c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListPresets handles GET /api/devices/:id/ptz/presets
func (h *Handler) ListPresets(c *gin.Context) {
	presets, err := h.mgr.Presets(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if presets == nil {
		presets = []onvifctl.PTZPreset{}
	}
	c.JSON(http.StatusOK, presets)
}

type presetRequest struct {
	Name  string `json:"name"`
	Token string `json:"token"`
}

// SetPreset handles POST /api/devices/:id/ptz/presets
func (h *Handler) SetPreset(c *gin.Context) {
	var req presetRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Name == "" {
		badRequest(c, "name is required")
		return
	}
	h.ptz(c, func(ctx context.Context, id string) error {
		token, err := h.mgr.SetPreset(ctx, id, req.Name)
		if err != nil {
			return err
		}
		c.JSON(http.StatusCreated, gin.H{"name": req.Name, "token": token})
		return nil
	})
}

// GotoPreset handles POST /api/devices/:id/ptz/presets/goto with either a
// stored preset name or a device token
func (h *Handler) GotoPreset(c *gin.Context) {
	var req presetRequest
	if err := c.ShouldBindJSON(&req); err != nil || (req.Name == "" && req.Token == "") {
		badRequest(c, "name or token is required")
		return
	}
	h.ptz(c, func(ctx context.Context, id string) error {
		if req.Token != "" {
			return h.mgr.GotoPreset(ctx, id, req.Token)
		}
		return h.mgr.GotoNamedPreset(ctx, id, req.Name)
	})
}

// RemovePreset handles DELETE /api/devices/:id/ptz/presets/:name
func (h *Handler) RemovePreset(c *gin.Context) {
	if err := h.mgr.RemovePreset(c.Request.Context(), c.Param("id"), c.Param("name")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) motionBody(id string) gin.H {
	state, sub := h.mgr.MotionState(id)
	resp := gin.H{"state": state.String()}
	if sub != nil {
		resp["subscription"] = sub
	}
	return resp
}

// MotionState handles GET /api/devices/:id/motion
func (h *Handler) MotionState(c *gin.Context) {
	c.JSON(http.StatusOK, h.motionBody(c.Param("id")))
}

// SubscribeMotion handles POST /api/devices/:id/motion/subscribe
func (h *Handler) SubscribeMotion(c *gin.Context) {
	id := c.Param("id")
	if err := h.mgr.SubscribeToMotionEvents(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.motionBody(id))
}

// UnsubscribeMotion handles POST /api/devices/:id/motion/unsubscribe
func (h *Handler) UnsubscribeMotion(c *gin.Context) {
	if err := h.mgr.UnsubscribeFromMotionEvents(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Events handles GET /api/events as a server-sent event stream. The
// optional types query holds comma separated event types.
func (h *Handler) Events(c *gin.Context) {
	var types []onvifctl.EventType
	for _, t := range strings.Split(c.Query("types"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			types = append(types, onvifctl.EventType(t))
		}
	}

	ch, cancel := h.mgr.Events(64, types...)
	defer cancel()

	ctx := c.Request.Context()
	c.Header("Cache-Control", "no-cache")
	c.Stream(func(_ io.Writer) bool {
		select {
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(string(ev.Type), ev)
			return true
		case <-ctx.Done():
			return false
		}
	})
}
