package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/isolab/isolab/internal/keys"
	"github.com/isolab/isolab/internal/model"
	"github.com/isolab/isolab/internal/service"
)

type LabHandler struct {
	svc   *service.SandboxService
	probe service.HostProbe
}

func NewLabHandler(svc *service.SandboxService, probe service.HostProbe) *LabHandler {
	return &LabHandler{svc: svc, probe: probe}
}

func (h *LabHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/labs", h.List)
	r.GET("/host", h.Host)
	r.GET("/history", h.History)
	r.POST("/reconcile", h.Reconcile)

	lab := r.Group("/lab")
	{
		lab.POST("/create", h.Create)
		lab.POST("/nuke", h.Nuke)
		lab.GET("/:name", h.Get)
		lab.GET("/:name/history", h.History)
		lab.POST("/:name/start", h.Start)
		lab.POST("/:name/stop", h.Stop)
		lab.POST("/:name/restart", h.Restart)
		lab.POST("/:name/remove", h.Remove)
		lab.POST("/:name/net", h.SetNetwork)
	}
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidName),
		errors.Is(err, model.ErrUnknownMode),
		errors.Is(err, keys.ErrInvalidKeyFormat):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrAlreadyExists),
		errors.Is(err, service.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, service.ErrNoKeysConfigured),
		errors.Is(err, service.ErrDNSFilterNotRunning):
		return http.StatusPreconditionFailed
	default:
		return http.StatusInternalServerError
	}
}

func fail(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func (h *LabHandler) List(c *gin.Context) {
	resp, err := h.svc.List(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *LabHandler) Get(c *gin.Context) {
	sb, err := h.svc.Get(c.Request.Context(), c.Param("name"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sb)
}

func (h *LabHandler) Host(c *gin.Context) {
	stats, err := h.svc.HostStats(c.Request.Context(), h.probe)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *LabHandler) Create(c *gin.Context) {
	var req model.CreateSandboxRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sb, err := h.svc.Create(c.Request.Context(), &req, "")
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, sb)
}

func (h *LabHandler) Start(c *gin.Context) {
	sb, err := h.svc.Start(c.Request.Context(), c.Param("name"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sb)
}

func (h *LabHandler) Restart(c *gin.Context) {
	sb, err := h.svc.Restart(c.Request.Context(), c.Param("name"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sb)
}

func (h *LabHandler) Stop(c *gin.Context) {
	name := c.Param("name")
	if err := h.svc.Stop(c.Request.Context(), name); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": name, "status": model.SandboxStatusStopped})
}

func (h *LabHandler) Remove(c *gin.Context) {
	name := c.Param("name")
	if err := h.svc.Remove(c.Request.Context(), name); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": name, "removed": true})
}

func (h *LabHandler) SetNetwork(c *gin.Context) {
	var req model.SetNetworkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := h.svc.SetNetwork(c.Request.Context(), c.Param("name"), req.Mode)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type nukeRequest struct {
	PurgeHistory bool `json:"purge_history"`
}

func (h *LabHandler) Nuke(c *gin.Context) {
	var req nukeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	report, err := h.svc.Nuke(c.Request.Context(), req.PurgeHistory)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *LabHandler) History(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	events, err := h.svc.History(c.Request.Context(), c.Param("name"), limit)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": events})
}

func (h *LabHandler) Reconcile(c *gin.Context) {
	fix := c.DefaultQuery("fix", "true") != "false"
	report, err := h.svc.Reconcile(c.Request.Context(), fix)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}
