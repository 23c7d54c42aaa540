package http

import (
	"errors"
	"io"
	"net/http"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"
	apperrors "roomcast/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// EncoderHandler exposes recording and restream jobs over HTTP.
type EncoderHandler struct {
	encoders ports.EncoderSupervisor
	logger   *zap.SugaredLogger
}

func NewEncoderHandler(encoders ports.EncoderSupervisor, logger *zap.SugaredLogger) *EncoderHandler {
	return &EncoderHandler{encoders: encoders, logger: logger}
}

func (h *EncoderHandler) SetupRoutes(router gin.IRouter) {
	enc := router.Group("/api/encoders/:kind/:roomId")
	{
		enc.GET("/status", h.Status)
		enc.POST("/start", h.Start)
		enc.POST("/stop", h.Stop)
		enc.POST("/reset", h.Reset)
	}
}

type encoderStatusResponse struct {
	RoomID domain.RoomID  `json:"roomId"`
	Kind   domain.JobKind `json:"kind"`
	domain.JobStatus
}

type startEncoderRequest struct {
	StreamKey string `json:"streamKey"`
}

func jobParams(c *gin.Context) (domain.RoomID, domain.JobKind, bool) {
	kind, err := domain.ParseJobKind(c.Param("kind"))
	if err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()).WithContext("kind", c.Param("kind")))
		return "", "", false
	}
	roomID, ok := roomParam(c)
	return roomID, kind, ok
}

func (h *EncoderHandler) respond(c *gin.Context, roomID domain.RoomID, kind domain.JobKind) {
	c.JSON(http.StatusOK, encoderStatusResponse{
		RoomID:    roomID,
		Kind:      kind,
		JobStatus: h.encoders.Status(roomID, kind),
	})
}

func (h *EncoderHandler) Status(c *gin.Context) {
	roomID, kind, ok := jobParams(c)
	if !ok {
		return
	}
	h.respond(c, roomID, kind)
}

// Start launches the job. Restream requires {"streamKey": ...}; record
// accepts an empty body.
func (h *EncoderHandler) Start(c *gin.Context) {
	roomID, kind, ok := jobParams(c)
	if !ok {
		return
	}

	var req startEncoderRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}
	target := ""
	if kind == domain.JobRestream {
		target = req.StreamKey
	}

	job, err := h.encoders.Start(c.Request.Context(), roomID, kind, target)
	if err != nil {
		_ = c.Error(err)
		return
	}
	h.logger.Infow("encoder started over http", "room_id", roomID, "kind", kind, "pid", job.PID)
	h.respond(c, roomID, kind)
}

func (h *EncoderHandler) Stop(c *gin.Context) {
	roomID, kind, ok := jobParams(c)
	if !ok {
		return
	}
	if err := h.encoders.Stop(c.Request.Context(), roomID, kind); err != nil {
		_ = c.Error(err)
		return
	}
	h.respond(c, roomID, kind)
}

// Reset force-stops the job and clears its last exit.
func (h *EncoderHandler) Reset(c *gin.Context) {
	roomID, kind, ok := jobParams(c)
	if !ok {
		return
	}
	if err := h.encoders.Reset(c.Request.Context(), roomID, kind); err != nil {
		_ = c.Error(err)
		return
	}
	h.respond(c, roomID, kind)
}
