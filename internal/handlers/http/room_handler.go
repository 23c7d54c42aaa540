package http

import (
	"context"
	"net/http"
	"time"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"
	"roomcast/internal/core/services"
	apperrors "roomcast/pkg/errors"
	"roomcast/pkg/validation"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultEndedMessage = "The stream has ended"

type RoomHandler struct {
	registry     *services.RoomRegistry
	presence     *services.PresenceService
	store        ports.SessionStore
	broadcaster  ports.Broadcaster
	encoders     ports.EncoderSupervisor
	storeTimeout time.Duration
	logger       *zap.SugaredLogger
}

func NewRoomHandler(
	registry *services.RoomRegistry,
	presence *services.PresenceService,
	store ports.SessionStore,
	broadcaster ports.Broadcaster,
	encoders ports.EncoderSupervisor,
	storeTimeout time.Duration,
	logger *zap.SugaredLogger,
) *RoomHandler {
	return &RoomHandler{
		registry:     registry,
		presence:     presence,
		store:        store,
		broadcaster:  broadcaster,
		encoders:     encoders,
		storeTimeout: storeTimeout,
		logger:       logger,
	}
}

func (h *RoomHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api")
	{
		api.GET("/viewer-count/:roomId", h.ViewerCount)
		api.POST("/stream-ended", h.StreamEnded)
		api.GET("/rooms/:roomId/producers", h.Producers)
	}
}

// roomParam reads and validates the :roomId path parameter. On failure the
// error is attached to c and ok is false.
func roomParam(c *gin.Context) (domain.RoomID, bool) {
	roomID := c.Param("roomId")
	if err := validation.ValidateRoomID(roomID); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return "", false
	}
	return domain.RoomID(roomID), true
}

type viewerCountResponse struct {
	RoomID    domain.RoomID `json:"roomId"`
	Viewers   int           `json:"viewers"`
	DBViewers *int          `json:"dbViewers"`
}

// ViewerCount reports the live count next to the last persisted one. A
// failing store yields a null dbViewers rather than an error.
func (h *RoomHandler) ViewerCount(c *gin.Context) {
	roomID, ok := roomParam(c)
	if !ok {
		return
	}

	resp := viewerCountResponse{RoomID: roomID, Viewers: h.presence.Count(roomID)}
	persisted, err := h.presence.PersistedCount(c.Request.Context(), roomID)
	if err != nil {
		h.logger.Warnw("failed to read persisted viewer count", "room_id", roomID, "error", err)
	} else {
		resp.DBViewers = &persisted
	}
	c.JSON(http.StatusOK, resp)
}

type streamEndedRequest struct {
	RoomID  string `json:"roomId" binding:"required"`
	Message string `json:"message"`
}

// StreamEnded terminates a room: it is marked ended in the session store,
// every joined connection receives streamEnded and the room's encoder jobs
// are stopped.
func (h *RoomHandler) StreamEnded(c *gin.Context) {
	var req streamEndedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}
	if err := validation.ValidateRoomID(req.RoomID); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}
	roomID := domain.RoomID(req.RoomID)
	if req.Message == "" {
		req.Message = defaultEndedMessage
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.storeTimeout)
	err := h.store.SetRoomStatus(ctx, roomID, domain.RoomStatusEnded)
	cancel()
	if err != nil {
		h.logger.Warnw("failed to persist ended status", "room_id", roomID, "error", err)
	}

	h.broadcaster.BroadcastToRoom(roomID, domain.EventStreamEnded, domain.StreamEndedEvent{
		RoomID:    roomID,
		Message:   req.Message,
		Timestamp: time.Now().UTC(),
	})

	if err := h.encoders.StopRoom(c.Request.Context(), roomID); err != nil {
		h.logger.Warnw("failed to stop encoder jobs", "room_id", roomID, "error", err)
	}

	h.logger.Infow("stream ended", "room_id", roomID)
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"roomId":  roomID,
	})
}

func (h *RoomHandler) Producers(c *gin.Context) {
	roomID, ok := roomParam(c)
	if !ok {
		return
	}
	set, _ := h.registry.ListProducers(roomID)
	c.JSON(http.StatusOK, gin.H{
		"hasVideoProducer": set.Video != nil,
		"hasAudioProducer": set.Audio != nil,
	})
}
