package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/iccanobif/gikopoi2-sub001/internal/core"
	"github.com/iccanobif/gikopoi2-sub001/internal/presence"
	"github.com/iccanobif/gikopoi2-sub001/internal/reputation"
)

// APIHandlers provides the public REST endpoints.
type APIHandlers struct {
	hub  *core.Hub
	gate *reputation.Gate
	log  *zerolog.Logger
}

// NewAPIHandlers creates a new API handlers instance.
func NewAPIHandlers(hub *core.Hub, gate *reputation.Gate, logger *zerolog.Logger) *APIHandlers {
	return &APIHandlers{
		hub:  hub,
		gate: gate,
		log:  logger,
	}
}

// LoginRequest represents the login request body.
type LoginRequest struct {
	Name        string `json:"name"`
	CharacterID string `json:"character_id" binding:"required"`
	AreaID      string `json:"area_id" binding:"required"`
	RoomID      string `json:"room_id"`
}

// ErrorResponse represents an error response body.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Login creates a new identity and returns the private id to connect with.
// POST /api/login
func (h *APIHandlers) Login(c *gin.Context) {
	address, ok := admit(c, h.gate, h.log)
	if !ok {
		return
	}

	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid login request")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: core.ErrCodeBadRequest})
		return
	}

	res, err := h.hub.Login(c.Request.Context(), core.LoginRequest{
		Name:        req.Name,
		CharacterID: req.CharacterID,
		AreaID:      req.AreaID,
		RoomID:      req.RoomID,
		Address:     address,
	})
	if err != nil {
		status, resp := loginError(err)
		if status == http.StatusInternalServerError {
			h.log.Error().Err(err).Msg("failed to log in user")
		}
		c.JSON(status, resp)
		return
	}

	c.JSON(http.StatusOK, res)
}

func loginError(err error) (int, ErrorResponse) {
	switch {
	case errors.Is(err, presence.ErrNameTooLong):
		return http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: core.ErrCodeInvalidName}
	case errors.Is(err, presence.ErrInvalidCharacter):
		return http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: core.ErrCodeBadRequest}
	case errors.Is(err, core.ErrUnknownArea):
		return http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: core.ErrCodeAreaNotFound}
	case errors.Is(err, core.ErrUnknownRoom):
		return http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: core.ErrCodeRoomNotFound}
	case errors.Is(err, core.ErrHubStopped):
		return http.StatusServiceUnavailable, ErrorResponse{Error: "server is shutting down"}
	default:
		return http.StatusInternalServerError, ErrorResponse{Error: "internal server error"}
	}
}

// ListRooms lists the rooms of an area with their population.
// GET /api/areas/:area/rooms
func (h *APIHandlers) ListRooms(c *gin.Context) {
	area := c.Param("area")
	rooms, err := h.hub.Rooms(c.Request.Context(), area)
	if err != nil {
		if errors.Is(err, core.ErrUnknownArea) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "area not found", Code: core.ErrCodeAreaNotFound})
			return
		}
		h.log.Error().Err(err).Str("area", area).Msg("failed to list rooms")
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "server is shutting down"})
		return
	}

	if rooms == nil {
		rooms = []core.RoomSummary{}
	}
	c.JSON(http.StatusOK, rooms)
}
