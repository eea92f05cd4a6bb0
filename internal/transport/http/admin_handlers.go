package http

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/iccanobif/gikopoi2-sub001/internal/auth"
	"github.com/iccanobif/gikopoi2-sub001/internal/core"
	"github.com/iccanobif/gikopoi2-sub001/internal/roomevents"
)

// AdminHandlers provides the operator endpoints under /api/admin.
type AdminHandlers struct {
	hub       *core.Hub
	auth      *auth.Service
	snapshots SnapshotSaver
	log       *zerolog.Logger
}

// NewAdminHandlers creates a new admin handlers instance.
func NewAdminHandlers(hub *core.Hub, authService *auth.Service, snapshots SnapshotSaver, logger *zerolog.Logger) *AdminHandlers {
	return &AdminHandlers{
		hub:       hub,
		auth:      authService,
		snapshots: snapshots,
		log:       logger,
	}
}

// AdminLoginRequest represents the admin login request body.
type AdminLoginRequest struct {
	Password string `json:"password" binding:"required"`
}

// AuthResponse represents the authentication response body.
type AuthResponse struct {
	Token string `json:"token"`
}

// BanRequest names the user whose addresses get banned.
type BanRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

// BansResponse lists banned addresses.
type BansResponse struct {
	Addresses []string `json:"addresses"`
}

// Login exchanges the admin password for a token.
// POST /api/admin/login
func (h *AdminHandlers) Login(c *gin.Context) {
	var req AdminLoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid admin login request")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	token, err := h.auth.Login(c.Request.Context(), req.Password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrDisabled):
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "admin login disabled"})
		case errors.Is(err, auth.ErrInvalidCredentials):
			h.log.Warn().Str("address", c.ClientIP()).Msg("admin login failed")
			c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "invalid credentials"})
		default:
			h.log.Error().Err(err).Msg("admin login error")
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		}
		return
	}

	h.log.Info().Str("address", c.ClientIP()).Msg("admin logged in")
	c.JSON(http.StatusOK, AuthResponse{Token: token})
}

// ListUsers returns every user record.
// GET /api/admin/users
func (h *AdminHandlers) ListUsers(c *gin.Context) {
	users, err := h.hub.Users(c.Request.Context())
	if err != nil {
		h.unavailable(c, err)
		return
	}
	if users == nil {
		users = []core.AdminUserView{}
	}
	c.JSON(http.StatusOK, users)
}

// ListBans returns the ban set.
// GET /api/admin/bans
func (h *AdminHandlers) ListBans(c *gin.Context) {
	bans, err := h.hub.Bans()
	if err != nil {
		c.JSON(http.StatusNotImplemented, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, BansResponse{Addresses: bans})
}

// Ban bans every address of a user and evicts the user.
// POST /api/admin/bans
func (h *AdminHandlers) Ban(c *gin.Context) {
	var req BanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	addresses, err := h.hub.BanUser(c.Request.Context(), req.UserID)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, BansResponse{Addresses: addresses})
	case errors.Is(err, core.ErrUnknownUser):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "user not found", Code: core.ErrCodeUnknownUser})
	case errors.Is(err, core.ErrNoReputation):
		c.JSON(http.StatusNotImplemented, ErrorResponse{Error: err.Error()})
	default:
		h.unavailable(c, err)
	}
}

// Unban lifts the ban on one address.
// DELETE /api/admin/bans/:address
func (h *AdminHandlers) Unban(c *gin.Context) {
	address := c.Param("address")
	removed, err := h.hub.Unban(address)
	if err != nil {
		c.JSON(http.StatusNotImplemented, ErrorResponse{Error: err.Error()})
		return
	}
	if !removed {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "address not banned"})
		return
	}
	h.log.Info().Str("address", address).Msg("address unbanned")
	c.Status(http.StatusNoContent)
}

// Snapshot writes a snapshot right away.
// POST /api/admin/snapshot
func (h *AdminHandlers) Snapshot(c *gin.Context) {
	if h.snapshots == nil {
		c.JSON(http.StatusNotImplemented, ErrorResponse{Error: "snapshots disabled"})
		return
	}
	if err := h.snapshots.Save(c.Request.Context()); err != nil {
		h.log.Error().Err(err).Msg("manual snapshot failed")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "snapshot failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

// RebuildRoom replaces the descriptor of a dynamic room.
// PUT /api/admin/rooms/:id
func (h *AdminHandlers) RebuildRoom(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}
	room, err := roomevents.Decode(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: core.ErrCodeBadRequest})
		return
	}
	if room.ID != c.Param("id") {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "room id does not match path", Code: core.ErrCodeBadRequest})
		return
	}

	err = h.hub.RebuildRoom(c.Request.Context(), room)
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(err, core.ErrUnknownRoom):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "room not found", Code: core.ErrCodeRoomNotFound})
	case errors.Is(err, core.ErrNotDynamic), errors.Is(err, core.ErrDoorGraph):
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error()})
	default:
		h.unavailable(c, err)
	}
}

func (h *AdminHandlers) unavailable(c *gin.Context, err error) {
	h.log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("admin request failed")
	c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "server is shutting down"})
}
