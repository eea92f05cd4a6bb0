package http

import (
	"context"
	stdhttp "net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/iccanobif/gikopoi2-sub001/internal/auth"
	"github.com/iccanobif/gikopoi2-sub001/internal/config"
	"github.com/iccanobif/gikopoi2-sub001/internal/core"
	"github.com/iccanobif/gikopoi2-sub001/internal/reputation"
)

// SnapshotSaver writes a snapshot on demand.
type SnapshotSaver interface {
	Save(ctx context.Context) error
}

// Deps are the collaborators the HTTP layer talks to. Gate and Snapshots are
// optional.
type Deps struct {
	Hub       *core.Hub
	Gate      *reputation.Gate
	Auth      *auth.Service
	Snapshots SnapshotSaver
}

// NewServer builds an HTTP server with the public, websocket and admin routes.
func NewServer(deps Deps, cfg *config.Config, logger *zerolog.Logger) *stdhttp.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), LoggerMiddleware(logger))

	api := NewAPIHandlers(deps.Hub, deps.Gate, logger)
	ws := NewWSHandler(deps.Hub, deps.Gate, cfg.FrameBudget, logger)

	router.GET("/health", healthHandler)
	router.GET("/ws", ws.Handle)
	router.POST("/api/login", api.Login)
	router.GET("/api/areas/:area/rooms", api.ListRooms)

	if deps.Auth != nil {
		admin := NewAdminHandlers(deps.Hub, deps.Auth, deps.Snapshots, logger)
		router.POST("/api/admin/login", admin.Login)

		protected := router.Group("/api/admin")
		protected.Use(AuthMiddleware(deps.Auth, logger))
		protected.GET("/users", admin.ListUsers)
		protected.GET("/bans", admin.ListBans)
		protected.POST("/bans", admin.Ban)
		protected.DELETE("/bans/:address", admin.Unban)
		protected.POST("/snapshot", admin.Snapshot)
		protected.PUT("/rooms/:id", admin.RebuildRoom)
	}

	return &stdhttp.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func healthHandler(c *gin.Context) {
	c.String(stdhttp.StatusOK, "ok")
}

// admit runs the reputation gate for the caller's address. It writes the
// rejection itself and reports whether the request may continue.
func admit(c *gin.Context, gate *reputation.Gate, logger *zerolog.Logger) (string, bool) {
	address := reputation.NormalizeAddress(c.ClientIP())
	if gate == nil {
		return address, true
	}
	verdict := gate.Check(c.Request.Context(), address)
	if verdict.Allowed() {
		return address, true
	}
	logger.Info().Str("address", address).Str("verdict", string(verdict)).Msg("admission rejected")
	c.AbortWithStatusJSON(stdhttp.StatusForbidden, ErrorResponse{Error: "access denied", Code: string(verdict)})
	return address, false
}
