package realtime

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/velora/dispatch/pkg/common"
	"github.com/velora/dispatch/pkg/logger"
	"github.com/velora/dispatch/pkg/metrics"
	"github.com/velora/dispatch/pkg/middleware"
	"github.com/velora/dispatch/pkg/models"
	ws "github.com/velora/dispatch/pkg/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Socket callers are mobile clients authenticated by token, not
	// browsers with an origin to pin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler upgrades authenticated HTTP requests to hub-managed sockets.
type Handler struct {
	hub     *ws.Hub
	service *Service
}

// NewHandler creates a websocket upgrade handler.
func NewHandler(hub *ws.Hub, service *Service) *Handler {
	return &Handler{hub: hub, service: service}
}

// RegisterRoutes mounts the socket endpoint.
func (h *Handler) RegisterRoutes(router gin.IRoutes) {
	router.GET("/ws", h.handleUpgrade)
}

func (h *Handler) handleUpgrade(c *gin.Context) {
	identity, err := middleware.GetUserID(c)
	if err != nil {
		common.ErrorResponse(c, http.StatusUnauthorized, "authentication required")
		return
	}
	role, err := middleware.GetUserRole(c)
	if err != nil {
		common.ErrorResponse(c, http.StatusUnauthorized, "authentication required")
		return
	}
	if role != models.RoleRider && role != models.RoleDriver && role != models.RoleAdmin {
		common.ErrorResponse(c, http.StatusForbidden, "unknown role")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	socketID := uuid.New().String()
	client := ws.NewClient(socketID, identity.String(), string(role), conn, h.hub)
	client.OnClose = func(cl *ws.Client) {
		metrics.WSConnections.Dec()
		h.service.HandleDisconnect(cl)
	}

	h.hub.Register <- client
	metrics.WSConnections.Inc()

	go client.WritePump()
	go client.ReadPump()

	logger.Debug("socket connected",
		zap.String("socket_id", socketID),
		zap.String("identity", identity.String()),
		zap.String("role", string(role)))
}
