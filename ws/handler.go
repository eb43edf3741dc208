package ws

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/syncpad/syncpad"
	"github.com/syncpad/syncpad/utils"
)

// Handler upgrades HTTP requests into collaboration connections.
type Handler struct {
	core     *syncpad.Core
	log      utils.Logger
	registry *prometheus.Registry
	upgrader websocket.Upgrader
}

func NewHandler(core *syncpad.Core, log utils.Logger, registry *prometheus.Registry, allowedOrigins []string) *Handler {
	return &Handler{
		core:     core,
		log:      log,
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || origin == "null" {
			return true
		}
		for _, p := range allowed {
			if strings.HasPrefix(origin, p) {
				return true
			}
		}
		return false
	}
}

// Register mounts the transport's routes.
func (h *Handler) Register(r *gin.Engine) {
	r.GET("/ws", h.connect)
	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	if h.registry != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{})))
	}
}

func (h *Handler) connect(c *gin.Context) {
	// authentication lives in front of this service; the user id arrives
	// trusted
	userID := c.Query("userId")
	if userID == "" {
		c.String(http.StatusBadRequest, "missing userId")
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "err", err, "origin", c.Request.Header.Get("Origin"))
		return
	}

	ctx := utils.WithDefaultArgs(c.Request.Context(), "user", userID)
	conn := newConn(ws, h.core, h.log, userID)
	conn.run(ctx)
}
