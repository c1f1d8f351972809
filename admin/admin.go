// Package admin serves a small HTTP API for health checks and for
// inspecting a running signaling server.
package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"signal-rpc/auth"
	"signal-rpc/transport"
)

// SessionSource lists and looks up live connections. *server.Server
// implements it.
type SessionSource interface {
	Sessions() []*transport.Session
	Session(id string) *transport.Session
}

// PresenceSource reports online users. presence.Store implements it.
type PresenceSource interface {
	Online(ctx context.Context) ([]string, error)
}

// MethodSource lists registered method keys. *router.Registry implements it.
type MethodSource interface {
	Keys() []string
}

type SessionInfo struct {
	ID     string `json:"id"`
	Remote string `json:"remote"`
	Role   string `json:"role"`
	User   string `json:"user,omitempty"`
	Active int64  `json:"active"`
}

type Handler struct {
	sessions SessionSource
	presence PresenceSource // optional
	methods  MethodSource   // optional
	started  time.Time
	log      *zap.Logger
}

func NewHandler(sessions SessionSource, presence PresenceSource, methods MethodSource, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		sessions: sessions,
		presence: presence,
		methods:  methods,
		started:  time.Now(),
		log:      logger,
	}
}

// Routes builds the gin engine serving the admin API.
func (h *Handler) Routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(h.log))

	r.GET("/healthz", h.health)
	r.GET("/sessions", h.listSessions)
	r.DELETE("/sessions/:id", h.kickSession)
	r.GET("/presence", h.online)
	r.GET("/methods", h.listMethods)
	return r
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"uptime":   time.Since(h.started).Round(time.Second).String(),
		"sessions": len(h.sessions.Sessions()),
	})
}

func (h *Handler) listSessions(c *gin.Context) {
	sessions := h.sessions.Sessions()
	out := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		info := SessionInfo{
			ID:     s.ID(),
			Role:   s.Role().String(),
			User:   auth.UserFrom(s),
			Active: s.Active(),
		}
		if addr := s.RemoteAddr(); addr != nil {
			info.Remote = addr.String()
		}
		out = append(out, info)
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

func (h *Handler) kickSession(c *gin.Context) {
	id := c.Param("id")
	s := h.sessions.Session(id)
	if s == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	s.Close()
	h.log.Info("session closed by admin", zap.String("session", id))
	c.Status(http.StatusNoContent)
}

func (h *Handler) online(c *gin.Context) {
	if h.presence == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "presence is not enabled"})
		return
	}
	users, err := h.presence.Online(c.Request.Context())
	if err != nil {
		h.log.Error("list online users", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "presence store unavailable"})
		return
	}
	if users == nil {
		users = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

func (h *Handler) listMethods(c *gin.Context) {
	if h.methods == nil {
		c.JSON(http.StatusOK, gin.H{"methods": []string{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"methods": h.methods.Keys()})
}

// Server runs the admin API on its own listener.
type Server struct {
	http *http.Server
	log  *zap.Logger
}

func NewServer(addr string, h *Handler) *Server {
	return &Server{
		http: &http.Server{
			Addr:              addr,
			Handler:           h.Routes(),
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: h.log,
	}
}

// Serve accepts on ln until Shutdown, which makes it return nil.
func (s *Server) Serve(ln net.Listener) error {
	s.log.Info("admin API listening", zap.Stringer("addr", ln.Addr()))
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
