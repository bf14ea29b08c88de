package hub

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Clients connect from the desktop shell's webview and from dev
	// origins; the session cookie on the bridge routes carries the trust.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is the signaling server's HTTP face: the /ws upgrade endpoint plus
// the HTTP-only presence fallbacks. Call-control routes are mounted onto the
// same engine by the bridge package.
type Server struct {
	log    zerolog.Logger
	hub    *Hub
	addr   string
	engine *gin.Engine
	srv    *http.Server
}

func NewServer(log zerolog.Logger, h *Hub, addr string) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(RequestLogger(log), gin.Recovery())

	s := &Server{
		log:    log.With().Str("component", "server").Logger(),
		hub:    h,
		addr:   addr,
		engine: r,
	}

	r.GET("/ws", s.handleWS)
	r.GET("/users", s.handleUsers)
	r.POST("/heartbeat", s.handleHeartbeat)
	r.POST("/ping", s.handlePing)

	return s
}

// Engine exposes the router so the bridge can mount its routes.
func (s *Server) Engine() *gin.Engine { return s.engine }

// Start listens on the configured address and shuts down when ctx is
// canceled.
func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.addr).Msg("listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleWS(c *gin.Context) {
	ws, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn := newConn(ws, s.hub.opts.SendBuffer, s.log)
	s.hub.attach(conn)
	go conn.writePump()
	conn.readPump(s.hub) // blocks until the transport dies
}

func (s *Server) handleUsers(c *gin.Context) {
	users, err := s.hub.Snapshot(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"message": "hub unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "username is required"})
		return
	}
	users, err := s.hub.HeartbeatHTTP(c.Request.Context(), req.Username)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"message": "hub unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"activeUsers": users})
}

func (s *Server) handlePing(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "username is required"})
		return
	}
	known, err := s.hub.Ping(c.Request.Context(), req.Username)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"message": "hub unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": known})
}

const headerRequestID = "X-Request-Id"

// RequestLogger injects a request id and logs one summary line per request.
func RequestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		rid := c.GetHeader(headerRequestID)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Writer.Header().Set(headerRequestID, rid)

		c.Next()

		evt := log.Info()
		if len(c.Errors) > 0 {
			evt = log.Error().Str("errors", c.Errors.String())
		}
		evt.Str("request_id", rid).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	}
}
