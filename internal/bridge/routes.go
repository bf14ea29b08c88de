package bridge

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/dialtone-app/dialtone/internal/auth"
	"github.com/dialtone-app/dialtone/internal/proto"
)

// Routes mounts the call-control endpoints onto the signaling server's
// router. Call routes are gated by the session cookie; login accepts the
// credential shape as given and does not verify it beyond non-emptiness.
type Routes struct {
	log      zerolog.Logger
	provider *Provider
	sessions *auth.Manager
}

func NewRoutes(log zerolog.Logger, provider *Provider, sessions *auth.Manager) *Routes {
	return &Routes{
		log:      log.With().Str("component", "bridge").Logger(),
		provider: provider,
		sessions: sessions,
	}
}

func (r *Routes) Register(e *gin.Engine) {
	e.POST("/login", r.handleLogin)
	e.POST("/logout", r.handleLogout)

	gated := e.Group("/", r.sessions.Middleware())
	gated.POST("/make-call", r.handleMakeCall)
	gated.POST("/transfer-call", r.handleTransferCall)
	gated.GET("/numbers", r.handleNumbers)
}

func (r *Routes) handleLogin(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "username and password are required"})
		return
	}

	username := proto.NormalizeIdentity(req.Username)
	token, err := r.sessions.Issue(username, time.Now())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": "could not create session"})
		return
	}
	r.sessions.SetCookie(c, token)
	r.log.Info().Str("username", username).Msg("session created")
	c.JSON(http.StatusOK, gin.H{"username": username})
}

func (r *Routes) handleLogout(c *gin.Context) {
	r.sessions.ClearCookie(c)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (r *Routes) handleMakeCall(c *gin.Context) {
	var req struct {
		PhoneNumber  string `json:"phoneNumber" binding:"required"`
		WebrtcNumber string `json:"webrtcNumber" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "phoneNumber and webrtcNumber are required"})
		return
	}

	raw, err := r.provider.MakeCall(c.Request.Context(), req.PhoneNumber, req.WebrtcNumber)
	if err != nil {
		r.fail(c, err, "call origination failed")
		return
	}
	c.Data(http.StatusOK, "application/json", raw)
}

func (r *Routes) handleTransferCall(c *gin.Context) {
	var req struct {
		FromNumber string `json:"fromNumber" binding:"required"`
		ToNumber   string `json:"toNumber" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "fromNumber and toNumber are required"})
		return
	}

	raw, err := r.provider.TransferCall(c.Request.Context(), req.FromNumber, req.ToNumber)
	if err != nil {
		r.fail(c, err, "transfer failed")
		return
	}
	c.Data(http.StatusOK, "application/json", raw)
}

func (r *Routes) handleNumbers(c *gin.Context) {
	raw, err := r.provider.Numbers(c.Request.Context())
	if err != nil {
		r.fail(c, err, "error fetching numbers")
		return
	}
	c.Data(http.StatusOK, "application/json", raw)
}

// fail maps a provider failure onto the response without leaking raw
// protocol errors to the caller.
func (r *Routes) fail(c *gin.Context, err error, msg string) {
	r.log.Warn().Err(err).Str("path", c.Request.URL.Path).Msg(msg)
	var pe *ProviderError
	if errors.As(err, &pe) {
		c.JSON(http.StatusBadGateway, gin.H{"message": msg})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"message": msg})
}
