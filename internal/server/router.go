package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pbrebner/dm-api/internal/apperrors"
	"github.com/pbrebner/dm-api/internal/auth"
	"github.com/pbrebner/dm-api/internal/channels"
	"github.com/pbrebner/dm-api/internal/config"
	"github.com/pbrebner/dm-api/internal/ids"
	"github.com/pbrebner/dm-api/internal/realtime"
	"github.com/pbrebner/dm-api/internal/users"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

const userIDContextKey = "dm_api_user_id"

var (
	errMissingTokenManager     = errors.New("access token manager dependency required")
	errMissingRefreshManager   = errors.New("refresh token manager dependency required")
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingUsersService     = errors.New("users service dependency required")
	errMissingChannelsService  = errors.New("channels service dependency required")
	errMissingHub              = errors.New("realtime hub dependency required")
	errInvalidAuthorization    = errors.New("authorization header missing or invalid")
)

// AccessTokenManager issues and validates bearer tokens keyed by user id.
type AccessTokenManager interface {
	IssueToken(ctx context.Context, userID string) (string, time.Time, error)
	ValidateToken(token string) (string, error)
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	Users          *users.Service
	Channels       *channels.Service
	Hub            *realtime.Hub
	AccessTokens   AccessTokenManager
	RefreshTokens  AccessTokenManager
	Sessions       *auth.SessionValidator
	Logger         *zap.Logger
	Gatherer       prometheus.Gatherer
	AllowedOrigins []string
	Realtime       config.RealtimeConfig
	// BaseContext parents every websocket connection. Defaults to context.Background.
	BaseContext context.Context
}

func NewHTTPHandler(deps Dependencies) (*Handler, error) {
	if deps.AccessTokens == nil {
		return nil, errMissingTokenManager
	}
	if deps.RefreshTokens == nil {
		return nil, errMissingRefreshManager
	}
	if deps.Sessions == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Users == nil {
		return nil, errMissingUsersService
	}
	if deps.Channels == nil {
		return nil, errMissingChannelsService
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	baseContext := deps.BaseContext
	if baseContext == nil {
		baseContext = context.Background()
	}
	realtimeSettings := deps.Realtime
	if realtimeSettings == (config.RealtimeConfig{}) {
		realtimeSettings = config.DefaultRealtimeConfig()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		users:       deps.Users,
		channels:    deps.Channels,
		hub:         deps.Hub,
		tokens:      deps.AccessTokens,
		refresh:     deps.RefreshTokens,
		sessions:    deps.Sessions,
		logger:      logger,
		upgrader:    newUpgrader(deps.AllowedOrigins),
		realtime:    realtimeSettings,
		baseContext: baseContext,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	router.GET("/ws", handler.handleWebsocket)

	api := router.Group("/api")
	api.POST("/users", handler.handleSignUp)
	api.POST("/login", handler.handleLogin)
	api.POST("/refresh", handler.handleRefresh)
	api.POST("/logout", handler.handleLogout)

	protected := api.Group("/")
	protected.Use(handler.authorizeRequest, validatePathIDs)
	protected.GET("/users", handler.handleListUsers)
	protected.GET("/users/:userId", handler.handleGetUser)
	protected.GET("/friends", handler.handleListFriends)
	protected.POST("/friends", handler.handleRequestFriend)
	protected.PUT("/friends/:userId", handler.handleAcceptFriend)
	protected.DELETE("/friends/:userId", handler.handleRemoveFriend)
	protected.GET("/channels", handler.handleListChannels)
	protected.POST("/channels", handler.handleCreateChannel)
	protected.GET("/channels/:channelId", handler.handleGetChannel)
	protected.PUT("/channels/:channelId", handler.handleUpdateChannel)
	protected.DELETE("/channels/:channelId", handler.handleDeleteChannel)
	protected.GET("/channels/:channelId/messages", handler.handleListMessages)
	protected.POST("/channels/:channelId/messages", handler.handleCreateMessage)
	protected.GET("/channels/:channelId/messages/:messageId", handler.handleGetMessage)
	protected.PUT("/channels/:channelId/messages/:messageId", handler.handleUpdateMessage)
	protected.DELETE("/channels/:channelId/messages/:messageId", handler.handleDeleteMessage)

	return &Handler{engine: router, api: handler}, nil
}

// Handler serves the HTTP API and the websocket endpoint.
type Handler struct {
	engine *gin.Engine
	api    *httpHandler
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.engine.ServeHTTP(w, r)
}

// WaitSessions blocks until every websocket session has torn down its lifecycle.
// Cancel BaseContext first; hijacked connections are not drained by http.Server.Shutdown.
func (h *Handler) WaitSessions() {
	h.api.activeSessions.Wait()
}

type httpHandler struct {
	users       *users.Service
	channels    *channels.Service
	hub         *realtime.Hub
	tokens      AccessTokenManager
	refresh     AccessTokenManager
	sessions    *auth.SessionValidator
	logger      *zap.Logger
	upgrader    websocket.Upgrader
	realtime    config.RealtimeConfig
	baseContext context.Context

	activeSessions sync.WaitGroup
}

// corsMiddleware allows the given origins with credentials. No origins, or "*", reflects any origin.
func corsMiddleware(allowedOrigins ...string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 || lo.Contains(allowedOrigins, "*") {
		cfg.AllowOriginFunc = func(string) bool { return true }
	} else {
		cfg.AllowOrigins = allowedOrigins
	}
	return cors.New(cfg)
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}

func currentUserID(c *gin.Context) string {
	return c.GetString(userIDContextKey)
}

// writeError maps service error kinds onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, apperrors.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, apperrors.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, apperrors.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, apperrors.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, apperrors.ErrConflict):
		status = http.StatusConflict
	}
	code := apperrors.Code(err)
	if code == "" {
		code = "internal_error"
	}
	c.JSON(status, gin.H{"error": code})
}

// validatePathIDs rejects malformed record ids before they reach a service.
func validatePathIDs(c *gin.Context) {
	for _, param := range c.Params {
		if _, isID := pathIDParams[param.Key]; isID && !ids.Valid(param.Value) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_" + param.Key})
			return
		}
	}
	c.Next()
}

var pathIDParams = map[string]struct{}{
	"userId":    {},
	"channelId": {},
	"messageId": {},
}

func writeInvalidRequest(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
}
