// Package server exposes the cache engine over HTTP. Every route except the
// health check runs behind session validation; handlers only ever see the
// canonical user identifier the identity registry resolved.
package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ledgerline/crmcache/internal/auth"
	"github.com/ledgerline/crmcache/internal/engine"
)

const userIDContextKey = "crmcache_user_id"

var (
	errMissingSessions   = errors.New("session validator dependency required")
	errMissingIdentities = errors.New("identity resolver dependency required")
	errMissingEngine     = errors.New("engine dependency required")
	errMissingSession    = errors.New("session token missing or invalid")
)

// SessionSource validates the credentials a request carries.
type SessionSource interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// IdentityResolver maps validated claims to the canonical user identifier.
type IdentityResolver interface {
	ResolveCanonicalUserID(claims auth.SessionClaims) (string, error)
}

// Dependencies carries everything the HTTP facade needs.
type Dependencies struct {
	Sessions   SessionSource
	Identities IdentityResolver
	Engine     *engine.Engine
	Logger     *zap.Logger
}

// NewHTTPHandler validates the dependencies and builds the route tree.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.Identities == nil {
		return nil, errMissingIdentities
	}
	if deps.Engine == nil {
		return nil, errMissingEngine
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		sessions:   deps.Sessions,
		identities: deps.Identities,
		engine:     deps.Engine,
		logger:     logger,
	}

	router.GET("/healthz", handler.handleHealthz)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/contacts", handler.handleContacts)
	protected.DELETE("/contacts/cache", handler.handleContactsCacheClear)
	protected.POST("/templates/resolve", handler.handleTemplatesResolve)
	protected.POST("/templates/preload", handler.handleTemplatesPreload)
	protected.POST("/templates/invalidate", handler.handleTemplatesInvalidate)
	protected.POST("/metadata/bump", handler.handleMetadataBump)
	protected.GET("/followups", handler.handleFollowups)
	protected.POST("/followups/contacted", handler.handleFollowupContacted)
	protected.GET("/followups/status", handler.handleFollowupStatus)
	protected.GET("/activities", handler.handleActivities)
	protected.POST("/activities/:id/retry", handler.handleActivityRetry)
	protected.GET("/cache/stats", handler.handleCacheStats)
	protected.POST("/cache/gc", handler.handleCacheGC)
	protected.POST("/session/end", handler.handleSessionEnd)
	protected.GET("/events", handler.handleEventsStream)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	sessions   SessionSource
	identities IdentityResolver
	engine     *engine.Engine
	logger     *zap.Logger
}

func (h *httpHandler) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrMissingSessionToken) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errMissingSession.Error()})
			return
		}
		if errors.Is(err, auth.ErrExpiredSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	userID, err := h.identities.ResolveCanonicalUserID(claims)
	if err != nil {
		h.logger.Warn("identity resolution failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	c.Set(userIDContextKey, userID)
	h.engine.EnsureWatch(userID)
	c.Next()
}

// codedError is satisfied by the per-package service errors; the code rides
// along in error payloads so clients can branch without string matching.
type codedError interface {
	error
	Code() string
}

func respondServiceError(c *gin.Context, status int, short string, err error) {
	var coded codedError
	if errors.As(err, &coded) {
		c.JSON(status, gin.H{"error": short, "code": coded.Code()})
		return
	}
	c.JSON(status, gin.H{"error": short})
}
