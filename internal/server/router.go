// Package server exposes the adjudication engine over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/cedars/internal/adjudication"
	"github.com/MarcoPoloResearchLab/cedars/internal/auth"
	"github.com/MarcoPoloResearchLab/cedars/internal/dispatch"
	"github.com/MarcoPoloResearchLab/cedars/internal/reviewers"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	reviewerIDContextKey     = "cedars_reviewer_id"
	claimsContextKey         = "cedars_claims"
	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingValidator    = errors.New("session validator dependency required")
	errMissingReviewers    = errors.New("reviewer directory dependency required")
	errMissingAdjudication = errors.New("adjudication service dependency required")
)

// SessionValidator authenticates requests.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// ReviewerDirectory records authenticated reviewers.
type ReviewerDirectory interface {
	Resolve(ctx context.Context, claims auth.SessionClaims) (string, error)
	List(ctx context.Context) ([]reviewers.Reviewer, error)
}

// JobDispatcher runs NLP jobs for patients.
type JobDispatcher interface {
	Dispatch(ctx context.Context, patients []adjudication.PatientID) (int, error)
	Jobs(ctx context.Context, status string) ([]dispatch.JobRecord, error)
}

type Dependencies struct {
	Validator         SessionValidator
	Reviewers         ReviewerDirectory
	Adjudication      *adjudication.Service
	Dispatcher        JobDispatcher
	Realtime          *RealtimeDispatcher
	Sessions          *SessionRegistry
	Metrics           http.Handler
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Validator == nil {
		return nil, errMissingValidator
	}
	if deps.Reviewers == nil {
		return nil, errMissingReviewers
	}
	if deps.Adjudication == nil {
		return nil, errMissingAdjudication
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	sessions := deps.Sessions
	if sessions == nil {
		sessions = NewSessionRegistry()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		validator:  deps.Validator,
		reviewers:  deps.Reviewers,
		service:    deps.Adjudication,
		dispatcher: deps.Dispatcher,
		realtime:   realtime,
		sessions:   sessions,
		heartbeat:  heartbeat,
		logger:     logger,
	}

	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/stats", handler.handleStats)
	protected.GET("/events", handler.handleEvents)
	protected.POST("/adjudication/next", handler.handleNext)
	protected.GET("/adjudication/current", handler.handleCurrent)
	protected.POST("/adjudication/actions", handler.handleAction)
	protected.POST("/adjudication/unlock", handler.handleUnlock)

	admin := protected.Group("/admin")
	admin.Use(requireRole(auth.RoleAdmin))
	admin.POST("/notes", handler.handleIngestNotes)
	admin.POST("/query", handler.handleSaveQuery)
	admin.GET("/jobs", handler.handleListJobs)
	admin.POST("/jobs", handler.handleDispatchJobs)
	admin.POST("/locks/release", handler.handleReleaseLocks)
	admin.GET("/reviewers", handler.handleListReviewers)

	return router, nil
}

type httpHandler struct {
	validator  SessionValidator
	reviewers  ReviewerDirectory
	service    *adjudication.Service
	dispatcher JobDispatcher
	realtime   *RealtimeDispatcher
	sessions   *SessionRegistry
	heartbeat  time.Duration
	logger     *zap.Logger
}

func corsMiddleware(origins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) > 0 {
		config.AllowOrigins = origins
	} else {
		config.AllowOriginFunc = func(string) bool { return true }
	}
	return cors.New(config)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.validator.ValidateRequest(c.Request)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrMissingSessionToken):
			h.logger.Debug("request without session token", zap.String("path", c.FullPath()))
		case errors.Is(err, auth.ErrExpiredSessionToken):
			h.logger.Info("token validation failed", zap.Error(err))
		default:
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	reviewerID, err := h.reviewers.Resolve(c.Request.Context(), claims)
	if err != nil {
		h.logger.Error("failed to resolve reviewer", zap.String("subject", claims.Subject), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(reviewerIDContextKey, reviewerID)
	c.Set(claimsContextKey, claims)
	c.Next()
}

func requireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		value, _ := c.Get(claimsContextKey)
		claims, ok := value.(auth.SessionClaims)
		if !ok || !claims.HasRole(role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}
