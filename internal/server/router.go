package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/scriptorlab/scriptor/internal/devices"
	"github.com/scriptorlab/scriptor/internal/hub"
	"github.com/scriptorlab/scriptor/internal/sync"
	"go.uber.org/zap"
)

const userIDContextKey = "scriptor_user_id"

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingHubService    = errors.New("hub sync service dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// BearerTokenManager validates the opaque bearer credential carried on every request.
type BearerTokenManager interface {
	ValidateToken(token string) (string, error)
}

// BearerTokenIssuer mints bearer credentials for the bootstrap endpoint.
type BearerTokenIssuer interface {
	IssueToken(ctx context.Context, subject string) (string, int64, error)
}

// Dependencies wires the HTTP surface. TokenIssuer, DeviceRegistry and Realtime are
// optional; the sync endpoints work without them.
type Dependencies struct {
	TokenManager   BearerTokenManager
	TokenIssuer    BearerTokenIssuer
	HubService     *hub.Service
	DeviceRegistry *devices.Service
	Realtime       *RealtimeDispatcher
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin router for the hub.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.HubService == nil {
		return nil, errMissingHubService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:   deps.TokenManager,
		issuer:   deps.TokenIssuer,
		hub:      deps.HubService,
		devices:  deps.DeviceRegistry,
		realtime: deps.Realtime,
		logger:   logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.POST("/auth/token", handler.handleTokenIssue)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/sync/push", handler.handlePush)
	protected.POST("/sync/pull", handler.handlePull)
	protected.GET("/sync/events", handler.handleEvents)

	return router, nil
}

type httpHandler struct {
	tokens   BearerTokenManager
	issuer   BearerTokenIssuer
	hub      *hub.Service
	devices  *devices.Service
	realtime *RealtimeDispatcher
	logger   *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleTokenIssue mints a bearer token for a device bootstrapping against a local or
// development hub. Deployments fronted by a real identity provider leave TokenIssuer
// unset and the endpoint answers 404.
func (h *httpHandler) handleTokenIssue(c *gin.Context) {
	if h.issuer == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "token_issuance_unavailable"})
		return
	}

	var request struct {
		UserID string `json:"userId"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if strings.TrimSpace(request.UserID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_user_id"})
		return
	}

	token, expiresIn, err := h.issuer.IssueToken(c.Request.Context(), request.UserID)
	if err != nil {
		h.logger.Error("token issuance failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issuance_failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expiresInS": expiresIn,
	})
}

// handlePush applies the batch and answers with everything the device has not yet seen,
// folded into one envelope so a full cycle is a single round trip.
func (h *httpHandler) handlePush(c *gin.Context) {
	userID := h.requestUserID(c)
	if userID.String() == "" {
		return
	}

	var request sync.PushRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if strings.TrimSpace(request.DeviceID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_device_id"})
		return
	}

	result, err := h.hub.ApplyPush(c.Request.Context(), userID, request)
	if err != nil {
		h.logger.Error("failed to apply push batch", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_failed"})
		return
	}

	changes, cursor, err := h.hub.CollectChanges(c.Request.Context(), userID, request.Cursor)
	if err != nil {
		h.logger.Error("failed to collect changes after push", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_failed"})
		return
	}
	if result.Cursor > cursor {
		cursor = result.Cursor
	}

	h.recordDevice(userID.String(), request.DeviceID, cursor)
	if len(result.AcceptedEntityIDs) > 0 {
		h.publishHint(userID.String(), request.DeviceID, result.AcceptedEntityIDs)
	}

	c.JSON(http.StatusOK, sync.SyncResponse{
		Cursor:            cursor,
		Changes:           changes,
		Conflicts:         result.Conflicts,
		AcknowledgedNotes: result.AcknowledgedNotes,
		AcknowledgedTags:  result.AcknowledgedTags,
		ServerTimeSeconds: result.ReceivedAtSeconds,
	})
}

func (h *httpHandler) handlePull(c *gin.Context) {
	userID := h.requestUserID(c)
	if userID.String() == "" {
		return
	}

	var request sync.PullRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	changes, cursor, err := h.hub.CollectChanges(c.Request.Context(), userID, request.Cursor)
	if err != nil {
		h.logger.Error("failed to collect changes", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_failed"})
		return
	}

	c.JSON(http.StatusOK, sync.SyncResponse{
		Cursor:            cursor,
		Changes:           changes,
		ServerTimeSeconds: h.hub.ClockSeconds(),
	})
}

// handleEvents streams sync hints over SSE so an idle device learns that another device
// pushed and can pull promptly instead of waiting out its ticker.
func (h *httpHandler) handleEvents(c *gin.Context) {
	userID := h.requestUserID(c)
	if userID.String() == "" {
		return
	}
	if h.realtime == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "events_unavailable"})
		return
	}

	stream, cleanup := h.realtime.Subscribe(c.Request.Context(), userID.String())
	defer cleanup()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")

	c.Stream(func(w io.Writer) bool {
		select {
		case message, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(message.EventType, gin.H{
				"device_id":  message.DeviceID,
				"entity_ids": message.EntityIDs,
				"timestamp":  message.Timestamp.Unix(),
			})
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (h *httpHandler) requestUserID(c *gin.Context) sync.UserID {
	raw := c.GetString(userIDContextKey)
	userID, err := sync.NewUserID(raw)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return ""
	}
	return userID
}

func (h *httpHandler) recordDevice(userID, deviceID string, cursor int64) {
	if h.devices == nil {
		return
	}
	if err := h.devices.RecordPush(userID, deviceID, cursor); err != nil {
		h.logger.Warn("device registry update failed",
			zap.String("user_id", userID),
			zap.String("device_id", deviceID),
			zap.Error(err))
	}
}

func (h *httpHandler) publishHint(userID, deviceID string, entityIDs []string) {
	if h.realtime == nil {
		return
	}
	h.realtime.Publish(RealtimeMessage{
		UserID:    userID,
		EventType: RealtimeEventSyncHint,
		DeviceID:  deviceID,
		EntityIDs: entityIDs,
		Timestamp: time.Now().UTC(),
	})
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
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}
