package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/liftsync/internal/cloud"
	"github.com/MarcoPoloResearchLab/liftsync/internal/fitness"
	"github.com/MarcoPoloResearchLab/liftsync/internal/remote"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const userIDContextKey = "liftsync_user_id"

// maxBodyBytes caps a single record payload.
const maxBodyBytes = 1 << 20

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingCloudService  = errors.New("cloud service dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenValidator resolves a bearer token to its subject.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

type Dependencies struct {
	TokenManager TokenValidator
	CloudService *cloud.Service
	Logger       *zap.Logger
}

// NewHTTPHandler exposes the record service over the sync wire contract.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.CloudService == nil {
		return nil, errMissingCloudService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		tokens:       deps.TokenManager,
		cloudService: deps.CloudService,
		logger:       logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	protected := router.Group("/v1")
	protected.Use(handler.authorizeRequest)
	protected.GET("/sync/watermark", handler.handleWatermark)
	protected.GET("/:table", handler.handleList)
	protected.POST("/:table", handler.handleCreate)
	protected.PUT("/:table/:id", handler.handleUpdate)
	protected.DELETE("/:table/:id", handler.handleDelete)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{
			"Authorization",
			"Content-Type",
			remote.HeaderLastSync,
			remote.HeaderSyncRun,
			remote.HeaderDeviceID,
		},
		MaxAge: 12 * time.Hour,
	})
}

type httpHandler struct {
	tokens       TokenValidator
	cloudService *cloud.Service
	logger       *zap.Logger
}

func (h *httpHandler) handleWatermark(c *gin.Context) {
	userID, ok := userIDFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	watermark, err := h.cloudService.Watermark(c.Request.Context(), userID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, remote.WatermarkResponse{Watermark: watermark})
}

func (h *httpHandler) handleList(c *gin.Context) {
	userID, ok := userIDFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	kind, ok := parseKind(c)
	if !ok {
		return
	}

	query := cloud.ListQuery{}
	var err error
	if query.Offset, err = parseNonNegative(c.Query("offset"), 0); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_offset"})
		return
	}
	if query.Limit, err = parseNonNegative(c.Query("limit"), 0); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
		return
	}
	if query.Since, err = parseOptionalWatermark(c.Query("since")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_since"})
		return
	}
	if query.Until, err = parseOptionalWatermark(c.Query("until")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_until"})
		return
	}

	result, err := h.cloudService.List(c.Request.Context(), userID, kind, query)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	if len(result.Records) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no_changes"})
		return
	}

	response := remote.ListResponse{HasMore: result.HasMore}
	for _, record := range result.Records {
		raw, err := encodeRecord(record)
		if err != nil {
			h.logger.Error("failed to encode record", zap.Error(err), zap.Int64("global_id", record.RecordID()))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "encode_failed"})
			return
		}
		response.Data = append(response.Data, raw)
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleCreate(c *gin.Context) {
	h.handleMutation(c, false, h.cloudService.Create)
}

func (h *httpHandler) handleUpdate(c *gin.Context) {
	h.handleMutation(c, true, h.cloudService.Update)
}

func (h *httpHandler) handleDelete(c *gin.Context) {
	h.handleMutation(c, true, h.cloudService.Delete)
}

type mutationFunc func(ctx context.Context, mutation cloud.Mutation) (cloud.MutationResult, error)

func (h *httpHandler) handleMutation(c *gin.Context, addressed bool, apply mutationFunc) {
	userID, ok := userIDFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	kind, ok := parseKind(c)
	if !ok {
		return
	}

	mutation := cloud.Mutation{
		UserID:   userID,
		Kind:     kind,
		DeviceID: strings.TrimSpace(c.GetHeader(remote.HeaderDeviceID)),
	}
	if addressed {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id"})
			return
		}
		mutation.ID = id
	}
	lastSync, err := parseOptionalWatermark(c.GetHeader(remote.HeaderLastSync))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_last_sync"})
		return
	}
	mutation.LastSync = lastSync

	if c.Request.Method != http.MethodDelete {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes+1))
		if err != nil || len(body) == 0 || len(body) > maxBodyBytes {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
		record, err := remote.DecodeRecord(kind, body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
		mutation.Record = record
	}

	result, err := apply(c.Request.Context(), mutation)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}

	response := remote.MutationResponse{Watermark: result.Watermark}
	if !addressed {
		id := result.ID
		response.ID = &id
		c.JSON(http.StatusCreated, response)
		return
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) respondServiceError(c *gin.Context, err error) {
	var serviceErr *cloud.ServiceError
	code := ""
	if errors.As(err, &serviceErr) {
		code = serviceErr.Code()
	}
	switch {
	case errors.Is(err, fitness.ErrUnknownTable):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_table", "code": code})
	case errors.Is(err, cloud.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "code": code})
	case errors.Is(err, cloud.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "stale_watermark", "code": code})
	case errors.Is(err, cloud.ErrInvalidRecord), errors.Is(err, cloud.ErrInvalidUserID):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_record", "code": code})
	default:
		h.logger.Error("cloud service request failed", zap.Error(err), zap.String("path", c.FullPath()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "code": code})
	}
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
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID, err := cloud.NewUserID(subject)
	if err != nil {
		h.logger.Warn("token subject rejected", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

func encodeRecord(record remote.Record) (json.RawMessage, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

func userIDFrom(c *gin.Context) (cloud.UserID, bool) {
	value, ok := c.Get(userIDContextKey)
	if !ok {
		return "", false
	}
	userID, ok := value.(cloud.UserID)
	return userID, ok && userID != ""
}

func parseKind(c *gin.Context) (fitness.EntityKind, bool) {
	kind, err := fitness.ParseEntityKind(c.Param("table"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_table"})
		return "", false
	}
	return kind, true
}

func parseNonNegative(raw string, fallback int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if value < 0 {
		return 0, errors.New("negative value")
	}
	return value, nil
}

func parseOptionalWatermark(raw string) (*time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	value, err := fitness.ParseWatermark(raw)
	if err != nil {
		return nil, err
	}
	return &value, nil
}
