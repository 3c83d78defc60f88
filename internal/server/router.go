package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/eventlog/internal/auth"
	"github.com/MarcoPoloResearchLab/eventlog/internal/eventlog"
	"github.com/MarcoPoloResearchLab/eventlog/internal/invoices"
)

const (
	subjectContextKey        = "eventlog_subject"
	accessTokenQueryKey      = "access_token"
	invoiceIDParam           = "invoice_id"
	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingInvoiceService = errors.New("invoice service dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

type InvoiceService interface {
	Record(ctx context.Context, invoiceID string, events []invoices.Event) (eventlog.Batch[invoices.Event], error)
	History(ctx context.Context, invoiceID string) (invoices.History, error)
}

type Dependencies struct {
	Tokens            TokenValidator
	Invoices          InvoiceService
	Stream            *StreamDispatcher
	MetricsHandler    http.Handler
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Invoices == nil {
		return nil, errMissingInvoiceService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	stream := deps.Stream
	if stream == nil {
		stream = NewStreamDispatcher()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		tokens:    deps.Tokens,
		invoices:  deps.Invoices,
		stream:    stream,
		heartbeat: heartbeat,
		codec:     invoices.Codec{},
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(deps.MetricsHandler))
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/invoices/:invoice_id/events", handler.handleAppendEvents)
	protected.GET("/invoices/:invoice_id/events", handler.handleListEvents)
	protected.GET("/invoices/:invoice_id/stream", handler.handleStream)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	tokens    TokenValidator
	invoices  InvoiceService
	stream    *StreamDispatcher
	heartbeat time.Duration
	codec     invoices.Codec
	logger    *zap.Logger
}

type appendRequestPayload struct {
	Events []eventPayload `json:"events"`
}

type eventPayload struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

type appendResponsePayload struct {
	BatchID       string                  `json:"batch_id"`
	FirstSequence string                  `json:"first_sequence"`
	LastSequence  string                  `json:"last_sequence"`
	Events        []appendedEventResponse `json:"events"`
}

type appendedEventResponse struct {
	Sequence string `json:"sequence"`
	Kind     string `json:"kind"`
}

type historyResponsePayload struct {
	InvoiceID string                `json:"invoice_id"`
	Current   string                `json:"current"`
	Events    []storedEventResponse `json:"events"`
}

type storedEventResponse struct {
	Sequence  string          `json:"sequence"`
	BatchID   string          `json:"batch_id"`
	Kind      string          `json:"kind"`
	CreatedAt time.Time       `json:"created_at"`
	Payload   json.RawMessage `json:"payload"`
}

type heartbeatPayload struct {
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleAppendEvents(c *gin.Context) {
	invoiceID := c.Param(invoiceIDParam)

	var request appendRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Events) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	events := make([]invoices.Event, 0, len(request.Events))
	for _, payload := range request.Events {
		event, err := h.codec.Decode(strings.TrimSpace(payload.Kind), payload.Payload)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_event", "detail": err.Error()})
			return
		}
		events = append(events, event)
	}

	batch, err := h.invoices.Record(c.Request.Context(), invoiceID, events)
	if err != nil {
		h.respondServiceError(c, "append_failed", err, zap.String("invoice_id", invoiceID))
		return
	}

	response := appendResponsePayload{
		BatchID:       batch.ID,
		FirstSequence: batch.First.String(),
		LastSequence:  batch.Last.String(),
		Events:        make([]appendedEventResponse, 0, batch.Len()),
	}
	for index, event := range batch.Events {
		response.Events = append(response.Events, appendedEventResponse{
			Sequence: batch.SequenceAt(index).String(),
			Kind:     event.Kind(),
		})
	}
	c.JSON(http.StatusCreated, response)
}

func (h *httpHandler) handleListEvents(c *gin.Context) {
	invoiceID := c.Param(invoiceIDParam)

	history, err := h.invoices.History(c.Request.Context(), invoiceID)
	if err != nil {
		h.respondServiceError(c, "history_failed", err, zap.String("invoice_id", invoiceID))
		return
	}

	response := historyResponsePayload{
		InvoiceID: history.Root.RootID(),
		Current:   history.Current.String(),
		Events:    make([]storedEventResponse, 0, len(history.Events)),
	}
	for _, recorded := range history.Events {
		payload, err := h.codec.Encode(recorded.Event)
		if err != nil {
			h.respondServiceError(c, "history_failed", err, zap.String("invoice_id", invoiceID))
			return
		}
		response.Events = append(response.Events, storedEventResponse{
			Sequence:  recorded.Sequence.String(),
			BatchID:   recorded.BatchID,
			Kind:      recorded.Event.Kind(),
			CreatedAt: recorded.CreatedAt.UTC(),
			Payload:   payload,
		})
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleStream(c *gin.Context) {
	root, err := invoices.Root(c.Param(invoiceIDParam))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_invoice_id"})
		return
	}

	ctx := c.Request.Context()
	messages, cleanup := h.stream.Subscribe(ctx, root.Key())
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Stream(func(_ io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, ok := <-messages:
			if !ok {
				return false
			}
			c.SSEvent(StreamEventBatch, message)
			return true
		case tick := <-ticker.C:
			c.SSEvent(streamEventHeartbeat, heartbeatPayload{Source: streamSourceBackend, Timestamp: tick.UTC()})
			return true
		}
	})
}

// respondServiceError maps a service failure onto a status code and logs it once.
func (h *httpHandler) respondServiceError(c *gin.Context, fallback string, err error, fields ...zap.Field) {
	code := eventlog.ErrorCode(err)
	switch {
	case errors.Is(err, eventlog.ErrInvalidAggregateRoot):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_invoice_id"})
		return
	case errors.Is(err, eventlog.ErrSerialization):
		h.logger.Info("event serialization rejected", append(fields, zap.String("code", code), zap.Error(err))...)
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "serialization_failed", "code": code})
		return
	}
	if code == "" {
		var serviceErr *invoices.ServiceError
		if errors.As(err, &serviceErr) {
			code = serviceErr.Code()
		}
	}
	h.logger.Error("invoice request failed", append(fields, zap.String("code", code), zap.Error(err))...)
	c.JSON(http.StatusInternalServerError, gin.H{"error": fallback, "code": code})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	header := c.GetHeader("Authorization")
	switch {
	case strings.HasPrefix(header, "Bearer "):
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	case header == "":
		token = strings.TrimSpace(c.Query(accessTokenQueryKey))
	}
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
	c.Set(subjectContextKey, subject)
	c.Next()
}
