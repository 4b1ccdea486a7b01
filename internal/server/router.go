package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/koenji/internal/auth"
	"github.com/MarcoPoloResearchLab/koenji/internal/notifications"
	"github.com/MarcoPoloResearchLab/koenji/internal/reconcile"
	"github.com/MarcoPoloResearchLab/koenji/internal/reservations"
	"github.com/MarcoPoloResearchLab/koenji/internal/sessions"
	"github.com/MarcoPoloResearchLab/koenji/internal/transport"
	"github.com/MarcoPoloResearchLab/koenji/internal/workqueue"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	deviceIDContextKey       = "koenji_device_id"
	defaultHeartbeatInterval = 30 * time.Second
	streamWriteTimeout       = 10 * time.Second
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingReservations   = errors.New("reservation source dependency required")
	errMissingSessions       = errors.New("session source dependency required")
	errMissingRegistry       = errors.New("collection registry dependency required")
	errMissingPresence       = errors.New("presence dependency required")
	errMissingNotifications  = errors.New("notification center dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

type TokenValidator interface {
	ValidateRequest(r *http.Request) (auth.DeviceClaims, error)
}

type ReservationSource interface {
	Snapshot() *reconcile.Snapshot[reservations.Reservation]
}

type SessionSource interface {
	Snapshot() *reconcile.Snapshot[sessions.Session]
}

type PresenceUpdater interface {
	SetActive(ctx context.Context, deviceID string, active bool) (sessions.Session, error)
}

type NotificationLog interface {
	List() []notifications.Notification
	Remove(id string) error
	Clear()
}

type Dependencies struct {
	Tokens            TokenValidator
	Reservations      ReservationSource
	Sessions          SessionSource
	Registry          *reconcile.Registry
	Presence          PresenceUpdater
	Notifications     NotificationLog
	Realtime          *RealtimeDispatcher
	MetricsHandler    http.Handler
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Reservations == nil {
		return nil, errMissingReservations
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.Registry == nil {
		return nil, errMissingRegistry
	}
	if deps.Presence == nil {
		return nil, errMissingPresence
	}
	if deps.Notifications == nil {
		return nil, errMissingNotifications
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	metricsHandler := deps.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		tokens:        deps.Tokens,
		reservations:  deps.Reservations,
		sessions:      deps.Sessions,
		registry:      deps.Registry,
		presence:      deps.Presence,
		notifications: deps.Notifications,
		realtime:      realtime,
		heartbeat:     heartbeat,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(metricsHandler))

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/reservations", handler.handleListReservations)
	protected.GET("/reservations/:id", handler.handleGetReservation)
	protected.GET("/sessions", handler.handleListSessions)
	protected.POST("/sessions/:device_id/presence", handler.handlePresence)
	protected.POST("/collections/:name/snapshots", handler.handleSnapshot)
	protected.GET("/notifications", handler.handleListNotifications)
	protected.DELETE("/notifications", handler.handleClearNotifications)
	protected.DELETE("/notifications/:id", handler.handleRemoveNotification)
	protected.GET("/notifications/stream", handler.handleNotificationStream)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	tokens        TokenValidator
	reservations  ReservationSource
	sessions      SessionSource
	registry      *reconcile.Registry
	presence      PresenceUpdater
	notifications NotificationLog
	realtime      *RealtimeDispatcher
	heartbeat     time.Duration
	upgrader      websocket.Upgrader
	logger        *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "collections": h.registry.Names()})
}

type reservationPayload struct {
	reservations.Reservation
	ColorHue float64 `json:"colorHue"`
}

type reservationListPayload struct {
	Sequence     uint64               `json:"sequence"`
	AppliedAt    time.Time            `json:"appliedAt"`
	Reservations []reservationPayload `json:"reservations"`
}

func (h *httpHandler) handleListReservations(c *gin.Context) {
	snapshot := h.reservations.Snapshot()
	date := strings.TrimSpace(c.Query("date"))
	category := strings.TrimSpace(c.Query("category"))

	response := reservationListPayload{
		Sequence:     snapshot.Sequence(),
		AppliedAt:    snapshot.AppliedAt(),
		Reservations: make([]reservationPayload, 0, snapshot.Len()),
	}
	for _, reservation := range snapshot.All() {
		if date != "" && reservation.DateString != date {
			continue
		}
		if category != "" && string(reservation.Category) != category {
			continue
		}
		response.Reservations = append(response.Reservations, newReservationPayload(reservation))
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleGetReservation(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_reservation_id"})
		return
	}
	reservation, ok := h.reservations.Snapshot().Get(id.String())
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.JSON(http.StatusOK, newReservationPayload(reservation))
}

func newReservationPayload(reservation reservations.Reservation) reservationPayload {
	return reservationPayload{Reservation: reservation, ColorHue: reservation.ColorHue()}
}

type sessionListPayload struct {
	Sequence uint64             `json:"sequence"`
	Sessions []sessions.Session `json:"sessions"`
}

func (h *httpHandler) handleListSessions(c *gin.Context) {
	snapshot := h.sessions.Snapshot()
	response := sessionListPayload{Sequence: snapshot.Sequence(), Sessions: snapshot.All()}
	if c.Query("active") == "true" {
		active := make([]sessions.Session, 0, len(response.Sessions))
		for _, session := range response.Sessions {
			if session.IsActive {
				active = append(active, session)
			}
		}
		response.Sessions = active
	}
	c.JSON(http.StatusOK, response)
}

type presenceRequestPayload struct {
	IsActive *bool `json:"isActive"`
}

func (h *httpHandler) handlePresence(c *gin.Context) {
	var request presenceRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.IsActive == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	session, err := h.presence.SetActive(c.Request.Context(), c.Param("device_id"), *request.IsActive)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, session)
	case errors.Is(err, sessions.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, sessions.ErrMissingDeviceID):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_device_id"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "presence_failed"})
	}
}

func (h *httpHandler) handleSnapshot(c *gin.Context) {
	collection := c.Param("name")
	payload, err := c.GetRawData()
	if err != nil || len(payload) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	err = transport.Dispatch(c.Request.Context(), h.registry, collection, payload)
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "collection": collection})
	case errors.Is(err, reconcile.ErrUnknownCollection):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_collection"})
	case errors.Is(err, workqueue.ErrQueueFull), errors.Is(err, workqueue.ErrExecutorClosed):
		h.logger.Warn("snapshot rejected", zap.String("collection", collection), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "busy"})
	default:
		h.logger.Error("snapshot dispatch failed", zap.String("collection", collection), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "dispatch_failed"})
	}
}

type notificationListPayload struct {
	Notifications []notifications.Notification `json:"notifications"`
}

func (h *httpHandler) handleListNotifications(c *gin.Context) {
	c.JSON(http.StatusOK, notificationListPayload{Notifications: h.notifications.List()})
}

func (h *httpHandler) handleClearNotifications(c *gin.Context) {
	h.notifications.Clear()
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleRemoveNotification(c *gin.Context) {
	if err := h.notifications.Remove(c.Param("id")); err != nil {
		if errors.Is(err, notifications.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "remove_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

type streamMessagePayload struct {
	Event        string                 `json:"event"`
	Notification *notifications.Request `json:"notification,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
	Source       string                 `json:"source"`
}

func (h *httpHandler) handleNotificationStream(c *gin.Context) {
	deviceID := c.GetString(deviceIDContextKey)
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("notification stream upgrade failed", zap.String("device_id", deviceID), zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	stream, unsubscribe := h.realtime.Subscribe(ctx, deviceID)
	defer unsubscribe()

	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-stream:
			if !ok {
				return
			}
			if err := h.writeStreamMessage(conn, streamMessagePayload{
				Event:        message.EventType,
				Notification: message.Notification,
				Timestamp:    message.Timestamp,
				Source:       realtimeSourceBackend,
			}); err != nil {
				h.logger.Debug("notification stream closed", zap.String("device_id", deviceID), zap.Error(err))
				return
			}
		case tick := <-ticker.C:
			if err := h.writeStreamMessage(conn, streamMessagePayload{
				Event:     realtimeEventHeartbeat,
				Timestamp: tick.UTC(),
				Source:    realtimeSourceBackend,
			}); err != nil {
				h.logger.Debug("notification stream closed", zap.String("device_id", deviceID), zap.Error(err))
				return
			}
		}
	}
}

func (h *httpHandler) writeStreamMessage(conn *websocket.Conn, payload streamMessagePayload) error {
	if err := conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(payload)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.tokens.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrMissingToken) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
			return
		}
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(deviceIDContextKey, claims.DeviceID)
	c.Next()
}
