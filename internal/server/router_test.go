package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/koenji/internal/auth"
	"github.com/MarcoPoloResearchLab/koenji/internal/notifications"
	"github.com/MarcoPoloResearchLab/koenji/internal/reconcile"
	"github.com/MarcoPoloResearchLab/koenji/internal/reservations"
	"github.com/MarcoPoloResearchLab/koenji/internal/sessions"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

const (
	testSigningSecret = "test-secret"
	testIssuer        = "koenji-test"
	testReservationID = "6f9619ff-8b86-d011-b42d-00c04fc964ff"
)

type testServer struct {
	handler      http.Handler
	reservations *reconcile.Reconciler[reservations.Reservation]
	sessions     *reconcile.Reconciler[sessions.Session]
	center       *notifications.Center
	realtime     *RealtimeDispatcher
	sessionCache *sessions.Cache
	token        string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:koenji_server_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&sessions.Record{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	sessionCache, err := sessions.NewCache(db)
	if err != nil {
		t.Fatalf("failed to build session cache: %v", err)
	}
	presence, err := sessions.NewPresence(sessions.PresenceConfig{
		Database: db,
		Clock:    func() time.Time { return time.Unix(1741980000, 0) },
	})
	if err != nil {
		t.Fatalf("failed to build presence: %v", err)
	}

	reservationReconciler, err := reconcile.New(reconcile.Config[reservations.Reservation]{
		Collection: "reservations",
		Decode:     reservations.Decode,
		Key:        reservations.Key,
	})
	if err != nil {
		t.Fatalf("failed to build reservation reconciler: %v", err)
	}
	sessionReconciler, err := reconcile.New(reconcile.Config[sessions.Session]{
		Collection: "sessions",
		Decode:     sessions.Decode,
		Key:        sessions.Key,
	})
	if err != nil {
		t.Fatalf("failed to build session reconciler: %v", err)
	}
	t.Cleanup(func() {
		_ = reservationReconciler.Close()
		_ = sessionReconciler.Close()
	})
	registry, err := reconcile.NewRegistry(reservationReconciler, sessionReconciler)
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}

	realtime := NewRealtimeDispatcher()
	center := notifications.NewCenter(notifications.CenterConfig{
		Deliverers: []notifications.Deliverer{realtime},
		Scheduler: func(_ time.Duration, fn func()) func() bool {
			fn()
			return func() bool { return false }
		},
	})
	t.Cleanup(func() { _ = center.Close() })

	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte(testSigningSecret), Issuer: testIssuer})
	if err != nil {
		t.Fatalf("failed to build issuer: %v", err)
	}
	validator, err := auth.NewTokenValidator(auth.TokenValidatorConfig{SigningSecret: []byte(testSigningSecret), Issuer: testIssuer})
	if err != nil {
		t.Fatalf("failed to build validator: %v", err)
	}
	token, _, err := issuer.IssueDeviceToken(context.Background(), auth.Device{ID: "ipad-sala", UserName: "Akiko"})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Tokens:            validator,
		Reservations:      reservationReconciler,
		Sessions:          sessionReconciler,
		Registry:          registry,
		Presence:          presence,
		Notifications:     center,
		Realtime:          realtime,
		HeartbeatInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}

	return &testServer{
		handler:      handler,
		reservations: reservationReconciler,
		sessions:     sessionReconciler,
		center:       center,
		realtime:     realtime,
		sessionCache: sessionCache,
		token:        token,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader(body)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Authorization", "Bearer "+s.token)
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func reservationEnvelope(sequence uint64, dates ...string) []byte {
	docs := make([]map[string]any, 0, len(dates))
	for index, date := range dates {
		id := testReservationID
		if index > 0 {
			id = fmt.Sprintf("00000000-0000-0000-0000-%012d", index)
		}
		docs = append(docs, map[string]any{
			"id":              id,
			"name":            "Tanaka",
			"phone":           "+39 333 1234567",
			"numberOfPersons": 4,
			"dateString":      date,
			"category":        "dinner",
			"startTime":       "19:30",
			"endTime":         "21:15",
			"acceptance":      "confirmed",
			"status":          "pending",
			"reservationType": "inAdvance",
			"group":           false,
			"tables":          []any{},
			"creationDate":    1741970000.5,
			"lastEditedOn":    1741975000,
			"isMock":          false,
		})
	}
	payload, _ := json.Marshal(map[string]any{"sequence": sequence, "documents": docs})
	return payload
}

func TestHealthEndpointIsPublic(t *testing.T) {
	server := newTestServer(t)
	recorder := httptest.NewRecorder()
	server.handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "reservations") {
		t.Fatalf("expected collections in health payload, got %s", recorder.Body.String())
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	server := newTestServer(t)
	testCases := []struct {
		name   string
		header string
	}{
		{name: "missing", header: ""},
		{name: "malformed", header: "Bearer not-a-jwt"},
		{name: "wrong scheme", header: "Basic " + server.token},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			request := httptest.NewRequest(http.MethodGet, "/reservations", http.NoBody)
			if testCase.header != "" {
				request.Header.Set("Authorization", testCase.header)
			}
			recorder := httptest.NewRecorder()
			server.handler.ServeHTTP(recorder, request)
			if recorder.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", recorder.Code)
			}
		})
	}
}

func TestSnapshotIngestInstallsReservations(t *testing.T) {
	server := newTestServer(t)

	recorder := server.do(t, http.MethodPost, "/collections/reservations/snapshots", reservationEnvelope(1, "2025-03-14", "2025-03-15"))
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if err := server.reservations.Flush(context.Background()); err != nil {
		t.Fatalf("flush failed: %v", err)
	}

	recorder = server.do(t, http.MethodGet, "/reservations?date=2025-03-14", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var list struct {
		Sequence     uint64 `json:"sequence"`
		Reservations []struct {
			ID       string  `json:"id"`
			ColorHue float64 `json:"colorHue"`
		} `json:"reservations"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &list); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if list.Sequence != 1 {
		t.Fatalf("expected sequence 1, got %d", list.Sequence)
	}
	if len(list.Reservations) != 1 || list.Reservations[0].ID != testReservationID {
		t.Fatalf("unexpected reservations: %+v", list.Reservations)
	}
	if list.Reservations[0].ColorHue < 0 || list.Reservations[0].ColorHue >= 1 {
		t.Fatalf("expected hue in [0,1), got %f", list.Reservations[0].ColorHue)
	}

	recorder = server.do(t, http.MethodGet, "/reservations/"+strings.ToUpper(testReservationID), nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 for reservation lookup, got %d", recorder.Code)
	}
	recorder = server.do(t, http.MethodGet, "/reservations/not-a-uuid", nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
	recorder = server.do(t, http.MethodGet, "/reservations/00000000-0000-0000-0000-00000000ffff", nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
}

func TestSnapshotIngestRejectsUnknownCollection(t *testing.T) {
	server := newTestServer(t)
	recorder := server.do(t, http.MethodPost, "/collections/tables/snapshots", reservationEnvelope(1, "2025-03-14"))
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
	recorder = server.do(t, http.MethodPost, "/collections/reservations/snapshots", nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty body, got %d", recorder.Code)
	}
}

func TestSnapshotIngestRemoteErrorKeepsState(t *testing.T) {
	server := newTestServer(t)
	server.do(t, http.MethodPost, "/collections/reservations/snapshots", reservationEnvelope(1, "2025-03-14"))
	recorder := server.do(t, http.MethodPost, "/collections/reservations/snapshots", []byte(`{"error":"permission denied"}`))
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", recorder.Code)
	}
	if err := server.reservations.Flush(context.Background()); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	if server.reservations.Snapshot().Len() != 1 {
		t.Fatalf("expected installed collection to survive a transport error")
	}
}

func TestSessionsAndPresence(t *testing.T) {
	server := newTestServer(t)
	seeded := sessions.Session{ID: "ipad-sala", UUID: "A1B2C3", UserName: "Akiko", LastUpdate: time.Unix(1741970000, 0).UTC()}
	if err := server.sessionCache.Upsert(context.Background(), seeded); err != nil {
		t.Fatalf("failed to seed session: %v", err)
	}

	recorder := server.do(t, http.MethodPost, "/sessions/ipad-sala/presence", []byte(`{"isActive":true}`))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var updated sessions.Session
	if err := json.Unmarshal(recorder.Body.Bytes(), &updated); err != nil {
		t.Fatalf("failed to decode session: %v", err)
	}
	if !updated.IsActive || !updated.LastUpdate.Equal(time.Unix(1741980000, 0)) {
		t.Fatalf("unexpected presence result: %+v", updated)
	}

	recorder = server.do(t, http.MethodPost, "/sessions/ipad-bar/presence", []byte(`{"isActive":false}`))
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown device, got %d", recorder.Code)
	}
	recorder = server.do(t, http.MethodPost, "/sessions/ipad-sala/presence", []byte(`{}`))
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing flag, got %d", recorder.Code)
	}

	payload := []byte(`{"sequence":0,"documents":[
		{"id":"ipad-sala","uuid":"A1B2C3","userName":"Akiko","isEditing":false,"lastUpdate":1741970000,"isActive":true},
		{"id":"ipad-bar","uuid":"D4E5F6","userName":"Kenji","isEditing":true,"lastUpdate":1741970100,"isActive":false}
	]}`)
	if recorder := server.do(t, http.MethodPost, "/collections/sessions/snapshots", payload); recorder.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", recorder.Code)
	}
	if err := server.sessions.Flush(context.Background()); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	recorder = server.do(t, http.MethodGet, "/sessions?active=true", nil)
	var list sessionListPayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &list); err != nil {
		t.Fatalf("failed to decode sessions: %v", err)
	}
	if len(list.Sessions) != 1 || list.Sessions[0].UUID != "A1B2C3" {
		t.Fatalf("unexpected active sessions: %+v", list.Sessions)
	}
}

func TestNotificationLogEndpoints(t *testing.T) {
	server := newTestServer(t)
	first, err := server.center.Add("Running late", "Tanaka is 20 minutes late", notifications.TypeLate, testReservationID)
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if _, err := server.center.Add("Ending soon", "Table T3 frees up", notifications.TypeNearEnd, testReservationID); err != nil {
		t.Fatalf("add failed: %v", err)
	}

	recorder := server.do(t, http.MethodGet, "/notifications", nil)
	var list notificationListPayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &list); err != nil {
		t.Fatalf("failed to decode notifications: %v", err)
	}
	if len(list.Notifications) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(list.Notifications))
	}

	if recorder := server.do(t, http.MethodDelete, "/notifications/"+first.ID, nil); recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", recorder.Code)
	}
	if recorder := server.do(t, http.MethodDelete, "/notifications/"+first.ID, nil); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second removal, got %d", recorder.Code)
	}
	if recorder := server.do(t, http.MethodDelete, "/notifications", nil); recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", recorder.Code)
	}
	if len(server.center.List()) != 0 {
		t.Fatalf("expected empty log after clear")
	}
}

func TestNotificationStreamDeliversScheduledNotifications(t *testing.T) {
	server := newTestServer(t)
	httpServer := httptest.NewServer(server.handler)
	defer httpServer.Close()

	url := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/notifications/stream?access_token=" + server.token
	conn, response, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	if response.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", response.StatusCode)
	}

	deadline := time.Now().Add(time.Second)
	for server.realtime.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := server.center.Add("Running late", "Tanaka is 20 minutes late", notifications.TypeLate, testReservationID); err != nil {
		t.Fatalf("add failed: %v", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set deadline failed: %v", err)
	}
	var message streamMessagePayload
	if err := conn.ReadJSON(&message); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if message.Event != RealtimeEventNotification || message.Notification == nil {
		t.Fatalf("unexpected stream message: %+v", message)
	}
	if message.Notification.Type != notifications.TypeLate || message.Notification.ReservationID != testReservationID {
		t.Fatalf("unexpected notification: %+v", message.Notification)
	}
}

func TestNotificationStreamRejectsAnonymousClients(t *testing.T) {
	server := newTestServer(t)
	httpServer := httptest.NewServer(server.handler)
	defer httpServer.Close()

	url := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/notifications/stream"
	_, response, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail without a token")
	}
	if response == nil || response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 response, got %+v", response)
	}
}

type stubTokenValidator struct {
	claims auth.DeviceClaims
	err    error
}

func (s stubTokenValidator) ValidateRequest(*http.Request) (auth.DeviceClaims, error) {
	return s.claims, s.err
}

func TestAuthorizeRequestLogLevels(t *testing.T) {
	testCases := []struct {
		name      string
		err       error
		wantLevel zapcore.Level
		wantLogs  int
	}{
		{name: "expired", err: fmt.Errorf("%w: token is expired", auth.ErrExpiredToken), wantLevel: zapcore.InfoLevel, wantLogs: 1},
		{name: "invalid", err: errors.New("signature mismatch"), wantLevel: zapcore.WarnLevel, wantLogs: 1},
		{name: "missing", err: auth.ErrMissingToken, wantLogs: 0},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			gin.SetMode(gin.TestMode)
			recorder := httptest.NewRecorder()
			ctx, _ := gin.CreateTestContext(recorder)
			ctx.Request = httptest.NewRequest(http.MethodGet, "/reservations", http.NoBody)

			core, logs := observer.New(zapcore.DebugLevel)
			handler := &httpHandler{
				tokens: stubTokenValidator{err: testCase.err},
				logger: zap.New(core),
			}
			handler.authorizeRequest(ctx)

			if recorder.Code != http.StatusUnauthorized {
				t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
			}
			entries := logs.All()
			if len(entries) != testCase.wantLogs {
				t.Fatalf("expected %d log entries, got %d", testCase.wantLogs, len(entries))
			}
			if testCase.wantLogs > 0 && entries[0].Level != testCase.wantLevel {
				t.Fatalf("expected %s level, got %s", testCase.wantLevel, entries[0].Level)
			}
		})
	}
}

func TestAuthorizeRequestStoresDeviceID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/reservations", http.NoBody)

	handler := &httpHandler{
		tokens: stubTokenValidator{claims: auth.DeviceClaims{DeviceID: "ipad-sala"}},
		logger: zap.NewNop(),
	}
	handler.authorizeRequest(ctx)

	if got := ctx.GetString(deviceIDContextKey); got != "ipad-sala" {
		t.Fatalf("expected device id in context, got %q", got)
	}
}

func TestCORSMiddlewareAllowsDelete(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(corsMiddleware())
	router.DELETE("/notifications", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	request := httptest.NewRequest(http.MethodOptions, "/notifications", http.NoBody)
	request.Header.Set("Origin", "https://tablet.example.com")
	request.Header.Set("Access-Control-Request-Method", http.MethodDelete)

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, recorder.Code)
	}
	if !strings.Contains(recorder.Header().Get("Access-Control-Allow-Methods"), http.MethodDelete) {
		t.Fatalf("expected DELETE in allowed methods, got %q", recorder.Header().Get("Access-Control-Allow-Methods"))
	}
}

func TestNewHTTPHandlerValidatesDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); !errors.Is(err, errMissingTokenValidator) {
		t.Fatalf("expected missing validator error, got %v", err)
	}
}
