package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/pbrebner/dm-api/internal/auth"
	"github.com/pbrebner/dm-api/internal/channels"
	"github.com/pbrebner/dm-api/internal/config"
	"github.com/pbrebner/dm-api/internal/database"
	"github.com/pbrebner/dm-api/internal/ids"
	"github.com/pbrebner/dm-api/internal/realtime"
	"github.com/pbrebner/dm-api/internal/users"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testAccessSecret  = "access-secret-for-tests"
	testRefreshSecret = "refresh-secret-for-tests"
	testCookieName    = "jwt"
	testPassword      = "correct horse battery"
)

type testAPI struct {
	handler  *Handler
	hub      *realtime.Hub
	users    *users.Service
	channels *channels.Service
	access   *auth.TokenIssuer
	registry *prometheus.Registry
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	return newTestAPIWithBaseContext(t, context.Background())
}

// newTestAPIWithBaseContext builds the API with websocket sessions derived from baseContext.
func newTestAPIWithBaseContext(t *testing.T, baseContext context.Context) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	// presence writes run concurrently with handlers
	sqlDB.SetMaxOpenConns(1)
	if err := database.Migrate(db, zap.NewNop()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	userService, err := users.NewService(users.ServiceConfig{Database: db, IDProvider: ids.NewUUIDProvider()})
	if err != nil {
		t.Fatalf("failed to build users service: %v", err)
	}
	channelService, err := channels.NewService(channels.ServiceConfig{
		Database:   db,
		IDProvider: ids.NewUUIDProvider(),
		Friends:    userService,
	})
	if err != nil {
		t.Fatalf("failed to build channels service: %v", err)
	}

	access, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(testAccessSecret),
		Issuer:        auth.DefaultIssuer,
		Audience:      auth.AudienceAccess,
		TokenTTL:      auth.AccessTokenTTL,
	})
	if err != nil {
		t.Fatalf("failed to build access issuer: %v", err)
	}
	refresh, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(testRefreshSecret),
		Issuer:        auth.DefaultIssuer,
		Audience:      auth.AudienceRefresh,
		TokenTTL:      auth.RefreshTokenTTL,
	})
	if err != nil {
		t.Fatalf("failed to build refresh issuer: %v", err)
	}
	sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{Refresh: refresh, CookieName: testCookieName})
	if err != nil {
		t.Fatalf("failed to build session validator: %v", err)
	}

	registry := prometheus.NewRegistry()
	hub := realtime.NewHub(realtime.HubConfig{
		Directory:  userService,
		Authorizer: channelService,
		Metrics:    realtime.NewMetrics(registry),
	})

	realtimeSettings := config.DefaultRealtimeConfig()
	realtimeSettings.PingPeriod = 200 * time.Millisecond
	realtimeSettings.PongWait = time.Second

	handler, err := NewHTTPHandler(Dependencies{
		Users:          userService,
		Channels:       channelService,
		Hub:            hub,
		AccessTokens:   access,
		RefreshTokens:  refresh,
		Sessions:       sessions,
		Logger:         zap.NewNop(),
		Gatherer:       registry,
		AllowedOrigins: []string{"http://localhost:5173"},
		Realtime:       realtimeSettings,
		BaseContext:    baseContext,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}

	t.Cleanup(func() {
		hub.Wait()
		_ = sqlDB.Close()
	})

	return &testAPI{
		handler:  handler,
		hub:      hub,
		users:    userService,
		channels: channelService,
		access:   access,
		registry: registry,
	}
}

// do performs a request against the handler. body may be nil, a string or any JSON-encodable value.
func (api *testAPI) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch value := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(value))
	default:
		encoded, err := json.Marshal(value)
		if err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	api.handler.ServeHTTP(recorder, request)
	return recorder
}

// signUp registers a user and returns it with a fresh access token.
func (api *testAPI) signUp(t *testing.T, name string) (users.User, string) {
	t.Helper()
	user, err := api.users.Register(context.Background(), users.RegisterInput{
		Name:     name,
		Email:    strings.ToLower(name) + "@example.com",
		Password: testPassword,
	})
	if err != nil {
		t.Fatalf("failed to register %s: %v", name, err)
	}
	token, _, err := api.access.IssueToken(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("failed to issue token for %s: %v", name, err)
	}
	return user, token
}

func (api *testAPI) befriend(t *testing.T, first, second users.User) {
	t.Helper()
	ctx := context.Background()
	if _, err := api.users.RequestFriend(ctx, first.ID, second.ID); err != nil {
		t.Fatalf("friend request failed: %v", err)
	}
	if _, err := api.users.AcceptFriend(ctx, second.ID, first.ID); err != nil {
		t.Fatalf("friend accept failed: %v", err)
	}
}

// listen attaches an authenticated in-memory connection for userID to the hub.
func (api *testAPI) listen(t *testing.T, id, userID string) (*recordingConn, *realtime.Lifecycle) {
	t.Helper()
	conn := &recordingConn{id: realtime.ConnectionID(id)}
	lifecycle, ok := api.hub.Connect(conn)
	if !ok {
		t.Fatalf("failed to connect %s", id)
	}
	if !lifecycle.Authenticate(userID) {
		t.Fatalf("failed to authenticate %s", id)
	}
	t.Cleanup(lifecycle.Close)
	return conn, lifecycle
}

func newJSONRequest(t *testing.T, method, path string, body []byte) *http.Request {
	t.Helper()
	request := httptest.NewRequest(method, path, bytes.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	return request
}

func serve(api *testAPI, request *http.Request) *httptest.ResponseRecorder {
	recorder := httptest.NewRecorder()
	api.handler.ServeHTTP(recorder, request)
	return recorder
}

func channelsInput(userIDs ...string) channels.CreateInput {
	return channels.CreateInput{UserIDs: userIDs}
}

func sortedIDs(values ...string) []string {
	sorted := append([]string(nil), values...)
	slices.Sort(sorted)
	return sorted
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
}

func errorCode(t *testing.T, recorder *httptest.ResponseRecorder) string {
	t.Helper()
	var payload struct {
		Error string `json:"error"`
	}
	decodeBody(t, recorder, &payload)
	return payload.Error
}

type recordingConn struct {
	id realtime.ConnectionID

	mu     sync.Mutex
	events []realtime.Event
}

func (c *recordingConn) ID() realtime.ConnectionID {
	return c.id
}

func (c *recordingConn) Send(event realtime.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *recordingConn) received(kind realtime.EventKind) []realtime.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []realtime.Event
	for _, event := range c.events {
		if event.Kind == kind {
			out = append(out, event)
		}
	}
	return out
}
