package internal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/pushcast/internal/config"
	"github.com/kazz187/pushcast/internal/pushsubscription"
	"github.com/kazz187/pushcast/internal/store"
	"github.com/kazz187/pushcast/pkg/cerr"
)

type recordingDeliverer struct {
	mu       sync.Mutex
	payloads map[string][]byte
}

func (d *recordingDeliverer) Deliver(_ context.Context, sub *pushsubscription.Subscription, payload []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.payloads == nil {
		d.payloads = map[string][]byte{}
	}
	d.payloads[sub.Endpoint] = payload
	return nil
}

func testEnv(t *testing.T) *config.Env {
	t.Helper()
	return &config.Env{
		BaseEnv: config.BaseEnv{
			Env:            "test",
			Mode:           config.ModeServer,
			AllowedOrigins: []string{"*"},
		},
		StoreEnv: config.StoreEnv{
			Type:    config.StoreLocal,
			BaseDir: t.TempDir(),
		},
		NotificationEnv: config.NotificationEnv{
			Title: "Demo Notification!",
			Body:  "Testing your custom backend setup!",
			Icon:  "/images/icon.png",
		},
	}
}

func newTestHandler(t *testing.T, env *config.Env, opts ...AppOption) (http.Handler, *App) {
	t.Helper()
	app, err := NewApp(env, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })
	h, err := app.Server.Handler()
	require.NoError(t, err)
	return h, app
}

func serve(h http.Handler, method, path, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestSubscribeAndSendNotification(t *testing.T) {
	d := &recordingDeliverer{}
	h, app := newTestHandler(t, testEnv(t), WithDeliverer(d))

	rec := serve(h, http.MethodPost, "/api/v1/subscribe", `{"endpoint":"https://push.example/abc","keys":{"p256dh":"k1","auth":"k2"}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "Subscription handled.", decode(t, rec)["message"])
	assert.True(t, app.Store.Connected())

	rec = serve(h, http.MethodPost, "/api/v1/send-notification", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Push notifications queued/sent.", decode(t, rec)["message"])

	require.Len(t, d.payloads, 1)
	assert.JSONEq(t,
		`{"title":"Demo Notification!","body":"Testing your custom backend setup!","icon":"/images/icon.png"}`,
		string(d.payloads["https://push.example/abc"]))
}

func TestSubscribeMissingEndpoint(t *testing.T) {
	h, app := newTestHandler(t, testEnv(t), WithDeliverer(&recordingDeliverer{}))

	rec := serve(h, http.MethodPost, "/api/v1/subscribe", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_argument", decode(t, rec)["code"])
	assert.False(t, app.Store.Connected(), "invalid input never touches the store")
}

func TestStoreUnavailable(t *testing.T) {
	failing := func(context.Context, *config.StoreEnv) (pushsubscription.Repository, store.CloseFunc, error) {
		return nil, nil, cerr.WrapStorageConnectError("mongo", errors.New("connection refused"))
	}
	h, _ := newTestHandler(t, testEnv(t), WithDeliverer(&recordingDeliverer{}), WithStoreOpener(failing))

	rec := serve(h, http.MethodPost, "/api/v1/subscribe", `{"endpoint":"https://push.example/abc"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unavailable", decode(t, rec)["code"])

	rec = serve(h, http.MethodPost, "/api/v1/send-notification", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSendNotificationAPIKey(t *testing.T) {
	env := testEnv(t)
	env.APIKey = "s3cret"
	h, _ := newTestHandler(t, env, WithDeliverer(&recordingDeliverer{}))

	rec := serve(h, http.MethodPost, "/api/v1/send-notification", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthenticated", decode(t, rec)["code"])

	rec = serve(h, http.MethodPost, "/api/v1/send-notification", "", "X-API-Key", "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = serve(h, http.MethodPost, "/api/v1/send-notification", "", "X-API-Key", "s3cret")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(h, http.MethodPost, "/api/v1/send-notification", "", "Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(h, http.MethodPost, "/api/v1/subscribe", `{"endpoint":"https://push.example/abc"}`)
	assert.Equal(t, http.StatusCreated, rec.Code, "subscribe stays public")
}

func TestSubscribeRateLimit(t *testing.T) {
	env := testEnv(t)
	env.RateLimit = "2-M"
	h, _ := newTestHandler(t, env, WithDeliverer(&recordingDeliverer{}))

	for range 2 {
		rec := serve(h, http.MethodPost, "/api/v1/subscribe", `{"endpoint":"https://push.example/abc"}`)
		assert.Equal(t, http.StatusCreated, rec.Code)
	}
	rec := serve(h, http.MethodPost, "/api/v1/subscribe", `{"endpoint":"https://push.example/abc"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "resource_exhausted", decode(t, rec)["code"])
}

func TestInvalidRateLimit(t *testing.T) {
	env := testEnv(t)
	env.RateLimit = "lots"
	app, err := NewApp(env, WithDeliverer(&recordingDeliverer{}))
	require.NoError(t, err)
	_, err = app.Server.Handler()
	assert.Error(t, err)
}

func TestHealthAndNotFound(t *testing.T) {
	h, _ := newTestHandler(t, testEnv(t), WithDeliverer(&recordingDeliverer{}))

	assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/health", "").Code)

	rec := serve(h, http.MethodGet, "/api/v1/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decode(t, rec)["code"])
}

func TestCORSPreflight(t *testing.T) {
	h, _ := newTestHandler(t, testEnv(t), WithDeliverer(&recordingDeliverer{}))

	rec := serve(h, http.MethodOptions, "/api/v1/subscribe", "",
		"Origin", "https://app.example",
		"Access-Control-Request-Method", http.MethodPost,
		"Access-Control-Request-Headers", "content-type",
	)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestNewAppRequiresVAPID(t *testing.T) {
	_, err := NewApp(testEnv(t))
	assert.Error(t, err)
}

func TestAppBroadcast(t *testing.T) {
	d := &recordingDeliverer{}
	h, app := newTestHandler(t, testEnv(t), WithDeliverer(d))
	rec := serve(h, http.MethodPost, "/api/v1/subscribe", `{"endpoint":"https://push.example/abc"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	report, err := app.Broadcast(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Delivered)
}
