package pushnotification

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/pushcast/internal/config"
	"github.com/kazz187/pushcast/internal/pushsubscription"
)

func newVAPIDEnv(t *testing.T) *config.VAPIDEnv {
	t.Helper()
	priv, pub, err := GenerateVAPIDKeys()
	require.NoError(t, err)
	return &config.VAPIDEnv{
		VAPIDSubject:    "mailto:ops@push.example",
		VAPIDPublicKey:  pub,
		VAPIDPrivateKey: priv,
		VAPIDTTL:        60,
	}
}

// newBrowserSubscription returns a subscription carrying real client key
// material so the payload can be encrypted.
func newBrowserSubscription(t *testing.T, endpoint string) *pushsubscription.Subscription {
	t.Helper()
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	auth := make([]byte, 16)
	_, err = rand.Read(auth)
	require.NoError(t, err)
	return &pushsubscription.Subscription{
		Endpoint: endpoint,
		Keys: map[string]string{
			pushsubscription.KeyP256dh: base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes()),
			pushsubscription.KeyAuth:   base64.RawURLEncoding.EncodeToString(auth),
		},
	}
}

type pushRequest struct {
	header http.Header
	body   []byte
}

func newPushService(t *testing.T, status int, body string) (*httptest.Server, <-chan pushRequest) {
	t.Helper()
	reqs := make(chan pushRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		reqs <- pushRequest{header: r.Header.Clone(), body: b}
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, reqs
}

func TestWebPushDelivererSuccess(t *testing.T) {
	srv, reqs := newPushService(t, http.StatusCreated, "")
	d, err := NewWebPushDeliverer(newVAPIDEnv(t), srv.Client())
	require.NoError(t, err)

	err = d.Deliver(context.Background(), newBrowserSubscription(t, srv.URL+"/push/abc"), []byte(`{"title":"hi"}`))
	require.NoError(t, err)

	req := <-reqs
	assert.Equal(t, "aes128gcm", req.header.Get("Content-Encoding"))
	assert.Equal(t, "60", req.header.Get("TTL"))
	assert.True(t, strings.HasPrefix(req.header.Get("Authorization"), "vapid t="), req.header.Get("Authorization"))
	assert.NotContains(t, string(req.body), "hi", "payload must be encrypted")
}

// vapidClaims decodes the JWT claims of a "vapid t=<jwt>, k=<key>" header.
func vapidClaims(t *testing.T, authorization string) map[string]any {
	t.Helper()
	token, _, ok := strings.Cut(strings.TrimPrefix(authorization, "vapid t="), ",")
	require.True(t, ok, authorization)
	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)
	raw, err := base64.RawURLEncoding.DecodeString(parts[1])
	require.NoError(t, err)
	var claims map[string]any
	require.NoError(t, json.Unmarshal(raw, &claims))
	return claims
}

func TestWebPushDelivererSubject(t *testing.T) {
	for subject, want := range map[string]string{
		"mailto:ops@push.example":  "mailto:ops@push.example",
		"ops@push.example":         "mailto:ops@push.example",
		"https://push.example/ops": "https://push.example/ops",
	} {
		t.Run(subject, func(t *testing.T) {
			srv, reqs := newPushService(t, http.StatusCreated, "")
			env := newVAPIDEnv(t)
			env.VAPIDSubject = subject
			d, err := NewWebPushDeliverer(env, srv.Client())
			require.NoError(t, err)

			require.NoError(t, d.Deliver(context.Background(), newBrowserSubscription(t, srv.URL), []byte(`{}`)))
			req := <-reqs
			assert.Equal(t, want, vapidClaims(t, req.header.Get("Authorization"))["sub"])
		})
	}
}

func TestWebPushDelivererGone(t *testing.T) {
	for _, status := range []int{http.StatusGone, http.StatusNotFound} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			srv, _ := newPushService(t, status, "")
			d, err := NewWebPushDeliverer(newVAPIDEnv(t), srv.Client())
			require.NoError(t, err)

			err = d.Deliver(context.Background(), newBrowserSubscription(t, srv.URL), []byte(`{}`))
			assert.ErrorIs(t, err, ErrSubscriptionGone)
			assert.Equal(t, OutcomeGone, classify(err))
		})
	}
}

func TestWebPushDelivererRejected(t *testing.T) {
	srv, _ := newPushService(t, http.StatusTooManyRequests, strings.Repeat("x", 2*maxErrorBody))
	d, err := NewWebPushDeliverer(newVAPIDEnv(t), srv.Client())
	require.NoError(t, err)

	err = d.Deliver(context.Background(), newBrowserSubscription(t, srv.URL), []byte(`{}`))
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusTooManyRequests, statusErr.StatusCode)
	assert.Len(t, statusErr.Body, maxErrorBody)
	assert.Equal(t, OutcomeTransientFailure, classify(err))
}

func TestWebPushDelivererUnreachable(t *testing.T) {
	srv, _ := newPushService(t, http.StatusCreated, "")
	srv.Close()
	d, err := NewWebPushDeliverer(newVAPIDEnv(t), nil)
	require.NoError(t, err)

	err = d.Deliver(context.Background(), newBrowserSubscription(t, srv.URL), []byte(`{}`))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrSubscriptionGone)
}

func TestNewWebPushDelivererRequiresVAPID(t *testing.T) {
	env := newVAPIDEnv(t)
	env.VAPIDPrivateKey = ""
	_, err := NewWebPushDeliverer(env, nil)
	assert.Error(t, err)
}

func TestPayloadFromEnv(t *testing.T) {
	p := PayloadFromEnv(&config.NotificationEnv{Title: "t", Body: "b", Icon: "/i.png"})
	assert.Equal(t, &NotificationPayload{Title: "t", Body: "b", Icon: "/i.png"}, p)

	p = PayloadFromEnv(&config.NotificationEnv{Title: "t", Body: "b", URL: "/inbox", Tag: "daily"})
	assert.Equal(t, &NotificationPayload{Title: "t", Body: "b", URL: "/inbox", Tag: "daily"}, p)
	b, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"t","body":"b","url":"/inbox","tag":"daily"}`, string(b))
}
