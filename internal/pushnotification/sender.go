package pushnotification

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/kazz187/pushcast/internal/config"
	"github.com/kazz187/pushcast/internal/pushsubscription"
)

type NotificationPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Icon  string `json:"icon,omitempty"`
	URL   string `json:"url,omitempty"`
	Tag   string `json:"tag,omitempty"`
}

// PayloadFromEnv builds the broadcast payload from configuration.
func PayloadFromEnv(env *config.NotificationEnv) *NotificationPayload {
	return &NotificationPayload{
		Title: env.Title,
		Body:  env.Body,
		Icon:  env.Icon,
		URL:   env.URL,
		Tag:   env.Tag,
	}
}

// ErrSubscriptionGone means the push service no longer knows the
// subscription (HTTP 404 or 410) and it should be removed.
var ErrSubscriptionGone = errors.New("push subscription is gone")

// StatusError is a push service rejection other than gone. Such failures are
// treated as transient.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("push service responded %d", e.StatusCode)
	}
	return fmt.Sprintf("push service responded %d: %s", e.StatusCode, e.Body)
}

// Deliverer sends one encrypted payload to one subscription.
type Deliverer interface {
	Deliver(ctx context.Context, sub *pushsubscription.Subscription, payload []byte) error
}

// WebPushDeliverer delivers through the push service named by the
// subscription endpoint, signing requests with the VAPID key pair.
type WebPushDeliverer struct {
	vapidEnv   *config.VAPIDEnv
	subscriber string
	httpClient *http.Client
}

func NewWebPushDeliverer(vapidEnv *config.VAPIDEnv, httpClient *http.Client) (*WebPushDeliverer, error) {
	if !vapidEnv.Configured() {
		return nil, errors.New("VAPID_SUBJECT, VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY are required")
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	// webpush prefixes "mailto:" to every subject that is not an https URL.
	return &WebPushDeliverer{
		vapidEnv:   vapidEnv,
		subscriber: strings.TrimPrefix(vapidEnv.VAPIDSubject, "mailto:"),
		httpClient: httpClient,
	}, nil
}

// maxErrorBody bounds how much of a rejection body ends up in logs.
const maxErrorBody = 512

func (d *WebPushDeliverer) Deliver(ctx context.Context, sub *pushsubscription.Subscription, payload []byte) error {
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dh(),
			Auth:   sub.Auth(),
		},
	}

	resp, err := webpush.SendNotificationWithContext(ctx, payload, wpSub, &webpush.Options{
		HTTPClient:      d.httpClient,
		Subscriber:      d.subscriber,
		VAPIDPublicKey:  d.vapidEnv.VAPIDPublicKey,
		VAPIDPrivateKey: d.vapidEnv.VAPIDPrivateKey,
		TTL:             d.vapidEnv.VAPIDTTL,
	})
	if err != nil {
		return fmt.Errorf("failed to send push notification: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return fmt.Errorf("%w: status %d", ErrSubscriptionGone, resp.StatusCode)
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return nil
}

// GenerateVAPIDKeys returns a fresh base64url encoded key pair.
func GenerateVAPIDKeys() (privateKey, publicKey string, err error) {
	return webpush.GenerateVAPIDKeys()
}
