package pushnotification

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/kazz187/pushcast/internal/config"
	"github.com/kazz187/pushcast/internal/pushsubscription"
	"github.com/kazz187/pushcast/pkg/cerr"
)

// maxSubscriptionBody is far above any real PushSubscription JSON.
const maxSubscriptionBody = 16 << 10

type SubscribeRequest struct {
	Endpoint string            `json:"endpoint"`
	Keys     map[string]string `json:"keys"`
	// ExpirationTime is sent by browsers and ignored.
	ExpirationTime *int64 `json:"expirationTime,omitempty"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type SendNotificationResponse struct {
	Message string `json:"message"`
	*Report
}

type VapidPublicKeyResponse struct {
	PublicKey string `json:"public_key"`
}

// Server serves the subscription and broadcast endpoints. Handlers report
// their result through cerr.SetJSONResponse / cerr.SetJSONError.
type Server struct {
	vapidEnv      *config.VAPIDEnv
	subscriptions *pushsubscription.Service
	dispatcher    *Dispatcher
	payload       *NotificationPayload
}

func NewServer(vapidEnv *config.VAPIDEnv, subscriptions *pushsubscription.Service, dispatcher *Dispatcher, payload *NotificationPayload) *Server {
	return &Server{
		vapidEnv:      vapidEnv,
		subscriptions: subscriptions,
		dispatcher:    dispatcher,
		payload:       payload,
	}
}

func (s *Server) Subscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req SubscribeRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubscriptionBody))
	if err := dec.Decode(&req); err != nil {
		msg := "invalid subscription object"
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			msg = "subscription object too large"
		} else if errors.Is(err, io.EOF) {
			msg = "request body is required"
		}
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, msg, err)
		return
	}

	if _, err := s.subscriptions.Subscribe(ctx, &pushsubscription.Subscription{
		Endpoint: req.Endpoint,
		Keys:     req.Keys,
	}); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, http.StatusCreated, &MessageResponse{Message: "Subscription handled."})
}

// SendNotification ignores the request body: every broadcast sends the
// configured payload.
func (s *Server) SendNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	report, err := s.dispatcher.Broadcast(ctx, s.payload)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, http.StatusOK, &SendNotificationResponse{
		Message: "Push notifications queued/sent.",
		Report:  report,
	})
}

func (s *Server) GetVapidPublicKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.vapidEnv.VAPIDPublicKey == "" {
		cerr.SetNewJSONError(ctx, cerr.FailedPrecondition, "VAPID keys not configured", nil)
		return
	}
	cerr.SetJSONResponse(ctx, http.StatusOK, &VapidPublicKeyResponse{PublicKey: s.vapidEnv.VAPIDPublicKey})
}
