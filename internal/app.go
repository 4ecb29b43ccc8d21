package internal

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/kazz187/pushcast/internal/config"
	"github.com/kazz187/pushcast/internal/pushnotification"
	"github.com/kazz187/pushcast/internal/pushsubscription"
	"github.com/kazz187/pushcast/internal/store"
	"github.com/kazz187/pushcast/pkg/cerr"
	"github.com/kazz187/pushcast/pkg/clog"
)

// NewLogger builds the process logger: colored text for local development,
// JSON everywhere else. Both carry the per-request attribute bag.
func NewLogger(env *config.BaseEnv, w io.Writer) *slog.Logger {
	level := env.SlogLevel()
	var handler slog.Handler
	if env.Env == "local" {
		handler = clog.NewHTTPTextHandler(w, clog.WithLevel(level))
	} else {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	}
	return slog.New(clog.NewAttributesHandler(handler))
}

// App holds everything one process (or one serverless instance) needs to
// serve requests. The store is connected lazily through Store.
type App struct {
	Env        *config.Env
	Store      *store.Handle
	Dispatcher *pushnotification.Dispatcher
	Server     *Server
}

type AppOption func(*appOptions)

type appOptions struct {
	deliverer pushnotification.Deliverer
	opener    store.OpenFunc
}

// WithDeliverer replaces the web push deliverer.
func WithDeliverer(d pushnotification.Deliverer) AppOption {
	return func(o *appOptions) {
		o.deliverer = d
	}
}

// WithStoreOpener replaces how the store handle connects.
func WithStoreOpener(open store.OpenFunc) AppOption {
	return func(o *appOptions) {
		o.opener = open
	}
}

func NewApp(env *config.Env, opts ...AppOption) (*App, error) {
	o := &appOptions{opener: store.Open}
	for _, opt := range opts {
		opt(o)
	}

	if err := cerr.InitReporter(env.SentryDSN, env.Env); err != nil {
		return nil, err
	}

	deliverer := o.deliverer
	if deliverer == nil {
		d, err := pushnotification.NewWebPushDeliverer(&env.VAPIDEnv, &http.Client{})
		if err != nil {
			return nil, fmt.Errorf("failed to create web push deliverer: %w", err)
		}
		deliverer = d
	}

	handle := store.NewHandleWithOpener(&env.StoreEnv, o.opener)
	dispatcher := pushnotification.NewDispatcher(handle, deliverer,
		pushnotification.WithMaxConcurrency(env.MaxConcurrency),
		pushnotification.WithDeliveryTimeout(env.DeliveryTimeout),
	)
	pushNotificationServer := pushnotification.NewServer(
		&env.VAPIDEnv,
		pushsubscription.NewService(handle),
		dispatcher,
		pushnotification.PayloadFromEnv(&env.NotificationEnv),
	)

	return &App{
		Env:        env,
		Store:      handle,
		Dispatcher: dispatcher,
		Server:     NewServer(env, pushNotificationServer),
	}, nil
}

// Connect establishes the store connection now instead of on first use.
func (a *App) Connect(ctx context.Context) error {
	_, err := a.Store.Repository(ctx)
	return err
}

// Broadcast sends the configured notification once, outside any HTTP request.
func (a *App) Broadcast(ctx context.Context) (*pushnotification.Report, error) {
	return a.Dispatcher.Broadcast(ctx, pushnotification.PayloadFromEnv(&a.Env.NotificationEnv))
}

func (a *App) Close(ctx context.Context) error {
	return a.Store.Close(ctx)
}
