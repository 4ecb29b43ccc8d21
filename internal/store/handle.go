package store

import (
	"context"
	"sync/atomic"

	"github.com/kazz187/pushcast/internal/config"
	"github.com/kazz187/pushcast/internal/pushsubscription"
	"github.com/kazz187/pushcast/pkg/cerr"
)

// OpenFunc connects a repository; Open is the production implementation.
type OpenFunc func(ctx context.Context, env *config.StoreEnv) (pushsubscription.Repository, CloseFunc, error)

type opened struct {
	repo  pushsubscription.Repository
	close CloseFunc
}

// Handle is the process wide store connection. It connects on the first
// Repository call and reuses the connection afterwards. Concurrent first
// callers wait for a single connection attempt; a failed attempt is not
// remembered, so the next call tries again.
type Handle struct {
	env   *config.StoreEnv
	open  OpenFunc
	sem   chan struct{}
	ready atomic.Pointer[opened]
}

var _ pushsubscription.Provider = (*Handle)(nil)

func NewHandle(env *config.StoreEnv) *Handle {
	return NewHandleWithOpener(env, Open)
}

func NewHandleWithOpener(env *config.StoreEnv, open OpenFunc) *Handle {
	return &Handle{
		env:  env,
		open: open,
		sem:  make(chan struct{}, 1),
	}
}

func (h *Handle) Repository(ctx context.Context) (pushsubscription.Repository, error) {
	if o := h.ready.Load(); o != nil {
		return o.repo, nil
	}

	select {
	case h.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, cerr.NewError(cerr.Canceled, "connection closed", ctx.Err())
	}
	defer func() { <-h.sem }()

	if o := h.ready.Load(); o != nil {
		return o.repo, nil
	}
	repo, closeFn, err := h.open(ctx, h.env)
	if err != nil {
		return nil, err
	}
	h.ready.Store(&opened{repo: repo, close: closeFn})
	return repo, nil
}

// Connected reports whether a connection has been established.
func (h *Handle) Connected() bool {
	return h.ready.Load() != nil
}

// Close releases the connection if one was made. The handle may reconnect
// on a later Repository call.
func (h *Handle) Close(ctx context.Context) error {
	h.sem <- struct{}{}
	defer func() { <-h.sem }()

	o := h.ready.Swap(nil)
	if o == nil || o.close == nil {
		return nil
	}
	return o.close(ctx)
}
