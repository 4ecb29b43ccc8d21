// Package api is the on-demand entry point: a single http.HandlerFunc for
// serverless platforms that call Handler once per request.
package api

import (
	"log/slog"
	"net/http"
	"os"
	"sync"

	server "github.com/kazz187/pushcast/internal"
	"github.com/kazz187/pushcast/internal/config"
	"github.com/kazz187/pushcast/pkg/cerr"
)

// lazyHandler builds the real handler on the first request of a warm
// instance. A failed build fails only that request; the next one retries.
type lazyHandler struct {
	build func() (http.Handler, error)

	mu sync.Mutex
	h  http.Handler
}

func (l *lazyHandler) get() (http.Handler, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.h != nil {
		return l.h, nil
	}
	h, err := l.build()
	if err != nil {
		return nil, err
	}
	l.h = h
	return h, nil
}

func (l *lazyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h, err := l.get()
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to initialize", "error", err)
		cerr.WriteError(r.Context(), w, cerr.NewError(cerr.Internal, "server error", err))
		return
	}
	h.ServeHTTP(w, r)
}

func buildOnDemand() (http.Handler, error) {
	env, err := config.LoadEnv()
	if err != nil {
		return nil, err
	}
	// The store connects on first use and lives as long as the instance.
	env.Mode = config.ModeOnDemand
	slog.SetDefault(server.NewLogger(&env.BaseEnv, os.Stderr))

	a, err := server.NewApp(env)
	if err != nil {
		return nil, err
	}
	return a.Server.Handler()
}

var instance = &lazyHandler{build: buildOnDemand}

func Handler(w http.ResponseWriter, r *http.Request) {
	instance.ServeHTTP(w, r)
}
