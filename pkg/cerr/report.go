package cerr

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	raven "github.com/getsentry/raven-go"
)

// InitReporter enables Sentry reporting. Without it Report only logs.
func InitReporter(dsn, environment string) error {
	if dsn == "" {
		return nil
	}
	if err := raven.SetDSN(dsn); err != nil {
		return fmt.Errorf("failed to set sentry dsn: %w", err)
	}
	raven.SetEnvironment(environment)
	return nil
}

// Report sends err to Sentry when a DSN is configured.
func Report(ctx context.Context, err error, tags ...map[string]string) {
	if raven.DefaultClient.ProjectID() == "" {
		return
	}
	merged := map[string]string{}
	for _, t := range tags {
		for k, v := range t {
			merged[k] = v
		}
	}
	raven.CaptureError(err, merged)
	slog.DebugContext(ctx, "reported error", "error", err)
}

// NewRecoveryMiddleware turns a panicking handler into a 500 response and
// reports the panic together with the request.
func NewRecoveryMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				err, ok := rec.(error)
				if !ok {
					err = fmt.Errorf("%v", rec)
				}
				if raven.DefaultClient.ProjectID() != "" {
					packet := raven.NewPacket(err.Error(),
						raven.NewException(err, raven.GetOrNewStacktrace(err, 2, 3, nil)),
						raven.NewHttp(r))
					raven.Capture(packet, nil)
				}
				slog.ErrorContext(r.Context(), "panic recovered", "error", err)
				writeJSONError(r.Context(), rw, NewError(Internal, "server error", err))
			}()
			next.ServeHTTP(rw, r)
		})
	}
}
