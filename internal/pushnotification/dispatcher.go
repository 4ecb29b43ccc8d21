package pushnotification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/kazz187/pushcast/internal/pushsubscription"
	"github.com/kazz187/pushcast/pkg/cerr"
	"github.com/kazz187/pushcast/pkg/panicerr"
)

type Outcome int

const (
	OutcomeDelivered Outcome = iota
	OutcomeTransientFailure
	OutcomeGone
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeTransientFailure:
		return "transient_failure"
	case OutcomeGone:
		return "gone"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Delivery is the terminal state of one delivery attempt.
type Delivery struct {
	Subscription *pushsubscription.Subscription
	Outcome      Outcome
	Err          error
	// Pruned is set for gone subscriptions that were removed from the store.
	Pruned bool
}

// Report summarizes one broadcast pass.
type Report struct {
	Total     int `json:"total"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Removed   int `json:"removed"`

	Deliveries []Delivery `json:"-"`
}

func classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeDelivered
	case errors.Is(err, ErrSubscriptionGone):
		return OutcomeGone
	default:
		return OutcomeTransientFailure
	}
}

type DispatcherOption func(*Dispatcher)

// WithMaxConcurrency caps the number of deliveries in flight. n <= 0 leaves
// the fan-out unbounded.
func WithMaxConcurrency(n int) DispatcherOption {
	return func(d *Dispatcher) {
		d.maxConcurrency = n
	}
}

// WithDeliveryTimeout bounds every single delivery attempt.
func WithDeliveryTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.deliveryTimeout = timeout
	}
}

// Dispatcher broadcasts one payload to every stored subscription and prunes
// the subscriptions the push service reports as gone.
type Dispatcher struct {
	provider        pushsubscription.Provider
	deliverer       Deliverer
	maxConcurrency  int
	deliveryTimeout time.Duration
}

func NewDispatcher(provider pushsubscription.Provider, deliverer Deliverer, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		provider:  provider,
		deliverer: deliverer,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Broadcast sends payload to every subscription concurrently and waits for
// all attempts. Only a failure to read the subscription list is returned as
// an error; individual delivery failures are logged and counted.
func (d *Dispatcher) Broadcast(ctx context.Context, payload *NotificationPayload) (*Report, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal payload: %w", err))
	}

	repo, err := d.provider.Repository(ctx)
	if err != nil {
		return nil, err
	}
	subs, err := repo.List(ctx)
	if err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "broadcasting push notification", "subscribers", len(subs))

	p := pool.NewWithResults[Delivery]()
	if d.maxConcurrency > 0 {
		p = p.WithMaxGoroutines(d.maxConcurrency)
	}
	for _, sub := range subs {
		p.Go(func() Delivery {
			return d.deliver(ctx, repo, sub, data)
		})
	}
	deliveries := p.Wait()

	report := &Report{Total: len(deliveries), Deliveries: deliveries}
	for _, dl := range deliveries {
		switch dl.Outcome {
		case OutcomeDelivered:
			report.Delivered++
		case OutcomeGone:
			if dl.Pruned {
				report.Removed++
			} else {
				report.Failed++
			}
		default:
			report.Failed++
		}
	}
	slog.InfoContext(ctx, "broadcast finished",
		"total", report.Total,
		"delivered", report.Delivered,
		"failed", report.Failed,
		"removed", report.Removed,
	)
	return report, nil
}

func (d *Dispatcher) deliver(ctx context.Context, repo pushsubscription.Repository, sub *pushsubscription.Subscription, data []byte) Delivery {
	// Attempts run to a terminal outcome even when the caller goes away.
	ctx = context.WithoutCancel(ctx)
	dctx := ctx
	if d.deliveryTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, d.deliveryTimeout)
		defer cancel()
	}

	// A panicking deliverer must not take the whole pass down with it.
	err := panicerr.Try(func() error {
		return d.deliverer.Deliver(dctx, sub, data)
	})
	dl := Delivery{Subscription: sub, Outcome: classify(err), Err: err}

	switch dl.Outcome {
	case OutcomeGone:
		slog.InfoContext(ctx, "push notification: subscription expired, removing", "endpoint", sub.Endpoint, "error", err)
		if delErr := repo.DeleteByEndpoint(ctx, sub.Endpoint); delErr != nil {
			slog.ErrorContext(ctx, "push notification: failed to delete expired subscription", "endpoint", sub.Endpoint, "error", delErr)
			dl.Err = errors.Join(err, delErr)
			return dl
		}
		dl.Pruned = true
	case OutcomeTransientFailure:
		slog.WarnContext(ctx, "push notification: failed to send", "endpoint", sub.Endpoint, "error", err)
		cerr.Report(ctx, err, map[string]string{"component": "dispatcher"})
	}
	return dl
}
