package pushsubscription

import (
	"context"
	"log/slog"
	"maps"
	"net/url"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/kazz187/pushcast/pkg/cerr"
)

// Validate checks a subscription received from a client before it reaches a
// repository. Failures are InvalidArgument so they surface as 4xx.
func Validate(s *Subscription) error {
	if s == nil || s.Endpoint == "" {
		return cerr.NewError(cerr.InvalidArgument, "endpoint is required", nil)
	}
	u, err := url.Parse(s.Endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return cerr.NewError(cerr.InvalidArgument, "endpoint must be an absolute URL", err)
	}
	return nil
}

type Service struct {
	provider Provider
	now      func() time.Time
}

func NewService(provider Provider) *Service {
	return &Service{
		provider: provider,
		now:      time.Now,
	}
}

// Subscribe validates s and stores it unless its endpoint is already known.
// A duplicate is reported through created=false, never as an error.
func (svc *Service) Subscribe(ctx context.Context, s *Subscription) (created bool, err error) {
	if err := Validate(s); err != nil {
		return false, err
	}
	repo, err := svc.provider.Repository(ctx)
	if err != nil {
		return false, err
	}

	sub := &Subscription{
		ID:        ulid.Make().String(),
		Endpoint:  s.Endpoint,
		Keys:      maps.Clone(s.Keys),
		CreatedAt: svc.now().UTC(),
	}
	created, err = repo.CreateIfAbsent(ctx, sub)
	if err != nil {
		return false, err
	}
	if created {
		slog.InfoContext(ctx, "new subscription saved", "id", sub.ID)
	} else {
		slog.DebugContext(ctx, "subscription already exists, not saved")
	}
	return created, nil
}
