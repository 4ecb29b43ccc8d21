package pushsubscription

import "context"

type Repository interface {
	// CreateIfAbsent stores s unless a subscription with the same endpoint
	// already exists. An existing endpoint is not an error; created reports
	// which case happened.
	CreateIfAbsent(ctx context.Context, s *Subscription) (created bool, err error)
	// List returns every stored subscription in no particular order.
	List(ctx context.Context) ([]*Subscription, error)
	FindByEndpoint(ctx context.Context, endpoint string) (*Subscription, error)
	// DeleteByEndpoint is idempotent: a missing endpoint is not an error.
	DeleteByEndpoint(ctx context.Context, endpoint string) error
}

// Provider hands out the shared repository, connecting on first use.
type Provider interface {
	Repository(ctx context.Context) (Repository, error)
}

type staticProvider struct {
	repo Repository
}

// StaticProvider wraps an already connected repository.
func StaticProvider(repo Repository) Provider {
	return staticProvider{repo: repo}
}

func (p staticProvider) Repository(context.Context) (Repository, error) {
	return p.repo, nil
}
