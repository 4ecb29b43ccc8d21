package repositoryimpl

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/kazz187/pushcast/internal/pushsubscription"
	"github.com/kazz187/pushcast/pkg/cerr"
	"github.com/kazz187/pushcast/pkg/storage"
)

const pushSubscriptionsPrefix = "push_subscriptions"

// YAMLRepository keeps one YAML document per subscription on a
// storage.Storage (local disk or S3). Documents are named after a digest of
// the endpoint, so the endpoint uniqueness check is the storage's own
// create-if-absent.
type YAMLRepository struct {
	storage storage.Storage
}

func NewYAMLRepository(s storage.Storage) *YAMLRepository {
	return &YAMLRepository{storage: s}
}

func path(endpoint string) string {
	sum := sha256.Sum256([]byte(endpoint))
	return fmt.Sprintf("%s/%s.yaml", pushSubscriptionsPrefix, hex.EncodeToString(sum[:]))
}

func (r *YAMLRepository) CreateIfAbsent(ctx context.Context, s *pushsubscription.Subscription) (bool, error) {
	data, err := yaml.Marshal(s)
	if err != nil {
		return false, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal push subscription: %w", err))
	}
	created, err := r.storage.WriteIfAbsent(ctx, path(s.Endpoint), data)
	if err != nil {
		return false, cerr.WrapStorageWriteError("push_subscription", err)
	}
	return created, nil
}

func decode(p string, data []byte) (*pushsubscription.Subscription, error) {
	var s pushsubscription.Subscription
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal push subscription %s: %w", p, err)
	}
	return &s, nil
}

func (r *YAMLRepository) read(ctx context.Context, p string) (*pushsubscription.Subscription, error) {
	data, err := r.storage.Read(ctx, p)
	if err != nil {
		return nil, cerr.WrapStorageReadError("push_subscription", err)
	}
	s, err := decode(p, data)
	if err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", err)
	}
	return s, nil
}

// List fails on any storage read error so a broadcast never silently misses
// a subscriber. Documents removed by a concurrent prune are skipped, and so
// are documents that no longer decode, which no retry could repair.
func (r *YAMLRepository) List(ctx context.Context) ([]*pushsubscription.Subscription, error) {
	paths, err := r.storage.List(ctx, pushSubscriptionsPrefix)
	if err != nil {
		return nil, cerr.WrapStorageReadError("push_subscriptions", err)
	}

	sort.Strings(paths)

	all := make([]*pushsubscription.Subscription, 0, len(paths))
	for _, p := range paths {
		data, err := r.storage.Read(ctx, p)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, cerr.WrapStorageReadError("push_subscriptions", err)
		}
		s, err := decode(p, data)
		if err != nil {
			slog.WarnContext(ctx, "skipping corrupt push subscription", "path", p, "error", err)
			continue
		}
		all = append(all, s)
	}
	return all, nil
}

func (r *YAMLRepository) FindByEndpoint(ctx context.Context, endpoint string) (*pushsubscription.Subscription, error) {
	return r.read(ctx, path(endpoint))
}

func (r *YAMLRepository) DeleteByEndpoint(ctx context.Context, endpoint string) error {
	if err := r.storage.Delete(ctx, path(endpoint)); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return cerr.WrapStorageDeleteError("push_subscription", err)
	}
	return nil
}
