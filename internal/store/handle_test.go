package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/pushcast/internal/config"
	"github.com/kazz187/pushcast/internal/pushsubscription"
	"github.com/kazz187/pushcast/pkg/cerr"
)

func TestHandleConnectsOnceUnderConcurrentFirstUse(t *testing.T) {
	var calls atomic.Int32
	h := NewHandleWithOpener(&config.StoreEnv{Type: config.StoreLocal, BaseDir: t.TempDir()},
		func(ctx context.Context, env *config.StoreEnv) (pushsubscription.Repository, CloseFunc, error) {
			calls.Add(1)
			time.Sleep(20 * time.Millisecond)
			return Open(ctx, env)
		})

	var wg sync.WaitGroup
	repos := make([]pushsubscription.Repository, 10)
	for i := range repos {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := h.Repository(context.Background())
			assert.NoError(t, err)
			repos[i] = r
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, r := range repos {
		assert.Same(t, repos[0], r)
	}
	assert.True(t, h.Connected())
}

func TestHandleRetriesAfterFailure(t *testing.T) {
	var calls atomic.Int32
	h := NewHandleWithOpener(&config.StoreEnv{Type: config.StoreLocal, BaseDir: t.TempDir()},
		func(ctx context.Context, env *config.StoreEnv) (pushsubscription.Repository, CloseFunc, error) {
			if calls.Add(1) == 1 {
				return nil, nil, cerr.WrapStorageConnectError("mongo", errors.New("connection refused"))
			}
			return Open(ctx, env)
		})

	_, err := h.Repository(context.Background())
	require.Error(t, err)
	assert.True(t, cerr.IsCode(err, cerr.Unavailable))
	assert.False(t, h.Connected())

	repo, err := h.Repository(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, repo)
	assert.Equal(t, int32(2), calls.Load())
}

func TestHandleClose(t *testing.T) {
	var closed atomic.Bool
	h := NewHandleWithOpener(&config.StoreEnv{},
		func(context.Context, *config.StoreEnv) (pushsubscription.Repository, CloseFunc, error) {
			return nil, func(context.Context) error {
				closed.Store(true)
				return nil
			}, nil
		})

	require.NoError(t, h.Close(context.Background()), "closing an unopened handle")
	_, err := h.Repository(context.Background())
	require.NoError(t, err)
	require.NoError(t, h.Close(context.Background()))
	assert.True(t, closed.Load())
	assert.False(t, h.Connected())
}

func TestHandleCanceledWhileWaiting(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	h := NewHandleWithOpener(&config.StoreEnv{},
		func(context.Context, *config.StoreEnv) (pushsubscription.Repository, CloseFunc, error) {
			close(started)
			<-release
			return nil, nil, errors.New("released")
		})

	go func() { _, _ = h.Repository(context.Background()) }()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.Repository(ctx)
	assert.True(t, cerr.IsCode(err, cerr.Canceled), "got %v", err)
	close(release)
}

func TestOpenLocalAndSQLite(t *testing.T) {
	ctx := context.Background()

	repo, closeFn, err := Open(ctx, &config.StoreEnv{Type: config.StoreLocal, BaseDir: t.TempDir()})
	require.NoError(t, err)
	require.NotNil(t, repo)
	require.NoError(t, closeFn(ctx))

	repo, closeFn, err = Open(ctx, &config.StoreEnv{Type: config.StoreSQLite, SQLitePath: t.TempDir() + "/push.db"})
	require.NoError(t, err)
	created, err := repo.CreateIfAbsent(ctx, &pushsubscription.Subscription{ID: "1", Endpoint: "https://push.example/abc", CreatedAt: time.Now()})
	require.NoError(t, err)
	assert.True(t, created)
	require.NoError(t, closeFn(ctx))

	_, _, err = Open(ctx, &config.StoreEnv{Type: "redis"})
	assert.True(t, cerr.IsCode(err, cerr.FailedPrecondition))
}
