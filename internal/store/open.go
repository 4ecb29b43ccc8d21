package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	_ "modernc.org/sqlite"

	"github.com/kazz187/pushcast/internal/config"
	"github.com/kazz187/pushcast/internal/pushsubscription"
	"github.com/kazz187/pushcast/internal/pushsubscription/repositoryimpl"
	"github.com/kazz187/pushcast/pkg/cerr"
	"github.com/kazz187/pushcast/pkg/storage"
)

// CloseFunc releases the connection behind an opened repository.
type CloseFunc func(ctx context.Context) error

func noopClose(context.Context) error { return nil }

// Open connects the repository selected by env.Type and verifies the
// connection before returning.
func Open(ctx context.Context, env *config.StoreEnv) (pushsubscription.Repository, CloseFunc, error) {
	if env.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, env.ConnectTimeout)
		defer cancel()
	}

	switch env.Type {
	case config.StoreMongo:
		return openMongo(ctx, env)
	case config.StorePostgres:
		return openSQL(ctx, "postgres", env.DatabaseURL)
	case config.StoreSQLite:
		return openSQL(ctx, "sqlite", env.SQLitePath)
	case config.StoreS3:
		s, err := storage.NewS3Storage(ctx, env.S3Bucket, env.S3Prefix, env.S3Region)
		if err != nil {
			return nil, nil, cerr.WrapStorageConnectError("s3", err)
		}
		slog.InfoContext(ctx, "using s3 store", "bucket", env.S3Bucket, "prefix", env.S3Prefix)
		return repositoryimpl.NewYAMLRepository(s), noopClose, nil
	case config.StoreLocal:
		s, err := storage.NewLocalStorage(env.BaseDir)
		if err != nil {
			return nil, nil, cerr.WrapStorageConnectError("local storage", err)
		}
		slog.InfoContext(ctx, "using local store", "dir", env.BaseDir)
		return repositoryimpl.NewYAMLRepository(s), noopClose, nil
	default:
		return nil, nil, cerr.NewError(cerr.FailedPrecondition, "unknown store type", fmt.Errorf("store type %q", env.Type))
	}
}

func openMongo(ctx context.Context, env *config.StoreEnv) (pushsubscription.Repository, CloseFunc, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(env.MongoURI))
	if err != nil {
		return nil, nil, cerr.WrapStorageConnectError("mongo", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, nil, cerr.WrapStorageConnectError("mongo", err)
	}
	repo := repositoryimpl.NewMongoRepository(client, env.MongoDatabase, env.MongoCollection)
	repo.EnsureIndexes(ctx)
	slog.InfoContext(ctx, "database connected", "store", "mongo", "database", env.MongoDatabase, "collection", env.MongoCollection)
	return repo, repo.Close, nil
}

func openSQL(ctx context.Context, driver, dsn string) (pushsubscription.Repository, CloseFunc, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, nil, cerr.WrapStorageConnectError(driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, cerr.WrapStorageConnectError(driver, err)
	}
	repo := repositoryimpl.NewSQLRepository(db)
	if err := repo.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	slog.InfoContext(ctx, "database connected", "store", driver)
	return repo, func(context.Context) error { return repo.Close() }, nil
}
