package repositoryimpl

import (
	"context"
	"errors"
	"log/slog"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/kazz187/pushcast/internal/pushsubscription"
	"github.com/kazz187/pushcast/pkg/cerr"
)

// MongoRepository stores subscriptions as documents in one collection. It
// reads documents written by earlier deployments as well: unknown fields such
// as expirationTime are ignored.
type MongoRepository struct {
	client *mongo.Client
	coll   *mongo.Collection
}

func NewMongoRepository(client *mongo.Client, database, collection string) *MongoRepository {
	return &MongoRepository{
		client: client,
		coll:   client.Database(database).Collection(collection),
	}
}

// EnsureIndexes adds a unique index on endpoint. Collections that already
// hold duplicate endpoints cannot take the index; that is logged and the
// repository keeps working with upsert-only protection.
func (r *MongoRepository) EnsureIndexes(ctx context.Context) {
	_, err := r.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "endpoint", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("endpoint_unique"),
	})
	if err != nil {
		slog.WarnContext(ctx, "failed to create unique endpoint index", "collection", r.coll.Name(), "error", err)
	}
}

func (r *MongoRepository) Close(ctx context.Context) error {
	return r.client.Disconnect(ctx)
}

func (r *MongoRepository) CreateIfAbsent(ctx context.Context, s *pushsubscription.Subscription) (bool, error) {
	res, err := r.coll.UpdateOne(ctx,
		bson.M{"endpoint": s.Endpoint},
		bson.M{"$setOnInsert": bson.M{
			"id":         s.ID,
			"keys":       s.Keys,
			"created_at": s.CreatedAt,
		}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		// Two upserts of a new endpoint racing on the unique index.
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, cerr.WrapStorageWriteError("push_subscription", err)
	}
	return res.UpsertedCount == 1, nil
}

func (r *MongoRepository) List(ctx context.Context) ([]*pushsubscription.Subscription, error) {
	cur, err := r.coll.Find(ctx, bson.D{})
	if err != nil {
		return nil, cerr.WrapStorageReadError("push_subscriptions", err)
	}
	var all []*pushsubscription.Subscription
	if err := cur.All(ctx, &all); err != nil {
		return nil, cerr.WrapStorageReadError("push_subscriptions", err)
	}
	return all, nil
}

func (r *MongoRepository) FindByEndpoint(ctx context.Context, endpoint string) (*pushsubscription.Subscription, error) {
	var s pushsubscription.Subscription
	if err := r.coll.FindOne(ctx, bson.M{"endpoint": endpoint}).Decode(&s); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, cerr.NewError(cerr.NotFound, "push subscription not found", err)
		}
		return nil, cerr.WrapStorageReadError("push_subscription", err)
	}
	return &s, nil
}

// DeleteByEndpoint removes every document for endpoint, including duplicates
// left by deployments that had no unique index.
func (r *MongoRepository) DeleteByEndpoint(ctx context.Context, endpoint string) error {
	if _, err := r.coll.DeleteMany(ctx, bson.M{"endpoint": endpoint}); err != nil {
		return cerr.WrapStorageDeleteError("push_subscription", err)
	}
	return nil
}
