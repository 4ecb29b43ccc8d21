package repositoryimpl

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kazz187/pushcast/internal/pushsubscription"
	"github.com/kazz187/pushcast/pkg/cerr"
)

// The statements below only use syntax shared by PostgreSQL and SQLite
// ($n placeholders, ON CONFLICT DO NOTHING), so one repository serves both
// lib/pq and modernc.org/sqlite.
const (
	createTableSQL = `CREATE TABLE IF NOT EXISTS push_subscriptions (
	endpoint   TEXT PRIMARY KEY,
	id         TEXT NOT NULL,
	keys_json  TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
)`
	insertSQL = `INSERT INTO push_subscriptions (endpoint, id, keys_json, created_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (endpoint) DO NOTHING`
	listSQL             = `SELECT endpoint, id, keys_json, created_at FROM push_subscriptions`
	findByEndpointSQL   = listSQL + ` WHERE endpoint = $1`
	deleteByEndpointSQL = `DELETE FROM push_subscriptions WHERE endpoint = $1`
)

type SQLRepository struct {
	db *sql.DB
}

func NewSQLRepository(db *sql.DB) *SQLRepository {
	return &SQLRepository{db: db}
}

// Migrate creates the subscriptions table. The primary key on endpoint is
// what makes CreateIfAbsent safe under concurrent subscribes.
func (r *SQLRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createTableSQL); err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to create push_subscriptions table: %w", err))
	}
	return nil
}

func (r *SQLRepository) Close() error {
	return r.db.Close()
}

func (r *SQLRepository) CreateIfAbsent(ctx context.Context, s *pushsubscription.Subscription) (bool, error) {
	keys, err := json.Marshal(s.Keys)
	if err != nil {
		return false, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal subscription keys: %w", err))
	}
	res, err := r.db.ExecContext(ctx, insertSQL, s.Endpoint, s.ID, string(keys), s.CreatedAt.UTC())
	if err != nil {
		return false, cerr.WrapStorageWriteError("push_subscription", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, cerr.WrapStorageWriteError("push_subscription", err)
	}
	return n == 1, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*pushsubscription.Subscription, error) {
	var (
		s    pushsubscription.Subscription
		keys string
	)
	if err := row.Scan(&s.Endpoint, &s.ID, &keys, &s.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(keys), &s.Keys); err != nil {
		return nil, fmt.Errorf("failed to unmarshal keys of %s: %w", s.ID, err)
	}
	return &s, nil
}

func (r *SQLRepository) List(ctx context.Context) ([]*pushsubscription.Subscription, error) {
	rows, err := r.db.QueryContext(ctx, listSQL)
	if err != nil {
		return nil, cerr.WrapStorageReadError("push_subscriptions", err)
	}
	defer rows.Close()

	var all []*pushsubscription.Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, cerr.WrapStorageReadError("push_subscriptions", err)
		}
		all = append(all, s)
	}
	if err := rows.Err(); err != nil {
		return nil, cerr.WrapStorageReadError("push_subscriptions", err)
	}
	return all, nil
}

func (r *SQLRepository) FindByEndpoint(ctx context.Context, endpoint string) (*pushsubscription.Subscription, error) {
	s, err := scanSubscription(r.db.QueryRowContext(ctx, findByEndpointSQL, endpoint))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, cerr.NewError(cerr.NotFound, "push subscription not found", err)
		}
		return nil, cerr.WrapStorageReadError("push_subscription", err)
	}
	return s, nil
}

func (r *SQLRepository) DeleteByEndpoint(ctx context.Context, endpoint string) error {
	if _, err := r.db.ExecContext(ctx, deleteByEndpointSQL, endpoint); err != nil {
		return cerr.WrapStorageDeleteError("push_subscription", err)
	}
	return nil
}
