// Package postgres implements the store.Store interface backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/alfredjeanlab/plangraph/internal/model"
	"github.com/alfredjeanlab/plangraph/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements store.Store backed by a PostgreSQL database.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements store.Store.
var _ store.Store = (*PostgresStore)(nil)

// New opens a connection to the PostgreSQL database at the given URL,
// configures the connection pool, and runs any pending migrations.
func New(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// NewWithDB wraps an open database without running migrations.
func NewWithDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func runMigrations(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}

// Ping checks that the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) CreateNode(ctx context.Context, n *model.Node) error {
	return queryCreateNode(ctx, s.db, n)
}

func (s *PostgresStore) GetNode(ctx context.Context, id string) (*model.Node, error) {
	return queryGetNode(ctx, s.db, id)
}

func (s *PostgresStore) ListNodes(ctx context.Context, filter model.NodeFilter) ([]*model.Node, error) {
	return queryListNodes(ctx, s.db, filter)
}

func (s *PostgresStore) UpdateNode(ctx context.Context, id string, fields map[string]any) (*model.Node, error) {
	return queryUpdateNode(ctx, s.db, id, fields)
}

func (s *PostgresStore) DeleteNode(ctx context.Context, id string) error {
	return queryDeleteNode(ctx, s.db, id)
}

func (s *PostgresStore) CreateEdge(ctx context.Context, e *model.Edge) error {
	return queryCreateEdge(ctx, s.db, e)
}

func (s *PostgresStore) GetEdge(ctx context.Context, id string) (*model.Edge, error) {
	return queryGetEdge(ctx, s.db, id)
}

func (s *PostgresStore) GetEdges(ctx context.Context, nodeID string, types ...model.EdgeType) ([]*model.Edge, error) {
	return queryGetEdges(ctx, s.db, nodeID, types)
}

func (s *PostgresStore) ListEdges(ctx context.Context, types ...model.EdgeType) ([]*model.Edge, error) {
	return queryListEdges(ctx, s.db, types)
}

func (s *PostgresStore) UpdateEdge(ctx context.Context, id string, props map[string]any) (*model.Edge, error) {
	return queryUpdateEdge(ctx, s.db, id, props)
}

func (s *PostgresStore) DeleteEdge(ctx context.Context, id string) error {
	return queryDeleteEdge(ctx, s.db, id)
}

// RunInTransaction begins a database transaction, creates a txStore that
// delegates to it, calls fn, and commits on success or rolls back on error.
func (s *PostgresStore) RunInTransaction(ctx context.Context, fn func(tx store.Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	txS := &txStore{tx: tx}
	if err := fn(txS); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// txStore implements store.Store using a *sql.Tx.
type txStore struct {
	tx *sql.Tx
}

// Compile-time check that txStore implements store.Store.
var _ store.Store = (*txStore)(nil)

func (s *txStore) CreateNode(ctx context.Context, n *model.Node) error {
	return queryCreateNode(ctx, s.tx, n)
}

func (s *txStore) GetNode(ctx context.Context, id string) (*model.Node, error) {
	return queryGetNode(ctx, s.tx, id)
}

func (s *txStore) ListNodes(ctx context.Context, filter model.NodeFilter) ([]*model.Node, error) {
	return queryListNodes(ctx, s.tx, filter)
}

func (s *txStore) UpdateNode(ctx context.Context, id string, fields map[string]any) (*model.Node, error) {
	return queryUpdateNode(ctx, s.tx, id, fields)
}

func (s *txStore) DeleteNode(ctx context.Context, id string) error {
	return queryDeleteNode(ctx, s.tx, id)
}

func (s *txStore) CreateEdge(ctx context.Context, e *model.Edge) error {
	return queryCreateEdge(ctx, s.tx, e)
}

func (s *txStore) GetEdge(ctx context.Context, id string) (*model.Edge, error) {
	return queryGetEdge(ctx, s.tx, id)
}

func (s *txStore) GetEdges(ctx context.Context, nodeID string, types ...model.EdgeType) ([]*model.Edge, error) {
	return queryGetEdges(ctx, s.tx, nodeID, types)
}

func (s *txStore) ListEdges(ctx context.Context, types ...model.EdgeType) ([]*model.Edge, error) {
	return queryListEdges(ctx, s.tx, types)
}

func (s *txStore) UpdateEdge(ctx context.Context, id string, props map[string]any) (*model.Edge, error) {
	return queryUpdateEdge(ctx, s.tx, id, props)
}

func (s *txStore) DeleteEdge(ctx context.Context, id string) error {
	return queryDeleteEdge(ctx, s.tx, id)
}

// RunInTransaction on a txStore reuses the existing transaction (no nesting).
func (s *txStore) RunInTransaction(ctx context.Context, fn func(tx store.Store) error) error {
	return fn(s)
}

// Close is a no-op for a transaction store; the parent store owns the connection.
func (s *txStore) Close() error {
	return nil
}
