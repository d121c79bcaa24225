// Package store is the Relational Store (C2): pooled Postgres-compatible
// access to threads, projects, messages, agent runs, agents, and billing
// tables, with explicit primary/replica read routing.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/runengine/pkg/runmodel"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// PoolConfig configures connection pooling for one DSN.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
	StatementTimeout time.Duration
}

// DefaultPoolConfig returns default connection pool settings.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:     25,
		MaxIdleConns:     5,
		ConnMaxLifetime:  5 * time.Minute,
		ConnMaxIdleTime:  2 * time.Minute,
		ConnectTimeout:   10 * time.Second,
		StatementTimeout: 30 * time.Second,
	}
}

// Store is the Relational Store. Reads default to the primary pool; only the
// two read-mostly lookups named in runmodel.ReadReplica (message history
// pagination, agent config) are routed to the replica pool when configured.
type Store struct {
	primary *sql.DB
	replica *sql.DB // nil when no replica is configured
}

// Open dials the primary (and optional replica) DSN and verifies connectivity.
func Open(ctx context.Context, primaryDSN, replicaDSN string, cfg PoolConfig) (*Store, error) {
	if strings.TrimSpace(primaryDSN) == "" {
		return nil, fmt.Errorf("store: primary dsn is required")
	}
	primary, err := openPool(ctx, primaryDSN, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: open primary: %w", err)
	}

	var replica *sql.DB
	if strings.TrimSpace(replicaDSN) != "" {
		replica, err = openPool(ctx, replicaDSN, cfg)
		if err != nil {
			_ = primary.Close()
			return nil, fmt.Errorf("store: open replica: %w", err)
		}
	}

	return &Store{primary: primary, replica: replica}, nil
}

func openPool(ctx context.Context, dsn string, cfg PoolConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// NewWithPools wraps already-open pools (a sqlmock DB in tests, or pools
// dialed by an external supervisor) without the Open dial/ping sequence.
func NewWithPools(primary, replica *sql.DB) *Store {
	return &Store{primary: primary, replica: replica}
}

// Close releases both pools.
func (s *Store) Close() error {
	var err error
	if s.replica != nil {
		err = s.replica.Close()
	}
	if e := s.primary.Close(); e != nil {
		err = e
	}
	return err
}

// conn resolves which pool a read should use; writes always use the primary pool.
func (s *Store) conn(pref runmodel.ReadPreference) *sql.DB {
	if pref == runmodel.ReadReplica && s.replica != nil {
		return s.replica
	}
	return s.primary
}

// isUniqueViolation reports whether err is a Postgres unique-constraint error.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "duplicate key")
}

// IsRetryable classifies a storage error per the transient-I/O taxonomy:
// connection failures and serialization errors are retryable, constraint
// violations and context cancellation are not.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrAlreadyExists) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	msg := err.Error()
	for _, transient := range []string{"connection refused", "connection reset", "serialization failure", "deadlock detected", "i/o timeout", "broken pipe", "too many connections"} {
		if strings.Contains(msg, transient) {
			return true
		}
	}
	return false
}
