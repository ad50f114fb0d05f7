package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Config holds database connection configuration
type Config struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Username     string        `mapstructure:"user"`
	Password     string        `mapstructure:"password"`
	DBName       string        `mapstructure:"database"`
	SSLMode      string        `mapstructure:"sslmode"`
	MaxOpenConns int           `mapstructure:"max_open_conns"`
	MaxIdleConns int           `mapstructure:"max_idle_conns"`
	MaxIdleTime  time.Duration `mapstructure:"max_idle_time"`
	MaxLifetime  time.Duration `mapstructure:"max_lifetime"`
}

// SourceName builds the libpq connection string
func (c *Config) SourceName() string {
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s password=%s sslmode=%s",
		c.Host, c.Port, c.Username, c.DBName, c.Password, sslmode)
}

// DB wraps the sqlx connection pool
type DB struct {
	conn *sqlx.DB
}

// Connect establishes the connection pool
func Connect(cfg *Config) (*DB, error) {
	conn, err := sqlx.Connect("postgres", cfg.SourceName())
	if err != nil {
		return nil, fmt.Errorf("failed to connect db %s: %w", cfg.DBName, err)
	}
	if cfg.MaxOpenConns > 0 {
		conn.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		conn.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	conn.SetConnMaxIdleTime(cfg.MaxIdleTime)
	conn.SetConnMaxLifetime(cfg.MaxLifetime)
	return &DB{conn: conn}, nil
}

// ConnectDSN connects with a raw libpq connection string
func ConnectDSN(dsn string) (*DB, error) {
	conn, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect db: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Close closes the connection pool
func (d *DB) Close() error {
	return d.conn.Close()
}

// Session is a transactional scope passed through store calls.
// Components accept an optional *Session so cross-component operations
// (dataset submit -> record create -> task enqueue) share one
// transaction. A nil session means "open and commit your own".
type Session struct {
	Tx *sqlx.Tx
}

// OptionalSession runs fn inside ses when non-nil. Otherwise it opens a
// transaction, commits when fn succeeds and rolls back when it errors,
// so partial progress is never visible.
func (d *DB) OptionalSession(ctx context.Context, ses *Session, fn func(*Session) error) error {
	if ses != nil {
		return fn(ses)
	}

	tx, err := d.conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(&Session{Tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

// ApplySchema executes the embedded schema DDL. All statements are
// idempotent (CREATE ... IF NOT EXISTS) so re-running is safe.
func (d *DB) ApplySchema(ctx context.Context) error {
	_, err := d.conn.ExecContext(ctx, Schema)
	if err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
