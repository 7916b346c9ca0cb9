// Package database provides the PostgreSQL persistence layer: the connection
// pool, schema migrations, and the repositories backing the memory engine's
// metadata and entity stores.
package database

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

// Config holds connection and pool settings for PostgreSQL.
type Config struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`

	MaxConns          int32         `yaml:"max_conns"`
	MinConns          int32         `yaml:"min_conns"`
	MaxConnLifetime   time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime   time.Duration `yaml:"max_conn_idle_time"`
	HealthCheckPeriod time.Duration `yaml:"health_check_period"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
}

// DefaultConfig returns settings sized for a single service instance. Pool
// width follows the 2*cores+1 rule, clamped to [10, 50].
func DefaultConfig() Config {
	cfg := Config{
		Host:     "localhost",
		Port:     "5432",
		User:     "engram",
		Password: "engram",
		Name:     "engram",
		SSLMode:  "disable",
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	cpuCount := int32(runtime.NumCPU()) // #nosec G115 - CPU count fits in int32
	if c.MaxConns <= 0 {
		c.MaxConns = cpuCount*2 + 1
		if c.MaxConns < 10 {
			c.MaxConns = 10
		}
		if c.MaxConns > 50 {
			c.MaxConns = 50
		}
	}
	if c.MinConns <= 0 {
		c.MinConns = cpuCount / 2
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = time.Hour
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 30 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.SSLMode == "" {
		c.SSLMode = "disable"
	}
}

func (c *Config) connString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

// DB wraps the pgx connection pool shared by the repositories.
type DB struct {
	pool *pgxpool.Pool
	log  *logrus.Logger
}

// Connect opens a connection pool and verifies it with a ping.
func Connect(ctx context.Context, cfg Config, logger *logrus.Logger) (*DB, error) {
	if logger == nil {
		logger = logrus.New()
	}
	cfg.applyDefaults()

	poolCfg, err := pgxpool.ParseConfig(cfg.connString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod
	poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	poolCfg.ConnConfig.RuntimeParams["application_name"] = "engram"

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"host":     cfg.Host,
		"database": cfg.Name,
	}).Info("Connected to PostgreSQL")

	return &DB{pool: pool, log: logger}, nil
}

// Pool returns the underlying connection pool.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// HealthCheck pings the database with a short timeout.
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return db.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Migrate applies the schema statements in order. Every statement is
// idempotent, so running migrations on each startup is safe.
func (db *DB) Migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := db.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", i+1, err)
		}
	}
	db.log.WithField("statements", len(migrations)).Info("Database schema up to date")
	return nil
}

// IDs are generated by the application, so the tables carry plain TEXT keys
// instead of server-side uuid defaults.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS memories (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		room_id TEXT NOT NULL DEFAULT '',
		agent_id TEXT NOT NULL DEFAULT '',
		document_id TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL,
		scope VARCHAR(20) NOT NULL,
		category VARCHAR(20) NOT NULL,
		importance VARCHAR(10) NOT NULL,
		status VARCHAR(20) NOT NULL DEFAULT 'active',
		superseded_by TEXT NOT NULL DEFAULT '',
		topic_key TEXT NOT NULL DEFAULT '',
		access_count INTEGER NOT NULL DEFAULT 0,
		last_accessed TIMESTAMP WITH TIME ZONE,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS entities (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		type VARCHAR(50) NOT NULL,
		name TEXT NOT NULL,
		normalized_name TEXT NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		UNIQUE (owner_id, type, normalized_name)
	)`,

	`CREATE TABLE IF NOT EXISTS entity_relations (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		source_entity_id TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
		target_entity_id TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
		relation_type VARCHAR(50) NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		UNIQUE (owner_id, source_entity_id, target_entity_id, relation_type)
	)`,

	`CREATE TABLE IF NOT EXISTS memory_entities (
		memory_id TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
		entity_id TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
		PRIMARY KEY (memory_id, entity_id)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_memories_owner_status ON memories(owner_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_memories_topic ON memories(owner_id, room_id, topic_key) WHERE status = 'active'`,
	`CREATE INDEX IF NOT EXISTS idx_memories_owner_category ON memories(owner_id, category)`,
	`CREATE INDEX IF NOT EXISTS idx_entities_owner_normalized ON entities(owner_id, normalized_name)`,
	`CREATE INDEX IF NOT EXISTS idx_relations_source ON entity_relations(source_entity_id)`,
	`CREATE INDEX IF NOT EXISTS idx_relations_target ON entity_relations(target_entity_id)`,
	`CREATE INDEX IF NOT EXISTS idx_memory_entities_entity ON memory_entities(entity_id)`,
}