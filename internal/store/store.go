// Package store persists scraped listings to PostgreSQL. It is optional:
// sessions run and export without it.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmylchreest/mapscrape/internal/listing"
	"github.com/jmylchreest/mapscrape/internal/logger"
)

// ErrNoDSN is returned by Open when no connection string is configured.
var ErrNoDSN = errors.New("no database DSN configured")

// Config holds database settings.
type Config struct {
	DSN            string `mapstructure:"dsn"`
	MaxConns       int    `mapstructure:"max_conns" validate:"gte=0"`
	BatchSize      int    `mapstructure:"batch_size" validate:"gte=0"`
	SimpleProtocol bool   `mapstructure:"simple_protocol"` // for PgBouncer in transaction mode
}

// DefaultConfig returns sensible defaults. The DSN is empty, which leaves
// persistence disabled.
func DefaultConfig() Config {
	return Config{
		MaxConns:  2,
		BatchSize: 200,
	}
}

// batchSender is the part of *pgxpool.Pool used for inserts.
type batchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Store writes listings to Postgres.
type Store struct {
	pool      *pgxpool.Pool
	sender    batchSender
	batchSize int
}

// Open connects to the database and verifies the connection.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, ErrNoDSN
	}

	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DSN: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.SimpleProtocol {
		pcfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Debug("database connected", "max_conns", pcfg.MaxConns)
	return &Store{pool: pool, sender: pool, batchSize: cfg.BatchSize}, nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS listings (
	id          BIGSERIAL PRIMARY KEY,
	session_id  TEXT NOT NULL,
	query       TEXT NOT NULL,
	listing_key TEXT NOT NULL,
	name        TEXT NOT NULL,
	category    TEXT,
	address     TEXT,
	rating      DOUBLE PRECISION,
	reviews     INTEGER,
	phone       TEXT,
	url         TEXT,
	fields      JSONB NOT NULL,
	scraped_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (query, listing_key)
)`

// EnsureSchema creates the listings table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

const insertSQL = `INSERT INTO listings
	(session_id, query, listing_key, name, category, address, rating, reviews, phone, url, fields)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	ON CONFLICT (query, listing_key) DO NOTHING`

// SaveRecords inserts records in batches and returns how many rows were
// new. Listings already stored for the same query are left untouched.
func (s *Store) SaveRecords(ctx context.Context, sessionID, query string, records []listing.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	batch := s.batchSize
	if batch <= 0 {
		batch = DefaultConfig().BatchSize
	}

	total := 0
	for i := 0; i < len(records); i += batch {
		j := min(i+batch, len(records))

		b := &pgx.Batch{}
		count := 0
		for _, r := range records[i:j] {
			args, err := rowArgs(sessionID, query, r)
			if err != nil {
				return total, err
			}
			if args == nil {
				continue
			}
			b.Queue(insertSQL, args...)
			count++
		}

		br := s.sender.SendBatch(ctx, b)
		for k := 0; k < count; k++ {
			tag, err := br.Exec()
			if err != nil {
				_ = br.Close()
				return total, fmt.Errorf("failed to insert listing: %w", err)
			}
			total += int(tag.RowsAffected())
		}
		if err := br.Close(); err != nil {
			return total, err
		}
	}

	logger.Debug("listings saved", "query", query, "new", total, "records", len(records))
	return total, nil
}

// rowArgs maps a record onto the insert's parameters. Records without a key
// are skipped (nil args).
func rowArgs(sessionID, query string, r listing.Record) ([]any, error) {
	if strings.TrimSpace(r.Key) == "" {
		return nil, nil
	}
	fields, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode listing %q: %w", r.Key, err)
	}

	var rating *float64
	if v, ok := r.Get(listing.FieldRating); ok {
		if f, ok := v.(float64); ok {
			rating = &f
		}
	}
	var reviews *int
	if v, ok := r.Get(listing.FieldReviews); ok {
		if n, ok := v.(int); ok {
			reviews = &n
		}
	}

	return []any{
		sessionID,
		query,
		r.Key,
		r.String(listing.FieldName),
		r.String(listing.FieldCategory),
		r.String(listing.FieldAddress),
		rating,
		reviews,
		r.String(listing.FieldPhone),
		r.String(listing.FieldURL),
		json.RawMessage(fields),
	}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}
