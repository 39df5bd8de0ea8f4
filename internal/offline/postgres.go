package offline

import (
	"context"
	"fmt"
	"iter"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/austindbirch/harbor_report/internal/db"
	"github.com/austindbirch/harbor_report/internal/delivery"
)

const pageSize = 100

var schema = []string{
	`CREATE SCHEMA IF NOT EXISTS harbor_report`,
	`CREATE TABLE IF NOT EXISTS harbor_report.offline_records (
		seq          BIGSERIAL PRIMARY KEY,
		id           TEXT NOT NULL UNIQUE,
		dest_key     TEXT NOT NULL,
		endpoint     TEXT NOT NULL,
		access_token TEXT NOT NULL,
		stored_at    TIMESTAMPTZ NOT NULL,
		owner        TEXT NOT NULL DEFAULT '',
		level        TEXT NOT NULL DEFAULT '',
		attempts     INT NOT NULL DEFAULT 0,
		payload      BYTEA NOT NULL,
		config       BYTEA
	)`,
	`CREATE INDEX IF NOT EXISTS offline_records_dest_seq
		ON harbor_report.offline_records (dest_key, seq)`,
}

// Pool is the subset of *pgxpool.Pool the store needs.
type Pool interface {
	db.Execer
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore keeps records in a shared table, ordered by an insertion
// sequence. The unique record ID makes duplicate stores a no-op.
type PostgresStore struct {
	pool Pool
	opts options
}

// OpenPostgres connects to dsn and prepares the schema.
func OpenPostgres(ctx context.Context, dsn string, opts ...Option) (*PostgresStore, error) {
	pool, err := db.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect offline store: %w", err)
	}
	s, err := NewPostgresStore(ctx, pool, opts...)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func NewPostgresStore(ctx context.Context, pool Pool, opts ...Option) (*PostgresStore, error) {
	if err := db.Migrate(ctx, pool, schema...); err != nil {
		return nil, fmt.Errorf("prepare offline schema: %w", err)
	}
	return &PostgresStore{pool: pool, opts: buildOptions(opts)}, nil
}

func (s *PostgresStore) Store(ctx context.Context, b *delivery.Bundle, dest Destination) error {
	rec, err := NewRecord(b, dest, s.opts.clock.Now())
	if err != nil {
		return err
	}
	var tag pgconn.CommandTag
	tag, err = s.pool.Exec(ctx, `
		INSERT INTO harbor_report.offline_records
			(id, dest_key, endpoint, access_token, stored_at, owner, level, attempts, payload, config)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO NOTHING`,
		rec.ID, dest.Key(), dest.Endpoint, dest.AccessToken, rec.Timestamp,
		rec.Owner, rec.Level, rec.Attempts, []byte(rec.Payload), []byte(rec.Config),
	)
	if err != nil {
		return fmt.Errorf("insert offline record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		s.opts.logger.Plain().WithBundle(rec.ID).Debug("offline record already stored")
	}
	return nil
}

func (s *PostgresStore) DrainPending(ctx context.Context, dest Destination) iter.Seq2[*Record, error] {
	return func(yield func(*Record, error) bool) {
		var after int64
		for {
			page, err := s.page(ctx, dest.Key(), after)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, p := range page {
				if !yield(p.rec, nil) {
					return
				}
				after = p.seq
			}
			if len(page) < pageSize {
				return
			}
		}
	}
}

type pagedRecord struct {
	seq int64
	rec *Record
}

func (s *PostgresStore) page(ctx context.Context, destKey string, after int64) ([]pagedRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT seq, id, endpoint, access_token, stored_at, owner, level, attempts, payload, config
		FROM harbor_report.offline_records
		WHERE dest_key = $1 AND seq > $2
		ORDER BY seq
		LIMIT $3`, destKey, after, pageSize)
	if err != nil {
		return nil, fmt.Errorf("query offline records: %w", err)
	}
	defer rows.Close()

	var out []pagedRecord
	for rows.Next() {
		var (
			p       pagedRecord
			rec     Record
			payload []byte
			cfg     []byte
		)
		if err := rows.Scan(&p.seq, &rec.ID, &rec.Destination.Endpoint, &rec.Destination.AccessToken,
			&rec.Timestamp, &rec.Owner, &rec.Level, &rec.Attempts, &payload, &cfg); err != nil {
			return nil, fmt.Errorf("scan offline record: %w", err)
		}
		rec.Type = RecordType
		rec.Version = "v1"
		rec.Payload = payload
		rec.Config = cfg
		rec.ref = rec.ID
		p.rec = &rec
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate offline records: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Remove(ctx context.Context, rec *Record) error {
	if rec == nil || rec.ID == "" {
		return ErrNotFound
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM harbor_report.offline_records WHERE id = $1`, rec.ID)
	if err != nil {
		return fmt.Errorf("delete offline record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Ping checks the database behind the store.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

var _ Store = (*PostgresStore)(nil)
