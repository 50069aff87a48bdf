package sink

import (
	"context"
	"encoding/json"
	"regexp"

	"codeberg.org/mutker/edgetel/internal/errors"
	"codeberg.org/mutker/edgetel/internal/event"
	"codeberg.org/mutker/edgetel/internal/params"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	TypePostgres = "postgres"

	defaultPostgresTable = "edgetel_events"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// PGPool is the subset of *pgxpool.Pool the sink uses.
type PGPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
	Close()
}

var newPGPool = func(ctx context.Context, dsn string) (PGPool, error) {
	return pgxpool.New(ctx, dsn)
}

type postgresSettings struct {
	DSN   string `json:"dsn" validate:"required"`
	Table string `json:"table"`
}

// PostgresSink inserts one row per event with the payload and tags stored
// as jsonb. Inserts are idempotent on the event ID.
type PostgresSink struct {
	cfg       postgresSettings
	pool      PGPool
	insertSQL string
}

func NewPostgres() *PostgresSink {
	return &PostgresSink{}
}

func (s *PostgresSink) Configure(ctx context.Context, p map[string]any) error {
	errFactory := errors.New()

	if err := params.Decode(p, &s.cfg); err != nil {
		return err
	}
	if s.cfg.Table == "" {
		s.cfg.Table = defaultPostgresTable
	}
	if !identifierPattern.MatchString(s.cfg.Table) {
		return errFactory.WithMessagef(errors.ErrInvalidConfig, "invalid table name %q", s.cfg.Table)
	}

	pool, err := newPGPool(ctx, s.cfg.DSN)
	if err != nil {
		return errFactory.Wrap(errors.ErrInitFailed, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return errFactory.Wrap(errors.ErrInitFailed, err)
	}

	createSQL := `CREATE TABLE IF NOT EXISTS ` + s.cfg.Table + ` (
		id          UUID PRIMARY KEY,
		ts          TIMESTAMPTZ NOT NULL,
		source_type TEXT NOT NULL,
		namespace   TEXT NOT NULL,
		origin      TEXT NOT NULL,
		payload     JSONB NOT NULL,
		tags        JSONB NOT NULL DEFAULT '{}'::jsonb
	)`
	if _, err := pool.Exec(ctx, createSQL); err != nil {
		pool.Close()
		return errFactory.Wrapf(errors.ErrInitFailed, err, "create table %s", s.cfg.Table)
	}

	s.pool = pool
	s.insertSQL = `INSERT INTO ` + s.cfg.Table +
		` (id, ts, source_type, namespace, origin, payload, tags) VALUES ($1, $2, $3, $4, $5, $6, $7)` +
		` ON CONFLICT (id) DO NOTHING`

	return nil
}

func (s *PostgresSink) Send(ctx context.Context, ev event.DataEvent) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return deliveryError(TypePostgres, err)
	}
	tags, err := json.Marshal(ev.Tags)
	if err != nil {
		return deliveryError(TypePostgres, err)
	}
	if ev.Tags == nil {
		tags = []byte("{}")
	}

	_, err = s.pool.Exec(ctx, s.insertSQL,
		ev.ID,
		ev.Timestamp,
		string(ev.SourceType),
		ev.Namespace,
		ev.OriginName,
		payload,
		tags,
	)
	if err != nil {
		return deliveryError(TypePostgres, err)
	}

	return nil
}

func (s *PostgresSink) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
