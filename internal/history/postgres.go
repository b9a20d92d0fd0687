package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // Postgres driver, registered for database/sql
	"github.com/jmoiron/sqlx"

	"github.com/relaymesh/relay/internal/bundle"
)

// Postgres persists bundle history so sequence numbers survive server
// restarts. Schema is created on connect (single table, no migration tool).
type Postgres struct {
	db     *sqlx.DB
	retain int
}

const schema = `CREATE TABLE IF NOT EXISTS bundles (
    topic      TEXT NOT NULL,
    sequence   BIGINT NOT NULL,
    id         TEXT NOT NULL,
    payload    JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (topic, sequence)
)`

// ConnectPostgres opens the pool and ensures the schema exists.
func ConnectPostgres(url string, retain int) (*Postgres, error) {
	db, err := sqlx.Connect("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("history: connect: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: schema: %w", err)
	}
	if retain <= 0 {
		retain = 64
	}
	return &Postgres{db: db, retain: retain}, nil
}

// NewPostgres wraps an existing pool (used by tests with sqlmock).
func NewPostgres(db *sqlx.DB, retain int) *Postgres {
	if retain <= 0 {
		retain = 64
	}
	return &Postgres{db: db, retain: retain}
}

func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) LastSequence(ctx context.Context, topic string) (uint64, error) {
	var seq uint64
	err := p.db.GetContext(ctx, &seq, `SELECT COALESCE(MAX(sequence),0) FROM bundles WHERE topic=$1`, topic)
	return seq, err
}

func (p *Postgres) Append(ctx context.Context, b bundle.Bundle) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	var last uint64
	if err := tx.GetContext(ctx, &last, `SELECT COALESCE(MAX(sequence),0) FROM bundles WHERE topic=$1`, b.Topic); err != nil {
		return err
	}
	if b.Sequence <= last {
		return errors.New("history: sequence regression")
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO bundles (topic, sequence, id, payload, created_at) VALUES ($1,$2,$3,$4,$5)`,
		b.Topic, b.Sequence, b.ID, []byte(b.Payload), b.CreatedAt); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM bundles WHERE topic=$1 AND sequence <= $2`,
		b.Topic, int64(b.Sequence)-int64(p.retain)); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *Postgres) Latest(ctx context.Context, topic string) (bundle.Bundle, bool, error) {
	var b bundle.Bundle
	err := p.db.GetContext(ctx, &b, `SELECT topic, sequence, id, payload, created_at FROM bundles WHERE topic=$1 ORDER BY sequence DESC LIMIT 1`, topic)
	if errors.Is(err, sql.ErrNoRows) {
		return bundle.Bundle{}, false, nil
	}
	if err != nil {
		return bundle.Bundle{}, false, err
	}
	return b, true, nil
}

func (p *Postgres) Range(ctx context.Context, topic string, after uint64) ([]bundle.Bundle, error) {
	var out []bundle.Bundle
	if err := p.db.SelectContext(ctx, &out, `SELECT topic, sequence, id, payload, created_at FROM bundles WHERE topic=$1 AND sequence > $2 ORDER BY sequence ASC`, topic, after); err != nil {
		return nil, err
	}
	if len(out) > 0 && out[0].Sequence != after+1 {
		return nil, ErrPruned
	}
	return out, nil
}

func (p *Postgres) Topics(ctx context.Context) ([]string, error) {
	var out []string
	err := p.db.SelectContext(ctx, &out, `SELECT DISTINCT topic FROM bundles ORDER BY topic`)
	return out, err
}
