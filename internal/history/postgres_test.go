package history

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/relaymesh/relay/internal/bundle"
)

func newMockStore(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgres(sqlx.NewDb(db, "sqlmock"), 64), mock
}

func TestPostgresLastSequence(t *testing.T) {
	p, mock := newMockStore(t)
	q := regexp.QuoteMeta(`SELECT COALESCE(MAX(sequence),0) FROM bundles WHERE topic=$1`)
	mock.ExpectQuery(q).WithArgs("policy").WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(7))

	seq, err := p.LastSequence(context.Background(), "policy")
	if err != nil {
		t.Fatalf("last sequence: %v", err)
	}
	if seq != 7 {
		t.Fatalf("seq = %d, want 7", seq)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresAppend(t *testing.T) {
	p, mock := newMockStore(t)
	b := bundle.Bundle{ID: "ref-8", Topic: "policy", Sequence: 8, Payload: []byte(`{}`), CreatedAt: time.Now()}

	mock.ExpectBegin()
	sel := regexp.QuoteMeta(`SELECT COALESCE(MAX(sequence),0) FROM bundles WHERE topic=$1`)
	mock.ExpectQuery(sel).WithArgs("policy").WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(7))
	ins := regexp.QuoteMeta(`INSERT INTO bundles (topic, sequence, id, payload, created_at) VALUES ($1,$2,$3,$4,$5)`)
	mock.ExpectExec(ins).WithArgs(b.Topic, b.Sequence, b.ID, []byte(b.Payload), b.CreatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	del := regexp.QuoteMeta(`DELETE FROM bundles WHERE topic=$1 AND sequence <= $2`)
	mock.ExpectExec(del).WithArgs("policy", int64(8-64)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	if err := p.Append(context.Background(), b); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresAppendRegression(t *testing.T) {
	p, mock := newMockStore(t)
	b := bundle.Bundle{ID: "ref-3", Topic: "policy", Sequence: 3, Payload: []byte(`{}`), CreatedAt: time.Now()}

	mock.ExpectBegin()
	sel := regexp.QuoteMeta(`SELECT COALESCE(MAX(sequence),0) FROM bundles WHERE topic=$1`)
	mock.ExpectQuery(sel).WithArgs("policy").WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(5))
	mock.ExpectRollback()

	if err := p.Append(context.Background(), b); err == nil {
		t.Fatal("regressed sequence must be rejected")
	}
}
