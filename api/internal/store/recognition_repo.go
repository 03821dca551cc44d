package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
)

// Driver names as registered with database/sql.
const (
	DriverPgx   = "pgx"
	DriverMySQL = "mysql"
)

// RecognitionRow is one finished pipeline run.
type RecognitionRow struct {
	ID         int64           `json:"id"`
	CreatedAt  time.Time       `json:"created_at"`
	RunID      string          `json:"run_id"`
	Source     string          `json:"source"` // http | telegram
	ChatID     int64           `json:"chat_id,omitempty"`
	Kind       string          `json:"type"`
	Engine     string          `json:"engine"`
	ImageHash  string          `json:"image_hash"`
	Success    bool            `json:"success"`
	ErrorClass string          `json:"error_class,omitempty"`
	Confidence float64         `json:"confidence"`
	Result     json.RawMessage `json:"result,omitempty"`
}

type RecognitionRepo struct {
	DB     *sql.DB
	driver string
}

func NewRecognitionRepo(db *sql.DB, driver string) *RecognitionRepo {
	return &RecognitionRepo{DB: db, driver: driver}
}

// Open connects with the given driver and checks the connection.
func Open(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	var db *sql.DB
	switch driver {
	case DriverPgx:
		cc, err := pgx.ParseConfig(dsn)
		if err != nil {
			return nil, fmt.Errorf("parse postgres dsn: %w", err)
		}
		db = stdlib.OpenDB(*cc)
	case DriverMySQL:
		mc, err := mysql.ParseDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("parse mysql dsn: %w", err)
		}
		// created_at is scanned into time.Time
		mc.ParseTime = true
		db, err = sql.Open(DriverMySQL, mc.FormatDSN())
		if err != nil {
			return nil, fmt.Errorf("sql.Open: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db.Ping: %w", err)
	}
	return db, nil
}

// EnsureSchema creates the recognitions table when missing.
func (r *RecognitionRepo) EnsureSchema(ctx context.Context) error {
	ddl := `
create table if not exists recognitions (
  id bigserial primary key,
  created_at timestamptz not null default now(),
  run_id text not null,
  source text not null,
  chat_id bigint not null default 0,
  kind text not null,
  engine text not null,
  image_hash text not null,
  success boolean not null,
  error_class text not null default '',
  confidence double precision not null default 0,
  result_json jsonb
)`
	if r.driver == DriverMySQL {
		ddl = `
create table if not exists recognitions (
  id bigint auto_increment primary key,
  created_at timestamp not null default current_timestamp,
  run_id varchar(64) not null,
  source varchar(16) not null,
  chat_id bigint not null default 0,
  kind varchar(32) not null,
  engine varchar(32) not null,
  image_hash varchar(64) not null,
  success boolean not null,
  error_class varchar(32) not null default '',
  confidence double not null default 0,
  result_json json
)`
	}
	_, err := r.DB.ExecContext(ctx, ddl)
	return err
}

func (r *RecognitionRepo) Insert(ctx context.Context, row RecognitionRow) error {
	var result any
	if len(row.Result) > 0 {
		result = string(row.Result)
	}
	q := r.rebind(`
insert into recognitions (
  run_id, source, chat_id, kind, engine, image_hash,
  success, error_class, confidence, result_json
) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`)
	_, err := r.DB.ExecContext(ctx, q,
		row.RunID, row.Source, row.ChatID, row.Kind, row.Engine, row.ImageHash,
		row.Success, row.ErrorClass, row.Confidence, result,
	)
	return err
}

// Recent returns the latest runs, newest first.
func (r *RecognitionRepo) Recent(ctx context.Context, limit int) ([]RecognitionRow, error) {
	if limit <= 0 {
		limit = 20
	}
	q := r.rebind(`
select id, created_at, run_id, source, chat_id, kind, engine, image_hash,
       success, error_class, confidence, coalesce(result_json, 'null')
from recognitions
order by created_at desc, id desc
limit $1`)
	rows, err := r.DB.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RecognitionRow
	for rows.Next() {
		var (
			row RecognitionRow
			js  []byte
		)
		if err := rows.Scan(&row.ID, &row.CreatedAt, &row.RunID, &row.Source, &row.ChatID,
			&row.Kind, &row.Engine, &row.ImageHash, &row.Success, &row.ErrorClass,
			&row.Confidence, &js); err != nil {
			return nil, err
		}
		row.Result = json.RawMessage(js)
		out = append(out, row)
	}
	return out, rows.Err()
}

func (r *RecognitionRepo) rebind(q string) string {
	return Rebind(r.driver, q)
}

// Rebind rewrites $N placeholders to ? for drivers that need it.
func Rebind(driver, q string) string {
	if driver != DriverMySQL {
		return q
	}
	var b strings.Builder
	b.Grow(len(q))
	for i := 0; i < len(q); i++ {
		if q[i] == '$' {
			j := i + 1
			for j < len(q) && q[j] >= '0' && q[j] <= '9' {
				j++
			}
			if j > i+1 {
				if _, err := strconv.Atoi(q[i+1 : j]); err == nil {
					b.WriteByte('?')
					i = j - 1
					continue
				}
			}
		}
		b.WriteByte(q[i])
	}
	return b.String()
}
