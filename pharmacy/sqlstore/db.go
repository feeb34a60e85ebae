package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/pgdriver"
	_ "modernc.org/sqlite"

	"github.com/Rahil-dope/agentic-pharmacy-system/pharmacy/domain"
	"github.com/Rahil-dope/agentic-pharmacy-system/pharmacy/refill"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	Driver string `split_words:"true" default:"sqlite"`
	DSN    string `envconfig:"DSN" default:"file:pharmacy.db?_pragma=busy_timeout(5000)"`
}

var (
	_ domain.Ledger            = (*Store)(nil)
	_ domain.OrderStore        = (*Store)(nil)
	_ domain.CustomerDirectory = (*Store)(nil)
)

// Store keeps medicines, customers and orders in a SQL database through bun.
type Store struct {
	db        *bun.DB
	predictor refill.Predictor
	now       func() time.Time
	newID     func() string
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
			s.predictor.Now = now
		}
	}
}

// Validate checks the driver name and DSN before anything is opened.
func (c Config) Validate() error {
	if strings.TrimSpace(c.DSN) == "" {
		return errors.New("sqlstore: dsn is required")
	}
	switch c.driver() {
	case DriverPostgres, DriverSQLite:
		return nil
	}
	return fmt.Errorf("sqlstore: unsupported driver %q", c.Driver)
}

func (c Config) driver() string {
	switch d := strings.ToLower(strings.TrimSpace(c.Driver)); d {
	case "pg", "postgresql":
		return DriverPostgres
	case "", "sqlite3":
		return DriverSQLite
	default:
		return d
	}
}

func Open(cfg Config, opts ...Option) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dsn := strings.TrimSpace(cfg.DSN)

	var db *bun.DB
	switch cfg.driver() {
	case DriverPostgres:
		sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
		db = bun.NewDB(sqldb, pgdialect.New())
	case DriverSQLite:
		sqldb, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: open sqlite: %w", err)
		}
		// SQLite allows a single writer; one connection keeps in-memory databases shared.
		sqldb.SetMaxOpenConns(1)
		db = bun.NewDB(sqldb, sqlitedialect.New())
	default:
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", cfg.Driver)
	}

	return New(db, opts...), nil
}

func New(db *bun.DB, opts ...Option) *Store {
	s := &Store{
		db:        db,
		predictor: refill.NewPredictor(),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Store) DB() *bun.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// CreateSchema creates the tables when missing.
func (s *Store) CreateSchema(ctx context.Context) error {
	models := []any{
		(*medicineRow)(nil),
		(*customerRow)(nil),
		(*prescriptionRow)(nil),
		(*orderRow)(nil),
	}
	for _, m := range models {
		if _, err := s.db.NewCreateTable().Model(m).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("sqlstore: create table %T: %w", m, err)
		}
	}
	if _, err := s.db.NewCreateIndex().
		Model((*orderRow)(nil)).
		Index("orders_customer_idx").
		Column("customer_id").
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("sqlstore: create orders index: %w", err)
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", domain.ErrStoreUnavailable, op, err)
}
