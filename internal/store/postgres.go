// Package store is the only component that touches the database directly
// (§5 "Shared resources: The only shared resource is the database"). It
// wraps gorm the way the teacher's PostgresService does, but the schema and
// queries are the job/peer tables from §3 and §6 instead of the product
// domain.
package store

import (
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/oceanrun/jobkeep/internal/logger"
	"github.com/oceanrun/jobkeep/internal/model"
)

// Store is the durable backing for jobs and peers. All core components hold
// a *Store, never a bare *gorm.DB, so the claim/stage/finalize semantics
// stay centralized.
type Store struct {
	db  *gorm.DB
	log *logger.Logger
}

// Open connects to Postgres via gorm, the way the teacher's
// NewPostgresService does, but against an arbitrary DSN instead of
// environment-composed Postgres settings (the DSN itself remains an
// external/config concern per §1).
func Open(dsn string, log *logger.Logger) (*Store, error) {
	serviceLog := log.With("component", "Store")

	gormLog := gormlogger.New(
		stdLogAdapter(),
		gormlogger.Config{
			SlowThreshold:             1 * time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormLog,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	return &Store{db: db, log: serviceLog}, nil
}

func stdLogAdapter() *log.Logger {
	return log.New(os.Stdout, "\r\n", log.LstdFlags)
}

// AutoMigrate creates/updates the jobs and peers tables plus the composite
// index §6 requires for claim lookups.
func (s *Store) AutoMigrate() error {
	if err := s.db.AutoMigrate(&model.Job{}, &model.Peer{}); err != nil {
		return fmt.Errorf("auto migrating jobs/peers: %w", err)
	}
	return nil
}

// DB exposes the underlying *gorm.DB for callers that need read-only queries
// beyond the Store's curated methods.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// resolveTx applies §5's "connection resolver must not be re-invoked
// (nesting safety)" rule: if the caller already holds a transaction, use it;
// otherwise fall back to the pooled handle.
func (s *Store) resolveTx(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return s.db
}
