package db

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"courier/internal/auth"
	"courier/internal/broadcast"
	"courier/internal/jobs"
	"courier/internal/sequence"
	"courier/internal/subscribers"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Connect opens the database. Timestamps are always written in UTC so that
// range comparisons behave the same on both drivers.
func Connect(driver, dsn string, log zerolog.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case DriverPostgres, "":
		dialector = postgres.Open(dsn)
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unknown database driver %q", driver)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.New(gormWriter{log: log}, logger.Config{
			SlowThreshold:             500 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, err
	}

	if driver == DriverSQLite {
		// SQLite allows one writer at a time.
		sqlDB, err := gdb.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return gdb, nil
}

// Models lists every table the service owns.
func Models() []any {
	return []any{
		&jobs.Job{},
		&broadcast.Broadcast{},
		&broadcast.Target{},
		&subscribers.Subscriber{},
		&sequence.Sequence{},
		&sequence.Step{},
		&sequence.Run{},
		&sequence.RunStep{},
		&auth.User{},
	}
}

func AutoMigrateAndIndexes(gdb *gorm.DB) error {
	if err := gdb.AutoMigrate(Models()...); err != nil {
		return err
	}

	// Composite indexes the claim and reaper queries lean on.
	stmts := []string{
		`create index if not exists idx_jobs_due on jobs(status, run_at, id);`,
		`create index if not exists idx_jobs_lock on jobs(status, locked_at);`,
		`create index if not exists idx_jobs_finished on jobs(status, updated_at);`,
		`create index if not exists idx_broadcast_targets_claim on broadcast_targets(status, claimed_at);`,
		`create index if not exists idx_sequence_run_steps_run on sequence_run_steps(run_id, status);`,
	}
	for _, s := range stmts {
		if err := gdb.Exec(s).Error; err != nil {
			return fmt.Errorf("index exec failed: %w (sql=%s)", err, s)
		}
	}
	return nil
}

// gormWriter routes gorm's own warnings through zerolog.
type gormWriter struct {
	log zerolog.Logger
}

func (w gormWriter) Printf(format string, args ...interface{}) {
	w.log.Warn().Msgf(format, args...)
}
