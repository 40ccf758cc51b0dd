package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"wabulk/pkg/logx"
)

//go:embed migrations_postgres.sql
var postgresSchema string

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	st := &sqlStore{db: db, log: log, d: dialect{name: "postgres", dollar: true, isUnique: postgresIsUnique}}
	if err := st.migrate(ctx, postgresSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	log.Info("storage opened", logx.String("driver", "postgres"))
	return st, nil
}

// unique_violation
const pgUniqueViolation = "23505"

func postgresIsUnique(err error) bool {
	var pe *pq.Error
	return errors.As(err, &pe) && pe.Code == pgUniqueViolation
}
