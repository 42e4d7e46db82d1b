package task

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// NewPostgresStore opens a postgres-backed Store via the pgx stdlib driver.
func NewPostgresStore(dsn string) (Store, error) {
	db, err := sqlx.Connect("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("task: open postgres: %w", err)
	}
	if _, err := db.Exec(postgresSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("task: init postgres schema: %w", err)
	}
	return &sqlStore{db: db}, nil
}
