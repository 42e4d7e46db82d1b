package task

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"

	_ "github.com/mattn/go-sqlite3"
)

// NewSQLiteStore opens (creating if absent) a sqlite-backed Store at dbPath.
func NewSQLiteStore(dbPath string) (Store, error) {
	if err := ensureSQLiteDir(dbPath); err != nil {
		return nil, fmt.Errorf("task: prepare sqlite path: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL", dbPath)
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("task: open sqlite: %w", err)
	}
	// sqlite only supports one writer; match the teacher's pool settings.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("task: init sqlite schema: %w", err)
	}
	return &sqlStore{db: db}, nil
}

func ensureSQLiteDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
