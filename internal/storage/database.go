package storage

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/jc2409/jsonify/internal/config"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

const defaultMySQLParams = "parseTime=true&charset=utf8mb4&loc=UTC"

// Open connects to the run catalog database configured under dbType.
func Open(dbType string, cfg *config.Config) (*sql.DB, error) {
	dbCfg, ok := cfg.Databases[dbType]
	if !ok {
		return nil, fmt.Errorf("database config for %s not found", dbType)
	}

	var (
		db  *sql.DB
		err error
	)

	switch strings.ToLower(dbType) {
	case "sqlite", "sqlite3":
		if dbCfg.DSN == "" {
			return nil, fmt.Errorf("sqlite dsn must be provided")
		}
		db, err = sql.Open("sqlite3", dbCfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		// sqlite allows one writer; a single connection also keeps :memory: databases shared
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable sqlite foreign keys: %w", err)
		}
	case "mysql":
		dsn := dbCfg.DSN
		if dsn == "" {
			params := dbCfg.Params
			if params == "" {
				params = defaultMySQLParams
			}
			dsn = fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
				dbCfg.Username,
				dbCfg.Password,
				dbCfg.Host,
				dbCfg.Port,
				dbCfg.DBName,
				params,
			)
		}
		db, err = sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("open mysql database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", dbType)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Migrate ensures the required tables are present.
func Migrate(db *sql.DB, driver string) error {
	var stmts []string
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS runs (
				id TEXT PRIMARY KEY,
				archive_name TEXT NOT NULL,
				status TEXT NOT NULL,
				eligible INTEGER NOT NULL DEFAULT 0,
				processed INTEGER NOT NULL DEFAULT 0,
				failed INTEGER NOT NULL DEFAULT 0,
				skipped INTEGER NOT NULL DEFAULT 0,
				output_dir TEXT NOT NULL,
				error TEXT NOT NULL DEFAULT '',
				created_at DATETIME NOT NULL,
				finished_at DATETIME
			)`,
			`CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at DESC)`,
			`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status, finished_at)`,
			`CREATE TABLE IF NOT EXISTS run_entries (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				run_id TEXT NOT NULL,
				entry_index INTEGER NOT NULL,
				path TEXT NOT NULL,
				artifact TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL,
				error_kind TEXT NOT NULL DEFAULT '',
				error TEXT NOT NULL DEFAULT '',
				UNIQUE(run_id, entry_index),
				FOREIGN KEY(run_id) REFERENCES runs(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_run_entries_run ON run_entries(run_id)`,
		}
	case "mysql":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS runs (
				id VARCHAR(64) NOT NULL,
				archive_name VARCHAR(255) NOT NULL,
				status VARCHAR(32) NOT NULL,
				eligible INT NOT NULL DEFAULT 0,
				processed INT NOT NULL DEFAULT 0,
				failed INT NOT NULL DEFAULT 0,
				skipped INT NOT NULL DEFAULT 0,
				output_dir TEXT NOT NULL,
				error TEXT NOT NULL,
				created_at DATETIME(6) NOT NULL,
				finished_at DATETIME(6) NULL,
				PRIMARY KEY (id),
				INDEX idx_runs_created_at (created_at),
				INDEX idx_runs_status (status, finished_at)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS run_entries (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				run_id VARCHAR(64) NOT NULL,
				entry_index INT NOT NULL,
				path TEXT NOT NULL,
				artifact TEXT NOT NULL,
				status VARCHAR(32) NOT NULL,
				error_kind VARCHAR(64) NOT NULL DEFAULT '',
				error TEXT NOT NULL,
				PRIMARY KEY (id),
				UNIQUE KEY uniq_run_entry (run_id, entry_index),
				CONSTRAINT fk_run_entries_run FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		}
	default:
		return fmt.Errorf("unsupported driver for migration: %s", driver)
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate (%s): %w", driver, err)
		}
	}
	return nil
}
