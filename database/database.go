package database

import (
	"database/sql"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/mbolis/field-survey/config"
)

// Open connects to the configured database and brings its schema up to date.
func Open(cfg config.Config) (db *sql.DB, err error) {
	dsn := cfg.DBUrl
	if cfg.DBDriver == "sqlite3" {
		dsn = sqliteDSN(dsn)
	}

	db, err = sql.Open(cfg.DBDriver, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	// db tuning options
	if cfg.DBDriver == "sqlite3" {
		// sqlite serializes writers
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(10)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(2 * time.Hour)

	if err = db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping database")
	}

	if err = migrateDB(db, cfg.DBDriver); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migrate database")
	}

	return db, nil
}

func sqliteDSN(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_foreign_keys=on&_busy_timeout=5000"
}
