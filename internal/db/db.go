package db

import (
	"fmt"
	"log/slog"

	"github.com/curaious/devicedb/internal/config"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// DSN builds the postgres connection string for conf.
func DSN(conf *config.Config) string {
	str := fmt.Sprintf("postgresql://%v:%v@%v:%v/%v", conf.DB_USERNAME, conf.DB_PASSWORD, conf.DB_HOST, conf.DB_PORT, conf.DB_NAME)
	if conf.DISABLE_TLS == "true" {
		str = str + "?sslmode=disable"
	}
	return str
}

func NewConn(conf *config.Config) (*sqlx.DB, error) {
	slog.Info("Connecting to database", slog.String("host", conf.DB_HOST), slog.String("database", conf.DB_NAME))

	db, err := sqlx.Open("postgres", DSN(conf))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	// Migrations run on a single transaction; one connection is all we need.
	db.SetMaxOpenConns(1)

	slog.Info("Connected to database")

	return db, nil
}
