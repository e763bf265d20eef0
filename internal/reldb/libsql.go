//go:build cgo

package reldb

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/tursodatabase/go-libsql"
)

func openLibSQL(dsn string) (*DB, error) {
	conn, err := sql.Open(DriverLibSQL, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open libsql database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping libsql database: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	return &DB{conn: conn, dsn: dsn, driver: DriverLibSQL}, nil
}
