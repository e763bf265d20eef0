//go:build !cgo

package reldb

import "fmt"

func openLibSQL(dsn string) (*DB, error) {
	return nil, fmt.Errorf("libsql DSNs require a cgo build (got %q)", redact(dsn))
}
