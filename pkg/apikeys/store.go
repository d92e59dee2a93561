// Package apikeys implements minting, validation, rotation, and revocation
// of API keys. Keys are stored hash-only in SQLite; the plaintext exists
// exactly once, in the response to the mint or rotate call that created it.
package apikeys

import (
	"database/sql"
	"embed"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/sark-gateway/sark/pkg/errors"
)

//go:embed migrations/*.sql
var migrations embed.FS

// OpenStore opens (or creates) the API key database at path and applies
// pending migrations.
func OpenStore(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.NewConfigurationError("failed to open API key database", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// under concurrent rotation.
	db.SetMaxOpenConns(1)

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		return nil, errors.NewConfigurationError("failed to select migration dialect", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		db.Close()
		return nil, errors.NewConfigurationError("failed to migrate API key database", err)
	}
	return db, nil
}
