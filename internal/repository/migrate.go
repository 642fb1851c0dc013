package repository

import (
	"errors"
	"fmt"
	"log"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// Migrate applies all pending schema migrations from sourceURL (e.g.
// "file://internal/repository/migrations") against the database at dsn.
// A database already at the latest version is not an error.
func Migrate(sourceURL, dsn string) error {
	m, err := migrate.New(sourceURL, dsn)
	if err != nil {
		return fmt.Errorf("repository: open migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Printf("repository: schema up to date")
			return nil
		}
		return fmt.Errorf("repository: apply migrations: %w", err)
	}

	version, _, _ := m.Version()
	log.Printf("repository: schema migrated to version %d", version)
	return nil
}
