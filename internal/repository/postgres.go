package repository

import (
	"cmp"
	"database/sql"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
	_ "github.com/lib/pq"
)

func postgresDSN(cfg domain.RepositoryConfig) string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cmp.Or(cfg.PostgresHost, "localhost"),
		cmp.Or(cfg.PostgresPort, 5432),
		cfg.PostgresUser,
		cfg.PostgresPassword,
		cmp.Or(cfg.PostgresDB, "kestrel"),
		cmp.Or(cfg.PostgresSSLMode, "disable"),
	)
}

// openPostgres opens a lib/pq connection and verifies it.
func openPostgres(cfg domain.RepositoryConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", postgresDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}
	return db, nil
}
