package pg

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/echoscribe/echoscribe/internal/config"
)

// Database bundles the raw connection with the query layer.
type Database struct {
	DB    *sql.DB
	Store *Store
}

// InitDatabase initializes the database connection and runs migrations.
func InitDatabase(databaseURL string) (*Database, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.AppConfig.DBMaxOpenConns)
	db.SetMaxIdleConns(config.AppConfig.DBMaxIdleConns)
	db.SetConnMaxIdleTime(time.Duration(config.AppConfig.DBConnMaxIdleTime) * time.Minute)
	db.SetConnMaxLifetime(time.Duration(config.AppConfig.DBConnMaxLifetime) * time.Minute)

	// Test the connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Run migrations
	if err := RunMigrations(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Database{
		DB:    db,
		Store: NewStore(db),
	}, nil
}
