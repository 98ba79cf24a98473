package storage

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
)

// ConnStrFromEnv assembles a Postgres URL from the DB_* environment
// variables. Returns "" when the required variables are not all set.
func ConnStrFromEnv() string {
	dbUsername := os.Getenv("DB_USERNAME")
	dbPassword := os.Getenv("DB_PASSWORD")
	dbHost := os.Getenv("DB_HOST")
	dbPort := os.Getenv("DB_PORT")
	dbName := os.Getenv("DB_NAME")
	if dbUsername == "" || dbHost == "" || dbPort == "" || dbName == "" {
		return ""
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		dbUsername, dbPassword, dbHost, dbPort, dbName)
}

// InitStore opens the Postgres store, falling back to the DB_*
// environment variables when no connection string is given.
func InitStore(dbConnStr string) (*PostgresStore, error) {
	if dbConnStr == "" {
		dbConnStr = ConnStrFromEnv()
	}
	if dbConnStr == "" {
		return nil, errors.New("database connection string required: pass --db or set DB_USERNAME, DB_HOST, DB_PORT and DB_NAME")
	}
	return NewPostgresStore(dbConnStr)
}
