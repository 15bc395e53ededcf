package db

import (
	"database/sql"
	"log"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	_ "github.com/tursodatabase/libsql-client-go/libsql"
)

// Open connects to Turso when given a libsql/http(s)/ws(s) URL, otherwise
// treats dataSourceName as a local sqlite3 file (or ":memory:").
func Open(dataSourceName, authToken string) (*sql.DB, error) {
	driver, dsn := driverFor(dataSourceName, authToken)

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}

	if err = conn.Ping(); err != nil {
		conn.Close()
		return nil, err
	}

	if driver == "sqlite3" {
		// one writer, and keeps ":memory:" databases alive across calls
		conn.SetMaxOpenConns(1)
	}

	return conn, nil
}

func driverFor(dataSourceName, authToken string) (string, string) {
	for _, scheme := range []string{"libsql://", "https://", "http://", "wss://", "ws://"} {
		if strings.HasPrefix(dataSourceName, scheme) {
			if authToken != "" && !strings.Contains(dataSourceName, "authToken=") {
				sep := "?"
				if strings.Contains(dataSourceName, "?") {
					sep = "&"
				}
				dataSourceName += sep + "authToken=" + authToken
			}
			return "libsql", dataSourceName
		}
	}
	return "sqlite3", strings.TrimPrefix(dataSourceName, "file:")
}

// Migrate creates the tables used by the key-value store.
func Migrate(conn *sql.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS kv_store (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	_, err := conn.Exec(query)
	if err != nil {
		log.Printf("Error creating tables: %v", err)
		return err
	}

	return nil
}
