package migrations

import (
	"database/sql"
	"fmt"
)

// Migration is one versioned schema change.
type Migration struct {
	Name    string
	UpSQL   string
	DownSQL string
}

// Migrator applies and rolls back migrations, recording them in a
// migrations table.
type Migrator struct {
	db *sql.DB
}

// New creates a new Migrator
func New(db *sql.DB) *Migrator {
	return &Migrator{db: db}
}

// Initialize creates the migrations table if it doesn't exist
func (m *Migrator) Initialize() error {
	query := `
		CREATE TABLE IF NOT EXISTS migrations (
			id SERIAL PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`
	_, err := m.db.Exec(query)
	return err
}

// Applied returns the set of migration names already applied.
func (m *Migrator) Applied() (map[string]bool, error) {
	rows, err := m.db.Query(`SELECT name FROM migrations ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		applied[name] = true
	}
	return applied, rows.Err()
}

func (m *Migrator) run(migration *Migration, body, record string, args ...interface{}) error {
	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(body); err != nil {
		return fmt.Errorf("failed to execute migration %s: %w", migration.Name, err)
	}
	if _, err := tx.Exec(record, args...); err != nil {
		return fmt.Errorf("failed to record migration %s: %w", migration.Name, err)
	}
	return tx.Commit()
}

// Migrate applies all pending migrations in order.
func (m *Migrator) Migrate(list []*Migration) error {
	if err := m.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize migrations: %w", err)
	}
	applied, err := m.Applied()
	if err != nil {
		return fmt.Errorf("failed to list applied migrations: %w", err)
	}
	for _, migration := range list {
		if applied[migration.Name] {
			continue
		}
		if err := m.run(migration, migration.UpSQL,
			`INSERT INTO migrations (name) VALUES ($1)`, migration.Name); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", migration.Name, err)
		}
		fmt.Printf("Applied migration: %s\n", migration.Name)
	}
	return nil
}

// Rollback reverts the most recently applied migration.
func (m *Migrator) Rollback(list []*Migration) error {
	applied, err := m.Applied()
	if err != nil {
		return fmt.Errorf("failed to list applied migrations: %w", err)
	}

	var last *Migration
	for i := len(list) - 1; i >= 0; i-- {
		if applied[list[i].Name] {
			last = list[i]
			break
		}
	}
	if last == nil {
		return fmt.Errorf("no migrations to rollback")
	}

	if err := m.run(last, last.DownSQL,
		`DELETE FROM migrations WHERE name = $1`, last.Name); err != nil {
		return fmt.Errorf("failed to rollback migration %s: %w", last.Name, err)
	}
	fmt.Printf("Rolled back migration: %s\n", last.Name)
	return nil
}
