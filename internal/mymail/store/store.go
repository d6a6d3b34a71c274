// Package store provides the local database every other component treats as
// the source of truth: accounts, mailboxes, emails, mailbox membership,
// drafts and blobs, plus a change-notification bus.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	_ "modernc.org/sqlite" // SQLite driver
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// changesTopic is the single pub/sub topic carrying change events.
const changesTopic = "store.changes"

// Change names the logical tables touched by one successful mutation.
// Events are delivered to subscribers in publish order.
type Change struct {
	Tables []string `json:"tables"`
}

// Has reports whether the change touches the named table.
func (c Change) Has(table string) bool {
	for _, t := range c.Tables {
		if t == table {
			return true
		}
	}
	return false
}

// Store wraps the database connection and the change bus.
type Store struct {
	db  *sql.DB
	bus *gochannel.GoChannel
}

// New creates a Store and runs migrations.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows one writer at a time. A single shared connection lets
	// database/sql serialize concurrent callers instead of having them
	// fight for write locks across multiple underlying connections.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &Store{
		db: db,
		bus: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 64},
			watermill.NopLogger{},
		),
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// Close closes the change bus and the database connection.
func (s *Store) Close() error {
	if err := s.bus.Close(); err != nil {
		slog.Warn("closing change bus", "err", err)
	}
	return s.db.Close()
}

// SubscribeChanges returns a channel of change events published after the
// subscription. The channel closes when ctx is cancelled or the store
// closes.
func (s *Store) SubscribeChanges(ctx context.Context) (<-chan Change, error) {
	msgs, err := s.bus.Subscribe(ctx, changesTopic)
	if err != nil {
		return nil, fmt.Errorf("subscribing to change bus: %w", err)
	}

	out := make(chan Change)
	go func() {
		defer close(out)
		for msg := range msgs {
			var change Change
			if err := json.Unmarshal(msg.Payload, &change); err != nil {
				slog.Warn("dropping undecodable change event", "err", err)
				msg.Ack()
				continue
			}
			select {
			case out <- change:
				msg.Ack()
			case <-ctx.Done():
				msg.Nack()
				return
			}
		}
	}()
	return out, nil
}

// notifyChanges publishes a change event for the named tables.
func (s *Store) notifyChanges(tables ...string) {
	payload, err := json.Marshal(Change{Tables: tables})
	if err != nil {
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := s.bus.Publish(changesTopic, msg); err != nil {
		slog.Warn("publishing change event", "tables", tables, "err", err)
	}
}

// runMigrations applies all pending schema migrations in filename order.
func (s *Store) runMigrations() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			description TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	err = s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}

		// Filenames look like "0001_init.sql".
		parts := strings.SplitN(strings.TrimSuffix(name, ".sql"), "_", 2)
		if len(parts) < 2 {
			continue
		}
		var version int
		if _, err := fmt.Sscanf(parts[0], "%d", &version); err != nil {
			continue
		}
		if version <= currentVersion {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration %s: %w", name, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to apply migration %s: %w", name, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, description) VALUES (?, ?)",
			version, parts[1],
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %s: %w", name, err)
		}

		slog.Info("applied migration", "version", version, "description", parts[1])
	}

	return nil
}
