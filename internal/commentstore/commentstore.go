// Package commentstore is the durable backing for reviewer comments (§3's
// Comment entity). It enriches the distilled spec's process-lifetime model
// with SQLite persistence so comments survive a restart, migrated with
// goose the way the teacher's own go.mod declares it should be (gitvista
// carries pressly/goose/v3 as a dependency without ever exercising it; this
// package gives that dependency the home gitvista never built). Grounded on
// wingthing's internal/store/store.go for the sql.Open/embed-migrations
// shape, generalized from wingthing's hand-rolled migration runner to
// goose's Up/SetDialect API.
package commentstore

import (
	"crypto/rand"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/releash/releashd/internal/wire"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store persists Comment rows backing add_comment/comments_sync.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at dsn and applies
// any pending goose migrations.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("commentstore: opening %s: %w", dsn, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("commentstore: enabling WAL: %w", err)
	}

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		return nil, fmt.Errorf("commentstore: setting dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("commentstore: running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Add inserts a new comment from an add_comment payload and returns the
// persisted row, assigning it a fresh ID, "open" status, and the given
// creation timestamp (epoch seconds, supplied by the caller since this
// package never calls time.Now() itself — see the session runtime).
func (s *Store) Add(p wire.AddCommentPayload, createdAt float64) (wire.Comment, error) {
	id, err := newID()
	if err != nil {
		return wire.Comment{}, fmt.Errorf("commentstore: generating id: %w", err)
	}

	c := wire.Comment{
		ID:         id,
		FilePath:   p.FilePath,
		LineNumber: p.LineNumber,
		EndLine:    p.EndLine,
		Content:    p.Content,
		Status:     "open",
		CreatedAt:  createdAt,
	}

	_, err = s.db.Exec(
		`INSERT INTO comments (id, file_path, line_number, end_line, content, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.FilePath, c.LineNumber, c.EndLine, c.Content, c.Status, c.CreatedAt,
	)
	if err != nil {
		return wire.Comment{}, fmt.Errorf("commentstore: inserting comment: %w", err)
	}
	return c, nil
}

// All returns every persisted comment ordered by creation time, for the
// comments_sync snapshot.
func (s *Store) All() ([]wire.Comment, error) {
	rows, err := s.db.Query(
		`SELECT id, file_path, line_number, end_line, content, status, created_at
		 FROM comments ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("commentstore: querying comments: %w", err)
	}
	defer rows.Close()

	var out []wire.Comment
	for rows.Next() {
		var c wire.Comment
		if err := rows.Scan(&c.ID, &c.FilePath, &c.LineNumber, &c.EndLine, &c.Content, &c.Status, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("commentstore: scanning comment: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func newID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
