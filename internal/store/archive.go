package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Archive is an append-only sqlite log of every sent message, independent of
// the JSON state blob so history survives conversation deletion.
type Archive struct {
	db *sql.DB
}

// ArchivedMessage is one row of the archive.
type ArchivedMessage struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	Text           string    `json:"text"`
	SentAt         time.Time `json:"sent_at"`
}

// OpenArchive opens (or creates) the archive database at the given path.
func OpenArchive(path string) (*Archive, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive database: %w", err)
	}
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id INTEGER NOT NULL,
		text TEXT NOT NULL,
		sent_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create archive schema: %w", err)
	}

	return &Archive{db: db}, nil
}

// Record appends one sent message.
func (a *Archive) Record(conversationID int64, text string, sentAt time.Time) error {
	_, err := a.db.Exec(
		`INSERT INTO messages (conversation_id, text, sent_at) VALUES (?, ?, ?)`,
		conversationID, text, sentAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to archive message: %w", err)
	}
	return nil
}

// Recent returns up to limit messages, newest first.
func (a *Archive) Recent(limit int) ([]ArchivedMessage, error) {
	rows, err := a.db.Query(
		`SELECT id, conversation_id, text, sent_at FROM messages ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query archive: %w", err)
	}
	defer rows.Close()

	var out []ArchivedMessage
	for rows.Next() {
		var m ArchivedMessage
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Text, &m.SentAt); err != nil {
			return nil, fmt.Errorf("failed to scan archive row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during archive iteration: %w", err)
	}
	return out, nil
}

// Close releases the database handle.
func (a *Archive) Close() error {
	return a.db.Close()
}
