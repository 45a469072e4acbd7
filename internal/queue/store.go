package queue

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/conductorhq/agent-relay/internal/domain/model"
)

const bufferSchema = `
CREATE TABLE IF NOT EXISTS offline_messages (
	recipient  TEXT    NOT NULL,
	seq        INTEGER NOT NULL,
	payload    BLOB    NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (recipient, seq)
);
`

// BufferStore persists per-recipient offline buffers to sqlite so buffered
// messages survive a process restart.
type BufferStore struct {
	db *sqlx.DB
	mu sync.Mutex
}

// OpenBufferStore opens (creating if needed) the sqlite database backing
// the offline buffer. WAL keeps writers from blocking the recovery read.
func OpenBufferStore(path string) (*BufferStore, error) {
	db, err := sqlx.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("buffer store: open %s: %w", path, err)
	}
	if _, err := db.Exec(bufferSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("buffer store: init schema: %w", err)
	}
	return &BufferStore{db: db}, nil
}

type bufferRow struct {
	Recipient string `db:"recipient"`
	Seq       int64  `db:"seq"`
	Payload   []byte `db:"payload"`
	CreatedAt int64  `db:"created_at"`
}

// SaveRecipient replaces the persisted buffer for one recipient with the
// given messages, in order, inside a single transaction.
func (s *BufferStore) SaveRecipient(recipient string, msgs []*model.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("buffer store: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM offline_messages WHERE recipient = ?`, recipient); err != nil {
		return fmt.Errorf("buffer store: clear %s: %w", recipient, err)
	}
	for i, env := range msgs {
		payload, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("buffer store: encode: %w", err)
		}
		_, err = tx.Exec(
			`INSERT INTO offline_messages (recipient, seq, payload, created_at) VALUES (?, ?, ?, ?)`,
			recipient, int64(i), payload, env.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("buffer store: insert: %w", err)
		}
	}
	return tx.Commit()
}

// DeleteRecipient drops the persisted buffer for one recipient.
func (s *BufferStore) DeleteRecipient(recipient string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM offline_messages WHERE recipient = ?`, recipient)
	return err
}

// LoadAll reads every persisted buffer, ordered per recipient by sequence.
// Called once at startup, before connections are accepted.
func (s *BufferStore) LoadAll() (map[string][]*model.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []bufferRow
	err := s.db.Select(&rows, `SELECT recipient, seq, payload, created_at FROM offline_messages ORDER BY recipient, seq`)
	if err != nil {
		return nil, fmt.Errorf("buffer store: load: %w", err)
	}

	out := make(map[string][]*model.Envelope)
	for _, row := range rows {
		env := new(model.Envelope)
		if err := json.Unmarshal(row.Payload, env); err != nil {
			// A corrupt row loses one message, not the whole recovery.
			continue
		}
		out[row.Recipient] = append(out[row.Recipient], env)
	}
	return out, nil
}

// Close closes the underlying database.
func (s *BufferStore) Close() error {
	return s.db.Close()
}
