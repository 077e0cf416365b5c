package history

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/go-while/go-pugleaf/internal/hashtoken"
)

// shard is one SQLite-backed partition of the hash index. The hash space
// is split across cfg.Shards files the way the teacher's
// SQLite3ShardedPool splits its history index across 16 databases —
// spreading writer lock contention and keeping any one file small enough
// to checkpoint quickly.
type shard struct {
	mu sync.Mutex
	db *sql.DB
}

type indexRow struct {
	offset int64
	token  string
}

func openShard(path string) (*shard, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // one writer per shard file, matching SQLite's single-writer model
	const schema = `CREATE TABLE IF NOT EXISTS hist (
		hash TEXT PRIMARY KEY,
		offset INTEGER NOT NULL,
		token TEXT NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: create schema: %w", err)
	}
	return &shard{db: db}, nil
}

func (s *shard) insert(e *Entry, offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok := e.Token.String()
	if e.Remember {
		tok = "-"
	}
	_, err := s.db.Exec(`INSERT OR REPLACE INTO hist(hash, offset, token) VALUES (?, ?, ?)`,
		e.Hash.String(), offset, tok)
	return err
}

func (s *shard) lookup(hash hashtoken.Hash) (indexRow, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var row indexRow
	err := s.db.QueryRow(`SELECT offset, token FROM hist WHERE hash = ?`, hash.String()).
		Scan(&row.offset, &row.token)
	if err == sql.ErrNoRows {
		return indexRow{}, false, nil
	}
	if err != nil {
		return indexRow{}, false, err
	}
	return row, true, nil
}

func (s *shard) close() error {
	return s.db.Close()
}
