package driftdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang/snappy"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// SQLiteStorageConfig configures the SQLite storage instance.
type SQLiteStorageConfig struct {
	// Path to the SQLite database file.
	Path string

	// CacheSize is the SQLite page cache size in KB (default: 2000 = 2MB).
	CacheSize int

	// JournalMode sets the SQLite journal mode (WAL, DELETE, TRUNCATE, etc.).
	JournalMode string

	// Synchronous sets the synchronous flag (OFF, NORMAL, FULL, EXTRA).
	Synchronous string

	// BusyTimeout is the timeout for acquiring locks in milliseconds.
	BusyTimeout int

	// MaxConnections is the max number of database connections.
	MaxConnections int

	// Compress enables snappy compression of stored document payloads.
	Compress bool
}

// DefaultSQLiteStorageConfig returns default configuration.
func DefaultSQLiteStorageConfig(path string) SQLiteStorageConfig {
	return SQLiteStorageConfig{
		Path:           path,
		CacheSize:      2000,
		JournalMode:    "WAL",
		Synchronous:    "NORMAL",
		BusyTimeout:    5000,
		MaxConnections: 10,
		Compress:       true,
	}
}

// SQLiteStorage is a StorageInstance persisted in a SQLite file. Document
// payloads are stored as (optionally snappy-compressed) JSON blobs; the
// change feed is an AUTOINCREMENT table, which gives the strictly monotonic
// sequences the change collector relies on.
type SQLiteStorage struct {
	db          *sql.DB
	config      SQLiteStorageConfig
	primaryPath string

	mu     sync.Mutex
	closed bool
}

// OpenSQLiteStorage opens or creates a SQLite-backed storage instance for
// documents keyed at the given primary path.
func OpenSQLiteStorage(primaryPath string, config SQLiteStorageConfig) (*SQLiteStorage, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("sqlite storage: path is required")
	}
	if config.CacheSize <= 0 {
		config.CacheSize = 2000
	}
	if config.JournalMode == "" {
		config.JournalMode = "WAL"
	}
	if config.Synchronous == "" {
		config.Synchronous = "NORMAL"
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5000
	}
	if config.MaxConnections <= 0 {
		config.MaxConnections = 10
	}

	dsn := fmt.Sprintf("%s?_cache_size=%d&_journal_mode=%s&_synchronous=%s&_busy_timeout=%d",
		config.Path, config.CacheSize, config.JournalMode, config.Synchronous, config.BusyTimeout)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetMaxIdleConns(config.MaxConnections / 2)

	storage := &SQLiteStorage{
		db:          db,
		config:      config,
		primaryPath: primaryPath,
	}
	if err := storage.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return storage, nil
}

func (s *SQLiteStorage) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			rev TEXT NOT NULL,
			deleted INTEGER NOT NULL DEFAULT 0,
			payload BLOB NOT NULL,
			compressed INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS changes (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			doc_id TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_changes_doc ON changes(doc_id);

		CREATE TABLE IF NOT EXISTS local_documents (
			id TEXT PRIMARY KEY,
			payload BLOB NOT NULL,
			compressed INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStorage) encodePayload(doc DocumentData) ([]byte, bool, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, false, fmt.Errorf("encode document: %w", err)
	}
	if !s.config.Compress {
		return raw, false, nil
	}
	return snappy.Encode(nil, raw), true, nil
}

func decodePayload(payload []byte, compressed bool) (DocumentData, error) {
	raw := payload
	if compressed {
		var err error
		raw, err = snappy.Decode(nil, payload)
		if err != nil {
			return nil, fmt.Errorf("decompress document: %w", err)
		}
	}
	var doc DocumentData
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return doc, nil
}

// FindDocumentsByID implements StorageInstance.
func (s *SQLiteStorage) FindDocumentsByID(ctx context.Context, ids []string, includeDeleted bool) (map[string]DocumentData, error) {
	result := make(map[string]DocumentData, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	query := fmt.Sprintf("SELECT id, deleted, payload, compressed FROM documents WHERE id IN (%s)", placeholders)

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			id         string
			deleted    int
			payload    []byte
			compressed int
		)
		if err := rows.Scan(&id, &deleted, &payload, &compressed); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		if !includeDeleted && deleted != 0 {
			continue
		}
		doc, err := decodePayload(payload, compressed != 0)
		if err != nil {
			return nil, err
		}
		result[id] = doc
	}
	return result, rows.Err()
}

// BulkAddRevisions implements StorageInstance. The batch is applied inside a
// single transaction, so it becomes visible atomically.
func (s *SQLiteStorage) BulkAddRevisions(ctx context.Context, docs []DocumentData) error {
	if len(docs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixNano()
	for _, doc := range docs {
		id, ok := doc.Primary(s.primaryPath)
		if !ok {
			return ErrMissingPrimary
		}
		payload, compressed, err := s.encodePayload(doc)
		if err != nil {
			return err
		}
		deleted := 0
		if doc.Deleted() {
			deleted = 1
		}
		compressedFlag := 0
		if compressed {
			compressedFlag = 1
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO documents (id, rev, deleted, payload, compressed, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				rev = excluded.rev,
				deleted = excluded.deleted,
				payload = excluded.payload,
				compressed = excluded.compressed,
				updated_at = excluded.updated_at
		`, id, doc.Rev(), deleted, payload, compressedFlag, now); err != nil {
			return fmt.Errorf("upsert document %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO changes (doc_id) VALUES (?)", id); err != nil {
			return fmt.Errorf("append change for %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// ChangesSince implements StorageInstance.
func (s *SQLiteStorage) ChangesSince(ctx context.Context, since uint64, limit int) ([]ChangeFeedEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT seq, doc_id FROM changes WHERE seq > ? ORDER BY seq ASC LIMIT ?", since, limit)
	if err != nil {
		return nil, fmt.Errorf("query changes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []ChangeFeedEntry
	for rows.Next() {
		var entry ChangeFeedEntry
		if err := rows.Scan(&entry.Sequence, &entry.DocID); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// LastSequenceOfDocument implements StorageInstance.
func (s *SQLiteStorage) LastSequenceOfDocument(ctx context.Context, docID string) (uint64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		"SELECT MAX(seq) FROM changes WHERE doc_id = ?", docID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("query last sequence: %w", err)
	}
	if !seq.Valid || seq.Int64 < 0 {
		return 0, nil
	}
	return uint64(seq.Int64), nil
}

// GetLocal implements StorageInstance.
func (s *SQLiteStorage) GetLocal(ctx context.Context, id string) (DocumentData, error) {
	var (
		payload    []byte
		compressed int
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT payload, compressed FROM local_documents WHERE id = ?", id).Scan(&payload, &compressed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query local document: %w", err)
	}
	return decodePayload(payload, compressed != 0)
}

// PutLocal implements StorageInstance.
func (s *SQLiteStorage) PutLocal(ctx context.Context, id string, doc DocumentData) error {
	payload, compressed, err := s.encodePayload(doc)
	if err != nil {
		return err
	}
	compressedFlag := 0
	if compressed {
		compressedFlag = 1
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO local_documents (id, payload, compressed, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			payload = excluded.payload,
			compressed = excluded.compressed,
			updated_at = excluded.updated_at
	`, id, payload, compressedFlag, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("upsert local document: %w", err)
	}
	return nil
}

// Close implements StorageInstance.
func (s *SQLiteStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
