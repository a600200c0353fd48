package store

import (
	"database/sql"
	"errors"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	_ "modernc.org/sqlite"

	"github.com/acordia/sessioncore/internal/reconcile"
)

var ErrAlreadySaved = errors.New("store: canonical record already saved for room")

// Store persists room metadata and finalized canonical records in sqlite.
// Live session state never touches it; rooms hand over a record exactly
// once, on finalize.
type Store struct {
	db *sql.DB
}

// A finalized record as read back from the store.
type SavedRecord struct {
	RoomID    string
	Record    reconcile.Record
	Conflicts []reconcile.Conflict
	SavedAt   time.Time
}

func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// WAL for concurrent readers
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, err
	}

	if err := createTables(db); err != nil {
		return nil, err
	}

	log.Printf("Store initialized at %s", dbPath)
	return &Store{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL DEFAULT 'agreement',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		finalized_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS canonical_records (
		room_id TEXT PRIMARY KEY,
		record BLOB NOT NULL,
		conflicts BLOB,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (room_id) REFERENCES rooms(id) ON DELETE CASCADE
	);
	`
	_, err := db.Exec(schema)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureRoom records room metadata, first write wins.
func (s *Store) EnsureRoom(roomID, kind string) error {
	_, err := s.db.Exec(
		"INSERT OR IGNORE INTO rooms (id, kind) VALUES (?, ?)",
		roomID, kind,
	)
	return err
}

// SaveCanonicalRecord persists a finalized record. The primary key makes a
// second save for the same room fail with ErrAlreadySaved instead of
// overwriting; finalize is never re-run, so a duplicate means a caller bug
// or an already-successful retry.
func (s *Store) SaveCanonicalRecord(roomID string, record reconcile.Record, conflicts []reconcile.Conflict) error {
	recBlob, err := msgpack.Marshal(record)
	if err != nil {
		return err
	}
	conBlob, err := msgpack.Marshal(conflicts)
	if err != nil {
		return err
	}

	// The primary key decides the race: exactly one insert lands, any
	// other caller observes zero affected rows.
	res, err := s.db.Exec(
		"INSERT INTO canonical_records (room_id, record, conflicts) VALUES (?, ?, ?) ON CONFLICT(room_id) DO NOTHING",
		roomID, recBlob, conBlob,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrAlreadySaved
	}

	_, err = s.db.Exec(
		"UPDATE rooms SET finalized_at = CURRENT_TIMESTAMP WHERE id = ?",
		roomID,
	)
	return err
}

// GetCanonicalRecord reads a finalized record back. Returns nil when the
// room has no saved record.
func (s *Store) GetCanonicalRecord(roomID string) (*SavedRecord, error) {
	row := s.db.QueryRow(
		"SELECT record, conflicts, created_at FROM canonical_records WHERE room_id = ?",
		roomID,
	)

	var recBlob, conBlob []byte
	var savedAt time.Time
	err := row.Scan(&recBlob, &conBlob, &savedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	saved := &SavedRecord{RoomID: roomID, SavedAt: savedAt}
	if err := msgpack.Unmarshal(recBlob, &saved.Record); err != nil {
		return nil, err
	}
	if len(conBlob) > 0 {
		if err := msgpack.Unmarshal(conBlob, &saved.Conflicts); err != nil {
			return nil, err
		}
	}
	return saved, nil
}

// Stats reports stored totals for the management API.
func (s *Store) Stats() (map[string]int, error) {
	stats := make(map[string]int)

	var rooms int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM rooms").Scan(&rooms); err != nil {
		return nil, err
	}
	stats["rooms"] = rooms

	var records int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM canonical_records").Scan(&records); err != nil {
		return nil, err
	}
	stats["records"] = records

	return stats, nil
}
