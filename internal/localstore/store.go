package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"pulse/internal/domain"
)

// Store is the durable local side of the hybrid persistence: emotion
// records keyed by id, the FIFO offline queue and a small settings table.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one connection keeps writers serialized and makes :memory: usable.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		`PRAGMA busy_timeout = 5000`,
		`PRAGMA journal_mode = WAL`,
		`CREATE TABLE IF NOT EXISTS records (
			id               TEXT PRIMARY KEY,
			ts               INTEGER NOT NULL,
			dominant_emotion TEXT NOT NULL,
			source           TEXT NOT NULL,
			sync_status      TEXT NOT NULL DEFAULT 'saved',
			payload          TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_records_ts ON records(ts)`,
		`CREATE TABLE IF NOT EXISTS offline_queue (
			seq       INTEGER PRIMARY KEY AUTOINCREMENT,
			action    TEXT NOT NULL,
			record_id TEXT NOT NULL,
			payload   TEXT NOT NULL,
			queued_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_offline_queue_record ON offline_queue(record_id)`,
		`CREATE TABLE IF NOT EXISTS settings (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate local store: %w", err)
		}
	}
	return nil
}

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PutRecord inserts rec or replaces the record with the same id.
func (s *Store) PutRecord(ctx context.Context, rec domain.EmotionRecord) error {
	return putRecord(ctx, s.db, rec)
}

func putRecord(ctx context.Context, db dbtx, rec domain.EmotionRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("put record: empty id")
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO records (id, ts, dominant_emotion, source, sync_status, payload)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			ts = excluded.ts,
			dominant_emotion = excluded.dominant_emotion,
			source = excluded.source,
			sync_status = excluded.sync_status,
			payload = excluded.payload
	`, rec.ID, rec.Timestamp.UnixNano(), rec.DominantEmotion, rec.Source, string(rec.SyncStatus), string(payload))
	return err
}

func (s *Store) GetRecord(ctx context.Context, id string) (domain.EmotionRecord, error) {
	return getRecord(ctx, s.db, id)
}

func getRecord(ctx context.Context, db dbtx, id string) (domain.EmotionRecord, error) {
	var payload string
	err := db.QueryRowContext(ctx, `SELECT payload FROM records WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.EmotionRecord{}, domain.ErrRecordNotFound
	}
	if err != nil {
		return domain.EmotionRecord{}, err
	}
	return decodeRecord(payload)
}

func (s *Store) DeleteRecord(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrRecordNotFound
	}
	return nil
}

// ListRecords scans every record newest first and filters in memory.
func (s *Store) ListRecords(ctx context.Context, filter domain.Filter) ([]domain.EmotionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM records ORDER BY ts DESC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var all []domain.EmotionRecord
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		rec, err := decodeRecord(payload)
		if err != nil {
			return nil, err
		}
		all = append(all, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return filter.Apply(all), nil
}

func (s *Store) SetSyncStatus(ctx context.Context, id string, status domain.SyncStatus) error {
	return setSyncStatus(ctx, s.db, id, status)
}

func setSyncStatus(ctx context.Context, db dbtx, id string, status domain.SyncStatus) error {
	rec, err := getRecord(ctx, db, id)
	if err != nil {
		return err
	}
	rec.SyncStatus = status
	return putRecord(ctx, db, rec)
}

// CompleteCreate settles a replayed create in one transaction: queue entry
// seq is removed, the record moves from oldID to newID when the remote
// assigned another id, and its sync status becomes status. On error
// nothing changes and the entry stays queued.
func (s *Store) CompleteCreate(ctx context.Context, seq int64, oldID, newID string, status domain.SyncStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM offline_queue WHERE seq = ?`, seq); err != nil {
		return err
	}
	id := oldID
	if newID != "" && newID != oldID {
		if err := rekey(ctx, tx, oldID, newID); err != nil {
			return err
		}
		id = newID
	}
	if err := setSyncStatus(ctx, tx, id, status); err != nil && !errors.Is(err, domain.ErrRecordNotFound) {
		return err
	}
	return tx.Commit()
}

// rekey moves the record stored under oldID to newID and points queued
// entries for oldID at newID. A missing local record is not an error; its
// queue entries are still rewritten.
func rekey(ctx context.Context, tx *sql.Tx, oldID, newID string) error {
	rec, err := getRecord(ctx, tx, oldID)
	switch {
	case errors.Is(err, domain.ErrRecordNotFound):
	case err != nil:
		return err
	default:
		rec.ID = newID
		if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, oldID); err != nil {
			return err
		}
		if err := putRecord(ctx, tx, rec); err != nil {
			return err
		}
	}

	rows, err := tx.QueryContext(ctx, `SELECT seq, action, payload, queued_at FROM offline_queue WHERE record_id = ? ORDER BY seq`, oldID)
	if err != nil {
		return err
	}
	entries, err := scanQueue(rows)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		entry.Record.ID = newID
		payload, err := encodeQueuePayload(entry)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE offline_queue SET record_id = ?, payload = ? WHERE seq = ?`, newID, payload, entry.Seq); err != nil {
			return err
		}
	}
	return nil
}

type queuePayload struct {
	Record domain.EmotionRecord `json:"record"`
	Patch  *domain.RecordPatch  `json:"patch,omitempty"`
}

func encodeQueuePayload(entry domain.QueueEntry) (string, error) {
	b, err := json.Marshal(queuePayload{Record: entry.Record, Patch: entry.Patch})
	return string(b), err
}

// Enqueue appends entry to the offline queue and returns it with its
// sequence number.
func (s *Store) Enqueue(ctx context.Context, entry domain.QueueEntry) (domain.QueueEntry, error) {
	if entry.QueuedAt.IsZero() {
		entry.QueuedAt = time.Now().UTC()
	}
	payload, err := encodeQueuePayload(entry)
	if err != nil {
		return domain.QueueEntry{}, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO offline_queue (action, record_id, payload, queued_at) VALUES (?, ?, ?, ?)`,
		string(entry.Action), entry.Record.ID, payload, entry.QueuedAt.UnixNano())
	if err != nil {
		return domain.QueueEntry{}, err
	}
	entry.Seq, err = res.LastInsertId()
	if err != nil {
		return domain.QueueEntry{}, err
	}
	return entry, nil
}

// QueueEntries returns the queue in FIFO order.
func (s *Store) QueueEntries(ctx context.Context) ([]domain.QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT seq, action, payload, queued_at FROM offline_queue ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	return scanQueue(rows)
}

func scanQueue(rows *sql.Rows) ([]domain.QueueEntry, error) {
	defer rows.Close()
	var out []domain.QueueEntry
	for rows.Next() {
		var (
			entry    domain.QueueEntry
			action   string
			payload  string
			queuedAt int64
		)
		if err := rows.Scan(&entry.Seq, &action, &payload, &queuedAt); err != nil {
			return nil, err
		}
		var p queuePayload
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return nil, fmt.Errorf("decode queue entry %d: %w", entry.Seq, err)
		}
		entry.Action = domain.QueueAction(action)
		entry.Record = p.Record
		entry.Patch = p.Patch
		entry.QueuedAt = time.Unix(0, queuedAt).UTC()
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *Store) RemoveQueueEntry(ctx context.Context, seq int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM offline_queue WHERE seq = ?`, seq)
	return err
}

func (s *Store) QueueSize(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM offline_queue`).Scan(&n)
	return n, err
}

func (s *Store) Setting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

func decodeRecord(payload string) (domain.EmotionRecord, error) {
	var rec domain.EmotionRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return domain.EmotionRecord{}, fmt.Errorf("decode local record: %w", err)
	}
	return rec, nil
}
