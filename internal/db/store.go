package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"pulse/internal/domain"
)

const uniqueViolation = "23505"

// Store is the PostgreSQL backend of the remote emotions API.
type Store struct {
	pool *pgxpool.Pool
}

type EmotionStats struct {
	Total     int            `json:"total"`
	ByEmotion map[string]int `json:"byEmotion"`
	BySource  map[string]int `json:"bySource"`
	First     *time.Time     `json:"first,omitempty"`
	Last      *time.Time     `json:"last,omitempty"`
}

func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			email TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,
		`CREATE TABLE IF NOT EXISTS emotions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			client_id TEXT,
			ts TIMESTAMPTZ NOT NULL,
			dominant_emotion TEXT NOT NULL,
			confidence DOUBLE PRECISION,
			source TEXT NOT NULL,
			raw_vectors JSONB,
			notes TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (user_id, client_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_emotions_user_ts ON emotions(user_id, ts DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_emotions_user_emotion_ts ON emotions(user_id, dominant_emotion, ts DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_emotions_session ON emotions(session_id);`,
	}
	for _, q := range queries {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("migrate failed: %w", err)
		}
	}
	return nil
}

const emotionColumns = `id, user_id, ts, dominant_emotion, confidence, source, raw_vectors, notes, session_id`

// CreateEmotion stores rec for userID under a server generated id. rec.ID,
// when set, is kept as the client id; creating the same client id twice
// returns the record stored the first time.
func (s *Store) CreateEmotion(ctx context.Context, userID string, rec domain.EmotionRecord) (domain.EmotionRecord, error) {
	id := "emo_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	raw, err := rawVectorsArg(rec.RawVectors)
	if err != nil {
		return domain.EmotionRecord{}, err
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO emotions(id, user_id, client_id, ts, dominant_emotion, confidence, source, raw_vectors, notes, session_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $10)
		ON CONFLICT (user_id, client_id) DO NOTHING
	`, id, userID, nullIfEmpty(rec.ID), rec.Timestamp.UTC(), rec.DominantEmotion, rec.Confidence, rec.Source, raw, rec.Notes, rec.SessionID)
	if err != nil {
		return domain.EmotionRecord{}, err
	}
	if tag.RowsAffected() == 0 {
		return s.getBy(ctx, userID, "client_id", rec.ID)
	}
	return s.GetEmotion(ctx, userID, id)
}

func (s *Store) GetEmotion(ctx context.Context, userID, id string) (domain.EmotionRecord, error) {
	return s.getBy(ctx, userID, "id", id)
}

func (s *Store) getBy(ctx context.Context, userID, column, value string) (domain.EmotionRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+emotionColumns+` FROM emotions WHERE user_id=$1 AND `+column+`=$2`, userID, value)
	rec, err := scanEmotion(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.EmotionRecord{}, domain.ErrRecordNotFound
	}
	return rec, err
}

// ListEmotions returns the user's matching records newest first.
func (s *Store) ListEmotions(ctx context.Context, userID string, filter domain.Filter) ([]domain.EmotionRecord, error) {
	where, args := filterClause(userID, filter)
	query := `SELECT ` + emotionColumns + ` FROM emotions` + where + ` ORDER BY ts DESC, id ASC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.EmotionRecord, 0)
	for rows.Next() {
		rec, err := scanEmotion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// History returns the user's most recent limit records.
func (s *Store) History(ctx context.Context, userID string, limit int) ([]domain.EmotionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.ListEmotions(ctx, userID, domain.Filter{Limit: limit})
}

// UpdateEmotion applies patch inside a transaction and returns the merged
// record. validate runs on the merged record before it is written.
func (s *Store) UpdateEmotion(ctx context.Context, userID, id string, patch domain.RecordPatch, validate func(domain.EmotionRecord) error) (domain.EmotionRecord, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.EmotionRecord{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	current, err := scanEmotion(tx.QueryRow(ctx, `SELECT `+emotionColumns+` FROM emotions WHERE user_id=$1 AND id=$2 FOR UPDATE`, userID, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.EmotionRecord{}, domain.ErrRecordNotFound
	}
	if err != nil {
		return domain.EmotionRecord{}, err
	}
	merged := patch.Apply(current)
	if validate != nil {
		if err := validate(merged); err != nil {
			return domain.EmotionRecord{}, err
		}
	}

	if _, err := tx.Exec(ctx, `
		UPDATE emotions
		SET dominant_emotion=$3, confidence=$4, source=$5, notes=$6, session_id=$7, updated_at=NOW()
		WHERE user_id=$1 AND id=$2
	`, userID, id, merged.DominantEmotion, merged.Confidence, merged.Source, merged.Notes, merged.SessionID); err != nil {
		return domain.EmotionRecord{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.EmotionRecord{}, err
	}
	return merged, nil
}

func (s *Store) DeleteEmotion(ctx context.Context, userID, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM emotions WHERE user_id=$1 AND id=$2`, userID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrRecordNotFound
	}
	return nil
}

func (s *Store) Stats(ctx context.Context, userID string, filter domain.Filter) (EmotionStats, error) {
	where, args := filterClause(userID, filter)
	out := EmotionStats{ByEmotion: map[string]int{}, BySource: map[string]int{}}

	var first, last *time.Time
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*), MIN(ts), MAX(ts) FROM emotions`+where, args...).Scan(&out.Total, &first, &last); err != nil {
		return EmotionStats{}, err
	}
	out.First, out.Last = first, last

	for _, group := range []struct {
		column string
		into   map[string]int
	}{
		{column: "dominant_emotion", into: out.ByEmotion},
		{column: "source", into: out.BySource},
	} {
		rows, err := s.pool.Query(ctx, `SELECT `+group.column+`, COUNT(*) FROM emotions`+where+` GROUP BY `+group.column, args...)
		if err != nil {
			return EmotionStats{}, err
		}
		for rows.Next() {
			var (
				key string
				n   int
			)
			if err := rows.Scan(&key, &n); err != nil {
				rows.Close()
				return EmotionStats{}, err
			}
			group.into[key] = n
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return EmotionStats{}, err
		}
	}
	return out, nil
}

// filterClause always scopes to userID, which is $1.
func filterClause(userID string, filter domain.Filter) (string, []any) {
	args := []any{userID}
	conds := []string{"user_id = $1"}
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if !filter.StartDate.IsZero() {
		add("ts >= $%d", filter.StartDate.UTC())
	}
	if !filter.EndDate.IsZero() {
		add("ts <= $%d", filter.EndDate.UTC())
	}
	if filter.Emotion != "" {
		add("dominant_emotion = $%d", filter.Emotion)
	}
	if filter.Source != "" {
		add("source = $%d", filter.Source)
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEmotion(row scanner) (domain.EmotionRecord, error) {
	var (
		out domain.EmotionRecord
		ts  time.Time
		raw []byte
	)
	if err := row.Scan(&out.ID, &out.UserID, &ts, &out.DominantEmotion, &out.Confidence, &out.Source, &raw, &out.Notes, &out.SessionID); err != nil {
		return domain.EmotionRecord{}, err
	}
	out.Timestamp = ts.UTC()
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out.RawVectors); err != nil {
			return domain.EmotionRecord{}, err
		}
	}
	return out, nil
}

func rawVectorsArg(v map[domain.Modality]domain.EmotionVector) (any, error) {
	if len(v) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// CreateUser stores a new account. The email is canonicalised; a taken
// email returns domain.ErrEmailTaken.
func (s *Store) CreateUser(ctx context.Context, name, email, passwordHash string) (domain.User, error) {
	u := domain.User{
		ID:    "usr_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		Name:  strings.TrimSpace(name),
		Email: domain.CanonicalEmail(email),
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO users(id, name, email, password_hash)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (email) DO NOTHING
	`, u.ID, u.Name, u.Email, passwordHash)
	if err != nil {
		return domain.User{}, err
	}
	if tag.RowsAffected() == 0 {
		return domain.User{}, domain.ErrEmailTaken
	}
	return u, nil
}

// UserByEmail returns the account and its password hash for a login.
func (s *Store) UserByEmail(ctx context.Context, email string) (domain.User, string, error) {
	var (
		u    domain.User
		hash string
	)
	err := s.pool.QueryRow(ctx, `SELECT id, name, email, password_hash FROM users WHERE email=$1`, domain.CanonicalEmail(email)).
		Scan(&u.ID, &u.Name, &u.Email, &hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.User{}, "", domain.ErrUserNotFound
	}
	if err != nil {
		return domain.User{}, "", err
	}
	return u, hash, nil
}

func (s *Store) UserByID(ctx context.Context, id string) (domain.User, error) {
	var u domain.User
	err := s.pool.QueryRow(ctx, `SELECT id, name, email FROM users WHERE id=$1`, id).Scan(&u.ID, &u.Name, &u.Email)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.User{}, domain.ErrUserNotFound
	}
	return u, err
}

// UpdateUser changes the name, email and password hash of id. Empty values
// are kept.
func (s *Store) UpdateUser(ctx context.Context, id, name, email, passwordHash string) (domain.User, error) {
	var u domain.User
	err := s.pool.QueryRow(ctx, `
		UPDATE users
		SET name=COALESCE(NULLIF($2, ''), name),
			email=COALESCE(NULLIF($3, ''), email),
			password_hash=COALESCE(NULLIF($4, ''), password_hash),
			updated_at=NOW()
		WHERE id=$1
		RETURNING id, name, email
	`, id, strings.TrimSpace(name), domain.CanonicalEmail(email), passwordHash).Scan(&u.ID, &u.Name, &u.Email)
	var pgErr *pgconn.PgError
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return domain.User{}, domain.ErrUserNotFound
	case errors.As(err, &pgErr) && pgErr.Code == uniqueViolation:
		return domain.User{}, domain.ErrEmailTaken
	}
	return u, err
}

// DeleteUser removes the account and, by cascade, its emotion records.
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM users WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}
