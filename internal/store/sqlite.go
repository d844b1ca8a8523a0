package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"vibe_prompt_server/internal/types"
)

// SQLiteStore is the single-node datastore. Timestamps are stored as unix
// nanoseconds and tags as a JSON array.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("store: SQLITE_PATH is required for sqlite")
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS profiles (
			id TEXT PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
			email TEXT NOT NULL DEFAULT '',
			username TEXT NOT NULL DEFAULT '',
			avatar_url TEXT NOT NULL DEFAULT '',
			updated_at INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_profiles_username ON profiles (lower(username))`,
		`CREATE TABLE IF NOT EXISTS user_credits (
			user_id TEXT PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
			credits_remaining INTEGER NOT NULL DEFAULT 0 CHECK (credits_remaining >= 0),
			total_credits_used INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS prompts (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			title TEXT NOT NULL,
			content TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			tags TEXT NOT NULL DEFAULT '[]',
			is_public INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_prompts_public_created ON prompts (is_public, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_prompts_user ON prompts (user_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate sqlite: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) FetchCredits(ctx context.Context, userID uuid.UUID) (*types.CreditBalance, error) {
	bal := types.CreditBalance{UserID: userID}
	err := s.db.QueryRowContext(ctx,
		`SELECT credits_remaining, total_credits_used FROM user_credits WHERE user_id = ?`, userID.String(),
	).Scan(&bal.CreditsRemaining, &bal.TotalCreditsUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: fetch credits: %w", err)
	}
	return &bal, nil
}

// DeductCredit is a single conditional UPDATE; the row count tells whether a
// credit was spent.
func (s *SQLiteStore) DeductCredit(ctx context.Context, userID uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE user_credits
		SET credits_remaining = credits_remaining - 1,
			total_credits_used = total_credits_used + 1,
			updated_at = ?
		WHERE user_id = ? AND credits_remaining > 0`,
		time.Now().UnixNano(), userID.String())
	if err != nil {
		return false, fmt.Errorf("store: deduct credit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: deduct credit: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) UpsertProfile(ctx context.Context, p types.Profile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (id, email, username, avatar_url, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			email = excluded.email,
			username = COALESCE(NULLIF(excluded.username, ''), profiles.username),
			avatar_url = COALESCE(NULLIF(excluded.avatar_url, ''), profiles.avatar_url),
			updated_at = excluded.updated_at`,
		p.ID.String(), normalizeEmail(p.Email), p.Username, p.AvatarURL, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("store: upsert profile: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UsernameTaken(ctx context.Context, username string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM profiles WHERE lower(username) = lower(?)`, username,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("store: username lookup: %w", err)
	}
	return count > 0, nil
}

func (s *SQLiteStore) CreateUser(ctx context.Context, u NewUser) (types.User, error) {
	user := types.User{
		ID:           uuid.New(),
		Email:        normalizeEmail(u.Email),
		Username:     u.Username,
		AvatarURL:    u.AvatarURL,
		PasswordHash: u.PasswordHash,
		CreatedAt:    time.Now().UTC(),
	}
	now := user.CreatedAt.UnixNano()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return types.User{}, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO users (id, email, password_hash, created_at) VALUES (?, ?, ?, ?)`,
		user.ID.String(), user.Email, user.PasswordHash, now); err != nil {
		if isUniqueViolation(err) {
			return types.User{}, ErrDuplicate
		}
		return types.User{}, fmt.Errorf("store: insert user: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO profiles (id, email, username, avatar_url, updated_at) VALUES (?, ?, ?, ?, ?)`,
		user.ID.String(), user.Email, user.Username, user.AvatarURL, now); err != nil {
		return types.User{}, fmt.Errorf("store: insert profile: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO user_credits (user_id, credits_remaining, total_credits_used, updated_at) VALUES (?, ?, 0, ?)`,
		user.ID.String(), u.Credits, now); err != nil {
		return types.User{}, fmt.Errorf("store: insert credits: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return types.User{}, fmt.Errorf("store: commit: %w", err)
	}
	return user, nil
}

func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (types.User, error) {
	return s.getUser(ctx, `u.email = ?`, normalizeEmail(email))
}

func (s *SQLiteStore) GetUserByID(ctx context.Context, id uuid.UUID) (types.User, error) {
	return s.getUser(ctx, `u.id = ?`, id.String())
}

func (s *SQLiteStore) getUser(ctx context.Context, where string, arg string) (types.User, error) {
	var (
		user    types.User
		id      string
		created int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT u.id, u.email, u.password_hash, u.created_at, COALESCE(p.username, ''), COALESCE(p.avatar_url, '')
		FROM users u LEFT JOIN profiles p ON p.id = u.id
		WHERE `+where, arg,
	).Scan(&id, &user.Email, &user.PasswordHash, &created, &user.Username, &user.AvatarURL)
	if errors.Is(err, sql.ErrNoRows) {
		return types.User{}, ErrNotFound
	}
	if err != nil {
		return types.User{}, fmt.Errorf("store: get user: %w", err)
	}
	if user.ID, err = uuid.Parse(id); err != nil {
		return types.User{}, fmt.Errorf("store: bad user id %q: %w", id, err)
	}
	user.CreatedAt = time.Unix(0, created).UTC()
	return user, nil
}

func (s *SQLiteStore) InsertPrompt(ctx context.Context, p types.Prompt) (types.Prompt, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if p.Tags == nil {
		p.Tags = []string{}
	}
	tags, err := json.Marshal(p.Tags)
	if err != nil {
		return types.Prompt{}, fmt.Errorf("store: marshal tags: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO prompts (id, user_id, title, content, category, tags, is_public, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID.String(), p.UserID.String(), p.Title, p.Content, p.Category, string(tags), p.IsPublic, p.CreatedAt.UnixNano())
	if err != nil {
		return types.Prompt{}, fmt.Errorf("store: insert prompt: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) ListPrompts(ctx context.Context, q types.PromptQuery) ([]types.Prompt, error) {
	query := `SELECT id, user_id, title, content, category, tags, is_public, created_at FROM prompts`
	var args []any
	if q.ViewerID == uuid.Nil {
		query += ` WHERE is_public = 1`
	} else {
		query += ` WHERE is_public = 1 OR user_id = ?`
		args = append(args, q.ViewerID.String())
	}
	query += ` ORDER BY created_at DESC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list prompts: %w", err)
	}
	defer rows.Close()

	prompts := []types.Prompt{}
	for rows.Next() {
		var (
			p          types.Prompt
			id, userID string
			tags       string
			created    int64
		)
		if err := rows.Scan(&id, &userID, &p.Title, &p.Content, &p.Category, &tags, &p.IsPublic, &created); err != nil {
			return nil, fmt.Errorf("store: scan prompt: %w", err)
		}
		if p.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("store: bad prompt id %q: %w", id, err)
		}
		if p.UserID, err = uuid.Parse(userID); err != nil {
			return nil, fmt.Errorf("store: bad prompt owner %q: %w", userID, err)
		}
		if err := json.Unmarshal([]byte(tags), &p.Tags); err != nil {
			p.Tags = []string{}
		}
		p.CreatedAt = time.Unix(0, created).UTC()
		prompts = append(prompts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list prompts: %w", err)
	}
	return prompts, nil
}

func (s *SQLiteStore) DeletePrompt(ctx context.Context, id, owner uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM prompts WHERE id = ? AND user_id = ?`, id.String(), owner.String())
	if err != nil {
		return fmt.Errorf("store: delete prompt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: delete prompt: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
