package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"vibe_prompt_server/internal/types"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, url string) (*PostgresStore, error) {
	if url == "" {
		return nil, fmt.Errorf("store: DATABASE_URL is required for postgres")
	}
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("store: connect postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id UUID PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS profiles (
		id UUID PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
		email TEXT NOT NULL DEFAULT '',
		username TEXT NOT NULL DEFAULT '',
		avatar_url TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_profiles_username ON profiles (lower(username))`,
	`CREATE TABLE IF NOT EXISTS user_credits (
		user_id UUID PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
		credits_remaining INTEGER NOT NULL DEFAULT 0 CHECK (credits_remaining >= 0),
		total_credits_used INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS prompts (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		title TEXT NOT NULL,
		content TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		tags TEXT[] NOT NULL DEFAULT '{}',
		is_public BOOLEAN NOT NULL DEFAULT false,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_prompts_public_created ON prompts (is_public, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_prompts_user ON prompts (user_id)`,
	`CREATE OR REPLACE FUNCTION deduct_credit(p_user_id UUID) RETURNS BOOLEAN AS $$
	DECLARE
		affected INTEGER;
	BEGIN
		UPDATE user_credits
		SET credits_remaining = credits_remaining - 1,
			total_credits_used = total_credits_used + 1,
			updated_at = now()
		WHERE user_id = p_user_id AND credits_remaining > 0;
		GET DIAGNOSTICS affected = ROW_COUNT;
		RETURN affected > 0;
	END;
	$$ LANGUAGE plpgsql`,
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate postgres: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) FetchCredits(ctx context.Context, userID uuid.UUID) (*types.CreditBalance, error) {
	bal := types.CreditBalance{UserID: userID}
	err := s.pool.QueryRow(ctx,
		`SELECT credits_remaining, total_credits_used FROM user_credits WHERE user_id = $1::uuid`,
		userID.String(),
	).Scan(&bal.CreditsRemaining, &bal.TotalCreditsUsed)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: fetch credits: %w", err)
	}
	return &bal, nil
}

func (s *PostgresStore) DeductCredit(ctx context.Context, userID uuid.UUID) (bool, error) {
	var ok bool
	if err := s.pool.QueryRow(ctx, `SELECT deduct_credit($1::uuid)`, userID.String()).Scan(&ok); err != nil {
		return false, fmt.Errorf("store: deduct credit: %w", err)
	}
	return ok, nil
}

func (s *PostgresStore) UpsertProfile(ctx context.Context, p types.Profile) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO profiles (id, email, username, avatar_url, updated_at)
		VALUES ($1::uuid, $2, $3, $4, now())
		ON CONFLICT (id) DO UPDATE SET
			email = EXCLUDED.email,
			username = COALESCE(NULLIF(EXCLUDED.username, ''), profiles.username),
			avatar_url = COALESCE(NULLIF(EXCLUDED.avatar_url, ''), profiles.avatar_url),
			updated_at = now()`,
		p.ID.String(), normalizeEmail(p.Email), p.Username, p.AvatarURL)
	if err != nil {
		return fmt.Errorf("store: upsert profile: %w", err)
	}
	return nil
}

func (s *PostgresStore) UsernameTaken(ctx context.Context, username string) (bool, error) {
	var taken bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM profiles WHERE lower(username) = lower($1))`, username,
	).Scan(&taken)
	if err != nil {
		return false, fmt.Errorf("store: username lookup: %w", err)
	}
	return taken, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, u NewUser) (types.User, error) {
	user := types.User{
		ID:           uuid.New(),
		Email:        normalizeEmail(u.Email),
		Username:     u.Username,
		AvatarURL:    u.AvatarURL,
		PasswordHash: u.PasswordHash,
		CreatedAt:    time.Now().UTC(),
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.User{}, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO users (id, email, password_hash, created_at) VALUES ($1::uuid, $2, $3, $4)`,
		user.ID.String(), user.Email, user.PasswordHash, user.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return types.User{}, ErrDuplicate
		}
		return types.User{}, fmt.Errorf("store: insert user: %w", err)
	}
	if _, err = tx.Exec(ctx,
		`INSERT INTO profiles (id, email, username, avatar_url) VALUES ($1::uuid, $2, $3, $4)`,
		user.ID.String(), user.Email, user.Username, user.AvatarURL); err != nil {
		return types.User{}, fmt.Errorf("store: insert profile: %w", err)
	}
	if _, err = tx.Exec(ctx,
		`INSERT INTO user_credits (user_id, credits_remaining, total_credits_used) VALUES ($1::uuid, $2, 0)`,
		user.ID.String(), u.Credits); err != nil {
		return types.User{}, fmt.Errorf("store: insert credits: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return types.User{}, fmt.Errorf("store: commit: %w", err)
	}
	return user, nil
}

const postgresUserColumns = `u.id::text, u.email, u.password_hash, u.created_at, COALESCE(p.username, ''), COALESCE(p.avatar_url, '')`

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (types.User, error) {
	return s.getUser(ctx, `WHERE u.email = $1`, normalizeEmail(email))
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id uuid.UUID) (types.User, error) {
	return s.getUser(ctx, `WHERE u.id = $1::uuid`, id.String())
}

func (s *PostgresStore) getUser(ctx context.Context, where string, arg string) (types.User, error) {
	var (
		user types.User
		id   string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT `+postgresUserColumns+` FROM users u LEFT JOIN profiles p ON p.id = u.id `+where, arg,
	).Scan(&id, &user.Email, &user.PasswordHash, &user.CreatedAt, &user.Username, &user.AvatarURL)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.User{}, ErrNotFound
	}
	if err != nil {
		return types.User{}, fmt.Errorf("store: get user: %w", err)
	}
	if user.ID, err = uuid.Parse(id); err != nil {
		return types.User{}, fmt.Errorf("store: bad user id %q: %w", id, err)
	}
	return user, nil
}

func (s *PostgresStore) InsertPrompt(ctx context.Context, p types.Prompt) (types.Prompt, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if p.Tags == nil {
		p.Tags = []string{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO prompts (id, user_id, title, content, category, tags, is_public, created_at)
		VALUES ($1::uuid, $2::uuid, $3, $4, $5, $6, $7, $8)`,
		p.ID.String(), p.UserID.String(), p.Title, p.Content, p.Category, p.Tags, p.IsPublic, p.CreatedAt)
	if err != nil {
		return types.Prompt{}, fmt.Errorf("store: insert prompt: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) ListPrompts(ctx context.Context, q types.PromptQuery) ([]types.Prompt, error) {
	query := `SELECT id::text, user_id::text, title, content, category, tags, is_public, created_at FROM prompts`
	var args []any
	if q.ViewerID == uuid.Nil {
		query += ` WHERE is_public`
	} else {
		query += ` WHERE is_public OR user_id = $1::uuid`
		args = append(args, q.ViewerID.String())
	}
	query += ` ORDER BY created_at DESC`
	if q.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, q.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list prompts: %w", err)
	}
	defer rows.Close()

	prompts := []types.Prompt{}
	for rows.Next() {
		var (
			p          types.Prompt
			id, userID string
		)
		if err := rows.Scan(&id, &userID, &p.Title, &p.Content, &p.Category, &p.Tags, &p.IsPublic, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan prompt: %w", err)
		}
		if p.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("store: bad prompt id %q: %w", id, err)
		}
		if p.UserID, err = uuid.Parse(userID); err != nil {
			return nil, fmt.Errorf("store: bad prompt owner %q: %w", userID, err)
		}
		prompts = append(prompts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list prompts: %w", err)
	}
	return prompts, nil
}

func (s *PostgresStore) DeletePrompt(ctx context.Context, id, owner uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM prompts WHERE id = $1::uuid AND user_id = $2::uuid`, id.String(), owner.String())
	if err != nil {
		return fmt.Errorf("store: delete prompt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
