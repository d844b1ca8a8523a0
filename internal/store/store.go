// Package store is the server-side datastore: accounts, profiles, the credit
// ledger and saved prompts. Postgres and SQLite implementations share one
// schema shape.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"vibe_prompt_server/internal/types"
)

var (
	ErrNotFound  = errors.New("store: not found")
	ErrDuplicate = errors.New("store: duplicate")
)

// NewUser describes an account to provision. PasswordHash is empty for
// accounts created through OAuth.
type NewUser struct {
	Email        string
	Username     string
	AvatarURL    string
	PasswordHash string
	Credits      int
}

type Store interface {
	// FetchCredits returns (nil, nil) when the user has no ledger row.
	FetchCredits(ctx context.Context, userID uuid.UUID) (*types.CreditBalance, error)
	// DeductCredit atomically spends one credit. It reports false when the
	// balance is already zero or the row does not exist.
	DeductCredit(ctx context.Context, userID uuid.UUID) (bool, error)

	UpsertProfile(ctx context.Context, profile types.Profile) error
	UsernameTaken(ctx context.Context, username string) (bool, error)

	// CreateUser inserts the account, its profile and its ledger row together.
	CreateUser(ctx context.Context, u NewUser) (types.User, error)
	GetUserByEmail(ctx context.Context, email string) (types.User, error)
	GetUserByID(ctx context.Context, id uuid.UUID) (types.User, error)

	InsertPrompt(ctx context.Context, p types.Prompt) (types.Prompt, error)
	ListPrompts(ctx context.Context, q types.PromptQuery) ([]types.Prompt, error)
	DeletePrompt(ctx context.Context, id, owner uuid.UUID) error

	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Options selects and configures a driver.
type Options struct {
	Driver     string // "postgres" or "sqlite"
	URL        string
	SQLitePath string
}

// Open connects to the configured datastore. It does not migrate.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch strings.ToLower(opts.Driver) {
	case "postgres", "postgresql", "pgx":
		st, err := NewPostgres(ctx, opts.URL)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "", "sqlite", "sqlite3":
		st, err := NewSQLite(opts.SQLitePath)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("store: unknown driver %q", opts.Driver)
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
