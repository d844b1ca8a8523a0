package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vibe_prompt_server/internal/types"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "vibe.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestSQLite_MigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Ping(context.Background()))
}

func TestSQLite_CreateUserProvisionsLedger(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	user, err := s.CreateUser(ctx, NewUser{Email: " Alice@Example.com ", Username: "alice", PasswordHash: "hash", Credits: 50})
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", user.Email)

	bal, err := s.FetchCredits(ctx, user.ID)
	require.NoError(t, err)
	require.NotNil(t, bal)
	assert.Equal(t, 50, bal.CreditsRemaining)
	assert.Equal(t, 0, bal.TotalCreditsUsed)

	got, err := s.GetUserByEmail(ctx, "ALICE@example.com")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)
	assert.Equal(t, "alice", got.Username)
	assert.Equal(t, "hash", got.PasswordHash)

	byID, err := s.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", byID.Email)

	_, err = s.CreateUser(ctx, NewUser{Email: "alice@example.com", Username: "other"})
	assert.ErrorIs(t, err, ErrDuplicate)

	_, err = s.GetUserByEmail(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_FetchCreditsWithoutRow(t *testing.T) {
	s := newTestStore(t)
	bal, err := s.FetchCredits(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Nil(t, bal)
}

func TestSQLite_DeductCreditStopsAtZero(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	user, err := s.CreateUser(ctx, NewUser{Email: "bob@example.com", Username: "bob", Credits: 2})
	require.NoError(t, err)

	ok, err := s.DeductCredit(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.DeductCredit(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.DeductCredit(ctx, user.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	bal, err := s.FetchCredits(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, bal.CreditsRemaining)
	assert.Equal(t, 2, bal.TotalCreditsUsed)

	ok, err = s.DeductCredit(ctx, uuid.New())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLite_ConcurrentDeductionsNeverOverspend(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	user, err := s.CreateUser(ctx, NewUser{Email: "race@example.com", Username: "race", Credits: 5})
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.DeductCredit(ctx, user.ID)
			if err == nil && ok {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, granted)
	bal, err := s.FetchCredits(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, bal.CreditsRemaining)
	assert.Equal(t, 5, bal.TotalCreditsUsed)
}

func TestSQLite_UpsertProfileAndUsernameLookup(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	user, err := s.CreateUser(ctx, NewUser{Email: "carol@example.com", Username: "Carol_1"})
	require.NoError(t, err)

	taken, err := s.UsernameTaken(ctx, "carol_1")
	require.NoError(t, err)
	assert.True(t, taken)
	taken, err = s.UsernameTaken(ctx, "dave")
	require.NoError(t, err)
	assert.False(t, taken)

	// an empty username keeps the stored one
	require.NoError(t, s.UpsertProfile(ctx, types.Profile{ID: user.ID, Email: "carol@example.com", AvatarURL: "https://img/c.png"}))
	got, err := s.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "Carol_1", got.Username)
	assert.Equal(t, "https://img/c.png", got.AvatarURL)

	require.NoError(t, s.UpsertProfile(ctx, types.Profile{ID: user.ID, Email: "carol@example.com", Username: "carol"}))
	got, err = s.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "carol", got.Username)
	assert.Equal(t, "https://img/c.png", got.AvatarURL)
}

func TestSQLite_PromptVisibility(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	owner, err := s.CreateUser(ctx, NewUser{Email: "owner@example.com", Username: "owner"})
	require.NoError(t, err)
	other, err := s.CreateUser(ctx, NewUser{Email: "other@example.com", Username: "other"})
	require.NoError(t, err)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	insert := func(user uuid.UUID, title string, public bool, offset time.Duration) types.Prompt {
		p, err := s.InsertPrompt(ctx, types.Prompt{
			UserID:    user,
			Title:     title,
			Content:   "content of " + title,
			Category:  "writing",
			Tags:      []string{"a", "b"},
			IsPublic:  public,
			CreatedAt: base.Add(offset),
		})
		require.NoError(t, err)
		return p
	}
	insert(owner.ID, "public-old", true, time.Minute)
	private := insert(owner.ID, "private", false, 2*time.Minute)
	insert(other.ID, "public-new", true, 3*time.Minute)
	insert(other.ID, "other-private", false, 4*time.Minute)

	anon, err := s.ListPrompts(ctx, types.PromptQuery{})
	require.NoError(t, err)
	require.Len(t, anon, 2)
	assert.Equal(t, "public-new", anon[0].Title)
	assert.Equal(t, "public-old", anon[1].Title)
	assert.Equal(t, []string{"a", "b"}, anon[0].Tags)

	limited, err := s.ListPrompts(ctx, types.PromptQuery{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "public-new", limited[0].Title)

	mine, err := s.ListPrompts(ctx, types.PromptQuery{ViewerID: owner.ID})
	require.NoError(t, err)
	titles := make([]string, 0, len(mine))
	for _, p := range mine {
		titles = append(titles, p.Title)
	}
	assert.Equal(t, []string{"public-new", "private", "public-old"}, titles)

	assert.ErrorIs(t, s.DeletePrompt(ctx, private.ID, other.ID), ErrNotFound)
	require.NoError(t, s.DeletePrompt(ctx, private.ID, owner.ID))
	assert.ErrorIs(t, s.DeletePrompt(ctx, private.ID, owner.ID), ErrNotFound)
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Options{Driver: "oracle"})
	assert.Error(t, err)
}
