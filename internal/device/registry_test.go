package device

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vibe_prompt_server/internal/ai"
	"vibe_prompt_server/internal/auth"
	"vibe_prompt_server/internal/quota"
	"vibe_prompt_server/internal/session"
	"vibe_prompt_server/internal/store"
)

type env struct {
	dir      string
	store    *store.SQLiteStore
	accounts *auth.Accounts
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	st, err := store.NewSQLite(filepath.Join(dir, "vibe.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	accounts, err := auth.NewAccounts(st, auth.AccountsConfig{Secret: "registry-test-secret-000", SignupCredits: 50})
	require.NoError(t, err)
	return &env{dir: dir, store: st, accounts: accounts}
}

func (e *env) registry(t *testing.T, size int) *Registry {
	t.Helper()
	r, err := NewRegistry(Config{
		DataDir:        filepath.Join(e.dir, "devices"),
		CacheSize:      size,
		StrictIdentity: true,
	}, e.accounts, e.store, ai.NewGenerator(0))
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r
}

func TestRegistry_RejectsInvalidIDs(t *testing.T) {
	r := newEnv(t).registry(t, 4)
	for _, id := range []string{"", "../etc/passwd", "not-a-uuid"} {
		_, err := r.Get(context.Background(), id)
		assert.ErrorIs(t, err, ErrInvalidDevice, id)
	}
}

func TestRegistry_ReusesClient(t *testing.T) {
	r := newEnv(t).registry(t, 4)
	id := uuid.NewString()

	a, err := r.Get(context.Background(), id)
	require.NoError(t, err)
	b, err := r.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, quota.ModeAnonymous, a.Quota.Mode())
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_SessionSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	id := uuid.NewString()

	first := e.registry(t, 4)
	c, err := first.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, c.Quota.ConsumeGeneration(ctx))
	assert.Equal(t, 1, c.Local.Read().GenerationsUsed)

	_, err = c.Session.SignUp(ctx, auth.SignUpInput{
		Email:           "erin@example.com",
		Username:        "erin",
		Password:        "Str0ng#Pass",
		ConfirmPassword: "Str0ng#Pass",
	})
	require.NoError(t, err)
	require.NoError(t, c.Observer.Flush(ctx))
	assert.Equal(t, quota.ModeAuthenticated, c.Quota.Mode())
	assert.Equal(t, 50, c.Quota.RemainingGenerations())
	assert.Zero(t, c.Local.Read().GenerationsUsed, "signing in resets anonymous usage")
	first.Close()

	second := e.registry(t, 4)
	restored, err := second.Get(ctx, id)
	require.NoError(t, err)
	assert.NotSame(t, c, restored)
	assert.Equal(t, quota.ModeAuthenticated, restored.Quota.Mode())
	assert.Equal(t, 50, restored.Quota.RemainingGenerations())
}

func TestRegistry_AnonymousCountersPersist(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	id := uuid.NewString()

	first := e.registry(t, 4)
	c, err := first.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, c.Quota.ConsumeView())
	require.True(t, c.Quota.ConsumeView())
	first.Close()

	c, err = e.registry(t, 4).Get(ctx, id)
	require.NoError(t, err)
	views, bounded := c.Quota.RemainingViews()
	assert.True(t, bounded)
	assert.Equal(t, 1, views)
}

func TestRegistry_EvictionStopsObserver(t *testing.T) {
	ctx := context.Background()
	r := newEnv(t).registry(t, 1)

	a, err := r.Get(ctx, uuid.NewString())
	require.NoError(t, err)
	_, err = r.Get(ctx, uuid.NewString())
	require.NoError(t, err)

	assert.Equal(t, 1, r.Len())
	assert.ErrorIs(t, a.Observer.Flush(ctx), session.ErrStopped)
}

func TestRegistry_Closed(t *testing.T) {
	r := newEnv(t).registry(t, 2)
	c, err := r.Get(context.Background(), uuid.NewString())
	require.NoError(t, err)

	r.Close()
	assert.ErrorIs(t, c.Observer.Flush(context.Background()), session.ErrStopped)
	_, err = r.Get(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, ErrClosed)
}
