package quota

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vibe_prompt_server/internal/kv"
	"vibe_prompt_server/internal/types"
)

type fakeBackend struct {
	mu          sync.Mutex
	balances    map[uuid.UUID]types.CreditBalance
	fetchErr    error
	deductErr   error
	deductCalls int
	fetchCalls  int

	onFetch  func(uuid.UUID)
	onDeduct func(uuid.UUID)
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{balances: map[uuid.UUID]types.CreditBalance{}}
}

func (b *fakeBackend) setCredits(userID uuid.UUID, remaining, used int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances[userID] = types.CreditBalance{UserID: userID, CreditsRemaining: remaining, TotalCreditsUsed: used}
}

func (b *fakeBackend) FetchCredits(_ context.Context, userID uuid.UUID) (*types.CreditBalance, error) {
	if b.onFetch != nil {
		b.onFetch(userID)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fetchCalls++
	if b.fetchErr != nil {
		return nil, b.fetchErr
	}
	bal, ok := b.balances[userID]
	if !ok {
		return nil, nil
	}
	return &bal, nil
}

func (b *fakeBackend) DeductCredit(_ context.Context, userID uuid.UUID) (bool, error) {
	if b.onDeduct != nil {
		b.onDeduct(userID)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deductCalls++
	if b.deductErr != nil {
		return false, b.deductErr
	}
	bal, ok := b.balances[userID]
	if !ok || bal.CreditsRemaining <= 0 {
		return false, nil
	}
	bal.CreditsRemaining--
	bal.TotalCreditsUsed++
	b.balances[userID] = bal
	return true, nil
}

func newTestFacade(t *testing.T, backend *fakeBackend, opts ...Option) (*Facade, *LocalStore) {
	t.Helper()
	local := NewLocalStore(kv.NewMemoryStorage())
	return NewFacade(local, NewLedger(backend), opts...), local
}

func TestFacade_StartsLoading(t *testing.T) {
	f, local := newTestFacade(t, newFakeBackend())

	assert.Equal(t, ModeLoading, f.Mode())
	assert.False(t, f.CanGenerate())
	assert.False(t, f.CanView())
	assert.Equal(t, 0, f.RemainingGenerations())
	assert.False(t, f.ConsumeGeneration(context.Background()))
	assert.False(t, f.ConsumeView())
	assert.Equal(t, 0, local.Read().GenerationsUsed)
	assert.Equal(t, 0, local.Read().ViewsUsed)
}

func TestFacade_AnonymousGenerationCeiling(t *testing.T) {
	f, local := newTestFacade(t, newFakeBackend())
	f.UseAnonymous()
	ctx := context.Background()

	for i := 0; i < MaxAnonymousGenerations; i++ {
		require.True(t, f.CanGenerate())
		assert.Equal(t, MaxAnonymousGenerations-i, f.RemainingGenerations())
		require.True(t, f.ConsumeGeneration(ctx))
	}

	assert.False(t, f.CanGenerate())
	assert.Equal(t, 0, f.RemainingGenerations())
	assert.False(t, f.ConsumeGeneration(ctx))
	assert.Equal(t, MaxAnonymousGenerations, local.Read().GenerationsUsed)
}

func TestFacade_AnonymousViewCeiling(t *testing.T) {
	f, local := newTestFacade(t, newFakeBackend())
	f.UseAnonymous()

	for i := 0; i < MaxAnonymousViews; i++ {
		require.True(t, f.ConsumeView())
	}
	assert.False(t, f.CanView())
	assert.False(t, f.ConsumeView())
	assert.Equal(t, MaxAnonymousViews, local.Read().ViewsUsed)

	views, bounded := f.RemainingViews()
	assert.True(t, bounded)
	assert.Equal(t, 0, views)
}

func TestFacade_AnonymousOverCeilingRecordClampsRemaining(t *testing.T) {
	f, local := newTestFacade(t, newFakeBackend())
	require.NoError(t, local.Write(AnonymousRecord{GenerationsUsed: 7, ViewsUsed: 9}))
	f.UseAnonymous()

	assert.Equal(t, 0, f.RemainingGenerations())
	views, _ := f.RemainingViews()
	assert.Equal(t, 0, views)
	assert.False(t, f.ConsumeGeneration(context.Background()))
	assert.Equal(t, 7, local.Read().GenerationsUsed)
}

func TestFacade_AuthenticatedSpendsLedger(t *testing.T) {
	backend := newFakeBackend()
	user := uuid.New()
	backend.setCredits(user, 2, 48)
	f, local := newTestFacade(t, backend)
	ctx := context.Background()

	f.UseAccount(ctx, user)
	require.Equal(t, ModeAuthenticated, f.Mode())
	assert.True(t, f.CanGenerate())
	assert.Equal(t, 2, f.RemainingGenerations())

	require.True(t, f.ConsumeGeneration(ctx))
	assert.Equal(t, 1, f.RemainingGenerations())
	require.True(t, f.ConsumeGeneration(ctx))
	assert.Equal(t, 0, f.RemainingGenerations())
	assert.False(t, f.CanGenerate())

	st := f.Status()
	require.NotNil(t, st.TotalCreditsUsed)
	assert.Equal(t, 50, *st.TotalCreditsUsed)

	// signed-in spending never touches the local record
	assert.Equal(t, 0, local.Read().GenerationsUsed)
}

func TestFacade_ZeroCreditsDoesNotDeduct(t *testing.T) {
	backend := newFakeBackend()
	user := uuid.New()
	backend.setCredits(user, 0, 50)
	f, _ := newTestFacade(t, backend)
	ctx := context.Background()

	f.UseAccount(ctx, user)
	assert.False(t, f.CanGenerate())
	assert.False(t, f.ConsumeGeneration(ctx))
	assert.Equal(t, 0, backend.deductCalls)
	assert.Equal(t, 0, f.RemainingGenerations())
}

func TestFacade_AuthenticatedViewsAreUnbounded(t *testing.T) {
	backend := newFakeBackend()
	user := uuid.New()
	backend.setCredits(user, 0, 0)
	f, local := newTestFacade(t, backend)
	require.NoError(t, local.Write(AnonymousRecord{ViewsUsed: MaxAnonymousViews}))

	f.UseAccount(context.Background(), user)
	assert.True(t, f.CanView())
	_, bounded := f.RemainingViews()
	assert.False(t, bounded)
	assert.Equal(t, -1, f.CheckView().Remaining)
	assert.Nil(t, f.Status().RemainingViews)

	assert.False(t, f.ConsumeView())
	assert.Equal(t, MaxAnonymousViews, local.Read().ViewsUsed)
}

func TestFacade_MissingLedgerRowIsNotAllowed(t *testing.T) {
	f, _ := newTestFacade(t, newFakeBackend())
	f.UseAccount(context.Background(), uuid.New())

	assert.Equal(t, ModeAuthenticated, f.Mode())
	assert.False(t, f.CanGenerate())
	assert.Equal(t, 0, f.RemainingGenerations())
	assert.False(t, f.ConsumeGeneration(context.Background()))
}

func TestFacade_FetchErrorDegradesToNotAllowed(t *testing.T) {
	backend := newFakeBackend()
	user := uuid.New()
	backend.setCredits(user, 10, 0)
	backend.fetchErr = errors.New("connection refused")
	f, _ := newTestFacade(t, backend)

	f.UseAccount(context.Background(), user)
	assert.Equal(t, ModeAuthenticated, f.Mode())
	assert.False(t, f.CanGenerate())

	backend.mu.Lock()
	backend.fetchErr = nil
	backend.mu.Unlock()
	f.Refresh(context.Background())
	assert.True(t, f.CanGenerate())
	assert.Equal(t, 10, f.RemainingGenerations())
}

func TestFacade_DeductErrorKeepsPreviousBalance(t *testing.T) {
	backend := newFakeBackend()
	user := uuid.New()
	backend.setCredits(user, 3, 0)
	f, _ := newTestFacade(t, backend)
	ctx := context.Background()
	f.UseAccount(ctx, user)

	backend.mu.Lock()
	backend.deductErr = errors.New("timeout")
	backend.mu.Unlock()

	assert.False(t, f.ConsumeGeneration(ctx))
	assert.Equal(t, ModeAuthenticated, f.Mode())
	assert.Equal(t, 3, f.RemainingGenerations())
}

func TestFacade_InFlightDeductionReadsAsLoading(t *testing.T) {
	backend := newFakeBackend()
	user := uuid.New()
	backend.setCredits(user, 5, 0)
	f, _ := newTestFacade(t, backend)
	ctx := context.Background()
	f.UseAccount(ctx, user)

	entered := make(chan struct{})
	release := make(chan struct{})
	backend.onDeduct = func(uuid.UUID) {
		close(entered)
		<-release
	}

	done := make(chan bool)
	go func() { done <- f.ConsumeGeneration(ctx) }()

	<-entered
	assert.Equal(t, ModeLoading, f.Mode())
	assert.False(t, f.CanGenerate())
	close(release)

	assert.True(t, <-done)
	assert.Equal(t, ModeAuthenticated, f.Mode())
	assert.Equal(t, 4, f.RemainingGenerations())
}

func TestFacade_StaleFetchIsDropped(t *testing.T) {
	backend := newFakeBackend()
	user := uuid.New()
	backend.setCredits(user, 9, 0)
	f, _ := newTestFacade(t, backend)

	entered := make(chan struct{})
	release := make(chan struct{})
	backend.onFetch = func(uuid.UUID) {
		close(entered)
		<-release
	}

	done := make(chan struct{})
	go func() {
		f.UseAccount(context.Background(), user)
		close(done)
	}()

	<-entered
	assert.Equal(t, ModeLoading, f.Mode())
	f.UseAnonymous()
	close(release)
	<-done

	assert.Equal(t, ModeAnonymous, f.Mode())
	assert.Equal(t, MaxAnonymousGenerations, f.RemainingGenerations())
}

func TestFacade_SuspendReportsLoading(t *testing.T) {
	f, _ := newTestFacade(t, newFakeBackend())
	f.UseAnonymous()
	require.True(t, f.CanGenerate())

	f.Suspend()
	assert.Equal(t, ModeLoading, f.Mode())
	assert.False(t, f.CanGenerate())
	assert.False(t, f.ConsumeGeneration(context.Background()))

	f.UseAnonymous()
	assert.True(t, f.CanGenerate())
}

func TestFacade_AccountSwitchUsesNewLedger(t *testing.T) {
	backend := newFakeBackend()
	a, b := uuid.New(), uuid.New()
	backend.setCredits(a, 5, 0)
	backend.setCredits(b, 1, 0)
	f, _ := newTestFacade(t, backend)
	ctx := context.Background()

	f.UseAccount(ctx, a)
	assert.Equal(t, 5, f.RemainingGenerations())
	f.UseAccount(ctx, b)
	assert.Equal(t, 1, f.RemainingGenerations())

	require.True(t, f.ConsumeGeneration(ctx))
	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.Equal(t, 5, backend.balances[a].CreditsRemaining)
	assert.Equal(t, 0, backend.balances[b].CreditsRemaining)
}

func TestFacade_NilIdentity(t *testing.T) {
	t.Run("strict panics", func(t *testing.T) {
		f, _ := newTestFacade(t, newFakeBackend(), WithStrictIdentity(true))
		assert.Panics(t, func() { f.UseAccount(context.Background(), uuid.Nil) })
	})

	t.Run("lenient refuses", func(t *testing.T) {
		backend := newFakeBackend()
		f, _ := newTestFacade(t, backend)
		f.UseAccount(context.Background(), uuid.Nil)
		assert.True(t, f.Authenticated())
		assert.False(t, f.CanGenerate())
		assert.False(t, f.ConsumeGeneration(context.Background()))
		assert.Equal(t, 0, backend.fetchCalls)
		assert.Equal(t, 0, backend.deductCalls)
	})
}

func TestFacade_StatusJSON(t *testing.T) {
	f, _ := newTestFacade(t, newFakeBackend())
	f.UseAnonymous()
	require.True(t, f.ConsumeView())

	raw, err := json.Marshal(f.Status())
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"mode": "anonymous",
		"can_generate": true,
		"can_view": true,
		"remaining_generations": 3,
		"remaining_views": 2
	}`, string(raw))
}

func TestFacade_SwapWithQueuedSuspensionStaysLoading(t *testing.T) {
	backend := newFakeBackend()
	user := uuid.New()
	backend.setCredits(user, 5, 0)
	f, _ := newTestFacade(t, backend)
	ctx := context.Background()

	// two transitions queued, the first one applied
	f.Suspend()
	f.Suspend()
	f.UseAccount(ctx, user)
	assert.Equal(t, ModeLoading, f.Mode())
	assert.False(t, f.CanGenerate())
	assert.False(t, f.ConsumeGeneration(ctx))
	assert.Equal(t, 0, backend.deductCalls)

	f.UseAnonymous()
	assert.Equal(t, ModeAnonymous, f.Mode())
	assert.True(t, f.CanGenerate())
}

func TestFacade_RefreshPicksUpSpendsElsewhere(t *testing.T) {
	backend := newFakeBackend()
	user := uuid.New()
	backend.setCredits(user, 5, 0)
	f, _ := newTestFacade(t, backend)
	ctx := context.Background()
	f.UseAccount(ctx, user)
	require.Equal(t, 5, f.RemainingGenerations())

	backend.setCredits(user, 1, 4)
	f.Refresh(ctx)
	assert.Equal(t, 1, f.RemainingGenerations())
	assert.Equal(t, 4, *f.Status().TotalCreditsUsed)
}

func TestFacade_RefreshRecoversAbsentLedger(t *testing.T) {
	backend := newFakeBackend()
	user := uuid.New()
	f, _ := newTestFacade(t, backend)
	ctx := context.Background()
	f.UseAccount(ctx, user)
	require.False(t, f.CanGenerate())

	backend.setCredits(user, 2, 0)
	f.Refresh(ctx)
	assert.True(t, f.CanGenerate())
	assert.True(t, f.ConsumeGeneration(ctx))
	assert.Equal(t, 1, f.RemainingGenerations())
}

func TestFacade_RefreshIsSkippedWhileSuspended(t *testing.T) {
	backend := newFakeBackend()
	user := uuid.New()
	backend.setCredits(user, 5, 0)
	f, _ := newTestFacade(t, backend)
	ctx := context.Background()
	f.UseAccount(ctx, user)
	calls := backend.fetchCalls

	f.Suspend()
	f.Refresh(ctx)
	assert.Equal(t, calls, backend.fetchCalls)
	assert.Equal(t, ModeLoading, f.Mode())
}
