package quota

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"vibe_prompt_server/internal/types"
)

type ledgerState int

const (
	ledgerLoading ledgerState = iota
	ledgerAbsent
	ledgerPresent
)

// Facade is the single decision point consulted before and after a gated
// action. Which store answers is a function of the current identity only: the
// local counters for anonymous devices, the remote ledger for signed-in users.
type Facade struct {
	mu     sync.Mutex
	local  *LocalStore
	ledger *Ledger
	strict bool

	mode     Mode
	userID   uuid.UUID
	state    ledgerState
	balance  types.CreditBalance
	inflight int
	// pending counts suspensions not yet matched by a swap.
	pending int
	// epoch changes on every identity swap; late ledger results from an older
	// epoch are dropped.
	epoch uint64
}

type Option func(*Facade)

// WithStrictIdentity makes malformed identities panic instead of being refused.
// Meant for development builds.
func WithStrictIdentity(strict bool) Option {
	return func(f *Facade) { f.strict = strict }
}

// NewFacade returns a facade in ModeLoading. It answers "not allowed" until the
// session observer calls UseAnonymous or UseAccount.
func NewFacade(local *LocalStore, ledger *Ledger, opts ...Option) *Facade {
	f := &Facade{local: local, ledger: ledger, mode: ModeLoading}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Suspend puts the facade into ModeLoading until a matching swap. Each call is
// matched by one UseAnonymous or UseAccount, so a swap applied while a later
// suspension is still queued keeps the facade loading.
func (f *Facade) Suspend() {
	f.mu.Lock()
	f.epoch++
	f.pending++
	f.mode = ModeLoading
	f.mu.Unlock()
}

func (f *Facade) releaseLocked() {
	if f.pending > 0 {
		f.pending--
	}
}

// UseAnonymous selects the local counters.
func (f *Facade) UseAnonymous() {
	f.mu.Lock()
	f.epoch++
	f.releaseLocked()
	f.mode = ModeAnonymous
	f.userID = uuid.Nil
	f.state = ledgerAbsent
	f.balance = types.CreditBalance{}
	f.mu.Unlock()
}

// UseAccount selects the remote ledger of userID and fetches its balance.
func (f *Facade) UseAccount(ctx context.Context, userID uuid.UUID) {
	valid := f.checkIdentity(userID)

	f.mu.Lock()
	f.epoch++
	f.releaseLocked()
	epoch := f.epoch
	f.mode = ModeAuthenticated
	f.userID = userID
	f.balance = types.CreditBalance{}
	if !valid {
		f.state = ledgerAbsent
		f.mu.Unlock()
		return
	}
	f.state = ledgerLoading
	f.mu.Unlock()

	f.load(ctx, epoch, userID)
}

// Refresh re-reads the ledger for the current account. It does nothing for
// anonymous devices or while an identity change is pending.
func (f *Facade) Refresh(ctx context.Context) {
	f.mu.Lock()
	if f.mode != ModeAuthenticated || f.userID == uuid.Nil || f.pending > 0 {
		f.mu.Unlock()
		return
	}
	epoch, userID := f.epoch, f.userID
	f.state = ledgerLoading
	f.mu.Unlock()

	f.load(ctx, epoch, userID)
}

func (f *Facade) load(ctx context.Context, epoch uint64, userID uuid.UUID) {
	balance, found := f.ledger.Fetch(ctx, userID)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applyLocked(epoch, balance, found)
}

func (f *Facade) applyLocked(epoch uint64, balance types.CreditBalance, found bool) {
	if f.epoch != epoch {
		return
	}
	if found {
		f.state = ledgerPresent
		f.balance = balance
		return
	}
	f.state = ledgerAbsent
	f.balance = types.CreditBalance{}
}

// Mode reports the effective mode. It is ModeLoading while an identity change
// is pending or while a signed-in user's balance is being fetched or spent.
func (f *Facade) Mode() Mode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.modeLocked()
}

func (f *Facade) modeLocked() Mode {
	if f.pending > 0 {
		return ModeLoading
	}
	if f.mode == ModeAuthenticated && (f.state == ledgerLoading || f.inflight > 0) {
		return ModeLoading
	}
	return f.mode
}

// Authenticated reports whether the current identity is a signed-in user,
// regardless of whether the balance has loaded.
func (f *Facade) Authenticated() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mode == ModeAuthenticated
}

func (f *Facade) CanGenerate() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.canGenerateLocked()
}

func (f *Facade) canGenerateLocked() bool {
	switch f.modeLocked() {
	case ModeAuthenticated:
		return f.state == ledgerPresent && f.balance.CreditsRemaining > 0
	case ModeAnonymous:
		return f.local.Read().GenerationsUsed < MaxAnonymousGenerations
	default:
		return false
	}
}

func (f *Facade) CanView() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.canViewLocked()
}

func (f *Facade) canViewLocked() bool {
	switch f.modeLocked() {
	case ModeAuthenticated:
		return true
	case ModeAnonymous:
		return f.local.Read().ViewsUsed < MaxAnonymousViews
	default:
		return false
	}
}

// RemainingGenerations never returns a negative number.
func (f *Facade) RemainingGenerations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remainingGenerationsLocked()
}

func (f *Facade) remainingGenerationsLocked() int {
	switch f.modeLocked() {
	case ModeAuthenticated:
		if f.state != ledgerPresent {
			return 0
		}
		return max(0, f.balance.CreditsRemaining)
	case ModeAnonymous:
		return max(0, MaxAnonymousGenerations-f.local.Read().GenerationsUsed)
	default:
		return 0
	}
}

// RemainingViews returns false as second value for signed-in users, whose views
// are unbounded and should not be shown as a countdown.
func (f *Facade) RemainingViews() (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remainingViewsLocked()
}

func (f *Facade) remainingViewsLocked() (int, bool) {
	switch f.modeLocked() {
	case ModeAuthenticated:
		return 0, false
	case ModeAnonymous:
		return max(0, MaxAnonymousViews-f.local.Read().ViewsUsed), true
	default:
		return 0, true
	}
}

func (f *Facade) CheckGeneration() Decision {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Decision{Allowed: f.canGenerateLocked(), Remaining: f.remainingGenerationsLocked()}
}

func (f *Facade) CheckView() Decision {
	f.mu.Lock()
	defer f.mu.Unlock()
	remaining, bounded := f.remainingViewsLocked()
	if !bounded {
		remaining = -1
	}
	return Decision{Allowed: f.canViewLocked(), Remaining: remaining}
}

// ConsumeGeneration spends one unit and reports whether it was spent. For
// signed-in users the ledger is re-read after a successful deduction.
func (f *Facade) ConsumeGeneration(ctx context.Context) bool {
	f.mu.Lock()
	switch f.modeLocked() {
	case ModeAnonymous:
		defer f.mu.Unlock()
		if !f.canGenerateLocked() {
			return false
		}
		if _, err := f.local.IncrementGenerations(); err != nil {
			log.WithError(err).Warn("quota: record anonymous generation failed")
			return false
		}
		return true
	case ModeAuthenticated:
	default:
		f.mu.Unlock()
		return false
	}

	userID := f.userID
	if !f.canGenerateLocked() {
		f.mu.Unlock()
		return false
	}
	f.mu.Unlock()
	if !f.checkIdentity(userID) {
		return false
	}

	f.mu.Lock()
	epoch := f.epoch
	f.inflight++
	f.mu.Unlock()

	ok := f.ledger.DecrementOne(ctx, userID)
	var (
		balance types.CreditBalance
		found   bool
	)
	if ok {
		balance, found = f.ledger.Fetch(ctx, userID)
	}

	f.mu.Lock()
	f.inflight--
	if ok {
		f.applyLocked(epoch, balance, found)
	}
	f.mu.Unlock()
	return ok
}

// ConsumeView records one anonymous gallery view. Signed-in users are not
// counted and get false.
func (f *Facade) ConsumeView() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.modeLocked() != ModeAnonymous {
		return false
	}
	if !f.canViewLocked() {
		return false
	}
	if _, err := f.local.IncrementViews(); err != nil {
		log.WithError(err).Warn("quota: record anonymous view failed")
		return false
	}
	return true
}

// Status snapshots the facade for API responses.
func (f *Facade) Status() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	mode := f.modeLocked()
	st := Status{
		Mode:                 mode.String(),
		CanGenerate:          f.canGenerateLocked(),
		CanView:              f.canViewLocked(),
		RemainingGenerations: f.remainingGenerationsLocked(),
	}
	if views, bounded := f.remainingViewsLocked(); bounded {
		st.RemainingViews = &views
	}
	if mode == ModeAuthenticated && f.state == ledgerPresent {
		used := f.balance.TotalCreditsUsed
		st.TotalCreditsUsed = &used
	}
	return st
}

func (f *Facade) checkIdentity(userID uuid.UUID) bool {
	if userID != uuid.Nil {
		return true
	}
	if f.strict {
		panic(fmt.Sprintf("quota: malformed identity %q", userID))
	}
	log.Error("quota: refusing ledger operation for malformed identity")
	return false
}
