// Package session reacts to identity changes of one device: it keeps the user's
// profile row fresh and tells the quota facade which store to consult.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"vibe_prompt_server/internal/types"
)

var (
	ErrAlreadyStarted = errors.New("session: observer already started")
	ErrStopped        = errors.New("session: observer stopped")
)

// Provider is the auth session of a device. Subscribe must deliver changes in
// the order they happened.
type Provider interface {
	Current(ctx context.Context) (*types.Identity, error)
	Subscribe(fn func(*types.Identity)) (unsubscribe func())
}

type ProfileWriter interface {
	UpsertProfile(ctx context.Context, profile types.Profile) error
}

// QuotaSwitch is the part of the quota facade driven by identity changes.
type QuotaSwitch interface {
	UseAnonymous()
	UseAccount(ctx context.Context, userID uuid.UUID)
	Suspend()
}

type LocalClearer interface {
	Clear() error
}

const defaultEventTimeout = 10 * time.Second

type event struct {
	identity *types.Identity
	flush    chan struct{}
}

// Observer serialises identity transitions through a single worker goroutine.
type Observer struct {
	provider Provider
	profiles ProfileWriter
	quota    QuotaSwitch
	local    LocalClearer
	timeout  time.Duration

	events chan event
	quit   chan struct{}
	done   chan struct{}

	mu          sync.Mutex
	started     bool
	unsubscribe func()
	stopOnce    sync.Once

	// owned by the worker once Start returns
	current *types.Identity
}

func NewObserver(provider Provider, profiles ProfileWriter, quota QuotaSwitch, local LocalClearer) *Observer {
	return &Observer{
		provider: provider,
		profiles: profiles,
		quota:    quota,
		local:    local,
		timeout:  defaultEventTimeout,
		events:   make(chan event, 32),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start resolves the current identity, applies it and begins listening for
// changes. Gated decisions made before Start returns see ModeLoading.
func (o *Observer) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return ErrAlreadyStarted
	}
	o.started = true
	o.mu.Unlock()

	o.quota.Suspend()
	unsubscribe := o.provider.Subscribe(o.enqueue)

	identity, err := o.provider.Current(ctx)
	if err != nil {
		log.WithError(err).Warn("session: resolve current identity failed, continuing anonymous")
		identity = nil
	}
	o.apply(ctx, identity)

	o.mu.Lock()
	o.unsubscribe = unsubscribe
	o.mu.Unlock()

	go o.run()
	return nil
}

// Flush blocks until every transition queued before the call has been applied.
func (o *Observer) Flush(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case o.events <- event{flush: ack}:
	case <-o.quit:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-o.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop unsubscribes and waits for the worker to exit. Pending transitions are
// dropped.
func (o *Observer) Stop() {
	o.stopOnce.Do(func() {
		o.mu.Lock()
		started, unsubscribe := o.started, o.unsubscribe
		o.mu.Unlock()

		if unsubscribe != nil {
			unsubscribe()
		}
		close(o.quit)
		if started {
			<-o.done
		}
	})
}

func (o *Observer) enqueue(identity *types.Identity) {
	select {
	case <-o.quit:
		return
	default:
	}
	o.quota.Suspend()
	select {
	case o.events <- event{identity: copyIdentity(identity)}:
	case <-o.quit:
	}
}

func (o *Observer) run() {
	defer close(o.done)
	for {
		select {
		case <-o.quit:
			return
		case ev := <-o.events:
			if ev.flush != nil {
				close(ev.flush)
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
			o.apply(ctx, ev.identity)
			cancel()
		}
	}
}

func (o *Observer) apply(ctx context.Context, next *types.Identity) {
	prev := o.current
	o.current = next

	if next != nil {
		o.upsertProfile(ctx, next)
	}

	switch {
	case next == nil:
		if prev != nil {
			log.WithField("user", prev.ID).Info("session: signed out, using anonymous limits")
		}
		o.quota.UseAnonymous()
	case prev == nil:
		// anonymous usage never carries over into an account
		if err := o.local.Clear(); err != nil {
			log.WithError(err).Warn("session: clear anonymous counters failed")
		}
		log.WithField("user", next.ID).Info("session: signed in, using credit ledger")
		o.quota.UseAccount(ctx, next.ID)
	default:
		if prev.ID != next.ID {
			log.WithFields(log.Fields{"from": prev.ID, "to": next.ID}).Info("session: account switched")
		}
		o.quota.UseAccount(ctx, next.ID)
	}
}

func (o *Observer) upsertProfile(ctx context.Context, identity *types.Identity) {
	profile := types.Profile{
		ID:        identity.ID,
		Email:     identity.Email,
		Username:  identity.Username(),
		AvatarURL: identity.AvatarURL(),
	}
	if err := o.profiles.UpsertProfile(ctx, profile); err != nil {
		log.WithError(err).Warnf("session: upsert profile failed (user=%s)", identity.ID)
	}
}

func copyIdentity(identity *types.Identity) *types.Identity {
	if identity == nil {
		return nil
	}
	cp := *identity
	if identity.Metadata != nil {
		cp.Metadata = make(map[string]string, len(identity.Metadata))
		for k, v := range identity.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
