// Package device keeps one client per browser device: its local storage, its
// auth session and the quota facade driven by that session.
package device

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"

	"vibe_prompt_server/internal/auth"
	"vibe_prompt_server/internal/flow"
	"vibe_prompt_server/internal/kv"
	"vibe_prompt_server/internal/quota"
	"vibe_prompt_server/internal/session"
	"vibe_prompt_server/internal/store"
)

const DefaultCacheSize = 1024

var (
	ErrInvalidDevice = errors.New("device: invalid device id")
	ErrClosed        = errors.New("device: registry closed")
)

// Client is everything the server holds for one device.
type Client struct {
	ID         string
	Storage    kv.Storage
	Session    *auth.Session
	Local      *quota.LocalStore
	Quota      *quota.Facade
	Observer   *session.Observer
	Generation *flow.GenerationFlow
	Gallery    *flow.GalleryFlow
}

type Config struct {
	DataDir   string
	CacheSize int
	// StrictIdentity makes the quota facade panic on malformed identities.
	StrictIdentity bool
}

type Registry struct {
	cfg       Config
	accounts  *auth.Accounts
	store     store.Store
	generator flow.PromptGenerator

	mu      sync.Mutex
	clients *lru.Cache[string, *Client]
	closed  bool
}

func NewRegistry(cfg Config, accounts *auth.Accounts, st store.Store, generator flow.PromptGenerator) (*Registry, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("device: data dir is required")
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	r := &Registry{cfg: cfg, accounts: accounts, store: st, generator: generator}
	cache, err := lru.NewWithEvict[string, *Client](cfg.CacheSize, r.handleEviction)
	if err != nil {
		return nil, fmt.Errorf("device: create cache: %w", err)
	}
	r.clients = cache
	return r, nil
}

// ValidID reports whether id can name a device.
func ValidID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// Get returns the client for deviceID, building and starting it on first use.
func (r *Registry) Get(ctx context.Context, deviceID string) (*Client, error) {
	if !ValidID(deviceID) {
		return nil, ErrInvalidDevice
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if c, ok := r.clients.Get(deviceID); ok {
		r.mu.Unlock()
		return c, nil
	}
	r.mu.Unlock()

	c, err := r.build(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if existing, ok := r.clients.Get(deviceID); ok {
		r.mu.Unlock()
		c.Observer.Stop()
		return existing, nil
	}
	if r.closed {
		r.mu.Unlock()
		c.Observer.Stop()
		return nil, ErrClosed
	}
	r.clients.Add(deviceID, c)
	r.mu.Unlock()
	return c, nil
}

// Len returns the number of live clients.
func (r *Registry) Len() int {
	return r.clients.Len()
}

// Close stops every client.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.clients.Purge()
}

func (r *Registry) build(ctx context.Context, deviceID string) (*Client, error) {
	storage, err := kv.NewFileStorage(filepath.Join(r.cfg.DataDir, deviceID+".json"))
	if err != nil {
		return nil, err
	}
	local := quota.NewLocalStore(storage)
	facade := quota.NewFacade(local, quota.NewLedger(r.store), quota.WithStrictIdentity(r.cfg.StrictIdentity))
	sess := auth.NewSession(r.accounts, storage, deviceID)
	observer := session.NewObserver(sess, r.store, facade, local)

	c := &Client{
		ID:         deviceID,
		Storage:    storage,
		Session:    sess,
		Local:      local,
		Quota:      facade,
		Observer:   observer,
		Generation: flow.NewGenerationFlow(facade, r.generator, storage),
		Gallery:    flow.NewGalleryFlow(facade, r.store),
	}
	if err := observer.Start(ctx); err != nil {
		return nil, fmt.Errorf("device: start observer: %w", err)
	}
	log.WithField("device", deviceID).Debugf("device: client started (mode=%s)", facade.Mode())
	return c, nil
}

func (r *Registry) handleEviction(deviceID string, c *Client) {
	c.Observer.Stop()
	log.WithField("device", deviceID).Debug("device: client evicted")
}
