package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"vibe_prompt_server/internal/kv"
	"vibe_prompt_server/internal/store"
	"vibe_prompt_server/internal/types"
	"vibe_prompt_server/internal/utils"
)

const (
	SessionKey    = "vibe_auth_session"
	OAuthStateKey = "vibe_oauth_state"
)

var ErrOAuthState = errors.New("auth: oauth state mismatch")

type storedSession struct {
	UserID string `json:"user_id"`
	Token  string `json:"token"`
}

type storedState struct {
	Provider string `json:"provider"`
	State    string `json:"state"`
}

// Session is the auth state of one device. The token lives in device storage
// so the identity survives a restart.
type Session struct {
	accounts *Accounts
	storage  kv.Storage
	deviceID string

	// mu orders state changes and their notifications
	mu sync.Mutex

	subsMu  sync.Mutex
	subs    map[int]func(*types.Identity)
	nextSub int
}

func NewSession(accounts *Accounts, storage kv.Storage, deviceID string) *Session {
	return &Session{
		accounts: accounts,
		storage:  storage,
		deviceID: deviceID,
		subs:     make(map[int]func(*types.Identity)),
	}
}

// Current returns the signed-in identity, or nil. A stored token that no
// longer verifies is discarded.
func (s *Session) Current(ctx context.Context) (*types.Identity, error) {
	raw, ok := s.storage.Get(SessionKey)
	if !ok || raw == "" {
		return nil, nil
	}
	var stored storedSession
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		s.discard("corrupt session record")
		return nil, nil
	}
	userID, err := s.accounts.VerifyToken(stored.Token)
	if err != nil {
		s.discard("session token rejected")
		return nil, nil
	}
	user, err := s.accounts.LookupUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		s.discard("session user no longer exists")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("auth: restore session: %w", err)
	}
	return user.Identity(), nil
}

func (s *Session) discard(reason string) {
	log.WithField("device", s.deviceID).Debugf("auth: dropping stored session: %s", reason)
	if err := s.storage.Remove(SessionKey); err != nil {
		log.WithError(err).Warn("auth: remove stored session failed")
	}
}

// Subscribe registers fn for identity changes, delivered in order.
func (s *Session) Subscribe(fn func(*types.Identity)) func() {
	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subsMu.Unlock()

	return func() {
		s.subsMu.Lock()
		delete(s.subs, id)
		s.subsMu.Unlock()
	}
}

func (s *Session) publish(identity *types.Identity) {
	s.subsMu.Lock()
	fns := make([]func(*types.Identity), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subsMu.Unlock()
	for _, fn := range fns {
		fn(identity)
	}
}

func (s *Session) SignUp(ctx context.Context, in SignUpInput) (*types.Identity, error) {
	user, err := s.accounts.SignUp(ctx, s.deviceID, in)
	if err != nil {
		return nil, err
	}
	return s.establish(user)
}

func (s *Session) SignIn(ctx context.Context, email, password string) (*types.Identity, error) {
	user, err := s.accounts.SignIn(ctx, s.deviceID, email, password)
	if err != nil {
		return nil, err
	}
	return s.establish(user)
}

func (s *Session) SignOut() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.storage.Remove(SessionKey); err != nil {
		return fmt.Errorf("auth: sign out: %w", err)
	}
	s.publish(nil)
	return nil
}

// BeginOAuth returns the provider's consent URL and remembers the state.
func (s *Session) BeginOAuth(provider string) (string, error) {
	p, err := s.accounts.OAuthProvider(provider)
	if err != nil {
		return "", err
	}
	state, err := utils.GenerateSecureToken(16)
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(storedState{Provider: p.Name, State: state})
	if err != nil {
		return "", err
	}
	if err := s.storage.Set(OAuthStateKey, string(raw)); err != nil {
		return "", fmt.Errorf("auth: persist oauth state: %w", err)
	}
	return p.AuthCodeURL(state), nil
}

// CompleteOAuth finishes the redirect flow started by BeginOAuth. The stored
// state is single use.
func (s *Session) CompleteOAuth(ctx context.Context, provider, state, code string) (*types.Identity, error) {
	raw, ok := s.storage.Get(OAuthStateKey)
	if !ok {
		return nil, ErrOAuthState
	}
	if err := s.storage.Remove(OAuthStateKey); err != nil {
		log.WithError(err).Warn("auth: remove oauth state failed")
	}
	var stored storedState
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return nil, ErrOAuthState
	}
	if stored.Provider != provider || state == "" || !utils.SecureCompare(stored.State, state) {
		return nil, ErrOAuthState
	}

	user, err := s.accounts.OAuthLogin(ctx, provider, code)
	if err != nil {
		return nil, err
	}
	return s.establish(user)
}

func (s *Session) establish(user types.User) (*types.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := json.Marshal(storedSession{UserID: user.ID.String(), Token: s.accounts.IssueToken(user.ID)})
	if err != nil {
		return nil, err
	}
	if err := s.storage.Set(SessionKey, string(raw)); err != nil {
		return nil, fmt.Errorf("auth: persist session: %w", err)
	}
	identity := user.Identity()
	s.publish(identity)
	return identity, nil
}
