// Package auth owns accounts, password and OAuth sign-in, and the per-device
// session that the quota layer observes.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"vibe_prompt_server/internal/store"
	"vibe_prompt_server/internal/types"
	"vibe_prompt_server/internal/utils"
)

var (
	ErrInvalidCredentials = errors.New("auth: invalid email or password")
	ErrRateLimited        = errors.New("auth: too many attempts, please wait a minute and try again")
	ErrEmailTaken         = errors.New("auth: an account with this email already exists")
	ErrUsernameTaken      = errors.New("auth: username is already taken")
	ErrInvalidToken       = errors.New("auth: invalid session token")
)

// ValidationError reports a rejected form field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("auth: %s: %s", e.Field, e.Message)
}

// AccountStore is the datastore surface used for accounts.
type AccountStore interface {
	CreateUser(ctx context.Context, u store.NewUser) (types.User, error)
	GetUserByEmail(ctx context.Context, email string) (types.User, error)
	GetUserByID(ctx context.Context, id uuid.UUID) (types.User, error)
	UsernameTaken(ctx context.Context, username string) (bool, error)
}

const defaultTokenTTL = 30 * 24 * time.Hour

type AccountsConfig struct {
	Secret        string
	SignupCredits int
	TokenTTL      time.Duration
	OAuth         map[string]*OAuthProvider
}

// Accounts is shared by every device session.
type Accounts struct {
	store         AccountStore
	secret        []byte
	signupCredits int
	tokenTTL      time.Duration
	oauth         map[string]*OAuthProvider

	signups *AttemptLimiter
	logins  *AttemptLimiter
	now     func() time.Time
}

func NewAccounts(st AccountStore, cfg AccountsConfig) (*Accounts, error) {
	if len(cfg.Secret) < 16 {
		return nil, fmt.Errorf("auth: session secret must be at least 16 bytes")
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaultTokenTTL
	}
	if cfg.OAuth == nil {
		cfg.OAuth = map[string]*OAuthProvider{}
	}
	return &Accounts{
		store:         st,
		secret:        []byte(cfg.Secret),
		signupCredits: cfg.SignupCredits,
		tokenTTL:      cfg.TokenTTL,
		oauth:         cfg.OAuth,
		signups:       NewAttemptLimiter(SignUpAttemptsPerMinute, DefaultLimiterKeys),
		logins:        NewAttemptLimiter(SignInAttemptsPerMinute, DefaultLimiterKeys),
		now:           time.Now,
	}, nil
}

type SignUpInput struct {
	Email           string `json:"email"`
	Username        string `json:"username"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirm_password"`
}

// SignUp creates a password account. limitKey scopes the attempt limiter,
// normally to the calling device.
func (a *Accounts) SignUp(ctx context.Context, limitKey string, in SignUpInput) (types.User, error) {
	if !a.signups.Allow(limitKey + ":signup") {
		return types.User{}, ErrRateLimited
	}

	email := strings.ToLower(strings.TrimSpace(in.Email))
	username := utils.SanitizeInput(strings.ToLower(strings.TrimSpace(in.Username)))

	if !utils.IsValidEmail(email) {
		return types.User{}, &ValidationError{Field: "email", Message: "invalid email address"}
	}
	if !utils.IsValidUsername(username) {
		return types.User{}, &ValidationError{Field: "username", Message: "use 3-20 letters, numbers, hyphens or underscores"}
	}
	if msg := passwordProblem(in.Password); msg != "" {
		return types.User{}, &ValidationError{Field: "password", Message: msg}
	}
	if in.Password != in.ConfirmPassword {
		return types.User{}, &ValidationError{Field: "confirm_password", Message: "passwords don't match"}
	}

	taken, err := a.store.UsernameTaken(ctx, username)
	if err != nil {
		return types.User{}, fmt.Errorf("auth: check username: %w", err)
	}
	if taken {
		return types.User{}, ErrUsernameTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return types.User{}, fmt.Errorf("auth: hash password: %w", err)
	}
	user, err := a.store.CreateUser(ctx, store.NewUser{
		Email:        email,
		Username:     username,
		PasswordHash: string(hash),
		Credits:      a.signupCredits,
	})
	if errors.Is(err, store.ErrDuplicate) {
		return types.User{}, ErrEmailTaken
	}
	if err != nil {
		return types.User{}, fmt.Errorf("auth: create user: %w", err)
	}
	log.WithField("user", user.ID).Info("auth: account created")
	return user, nil
}

// SignIn checks a password. Successful sign-in clears the attempt counter.
func (a *Accounts) SignIn(ctx context.Context, limitKey, email, password string) (types.User, error) {
	key := limitKey + ":login"
	if !a.logins.Allow(key) {
		return types.User{}, ErrRateLimited
	}
	email = strings.ToLower(strings.TrimSpace(email))
	if !utils.IsValidEmail(email) || password == "" || len(password) > utils.MaxPasswordLength {
		return types.User{}, ErrInvalidCredentials
	}

	user, err := a.store.GetUserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return types.User{}, ErrInvalidCredentials
	}
	if err != nil {
		return types.User{}, fmt.Errorf("auth: lookup user: %w", err)
	}
	if user.PasswordHash == "" {
		return types.User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return types.User{}, ErrInvalidCredentials
	}
	a.logins.Reset(key)
	return user, nil
}

// UsernameAvailable fails closed: lookup errors report unavailable.
func (a *Accounts) UsernameAvailable(ctx context.Context, username string) bool {
	username = utils.SanitizeInput(strings.ToLower(strings.TrimSpace(username)))
	if !utils.IsValidUsername(username) {
		return false
	}
	taken, err := a.store.UsernameTaken(ctx, username)
	if err != nil {
		log.WithError(err).Warn("auth: username availability lookup failed")
		return false
	}
	return !taken
}

// LookupUser resolves a user id from a verified token.
func (a *Accounts) LookupUser(ctx context.Context, id uuid.UUID) (types.User, error) {
	return a.store.GetUserByID(ctx, id)
}

// IssueToken returns "<user>.<expiry>.<hmac>".
func (a *Accounts) IssueToken(userID uuid.UUID) string {
	payload := userID.String() + "." + strconv.FormatInt(a.now().Add(a.tokenTTL).Unix(), 10)
	return payload + "." + a.sign(payload)
}

func (a *Accounts) VerifyToken(token string) (uuid.UUID, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return uuid.Nil, ErrInvalidToken
	}
	payload := parts[0] + "." + parts[1]
	if !utils.SecureCompare(a.sign(payload), parts[2]) {
		return uuid.Nil, ErrInvalidToken
	}
	expiry, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || a.now().Unix() > expiry {
		return uuid.Nil, ErrInvalidToken
	}
	id, err := uuid.Parse(parts[0])
	if err != nil || id == uuid.Nil {
		return uuid.Nil, ErrInvalidToken
	}
	return id, nil
}

func (a *Accounts) sign(payload string) string {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// passwordProblem returns the first reason the password is unacceptable for a
// new account, or "".
func passwordProblem(password string) string {
	if len(password) < utils.MinPasswordLength || len(password) > utils.MaxPasswordLength {
		return fmt.Sprintf("password must be %d-%d characters", utils.MinPasswordLength, utils.MaxPasswordLength)
	}
	for _, f := range utils.CheckPasswordStrength(password).Feedback {
		if strings.HasPrefix(f, "Add ") {
			return "password must contain uppercase, lowercase, number and special character"
		}
	}
	return ""
}
