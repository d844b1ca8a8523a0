package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
	"golang.org/x/oauth2/google"

	"vibe_prompt_server/internal/store"
	"vibe_prompt_server/internal/types"
	"vibe_prompt_server/internal/utils"
)

var ErrUnknownProvider = errors.New("auth: unknown oauth provider")

// OAuthUser is what a provider tells us about the person signing in.
type OAuthUser struct {
	Email     string
	Username  string
	AvatarURL string
}

type OAuthProvider struct {
	Name        string
	Config      *oauth2.Config
	UserInfoURL string
	// EmailsURL is consulted when the profile carries no public email.
	EmailsURL string
	parse     func(body []byte) OAuthUser
}

func callbackURL(base, name string) string {
	return strings.TrimRight(base, "/") + "/auth/oauth/" + name + "/callback"
}

func NewGoogleProvider(clientID, clientSecret, redirectBase string) *OAuthProvider {
	return &OAuthProvider{
		Name: "google",
		Config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     google.Endpoint,
			RedirectURL:  callbackURL(redirectBase, "google"),
			Scopes:       []string{"openid", "email", "profile"},
		},
		UserInfoURL: "https://www.googleapis.com/oauth2/v3/userinfo",
		parse: func(body []byte) OAuthUser {
			r := gjson.ParseBytes(body)
			return OAuthUser{
				Email:     r.Get("email").String(),
				Username:  r.Get("given_name").String(),
				AvatarURL: r.Get("picture").String(),
			}
		},
	}
}

func NewGitHubProvider(clientID, clientSecret, redirectBase string) *OAuthProvider {
	return &OAuthProvider{
		Name: "github",
		Config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     github.Endpoint,
			RedirectURL:  callbackURL(redirectBase, "github"),
			Scopes:       []string{"read:user", "user:email"},
		},
		UserInfoURL: "https://api.github.com/user",
		EmailsURL:   "https://api.github.com/user/emails",
		parse: func(body []byte) OAuthUser {
			r := gjson.ParseBytes(body)
			return OAuthUser{
				Email:     r.Get("email").String(),
				Username:  r.Get("login").String(),
				AvatarURL: r.Get("avatar_url").String(),
			}
		},
	}
}

func (p *OAuthProvider) AuthCodeURL(state string) string {
	return p.Config.AuthCodeURL(state, oauth2.AccessTypeOnline)
}

// FetchUser exchanges the authorization code and reads the user's profile.
func (p *OAuthProvider) FetchUser(ctx context.Context, code string) (OAuthUser, error) {
	tok, err := p.Config.Exchange(ctx, code)
	if err != nil {
		return OAuthUser{}, fmt.Errorf("auth: %s token exchange: %w", p.Name, err)
	}
	client := p.Config.Client(ctx, tok)

	body, err := getBody(ctx, client, p.UserInfoURL)
	if err != nil {
		return OAuthUser{}, fmt.Errorf("auth: %s user info: %w", p.Name, err)
	}
	user := p.parse(body)
	if user.Email == "" && p.EmailsURL != "" {
		emails, err := getBody(ctx, client, p.EmailsURL)
		if err != nil {
			return OAuthUser{}, fmt.Errorf("auth: %s emails: %w", p.Name, err)
		}
		user.Email = gjson.GetBytes(emails, `#(primary==true).email`).String()
	}
	if user.Email == "" {
		return OAuthUser{}, fmt.Errorf("auth: %s returned no email address", p.Name)
	}
	return user, nil
}

func getBody(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return body, nil
}

// OAuthProvider returns a configured provider by name.
func (a *Accounts) OAuthProvider(name string) (*OAuthProvider, error) {
	p, ok := a.oauth[strings.ToLower(name)]
	if !ok || p == nil {
		return nil, ErrUnknownProvider
	}
	return p, nil
}

// OAuthLogin signs in the provider's user, creating the account on first use.
func (a *Accounts) OAuthLogin(ctx context.Context, provider, code string) (types.User, error) {
	p, err := a.OAuthProvider(provider)
	if err != nil {
		return types.User{}, err
	}
	info, err := p.FetchUser(ctx, code)
	if err != nil {
		return types.User{}, err
	}
	email := strings.ToLower(strings.TrimSpace(info.Email))

	user, err := a.store.GetUserByEmail(ctx, email)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return types.User{}, fmt.Errorf("auth: lookup user: %w", err)
	}

	username, err := a.pickUsername(ctx, info.Username, email)
	if err != nil {
		return types.User{}, err
	}
	user, err = a.store.CreateUser(ctx, store.NewUser{
		Email:     email,
		Username:  username,
		AvatarURL: info.AvatarURL,
		Credits:   a.signupCredits,
	})
	if errors.Is(err, store.ErrDuplicate) {
		// created concurrently by another callback
		return a.store.GetUserByEmail(ctx, email)
	}
	if err != nil {
		return types.User{}, fmt.Errorf("auth: create user: %w", err)
	}
	return user, nil
}

var usernameInvalid = regexp.MustCompile(`[^a-z0-9_-]+`)

func (a *Accounts) pickUsername(ctx context.Context, preferred, email string) (string, error) {
	base := preferred
	if base == "" {
		base, _, _ = strings.Cut(email, "@")
	}
	base = usernameInvalid.ReplaceAllString(strings.ToLower(base), "_")
	if len(base) > 20 {
		base = base[:20]
	}
	if len(base) < 3 {
		base = "user_" + base
	}

	candidate := base
	for i := 0; i < 5; i++ {
		taken, err := a.store.UsernameTaken(ctx, candidate)
		if err != nil {
			return "", fmt.Errorf("auth: check username: %w", err)
		}
		if !taken && utils.IsValidUsername(candidate) {
			return candidate, nil
		}
		suffix, err := utils.GenerateSecureToken(2)
		if err != nil {
			return "", err
		}
		candidate = base
		if len(candidate) > 15 {
			candidate = candidate[:15]
		}
		candidate += "-" + suffix
	}
	return "", ErrUsernameTaken
}
