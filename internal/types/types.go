package types

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Identity is the signed-in user as seen by the device session.
type Identity struct {
	ID       uuid.UUID         `json:"id"`
	Email    string            `json:"email"`
	Metadata map[string]string `json:"metadata,omitempty"` // e.g., "username", "avatar_url"
}

// Username returns the display name carried in the session metadata, falling back
// to the local part of the email address.
func (i *Identity) Username() string {
	if i == nil {
		return ""
	}
	if name := strings.TrimSpace(i.Metadata["username"]); name != "" {
		return name
	}
	if at := strings.Index(i.Email, "@"); at > 0 {
		return i.Email[:at]
	}
	return ""
}

// AvatarURL returns the avatar reference from session metadata, if any.
func (i *Identity) AvatarURL() string {
	if i == nil {
		return ""
	}
	return strings.TrimSpace(i.Metadata["avatar_url"])
}

// User is an account row.
type User struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	Username     string    `json:"username"`
	AvatarURL    string    `json:"avatar_url,omitempty"`
	PasswordHash string    `json:"-"` // empty for OAuth-only accounts
	CreatedAt    time.Time `json:"created_at"`
}

// Identity converts the account into a session identity.
func (u User) Identity() *Identity {
	meta := map[string]string{}
	if u.Username != "" {
		meta["username"] = u.Username
	}
	if u.AvatarURL != "" {
		meta["avatar_url"] = u.AvatarURL
	}
	return &Identity{ID: u.ID, Email: u.Email, Metadata: meta}
}

// Profile is the public profile row upserted on every session change.
type Profile struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email,omitempty"`
	Username  string    `json:"username,omitempty"`
	AvatarURL string    `json:"avatar_url,omitempty"`
}

// CreditBalance is one row of the server-side credit ledger.
type CreditBalance struct {
	UserID           uuid.UUID `json:"user_id"`
	CreditsRemaining int       `json:"credits_remaining"`
	TotalCreditsUsed int       `json:"total_credits_used"`
}

// Prompt is a saved prompt in the gallery.
type Prompt struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Category  string    `json:"category"`
	Tags      []string  `json:"tags"`
	IsPublic  bool      `json:"is_public"`
	CreatedAt time.Time `json:"created_at"`
}

// PromptQuery selects which prompts a viewer may see.
type PromptQuery struct {
	ViewerID uuid.UUID // uuid.Nil for anonymous viewers: public prompts only
	Limit    int       // 0 means no limit
}
