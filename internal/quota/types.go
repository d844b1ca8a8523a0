// Package quota decides whether a device may generate prompts or browse the
// gallery. Anonymous devices are limited by advisory counters kept in device
// storage; signed-in users spend credits from the server-side ledger, which is the
// only authoritative limit.
package quota

import (
	"context"
	"time"

	"github.com/google/uuid"

	"vibe_prompt_server/internal/types"
)

const (
	// StorageKey is the device storage key holding the anonymous counters.
	StorageKey = "vibe_anonymous_limits"

	MaxAnonymousGenerations = 3
	MaxAnonymousViews       = 3
)

// AnonymousRecord is the anonymous usage counter pair. It does not clamp itself;
// the Facade enforces the ceilings.
type AnonymousRecord struct {
	GenerationsUsed int       `json:"generations"`
	ViewsUsed       int       `json:"views"`
	LastUpdated     time.Time `json:"lastUpdated"`
}

// Mode tells which backing store currently answers quota questions.
type Mode int

const (
	ModeLoading Mode = iota
	ModeAnonymous
	ModeAuthenticated
)

func (m Mode) String() string {
	switch m {
	case ModeAnonymous:
		return "anonymous"
	case ModeAuthenticated:
		return "authenticated"
	default:
		return "loading"
	}
}

// Decision is computed per question and never stored.
type Decision struct {
	Allowed   bool `json:"allowed"`
	Remaining int  `json:"remaining"`
}

// Status is a point-in-time view of the facade for API responses.
type Status struct {
	Mode                 string `json:"mode"`
	CanGenerate          bool   `json:"can_generate"`
	CanView              bool   `json:"can_view"`
	RemainingGenerations int    `json:"remaining_generations"`
	RemainingViews       *int   `json:"remaining_views,omitempty"` // nil when unbounded
	TotalCreditsUsed     *int   `json:"total_credits_used,omitempty"`
}

// LedgerBackend is the datastore surface the ledger needs. FetchCredits returns
// (nil, nil) when the user has no ledger row.
type LedgerBackend interface {
	FetchCredits(ctx context.Context, userID uuid.UUID) (*types.CreditBalance, error)
	DeductCredit(ctx context.Context, userID uuid.UUID) (bool, error)
}
