package quota

import (
	"context"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"vibe_prompt_server/internal/types"
)

// Ledger reads and spends server-side credits. Errors never leave this type:
// they are logged and reported as "absent" or "not deducted".
type Ledger struct {
	backend LedgerBackend
}

func NewLedger(backend LedgerBackend) *Ledger {
	return &Ledger{backend: backend}
}

// Fetch returns the user's ledger row and whether one was found.
func (l *Ledger) Fetch(ctx context.Context, userID uuid.UUID) (types.CreditBalance, bool) {
	if l == nil || l.backend == nil {
		return types.CreditBalance{}, false
	}
	balance, err := l.backend.FetchCredits(ctx, userID)
	if err != nil {
		log.WithError(err).Warnf("quota: fetch credits failed (user=%s)", userID)
		return types.CreditBalance{}, false
	}
	if balance == nil {
		return types.CreditBalance{}, false
	}
	return *balance, true
}

// DecrementOne spends one credit using the datastore's atomic primitive.
func (l *Ledger) DecrementOne(ctx context.Context, userID uuid.UUID) bool {
	if l == nil || l.backend == nil {
		return false
	}
	ok, err := l.backend.DeductCredit(ctx, userID)
	if err != nil {
		log.WithError(err).Warnf("quota: deduct credit failed (user=%s)", userID)
		return false
	}
	return ok
}
