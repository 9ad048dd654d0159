package credit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// BalanceUpdated is emitted after every mutating ledger call.
type BalanceUpdated struct {
	ID         uuid.UUID
	Subject    Subject
	CreditType string
	NewBalance int64
	Entry      Entry // the entry that caused the change
	At         time.Time
}

// Notifier receives balance notifications. Implementations must not block;
// the ledger calls them synchronously after the write committed.
type Notifier interface {
	BalanceUpdated(ctx context.Context, event BalanceUpdated)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, event BalanceUpdated)

func (f NotifierFunc) BalanceUpdated(ctx context.Context, event BalanceUpdated) { f(ctx, event) }

type nopNotifier struct{}

func (nopNotifier) BalanceUpdated(context.Context, BalanceUpdated) {}
