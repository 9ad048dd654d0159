package credit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/warp/credit-engine/observability"
)

// =============================================================================
// ENTRY OPTIONS
// =============================================================================

// EntryOption sets an optional attribute on an entry written by a Wallet.
type EntryOption func(*entryOptions)

type entryOptions struct {
	notes              string
	createdAt          *time.Time
	expiresAt          *time.Time
	cartItemID         string
	subscriptionItemID string
}

// WithNotes attaches a human-readable note.
func WithNotes(notes string) EntryOption {
	return func(o *entryOptions) { o.notes = notes }
}

// WithCreatedAt backdates the entry.
func WithCreatedAt(t time.Time) EntryOption {
	return func(o *entryOptions) { o.createdAt = &t }
}

// WithExpiresAt sets a grant's expiry.
func WithExpiresAt(t time.Time) EntryOption {
	return func(o *entryOptions) { o.expiresAt = &t }
}

// WithCartItem links the entry to the cart item that produced it.
func WithCartItem(id string) EntryOption {
	return func(o *entryOptions) { o.cartItemID = id }
}

// WithSubscriptionItem links the entry to the subscription item that produced it.
func WithSubscriptionItem(id string) EntryOption {
	return func(o *entryOptions) { o.subscriptionItemID = id }
}

// =============================================================================
// WALLET - One subject in one credit type
// =============================================================================

// Wallet is the ledger scoped to a subject and credit type. It memoizes the
// balance for a short time so repeated reads within one operation agree
// without another query; any write through the wallet drops the memo.
type Wallet struct {
	ledger     *Ledger
	subject    Subject
	creditType string

	mu     sync.Mutex
	memo   int64
	memoAt time.Time
	memoOK bool
}

func (w *Wallet) Subject() Subject   { return w.subject }
func (w *Wallet) CreditType() string { return w.creditType }

// Balance returns the wallet balance. It does not guarantee freshness
// against concurrent writers.
func (w *Wallet) Balance(ctx context.Context) (int64, error) {
	l := w.ledger
	now := l.clock()

	w.mu.Lock()
	if w.memoOK && l.balanceMemo > 0 && now.Sub(w.memoAt) < l.balanceMemo {
		balance := w.memo
		w.mu.Unlock()
		return balance, nil
	}
	w.mu.Unlock()

	balance, err := l.aggregator.Balance(ctx, w.subject, w.creditType)
	if err != nil {
		return 0, err
	}

	w.mu.Lock()
	w.memo, w.memoAt, w.memoOK = balance, now, true
	w.mu.Unlock()
	return balance, nil
}

// ClearCache drops the balance memo and the wallet's cached history.
func (w *Wallet) ClearCache(ctx context.Context) error {
	w.forgetMemo()
	return w.ledger.aggregator.ClearCache(ctx, w.subject, w.creditType)
}

func (w *Wallet) forgetMemo() {
	w.mu.Lock()
	w.memoOK = false
	w.mu.Unlock()
}

// CanSpend reports whether amount may be consumed.
func (w *Wallet) CanSpend(ctx context.Context, amount int64) (bool, error) {
	if w.ledger.policy.Allows(w.subject, w.creditType) {
		return true, nil
	}
	balance, err := w.Balance(ctx)
	if err != nil {
		return false, err
	}
	return balance >= amount, nil
}

// Add grants amount credits as a manual adjustment.
func (w *Wallet) Add(ctx context.Context, amount int64, opts ...EntryOption) (*Entry, error) {
	if amount < 0 {
		return nil, fmt.Errorf("%w: add %d", ErrInvalidAmount, amount)
	}
	return w.write(ctx, KindAdjustment, amount, opts)
}

// Remove takes amount credits away as a manual adjustment.
func (w *Wallet) Remove(ctx context.Context, amount int64, opts ...EntryOption) (*Entry, error) {
	if amount < 0 {
		return nil, fmt.Errorf("%w: remove %d", ErrInvalidAmount, amount)
	}
	if err := w.ensureSpendable(ctx, amount); err != nil {
		return nil, err
	}
	return w.write(ctx, KindAdjustment, -amount, opts)
}

// Spend records usage of amount credits.
//
// In per-event mode every call writes a new usage entry. In grouped mode
// the amount is subtracted from today's open usage entry with a locked
// relative update; notes and attributes are rejected in that mode because
// one entry aggregates many callers.
func (w *Wallet) Spend(ctx context.Context, amount int64, opts ...EntryOption) (*Entry, error) {
	if amount < 0 {
		return nil, fmt.Errorf("%w: spend %d", ErrInvalidAmount, amount)
	}
	l := w.ledger
	if l.groupUsage && len(opts) > 0 {
		return nil, fmt.Errorf("%w: notes and attributes cannot be attributed to a grouped usage entry", ErrInvalidConfiguration)
	}
	if err := w.ensureSpendable(ctx, amount); err != nil {
		return nil, err
	}

	var (
		e   *Entry
		err error
	)
	if l.groupUsage {
		e, err = w.spendGrouped(ctx, amount)
	} else {
		e, err = w.write(ctx, KindUsage, -amount, opts)
	}
	if err != nil {
		return e, err
	}
	observability.CreditsSpent.WithLabelValues(w.creditType).Add(float64(amount))
	return e, nil
}

func (w *Wallet) ensureSpendable(ctx context.Context, amount int64) error {
	ok, err := w.CanSpend(ctx, amount)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	available, err := w.Balance(ctx)
	if err != nil {
		return err
	}
	observability.InsufficientBalance.WithLabelValues(w.creditType).Inc()
	return &InsufficientBalanceError{
		Subject:    w.subject,
		CreditType: w.creditType,
		Available:  available,
		Requested:  amount,
	}
}

func (w *Wallet) write(ctx context.Context, kind Kind, amount int64, opts []EntryOption) (*Entry, error) {
	var o entryOptions
	for _, opt := range opts {
		opt(&o)
	}
	defer w.forgetMemo()

	return w.ledger.create(ctx, NewEntry{
		Subject:            w.subject,
		CreditType:         w.creditType,
		Kind:               kind,
		Amount:             amount,
		ExpiresAt:          o.expiresAt,
		CreatedAt:          o.createdAt,
		Notes:              o.notes,
		CartItemID:         o.cartItemID,
		SubscriptionItemID: o.subscriptionItemID,
	})
}

// =============================================================================
// GROUPED USAGE
// =============================================================================

func (w *Wallet) spendGrouped(ctx context.Context, amount int64) (*Entry, error) {
	l := w.ledger
	defer w.forgetMemo()

	open, err := w.openUsage(ctx)
	if err != nil {
		return nil, err
	}

	for attempt := 1; ; attempt++ {
		err = l.store.ApplyDelta(ctx, open.ID, -amount, l.clock())
		if err == nil {
			break
		}
		closed := errors.Is(err, ErrEntryClosed)
		if !closed && !IsRetryable(err) {
			return nil, fmt.Errorf("failed to decrement usage entry %d: %w", open.ID, err)
		}
		if attempt >= l.lockRetries {
			l.logger.Error("usage decrement retries exhausted",
				"entry_id", open.ID, "attempts", attempt, "error", err)
			return nil, fmt.Errorf("%w: usage entry %d still conflicting after %d attempts: %v",
				ErrStorage, open.ID, attempt, err)
		}

		if closed {
			// Expired between lookup and lock; the next spend goes to a fresh entry.
			l.logger.Debug("usage entry closed before decrement, reopening", "entry_id", open.ID)
			if open, err = w.openUsage(ctx); err != nil {
				return nil, err
			}
			continue
		}
		observability.LockRetries.Inc()
		l.logger.Warn("usage decrement conflicted, retrying", "entry_id", open.ID, "attempt", attempt)
	}

	e, err := l.store.Get(ctx, open.ID)
	if err != nil {
		return nil, err
	}
	observability.EntriesWritten.WithLabelValues(string(KindUsage)).Inc()
	l.logger.Debug("grouped usage decremented",
		"entry_id", e.ID, "subject", w.subject.String(), "credit_type", w.creditType,
		"delta", -amount, "amount", e.Amount)

	l.afterWrite(ctx, *e)
	return e, nil
}

// openUsage finds today's open usage entry, creating an empty one if none exists.
func (w *Wallet) openUsage(ctx context.Context) (*Entry, error) {
	l := w.ledger
	l.usageMu.Lock()
	defer l.usageMu.Unlock()

	if e, err := w.findOpenUsage(ctx); err != nil || e != nil {
		return e, err
	}

	now := l.clock()
	e := &Entry{
		Subject:    w.subject,
		CreditType: w.creditType,
		Kind:       KindUsage,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := l.store.Insert(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to open usage entry: %w", err)
	}
	l.logger.Debug("usage entry opened", "entry_id", e.ID, "subject", w.subject.String(), "credit_type", w.creditType)
	return e, nil
}

func (w *Wallet) findOpenUsage(ctx context.Context) (*Entry, error) {
	now := w.ledger.clock()
	today := StartOfDay(now, w.ledger.loc)
	found, err := w.ledger.store.Find(ctx, ForWallet(w.subject, w.creditType).
		OfKind(KindUsage).
		OnDay(today).
		Active(now).
		Latest(1))
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, nil
	}
	return &found[0], nil
}

// CurrentUsageEntry returns today's open usage entry in grouped mode. When
// none is open, or in per-event mode, it returns an unsaved zero-amount
// placeholder; check Persisted before relying on its ID.
func (w *Wallet) CurrentUsageEntry(ctx context.Context) (*Entry, error) {
	if w.ledger.groupUsage {
		e, err := w.findOpenUsage(ctx)
		if err != nil || e != nil {
			return e, err
		}
	}
	now := w.ledger.clock()
	return &Entry{
		Subject:    w.subject,
		CreditType: w.creditType,
		Kind:       KindUsage,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// CurrentSubscriptionEntry returns the latest unexpired subscription grant,
// or nil when there is none.
func (w *Wallet) CurrentSubscriptionEntry(ctx context.Context) (*Entry, error) {
	found, err := w.ledger.store.Find(ctx, ForWallet(w.subject, w.creditType).
		OfKind(KindSubscription).
		Active(w.ledger.clock()).
		Latest(1))
	if err != nil || len(found) == 0 {
		return nil, err
	}
	return &found[0], nil
}

// ExpireCurrentUsageEntries closes every open usage entry so the next spend
// starts a fresh one. It returns how many entries were closed.
func (w *Wallet) ExpireCurrentUsageEntries(ctx context.Context) (int, error) {
	l := w.ledger
	now := l.clock()
	open, err := l.store.Find(ctx, ForWallet(w.subject, w.creditType).OfKind(KindUsage).Active(now))
	if err != nil {
		return 0, err
	}
	defer w.forgetMemo()

	for i := range open {
		if _, err := l.expire(ctx, &open[i], now); err != nil {
			return i, err
		}
	}
	return len(open), nil
}

// SpentOnDate returns the credits used on the calendar day containing date.
func (w *Wallet) SpentOnDate(ctx context.Context, date time.Time) (int64, error) {
	return w.ledger.SpentOnDate(ctx, w.subject, w.creditType, date)
}

// Entries returns the wallet's audit trail.
func (w *Wallet) Entries(ctx context.Context) ([]Entry, error) {
	return w.ledger.store.Find(ctx, ForWallet(w.subject, w.creditType))
}
