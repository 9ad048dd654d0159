/*
proration.go - Early termination of a grant

PURPOSE:
  When a subscription is cancelled or changed mid-period, its grant is cut
  down to the share of the period that actually elapsed and closed.

ALGORITHM:
  period   = minutes(createdAt, createdAt + 1 calendar month, day clamped)
  elapsed  = minutes(createdAt, end)
  prorated = round(amount * elapsed / period), half away from zero
  amount   = min(amount, prorated)
  then expire the entry at end

  The period depends on the month the grant started in: a grant created
  on April 1 spans 30 days, one created on January 31 ends on February 28.

EXAMPLE:
  +300 created 2026-04-01 00:00, prorated to 2026-04-02 00:00
  period = 43200, elapsed = 1440, amount = 10
*/
package credit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/credit-engine/observability"
)

// ProrationService shrinks and closes grants.
type ProrationService struct {
	ledger *Ledger
}

// Proration returns the ledger's proration service.
func (l *Ledger) Proration() *ProrationService {
	return &ProrationService{ledger: l}
}

// ProratedAmount returns the share of e's amount earned by end. It never
// exceeds the original amount.
func ProratedAmount(e Entry, end time.Time) int64 {
	period := MinutesBetween(e.CreatedAt, AddMonthsNoOverflow(e.CreatedAt, 1))
	if period <= 0 {
		return e.Amount
	}
	elapsed := MinutesBetween(e.CreatedAt, end)

	prorated := decimal.NewFromInt(e.Amount).
		Mul(decimal.NewFromInt(elapsed)).
		Div(decimal.NewFromInt(period)).
		Round(0).
		IntPart()
	if prorated > e.Amount {
		return e.Amount
	}
	return prorated
}

// prorationNote is the prefix of the audit note left on a prorated grant.
const prorationNote = "Prorated from "

// ProrateTo shrinks the grant to the part of its period elapsed by end and
// expires it at end. Calling it again with the same end returns the entry
// unchanged. end is kept to microseconds, the precision every store
// persists.
func (p *ProrationService) ProrateTo(ctx context.Context, id EntryID, end time.Time) (*Entry, error) {
	l := p.ledger
	e, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	end = end.Truncate(time.Microsecond)
	if proratedTo(*e, end) {
		return e, nil
	}
	if e.ExpiredAt(l.clock()) {
		return nil, fmt.Errorf("%w: entry %d expired at %s",
			ErrProrationOnClosedEntry, e.ID, e.ExpiresAt.Format(time.RFC3339))
	}
	if end.Before(e.CreatedAt) {
		return nil, &InvalidExpiryError{EntryID: e.ID, CreatedAt: e.CreatedAt, ExpiresAt: end}
	}
	if !e.IsGrant() {
		return nil, fmt.Errorf("%w: entry %d is not a grant", ErrInvalidAmount, e.ID)
	}

	amount := ProratedAmount(*e, end)
	notes := appendNote(e.Notes, fmt.Sprintf(prorationNote+"%d to %d credits, ending %s.",
		e.Amount, amount, end.UTC().Format(time.RFC3339)))

	if l.touchesPast(*e) {
		l.invalidate(ctx, *e)
	}

	now := l.clock()
	if err := l.store.Shrink(ctx, e.ID, amount, notes, now); err != nil {
		return nil, fmt.Errorf("failed to shrink entry %d: %w", e.ID, err)
	}
	l.logger.Info("grant prorated",
		"entry_id", e.ID, "subject", e.Subject.String(), "credit_type", e.CreditType,
		"from", e.Amount, "to", amount, "end", end)
	e.Amount = amount
	e.Notes = notes
	e.UpdatedAt = now
	observability.Prorations.Inc()

	return l.expire(ctx, e, end)
}

// proratedTo reports whether e was already prorated to end. A grant whose
// natural expiry equals end carries no proration note and still shrinks.
func proratedTo(e Entry, end time.Time) bool {
	if e.ExpiresAt == nil || !e.ExpiresAt.Truncate(time.Microsecond).Equal(end) {
		return false
	}
	return strings.Contains(e.Notes, prorationNote) &&
		strings.Contains(e.Notes, "ending "+end.UTC().Format(time.RFC3339)+".")
}

func appendNote(notes, note string) string {
	if strings.TrimSpace(notes) == "" {
		return note
	}
	return notes + "\n" + note
}
