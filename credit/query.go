package credit

import "time"

// =============================================================================
// QUERY SCOPES
// =============================================================================

// Query selects ledger entries. Zero fields don't filter.
type Query struct {
	Subject    Subject
	CreditType string
	Kinds      []Kind

	// CreatedFrom is inclusive, CreatedBefore is exclusive.
	CreatedFrom   *time.Time
	CreatedBefore *time.Time

	// ActiveAt keeps entries whose ExpiresAt is nil or after the instant.
	ActiveAt *time.Time

	// Newest reverses the order so the latest entry comes first.
	Newest bool

	// Limit caps the result size; 0 means no limit.
	Limit int
}

// ForWallet scopes the ledger to one subject and credit type.
func ForWallet(subject Subject, creditType string) Query {
	return Query{Subject: subject, CreditType: creditType}
}

// OfKind restricts the query to the given kinds.
func (q Query) OfKind(kinds ...Kind) Query {
	q.Kinds = append([]Kind(nil), kinds...)
	return q
}

// Before keeps entries created strictly before t.
func (q Query) Before(t time.Time) Query {
	q.CreatedBefore = &t
	return q
}

// Since keeps entries created at or after t.
func (q Query) Since(t time.Time) Query {
	q.CreatedFrom = &t
	return q
}

// OnDay keeps entries created within [dayStart, dayStart+1 day).
func (q Query) OnDay(dayStart time.Time) Query {
	return q.Since(dayStart).Before(dayStart.AddDate(0, 0, 1))
}

// Active keeps entries not yet expired at t.
func (q Query) Active(t time.Time) Query {
	q.ActiveAt = &t
	return q
}

// Latest orders newest first and keeps at most n entries.
func (q Query) Latest(n int) Query {
	q.Newest = true
	q.Limit = n
	return q
}

// Matches reports whether e satisfies every filter in q. Stores that cannot
// push filters down to the database use it directly.
func (q Query) Matches(e Entry) bool {
	if !q.Subject.IsZero() && e.Subject != q.Subject {
		return false
	}
	if q.CreditType != "" && e.CreditType != q.CreditType {
		return false
	}
	if len(q.Kinds) > 0 && !containsKind(q.Kinds, e.Kind) {
		return false
	}
	if q.CreatedFrom != nil && e.CreatedAt.Before(*q.CreatedFrom) {
		return false
	}
	if q.CreatedBefore != nil && !e.CreatedAt.Before(*q.CreatedBefore) {
		return false
	}
	if q.ActiveAt != nil && e.ExpiredAt(*q.ActiveAt) {
		return false
	}
	return true
}

func containsKind(kinds []Kind, k Kind) bool {
	for _, kind := range kinds {
		if kind == k {
			return true
		}
	}
	return false
}
