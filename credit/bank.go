/*
bank.go - FIFO expiry replay

PURPOSE:
  Rebuilds a balance from ledger entries while honouring grant expiry.
  Usage draws from the grant that expires soonest, so credits that are about
  to lapse are consumed first and later-expiring credits survive.

ALGORITHM (per entry, ascending CreatedAt then ID):
  1. Drop every bucket whose expiry <= entry.CreatedAt
  2. Grant with expiry:    add to the bucket for that expiry
     Grant without expiry: add to Unexpiring
  3. Usage: draw from the soonest bucket first, removing exhausted buckets;
     whatever is left comes out of Unexpiring (which may go negative)

EXAMPLE:
  +100 expiring in 1 week, +200 expiring in 2 weeks, -130 now

  Buckets after replay: [{+2w, 170}]   (the 1-week bucket is fully drawn)
  Balance now:          170
  Balance after 1 week: 170            (nothing left to expire)
  Balance after 2 weeks: 0
*/
package credit

import (
	"sort"
	"time"
)

// Bucket accumulates grant amounts sharing one expiry instant.
type Bucket struct {
	Expiry time.Time `json:"expiry"`
	Amount int64     `json:"amount"`
}

// Bank is the replay state as of a point in time. Buckets are kept sorted
// by ascending expiry.
type Bank struct {
	Unexpiring int64    `json:"unexpiring"`
	Buckets    []Bucket `json:"buckets"`
}

// Replay builds a bank from entries. Entries are sorted by (CreatedAt, ID)
// before replay, so callers may pass them in any order.
func Replay(entries []Entry) Bank {
	var b Bank
	b.ApplyAll(entries)
	return b
}

// ApplyAll applies entries in replay order.
func (b *Bank) ApplyAll(entries []Entry) {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	SortEntries(sorted)
	for _, e := range sorted {
		b.Apply(e)
	}
}

// Apply replays a single entry on top of the bank.
func (b *Bank) Apply(e Entry) {
	// Grants that lapsed before this event must not be available to it.
	b.DropExpired(e.CreatedAt)

	switch {
	case e.Amount > 0 && e.ExpiresAt != nil:
		b.addToBucket(*e.ExpiresAt, e.Amount)
	case e.Amount > 0:
		b.Unexpiring += e.Amount
	case e.Amount < 0:
		b.draw(-e.Amount)
	}
}

// DropExpired removes every bucket whose expiry is at or before t.
func (b *Bank) DropExpired(t time.Time) {
	i := 0
	for i < len(b.Buckets) && !b.Buckets[i].Expiry.After(t) {
		i++
	}
	if i > 0 {
		b.Buckets = append(b.Buckets[:0:0], b.Buckets[i:]...)
	}
}

// Total returns the spendable balance.
func (b Bank) Total() int64 {
	total := b.Unexpiring
	for _, bucket := range b.Buckets {
		total += bucket.Amount
	}
	return total
}

// Clone returns a deep copy so replaying on top of it leaves b untouched.
func (b Bank) Clone() Bank {
	out := Bank{Unexpiring: b.Unexpiring}
	if len(b.Buckets) > 0 {
		out.Buckets = make([]Bucket, len(b.Buckets))
		copy(out.Buckets, b.Buckets)
	}
	return out
}

func (b *Bank) addToBucket(expiry time.Time, amount int64) {
	i := sort.Search(len(b.Buckets), func(i int) bool {
		return !b.Buckets[i].Expiry.Before(expiry)
	})
	if i < len(b.Buckets) && b.Buckets[i].Expiry.Equal(expiry) {
		b.Buckets[i].Amount += amount
		return
	}
	b.Buckets = append(b.Buckets, Bucket{})
	copy(b.Buckets[i+1:], b.Buckets[i:])
	b.Buckets[i] = Bucket{Expiry: expiry, Amount: amount}
}

func (b *Bank) draw(deficit int64) {
	for deficit > 0 && len(b.Buckets) > 0 {
		head := &b.Buckets[0]
		if head.Amount > deficit {
			head.Amount -= deficit
			return
		}
		deficit -= head.Amount
		b.Buckets = b.Buckets[1:]
	}
	b.Unexpiring -= deficit
}

// SortEntries orders entries by ascending (CreatedAt, ID).
func SortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.Before(entries[j].CreatedAt)
		}
		return entries[i].ID < entries[j].ID
	})
}
