// Package sqlscope translates credit.Query scopes into SQL shared by the
// SQLite and PostgreSQL stores.
package sqlscope

import (
	"fmt"
	"strings"
	"time"

	"github.com/warp/credit-engine/credit"
)

// Columns is the select list matching Scan order in both stores.
const Columns = `id, subject_type, subject_id, credit_type, kind, amount,
	expires_at, created_at, updated_at, notes, cart_item_id, subscription_item_id`

// Dialect captures the differences between SQL backends.
type Dialect struct {
	// Placeholder returns the bind marker for the n-th argument (1-based).
	Placeholder func(n int) string

	// Time converts an instant into a bind argument.
	Time func(t time.Time) any
}

// Builder accumulates conditions and their arguments.
type Builder struct {
	d     Dialect
	conds []string
	args  []any
}

func New(d Dialect) *Builder { return &Builder{d: d} }

// Arg registers a bind argument and returns its placeholder.
func (b *Builder) Arg(v any) string {
	b.args = append(b.args, v)
	return b.d.Placeholder(len(b.args))
}

// Where adds a condition. Use Arg inside cond for every bound value.
func (b *Builder) Where(cond string) { b.conds = append(b.conds, cond) }

// Args returns the bind arguments in placeholder order.
func (b *Builder) Args() []any { return b.args }

// Clause renders " WHERE ..." or an empty string.
func (b *Builder) Clause() string {
	if len(b.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(b.conds, " AND ")
}

// Find renders the full SELECT for q.
func Find(d Dialect, table string, q credit.Query) (string, []any) {
	b := New(d)
	if !q.Subject.IsZero() {
		b.Where("subject_type = " + b.Arg(q.Subject.Type))
		b.Where("subject_id = " + b.Arg(q.Subject.ID))
	}
	if q.CreditType != "" {
		b.Where("credit_type = " + b.Arg(q.CreditType))
	}
	if len(q.Kinds) > 0 {
		marks := make([]string, len(q.Kinds))
		for i, k := range q.Kinds {
			marks[i] = b.Arg(string(k))
		}
		b.Where("kind IN (" + strings.Join(marks, ", ") + ")")
	}
	if q.CreatedFrom != nil {
		b.Where("created_at >= " + b.Arg(d.Time(*q.CreatedFrom)))
	}
	if q.CreatedBefore != nil {
		b.Where("created_at < " + b.Arg(d.Time(*q.CreatedBefore)))
	}
	if q.ActiveAt != nil {
		b.Where("(expires_at IS NULL OR expires_at > " + b.Arg(d.Time(*q.ActiveAt)) + ")")
	}

	order := "created_at ASC, id ASC"
	if q.Newest {
		order = "created_at DESC, id DESC"
	}
	query := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY %s", Columns, table, b.Clause(), order)
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}
	return query, b.Args()
}

// Question is the "?" placeholder style.
func Question(int) string { return "?" }

// Dollar is the "$n" placeholder style.
func Dollar(n int) string { return fmt.Sprintf("$%d", n) }
