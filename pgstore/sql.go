package pgstore

import (
	"fmt"
	"strings"

	"github.com/domonda/go-types/notnull"
	"github.com/domonda/go-types/uu"

	"github.com/domonda/go-pollqueue"
)

// query collects SQL fragments with $n placeholders
// for the arguments appended to args.
type query struct {
	args []any
}

func (q *query) arg(val any) string {
	q.args = append(q.args, val)
	return fmt.Sprintf("$%d", len(q.args))
}

// where returns the SQL condition for all non empty fields of f.
func (q *query) where(f pollqueue.Filter) string {
	var conds []string
	if len(f.IDs) > 0 {
		conds = append(conds, "id = any("+q.arg(uu.IDs(f.IDs))+"::uuid[])")
	}
	if len(f.Names) > 0 {
		conds = append(conds, "name = any("+q.arg(notnull.StringArray(f.Names))+"::text[])")
	}
	if f.Key != "" {
		conds = append(conds, `"key" = `+q.arg(f.Key))
	}
	if f.GroupKey != "" {
		conds = append(conds, "group_key = "+q.arg(f.GroupKey))
	}
	if len(f.Statuses) > 0 {
		statuses := make(notnull.StringArray, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		conds = append(conds, "status = any("+q.arg(statuses)+"::text[])")
	}
	if !f.CreatedSince.IsZero() {
		conds = append(conds, "created_on >= "+q.arg(f.CreatedSince))
	}
	if len(conds) == 0 {
		return "true"
	}
	return strings.Join(conds, " and ")
}

// set returns the SQL assignments for u.
// Columns written by EndTime take precedence over Reset.
func (q *query) set(u pollqueue.Update) string {
	var (
		cols  []string
		exprs = make(map[string]string)
	)
	assign := func(col, expr string) {
		if _, ok := exprs[col]; !ok {
			cols = append(cols, col)
		}
		exprs[col] = expr
	}

	assign("status", q.arg(string(u.Status)))
	if u.Reset {
		assign("start_time", "null")
		assign("end_time", "null")
		assign("duration", "0")
		assign("error", "null")
		assign("result", "null")
	}
	if u.IncRetryCount {
		assign("retry_count", "retry_count + 1")
	}
	if !u.RunAfter.IsZero() {
		assign("run_after", q.arg(u.RunAfter))
	}
	if !u.EndTime.IsZero() {
		assign("end_time", q.arg(u.EndTime))
		assign("duration", q.arg(int64(u.Duration)))
		assign("error", q.arg(u.Error))
		assign("result", q.arg(u.Result))
	}

	var b strings.Builder
	for i, col := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(col)
		b.WriteString(" = ")
		b.WriteString(exprs[col])
	}
	return b.String()
}
