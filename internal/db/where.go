package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// where accumulates AND-ed conditions with bound arguments. Column names are
// always literals from this package.
type where struct {
	clauses []string
	args    []any
}

// in adds "col IN (...)". A nil slice adds nothing; an empty one matches no rows.
func (w *where) in(col string, ids []int64) {
	if ids == nil {
		return
	}
	if len(ids) == 0 {
		w.clauses = append(w.clauses, "1=0")
		return
	}
	w.clauses = append(w.clauses, col+" IN ("+placeholders(len(ids))+")")
	for _, id := range ids {
		w.args = append(w.args, id)
	}
}

// inStrings is in for text columns.
func (w *where) inStrings(col string, values []string) {
	if values == nil {
		return
	}
	if len(values) == 0 {
		w.clauses = append(w.clauses, "1=0")
		return
	}
	w.clauses = append(w.clauses, col+" IN ("+placeholders(len(values))+")")
	for _, v := range values {
		w.args = append(w.args, v)
	}
}

// inSelect adds "col IN (<sub> IN (...))" where sub is a SELECT ending in a column.
func (w *where) inSelect(col, sub string, ids []int64) {
	if ids == nil {
		return
	}
	if len(ids) == 0 {
		w.clauses = append(w.clauses, "1=0")
		return
	}
	w.clauses = append(w.clauses, col+" IN ("+sub+" IN ("+placeholders(len(ids))+"))")
	for _, id := range ids {
		w.args = append(w.args, id)
	}
}

func (w *where) eq(col string, v any) {
	w.clauses = append(w.clauses, col+" = ?")
	w.args = append(w.args, v)
}

func (w *where) raw(clause string, args ...any) {
	w.clauses = append(w.clauses, clause)
	w.args = append(w.args, args...)
}

func (w *where) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func flagIDs(flags []Flag) []int64 {
	if flags == nil {
		return nil
	}
	out := make([]int64, len(flags))
	for i, f := range flags {
		out[i] = int64(f)
	}
	return out
}

// queryRows runs query and scans every row with scan.
func queryRows[T any](ctx context.Context, tx *Tx, query string, args []any, scan func(*sql.Rows) (T, error)) ([]T, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (tx *Tx) int64s(ctx context.Context, query string, args ...any) ([]int64, error) {
	return queryRows(ctx, tx, query, args, func(rows *sql.Rows) (int64, error) {
		var id int64
		err := rows.Scan(&id)
		return id, err
	})
}

func (tx *Tx) execIn(ctx context.Context, query, col string, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	w := where{}
	w.in(col, ids)
	res, err := tx.ExecContext(ctx, query+w.String(), w.args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
