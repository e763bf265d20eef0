package reldb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// maxParams bounds the bind parameters of one statement. Multi-row inserts
// are split into chunks under it.
const maxParams = 999

// Row maps column names to values. Columns of the table that a row omits are
// written as NULL.
type Row map[string]any

// Tx is a relational write transaction.
type Tx struct {
	tx   *sql.Tx
	done bool
}

// Commit commits the transaction.
func (t *Tx) Commit() error {
	if t.done {
		return fmt.Errorf("transaction already finished")
	}
	t.done = true
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Rollback aborts the transaction. Rolling back a finished transaction is a
// no-op, so Rollback is safe to defer.
func (t *Tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Rollback(); err != nil {
		return fmt.Errorf("failed to roll back transaction: %w", err)
	}
	return nil
}

// DeferForeignKeys postpones foreign key checks until commit. It is only
// needed when rows of one batch reference each other (the jobs parent_job
// column) and cannot be ordered parents first.
func (t *Tx) DeferForeignKeys(ctx context.Context) error {
	if _, err := t.tx.ExecContext(ctx, "PRAGMA defer_foreign_keys = ON"); err != nil {
		return fmt.Errorf("failed to defer foreign keys: %w", err)
	}
	return nil
}

// Upsert writes rows into table with multi-row
// INSERT ... ON CONFLICT(key) DO UPDATE statements.
func (t *Tx) Upsert(ctx context.Context, table Table, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	for i, row := range rows {
		for col := range row {
			if !table.HasColumn(col) {
				return fmt.Errorf("row %d: unknown column %s.%s", i, table.Name, col)
			}
		}
		for _, k := range table.Key {
			if row[k] == nil {
				return fmt.Errorf("row %d: key column %s.%s is null", i, table.Name, k)
			}
		}
	}

	perStmt := maxParams / len(table.Columns)
	if perStmt < 1 {
		perStmt = 1
	}
	for start := 0; start < len(rows); start += perStmt {
		end := start + perStmt
		if end > len(rows) {
			end = len(rows)
		}
		query, args := upsertStatement(table, rows[start:end])
		if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to upsert %d rows into %s: %w", end-start, table.Name, err)
		}
	}
	return nil
}

func upsertStatement(table Table, rows []Row) (string, []any) {
	placeholder := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(table.Columns)), ", ") + ")"

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", table.Name, strings.Join(table.Columns, ", "))

	args := make([]any, 0, len(rows)*len(table.Columns))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(placeholder)
		for _, col := range table.Columns {
			args = append(args, row[col])
		}
	}

	fmt.Fprintf(&b, " ON CONFLICT(%s) ", strings.Join(table.Key, ", "))

	var sets []string
	for _, col := range table.Columns {
		if table.isKey(col) {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", col, col))
	}
	if len(sets) == 0 {
		b.WriteString("DO NOTHING")
	} else {
		b.WriteString("DO UPDATE SET ")
		b.WriteString(strings.Join(sets, ", "))
	}
	return b.String(), args
}

// DeleteByKeys deletes rows of a single-key table by key value. Child rows
// declared ON DELETE CASCADE go with them. Missing keys are ignored.
func (t *Tx) DeleteByKeys(ctx context.Context, table Table, keys []string) (int64, error) {
	if len(table.Key) != 1 {
		return 0, fmt.Errorf("table %s does not have a single-column key", table.Name)
	}
	values := make([]any, len(keys))
	for i, k := range keys {
		values[i] = k
	}
	return t.DeleteWhere(ctx, table, table.Key[0], values)
}

// DeleteWhere deletes rows of table whose column is one of values.
func (t *Tx) DeleteWhere(ctx context.Context, table Table, column string, values []any) (int64, error) {
	if !table.HasColumn(column) {
		return 0, fmt.Errorf("unknown column %s.%s", table.Name, column)
	}
	if len(values) == 0 {
		return 0, nil
	}

	var total int64
	for start := 0; start < len(values); start += maxParams {
		end := start + maxParams
		if end > len(values) {
			end = len(values)
		}
		chunk := values[start:end]
		query := fmt.Sprintf("DELETE FROM %s WHERE %s IN (%s)",
			table.Name, column, strings.TrimSuffix(strings.Repeat("?, ", len(chunk)), ", "))
		res, err := t.tx.ExecContext(ctx, query, chunk...)
		if err != nil {
			return total, fmt.Errorf("failed to delete from %s: %w", table.Name, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("failed to delete from %s: %w", table.Name, err)
		}
		total += n
	}
	return total, nil
}

// ReplaceChildren deletes every child row of the given parents and inserts
// rows in their place.
func (t *Tx) ReplaceChildren(ctx context.Context, child Table, parentColumn string, parents []string, rows []Row) error {
	values := make([]any, len(parents))
	for i, p := range parents {
		values[i] = p
	}
	if _, err := t.DeleteWhere(ctx, child, parentColumn, values); err != nil {
		return err
	}
	return t.Upsert(ctx, child, rows)
}
