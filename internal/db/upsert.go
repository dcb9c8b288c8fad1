package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// BulkUpsert merges rows into table, keyed on conflictKeys. Rows are
// COPYed into a session temp table and folded into the target with
// INSERT ... ON CONFLICT DO UPDATE, so re-importing the same batch is
// idempotent: conflicting rows take the incoming values for every
// non-key column. Used by the intake import path.
func BulkUpsert(ctx context.Context, pool Pool, table string, columns, conflictKeys []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	mergeSQL, err := buildMergeSQL(table, columns, conflictKeys)
	if err != nil {
		return 0, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "db: upsert: begin tx")
	}
	defer tx.Rollback(ctx)

	staging := stagingName(table)
	createSQL := fmt.Sprintf(
		"CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		pgx.Identifier{staging}.Sanitize(),
		pgx.Identifier{table}.Sanitize(),
	)
	if _, err := tx.Exec(ctx, createSQL); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: create staging table for %s", table)
	}

	if _, err := tx.CopyFrom(ctx, pgx.Identifier{staging}, columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: COPY into staging table for %s", table)
	}

	tag, err := tx.Exec(ctx, mergeSQL)
	if err != nil {
		return 0, eris.Wrapf(err, "db: upsert: merge into %s", table)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "db: upsert: commit tx")
	}
	return tag.RowsAffected(), nil
}

// buildMergeSQL renders the staging-to-target merge statement.
func buildMergeSQL(table string, columns, conflictKeys []string) (string, error) {
	if len(columns) == 0 {
		return "", eris.Errorf("db: upsert into %s: no columns specified", table)
	}
	if len(conflictKeys) == 0 {
		return "", eris.Errorf("db: upsert into %s: no conflict keys specified", table)
	}

	keySet := make(map[string]bool, len(conflictKeys))
	for _, k := range conflictKeys {
		keySet[k] = true
	}
	var assignments []string
	for _, col := range columns {
		if keySet[col] {
			continue
		}
		q := pgx.Identifier{col}.Sanitize()
		assignments = append(assignments, fmt.Sprintf("%s = EXCLUDED.%s", q, q))
	}
	if len(assignments) == 0 {
		return "", eris.Errorf("db: upsert into %s: every column is a conflict key", table)
	}

	colList := identList(columns)
	return fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) DO UPDATE SET %s",
		pgx.Identifier{table}.Sanitize(),
		colList,
		colList,
		pgx.Identifier{stagingName(table)}.Sanitize(),
		identList(conflictKeys),
		strings.Join(assignments, ", "),
	), nil
}

func stagingName(table string) string {
	return "_staging_" + table
}

func identList(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
