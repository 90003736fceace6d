package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
)

// VerifyIntegrity runs a read-only integrity check on the database at path.
// Mode "full" uses PRAGMA integrity_check; anything else uses quick_check.
// Foreign key violations are reported as well. A healthy database yields nil.
func VerifyIntegrity(ctx context.Context, path, mode string) ([]string, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("stat database: %w", err)
	}

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro&_pragma=busy_timeout(2000)", path))
	if err != nil {
		return nil, fmt.Errorf("open %s read-only: %w", path, err)
	}
	defer db.Close()

	pragma := "PRAGMA quick_check"
	if mode == "full" {
		pragma = "PRAGMA integrity_check"
	}
	rows, err := queryStrings(ctx, db, pragma)
	if err != nil {
		return nil, err
	}

	var issues []string
	switch {
	case len(rows) == 0:
		issues = append(issues, "integrity check returned no rows")
	case len(rows) != 1 || !strings.EqualFold(rows[0], "ok"):
		issues = append(issues, rows...)
	}

	fk, err := db.QueryContext(ctx, "PRAGMA foreign_key_check")
	if err != nil {
		return nil, fmt.Errorf("foreign_key_check: %w", err)
	}
	defer fk.Close()
	for fk.Next() {
		var (
			table, parent string
			rowid         sql.NullInt64
			fkid          int
		)
		if err := fk.Scan(&table, &rowid, &parent, &fkid); err != nil {
			return nil, fmt.Errorf("scan foreign_key_check: %w", err)
		}
		issues = append(issues, fmt.Sprintf("foreign key violation: %s row %d references missing %s", table, rowid.Int64, parent))
	}
	if err := fk.Err(); err != nil {
		return nil, err
	}
	return issues, nil
}

func queryStrings(ctx context.Context, db *sql.DB, query string) ([]string, error) {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", query, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, errors.Join(fmt.Errorf("scan %s", query), err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
