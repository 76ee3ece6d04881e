// Package migrations bundles the schema DDL and applies it in order.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"
)

// FS holds the bundled migration pairs in golang-migrate's naming scheme
// (NNNN_title.up.sql / NNNN_title.down.sql). cmd/daygent-migrate feeds it
// to golang-migrate for versioned up/down runs.
//
//go:embed sql/*.sql
var FS embed.FS

// Apply executes every bundled up migration in filename order. The DDL uses
// IF NOT EXISTS throughout, so reapplying against an existing schema is
// safe. Deployments that want versioned state and rollback run
// daygent-migrate instead.
func Apply(ctx context.Context, db *sql.DB) error {
	entries, err := FS.ReadDir("sql")
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".up.sql") {
			continue
		}
		raw, err := FS.ReadFile("sql/" + entry.Name())
		if err != nil {
			return err
		}
		if _, err := db.ExecContext(ctx, string(raw)); err != nil {
			return fmt.Errorf("apply %s: %w", entry.Name(), err)
		}
	}
	return nil
}
