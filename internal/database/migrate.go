package database

import (
	"database/sql"
	"fmt"
	"io/fs"
	"sort"

	"github.com/trainerdesk/billing/internal/logging"

	schema "github.com/trainerdesk/billing/internal/database/sql"
)

// ApplySchema executes the embedded schema files in lexical order.
// All statements are idempotent (IF NOT EXISTS), so re-running is safe.
func ApplySchema(db *sql.DB, logger logging.Logger) error {
	entries, err := fs.Glob(schema.Content, "schema/*.sql")
	if err != nil {
		return fmt.Errorf("failed to list schema files: %w", err)
	}
	sort.Strings(entries)

	for _, name := range entries {
		content, err := fs.ReadFile(schema.Content, name)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", name, err)
		}
		if _, err := db.Exec(string(content)); err != nil {
			return fmt.Errorf("failed to apply %s: %w", name, err)
		}
		logger.WithField("schema_file", name).Debug("Applied schema file")
	}

	return nil
}
