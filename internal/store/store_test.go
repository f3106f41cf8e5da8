package store

import (
	"testing"

	"github.com/jackc/pgx/v5"
)

// scan relies on Rows and Row both satisfying the scannable interface;
// this is a compile-time check that both pgx types still do.
var (
	_ scannable = pgx.Row(nil)
	_ scannable = pgx.Rows(nil)
)

func TestSchemaStatementsNonEmpty(t *testing.T) {
	if len(schemaStatements) == 0 {
		t.Fatal("schemaStatements must not be empty")
	}
	for i, stmt := range schemaStatements {
		if stmt == "" {
			t.Errorf("schemaStatements[%d] is empty", i)
		}
	}
}
