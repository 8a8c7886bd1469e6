//go:build cgo
// +build cgo

package sql

import (
	"database/sql"
	"testing"

	sqlite3 "github.com/mattn/go-sqlite3"
)

func TestMigrate(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	errCheck := func(err error) bool {
		sqlErr, ok := err.(sqlite3.Error)
		return ok && sqlErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	c := &conn{db: db, flavor: flavorSQLite3, alreadyExistsCheck: errCheck}

	n, err := c.migrate()
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if n != len(migrations) {
		t.Errorf("got %d migrations applied, want %d", n, len(migrations))
	}

	// Running migrate again must be a no-op.
	n, err = c.migrate()
	if err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if n != 0 {
		t.Errorf("got %d migrations applied on second run, want 0", n)
	}

	if _, err := c.Exec(`insert into documents (collection, id, version, created_at, data) values ('widgets', 'a', 1, now(), '{}');`); err != nil {
		t.Fatalf("insert into documents: %v", err)
	}
}
