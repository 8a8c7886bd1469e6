//go:build cgo
// +build cgo

package sql

import (
	"database/sql"
	"reflect"
	"testing"
)

func TestEncoderDecoderRoundTrip(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if _, err := db.Exec(`create table foo ( id integer primary key, bar blob );`); err != nil {
		t.Fatal(err)
	}

	want := []string{"sessions", "clients"}
	if _, err := db.Exec(`insert into foo (id, bar) values (1, ?);`, encoder(want)); err != nil {
		t.Fatal(err)
	}

	var got []string
	if err := db.QueryRow(`select bar from foo where id = 1;`).Scan(decoder(&got)); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}
