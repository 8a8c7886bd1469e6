//go:build cgo
// +build cgo

package sql

import (
	"testing"

	"github.com/seacat-auth/seacatauth/pkg/crypto"
	"github.com/seacat-auth/seacatauth/storage"
	"github.com/seacat-auth/seacatauth/storage/storagetest"
)

func TestSQLite3Store(t *testing.T) {
	cipher := crypto.NewCipher("test-key-material")

	newStore := func() storage.Store {
		s := &SQLite3{File: ":memory:"}
		c, err := s.open(nil, cipher)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		return c
	}
	storagetest.RunTests(t, newStore)
}
