//go:build !cgo
// +build !cgo

// This is a stub for the no CGO compilation (CGO_ENABLED=0)

package sql

import (
	"fmt"

	"github.com/seacat-auth/seacatauth/pkg/log"
	"github.com/seacat-auth/seacatauth/storage"
)

type SQLite3 struct {
	File string `json:"file"`
}

func (s *SQLite3) Open(logger log.Logger, encryptor storage.Encryptor) (storage.Store, error) {
	return nil, fmt.Errorf("binary was compiled with CGO_ENABLED=0, go-sqlite3 requires cgo to work")
}
