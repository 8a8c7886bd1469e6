package memory

import (
	"context"
	"testing"

	"github.com/seacat-auth/seacatauth/pkg/crypto"
	"github.com/seacat-auth/seacatauth/storage"
	"github.com/seacat-auth/seacatauth/storage/storagetest"
)

func TestStore(t *testing.T) {
	cipher := crypto.NewCipher("test-key-material")

	newStore := func() storage.Store {
		return New(cipher, nil)
	}
	storagetest.RunTests(t, newStore)
}

func TestSetEncryptedRoundTripsThroughGetBy(t *testing.T) {
	cipher := crypto.NewCipher("test-key-material")
	s := New(cipher, nil)
	ctx := context.Background()

	id, _, err := s.Upsertor("sessions").
		SetEncrypted("access_token", []byte("super-secret-token-value")).
		Execute(ctx)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	var out struct {
		AccessToken string `json:"access_token"`
	}
	if err := s.Get(ctx, "sessions", id, &out); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if out.AccessToken == "super-secret-token-value" {
		t.Error("stored value was not encrypted at rest")
	}

	if err := s.GetBy(ctx, "sessions", "access_token", "super-secret-token-value", &out); err != nil {
		t.Fatalf("GetBy on encrypted field: %v", err)
	}
}
