package crypto

import (
	"strings"
	"testing"
)

func TestCipherEncryptDecryptRoundTrip(t *testing.T) {
	c := NewCipher("super-secret-key-material")

	for _, plaintext := range []string{"", "a", "hello world", strings.Repeat("x", 500)} {
		stored, err := c.Encrypt([]byte(plaintext))
		if err != nil {
			t.Fatalf("Encrypt(%q): %v", plaintext, err)
		}
		if !strings.HasPrefix(stored, Marker) {
			t.Fatalf("Encrypt(%q) result missing marker prefix: %q", plaintext, stored)
		}

		got, legacy, err := c.Decrypt(stored)
		if err != nil {
			t.Fatalf("Decrypt(%q): %v", stored, err)
		}
		if legacy {
			t.Errorf("Decrypt of a marked value reported legacy=true")
		}
		if string(got) != plaintext {
			t.Errorf("round trip got %q, want %q", got, plaintext)
		}
	}
}

func TestCipherEncryptIsRandomizedPerCall(t *testing.T) {
	c := NewCipher("k")

	a, err := c.Encrypt([]byte("same input"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	b, err := c.Encrypt([]byte("same input"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if a == b {
		t.Error("Encrypt produced identical ciphertext for two calls with the same plaintext; IV is not random")
	}
}

func TestCipherDecryptLegacyPlaintext(t *testing.T) {
	c := NewCipher("k")

	legacyValue := "old-unencrypted-token"
	got, legacy, err := c.Decrypt(legacyValue)
	if err != nil {
		t.Fatalf("Decrypt legacy value: %v", err)
	}
	if !legacy {
		t.Error("expected legacy=true for an unmarked short value")
	}
	if string(got) != legacyValue {
		t.Errorf("got %q, want %q", got, legacyValue)
	}
}

func TestCipherDecryptRejectsOverlongUnmarkedValue(t *testing.T) {
	c := NewCipher("k")

	_, _, err := c.Decrypt(strings.Repeat("z", legacyMaxLen))
	if err == nil {
		t.Error("expected an error for an unmarked value at the legacy length boundary")
	}
}

func TestCipherDecryptWrongKeyFails(t *testing.T) {
	a := NewCipher("key-a")
	b := NewCipher("key-b")

	stored, err := a.Encrypt([]byte("a secret value long enough to not look legacy at all"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	got, _, err := b.Decrypt(stored)
	if err == nil && string(got) == "a secret value long enough to not look legacy at all" {
		t.Error("decrypting with the wrong key unexpectedly reproduced the original plaintext")
	}
}
