package crypto

import "testing"

func TestRandBytesLength(t *testing.T) {
	b, err := RandBytes(32)
	if err != nil {
		t.Fatalf("RandBytes: %v", err)
	}
	if len(b) != 32 {
		t.Errorf("got %d bytes, want 32", len(b))
	}
}

func TestRandomURLSafeTokenIsURLSafe(t *testing.T) {
	tok, err := RandomURLSafeToken(ClientSecretBytes)
	if err != nil {
		t.Fatalf("RandomURLSafeToken: %v", err)
	}
	for _, r := range tok {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			t.Fatalf("token %q contains non-URL-safe character %q", tok, r)
		}
	}
}

func TestRandomURLSafeTokenIsRandom(t *testing.T) {
	a, err := RandomURLSafeToken(ClientIDBytes)
	if err != nil {
		t.Fatalf("RandomURLSafeToken: %v", err)
	}
	b, err := RandomURLSafeToken(ClientIDBytes)
	if err != nil {
		t.Fatalf("RandomURLSafeToken: %v", err)
	}
	if a == b {
		t.Error("RandomURLSafeToken produced the same token twice")
	}
}
