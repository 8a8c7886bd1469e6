package crypto

import "encoding/base64"

// Byte lengths for the three secret kinds this system mints. Named here so
// callers (client registry, registration engine) don't repeat magic numbers.
const (
	ClientIDBytes         = 16
	ClientSecretBytes     = 32
	RegistrationCodeBytes = 32
)

// RandomURLSafeToken returns a cryptographically random token of n raw bytes,
// base64url-encoded without padding.
func RandomURLSafeToken(n int) (string, error) {
	b, err := RandBytes(n)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
