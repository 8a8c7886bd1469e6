// Package crypto implements the symmetric encryption and secret-generation
// primitives sensitive session, client and credential fields are built on.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"
)

// Marker prefixes every value this package has encrypted, distinguishing it
// from a legacy plaintext record left over from before a field was enrolled
// for encryption.
const Marker = "encrypted:"

// legacyMaxLen is the length below which an unmarked stored value is
// accepted as a legacy plaintext record rather than a malformed ciphertext.
// See the "Legacy token shape" design note: tokens shorter than 48 bytes in
// sensitive fields predate encryption-at-rest and must still be readable.
const legacyMaxLen = 48

// pad applies PKCS#7 padding to bsize.
func pad(plaintext []byte, bsize int) ([]byte, error) {
	if bsize >= 256 {
		return nil, errors.New("bsize must be < 256")
	}
	n := bsize - (len(plaintext) % bsize)
	if n == 0 {
		n = bsize
	}
	out := make([]byte, len(plaintext)+n)
	copy(out, plaintext)
	for i := len(plaintext); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out, nil
}

// unpad strips PKCS#7 padding.
func unpad(padded []byte) ([]byte, error) {
	length := len(padded)
	if length == 0 {
		return nil, errors.New("padding malformed")
	}
	n := int(padded[length-1])
	if n == 0 || n > 256 || n > length {
		return nil, errors.New("padding malformed")
	}
	return padded[:length-n], nil
}

// Cipher encrypts and decrypts sensitive field values for a single
// configured key. The 256-bit AES key is derived as SHA-256 of the
// caller-supplied key material (e.g. the `[seacatauth:session] aes_key`
// config value), matching the original implementation's key derivation.
type Cipher struct {
	key [32]byte
}

// NewCipher derives a Cipher's AES-256 key from keyMaterial. keyMaterial
// must be non-empty; callers are expected to have validated that already
// (required, non-empty config key).
func NewCipher(keyMaterial string) *Cipher {
	return &Cipher{key: sha256.Sum256([]byte(keyMaterial))}
}

// Encrypt AES-CBC-encrypts plaintext under a freshly generated random IV and
// returns the marker-prefixed, base64url-encoded `iv || ciphertext`.
//
// The original construction derived the IV from the first block of the
// plaintext itself, making it caller-controlled rather than independently
// random. This resolves that open question (see DESIGN.md): the on-disk
// layout (`iv || ciphertext`) is unchanged, only the IV's source is.
func (c *Cipher) Encrypt(plaintext []byte) (string, error) {
	padded, err := pad(plaintext, aes.BlockSize)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return "", err
	}

	out := make([]byte, aes.BlockSize+len(padded))
	iv := out[:aes.BlockSize]
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}

	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[aes.BlockSize:], padded)

	return Marker + base64.URLEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. A stored value without the Marker prefix and
// shorter than legacyMaxLen bytes is returned unchanged with legacy=true;
// callers must log such accesses (see DESIGN.md). Any other unmarked value
// is a format error.
func (c *Cipher) Decrypt(stored string) (plaintext []byte, legacy bool, err error) {
	rest, ok := strings.CutPrefix(stored, Marker)
	if !ok {
		if len(stored) < legacyMaxLen {
			return []byte(stored), true, nil
		}
		return nil, false, errors.New("crypto: unmarked value is too long to be a legacy plaintext field")
	}

	raw, err := base64.URLEncoding.DecodeString(rest)
	if err != nil {
		return nil, false, err
	}
	if len(raw) < aes.BlockSize {
		return nil, false, errors.New("crypto: ciphertext too short")
	}

	iv, ciphertext := raw[:aes.BlockSize], raw[aes.BlockSize:]
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, false, errors.New("crypto: ciphertext is not a multiple of the block size")
	}

	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return nil, false, err
	}

	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)

	out, err := unpad(padded)
	if err != nil {
		return nil, false, err
	}
	return out, false, nil
}
