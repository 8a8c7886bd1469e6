// Package storage defines the Storage Port: a small, collection-parametric
// persistence capability shared by the session store, the client registry,
// and the registration engine. Concrete backends (storage/memory,
// storage/sql, storage/redis) implement Store over their own medium but
// expose identical semantics, in particular optimistic-version upserts and
// duplicate-key conflict detection.
package storage

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"encoding/json"
	"io"
	"strings"
	"time"
)

// Reserved document fields every backend stores alongside caller data.
const (
	FieldID      = "_id"
	FieldVersion = "_v"
	FieldCreated = "_c"
)

// Kubernetes-safe lowercase encoding, reused here purely as a convenient
// fixed-alphabet encoder for opaque identifiers (sessions, clients).
var idEncoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567")

// NewID returns a random, URL-safe, 16-byte opaque identifier suitable for
// session and client ids.
func NewID() string {
	return newSecureID(16)
}

// NewIDLen returns a random, URL-safe opaque identifier of n raw bytes.
func NewIDLen(n int) string {
	return newSecureID(n)
}

func newSecureID(n int) string {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		panic(err)
	}
	return string(buf[0]%26+'a') + strings.TrimRight(idEncoding.EncodeToString(buf[1:]), "=")
}

// Encryptor is implemented by pkg/crypto.Cipher and consumed by backends to
// satisfy Upsertor.SetEncrypted / transparent decrypt-on-read. Kept as an
// interface here so storage has no dependency on pkg/crypto.
type Encryptor interface {
	// Encrypt returns the marker-prefixed, encoded ciphertext for plaintext.
	Encrypt(plaintext []byte) (string, error)
	// Decrypt reverses Encrypt. It must also accept legacy unmarked
	// plaintext values (see the Legacy token shape design note) and return
	// them unchanged, reporting legacy via the bool return.
	Decrypt(stored string) (plaintext []byte, legacy bool, err error)
}

// Filter is an equality filter over document fields: every (field, value)
// pair must match for a document to be selected. Only equality is needed by
// every caller in this system (session/client/credential lookups are all
// by exact field value), so no query-expression type is introduced.
type Filter map[string]interface{}

// Sort specifies an ORDER BY-style key.
type Sort struct {
	Field      string
	Descending bool
}

// IterateOptions configures Store.Iterate.
type IterateOptions struct {
	Filter Filter
	Sort   []Sort
	Skip   int
	Limit  int // 0 means unlimited
}

// Iterator streams matching documents one at a time.
type Iterator interface {
	// Next advances the iterator. It returns false at end of stream or on
	// error; call Err to distinguish the two.
	Next(ctx context.Context) bool
	// Decode unmarshals the current document into out (a pointer).
	Decode(out interface{}) error
	Err() error
	Close() error
}

// UpsertorOption configures a Store.Upsertor call.
type UpsertorOption func(*upsertorConfig)

type upsertorConfig struct {
	id             string
	requireVersion *int64
}

// WithID pins the target document id. Without it, Execute mints a fresh id
// via NewID on first insert.
func WithID(id string) UpsertorOption {
	return func(c *upsertorConfig) { c.id = id }
}

// WithVersion requires the stored document to currently be at version v;
// Execute fails with ErrVersionConflict otherwise. Use for updates; omit for
// plain inserts.
func WithVersion(v int64) UpsertorOption {
	return func(c *upsertorConfig) { c.requireVersion = &v }
}

func NewUpsertorConfig(opts ...UpsertorOption) (id string, requireVersion *int64) {
	var c upsertorConfig
	for _, opt := range opts {
		opt(&c)
	}
	return c.id, c.requireVersion
}

// Upsertor builds a single document mutation. Set/SetEncrypted/Unset queue
// field changes; Execute commits them. An Upsertor is single-use.
type Upsertor interface {
	Set(field string, value interface{}) Upsertor
	// SetEncrypted encrypts plaintext via the store's configured Encryptor
	// and stores the result under field.
	SetEncrypted(field string, plaintext []byte) Upsertor
	Unset(field string) Upsertor
	// Execute commits the mutation, returning the document's id and the
	// version it now holds.
	Execute(ctx context.Context) (id string, version int64, err error)
}

// Store is the Storage Port. Every method is collection-parametric: the
// same Store backs sessions, OIDC clients, and (when a credentials provider
// delegates to it) credential documents.
type Store interface {
	// Get loads the document with the given id into out (a pointer).
	// Returns a storage.Error{Code: ErrNotFound} if absent.
	Get(ctx context.Context, collection, id string, out interface{}) error

	// GetBy loads the first document where field equals value. Like Get,
	// encrypted fields configured via SetEncrypted are transparently
	// decrypted into out using the matching plaintext comparison semantics
	// (the backend encrypts value before comparing, so equality lookups on
	// encrypted fields work without the caller handling ciphertext).
	GetBy(ctx context.Context, collection, field string, value interface{}, out interface{}) error

	// Delete removes the document. Idempotent: deleting an absent id is not
	// an error.
	Delete(ctx context.Context, collection, id string) error

	// Count returns the number of documents in collection matching filter.
	Count(ctx context.Context, collection string, filter Filter) (int64, error)

	// Iterate streams documents matching opts. Callers must Close the
	// returned Iterator.
	Iterate(ctx context.Context, collection string, opts IterateOptions) (Iterator, error)

	// Upsertor begins a mutation against collection.
	Upsertor(collection string, opts ...UpsertorOption) Upsertor

	Close() error
}

// Marshal and Unmarshal are the JSON round-trip helpers every backend uses
// to move between caller structs and the generic document representation
// (map[string]interface{}), so that one Store implementation can serve any
// caller-defined record shape.
func Marshal(v interface{}) (map[string]interface{}, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func Unmarshal(m map[string]interface{}, out interface{}) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

// Now returns the current time in UTC; backends timestamp FieldCreated with
// this rather than relying on clock injection (creation timestamps are not
// part of any tested invariant's touch/expiry arithmetic).
func Now() time.Time {
	return time.Now().UTC()
}
