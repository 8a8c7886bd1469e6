// Package redis implements the Storage Port against Redis. Each document is
// a JSON blob under key "collection/id"; GetBy/Count/Iterate scan the
// collection's keys with KEYS+MGET and filter in Go, the same tradeoff
// storage/sql makes, since Redis has no native secondary index over an
// opaque JSON value either. Upsertor.Execute uses WATCH/MULTI/EXEC on the
// document key to get the same optimistic-version semantics the SQL and
// memory backends provide with a row lock / mutex.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	redisv9 "github.com/redis/go-redis/v9"

	"github.com/seacat-auth/seacatauth/pkg/log"
	"github.com/seacat-auth/seacatauth/storage"
)

const defaultStorageTimeout = 5 * time.Second

type client struct {
	db        redisv9.UniversalClient
	logger    log.Logger
	encryptor storage.Encryptor
}

var _ storage.Store = (*client)(nil)

func (c *client) Close() error {
	return c.db.Close()
}

func docKey(collection, id string) string {
	return collection + "/" + id
}

func collectionPattern(collection string) string {
	return collection + "/*"
}

func (c *client) Get(ctx context.Context, collection, id string, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, defaultStorageTimeout)
	defer cancel()

	doc, err := c.getDoc(ctx, collection, id)
	if err != nil {
		return err
	}
	return storage.Unmarshal(doc, out)
}

func (c *client) getDoc(ctx context.Context, collection, id string) (map[string]interface{}, error) {
	val, err := c.db.Get(ctx, docKey(collection, id)).Result()
	if err != nil {
		if err == redisv9.Nil {
			return nil, storage.NotFound(collection, id)
		}
		return nil, fmt.Errorf("get document: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(val), &m); err != nil {
		return nil, fmt.Errorf("unmarshal document: %v", err)
	}
	return m, nil
}

// loadCollection fetches every document under collection. There is no
// portable way to filter on an opaque JSON value server-side, and
// collections in this service (sessions, clients, credential drafts) are
// small enough that KEYS+MGET followed by a Go-side filter is cheap.
func (c *client) loadCollection(ctx context.Context, collection string) ([]map[string]interface{}, error) {
	keys, err := c.db.Keys(ctx, collectionPattern(collection)).Result()
	if err != nil {
		return nil, fmt.Errorf("keys: %v", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	vals, err := c.db.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget: %v", err)
	}

	docs := make([]map[string]interface{}, 0, len(vals))
	for i, v := range vals {
		if v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%v: expected string value, got %T", keys[i], v)
		}
		var m map[string]interface{}
		if err := json.Unmarshal([]byte(s), &m); err != nil {
			return nil, fmt.Errorf("unmarshal document %v: %v", keys[i], err)
		}
		docs = append(docs, m)
	}
	return docs, nil
}

func (c *client) GetBy(ctx context.Context, collection, field string, value interface{}, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, defaultStorageTimeout)
	defer cancel()

	docs, err := c.loadCollection(ctx, collection)
	if err != nil {
		return err
	}
	for _, doc := range docs {
		if fieldEquals(doc, field, value, c.encryptor, c.logger) {
			return storage.Unmarshal(doc, out)
		}
	}
	return storage.Error{Code: storage.ErrNotFound, Collection: collection, Field: field}
}

func (c *client) Delete(ctx context.Context, collection, id string) error {
	ctx, cancel := context.WithTimeout(ctx, defaultStorageTimeout)
	defer cancel()

	if err := c.db.Del(ctx, docKey(collection, id)).Err(); err != nil {
		return fmt.Errorf("delete document: %v", err)
	}
	return nil
}

func (c *client) Count(ctx context.Context, collection string, filter storage.Filter) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultStorageTimeout)
	defer cancel()

	docs, err := c.loadCollection(ctx, collection)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, doc := range docs {
		if matchesFilter(doc, filter, c.encryptor, c.logger) {
			n++
		}
	}
	return n, nil
}

func (c *client) Iterate(ctx context.Context, collection string, opts storage.IterateOptions) (storage.Iterator, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultStorageTimeout)
	defer cancel()

	all, err := c.loadCollection(ctx, collection)
	if err != nil {
		return nil, err
	}

	var docs []map[string]interface{}
	for _, doc := range all {
		if matchesFilter(doc, opts.Filter, c.encryptor, c.logger) {
			docs = append(docs, doc)
		}
	}

	sort.SliceStable(docs, func(i, j int) bool {
		for _, sortKey := range opts.Sort {
			vi, vj := docs[i][sortKey.Field], docs[j][sortKey.Field]
			less, eq := compareValues(vi, vj)
			if eq {
				continue
			}
			if sortKey.Descending {
				return !less
			}
			return less
		}
		return false
	})

	if opts.Skip > 0 {
		if opts.Skip >= len(docs) {
			docs = nil
		} else {
			docs = docs[opts.Skip:]
		}
	}
	if opts.Limit > 0 && len(docs) > opts.Limit {
		docs = docs[:opts.Limit]
	}

	return &docIterator{docs: docs, idx: -1}, nil
}

func fieldEquals(doc map[string]interface{}, field string, value interface{}, enc storage.Encryptor, logger log.Logger) bool {
	stored, ok := doc[field]
	if !ok {
		return false
	}
	storedStr, isStr := stored.(string)
	valueStr, valueIsStr := value.(string)
	if isStr && valueIsStr && enc != nil {
		if plain, legacy, err := enc.Decrypt(storedStr); err == nil {
			if legacy && logger != nil {
				logger.Warnf("storage/redis: read legacy unencrypted value for field %q", field)
			}
			return string(plain) == valueStr
		}
	}
	return fmt.Sprintf("%v", stored) == fmt.Sprintf("%v", value)
}

func matchesFilter(doc map[string]interface{}, filter storage.Filter, enc storage.Encryptor, logger log.Logger) bool {
	for field, value := range filter {
		if !fieldEquals(doc, field, value, enc, logger) {
			return false
		}
	}
	return true
}

// compareValues provides a total order over the handful of JSON scalar types
// our documents' sort keys use (strings, JSON-number-compatible float64s).
func compareValues(a, b interface{}) (less bool, equal bool) {
	switch av := a.(type) {
	case string:
		bv, _ := b.(string)
		return av < bv, av == bv
	case float64:
		bv, _ := b.(float64)
		return av < bv, av == bv
	default:
		return false, fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
	}
}

type docIterator struct {
	docs []map[string]interface{}
	idx  int
}

func (it *docIterator) Next(ctx context.Context) bool {
	it.idx++
	return it.idx < len(it.docs)
}

func (it *docIterator) Decode(out interface{}) error {
	if it.idx < 0 || it.idx >= len(it.docs) {
		return fmt.Errorf("storage/redis: Decode called out of range")
	}
	return storage.Unmarshal(it.docs[it.idx], out)
}

func (it *docIterator) Err() error   { return nil }
func (it *docIterator) Close() error { return nil }

func (c *client) Upsertor(collection string, opts ...storage.UpsertorOption) storage.Upsertor {
	id, requireVersion := storage.NewUpsertorConfig(opts...)
	return &redisUpsertor{
		client:         c,
		collection:     collection,
		id:             id,
		requireVersion: requireVersion,
		fields:         make(map[string]interface{}),
	}
}

type redisUpsertor struct {
	client         *client
	collection     string
	id             string
	requireVersion *int64
	fields         map[string]interface{}
	unset          []string
}

func (u *redisUpsertor) Set(field string, value interface{}) storage.Upsertor {
	u.fields[field] = value
	return u
}

func (u *redisUpsertor) SetEncrypted(field string, plaintext []byte) storage.Upsertor {
	if u.client.encryptor == nil {
		u.fields[field] = string(plaintext)
		return u
	}
	enc, err := u.client.encryptor.Encrypt(plaintext)
	if err != nil {
		u.fields[field] = string(plaintext)
		return u
	}
	u.fields[field] = enc
	return u
}

func (u *redisUpsertor) Unset(field string) storage.Upsertor {
	u.unset = append(u.unset, field)
	return u
}

// mintRetries bounds the number of times Execute will mint a fresh random id
// and retry after colliding with an existing key. 128 bits of randomness
// make more than one retry vanishingly unlikely; this only guards against a
// pathological PRNG.
const mintRetries = 5

func (u *redisUpsertor) Execute(ctx context.Context) (string, int64, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultStorageTimeout)
	defer cancel()

	id := u.id
	for attempt := 0; ; attempt++ {
		mintedID := id == ""
		tryID := id
		if mintedID {
			tryID = storage.NewID()
		}

		version, err := u.executeOnce(ctx, tryID, mintedID)
		if err != nil {
			if mintedID && storage.IsErrorCode(err, storage.ErrAlreadyExists) && attempt < mintRetries {
				continue
			}
			return "", 0, err
		}
		return tryID, version, nil
	}
}

// executeOnce runs a single WATCH/MULTI/EXEC attempt against the document's
// key. A concurrent writer touching the same key between WATCH and EXEC
// aborts the transaction with redisv9.TxFailedErr, which the caller maps
// back to the appropriate storage.Error.
func (u *redisUpsertor) executeOnce(ctx context.Context, id string, mintedID bool) (int64, error) {
	key := docKey(u.collection, id)
	var version int64
	var txErr error

	txf := func(tx *redisv9.Tx) error {
		val, err := tx.Get(ctx, key).Result()
		exists := err == nil
		if err != nil && err != redisv9.Nil {
			return fmt.Errorf("get document: %v", err)
		}

		var existing map[string]interface{}
		var existingVersion int64
		if exists {
			if err := json.Unmarshal([]byte(val), &existing); err != nil {
				return fmt.Errorf("unmarshal document: %v", err)
			}
			if v, ok := existing[storage.FieldVersion].(float64); ok {
				existingVersion = int64(v)
			}
		}

		if u.requireVersion != nil {
			if !exists {
				txErr = storage.VersionConflict(u.collection, id)
				return txErr
			}
			if existingVersion != *u.requireVersion {
				txErr = storage.VersionConflict(u.collection, id)
				return txErr
			}
		} else if !mintedID && exists {
			txErr = storage.Error{Code: storage.ErrAlreadyExists, Collection: u.collection, ID: id}
			return txErr
		}

		doc := make(map[string]interface{})
		if exists {
			for k, v := range existing {
				doc[k] = v
			}
		} else {
			doc[storage.FieldCreated] = storage.Now()
		}
		for k, v := range u.fields {
			doc[k] = v
		}
		for _, k := range u.unset {
			delete(doc, k)
		}

		version = 1
		if exists {
			version = existingVersion + 1
		}
		doc[storage.FieldID] = id
		doc[storage.FieldVersion] = version

		b, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("marshal document: %v", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redisv9.Pipeliner) error {
			pipe.Set(ctx, key, string(b), 0)
			return nil
		})
		return err
	}

	err := u.client.db.Watch(ctx, txf, key)
	if txErr != nil {
		return 0, txErr
	}
	if err == redisv9.TxFailedErr {
		// Another writer committed between our WATCH and EXEC. Treat it the
		// same way a row-level conflict would be treated by the SQL/memory
		// backends: a required-version mismatch, or a mint collision.
		if u.requireVersion != nil {
			return 0, storage.VersionConflict(u.collection, id)
		}
		return 0, storage.Error{Code: storage.ErrAlreadyExists, Collection: u.collection, ID: id}
	}
	if err != nil {
		return 0, fmt.Errorf("watch document: %v", err)
	}
	return version, nil
}
