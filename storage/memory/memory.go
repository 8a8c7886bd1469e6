// Package memory provides an in-memory implementation of the Storage Port.
// It is the default backend for tests and small deployments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/seacat-auth/seacatauth/pkg/log"
	"github.com/seacat-auth/seacatauth/storage"
)

var _ storage.Store = (*Store)(nil)

// Store is a single mutex-guarded set of collections, each a map keyed by
// document id. Documents are stored as map[string]interface{} so the same
// Store instance serves any caller-defined record shape.
type Store struct {
	mu          sync.Mutex
	collections map[string]map[string]map[string]interface{}
	encryptor   storage.Encryptor
	logger      log.Logger
}

// New returns an in-memory Store. encryptor is used to satisfy
// Upsertor.SetEncrypted; logger receives WARN on legacy plaintext decrypt.
func New(encryptor storage.Encryptor, logger log.Logger) *Store {
	return &Store{
		collections: make(map[string]map[string]map[string]interface{}),
		encryptor:   encryptor,
		logger:      logger,
	}
}

func (s *Store) tx(f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f()
}

func (s *Store) collection(name string) map[string]map[string]interface{} {
	c, ok := s.collections[name]
	if !ok {
		c = make(map[string]map[string]interface{})
		s.collections[name] = c
	}
	return c
}

func (s *Store) Close() error { return nil }

func (s *Store) Get(ctx context.Context, collection, id string, out interface{}) error {
	var err error
	s.tx(func() {
		doc, ok := s.collection(collection)[id]
		if !ok {
			err = storage.NotFound(collection, id)
			return
		}
		err = s.decode(doc, out)
	})
	return err
}

func (s *Store) GetBy(ctx context.Context, collection, field string, value interface{}, out interface{}) error {
	var err error
	s.tx(func() {
		for _, doc := range s.collection(collection) {
			if fieldEquals(doc, field, value, s.encryptor, s.logger) {
				err = s.decode(doc, out)
				return
			}
		}
		err = storage.Error{Code: storage.ErrNotFound, Collection: collection, Field: field}
	})
	return err
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	s.tx(func() {
		delete(s.collection(collection), id)
	})
	return nil
}

func (s *Store) Count(ctx context.Context, collection string, filter storage.Filter) (int64, error) {
	var n int64
	s.tx(func() {
		for _, doc := range s.collection(collection) {
			if matches(doc, filter, s.encryptor, s.logger) {
				n++
			}
		}
	})
	return n, nil
}

func (s *Store) Iterate(ctx context.Context, collection string, opts storage.IterateOptions) (storage.Iterator, error) {
	var docs []map[string]interface{}
	s.tx(func() {
		for _, doc := range s.collection(collection) {
			if matches(doc, opts.Filter, s.encryptor, s.logger) {
				docs = append(docs, cloneDoc(doc))
			}
		}
	})

	sort.SliceStable(docs, func(i, j int) bool {
		for _, sortKey := range opts.Sort {
			vi, vj := docs[i][sortKey.Field], docs[j][sortKey.Field]
			less, eq := compare(vi, vj)
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

	return &iterator{docs: docs, idx: -1}, nil
}

func (s *Store) Upsertor(collection string, opts ...storage.UpsertorOption) storage.Upsertor {
	id, requireVersion := storage.NewUpsertorConfig(opts...)
	return &upsertor{
		store:          s,
		collection:     collection,
		id:             id,
		requireVersion: requireVersion,
		fields:         make(map[string]interface{}),
	}
}

// decode copies doc, reserved fields included, into out via a JSON round
// trip; callers pick reserved fields up by declaring them explicitly
// (e.g. a Version int64 `json:"_v"` field).
func (s *Store) decode(doc map[string]interface{}, out interface{}) error {
	return storage.Unmarshal(doc, out)
}

func cloneDoc(doc map[string]interface{}) map[string]interface{} {
	c := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		c[k] = v
	}
	return c
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
				logger.Warnf("storage/memory: read legacy unencrypted value for field %q", field)
			}
			return string(plain) == valueStr
		}
	}
	return fmt.Sprintf("%v", stored) == fmt.Sprintf("%v", value)
}

func matches(doc map[string]interface{}, filter storage.Filter, enc storage.Encryptor, logger log.Logger) bool {
	for field, value := range filter {
		if !fieldEquals(doc, field, value, enc, logger) {
			return false
		}
	}
	return true
}

// compare provides a total order over the handful of value types our
// documents' sort keys use (strings, float64s, and the time.Time creation
// stamp this store keeps under storage.FieldCreated).
func compare(a, b interface{}) (less bool, equal bool) {
	switch av := a.(type) {
	case string:
		bv, _ := b.(string)
		return av < bv, av == bv
	case float64:
		bv, _ := b.(float64)
		return av < bv, av == bv
	case time.Time:
		bv, _ := b.(time.Time)
		return av.Before(bv), av.Equal(bv)
	default:
		return false, fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
	}
}

type iterator struct {
	docs []map[string]interface{}
	idx  int
}

func (it *iterator) Next(ctx context.Context) bool {
	it.idx++
	return it.idx < len(it.docs)
}

func (it *iterator) Decode(out interface{}) error {
	if it.idx < 0 || it.idx >= len(it.docs) {
		return fmt.Errorf("storage/memory: Decode called out of range")
	}
	return storage.Unmarshal(it.docs[it.idx], out)
}

func (it *iterator) Err() error   { return nil }
func (it *iterator) Close() error { return nil }

type upsertor struct {
	store          *Store
	collection     string
	id             string
	requireVersion *int64
	fields         map[string]interface{}
	unset          []string
}

func (u *upsertor) Set(field string, value interface{}) storage.Upsertor {
	u.fields[field] = value
	return u
}

func (u *upsertor) SetEncrypted(field string, plaintext []byte) storage.Upsertor {
	if u.store.encryptor == nil {
		u.fields[field] = string(plaintext)
		return u
	}
	enc, err := u.store.encryptor.Encrypt(plaintext)
	if err != nil {
		u.fields[field] = string(plaintext)
		return u
	}
	u.fields[field] = enc
	return u
}

func (u *upsertor) Unset(field string) storage.Upsertor {
	u.unset = append(u.unset, field)
	return u
}

func (u *upsertor) Execute(ctx context.Context) (string, int64, error) {
	var (
		id      string
		version int64
		err     error
	)

	u.store.tx(func() {
		coll := u.store.collection(u.collection)

		id = u.id
		if id == "" {
			id = storage.NewID()
			for _, exists := coll[id]; exists; _, exists = coll[id] {
				id = storage.NewID()
			}
		}

		existing, exists := coll[id]

		if u.requireVersion != nil {
			if !exists {
				err = storage.VersionConflict(u.collection, id)
				return
			}
			currentVersion, _ := existing[storage.FieldVersion].(int64)
			if currentVersion != *u.requireVersion {
				err = storage.VersionConflict(u.collection, id)
				return
			}
		} else if u.id != "" && exists {
			err = storage.Error{Code: storage.ErrAlreadyExists, Collection: u.collection, ID: id}
			return
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
			currentVersion, _ := existing[storage.FieldVersion].(int64)
			version = currentVersion + 1
		}
		doc[storage.FieldID] = id
		doc[storage.FieldVersion] = version

		coll[id] = doc
	})

	return id, version, err
}
