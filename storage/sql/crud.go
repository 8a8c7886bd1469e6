package sql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/seacat-auth/seacatauth/pkg/log"
	"github.com/seacat-auth/seacatauth/storage"
)

// encoder wraps the underlying value in a JSON marshaler which is automatically
// called by the database/sql package.
//
//	s := []string{"planes", "bears"}
//	err := db.Exec(`insert into t1 (id, things) values (1, $1)`, encoder(s))
//	if err != nil {
//		// handle error
//	}
//
//	var r []byte
//	err = db.QueryRow(`select things from t1 where id = 1;`).Scan(&r)
//	if err != nil {
//		// handle error
//	}
//	fmt.Printf("%s\n", r) // ["planes","bears"]
func encoder(i interface{}) driver.Valuer {
	return jsonEncoder{i}
}

// decoder wraps the underlying value in a JSON unmarshaler which can then be passed
// to a database Scan() method.
func decoder(i interface{}) sql.Scanner {
	return jsonDecoder{i}
}

type jsonEncoder struct {
	i interface{}
}

func (j jsonEncoder) Value() (driver.Value, error) {
	b, err := json.Marshal(j.i)
	if err != nil {
		return nil, fmt.Errorf("marshal: %v", err)
	}
	return b, nil
}

type jsonDecoder struct {
	i interface{}
}

func (j jsonDecoder) Scan(dest interface{}) error {
	if dest == nil {
		return errors.New("nil value")
	}
	b, ok := dest.([]byte)
	if !ok {
		return fmt.Errorf("expected []byte got %T", dest)
	}
	if err := json.Unmarshal(b, &j.i); err != nil {
		return fmt.Errorf("unmarshal: %v", err)
	}
	return nil
}

// Abstract conn vs trans.
type querier interface {
	QueryRow(query string, args ...interface{}) *sql.Row
	Query(query string, args ...interface{}) (*sql.Rows, error)
}

// Abstract row vs rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

var _ storage.Store = (*conn)(nil)

func (c *conn) Get(ctx context.Context, collection, id string, out interface{}) error {
	return getDoc(c, c.logger, collection, id, out)
}

func getDoc(q querier, logger log.Logger, collection, id string, out interface{}) error {
	var m map[string]interface{}
	err := q.QueryRow(`select data from documents where collection = $1 and id = $2;`, collection, id).Scan(decoder(&m))
	if err != nil {
		if err == sql.ErrNoRows {
			return storage.NotFound(collection, id)
		}
		return fmt.Errorf("select document: %v", err)
	}
	return storage.Unmarshal(m, out)
}

func (c *conn) GetBy(ctx context.Context, collection, field string, value interface{}, out interface{}) error {
	rows, err := c.Query(`select data from documents where collection = $1;`, collection)
	if err != nil {
		return fmt.Errorf("query documents: %v", err)
	}
	defer rows.Close()

	for rows.Next() {
		var m map[string]interface{}
		if err := rows.Scan(decoder(&m)); err != nil {
			return fmt.Errorf("scan document: %v", err)
		}
		if fieldEquals(m, field, value, c.encryptor, c.logger) {
			return storage.Unmarshal(m, out)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("scan documents: %v", err)
	}
	return storage.Error{Code: storage.ErrNotFound, Collection: collection, Field: field}
}

func (c *conn) Delete(ctx context.Context, collection, id string) error {
	_, err := c.Exec(`delete from documents where collection = $1 and id = $2;`, collection, id)
	if err != nil {
		return fmt.Errorf("delete document: %v", err)
	}
	return nil
}

func (c *conn) Count(ctx context.Context, collection string, filter storage.Filter) (int64, error) {
	docs, err := c.loadCollection(collection, filter)
	if err != nil {
		return 0, err
	}
	return int64(len(docs)), nil
}

func (c *conn) Iterate(ctx context.Context, collection string, opts storage.IterateOptions) (storage.Iterator, error) {
	docs, err := c.loadCollection(collection, opts.Filter)
	if err != nil {
		return nil, err
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

// loadCollection fetches every document in collection and applies filter in
// Go. There is no portable way to push a filter on the opaque JSON "data"
// column down to all three supported drivers, and collections in this
// service are small enough (sessions, clients, credential drafts) that a
// full scan is cheap.
func (c *conn) loadCollection(collection string, filter storage.Filter) ([]map[string]interface{}, error) {
	rows, err := c.Query(`select data from documents where collection = $1;`, collection)
	if err != nil {
		return nil, fmt.Errorf("query documents: %v", err)
	}
	defer rows.Close()

	var docs []map[string]interface{}
	for rows.Next() {
		var m map[string]interface{}
		if err := rows.Scan(decoder(&m)); err != nil {
			return nil, fmt.Errorf("scan document: %v", err)
		}
		if matchesFilter(m, filter, c.encryptor, c.logger) {
			docs = append(docs, m)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan documents: %v", err)
	}
	return docs, nil
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
				logger.Warnf("storage/sql: read legacy unencrypted value for field %q", field)
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
		return fmt.Errorf("storage/sql: Decode called out of range")
	}
	return storage.Unmarshal(it.docs[it.idx], out)
}

func (it *docIterator) Err() error   { return nil }
func (it *docIterator) Close() error { return nil }

func (c *conn) Upsertor(collection string, opts ...storage.UpsertorOption) storage.Upsertor {
	id, requireVersion := storage.NewUpsertorConfig(opts...)
	return &sqlUpsertor{
		conn:           c,
		collection:     collection,
		id:             id,
		requireVersion: requireVersion,
		fields:         make(map[string]interface{}),
	}
}

type sqlUpsertor struct {
	conn           *conn
	collection     string
	id             string
	requireVersion *int64
	fields         map[string]interface{}
	unset          []string
}

func (u *sqlUpsertor) Set(field string, value interface{}) storage.Upsertor {
	u.fields[field] = value
	return u
}

func (u *sqlUpsertor) SetEncrypted(field string, plaintext []byte) storage.Upsertor {
	if u.conn.encryptor == nil {
		u.fields[field] = string(plaintext)
		return u
	}
	enc, err := u.conn.encryptor.Encrypt(plaintext)
	if err != nil {
		u.fields[field] = string(plaintext)
		return u
	}
	u.fields[field] = enc
	return u
}

func (u *sqlUpsertor) Unset(field string) storage.Upsertor {
	u.unset = append(u.unset, field)
	return u
}

// mintRetries bounds the number of times Execute will mint a fresh random id
// and retry after colliding with an existing row. 128 bits of randomness
// make more than one retry vanishingly unlikely; this only guards against a
// pathological PRNG.
const mintRetries = 5

func (u *sqlUpsertor) Execute(ctx context.Context) (string, int64, error) {
	id := u.id
	var version int64

	for attempt := 0; ; attempt++ {
		mintedID := id == ""
		tryID := id
		if mintedID {
			tryID = storage.NewID()
		}

		err := u.conn.ExecTx(func(tx *trans) error {
			var (
				existingVersion int64
				existing        map[string]interface{}
			)
			err := tx.QueryRow(`select version, data from documents where collection = $1 and id = $2;`,
				u.collection, tryID).Scan(&existingVersion, decoder(&existing))

			exists := err == nil
			if err != nil && err != sql.ErrNoRows {
				return fmt.Errorf("select document: %v", err)
			}

			if u.requireVersion != nil {
				if !exists {
					return storage.VersionConflict(u.collection, tryID)
				}
				if existingVersion != *u.requireVersion {
					return storage.VersionConflict(u.collection, tryID)
				}
			} else if !mintedID && exists {
				return storage.Error{Code: storage.ErrAlreadyExists, Collection: u.collection, ID: tryID}
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
			doc[storage.FieldID] = tryID
			doc[storage.FieldVersion] = version

			if exists {
				_, err = tx.Exec(`update documents set version = $1, data = $2 where collection = $3 and id = $4;`,
					version, encoder(doc), u.collection, tryID)
				if err != nil {
					return fmt.Errorf("update document: %v", err)
				}
				return nil
			}

			_, err = tx.Exec(`insert into documents (collection, id, version, created_at, data) values ($1, $2, $3, $4, $5);`,
				u.collection, tryID, version, storage.Now(), encoder(doc))
			if err != nil {
				if u.conn.alreadyExistsCheck(err) {
					return storage.Error{Code: storage.ErrAlreadyExists, Collection: u.collection, ID: tryID}
				}
				return fmt.Errorf("insert document: %v", err)
			}
			return nil
		})

		if err != nil {
			if mintedID && storage.IsErrorCode(err, storage.ErrAlreadyExists) && attempt < mintRetries {
				continue
			}
			return "", 0, err
		}

		return tryID, version, nil
	}
}
