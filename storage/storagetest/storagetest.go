// Package storagetest provides a conformance suite shared by every Storage
// Port backend (memory, sql, redis), so a new backend only has to plug in a
// constructor to prove it honors Get/GetBy/Delete/Iterate/Upsertor
// semantics, including optimistic versioning and duplicate-key conflicts.
package storagetest

import (
	"context"
	"testing"

	"github.com/seacat-auth/seacatauth/storage"
)

type doc struct {
	ID    string `json:"_id,omitempty"`
	Ver   int64  `json:"_v,omitempty"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type subTest struct {
	name string
	run  func(t *testing.T, s storage.Store)
}

// RunTests runs the conformance suite against newStore(), which must return
// a freshly initialized, empty Store. The store is closed after each
// sub-test.
func RunTests(t *testing.T, newStore func() storage.Store) {
	tests := []subTest{
		{"CreateGetDelete", testCreateGetDelete},
		{"GetByField", testGetByField},
		{"UpsertorUpdateIncrementsVersion", testVersionIncrements},
		{"VersionConflict", testVersionConflict},
		{"DuplicateID", testDuplicateID},
		{"Iterate", testIterate},
		{"DeleteIsIdempotent", testDeleteIdempotent},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newStore()
			defer s.Close()
			tc.run(t, s)
		})
	}
}

func testCreateGetDelete(t *testing.T, s storage.Store) {
	ctx := context.Background()

	id, version, err := s.Upsertor("widgets").
		Set("name", "gizmo").
		Set("email", "a@example.com").
		Execute(ctx)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if version != 1 {
		t.Errorf("got version %d, want 1", version)
	}

	var got doc
	if err := s.Get(ctx, "widgets", id, &got); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "gizmo" {
		t.Errorf("got name %q, want gizmo", got.Name)
	}

	if err := s.Delete(ctx, "widgets", id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Get(ctx, "widgets", id, &got); !storage.IsErrorCode(err, storage.ErrNotFound) {
		t.Errorf("Get after Delete: got err %v, want ErrNotFound", err)
	}
}

func testGetByField(t *testing.T, s storage.Store) {
	ctx := context.Background()

	_, _, err := s.Upsertor("widgets").
		Set("name", "gizmo").
		Set("email", "b@example.com").
		Execute(ctx)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	var got doc
	if err := s.GetBy(ctx, "widgets", "email", "b@example.com", &got); err != nil {
		t.Fatalf("GetBy: %v", err)
	}
	if got.Name != "gizmo" {
		t.Errorf("got name %q, want gizmo", got.Name)
	}

	if err := s.GetBy(ctx, "widgets", "email", "nobody@example.com", &got); !storage.IsErrorCode(err, storage.ErrNotFound) {
		t.Errorf("GetBy miss: got err %v, want ErrNotFound", err)
	}
}

func testVersionIncrements(t *testing.T, s storage.Store) {
	ctx := context.Background()

	id, v1, err := s.Upsertor("widgets").Set("name", "a").Execute(ctx)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	_, v2, err := s.Upsertor("widgets", storage.WithID(id), storage.WithVersion(v1)).
		Set("name", "b").
		Execute(ctx)
	if err != nil {
		t.Fatalf("Execute update: %v", err)
	}
	if v2 != v1+1 {
		t.Errorf("got version %d, want %d", v2, v1+1)
	}

	var got doc
	if err := s.Get(ctx, "widgets", id, &got); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "b" {
		t.Errorf("got name %q, want b", got.Name)
	}
}

func testVersionConflict(t *testing.T, s storage.Store) {
	ctx := context.Background()

	id, v1, err := s.Upsertor("widgets").Set("name", "a").Execute(ctx)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	// Stale version must be rejected.
	_, _, err = s.Upsertor("widgets", storage.WithID(id), storage.WithVersion(v1+1)).
		Set("name", "c").
		Execute(ctx)
	if !storage.IsErrorCode(err, storage.ErrVersionConflict) {
		t.Errorf("got err %v, want ErrVersionConflict", err)
	}
}

func testDuplicateID(t *testing.T, s storage.Store) {
	ctx := context.Background()

	_, _, err := s.Upsertor("widgets", storage.WithID("fixed-id")).Set("name", "a").Execute(ctx)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	_, _, err = s.Upsertor("widgets", storage.WithID("fixed-id")).Set("name", "b").Execute(ctx)
	if !storage.IsErrorCode(err, storage.ErrAlreadyExists) {
		t.Errorf("got err %v, want ErrAlreadyExists", err)
	}
}

func testIterate(t *testing.T, s storage.Store) {
	ctx := context.Background()

	for _, name := range []string{"a", "b", "c"} {
		if _, _, err := s.Upsertor("widgets").Set("name", name).Execute(ctx); err != nil {
			t.Fatalf("Execute: %v", err)
		}
	}

	it, err := s.Iterate(ctx, "widgets", storage.IterateOptions{})
	if err != nil {
		t.Fatalf("Iterate: %v", err)
	}
	defer it.Close()

	var names []string
	for it.Next(ctx) {
		var d doc
		if err := it.Decode(&d); err != nil {
			t.Fatalf("Decode: %v", err)
		}
		names = append(names, d.Name)
	}
	if err := it.Err(); err != nil {
		t.Fatalf("iterator error: %v", err)
	}
	if len(names) != 3 {
		t.Errorf("got %d documents, want 3", len(names))
	}
}

func testDeleteIdempotent(t *testing.T, s storage.Store) {
	ctx := context.Background()
	if err := s.Delete(ctx, "widgets", "never-existed"); err != nil {
		t.Errorf("Delete of a missing id must not error, got %v", err)
	}
}
