package session

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/seacat-auth/seacatauth/pkg/crypto"
	"github.com/seacat-auth/seacatauth/storage/memory"
)

func newTestService(t *testing.T, cfg Config) (*Service, clockwork.FakeClock) {
	t.Helper()
	cipher := crypto.NewCipher("test-key-material")
	store := memory.New(cipher, nil)
	svc, err := NewService(cfg, store, cipher, nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	clock := clockwork.NewFakeClock()
	svc.Clock = clock
	return svc, clock
}

// Scenario 4 from spec.md §8: default expiration 600s, touch_extension=0.5,
// maximum_age=3600.
func TestTouchScenario(t *testing.T) {
	svc, clock := newTestService(t, Config{
		Expiration:     600 * time.Second,
		TouchExtension: "0.5",
		MaximumAge:     3600 * time.Second,
	})
	ctx := context.Background()

	sess, err := svc.Create(ctx, TypeRoot)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t0 := clock.Now().UTC()
	wantExp := t0.Add(600 * time.Second)
	if !sess.Expiration.Equal(wantExp) {
		t.Fatalf("initial expiration = %v, want %v", sess.Expiration, wantExp)
	}

	clock.Advance(400 * time.Second)
	if err := svc.Touch(ctx, sess, 0); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	wantExp = t0.Add(400 * time.Second).Add(300 * time.Second)
	if !sess.Expiration.Equal(wantExp) {
		t.Fatalf("expiration after first touch = %v, want %v", sess.Expiration, wantExp)
	}

	prevExp := sess.Expiration
	clock.Advance(20 * time.Second)
	if err := svc.Touch(ctx, sess, 0); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	if !sess.Expiration.Equal(prevExp) {
		t.Fatalf("expiration changed within minimum refresh interval: got %v, want unchanged %v", sess.Expiration, prevExp)
	}
}

func TestTouchNeverExceedsMaxExpiration(t *testing.T) {
	svc, clock := newTestService(t, Config{
		Expiration:     600 * time.Second,
		TouchExtension: "3600s",
		MaximumAge:     3600 * time.Second,
	})
	ctx := context.Background()

	sess, err := svc.Create(ctx, TypeRoot)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	clock.Advance(time.Hour)
	if err := svc.Touch(ctx, sess, 0); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	if !sess.Expiration.Equal(sess.MaxExpiration) {
		t.Fatalf("expiration %v, want clamped to max %v", sess.Expiration, sess.MaxExpiration)
	}

	prevExp := sess.Expiration
	clock.Advance(time.Hour)
	if err := svc.Touch(ctx, sess, 0); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	if !sess.Expiration.Equal(prevExp) {
		t.Fatalf("touch at max expiration moved it: got %v, want %v", sess.Expiration, prevExp)
	}
}

func TestCreateWithSensitiveBuilder(t *testing.T) {
	svc, _ := newTestService(t, Config{
		Expiration:     600 * time.Second,
		TouchExtension: "0.5",
		MaximumAge:     3600 * time.Second,
	})
	ctx := context.Background()

	sess, err := svc.Create(ctx, TypeOpenIDConnect, WithBuilders(Builder{
		{Key: FieldAccessToken, Value: "super-secret-access-token"},
		{Key: FieldCredentialsID, Value: "cid-1"},
	}))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sess.AccessToken != "super-secret-access-token" {
		t.Fatalf("decrypted access token = %q, want round trip", sess.AccessToken)
	}
	if sess.CredentialsID != "cid-1" {
		t.Fatalf("credentials_id = %q, want cid-1", sess.CredentialsID)
	}

	fetched, err := svc.GetBy(ctx, FieldAccessToken, "super-secret-access-token")
	if err != nil {
		t.Fatalf("GetBy on encrypted field: %v", err)
	}
	if fetched.ID != sess.ID {
		t.Fatalf("GetBy returned sid=%s, want %s", fetched.ID, sess.ID)
	}
}

func TestDeleteCascadesOneLevel(t *testing.T) {
	svc, _ := newTestService(t, Config{
		Expiration:     600 * time.Second,
		TouchExtension: "0.5",
		MaximumAge:     3600 * time.Second,
	})
	ctx := context.Background()

	parent, err := svc.Create(ctx, TypeRoot)
	if err != nil {
		t.Fatalf("Create parent: %v", err)
	}
	child, err := svc.Create(ctx, TypeOpenIDConnect, WithParent(parent))
	if err != nil {
		t.Fatalf("Create child: %v", err)
	}

	if err := svc.Delete(ctx, parent.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := svc.Get(ctx, parent.ID); err == nil {
		t.Fatal("parent still present after delete")
	}
	if _, err := svc.Get(ctx, child.ID); err == nil {
		t.Fatal("child still present after parent delete")
	}
}

func TestSweepExpired(t *testing.T) {
	svc, clock := newTestService(t, Config{
		Expiration:     10 * time.Second,
		TouchExtension: "0.5",
		MaximumAge:     3600 * time.Second,
	})
	ctx := context.Background()

	stale, err := svc.Create(ctx, TypeRoot)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	fresh, err := svc.Create(ctx, TypeRoot, WithExpiration(time.Hour))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	clock.Advance(30 * time.Second)

	n, err := svc.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept %d sessions, want 1", n)
	}
	if _, err := svc.Get(ctx, stale.ID); err == nil {
		t.Fatal("expired session survived sweep")
	}
	if _, err := svc.Get(ctx, fresh.ID); err != nil {
		t.Fatalf("fresh session was swept: %v", err)
	}
}

func TestDeleteByCredentials(t *testing.T) {
	svc, _ := newTestService(t, Config{
		Expiration:     600 * time.Second,
		TouchExtension: "0.5",
		MaximumAge:     3600 * time.Second,
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := svc.Create(ctx, TypeRoot, WithBuilders(Builder{
			{Key: FieldCredentialsID, Value: "cid-1"},
		})); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	if _, err := svc.Create(ctx, TypeRoot, WithBuilders(Builder{
		{Key: FieldCredentialsID, Value: "cid-2"},
	})); err != nil {
		t.Fatalf("Create: %v", err)
	}

	summary := svc.DeleteByCredentials(ctx, "cid-1")
	if summary.Deleted != 3 || summary.Failed != 0 {
		t.Fatalf("summary = %+v, want {Deleted:3 Failed:0}", summary)
	}

	count, err := svc.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 1 {
		t.Fatalf("remaining sessions = %d, want 1", count)
	}
}
