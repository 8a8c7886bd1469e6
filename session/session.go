// Package session implements the session store: creation, the touch/expiry
// policy, parent/child cascade delete, and sensitive-field encryption at
// rest. It is built on the Storage Port (storage.Store) rather than any
// specific backend.
package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/seacat-auth/seacatauth/pkg/log"
	"github.com/seacat-auth/seacatauth/storage"
)

// Collection is the Storage Port collection name sessions are kept under.
const Collection = "s"

// Type enumerates the session kinds create() will accept.
type Type string

const (
	TypeRoot          Type = "root"
	TypeOpenIDConnect Type = "openidconnect"
	TypeM2M           Type = "m2m"
)

func (t Type) valid() bool {
	switch t {
	case TypeRoot, TypeOpenIDConnect, TypeM2M:
		return true
	default:
		return false
	}
}

// Document field names. FieldModified is this package's own convention (the
// Storage Port only reserves _id/_v/_c); every write path sets it so touch's
// minimum-refresh-interval check has a timestamp to compare against.
const (
	FieldType            = "type"
	FieldParentSessionID = "parent_session_id"
	FieldCredentialsID   = "credentials_id"
	FieldExpiration      = "expiration"
	FieldMaxExpiration   = "max_expiration"
	FieldTouchExtension  = "touch_extension"
	FieldModified        = "modified"
	FieldAuthorization   = "authorization"
	FieldAccessToken     = "access_token"
	FieldRefreshToken    = "refresh_token"
	FieldIDToken         = "id_token"
	FieldCookieSessionID = "cookie_session_id"
)

// SensitiveFields are the document fields Create/Update encrypt via the
// configured Encryptor rather than storing as plain values.
var SensitiveFields = map[string]bool{
	FieldAccessToken:     true,
	FieldRefreshToken:    true,
	FieldIDToken:         true,
	FieldCookieSessionID: true,
}

// Session is the decoded, fully-decrypted view of a stored session
// document.
type Session struct {
	ID      string    `json:"_id"`
	Version int64     `json:"_v"`
	Created time.Time `json:"_c"`

	Type            Type      `json:"type"`
	ParentSessionID string    `json:"parent_session_id,omitempty"`
	CredentialsID   string    `json:"credentials_id,omitempty"`
	Expiration      time.Time `json:"expiration"`
	MaxExpiration   time.Time `json:"max_expiration"`
	TouchExtension  float64   `json:"touch_extension,omitempty"`
	Modified        time.Time `json:"modified"`

	// Authorization maps tenant -> role -> resources, per spec.md §4.5.
	// It is set wholesale at creation and replaced wholesale on update;
	// it is never merged.
	Authorization map[string]map[string][]string `json:"authorization,omitempty"`

	AccessToken     string `json:"access_token,omitempty"`
	RefreshToken    string `json:"refresh_token,omitempty"`
	IDToken         string `json:"id_token,omitempty"`
	CookieSessionID string `json:"cookie_session_id,omitempty"`
}

// Field is a single key/value pair a Builder contributes to a session
// document. Builders are how callers (the OIDC flow, the login flow, etc.)
// attach their own fields to a session without the Session Store knowing
// about them by name.
type Field struct {
	Key   string
	Value interface{}
}

// Builder is a sequence of Fields applied to a session document at Create
// or Update time. Fields whose key is in SensitiveFields are encrypted.
type Builder []Field

// Config holds the session store's tunables, sourced from the
// [seacatauth:session] config section (spec.md §6).
type Config struct {
	// Expiration is the default session lifetime when Create is not given
	// an explicit override.
	Expiration time.Duration
	// TouchExtension is either a ratio in [0,1] of the session's
	// expiration ("0.5") or an absolute duration ("40m", "5h", "30d").
	TouchExtension string
	// MaximumAge is the hard upper bound on any session's lifetime.
	MaximumAge time.Duration
}

// Service is the Session Store.
type Service struct {
	// Clock is exported so tests can substitute clockwork.NewFakeClock();
	// production callers leave it at the clockwork.NewRealClock() default.
	Clock clockwork.Clock

	store  storage.Store
	cipher storage.Encryptor
	logger log.Logger

	defaultExpiration     time.Duration
	maximumAge            time.Duration
	touchExtensionRatio   float64
	touchExtensionAbs     time.Duration
	touchExtensionIsRatio bool

	minimalRefreshInterval time.Duration
}

// NewService validates cfg and returns a Service backed by store. Sensitive
// fields are encrypted on write by store's own encryptor (SetEncrypted);
// cipher decrypts them on read. cipher may be nil, in which case they are
// read back exactly as the store holds them (plain values when store has
// no encryptor either, useful for tests that don't exercise encryption).
func NewService(cfg Config, store storage.Store, cipher storage.Encryptor, logger log.Logger) (*Service, error) {
	if cfg.Expiration <= 0 {
		return nil, errors.New("session: expiration must be positive")
	}
	if cfg.MaximumAge <= 0 {
		return nil, errors.New("session: maximum_age must be positive")
	}

	ratio, abs, isRatio, err := parseTouchExtension(cfg.TouchExtension)
	if err != nil {
		return nil, fmt.Errorf("session: touch_extension: %w", err)
	}

	return &Service{
		Clock:                  clockwork.NewRealClock(),
		store:                  store,
		cipher:                 cipher,
		logger:                 logger,
		defaultExpiration:      cfg.Expiration,
		maximumAge:             cfg.MaximumAge,
		touchExtensionRatio:    ratio,
		touchExtensionAbs:      abs,
		touchExtensionIsRatio:  isRatio,
		minimalRefreshInterval: 60 * time.Second,
	}, nil
}

// parseTouchExtension mirrors the original's dispatch: a trailing digit or
// "." means the whole string is a float ratio; anything else is an absolute
// duration string. time.ParseDuration has no "d" (day) unit, so that suffix
// is handled here directly.
func parseTouchExtension(raw string) (ratio float64, absolute time.Duration, isRatio bool, err error) {
	if raw == "" {
		return 0, 0, false, errors.New("must not be empty")
	}

	last := raw[len(raw)-1]
	if (last >= '0' && last <= '9') || last == '.' {
		ratio, err = strconv.ParseFloat(raw, 64)
		if err != nil {
			return 0, 0, false, err
		}
		if ratio < 0 || ratio > 1 {
			return 0, 0, false, fmt.Errorf("ratio must be between 0 and 1, got %v", ratio)
		}
		return ratio, 0, true, nil
	}

	absolute, err = parseDuration(raw)
	if err != nil {
		return 0, 0, false, err
	}
	return 0, absolute, false, nil
}

func parseDuration(raw string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(raw, "d"); ok {
		n, err := strconv.ParseFloat(days, 64)
		if err != nil {
			return 0, err
		}
		return time.Duration(n * 24 * float64(time.Hour)), nil
	}
	return time.ParseDuration(raw)
}

// createConfig accumulates Create's optional parameters.
type createConfig struct {
	parent     *Session
	expiration time.Duration
	builders   []Builder
}

// CreateOption configures Create.
type CreateOption func(*createConfig)

// WithParent records parent as the new session's parent. The parent must
// already exist (Create verifies this).
func WithParent(parent *Session) CreateOption {
	return func(c *createConfig) { c.parent = parent }
}

// WithExpiration overrides the configured default expiration for this
// session only.
func WithExpiration(d time.Duration) CreateOption {
	return func(c *createConfig) { c.expiration = d }
}

// WithBuilders appends builders whose fields are applied to the new
// session document.
func WithBuilders(builders ...Builder) CreateOption {
	return func(c *createConfig) { c.builders = append(c.builders, builders...) }
}

// Create builds and persists a new session of sessionType, applying opts
// and every field in the supplied builders. Sensitive builder fields are
// encrypted before storage.
func (s *Service) Create(ctx context.Context, sessionType Type, opts ...CreateOption) (*Session, error) {
	if !sessionType.valid() {
		return nil, fmt.Errorf("session: unsupported session type %q", sessionType)
	}

	var cfg createConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.parent != nil {
		if _, err := s.Get(ctx, cfg.parent.ID); err != nil {
			return nil, fmt.Errorf("session: parent session does not exist: %w", err)
		}
	}

	now := s.Clock.Now().UTC()

	expiration := s.defaultExpiration
	if cfg.expiration > 0 {
		expiration = cfg.expiration
		if expiration > s.maximumAge && s.logger != nil {
			s.logger.Warnf("session: requested expiration %s exceeds maximum session age %s", expiration, s.maximumAge)
		}
	}
	expires := now.Add(expiration)
	maxExpires := now.Add(s.maximumAge)

	var touchExtensionSeconds float64
	if s.touchExtensionIsRatio {
		touchExtensionSeconds = s.touchExtensionRatio * expiration.Seconds()
	} else {
		touchExtensionSeconds = s.touchExtensionAbs.Seconds()
	}

	up := s.store.Upsertor(Collection)
	up.Set(FieldType, string(sessionType))
	if cfg.parent != nil {
		up.Set(FieldParentSessionID, cfg.parent.ID)
	}
	up.Set(FieldExpiration, expires)
	up.Set(FieldMaxExpiration, maxExpires)
	up.Set(FieldTouchExtension, touchExtensionSeconds)
	up.Set(FieldModified, now)

	for _, builder := range cfg.builders {
		applyBuilder(up, builder)
	}

	id, _, err := up.Execute(ctx)
	if err != nil {
		return nil, fmt.Errorf("session: create: %w", err)
	}

	if s.logger != nil {
		s.logger.Infof("session: created sid=%s type=%s", id, sessionType)
	}
	return s.Get(ctx, id)
}

func applyBuilder(up storage.Upsertor, builder Builder) {
	for _, field := range builder {
		if SensitiveFields[field.Key] {
			up.SetEncrypted(field.Key, []byte(fmt.Sprint(field.Value)))
		} else {
			up.Set(field.Key, field.Value)
		}
	}
}

// Update replaces the fields named in builders on the existing session id,
// under optimistic version control.
func (s *Service) Update(ctx context.Context, id string, builders ...Builder) (*Session, error) {
	var existing Session
	if err := s.store.Get(ctx, Collection, id, &existing); err != nil {
		return nil, err
	}

	up := s.store.Upsertor(Collection, storage.WithID(id), storage.WithVersion(existing.Version))
	up.Set(FieldModified, s.Clock.Now().UTC())
	for _, builder := range builders {
		applyBuilder(up, builder)
	}

	if _, _, err := up.Execute(ctx); err != nil {
		return nil, fmt.Errorf("session: update: %w", err)
	}
	return s.Get(ctx, id)
}

// Get loads and decrypts the session with id.
func (s *Service) Get(ctx context.Context, id string) (*Session, error) {
	var sess Session
	if err := s.store.Get(ctx, Collection, id, &sess); err != nil {
		return nil, err
	}
	if err := s.decryptFields(&sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// GetBy loads and decrypts the first session where field equals value. The
// Storage Port decrypts encrypted fields as part of the comparison, so
// value is always the plaintext the caller is looking for (e.g. a bearer
// token), never ciphertext.
func (s *Service) GetBy(ctx context.Context, field string, value interface{}) (*Session, error) {
	var sess Session
	if err := s.store.GetBy(ctx, Collection, field, value, &sess); err != nil {
		return nil, err
	}
	if err := s.decryptFields(&sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *Service) decryptFields(sess *Session) error {
	if s.cipher == nil {
		return nil
	}
	for field, ptr := range map[string]*string{
		FieldAccessToken:     &sess.AccessToken,
		FieldRefreshToken:    &sess.RefreshToken,
		FieldIDToken:         &sess.IDToken,
		FieldCookieSessionID: &sess.CookieSessionID,
	} {
		if *ptr == "" {
			continue
		}
		plain, legacy, err := s.cipher.Decrypt(*ptr)
		if err != nil {
			return fmt.Errorf("session: decrypt field %q: %w", field, err)
		}
		if legacy && s.logger != nil {
			s.logger.Warnf("session: read legacy unencrypted value for sid=%s field=%s", sess.ID, field)
		}
		*ptr = string(plain)
	}
	return nil
}

// Touch extends session's expiration toward, but never past, its maximum
// age. It is a no-op if the session was touched within the minimum refresh
// interval, or if it is already at its maximum expiration. A version
// conflict (another writer extended it first) is absorbed: it is
// functionally equivalent to this call losing the race.
func (s *Service) Touch(ctx context.Context, sess *Session, expirationOverride time.Duration) error {
	now := s.Clock.Now().UTC()
	if now.Before(sess.Modified.Add(s.minimalRefreshInterval)) {
		return nil
	}
	if sess.Expiration.Equal(sess.MaxExpiration) {
		return nil
	}

	var newExpiration time.Time
	switch {
	case expirationOverride > 0:
		newExpiration = now.Add(expirationOverride)
	case sess.TouchExtension > 0:
		newExpiration = now.Add(time.Duration(sess.TouchExtension * float64(time.Second)))
	default:
		// No touch extension recorded (e.g. a legacy machine-credentials
		// session) — leave the expiration alone.
		return nil
	}

	if newExpiration.Before(sess.Expiration) {
		return nil
	}
	if newExpiration.After(sess.MaxExpiration) {
		newExpiration = sess.MaxExpiration
	}

	up := s.store.Upsertor(Collection, storage.WithID(sess.ID), storage.WithVersion(sess.Version))
	up.Set(FieldExpiration, newExpiration)
	up.Set(FieldModified, now)

	if _, _, err := up.Execute(ctx); err != nil {
		if storage.IsErrorCode(err, storage.ErrVersionConflict) {
			if s.logger != nil {
				s.logger.Warnf("session: conflict extending sid=%s, already extended", sess.ID)
			}
			return nil
		}
		return fmt.Errorf("session: touch: %w", err)
	}

	sess.Expiration = newExpiration
	sess.Modified = now
	sess.Version++

	if s.logger != nil {
		s.logger.Infof("session: extended sid=%s exp=%s", sess.ID, newExpiration)
	}
	return nil
}

// Delete removes a session's children (one level; deeper trees are
// reclaimed by SweepExpired) and then the session itself. Deleting a
// missing id is not an error.
func (s *Service) Delete(ctx context.Context, id string) error {
	childIDs, err := s.childIDs(ctx, id)
	if err != nil {
		return fmt.Errorf("session: list children of sid=%s: %w", id, err)
	}
	for _, cid := range childIDs {
		if err := s.store.Delete(ctx, Collection, cid); err != nil {
			return fmt.Errorf("session: delete child sid=%s: %w", cid, err)
		}
	}

	if err := s.store.Delete(ctx, Collection, id); err != nil {
		return fmt.Errorf("session: delete sid=%s: %w", id, err)
	}
	if s.logger != nil {
		s.logger.Infof("session: deleted sid=%s", id)
	}
	return nil
}

func (s *Service) childIDs(ctx context.Context, parentID string) ([]string, error) {
	it, err := s.store.Iterate(ctx, Collection, storage.IterateOptions{
		Filter: storage.Filter{FieldParentSessionID: parentID},
	})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var ids []string
	for it.Next(ctx) {
		var child Session
		if err := it.Decode(&child); err != nil {
			return nil, err
		}
		ids = append(ids, child.ID)
	}
	return ids, it.Err()
}

// DeleteSummary reports how many of a bulk-delete operation's targets
// succeeded and failed, per spec.md §4.3's delete_all/
// delete_sessions_by_credentials contract.
type DeleteSummary struct {
	Deleted int
	Failed  int
}

// DeleteAll deletes every session, one at a time, so each one is terminated
// through the normal cascade-delete path rather than a bulk collection wipe.
func (s *Service) DeleteAll(ctx context.Context) DeleteSummary {
	return s.deleteMatching(ctx, storage.Filter{})
}

// DeleteByCredentials deletes every session belonging to credentialsID.
func (s *Service) DeleteByCredentials(ctx context.Context, credentialsID string) DeleteSummary {
	return s.deleteMatching(ctx, storage.Filter{FieldCredentialsID: credentialsID})
}

func (s *Service) deleteMatching(ctx context.Context, filter storage.Filter) DeleteSummary {
	it, err := s.store.Iterate(ctx, Collection, storage.IterateOptions{Filter: filter})
	if err != nil {
		if s.logger != nil {
			s.logger.Errorf("session: bulk delete: list: %v", err)
		}
		return DeleteSummary{}
	}
	var ids []string
	for it.Next(ctx) {
		var sess Session
		if err := it.Decode(&sess); err != nil {
			if s.logger != nil {
				s.logger.Errorf("session: bulk delete: decode: %v", err)
			}
			continue
		}
		ids = append(ids, sess.ID)
	}
	it.Close()

	var summary DeleteSummary
	for _, id := range ids {
		if err := s.Delete(ctx, id); err != nil {
			if s.logger != nil {
				s.logger.Errorf("session: cannot delete sid=%s: %v", id, err)
			}
			summary.Failed++
			continue
		}
		summary.Deleted++
	}
	if s.logger != nil {
		s.logger.Infof("session: bulk delete complete deleted=%d failed=%d", summary.Deleted, summary.Failed)
	}
	return summary
}

// SweepExpired deletes every session whose expiration has passed. It is
// driven by an external periodic tick (60s per spec.md §5).
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	now := s.Clock.Now().UTC()

	it, err := s.store.Iterate(ctx, Collection, storage.IterateOptions{})
	if err != nil {
		return 0, fmt.Errorf("session: sweep: list: %w", err)
	}
	var expired []string
	for it.Next(ctx) {
		var sess Session
		if err := it.Decode(&sess); err != nil {
			if s.logger != nil {
				s.logger.Errorf("session: sweep: decode: %v", err)
			}
			continue
		}
		if now.After(sess.Expiration) {
			expired = append(expired, sess.ID)
		}
	}
	it.Close()

	count := 0
	for _, id := range expired {
		if err := s.store.Delete(ctx, Collection, id); err != nil {
			if s.logger != nil {
				s.logger.Errorf("session: sweep: delete sid=%s: %v", id, err)
			}
			continue
		}
		count++
	}
	return count, nil
}

// Count returns the number of sessions currently stored.
func (s *Service) Count(ctx context.Context) (int64, error) {
	return s.store.Count(ctx, Collection, storage.Filter{})
}
