package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ggoodman/rchan/internal/logctx"
	"github.com/ggoodman/rchan/kv"
	"github.com/ggoodman/rchan/metrics"
)

// DefaultTTL is the expiry applied by conditional writes and by Refresh when
// no explicit time is given.
const DefaultTTL = 24 * time.Hour

var (
	// ErrMissingIdentity is returned by conditional writes whose value lacks
	// the identity field.
	ErrMissingIdentity = errors.New("session: identity not found in value")
	// ErrFieldNotPermitted is returned when a write names a field outside the
	// category's field set.
	ErrFieldNotPermitted = errors.New("session: field not permitted")
	// ErrEmptyIdentity is returned when a session is addressed without an identity.
	ErrEmptyIdentity = errors.New("session: empty identity")
)

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used to compute default expiries.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithLogger sets the logger. If not provided, slog.Default() is used.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithMetrics records claim outcomes on m.
func WithMetrics(m *metrics.Collectors) Option {
	return func(s *Store) { s.metrics = m }
}

// Store is the session adapter bound to one connection. It holds no session
// state of its own and is safe for concurrent use.
type Store struct {
	conn    kv.Conn
	now     func() time.Time
	ttl     time.Duration
	log     *slog.Logger
	metrics *metrics.Collectors
}

// New binds a Store to conn.
func New(conn kv.Conn, opts ...Option) *Store {
	s := &Store{conn: conn, now: time.Now, ttl: DefaultTTL}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logctx.New(s.log)
	return s
}

// Conn returns the connection the store issues commands on.
func (s *Store) Conn() kv.Conn { return s.conn }

func (s *Store) key(c Category, identity string) (Key, error) {
	if !c.Valid() {
		return Key{}, fmt.Errorf("%w: %s", ErrUnknownCategory, c)
	}
	if identity == "" {
		return Key{}, ErrEmptyIdentity
	}
	return KeyFor(c, identity), nil
}

func logContext(ctx context.Context, k Key) context.Context {
	return logctx.WithSessionData(ctx, &logctx.SessionData{Category: k.Category.String(), Identity: k.Identity})
}

// Get returns the session metadata. A missing session yields an empty Meta.
func (s *Store) Get(ctx context.Context, c Category, identity string) (Meta, error) {
	k, err := s.key(c, identity)
	if err != nil {
		return nil, err
	}
	h, err := s.conn.HGetAll(ctx, k.Meta())
	if err != nil {
		return nil, err
	}
	return Meta(h), nil
}

// Set merges fields into the session metadata without touching its expiry.
func (s *Store) Set(ctx context.Context, c Category, identity string, fields Meta) error {
	k, err := s.key(c, identity)
	if err != nil {
		return err
	}
	if err := fields.validate(c); err != nil {
		return err
	}
	return s.conn.HSet(ctx, k.Meta(), fields)
}

// Refresh resets the absolute expiry of the session metadata. A zero at means
// now plus the store TTL. It reports whether the session existed.
func (s *Store) Refresh(ctx context.Context, c Category, identity string, at time.Time) (bool, error) {
	k, err := s.key(c, identity)
	if err != nil {
		return false, err
	}
	if at.IsZero() {
		at = s.now().Add(s.ttl)
	}
	return s.conn.PExpireAt(ctx, k.Meta(), at)
}

// Remove deletes the session metadata and reports whether it existed. The
// keyset is left alone; see ClearKeys.
func (s *Store) Remove(ctx context.Context, c Category, identity string) (bool, error) {
	k, err := s.key(c, identity)
	if err != nil {
		return false, err
	}
	n, err := s.conn.Del(ctx, k.Meta())
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Keys returns the session's keyset.
func (s *Store) Keys(ctx context.Context, c Category, identity string) (KeySet, error) {
	k, err := s.key(c, identity)
	if err != nil {
		return nil, err
	}
	h, err := s.conn.GetKeySet(ctx, k.KeySet())
	if err != nil {
		return nil, err
	}
	return KeySet(h), nil
}

// SetKey adds or overwrites one keyset entry.
func (s *Store) SetKey(ctx context.Context, c Category, identity, key, value string) error {
	k, err := s.key(c, identity)
	if err != nil {
		return err
	}
	return s.conn.SetKeySet(ctx, k.KeySet(), key, value)
}

// RemoveKeys removes the named keyset entries and returns how many existed.
func (s *Store) RemoveKeys(ctx context.Context, c Category, identity string, keys ...string) (int64, error) {
	k, err := s.key(c, identity)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	return s.conn.DelKeySet(ctx, k.KeySet(), keys...)
}

// ClearKeys deletes the whole keyset and reports whether it existed.
func (s *Store) ClearKeys(ctx context.Context, c Category, identity string) (bool, error) {
	k, err := s.key(c, identity)
	if err != nil {
		return false, err
	}
	n, err := s.conn.Del(ctx, k.KeySet())
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ConditionalSet atomically merges value into the session metadata when every
// cond field matches the stored hash, when cond is empty, or when the session
// does not exist yet. On success the expiry is set to expiresAt, or to now
// plus the store TTL when expiresAt is zero. On guard failure nothing is
// written and the returned Claim carries the stored hash.
//
// value must carry a non-empty identity field.
func (s *Store) ConditionalSet(ctx context.Context, c Category, identity string, cond, value Meta, expiresAt time.Time) (Claim, error) {
	k, err := s.key(c, identity)
	if err != nil {
		return Claim{}, err
	}
	if err := value.validate(c); err != nil {
		return Claim{}, err
	}
	if err := cond.validate(c); err != nil {
		return Claim{}, err
	}
	return s.conditionalSet(ctx, k, cond, value, expiresAt)
}

func (s *Store) conditionalSet(ctx context.Context, k Key, cond, value Meta, expiresAt time.Time) (Claim, error) {
	if value.Identity() == "" {
		return Claim{}, ErrMissingIdentity
	}
	if expiresAt.IsZero() {
		expiresAt = s.now().Add(s.ttl)
	}
	c := k.Category

	ctx = logContext(ctx, k)
	current, ok, err := s.conn.HSetIfGet(ctx, k.Meta(), cond, value, expiresAt)
	if err != nil {
		s.metrics.ObserveClaim(c.String(), metrics.OutcomeError)
		s.log.ErrorContext(ctx, "session.claim.fail", slog.String("err", err.Error()))
		return Claim{}, err
	}
	if !ok {
		s.metrics.ObserveClaim(c.String(), metrics.OutcomeRejected)
		s.log.DebugContext(ctx, "session.claim.rejected",
			slog.String("owner", Meta(current).Identity()),
			slog.String("claimant", value.Identity()))
		return Claim{Current: Meta(current)}, nil
	}
	s.metrics.ObserveClaim(c.String(), metrics.OutcomeAccepted)
	s.log.DebugContext(ctx, "session.claim.ok", slog.Time("expires_at", expiresAt))
	return Claim{Accepted: true}, nil
}

// ClaimOrUpdate writes value unconditionally and renews the expiry. Use it
// when the caller is authoritative for the session.
func (s *Store) ClaimOrUpdate(ctx context.Context, c Category, identity string, value Meta) (Claim, error) {
	return s.ConditionalSet(ctx, c, identity, Meta{}, value, time.Time{})
}

// ClaimIfMatching writes value only while the stored identity equals
// value's identity, or when no session exists. A rejected claim reports the
// current owner in Claim.Current.
func (s *Store) ClaimIfMatching(ctx context.Context, c Category, identity string, value Meta) (Claim, error) {
	cond := Meta{FieldIdentity: value.Identity()}
	return s.ConditionalSet(ctx, c, identity, cond, value, time.Time{})
}

// ClaimRecord is ClaimIfMatching for a typed record, keyed by the record's own
// category and identity. The record type fixes the field set, so no field
// validation takes place.
func (s *Store) ClaimRecord(ctx context.Context, r Record) (Claim, error) {
	k, err := s.key(r.Category(), r.Identity())
	if err != nil {
		return Claim{}, err
	}
	cond := Meta{FieldIdentity: r.Identity()}
	return s.conditionalSet(ctx, k, cond, r.Meta(), time.Time{})
}

// PutRecord is ClaimOrUpdate for a typed record.
func (s *Store) PutRecord(ctx context.Context, r Record) (Claim, error) {
	k, err := s.key(r.Category(), r.Identity())
	if err != nil {
		return Claim{}, err
	}
	return s.conditionalSet(ctx, k, Meta{}, r.Meta(), time.Time{})
}
