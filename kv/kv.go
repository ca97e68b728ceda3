package kv

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by operations on a connection after Close.
var ErrClosed = errors.New("kv: connection closed")

// MessageHandler receives one pub/sub message. Handlers registered on a
// connection are invoked sequentially, in receipt order.
type MessageHandler func(ctx context.Context, channel string, payload string)

// Conn is a connection to the backing store.
type Conn interface {
	// ID is a process-unique identifier for log correlation.
	ID() string

	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error

	// LoadScripts registers the default atomic scripts with the store.
	LoadScripts(ctx context.Context) error

	// HGetAll returns every field of the hash at key. A missing key yields an
	// empty, non-nil map.
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// HSet merges fields into the hash at key, creating it if needed. It does
	// not alter the key's expiry.
	HSet(ctx context.Context, key string, fields map[string]string) error

	// PExpireAt sets the absolute expiry of key with millisecond precision and
	// reports whether the key existed.
	PExpireAt(ctx context.Context, key string, at time.Time) (bool, error)

	// Del removes keys and returns how many existed.
	Del(ctx context.Context, keys ...string) (int64, error)

	// HSetIfGet is the hsetifget script. When the guard passes the value
	// fields are merged, the expiry is set to expiresAt, and ok is true.
	// A zero expiresAt leaves the expiry untouched; session.Store never
	// passes one. Otherwise nothing is written, ok is false and current holds
	// the stored hash.
	//
	// The guard passes when cond is empty, when key does not exist, or when
	// every cond field is present with an equal value.
	HSetIfGet(ctx context.Context, key string, cond, value map[string]string, expiresAt time.Time) (current map[string]string, ok bool, err error)

	// GetKeySet returns the whole keyset stored at key.
	GetKeySet(ctx context.Context, key string) (map[string]string, error)

	// SetKeySet adds or overwrites one keyset entry.
	SetKeySet(ctx context.Context, key, field, value string) error

	// DelKeySet removes the named entries and returns how many existed.
	DelKeySet(ctx context.Context, key string, fields ...string) (int64, error)

	// Publish sends payload to every connection subscribed to channel.
	Publish(ctx context.Context, channel, payload string) error

	// Subscribe adds channels to this connection's subscription set.
	Subscribe(ctx context.Context, channels ...string) error

	// OnMessage registers a handler for messages received on this
	// connection's subscriptions.
	OnMessage(h MessageHandler)

	// Close disconnects. It does not wait for in-flight publishes.
	Close() error
}

// Dialer opens a new connection using cfg.
type Dialer func(ctx context.Context, cfg Config) (Conn, error)
