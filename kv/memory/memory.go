// Package memory provides an in-process kv.Conn. Every Conn dialed from the
// same Server shares one keyspace and one pub/sub bus, which makes it
// suitable for tests and single-process development. Scripts run under the
// server lock and are therefore atomic with respect to every other Conn.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/ggoodman/rchan/kv"
	"github.com/google/uuid"
)

// Server is an in-memory keyspace shared by the connections it dials.
type Server struct {
	mu   sync.Mutex
	now  func() time.Time
	keys map[string]*entry
	subs map[string]map[*Conn]struct{}
}

type entry struct {
	hash      map[string]string
	expiresAt time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithClock overrides the clock used for expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// NewServer creates an empty keyspace.
func NewServer(opts ...Option) *Server {
	s := &Server{
		now:  time.Now,
		keys: make(map[string]*entry),
		subs: make(map[string]map[*Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dial opens a connection to s. It never fails; the signature matches
// kv.Dialer.
func (s *Server) Dial(ctx context.Context, cfg kv.Config) (kv.Conn, error) {
	return s.Conn(), nil
}

// Conn opens a connection to s.
func (s *Server) Conn() *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		id:     uuid.NewString(),
		srv:    s,
		ctx:    ctx,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
	}
	return c
}

// Subscribers reports how many connections are subscribed to channel.
func (s *Server) Subscribers(channel string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[channel])
}

// lookup returns the live entry at key, evicting it if expired. Callers hold s.mu.
func (s *Server) lookup(key string) *entry {
	e, ok := s.keys[key]
	if !ok {
		return nil
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		delete(s.keys, key)
		return nil
	}
	return e
}

// upsert returns the entry at key, creating an empty hash if needed. Callers hold s.mu.
func (s *Server) upsert(key string) *entry {
	if e := s.lookup(key); e != nil {
		return e
	}
	e := &entry{hash: make(map[string]string)}
	s.keys[key] = e
	return e
}

func copyHash(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Conn is one connection to a Server.
type Conn struct {
	id  string
	srv *Server

	mu       sync.Mutex
	closed   bool
	handlers []kv.MessageHandler
	channels map[string]struct{}
	queue    []message
	wake     chan struct{}
	started  bool

	ctx    context.Context
	cancel context.CancelFunc
}

type message struct {
	channel string
	payload string
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return kv.ErrClosed
	}
	return nil
}

func (c *Conn) Ping(ctx context.Context) error { return c.check(ctx) }

func (c *Conn) LoadScripts(ctx context.Context) error { return c.check(ctx) }

func (c *Conn) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	e := c.srv.lookup(key)
	if e == nil {
		return map[string]string{}, nil
	}
	return copyHash(e.hash), nil
}

func (c *Conn) HSet(ctx context.Context, key string, fields map[string]string) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	if len(fields) == 0 {
		return nil
	}
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	e := c.srv.upsert(key)
	for f, v := range fields {
		e.hash[f] = v
	}
	return nil
}

func (c *Conn) PExpireAt(ctx context.Context, key string, at time.Time) (bool, error) {
	if err := c.check(ctx); err != nil {
		return false, err
	}
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	e := c.srv.lookup(key)
	if e == nil {
		return false, nil
	}
	e.expiresAt = at.Truncate(time.Millisecond)
	// An expiry in the past deletes the key, as PEXPIREAT does.
	c.srv.lookup(key)
	return true, nil
}

func (c *Conn) Del(ctx context.Context, keys ...string) (int64, error) {
	if err := c.check(ctx); err != nil {
		return 0, err
	}
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	var n int64
	for _, k := range keys {
		if c.srv.lookup(k) != nil {
			delete(c.srv.keys, k)
			n++
		}
	}
	return n, nil
}

func (c *Conn) HSetIfGet(ctx context.Context, key string, cond, value map[string]string, expiresAt time.Time) (map[string]string, bool, error) {
	if err := c.check(ctx); err != nil {
		return nil, false, err
	}
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()

	if e := c.srv.lookup(key); e != nil {
		for f, want := range cond {
			if got, ok := e.hash[f]; !ok || got != want {
				return copyHash(e.hash), false, nil
			}
		}
	}
	if len(value) > 0 {
		e := c.srv.upsert(key)
		for f, v := range value {
			e.hash[f] = v
		}
	}
	if e := c.srv.lookup(key); e != nil && !expiresAt.IsZero() {
		e.expiresAt = expiresAt.Truncate(time.Millisecond)
		c.srv.lookup(key)
	}
	return nil, true, nil
}

func (c *Conn) GetKeySet(ctx context.Context, key string) (map[string]string, error) {
	return c.HGetAll(ctx, key)
}

func (c *Conn) SetKeySet(ctx context.Context, key, field, value string) error {
	return c.HSet(ctx, key, map[string]string{field: value})
}

func (c *Conn) DelKeySet(ctx context.Context, key string, fields ...string) (int64, error) {
	if err := c.check(ctx); err != nil {
		return 0, err
	}
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	e := c.srv.lookup(key)
	if e == nil {
		return 0, nil
	}
	var n int64
	for _, f := range fields {
		if _, ok := e.hash[f]; ok {
			delete(e.hash, f)
			n++
		}
	}
	// Redis removes a hash once its last field is gone.
	if len(e.hash) == 0 {
		delete(c.srv.keys, key)
	}
	return n, nil
}

func (c *Conn) Publish(ctx context.Context, channel, payload string) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	c.srv.mu.Lock()
	subs := make([]*Conn, 0, len(c.srv.subs[channel]))
	for sub := range c.srv.subs[channel] {
		subs = append(subs, sub)
	}
	c.srv.mu.Unlock()

	for _, sub := range subs {
		sub.enqueue(message{channel: channel, payload: payload})
	}
	return nil
}

func (c *Conn) Subscribe(ctx context.Context, channels ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// Lock order is srv.mu then c.mu. Close releases c.mu before taking
	// srv.mu, so a closed Conn is never added to srv.subs.
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return kv.ErrClosed
	}
	if c.channels == nil {
		c.channels = make(map[string]struct{})
	}
	for _, ch := range channels {
		c.channels[ch] = struct{}{}
	}
	if !c.started {
		c.started = true
		go c.dispatch()
	}
	c.mu.Unlock()

	for _, ch := range channels {
		set, ok := c.srv.subs[ch]
		if !ok {
			set = make(map[*Conn]struct{})
			c.srv.subs[ch] = set
		}
		set[c] = struct{}{}
	}
	return nil
}

func (c *Conn) OnMessage(h kv.MessageHandler) {
	c.mu.Lock()
	c.handlers = append(c.handlers, h)
	c.mu.Unlock()
}

func (c *Conn) enqueue(m message) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.queue = append(c.queue, m)
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Conn) dispatch() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.wake:
		}
		for {
			c.mu.Lock()
			if c.closed || len(c.queue) == 0 {
				c.mu.Unlock()
				break
			}
			m := c.queue[0]
			c.queue = c.queue[1:]
			hs := append([]kv.MessageHandler(nil), c.handlers...)
			c.mu.Unlock()
			for _, h := range hs {
				h(c.ctx, m.channel, m.payload)
			}
		}
	}
}

// Close is idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	channels := c.channels
	c.channels = nil
	c.queue = nil
	c.mu.Unlock()
	c.cancel()

	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	for ch := range channels {
		delete(c.srv.subs[ch], c)
		if len(c.srv.subs[ch]) == 0 {
			delete(c.srv.subs, ch)
		}
	}
	return nil
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Interface compliance
var _ kv.Conn = (*Conn)(nil)
