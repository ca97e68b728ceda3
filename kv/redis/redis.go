package redis

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/ggoodman/rchan/kv"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Conn is a go-redis backed kv.Conn.
type Conn struct {
	id     string
	client redis.UniversalClient

	mu       sync.Mutex
	pubsub   *redis.PubSub
	handlers []kv.MessageHandler
	closed   bool
	ctx      context.Context
	cancel   context.CancelFunc
}

// New wraps an existing client. The Conn takes ownership and closes the
// client on Close.
func New(client redis.UniversalClient) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		id:     uuid.NewString(),
		client: client,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Dial creates a client for cfg. Like go-redis itself it connects lazily;
// the first command surfaces network errors.
func Dial(ctx context.Context, cfg kv.Config) (kv.Conn, error) {
	addr := cfg.Addr
	network := cfg.ResolvedNetwork()
	if network == "unix" {
		abs, err := filepath.Abs(addr)
		if err != nil {
			return nil, fmt.Errorf("resolve socket path %q: %w", addr, err)
		}
		addr = abs
	}
	client := redis.NewClient(&redis.Options{
		Network:  network,
		Addr:     addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return New(client), nil
}

var _ kv.Dialer = Dial

func (c *Conn) ID() string { return c.id }

func (c *Conn) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (c *Conn) LoadScripts(ctx context.Context) error {
	for _, s := range defaultScripts {
		if err := s.Load(ctx, c.client).Err(); err != nil {
			return fmt.Errorf("redis script load: %w", err)
		}
	}
	return nil
}

func (c *Conn) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	res, err := c.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", key, err)
	}
	return res, nil
}

func (c *Conn) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	values := make([]any, 0, len(fields)*2)
	for f, v := range fields {
		values = append(values, f, v)
	}
	if err := c.client.HSet(ctx, key, values...).Err(); err != nil {
		return fmt.Errorf("hset %s: %w", key, err)
	}
	return nil
}

func (c *Conn) PExpireAt(ctx context.Context, key string, at time.Time) (bool, error) {
	ok, err := c.client.PExpireAt(ctx, key, at).Result()
	if err != nil {
		return false, fmt.Errorf("pexpireat %s: %w", key, err)
	}
	return ok, nil
}

func (c *Conn) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := c.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("del: %w", err)
	}
	return n, nil
}

func (c *Conn) HSetIfGet(ctx context.Context, key string, cond, value map[string]string, expiresAt time.Time) (map[string]string, bool, error) {
	var expires int64
	if !expiresAt.IsZero() {
		expires = expiresAt.UnixMilli()
	}
	args := make([]any, 0, 3+2*(len(cond)+len(value)))
	args = append(args, len(cond), len(value), expires)
	for f, v := range cond {
		args = append(args, f, v)
	}
	for f, v := range value {
		args = append(args, f, v)
	}

	res, err := hsetifgetScript.Run(ctx, c.client, []string{key}, args...).Slice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, true, nil
		}
		return nil, false, fmt.Errorf("hsetifget %s: %w", key, err)
	}
	current, err := pairsToMap(res)
	if err != nil {
		return nil, false, fmt.Errorf("hsetifget %s: %w", key, err)
	}
	return current, false, nil
}

func (c *Conn) GetKeySet(ctx context.Context, key string) (map[string]string, error) {
	res, err := getkeysetScript.Run(ctx, c.client, []string{key}).Slice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("getkeyset %s: %w", key, err)
	}
	out, err := pairsToMap(res)
	if err != nil {
		return nil, fmt.Errorf("getkeyset %s: %w", key, err)
	}
	return out, nil
}

func (c *Conn) SetKeySet(ctx context.Context, key, field, value string) error {
	if err := setkeysetScript.Run(ctx, c.client, []string{key}, field, value).Err(); err != nil {
		return fmt.Errorf("setkeyset %s: %w", key, err)
	}
	return nil
}

func (c *Conn) DelKeySet(ctx context.Context, key string, fields ...string) (int64, error) {
	args := make([]any, len(fields))
	for i, f := range fields {
		args[i] = f
	}
	n, err := delkeysetScript.Run(ctx, c.client, []string{key}, args...).Int64()
	if err != nil {
		return 0, fmt.Errorf("delkeyset %s: %w", key, err)
	}
	return n, nil
}

func (c *Conn) Publish(ctx context.Context, channel, payload string) error {
	if err := c.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

func (c *Conn) Subscribe(ctx context.Context, channels ...string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return kv.ErrClosed
	}
	ps := c.pubsub
	if ps == nil {
		ps = c.client.Subscribe(ctx)
		c.pubsub = ps
		go c.dispatch(ps.Channel())
	}
	c.mu.Unlock()

	if err := ps.Subscribe(ctx, channels...); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}

func (c *Conn) OnMessage(h kv.MessageHandler) {
	c.mu.Lock()
	c.handlers = append(c.handlers, h)
	c.mu.Unlock()
}

func (c *Conn) dispatch(ch <-chan *redis.Message) {
	for m := range ch {
		c.mu.Lock()
		hs := append([]kv.MessageHandler(nil), c.handlers...)
		c.mu.Unlock()
		for _, h := range hs {
			h(c.ctx, m.Channel, m.Payload)
		}
	}
}

// Close is idempotent. It stops message dispatch without waiting for a
// running handler to return.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ps := c.pubsub
	c.mu.Unlock()

	c.cancel()
	var errs []error
	if ps != nil {
		if err := ps.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pubsub: %w", err))
		}
	}
	if err := c.client.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close client: %w", err))
	}
	return errors.Join(errs...)
}

func pairsToMap(res []any) (map[string]string, error) {
	out := make(map[string]string, len(res)/2)
	if len(res)%2 != 0 {
		return nil, fmt.Errorf("odd reply length %d", len(res))
	}
	for i := 0; i < len(res); i += 2 {
		f, err := replyString(res[i])
		if err != nil {
			return nil, err
		}
		v, err := replyString(res[i+1])
		if err != nil {
			return nil, err
		}
		out[f] = v
	}
	return out, nil
}

func replyString(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case []byte:
		return string(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	default:
		return "", fmt.Errorf("unexpected reply element %T", v)
	}
}

// Interface compliance
var _ kv.Conn = (*Conn)(nil)
