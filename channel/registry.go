package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ggoodman/rchan/internal/logctx"
	"github.com/ggoodman/rchan/kv"
	kvredis "github.com/ggoodman/rchan/kv/redis"
	"github.com/ggoodman/rchan/metrics"
	"github.com/ggoodman/rchan/session"
)

// Option configures a Registry.
type Option func(*Registry)

// WithDialer sets how connections are opened. Defaults to the Redis dialer.
func WithDialer(d kv.Dialer) Option {
	return func(r *Registry) { r.dial = d }
}

// WithDefaultConfig sets the configuration new channels start from before
// their own overrides are merged in. Defaults to kv.DefaultConfig().
func WithDefaultConfig(cfg kv.Config) Option {
	return func(r *Registry) { r.defaults = cfg }
}

// WithLogger sets the logger. If not provided, slog.Default() is used.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// WithMetrics records registry size and message counts on m.
func WithMetrics(m *metrics.Collectors) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithSessionOptions configures the session store attached to every descriptor.
func WithSessionOptions(opts ...session.Option) Option {
	return func(r *Registry) { r.sessionOpts = append(r.sessionOpts, opts...) }
}

// Registry maps channel ids to descriptors. All descriptors share a single
// publish connection, opened with the first channel and closed with the last.
type Registry struct {
	dial        kv.Dialer
	defaults    kv.Config
	log         *slog.Logger
	metrics     *metrics.Collectors
	sessionOpts []session.Option

	mu        sync.Mutex
	publisher kv.Conn
	sessions  *session.Store
	channels  map[string]*Descriptor
	order     []string
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		dial:     kvredis.Dial,
		defaults: kv.DefaultConfig(),
		channels: make(map[string]*Descriptor),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = logctx.New(r.log)
	return r
}

// CreateOption configures Create for a new channel. Options are ignored when
// the channel already exists.
type CreateOption func(*createConfig)

type createConfig struct {
	config     kv.Config
	subscriber bool
}

// WithConfig overrides registry defaults for the channel's connections.
func WithConfig(cfg kv.Config) CreateOption {
	return func(c *createConfig) { c.config = cfg }
}

// WithoutSubscriber creates a publish-only descriptor.
func WithoutSubscriber() CreateOption {
	return func(c *createConfig) { c.subscriber = false }
}

// Create returns the descriptor for id, building it on first use. Building
// opens the shared publish connection if none is open, loading the default
// scripts on it, and opens a dedicated subscribe connection unless
// WithoutSubscriber is given. An existing descriptor is returned untouched.
func (r *Registry) Create(ctx context.Context, id string, opts ...CreateOption) (*Descriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if d, ok := r.channels[id]; ok {
		return d, nil
	}

	cc := createConfig{subscriber: true}
	for _, opt := range opts {
		opt(&cc)
	}
	cfg := r.defaults.Merge(cc.config)
	ctx = logctx.WithChannelData(ctx, &logctx.ChannelData{ChannelID: id})

	if r.publisher == nil {
		pub, err := r.dial(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("dial publish connection: %w", err)
		}
		if err := pub.LoadScripts(ctx); err != nil {
			_ = pub.Close()
			return nil, fmt.Errorf("load scripts: %w", err)
		}
		r.publisher = pub
		r.sessions = session.New(pub, append([]session.Option{session.WithLogger(r.log), session.WithMetrics(r.metrics)}, r.sessionOpts...)...)
		r.metrics.SetPublisher(true)
		r.log.InfoContext(logctx.WithConnData(ctx, &logctx.ConnData{ConnID: pub.ID(), Role: "publish"}), "channel.publisher.open")
	}

	d := &Descriptor{
		ID:        id,
		Config:    cfg,
		Publisher: r.publisher,
		Sessions:  r.sessions,
		log:       r.log,
		metrics:   r.metrics,
	}
	if cc.subscriber {
		sub, err := r.dial(ctx, cfg)
		if err != nil {
			r.releasePublisherIfIdle(ctx)
			return nil, fmt.Errorf("dial subscribe connection: %w", err)
		}
		d.Subscriber = sub
	}

	r.channels[id] = d
	r.order = append(r.order, id)
	r.metrics.SetChannels(len(r.channels))
	r.log.InfoContext(ctx, "channel.open", slog.Bool("subscriber", cc.subscriber))
	return d, nil
}

// Close disconnects id's subscribe connection and forgets the channel. When
// it was the last channel the publish connection is closed too. Closing an
// unknown id is a no-op.
func (r *Registry) Close(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeLocked(id)
}

func (r *Registry) closeLocked(id string) error {
	d, ok := r.channels[id]
	if !ok {
		return nil
	}
	ctx := logctx.WithChannelData(context.Background(), &logctx.ChannelData{ChannelID: id})

	var errs []error
	if d.Subscriber != nil {
		if err := d.Subscriber.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close subscribe connection %s: %w", id, err))
		}
	}
	delete(r.channels, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.metrics.SetChannels(len(r.channels))
	r.log.InfoContext(ctx, "channel.close")

	if len(r.channels) == 0 {
		if err := r.closePublisherLocked(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CloseAll closes every channel in creation order and then tears down the
// publish connection regardless of registry state.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, id := range append([]string(nil), r.order...) {
		if err := r.closeLocked(id); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.closePublisherLocked(context.Background()); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (r *Registry) closePublisherLocked(ctx context.Context) error {
	if r.publisher == nil {
		return nil
	}
	pub := r.publisher
	r.publisher = nil
	r.sessions = nil
	r.metrics.SetPublisher(false)
	r.log.InfoContext(logctx.WithConnData(ctx, &logctx.ConnData{ConnID: pub.ID(), Role: "publish"}), "channel.publisher.close")
	if err := pub.Close(); err != nil {
		return fmt.Errorf("close publish connection: %w", err)
	}
	return nil
}

// releasePublisherIfIdle undoes a publisher opened by a Create that then failed.
func (r *Registry) releasePublisherIfIdle(ctx context.Context) {
	if len(r.channels) != 0 {
		return
	}
	if err := r.closePublisherLocked(ctx); err != nil {
		r.log.WarnContext(ctx, "channel.publisher.close.fail", slog.String("err", err.Error()))
	}
}

// Entry is one element of List.
type Entry struct {
	ID         string
	Descriptor *Descriptor
}

// List returns a snapshot of the open channels in creation order.
func (r *Registry) List() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, Entry{ID: id, Descriptor: r.channels[id]})
	}
	return out
}

// Len returns the number of open channels.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}

// Publisher returns the shared publish connection, or nil when no channel is open.
func (r *Registry) Publisher() kv.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.publisher
}
