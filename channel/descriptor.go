package channel

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ggoodman/rchan/internal/logctx"
	"github.com/ggoodman/rchan/kv"
	"github.com/ggoodman/rchan/metrics"
	"github.com/ggoodman/rchan/payload"
	"github.com/ggoodman/rchan/session"
)

// ErrNoSubscriber is returned by Subscribe on a publish-only descriptor.
var ErrNoSubscriber = errors.New("channel: descriptor has no subscribe connection")

// Descriptor is the registry's record of one channel. Its connections belong
// to the registry; callers must not Close them.
type Descriptor struct {
	ID     string
	Config kv.Config
	// Publisher is shared by every descriptor of the registry.
	Publisher kv.Conn
	// Subscriber is owned by this descriptor and nil when created
	// WithoutSubscriber.
	Subscriber kv.Conn
	// Sessions issues session commands on Publisher.
	Sessions *session.Store

	log     *slog.Logger
	metrics *metrics.Collectors
}

// Handler receives decoded messages for a channel.
type Handler func(ctx context.Context, channel string, p payload.Payload)

// Publish encodes v as JSON and publishes it on the channel. Values that
// cannot be encoded are published as their fmt text.
func (d *Descriptor) Publish(ctx context.Context, v any) error {
	text, ok := payload.Encode(v)
	kind := metrics.KindParsed
	if !ok {
		kind = metrics.KindRaw
		d.log.DebugContext(d.logContext(ctx), "channel.publish.raw")
	}
	if err := d.Publisher.Publish(ctx, d.ID, text); err != nil {
		return err
	}
	d.metrics.ObserveMessage("out", kind)
	return nil
}

// PublishText publishes text as is.
func (d *Descriptor) PublishText(ctx context.Context, text string) error {
	if err := d.Publisher.Publish(ctx, d.ID, text); err != nil {
		return err
	}
	d.metrics.ObserveMessage("out", metrics.KindRaw)
	return nil
}

// Subscribe registers h for messages on the subscribe connection and
// subscribes it to the channel. Messages that are not JSON reach h as Raw
// payloads. Handlers run in receipt order.
func (d *Descriptor) Subscribe(ctx context.Context, h Handler) error {
	if d.Subscriber == nil {
		return ErrNoSubscriber
	}
	d.Subscriber.OnMessage(func(ctx context.Context, channel, text string) {
		p := payload.Decode(text)
		d.metrics.ObserveMessage("in", p.Kind.String())
		h(d.logContext(ctx), channel, p)
	})
	return d.Subscriber.Subscribe(ctx, d.ID)
}

func (d *Descriptor) logContext(ctx context.Context) context.Context {
	return logctx.WithChannelData(ctx, &logctx.ChannelData{ChannelID: d.ID})
}
