package channel

import (
	"context"
	"errors"
	"math"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/rchan/kv"
	"github.com/ggoodman/rchan/kv/memory"
	"github.com/ggoodman/rchan/payload"
	"github.com/ggoodman/rchan/session"
)

// recordingDialer dials memory connections and remembers them.
type recordingDialer struct {
	srv *memory.Server

	mu      sync.Mutex
	conns   []*memory.Conn
	configs []kv.Config
	failAt  int
	loadErr error
}

func newRecordingDialer() *recordingDialer {
	return &recordingDialer{srv: memory.NewServer(), failAt: -1}
}

func (d *recordingDialer) Dial(ctx context.Context, cfg kv.Config) (kv.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failAt == len(d.configs) {
		d.configs = append(d.configs, cfg)
		return nil, errors.New("dial refused")
	}
	d.configs = append(d.configs, cfg)
	c := d.srv.Conn()
	d.conns = append(d.conns, c)
	if d.loadErr != nil {
		return failingScripts{Conn: c, err: d.loadErr}, nil
	}
	return c, nil
}

type failingScripts struct {
	*memory.Conn
	err error
}

func (f failingScripts) LoadScripts(context.Context) error { return f.err }

func newRegistry(t *testing.T, d *recordingDialer) *Registry {
	t.Helper()
	r := New(WithDialer(d.Dial))
	t.Cleanup(func() { _ = r.CloseAll() })
	return r
}

func TestCreateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	d := newRecordingDialer()
	r := newRegistry(t, d)

	a, err := r.Create(ctx, "chan")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	b, err := r.Create(ctx, "chan", WithoutSubscriber())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if a != b {
		t.Fatal("expected the same descriptor for the same id")
	}
	if b.Subscriber == nil {
		t.Fatal("options must not alter an existing descriptor")
	}
	if len(d.conns) != 2 {
		t.Fatalf("expected 2 connections, got %d", len(d.conns))
	}
}

func TestPublisherIsShared(t *testing.T) {
	ctx := context.Background()
	d := newRecordingDialer()
	r := newRegistry(t, d)

	a, err := r.Create(ctx, "a")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	b, err := r.Create(ctx, "b")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if a.Publisher != b.Publisher {
		t.Fatal("expected descriptors to share the publisher")
	}
	if a.Subscriber == b.Subscriber {
		t.Fatal("expected a subscriber per descriptor")
	}
	if a.Sessions != b.Sessions || a.Sessions.Conn() != a.Publisher {
		t.Fatal("expected one session store bound to the publisher")
	}
	if len(d.conns) != 3 {
		t.Fatalf("expected 3 connections, got %d", len(d.conns))
	}
}

func TestPublisherReferenceCounting(t *testing.T) {
	ctx := context.Background()
	d := newRecordingDialer()
	r := newRegistry(t, d)

	a, err := r.Create(ctx, "a")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := r.Create(ctx, "b"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	pub := a.Publisher.(*memory.Conn)

	if err := r.Close("a"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !a.Subscriber.(*memory.Conn).Closed() {
		t.Fatal("expected subscriber closed with its channel")
	}
	if pub.Closed() {
		t.Fatal("publisher must stay open while channels remain")
	}
	if r.Publisher() != kv.Conn(pub) {
		t.Fatal("expected registry to keep the publisher")
	}

	if err := r.Close("b"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !pub.Closed() {
		t.Fatal("expected publisher closed with the last channel")
	}
	if r.Publisher() != nil {
		t.Fatal("expected no publisher on an empty registry")
	}
	if n := len(r.List()); n != 0 {
		t.Fatalf("expected empty list, got %d", n)
	}

	// A new channel gets a fresh publisher.
	c, err := r.Create(ctx, "c")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if c.Publisher == kv.Conn(pub) {
		t.Fatal("expected a fresh publisher")
	}
}

func TestCloseUnknownIsNoop(t *testing.T) {
	ctx := context.Background()
	d := newRecordingDialer()
	r := newRegistry(t, d)

	if err := r.Close("missing"); err != nil {
		t.Fatalf("Close: %v", err)
	}

	a, err := r.Create(ctx, "a")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := r.Close("missing"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if a.Publisher.(*memory.Conn).Closed() {
		t.Fatal("closing an unknown id must not close the publisher")
	}
	if r.Len() != 1 {
		t.Fatalf("expected 1 channel, got %d", r.Len())
	}
}

func ids(list []Entry) []string {
	out := make([]string, 0, len(list))
	for _, e := range list {
		out = append(out, e.ID)
	}
	return out
}

func TestListIsOrderedSnapshot(t *testing.T) {
	ctx := context.Background()
	d := newRecordingDialer()
	r := newRegistry(t, d)

	for _, id := range []string{"c", "a", "b"} {
		if _, err := r.Create(ctx, id); err != nil {
			t.Fatalf("Create %s: %v", id, err)
		}
	}
	list := r.List()
	if got := ids(list); !slices.Equal(got, []string{"c", "a", "b"}) {
		t.Fatalf("unexpected order %v", got)
	}

	if err := r.Close("a"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(list) != 3 {
		t.Fatal("snapshot must not change")
	}
	if got := ids(r.List()); !slices.Equal(got, []string{"c", "b"}) {
		t.Fatalf("unexpected order after close %v", got)
	}
}

func TestCloseAll(t *testing.T) {
	ctx := context.Background()
	d := newRecordingDialer()
	r := newRegistry(t, d)

	if _, err := r.Create(ctx, "a"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := r.Create(ctx, "b", WithoutSubscriber()); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := r.CloseAll(); err != nil {
		t.Fatalf("CloseAll: %v", err)
	}
	for i, c := range d.conns {
		if !c.Closed() {
			t.Fatalf("connection %d left open", i)
		}
	}
	if r.Len() != 0 || r.Publisher() != nil {
		t.Fatalf("expected empty registry, len=%d publisher=%v", r.Len(), r.Publisher())
	}
	if err := r.CloseAll(); err != nil {
		t.Fatalf("second CloseAll: %v", err)
	}
}

func TestWithoutSubscriber(t *testing.T) {
	ctx := context.Background()
	d := newRecordingDialer()
	r := newRegistry(t, d)

	ch, err := r.Create(ctx, "tx-only", WithoutSubscriber())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if ch.Subscriber != nil {
		t.Fatal("expected no subscriber")
	}
	if len(d.conns) != 1 {
		t.Fatalf("expected only the publisher dialed, got %d", len(d.conns))
	}
	if err := ch.Subscribe(ctx, func(context.Context, string, payload.Payload) {}); !errors.Is(err, ErrNoSubscriber) {
		t.Fatalf("expected ErrNoSubscriber, got %v", err)
	}
}

func TestConfigMergedOverDefaults(t *testing.T) {
	ctx := context.Background()
	d := newRecordingDialer()
	r := New(WithDialer(d.Dial), WithDefaultConfig(kv.Config{Network: "unix", Addr: "/var/run/redis.sock", DB: 2}))
	defer r.CloseAll()

	ch, err := r.Create(ctx, "chan", WithConfig(kv.Config{Addr: "cache:6379"}))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if ch.Config.Network != "tcp" || ch.Config.Addr != "cache:6379" || ch.Config.DB != 2 {
		t.Fatalf("unexpected merged config %+v", ch.Config)
	}
	if ch.Config != d.configs[0] {
		t.Fatalf("expected dialer to receive %+v, got %+v", ch.Config, d.configs[0])
	}

	def, err := r.Create(ctx, "default")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if def.Config.Addr != "/var/run/redis.sock" {
		t.Fatalf("expected default address, got %q", def.Config.Addr)
	}
}

func TestDialFailurePropagates(t *testing.T) {
	ctx := context.Background()
	d := newRecordingDialer()
	d.failAt = 1 // publisher succeeds, subscriber fails
	r := newRegistry(t, d)

	if _, err := r.Create(ctx, "chan"); err == nil {
		t.Fatal("expected dial error")
	}
	if r.Len() != 0 {
		t.Fatalf("expected no channels, got %d", r.Len())
	}
	if r.Publisher() != nil || !d.conns[0].Closed() {
		t.Fatal("publisher opened by a failed create must be released")
	}
}

func TestScriptLoadFailurePropagates(t *testing.T) {
	ctx := context.Background()
	d := newRecordingDialer()
	boom := errors.New("NOSCRIPT")
	d.loadErr = boom
	r := newRegistry(t, d)

	if _, err := r.Create(ctx, "chan"); !errors.Is(err, boom) {
		t.Fatalf("expected script load error, got %v", err)
	}
	if r.Publisher() != nil || !d.conns[0].Closed() {
		t.Fatal("publisher with failed script load must be closed and dropped")
	}
}

func TestPublishSubscribe(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d := newRecordingDialer()
	r := newRegistry(t, d)

	ch, err := r.Create(ctx, "chan")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	type delivery struct {
		channel string
		p       payload.Payload
	}
	got := make(chan delivery, 4)
	if err := ch.Subscribe(ctx, func(ctx context.Context, id string, p payload.Payload) {
		got <- delivery{id, p}
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := ch.Publish(ctx, map[string]any{"identity": "u1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	// NaN cannot be encoded and is published as text.
	if err := ch.Publish(ctx, math.NaN()); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := ch.PublishText(ctx, "plain text"); err != nil {
		t.Fatalf("PublishText: %v", err)
	}

	want := []struct {
		kind payload.Kind
		text string
	}{
		{payload.Parsed, `{"identity":"u1"}`},
		{payload.Raw, "NaN"},
		{payload.Raw, "plain text"},
	}
	for _, w := range want {
		select {
		case m := <-got:
			if m.channel != "chan" {
				t.Fatalf("expected channel chan, got %q", m.channel)
			}
			if m.p.Kind != w.kind || m.p.Text != w.text {
				t.Fatalf("expected %v %q, got %v %q", w.kind, w.text, m.p.Kind, m.p.Text)
			}
		case <-ctx.Done():
			t.Fatal("timed out waiting for message")
		}
	}
}

func TestSessionsBoundToPublisher(t *testing.T) {
	ctx := context.Background()
	d := newRecordingDialer()
	r := newRegistry(t, d)

	ch, err := r.Create(ctx, "chan")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	claim, err := ch.Sessions.ClaimIfMatching(ctx, session.CategorySystem, "u1", session.Meta{session.FieldIdentity: "u1"})
	if err != nil || !claim.Accepted {
		t.Fatalf("ClaimIfMatching: %+v err=%v", claim, err)
	}

	// A second process sharing the store sees the claim.
	other := session.New(d.srv.Conn())
	claim, err = other.ClaimIfMatching(ctx, session.CategorySystem, "u1", session.Meta{session.FieldIdentity: "u2"})
	if err != nil {
		t.Fatalf("ClaimIfMatching: %v", err)
	}
	if claim.Accepted || claim.Owner() != "u1" {
		t.Fatalf("expected rejection owned by u1, got %+v", claim)
	}
}

func TestConcurrentCreate(t *testing.T) {
	ctx := context.Background()
	d := newRecordingDialer()
	r := newRegistry(t, d)

	var wg sync.WaitGroup
	descs := make([]*Descriptor, 16)
	errs := make([]error, len(descs))
	for i := range descs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			descs[i], errs[i] = r.Create(ctx, "shared")
		}(i)
	}
	wg.Wait()
	for i, ch := range descs {
		if errs[i] != nil {
			t.Fatalf("Create %d: %v", i, errs[i])
		}
		if ch != descs[0] {
			t.Fatalf("descriptor %d differs", i)
		}
	}
	if len(d.conns) != 2 {
		t.Fatalf("expected 2 connections, got %d", len(d.conns))
	}
}
