package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/rchan/kv"
	"github.com/ggoodman/rchan/kv/kvtest"
)

func TestMemoryConn(t *testing.T) {
	srv := NewServer()
	kvtest.Run(t, func(t *testing.T) kv.Conn {
		return srv.Conn()
	})
}

func TestExpiryUsesServerClock(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	srv := NewServer(WithClock(func() time.Time { return now }))
	c := srv.Conn()
	defer c.Close()
	ctx := context.Background()

	if err := c.HSet(ctx, "k", map[string]string{"a": "1"}); err != nil {
		t.Fatalf("HSet: %v", err)
	}
	if ok, err := c.PExpireAt(ctx, "k", now.Add(time.Minute)); err != nil || !ok {
		t.Fatalf("PExpireAt: ok=%v err=%v", ok, err)
	}

	now = now.Add(59 * time.Second)
	if got, _ := c.HGetAll(ctx, "k"); len(got) != 1 {
		t.Fatalf("expected key alive, got %v", got)
	}

	now = now.Add(time.Second)
	if got, _ := c.HGetAll(ctx, "k"); len(got) != 0 {
		t.Fatalf("expected key expired, got %v", got)
	}
}

func TestClosedConn(t *testing.T) {
	srv := NewServer()
	c := srv.Conn()
	ctx := context.Background()

	if err := c.Subscribe(ctx, "chan"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if n := srv.Subscribers("chan"); n != 1 {
		t.Fatalf("expected 1 subscriber, got %d", n)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !c.Closed() {
		t.Fatal("expected Closed to report true")
	}
	if n := srv.Subscribers("chan"); n != 0 {
		t.Fatalf("expected subscription released, got %d", n)
	}
	if _, err := c.HGetAll(ctx, "k"); !errors.Is(err, kv.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := c.Publish(ctx, "chan", "x"); !errors.Is(err, kv.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestSubscribeRacingCloseLeavesNoSubscriber(t *testing.T) {
	srv := NewServer()
	ctx := context.Background()

	for i := 0; i < 200; i++ {
		c := srv.Conn()
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			err := c.Subscribe(ctx, "chan")
			if err != nil && !errors.Is(err, kv.ErrClosed) {
				t.Errorf("Subscribe: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			_ = c.Close()
		}()
		wg.Wait()
		if n := srv.Subscribers("chan"); n != 0 {
			t.Fatalf("iteration %d: closed conn left %d subscribers", i, n)
		}
	}
}

func TestSubscribeAfterClose(t *testing.T) {
	srv := NewServer()
	c := srv.Conn()
	_ = c.Close()
	if err := c.Subscribe(context.Background(), "chan"); !errors.Is(err, kv.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if n := srv.Subscribers("chan"); n != 0 {
		t.Fatalf("expected no subscribers, got %d", n)
	}
}
