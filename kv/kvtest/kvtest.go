// Package kvtest is a conformance suite for kv.Conn implementations.
package kvtest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/rchan/kv"
)

// ConnFactory returns a fresh connection. Connections returned from one
// factory within a single test must share a keyspace. Keys used by the suite
// are prefixed with a per-test namespace so factories need not flush state.
type ConnFactory func(t *testing.T) kv.Conn

// Run runs the complete suite against the provided factory.
func Run(t *testing.T, factory ConnFactory) {
	t.Run("Hash_GetMissingIsEmpty", func(t *testing.T) { testGetMissing(t, factory) })
	t.Run("Hash_SetMerges", func(t *testing.T) { testSetMerges(t, factory) })
	t.Run("Hash_DelReportsExistence", func(t *testing.T) { testDel(t, factory) })
	t.Run("Expiry_PExpireAt", func(t *testing.T) { testPExpireAt(t, factory) })
	t.Run("Script_HSetIfGet_FirstWrite", func(t *testing.T) { testHSetIfGetFirstWrite(t, factory) })
	t.Run("Script_HSetIfGet_GuardRejects", func(t *testing.T) { testHSetIfGetReject(t, factory) })
	t.Run("Script_HSetIfGet_GuardAcceptsAndMerges", func(t *testing.T) { testHSetIfGetAccept(t, factory) })
	t.Run("Script_HSetIfGet_EmptyCondAlwaysWrites", func(t *testing.T) { testHSetIfGetEmptyCond(t, factory) })
	t.Run("Script_HSetIfGet_ConcurrentClaims", func(t *testing.T) { testHSetIfGetConcurrent(t, factory) })
	t.Run("Script_KeySet", func(t *testing.T) { testKeySet(t, factory) })
	t.Run("Script_KeySet_DelManyFields", func(t *testing.T) { testKeySetDelMany(t, factory) })
	t.Run("PubSub_DeliversInOrder", func(t *testing.T) { testPubSubOrder(t, factory) })
	t.Run("PubSub_CloseStopsDelivery", func(t *testing.T) { testPubSubClose(t, factory) })
}

func ns(t *testing.T, key string) string {
	return fmt.Sprintf("kvtest:%s:%d:%s", t.Name(), time.Now().UnixNano(), key)
}

func open(t *testing.T, factory ConnFactory) kv.Conn {
	t.Helper()
	c := factory(t)
	t.Cleanup(func() { _ = c.Close() })
	if err := c.LoadScripts(context.Background()); err != nil {
		t.Fatalf("LoadScripts: %v", err)
	}
	return c
}

func equalHash(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

func testGetMissing(t *testing.T, factory ConnFactory) {
	c := open(t, factory)
	got, err := c.HGetAll(context.Background(), ns(t, "missing"))
	if err != nil {
		t.Fatalf("HGetAll: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil map, got %#v", got)
	}
}

func testSetMerges(t *testing.T, factory ConnFactory) {
	ctx := context.Background()
	c := open(t, factory)
	key := ns(t, "h")

	if err := c.HSet(ctx, key, map[string]string{"a": "1", "b": "2"}); err != nil {
		t.Fatalf("HSet: %v", err)
	}
	if err := c.HSet(ctx, key, map[string]string{"b": "3", "c": "4"}); err != nil {
		t.Fatalf("HSet: %v", err)
	}
	got, err := c.HGetAll(ctx, key)
	if err != nil {
		t.Fatalf("HGetAll: %v", err)
	}
	want := map[string]string{"a": "1", "b": "3", "c": "4"}
	if !equalHash(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func testDel(t *testing.T, factory ConnFactory) {
	ctx := context.Background()
	c := open(t, factory)
	key := ns(t, "h")

	n, err := c.Del(ctx, key)
	if err != nil {
		t.Fatalf("Del: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 removed for missing key, got %d", n)
	}
	if err := c.HSet(ctx, key, map[string]string{"a": "1"}); err != nil {
		t.Fatalf("HSet: %v", err)
	}
	n, err = c.Del(ctx, key)
	if err != nil {
		t.Fatalf("Del: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 removed, got %d", n)
	}
}

func testPExpireAt(t *testing.T, factory ConnFactory) {
	ctx := context.Background()
	c := open(t, factory)
	key := ns(t, "h")

	ok, err := c.PExpireAt(ctx, key, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("PExpireAt: %v", err)
	}
	if ok {
		t.Fatal("expected false for missing key")
	}

	if err := c.HSet(ctx, key, map[string]string{"a": "1"}); err != nil {
		t.Fatalf("HSet: %v", err)
	}
	ok, err = c.PExpireAt(ctx, key, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("PExpireAt: %v", err)
	}
	if !ok {
		t.Fatal("expected true for existing key")
	}

	// An expiry in the past removes the key.
	if _, err := c.PExpireAt(ctx, key, time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("PExpireAt: %v", err)
	}
	got, err := c.HGetAll(ctx, key)
	if err != nil {
		t.Fatalf("HGetAll: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected key expired, got %v", got)
	}
}

func testHSetIfGetFirstWrite(t *testing.T, factory ConnFactory) {
	ctx := context.Background()
	c := open(t, factory)
	key := ns(t, "meta")

	value := map[string]string{"identity": "u1", "role": "admin"}
	cur, ok, err := c.HSetIfGet(ctx, key, map[string]string{"identity": "u1"}, value, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("HSetIfGet: %v", err)
	}
	if !ok || cur != nil {
		t.Fatalf("expected first write accepted with no payload, got ok=%v cur=%v", ok, cur)
	}
	got, _ := c.HGetAll(ctx, key)
	if !equalHash(got, value) {
		t.Fatalf("expected %v, got %v", value, got)
	}
}

func testHSetIfGetReject(t *testing.T, factory ConnFactory) {
	ctx := context.Background()
	c := open(t, factory)
	key := ns(t, "meta")

	initial := map[string]string{"identity": "u1", "role": "admin"}
	if err := c.HSet(ctx, key, initial); err != nil {
		t.Fatalf("HSet: %v", err)
	}
	cur, ok, err := c.HSetIfGet(ctx, key, map[string]string{"identity": "u2"}, map[string]string{"identity": "u2", "role": "guest"}, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("HSetIfGet: %v", err)
	}
	if ok {
		t.Fatal("expected guard rejection")
	}
	if !equalHash(cur, initial) {
		t.Fatalf("expected current %v, got %v", initial, cur)
	}
	got, _ := c.HGetAll(ctx, key)
	if !equalHash(got, initial) {
		t.Fatalf("expected no mutation, got %v", got)
	}

	// A condition on a field the hash does not carry also fails.
	_, ok, err = c.HSetIfGet(ctx, key, map[string]string{"node": "n1"}, map[string]string{"identity": "u1"}, time.Time{})
	if err != nil {
		t.Fatalf("HSetIfGet: %v", err)
	}
	if ok {
		t.Fatal("expected rejection on absent condition field")
	}
}

func testHSetIfGetAccept(t *testing.T, factory ConnFactory) {
	ctx := context.Background()
	c := open(t, factory)
	key := ns(t, "meta")

	if err := c.HSet(ctx, key, map[string]string{"identity": "u1", "role": "admin"}); err != nil {
		t.Fatalf("HSet: %v", err)
	}
	_, ok, err := c.HSetIfGet(ctx, key, map[string]string{"identity": "u1"}, map[string]string{"identity": "u1", "lastSeen": "42"}, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("HSetIfGet: %v", err)
	}
	if !ok {
		t.Fatal("expected guard to pass")
	}
	got, _ := c.HGetAll(ctx, key)
	want := map[string]string{"identity": "u1", "role": "admin", "lastSeen": "42"}
	if !equalHash(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}

	// The expiry attached by the script is honoured.
	if _, _, err := c.HSetIfGet(ctx, key, nil, map[string]string{"identity": "u1"}, time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("HSetIfGet: %v", err)
	}
	got, _ = c.HGetAll(ctx, key)
	if len(got) != 0 {
		t.Fatalf("expected key expired by script, got %v", got)
	}
}

func testHSetIfGetEmptyCond(t *testing.T, factory ConnFactory) {
	ctx := context.Background()
	c := open(t, factory)
	key := ns(t, "meta")

	if err := c.HSet(ctx, key, map[string]string{"identity": "u1", "role": "admin"}); err != nil {
		t.Fatalf("HSet: %v", err)
	}
	_, ok, err := c.HSetIfGet(ctx, key, map[string]string{}, map[string]string{"identity": "u2"}, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("HSetIfGet: %v", err)
	}
	if !ok {
		t.Fatal("expected empty condition to pass")
	}
	got, _ := c.HGetAll(ctx, key)
	want := map[string]string{"identity": "u2", "role": "admin"}
	if !equalHash(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func testHSetIfGetConcurrent(t *testing.T, factory ConnFactory) {
	ctx := context.Background()
	key := ns(t, "meta")

	const writers = 8
	conns := make([]kv.Conn, writers)
	for i := range conns {
		conns[i] = open(t, factory)
	}

	// Every writer tries to claim as a distinct identity. The hash does not
	// exist yet, so exactly the writers that land before the first commit can
	// pass; after that only the owner matches.
	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i, c := range conns {
		wg.Add(1)
		go func(i int, c kv.Conn) {
			defer wg.Done()
			id := fmt.Sprintf("w%d", i)
			for j := 0; j < 5; j++ {
				_, ok, err := c.HSetIfGet(ctx, key, map[string]string{"identity": id}, map[string]string{"identity": id}, time.Now().Add(time.Hour))
				if err != nil {
					t.Errorf("HSetIfGet: %v", err)
					return
				}
				if ok {
					mu.Lock()
					accepted++
					mu.Unlock()
				}
			}
		}(i, c)
	}
	wg.Wait()

	got, _ := conns[0].HGetAll(ctx, key)
	owner := got["identity"]
	if owner == "" {
		t.Fatal("expected an owner")
	}
	if accepted != 5 {
		t.Fatalf("expected only the owner's 5 writes to be accepted, got %d", accepted)
	}
}

func testKeySet(t *testing.T, factory ConnFactory) {
	ctx := context.Background()
	c := open(t, factory)
	key := ns(t, "keyset")

	got, err := c.GetKeySet(ctx, key)
	if err != nil {
		t.Fatalf("GetKeySet: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty keyset, got %v", got)
	}

	if err := c.SetKeySet(ctx, key, "cache:a", "1"); err != nil {
		t.Fatalf("SetKeySet: %v", err)
	}
	if err := c.SetKeySet(ctx, key, "cache:b", "2"); err != nil {
		t.Fatalf("SetKeySet: %v", err)
	}
	if err := c.SetKeySet(ctx, key, "cache:a", "3"); err != nil {
		t.Fatalf("SetKeySet: %v", err)
	}
	got, err = c.GetKeySet(ctx, key)
	if err != nil {
		t.Fatalf("GetKeySet: %v", err)
	}
	want := map[string]string{"cache:a": "3", "cache:b": "2"}
	if !equalHash(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}

	n, err := c.DelKeySet(ctx, key)
	if err != nil {
		t.Fatalf("DelKeySet: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 removed with no fields, got %d", n)
	}
	n, err = c.DelKeySet(ctx, key, "cache:a", "cache:missing")
	if err != nil {
		t.Fatalf("DelKeySet: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 removed, got %d", n)
	}
	got, _ = c.GetKeySet(ctx, key)
	if !equalHash(got, map[string]string{"cache:b": "2"}) {
		t.Fatalf("unexpected keyset after delete: %v", got)
	}
}

func testKeySetDelMany(t *testing.T, factory ConnFactory) {
	ctx := context.Background()
	c := open(t, factory)
	key := ns(t, "keyset")

	const n = 10000
	fields := make(map[string]string, n)
	names := make([]string, 0, n+1)
	for i := 0; i < n; i++ {
		f := fmt.Sprintf("cache:%d", i)
		fields[f] = "1"
		names = append(names, f)
	}
	if err := c.HSet(ctx, key, fields); err != nil {
		t.Fatalf("HSet: %v", err)
	}
	names = append(names, "cache:missing")

	removed, err := c.DelKeySet(ctx, key, names...)
	if err != nil {
		t.Fatalf("DelKeySet: %v", err)
	}
	if removed != n {
		t.Fatalf("expected %d removed, got %d", n, removed)
	}
	if got, _ := c.GetKeySet(ctx, key); len(got) != 0 {
		t.Fatalf("expected empty keyset, got %d fields", len(got))
	}
}

func testPubSubOrder(t *testing.T, factory ConnFactory) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pub := open(t, factory)
	sub := open(t, factory)
	channel := ns(t, "chan")

	const total = 20
	got := make(chan string, total)
	sub.OnMessage(func(ctx context.Context, ch, payload string) {
		if ch == channel {
			got <- payload
		}
	})
	if err := sub.Subscribe(ctx, channel); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// Redis acknowledges SUBSCRIBE asynchronously with respect to PUBLISH on
	// another connection.
	time.Sleep(100 * time.Millisecond)

	for i := 0; i < total; i++ {
		if err := pub.Publish(ctx, channel, fmt.Sprintf("m%d", i)); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	for i := 0; i < total; i++ {
		select {
		case p := <-got:
			if want := fmt.Sprintf("m%d", i); p != want {
				t.Fatalf("expected %s, got %s", want, p)
			}
		case <-ctx.Done():
			t.Fatalf("timed out after %d messages", i)
		}
	}
}

func testPubSubClose(t *testing.T, factory ConnFactory) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pub := open(t, factory)
	sub := factory(t)
	channel := ns(t, "chan")

	got := make(chan string, 4)
	sub.OnMessage(func(ctx context.Context, ch, payload string) { got <- payload })
	if err := sub.Subscribe(ctx, channel); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if err := sub.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := pub.Publish(ctx, channel, "after-close"); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case p := <-got:
		t.Fatalf("unexpected delivery after close: %s", p)
	case <-time.After(200 * time.Millisecond):
	}
}
