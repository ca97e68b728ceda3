package kv

import "testing"

func TestMerge(t *testing.T) {
	testCases := []struct {
		name string
		base Config
		over Config
		want Config
	}{
		{
			name: "zero override keeps defaults",
			base: DefaultConfig(),
			want: Config{Network: "unix", Addr: DefaultSocket},
		},
		{
			name: "tcp address replaces socket",
			base: DefaultConfig(),
			over: Config{Addr: "localhost:6379"},
			want: Config{Network: "tcp", Addr: "localhost:6379"},
		},
		{
			name: "absolute socket path",
			base: Config{Network: "tcp", Addr: "localhost:6379"},
			over: Config{Addr: "/tmp/redis.sock"},
			want: Config{Network: "unix", Addr: "/tmp/redis.sock"},
		},
		{
			name: "explicit network wins",
			base: DefaultConfig(),
			over: Config{Network: "tcp", Addr: "redis.sock"},
			want: Config{Network: "tcp", Addr: "redis.sock"},
		},
		{
			name: "credentials and db",
			base: Config{Network: "tcp", Addr: "a:1", DB: 1},
			over: Config{Username: "u", Password: "p", DB: 4},
			want: Config{Network: "tcp", Addr: "a:1", Username: "u", Password: "p", DB: 4},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := tc.base.Merge(tc.over)
			if got != tc.want {
				t.Fatalf("expected %+v, got %+v", tc.want, got)
			}
		})
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("RCHAN_REDIS_NETWORK", "")
	t.Setenv("RCHAN_REDIS_ADDR", "cache:6380")
	t.Setenv("RCHAN_REDIS_DB", "5")

	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv: %v", err)
	}
	want := Config{Network: "tcp", Addr: "cache:6380", DB: 5}
	if cfg != want {
		t.Fatalf("expected %+v, got %+v", want, cfg)
	}
}
