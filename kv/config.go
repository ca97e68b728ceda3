package kv

import (
	"strings"

	"github.com/joeshaw/envdecode"
)

// DefaultSocket is the unix socket path used when no address is configured.
const DefaultSocket = "../redis.sock"

// Config describes how to reach the store. Defaults can be loaded via envdecode.
type Config struct {
	// Network is "unix" or "tcp". When empty it is inferred from Addr.
	// ENV: RCHAN_REDIS_NETWORK
	Network string `env:"RCHAN_REDIS_NETWORK"`
	// Addr is a socket path or host:port. ENV: RCHAN_REDIS_ADDR
	Addr string `env:"RCHAN_REDIS_ADDR,default=../redis.sock"`
	// ENV: RCHAN_REDIS_USERNAME
	Username string `env:"RCHAN_REDIS_USERNAME"`
	// ENV: RCHAN_REDIS_PASSWORD
	Password string `env:"RCHAN_REDIS_PASSWORD"`
	// ENV: RCHAN_REDIS_DB
	DB int `env:"RCHAN_REDIS_DB,default=0"`
}

// DefaultConfig returns the configuration used when a caller supplies none.
func DefaultConfig() Config {
	return Config{Network: "unix", Addr: DefaultSocket}
}

// ConfigFromEnv decodes Config from the environment on top of DefaultConfig.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return Config{}, err
	}
	return DefaultConfig().Merge(cfg), nil
}

// Merge returns c overlaid with every non-zero field of o. An address given
// without a network replaces the network as well, so a tcp override of the
// default socket does not inherit "unix".
func (c Config) Merge(o Config) Config {
	if o.Addr != "" {
		c.Addr = o.Addr
		c.Network = o.Network
	} else if o.Network != "" {
		c.Network = o.Network
	}
	if o.Username != "" {
		c.Username = o.Username
	}
	if o.Password != "" {
		c.Password = o.Password
	}
	if o.DB != 0 {
		c.DB = o.DB
	}
	c.Network = c.ResolvedNetwork()
	return c
}

// ResolvedNetwork returns Network, or infers it from Addr when unset.
func (c Config) ResolvedNetwork() string {
	if c.Network != "" {
		return c.Network
	}
	if strings.HasPrefix(c.Addr, "/") || strings.HasPrefix(c.Addr, ".") || strings.HasSuffix(c.Addr, ".sock") {
		return "unix"
	}
	return "tcp"
}
