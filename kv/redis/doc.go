// Package redis implements kv.Conn on top of github.com/redis/go-redis/v9.
//
// Every Conn wraps its own client. Scripted operations go through
// redis.Script, which issues EVALSHA and falls back to EVAL when the server
// does not know the digest, so they stay atomic even after a SCRIPT FLUSH.
//
// Pub/sub uses a dedicated *redis.PubSub created on the first Subscribe.
// Received messages are dispatched by one goroutine per connection, which
// keeps handler invocations in receipt order.
//
// Example:
//
//	conn, err := redis.Dial(ctx, kv.Config{Network: "tcp", Addr: "localhost:6379"})
//	if err != nil { return err }
//	defer conn.Close()
package redis
