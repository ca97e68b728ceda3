// Package channel manages the connections used to publish and subscribe on
// named channels.
//
// A Registry hands out one Descriptor per channel id. Every descriptor shares
// the registry's single publish connection, which is opened with the first
// channel (and has the default store scripts loaded on it) and closed when
// the last channel closes. Each descriptor owns its own subscribe connection.
//
// Registries are explicit values: construct one at process start and pass it
// to whatever needs channels. Tests build their own.
//
//	reg := channel.New(channel.WithLogger(log))
//	defer reg.CloseAll()
//
//	ch, err := reg.Create(ctx, "chan")
//	if err != nil { return err }
//	_ = ch.Subscribe(ctx, func(ctx context.Context, id string, p payload.Payload) { ... })
//	_ = ch.Publish(ctx, map[string]any{"hello": "world"})
//
// The registry performs no retries; connection failures surface from Create
// and from the descriptor's operations unchanged.
package channel
