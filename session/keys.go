package session

// Key names the store keys of one session.
type Key struct {
	Category Category
	Identity string
}

// KeyFor returns the Key for (c, identity).
func KeyFor(c Category, identity string) Key {
	return Key{Category: c, Identity: identity}
}

// Meta returns session:{category}:{identity}:meta, the hash holding session
// metadata, generally with a TTL of one day from connection or
// disconnection time.
func (k Key) Meta() string {
	return "session:" + k.Category.String() + ":" + k.Identity + ":meta"
}

// KeySet returns session:{category}:{identity}:keyset, the collection of keys
// a client should reference when it connects.
func (k Key) KeySet() string {
	return "session:" + k.Category.String() + ":" + k.Identity + ":keyset"
}
