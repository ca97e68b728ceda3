// Package session persists per-identity session state in the backing store.
//
// A session is addressed by a Category and an identity and owns two keys:
//
//	session:{category}:{identity}:meta    hash of metadata (Meta)
//	session:{category}:{identity}:keyset  auxiliary store-key bindings (KeySet)
//
// The two keys have independent lifecycles and are never updated together
// atomically.
//
// # Claims
//
// ConditionalSet is a compare-and-merge over the identity field, executed as
// a single server-side script so concurrent writers from independent
// processes serialize per key:
//
//	Unclaimed      -> Claimed(X)  first write, guard passes vacuously
//	Claimed(X)     -> Claimed(X)  matching write, fields merge
//	Claimed(X)     -> Claimed(X)  mismatched write from Y, rejected, state returned
//	Claimed(X)     -> Unclaimed   Remove
//
// A rejection is not an error: Claim.Accepted is false and Claim.Current
// shows the owner. Only precondition violations (missing identity, a field
// the category does not permit) are returned as errors, before any network
// round trip. Every accepted claim sets the meta key to expire at now plus
// the store TTL unless an explicit time is given.
//
// Typed records (SystemMeta, DealerMeta, ProjectMeta) carry their category
// in their Go type, so ClaimRecord and PutRecord need no field checks.
//
// Example:
//
//	store := session.New(conn)
//	claim, err := store.ClaimIfMatching(ctx, session.CategorySystem, "u1",
//		session.Meta{session.FieldIdentity: "u1", session.FieldRole: "admin"})
//	if err != nil { return err }
//	if !claim.Accepted {
//		log.Printf("session owned by %s", claim.Owner())
//	}
package session
