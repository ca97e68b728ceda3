// Package kv defines the connection contract the channel registry and the
// session store are written against. A Conn is a single logical connection to
// a remote key-value store that supports hashes, absolute expiry, deletion,
// a small set of server-side atomic scripts and publish/subscribe.
//
// Implementations
//
//	redis  : go-redis backed connection; scripts execute as Lua on the server
//	memory : in-process keyspace shared by every Conn dialed from one Server
//
// Both implementations are exercised by the conformance suite in kvtest.
//
// # Scripts
//
// The default scripts are the only multi-step operations in the contract and
// each runs as one uninterruptible unit against the keyspace:
//
//	hsetifget(key, cond, value, expiresAt) -> nil | current hash
//	getkeyset(key)                         -> hash
//	setkeyset(key, field, value)           -> OK
//	delkeyset(key, fields...)              -> removed count
//
// Callers should invoke LoadScripts once on a fresh connection before the
// first scripted call. Implementations fall back to sending the script body
// if the server lost its script cache, so loading is an optimisation and not
// a correctness requirement.
package kv
