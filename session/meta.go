package session

import (
	"fmt"
	"maps"
	"strconv"
	"time"
)

// Meta is the session metadata hash.
type Meta map[string]string

// Identity returns the guard field.
func (m Meta) Identity() string { return m[FieldIdentity] }

// Clone returns a copy of m.
func (m Meta) Clone() Meta { return maps.Clone(m) }

// With returns a copy of m with field set to value.
func (m Meta) With(field, value string) Meta {
	out := make(Meta, len(m)+1)
	maps.Copy(out, m)
	out[field] = value
	return out
}

// WithTime returns a copy of m with field set to t in milliseconds since the
// epoch, the representation used for every timestamp in the hash.
func (m Meta) WithTime(field string, t time.Time) Meta {
	return m.With(field, strconv.FormatInt(t.UnixMilli(), 10))
}

// Time parses a millisecond timestamp field.
func (m Meta) Time(field string) (time.Time, bool) {
	v, ok := m[field]
	if !ok {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// validate checks every field of m against the category's field set.
func (m Meta) validate(c Category) error {
	for f := range m {
		if !c.Permits(f) {
			return fmt.Errorf("%w: %q for %s", ErrFieldNotPermitted, f, c)
		}
	}
	return nil
}

// KeySet is the auxiliary collection of store keys bound to a session.
type KeySet map[string]string

// Claim is the outcome of a conditional write. When Accepted is false the
// write was not applied and Current holds the stored metadata.
type Claim struct {
	Accepted bool
	Current  Meta
}

// Owner returns the identity that currently holds a rejected session.
func (c Claim) Owner() string { return c.Current.Identity() }
