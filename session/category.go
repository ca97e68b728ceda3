package session

import (
	"errors"
	"fmt"
	"slices"
)

// ErrUnknownCategory is returned for a Category outside the enumeration.
var ErrUnknownCategory = errors.New("session: unknown category")

// Category partitions the session key space by identity class.
type Category uint8

const (
	CategorySystem Category = iota + 1
	CategoryDealer
	CategoryProject
)

// Categories lists every valid category.
var Categories = []Category{CategorySystem, CategoryDealer, CategoryProject}

// Meta fields.
const (
	FieldIdentity       = "identity"
	FieldRole           = "role"
	FieldState          = "state"
	FieldLastSeen       = "lastSeen"
	FieldConnectedAt    = "connectedAt"
	FieldDisconnectedAt = "disconnectedAt"
	FieldRemoteAddr     = "remoteAddr"
	FieldNode           = "node"
)

var categoryFields = map[Category][]string{
	CategorySystem: {
		FieldIdentity, FieldRole, FieldState, FieldLastSeen,
		FieldConnectedAt, FieldDisconnectedAt, FieldRemoteAddr, FieldNode,
	},
	CategoryDealer:  {FieldIdentity, FieldRole, FieldState, FieldLastSeen},
	CategoryProject: {FieldIdentity, FieldRole, FieldState, FieldLastSeen},
}

// String returns the name used in store keys.
func (c Category) String() string {
	switch c {
	case CategorySystem:
		return "systemIdentityID"
	case CategoryDealer:
		return "dealerIdentityID"
	case CategoryProject:
		return "projectIdentityID"
	default:
		return fmt.Sprintf("Category(%d)", uint8(c))
	}
}

// Valid reports whether c is a member of the enumeration.
func (c Category) Valid() bool {
	_, ok := categoryFields[c]
	return ok
}

// Fields returns the meta fields c permits.
func (c Category) Fields() []string {
	return slices.Clone(categoryFields[c])
}

// Permits reports whether field may be written for c.
func (c Category) Permits(field string) bool {
	return slices.Contains(categoryFields[c], field)
}

// ParseCategory maps a key-space name back to its Category.
func ParseCategory(s string) (Category, error) {
	for _, c := range Categories {
		if c.String() == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownCategory, s)
}
