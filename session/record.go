package session

import (
	"strconv"
	"time"
)

// Record is session metadata whose Go type fixes its category and therefore
// its field set. SystemMeta, DealerMeta and ProjectMeta are the only
// implementations.
type Record interface {
	Category() Category
	Identity() string
	// Meta encodes the record as a hash. Empty strings and zero times are
	// omitted so a partial record merges into the stored hash.
	Meta() Meta

	record()
}

// SystemMeta is the metadata of a CategorySystem session.
type SystemMeta struct {
	ID             string
	Role           string
	State          string
	LastSeen       time.Time
	ConnectedAt    time.Time
	DisconnectedAt time.Time
	RemoteAddr     string
	Node           string
}

func (SystemMeta) Category() Category { return CategorySystem }
func (m SystemMeta) Identity() string { return m.ID }
func (SystemMeta) record()            {}

func (m SystemMeta) Meta() Meta {
	out := Meta{}
	putString(out, FieldIdentity, m.ID)
	putString(out, FieldRole, m.Role)
	putString(out, FieldState, m.State)
	putTime(out, FieldLastSeen, m.LastSeen)
	putTime(out, FieldConnectedAt, m.ConnectedAt)
	putTime(out, FieldDisconnectedAt, m.DisconnectedAt)
	putString(out, FieldRemoteAddr, m.RemoteAddr)
	putString(out, FieldNode, m.Node)
	return out
}

// SystemMetaFrom decodes a stored hash. Unknown fields are ignored.
func SystemMetaFrom(m Meta) SystemMeta {
	return SystemMeta{
		ID:             m[FieldIdentity],
		Role:           m[FieldRole],
		State:          m[FieldState],
		LastSeen:       timeField(m, FieldLastSeen),
		ConnectedAt:    timeField(m, FieldConnectedAt),
		DisconnectedAt: timeField(m, FieldDisconnectedAt),
		RemoteAddr:     m[FieldRemoteAddr],
		Node:           m[FieldNode],
	}
}

// identityMeta is the field set shared by dealer and project sessions.
type identityMeta struct {
	ID       string
	Role     string
	State    string
	LastSeen time.Time
}

func (m identityMeta) Meta() Meta {
	out := Meta{}
	putString(out, FieldIdentity, m.ID)
	putString(out, FieldRole, m.Role)
	putString(out, FieldState, m.State)
	putTime(out, FieldLastSeen, m.LastSeen)
	return out
}

func identityMetaFrom(m Meta) identityMeta {
	return identityMeta{
		ID:       m[FieldIdentity],
		Role:     m[FieldRole],
		State:    m[FieldState],
		LastSeen: timeField(m, FieldLastSeen),
	}
}

// DealerMeta is the metadata of a CategoryDealer session.
type DealerMeta identityMeta

func (DealerMeta) Category() Category { return CategoryDealer }
func (m DealerMeta) Identity() string { return m.ID }
func (m DealerMeta) Meta() Meta       { return identityMeta(m).Meta() }
func (DealerMeta) record()            {}

// DealerMetaFrom decodes a stored hash. Unknown fields are ignored.
func DealerMetaFrom(m Meta) DealerMeta { return DealerMeta(identityMetaFrom(m)) }

// ProjectMeta is the metadata of a CategoryProject session.
type ProjectMeta identityMeta

func (ProjectMeta) Category() Category { return CategoryProject }
func (m ProjectMeta) Identity() string { return m.ID }
func (m ProjectMeta) Meta() Meta       { return identityMeta(m).Meta() }
func (ProjectMeta) record()            {}

// ProjectMetaFrom decodes a stored hash. Unknown fields are ignored.
func ProjectMetaFrom(m Meta) ProjectMeta { return ProjectMeta(identityMetaFrom(m)) }

func putString(m Meta, field, v string) {
	if v != "" {
		m[field] = v
	}
}

func putTime(m Meta, field string, t time.Time) {
	if !t.IsZero() {
		m[field] = strconv.FormatInt(t.UnixMilli(), 10)
	}
}

func timeField(m Meta, field string) time.Time {
	t, _ := m.Time(field)
	return t
}

var (
	_ Record = SystemMeta{}
	_ Record = DealerMeta{}
	_ Record = ProjectMeta{}
)
