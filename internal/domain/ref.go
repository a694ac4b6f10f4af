package domain

// RefKind tags which side of the identifier union a Ref holds.
type RefKind uint8

// RefKind values.
const (
	RefTemporary RefKind = iota + 1
	RefConfirmed
)

// Ref is an entity identifier that is either a client-assigned temporary id or a
// server-confirmed id. The zero value is invalid.
type Ref struct {
	kind  RefKind
	value string
}

// Temporary constructs a Ref for a record not yet acknowledged by the server.
func Temporary(localID string) Ref {
	return Ref{kind: RefTemporary, value: localID}
}

// Confirmed constructs a Ref carrying a server-assigned id.
func Confirmed(serverID string) Ref {
	return Ref{kind: RefConfirmed, value: serverID}
}

// Kind returns the union tag.
func (r Ref) Kind() RefKind {
	return r.kind
}

// IsTemporary reports whether the ref is still client-assigned.
func (r Ref) IsTemporary() bool {
	return r.kind == RefTemporary
}

// IsConfirmed reports whether the ref carries a server id.
func (r Ref) IsConfirmed() bool {
	return r.kind == RefConfirmed
}

// Valid reports whether the ref was built by Temporary or Confirmed with a value.
func (r Ref) Valid() bool {
	return (r.kind == RefTemporary || r.kind == RefConfirmed) && r.value != ""
}

// LocalID returns the temporary id, if that is what the ref holds.
func (r Ref) LocalID() (string, bool) {
	if r.kind != RefTemporary {
		return "", false
	}
	return r.value, true
}

// ServerID returns the confirmed id, if that is what the ref holds.
func (r Ref) ServerID() (string, bool) {
	if r.kind != RefConfirmed {
		return "", false
	}
	return r.value, true
}

// String renders the ref for logs.
func (r Ref) String() string {
	switch r.kind {
	case RefTemporary:
		return "temporary:" + r.value
	case RefConfirmed:
		return "confirmed:" + r.value
	default:
		return "invalid"
	}
}
