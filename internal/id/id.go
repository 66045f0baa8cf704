package id

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// ObjID is a fixed-width 128-bit object identifier. It identifies
// directories, properties, attributes, policies and bindings. The ID is the
// stable identity of an object; labels may be renamed, the ID never changes.
type ObjID [16]byte

// Kind of an entity. Entities are the subjects and objects of access
// control; the kind is part of the entity's textual identity.
type Kind uint8

const (
	KindPersona Kind = iota
	KindGroup
	KindService
)

func (k Kind) String() string {
	switch k {
	case KindPersona:
		return "persona"
	case KindGroup:
		return "group"
	case KindService:
		return "service"
	default:
		return "?"
	}
}

// ParseKind parses the long-form kind name used in storage.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "persona":
		return KindPersona, nil
	case "group":
		return KindGroup, nil
	case "service":
		return KindService, nil
	default:
		return 0, fmt.Errorf("unknown entity kind %q", s)
	}
}

func (k Kind) prefix() string {
	switch k {
	case KindPersona:
		return "p"
	case KindGroup:
		return "g"
	case KindService:
		return "s"
	default:
		return "?"
	}
}

// EntityID is a kind-tagged 128-bit identifier, rendered "p.<32 hex>",
// "g.<32 hex>" or "s.<32 hex>".
type EntityID struct {
	Kind Kind
	ID   ObjID
}

var Zero ObjID

func (o ObjID) IsZero() bool { return o == Zero }

func (o ObjID) String() string { return hex.EncodeToString(o[:]) }

// Random mints a fresh ObjID. The high bit is always set so random IDs can
// never collide with the reserved builtin range.
func Random() ObjID {
	var o ObjID
	if _, err := rand.Read(o[:]); err != nil {
		panic(err)
	}
	o[0] |= 0x80
	return o
}

func RandomEntity(kind Kind) EntityID {
	return EntityID{Kind: kind, ID: Random()}
}

func ParseObjID(s string) (ObjID, error) {
	var o ObjID
	if len(s) != 32 {
		return o, fmt.Errorf("object id must be 32 hex characters, got %d", len(s))
	}
	if _, err := hex.Decode(o[:], []byte(s)); err != nil {
		return o, fmt.Errorf("invalid object id: %w", err)
	}
	return o, nil
}

// FromBytes converts a raw 16-byte value into an ObjID.
func FromBytes(b []byte) (ObjID, error) {
	var o ObjID
	if len(b) != 16 {
		return o, fmt.Errorf("object id must be 16 bytes, got %d", len(b))
	}
	copy(o[:], b)
	return o, nil
}

func (e EntityID) String() string {
	return e.Kind.prefix() + "." + e.ID.String()
}

// ParseEntityID parses a kind-prefixed entity ID such as
// "s.e5462a0d22b54d9f9ca37bd96e9b9d8b".
func ParseEntityID(s string) (EntityID, error) {
	prefix, rest, ok := strings.Cut(s, ".")
	if !ok {
		return EntityID{}, fmt.Errorf("entity id %q: missing kind prefix", s)
	}
	var kind Kind
	switch prefix {
	case "p":
		kind = KindPersona
	case "g":
		kind = KindGroup
	case "s":
		kind = KindService
	default:
		return EntityID{}, fmt.Errorf("entity id %q: unknown kind prefix %q", s, prefix)
	}
	oid, err := ParseObjID(rest)
	if err != nil {
		return EntityID{}, fmt.Errorf("entity id %q: %w", s, err)
	}
	return EntityID{Kind: kind, ID: oid}, nil
}

// ParseServiceID parses an entity ID and requires the service kind.
func ParseServiceID(s string) (EntityID, error) {
	eid, err := ParseEntityID(s)
	if err != nil {
		return EntityID{}, err
	}
	if eid.Kind != KindService {
		return EntityID{}, fmt.Errorf("entity id %q: not a service id", s)
	}
	return eid, nil
}
