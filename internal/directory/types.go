// Package directory owns the persisted state of a configuration directory:
// the entities, properties, attributes, policies and bindings declared by
// its document, and the reconciliation that converges storage onto a newly
// compiled document.
package directory

import (
	"github.com/cordon-sec/cordon/internal/id"
)

// Label kinds recorded in obj_label. The (dir, kind, label) triple is the
// handle a re-applied document uses to find the stable ID of an object it
// declared before.
const (
	LabelPersona          = "persona"
	LabelGroup            = "group"
	LabelService          = "service"
	LabelDomain           = "domain"
	LabelEntityProperty   = "entity-property"
	LabelResourceProperty = "resource-property"
	LabelAttribute        = "attribute"
	LabelPolicy           = "policy"
	LabelPolicyBinding    = "policy-binding"
)

// LabelKey identifies a labeled object within one directory.
type LabelKey struct {
	Kind  string
	Label string
}

// ChangeSet is the fully compiled form of one configuration document. Apply
// reconciles the database onto exactly this state: everything declared is
// upserted, everything previously persisted for the directory but absent
// here is deleted.
type ChangeSet struct {
	DirID id.ObjID
	// ParentID is the optional parent directory. Zero means no parent.
	ParentID id.ObjID
	URL      string
	Hash     []byte

	Labels            []Label
	Idents            []Ident
	TextAttrs         []TextAttr
	EntAttrs          []EntAttr
	Relations         []Relation
	Services          []Service
	ServiceNamespaces []ServiceNamespace
	Props             []Property
	Attrs             []Attribute
	Policies          []Policy
	Bindings          []Binding
}

// Label registers a stable ID for a (kind, label) pair.
type Label struct {
	ObjID id.ObjID
	Kind  string
	Label string
}

// Ident is an entity identifier in plaintext form. Apply encrypts it; the
// plaintext never reaches storage.
type Ident struct {
	EID       id.ObjID
	Prop      id.ObjID
	Plaintext []byte
}

// TextAttr is a plaintext text attribute such as a password hash or a
// service hostname list.
type TextAttr struct {
	ObjID id.ObjID
	Prop  id.ObjID
	Value string
}

// EntAttr assigns an attribute to an entity.
type EntAttr struct {
	EID  id.ObjID
	Attr id.ObjID
}

// Relation is a directed entity relation edge, e.g. membership where
// Subject is the member and Object the group.
type Relation struct {
	Rel     id.ObjID
	Subject id.ObjID
	Object  id.ObjID
}

type Service struct {
	EID id.ObjID
}

// ServiceNamespace grants a service visibility into a namespace.
type ServiceNamespace struct {
	SvcEID id.ObjID
	NS     id.ObjID
}

// PropKind* distinguish subject-side from resource-side properties.
const (
	PropKindEntity   = "entity"
	PropKindResource = "resource"
)

type Property struct {
	ID    id.ObjID
	NS    id.ObjID
	Kind  string
	Label string
}

type Attribute struct {
	ID    id.ObjID
	Prop  id.ObjID
	Label string
}

// Policy carries the compiled opcode blob, never source text.
type Policy struct {
	ID    id.ObjID
	Label string
	Code  []byte
}

type Binding struct {
	ID       id.ObjID
	Matcher  []id.ObjID
	Policies []id.ObjID
}
