// Package policy implements the access policy expression language: a small
// boolean DSL over predeclared attributes, compiled to a flat opcode form
// that is stored as an opaque blob and evaluated by a stack machine.
//
// The grammar deliberately has no string literals; every value a policy can
// mention must be a predeclared attribute or entity label.
package policy

// Global selects which side of an access request a field term reads.
type Global uint8

const (
	GlobalSubject Global = iota
	GlobalResource
)

func (g Global) String() string {
	if g == GlobalSubject {
		return "Subject"
	}
	return "Resource"
}

// Expr is a node in the parsed expression tree. Terms carry unresolved
// label strings; resolution against a Scope happens at compile time.
type Expr interface{ isExpr() }

type AndExpr struct{ L, R Expr }

type OrExpr struct{ L, R Expr }

type NotExpr struct{ X Expr }

// EqExpr is `term == term`.
type EqExpr struct{ L, R Term }

// ContainsExpr is `term contains term`: the left term's resolved attribute
// set must contain the right term's attribute.
type ContainsExpr struct{ L, R Term }

func (AndExpr) isExpr()      {}
func (OrExpr) isExpr()       {}
func (NotExpr) isExpr()      {}
func (EqExpr) isExpr()       {}
func (ContainsExpr) isExpr() {}

// Term is an operand of a comparison.
type Term interface {
	isTerm()
	// Pos is the byte offset of the term in the source text.
	Pos() int
}

// FieldTerm is `Subject.ns:prop` or `Resource.ns:prop`: the run-time bound
// attribute set of the subject or resource.
type FieldTerm struct {
	Global              Global
	Namespace, Property string
	pos                 int
}

// AttrTerm is a fully qualified `ns:prop:attr` attribute reference.
type AttrTerm struct {
	Namespace, Property, Attribute string
	pos                            int
}

// LabelTerm is a bare label, resolved contextually (entity/service labels).
type LabelTerm struct {
	Label string
	pos   int
}

func (FieldTerm) isTerm() {}
func (AttrTerm) isTerm()  {}
func (LabelTerm) isTerm() {}

func (t FieldTerm) Pos() int { return t.pos }
func (t AttrTerm) Pos() int  { return t.pos }
func (t LabelTerm) Pos() int { return t.pos }
