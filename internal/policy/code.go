package policy

import (
	"fmt"

	"github.com/cordon-sec/cordon/internal/id"
)

// Outcome is a policy's declared disposition, and the result of an access
// evaluation.
type Outcome uint8

const (
	OutcomeDeny Outcome = iota
	OutcomeAllow
)

func (o Outcome) String() string {
	if o == OutcomeAllow {
		return "allow"
	}
	return "deny"
}

// Opcode numbering is a stored format: compiled policies live in the
// database as opaque blobs. Do not renumber.
const (
	opLoadSubjectEID    byte = 0
	opLoadSubjectAttrs  byte = 1
	opLoadResourceEID   byte = 2
	opLoadResourceAttrs byte = 3
	opLoadConstID       byte = 4
	opIsEq              byte = 5
	opSupersetOf        byte = 6
	opContains          byte = 7
	opAnd               byte = 8
	opOr                byte = 9
	opNot               byte = 10
	opTrueThenAllow     byte = 11
	opTrueThenDeny      byte = 12
	opFalseThenAllow    byte = 13
	opFalseThenDeny     byte = 14
)

// Scope resolves labels to IDs during compilation. Implemented by the
// document compiler (declared objects + persisted state).
type Scope interface {
	// LookupProperty resolves namespace:property to a property ID.
	LookupProperty(namespace, property string) (id.ObjID, bool)
	// LookupAttribute resolves a full attribute triplet to an attribute ID.
	LookupAttribute(namespace, property, attribute string) (id.ObjID, bool)
	// LookupEntityLabel resolves a bare label to a declared entity/service.
	LookupEntityLabel(label string) (id.ObjID, bool)
}

// ResolveError is a compile-time name resolution failure.
type ResolveError struct {
	Pos int
	Msg string
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("offset %d: %s", e.Pos, e.Msg)
}

// Compile parses src, resolves every label against scope and lowers the
// expression to opcode form with the given disposition terminal.
// Compilation is deterministic: identical source yields byte-identical code.
func Compile(src string, disposition Outcome, scope Scope) ([]byte, []error) {
	expr, err := Parse(src)
	if err != nil {
		return nil, []error{err}
	}
	g := &codegen{scope: scope}
	g.expr(expr)
	if len(g.errs) > 0 {
		return nil, g.errs
	}
	if disposition == OutcomeAllow {
		g.code = append(g.code, opTrueThenAllow)
	} else {
		g.code = append(g.code, opTrueThenDeny)
	}
	return g.code, nil
}

type codegen struct {
	scope Scope
	code  []byte
	errs  []error
}

func (g *codegen) emit(op byte) { g.code = append(g.code, op) }

func (g *codegen) emitID(op byte, oid id.ObjID) {
	g.code = append(g.code, op)
	g.code = append(g.code, oid[:]...)
}

func (g *codegen) fail(pos int, format string, args ...any) {
	g.errs = append(g.errs, &ResolveError{Pos: pos, Msg: fmt.Sprintf(format, args...)})
}

// expr lowers post-order: operands first, operator last.
func (g *codegen) expr(e Expr) {
	switch e := e.(type) {
	case EqExpr:
		g.term(e.L)
		g.term(e.R)
		g.emit(opIsEq)
	case ContainsExpr:
		// operand order: attribute below, set on top
		g.term(e.R)
		g.term(e.L)
		g.emit(opContains)
	case AndExpr:
		g.expr(e.L)
		g.expr(e.R)
		g.emit(opAnd)
	case OrExpr:
		g.expr(e.L)
		g.expr(e.R)
		g.emit(opOr)
	case NotExpr:
		g.expr(e.X)
		g.emit(opNot)
	}
}

func (g *codegen) term(t Term) {
	switch t := t.(type) {
	case FieldTerm:
		propID, ok := g.scope.LookupProperty(t.Namespace, t.Property)
		if !ok {
			g.fail(t.Pos(), "unknown property %s:%s", t.Namespace, t.Property)
			return
		}
		switch t.Global {
		case GlobalSubject:
			if propID == id.PropEntity {
				g.emitID(opLoadSubjectEID, propID)
			} else {
				g.emit(opLoadSubjectAttrs)
			}
		case GlobalResource:
			if propID == id.PropEntity {
				g.emitID(opLoadResourceEID, propID)
			} else {
				g.emit(opLoadResourceAttrs)
			}
		}
	case AttrTerm:
		attrID, ok := g.scope.LookupAttribute(t.Namespace, t.Property, t.Attribute)
		if !ok {
			g.fail(t.Pos(), "unknown attribute %s:%s:%s", t.Namespace, t.Property, t.Attribute)
			return
		}
		g.emitID(opLoadConstID, attrID)
	case LabelTerm:
		eid, ok := g.scope.LookupEntityLabel(t.Label)
		if !ok {
			g.fail(t.Pos(), "unknown label %q", t.Label)
			return
		}
		g.emitID(opLoadConstID, eid)
	}
}
