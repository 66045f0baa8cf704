package policy

import (
	"errors"

	"github.com/cordon-sec/cordon/internal/id"
)

// ErrCorrupt means a compiled policy blob is malformed. This is data
// corruption or a compiler bug, never a policy-logic outcome: it must not be
// interpreted as allow or deny.
var ErrCorrupt = errors.New("corrupt policy bytecode")

// Env is the evaluation environment for one access request. Attribute sets
// are already expanded (group membership, relations).
type Env struct {
	// SubjectEIDs maps an entity property ID to the subject's entity ID for
	// that property (the builtin entity property in practice).
	SubjectEIDs   map[id.ObjID]id.ObjID
	SubjectAttrs  map[id.ObjID]struct{}
	ResourceEIDs  map[id.ObjID]id.ObjID
	ResourceAttrs map[id.ObjID]struct{}
}

type itemKind uint8

const (
	itemBool itemKind = iota
	itemID
	itemSet
)

type stackItem struct {
	kind itemKind
	b    bool
	id   id.ObjID
	set  map[id.ObjID]struct{}
}

// verdict is the result of running one compiled policy.
type verdict struct {
	matched bool
	value   Outcome
}

// evalPolicy walks the compiled opcode form. It is pure: no I/O, no
// side effects, O(len(code)).
func evalPolicy(code []byte, env *Env) (verdict, error) {
	var stack []stackItem

	push := func(it stackItem) { stack = append(stack, it) }
	pop := func() (stackItem, bool) {
		if len(stack) == 0 {
			return stackItem{}, false
		}
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return it, true
	}
	popBool := func() (bool, bool) {
		it, ok := pop()
		if !ok || it.kind != itemBool {
			return false, false
		}
		return it.b, true
	}

	pc := 0
	readID := func() (id.ObjID, bool) {
		if pc+16 > len(code) {
			return id.Zero, false
		}
		var oid id.ObjID
		copy(oid[:], code[pc:pc+16])
		pc += 16
		return oid, true
	}

	for pc < len(code) {
		op := code[pc]
		pc++

		switch op {
		case opLoadSubjectEID:
			key, ok := readID()
			if !ok {
				return verdict{}, ErrCorrupt
			}
			eid, ok := env.SubjectEIDs[key]
			if !ok {
				return verdict{}, ErrCorrupt
			}
			push(stackItem{kind: itemID, id: eid})
		case opLoadSubjectAttrs:
			push(stackItem{kind: itemSet, set: env.SubjectAttrs})
		case opLoadResourceEID:
			key, ok := readID()
			if !ok {
				return verdict{}, ErrCorrupt
			}
			eid, ok := env.ResourceEIDs[key]
			if !ok {
				return verdict{}, ErrCorrupt
			}
			push(stackItem{kind: itemID, id: eid})
		case opLoadResourceAttrs:
			push(stackItem{kind: itemSet, set: env.ResourceAttrs})
		case opLoadConstID:
			oid, ok := readID()
			if !ok {
				return verdict{}, ErrCorrupt
			}
			push(stackItem{kind: itemID, id: oid})
		case opIsEq:
			a, ok := pop()
			if !ok {
				return verdict{}, ErrCorrupt
			}
			b, ok := pop()
			if !ok {
				return verdict{}, ErrCorrupt
			}
			push(stackItem{kind: itemBool, b: itemsEqual(a, b)})
		case opSupersetOf:
			a, ok := pop()
			if !ok || a.kind != itemSet {
				return verdict{}, ErrCorrupt
			}
			b, ok := pop()
			if !ok || b.kind != itemSet {
				return verdict{}, ErrCorrupt
			}
			push(stackItem{kind: itemBool, b: isSuperset(a.set, b.set)})
		case opContains:
			set, ok := pop()
			if !ok || set.kind != itemSet {
				return verdict{}, ErrCorrupt
			}
			arg, ok := pop()
			if !ok || arg.kind != itemID {
				return verdict{}, ErrCorrupt
			}
			_, has := set.set[arg.id]
			push(stackItem{kind: itemBool, b: has})
		case opAnd:
			rhs, ok := popBool()
			if !ok {
				return verdict{}, ErrCorrupt
			}
			lhs, ok := popBool()
			if !ok {
				return verdict{}, ErrCorrupt
			}
			push(stackItem{kind: itemBool, b: lhs && rhs})
		case opOr:
			rhs, ok := popBool()
			if !ok {
				return verdict{}, ErrCorrupt
			}
			lhs, ok := popBool()
			if !ok {
				return verdict{}, ErrCorrupt
			}
			push(stackItem{kind: itemBool, b: lhs || rhs})
		case opNot:
			v, ok := popBool()
			if !ok {
				return verdict{}, ErrCorrupt
			}
			push(stackItem{kind: itemBool, b: !v})
		case opTrueThenAllow:
			v, ok := popBool()
			if !ok {
				return verdict{}, ErrCorrupt
			}
			if v {
				return verdict{matched: true, value: OutcomeAllow}, nil
			}
		case opTrueThenDeny:
			v, ok := popBool()
			if !ok {
				return verdict{}, ErrCorrupt
			}
			if v {
				return verdict{matched: true, value: OutcomeDeny}, nil
			}
		case opFalseThenAllow:
			v, ok := popBool()
			if !ok {
				return verdict{}, ErrCorrupt
			}
			if !v {
				return verdict{matched: true, value: OutcomeAllow}, nil
			}
		case opFalseThenDeny:
			v, ok := popBool()
			if !ok {
				return verdict{}, ErrCorrupt
			}
			if !v {
				return verdict{matched: true, value: OutcomeDeny}, nil
			}
		default:
			return verdict{}, ErrCorrupt
		}
	}

	return verdict{}, nil
}

// itemsEqual compares two stack items. Comparing an attribute set against a
// single ID evaluates membership, so `Subject.ns:prop == ns:prop:attr`
// behaves as a containment test.
func itemsEqual(a, b stackItem) bool {
	if a.kind == itemSet && b.kind == itemID {
		_, ok := a.set[b.id]
		return ok
	}
	if a.kind == itemID && b.kind == itemSet {
		_, ok := b.set[a.id]
		return ok
	}
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case itemID:
		return a.id == b.id
	case itemBool:
		return a.b == b.b
	case itemSet:
		return isSuperset(a.set, b.set) && isSuperset(b.set, a.set)
	}
	return false
}

func isSuperset(super, sub map[id.ObjID]struct{}) bool {
	for k := range sub {
		if _, ok := super[k]; !ok {
			return false
		}
	}
	return true
}
