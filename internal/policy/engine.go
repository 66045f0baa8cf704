package policy

import (
	"sort"

	"github.com/cordon-sec/cordon/internal/id"
)

// Engine holds a directory's compiled policies and their bindings, ready to
// answer access requests. It is immutable after loading and safe for
// concurrent use.
type Engine struct {
	policies map[id.ObjID]enginePolicy
	bindings []engineBinding
}

type enginePolicy struct {
	label string
	code  []byte
}

type engineBinding struct {
	matcher  []id.ObjID
	policies []id.ObjID
}

// Decision is the outcome of an access evaluation. DenyPolicies carries the
// labels of deny policies that fired, for diagnostics; attribute IDs never
// cross this boundary.
type Decision struct {
	Allowed      bool
	DenyPolicies []string
}

func NewEngine() *Engine {
	return &Engine{policies: make(map[id.ObjID]enginePolicy)}
}

func (e *Engine) AddPolicy(pid id.ObjID, label string, code []byte) {
	e.policies[pid] = enginePolicy{label: label, code: code}
}

// AddBinding registers an applicability rule: the policies apply whenever
// the matcher attribute set is a subset of the request's bound attributes.
func (e *Engine) AddBinding(matcher, policies []id.ObjID) {
	m := append([]id.ObjID(nil), matcher...)
	p := append([]id.ObjID(nil), policies...)
	sort.Slice(m, func(i, j int) bool { return less(m[i], m[j]) })
	sort.Slice(p, func(i, j int) bool { return less(p[i], p[j]) })
	e.bindings = append(e.bindings, engineBinding{matcher: m, policies: p})
}

func (e *Engine) PolicyCount() int  { return len(e.policies) }
func (e *Engine) BindingCount() int { return len(e.bindings) }

// Eval implements the decision algorithm: gather every binding whose
// matcher is a subset of the request's subject+resource attributes, run the
// bound policies, and grant access iff at least one applicable allow policy
// evaluated true and no applicable deny policy did. Zero applicable
// policies is a deny.
func (e *Engine) Eval(env *Env) (Decision, error) {
	var (
		anyAllow bool
		denies   []string
	)

	seen := make(map[id.ObjID]struct{})
	for _, b := range e.bindings {
		if !e.bindingApplies(b, env) {
			continue
		}
		for _, pid := range b.policies {
			if _, done := seen[pid]; done {
				continue
			}
			seen[pid] = struct{}{}

			pol, ok := e.policies[pid]
			if !ok {
				return Decision{}, ErrCorrupt
			}
			v, err := evalPolicy(pol.code, env)
			if err != nil {
				return Decision{}, err
			}
			if !v.matched {
				continue
			}
			switch v.value {
			case OutcomeAllow:
				anyAllow = true
			case OutcomeDeny:
				denies = append(denies, pol.label)
			}
		}
	}

	if len(denies) > 0 {
		return Decision{Allowed: false, DenyPolicies: denies}, nil
	}
	return Decision{Allowed: anyAllow}, nil
}

func (e *Engine) bindingApplies(b engineBinding, env *Env) bool {
	if len(b.matcher) == 0 {
		return false
	}
	for _, attr := range b.matcher {
		if _, ok := env.ResourceAttrs[attr]; ok {
			continue
		}
		if _, ok := env.SubjectAttrs[attr]; ok {
			continue
		}
		return false
	}
	return true
}

func less(a, b id.ObjID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
