package document_test

import (
	"strings"
	"testing"

	"github.com/cordon-sec/cordon/internal/directory"
	"github.com/cordon-sec/cordon/internal/document"
	"github.com/cordon-sec/cordon/internal/id"
	"github.com/cordon-sec/cordon/internal/policy"
)

const docHeader = `
[cordon-document]
id = "bc9ce588-50c3-47d1-94c1-f88b21eaf299"
`

func mustCompile(t *testing.T, toml string, persisted map[directory.LabelKey]id.ObjID) *directory.ChangeSet {
	t.Helper()
	cs, errs := document.Compile([]byte(toml), persisted)
	if len(errs) > 0 {
		t.Fatalf("Compile: %v", errs)
	}
	return cs
}

func TestCompile_ServiceEntities(t *testing.T) {
	cs := mustCompile(t, docHeader+`
[[service-entity]]
eid = "s.e5462a0d22b54d9f9ca37bd96e9b9d8b"
label = "service1"
attributes = ["cordon:role:authenticate", "cordon:role:get_access_token"]
kubernetes-account = { name = "testservice" }

[[service-entity]]
eid = "s.015362d6655447c6b7f44865bd111c70"
label = "service2"
`, nil)

	if len(cs.Services) != 2 {
		t.Fatalf("got %d services", len(cs.Services))
	}

	svc1, _ := id.ParseEntityID("s.e5462a0d22b54d9f9ca37bd96e9b9d8b")
	var svc1Attrs int
	for _, ea := range cs.EntAttrs {
		if ea.EID == svc1.ID {
			svc1Attrs++
		}
	}
	if svc1Attrs != 2 {
		t.Fatalf("service1 has %d attributes, want 2", svc1Attrs)
	}
	if len(cs.EntAttrs) != 2 {
		t.Fatalf("got %d attribute assignments in total", len(cs.EntAttrs))
	}

	var k8s string
	for _, ta := range cs.TextAttrs {
		if ta.ObjID == svc1.ID && ta.Prop == id.PropK8sAccount {
			k8s = ta.Value
		}
	}
	if k8s != "*/testservice" {
		t.Fatalf("kubernetes account attr = %q", k8s)
	}
}

func TestCompile_DuplicateEmailRejected(t *testing.T) {
	_, errs := document.Compile([]byte(docHeader+`
[[entity]]
eid = "p.e5462a0d22b54d9f9ca37bd96e9b9d8b"
label = "persona1"
email = ["p@mail.com", "p@mail.com"]
`), nil)
	if len(errs) == 0 {
		t.Fatal("expected duplicate identifier error")
	}
	var derr *document.Error
	for _, err := range errs {
		if e, ok := err.(*document.Error); ok {
			derr = e
		}
	}
	if derr == nil || derr.Clause != "entity" {
		t.Fatalf("errors = %v", errs)
	}
}

func TestCompile_PoliciesAndBindings(t *testing.T) {
	cs := mustCompile(t, docHeader+`
[[service-entity]]
eid = "s.e5462a0d22b54d9f9ca37bd96e9b9d8b"
label = "svc_a"

[[entity-property]]
domain = "svc_a"
label = "trait"
attributes = ["has_legs"]

[[resource-property]]
domain = "svc_a"
label = "kind"
attributes = ["trousers"]

[[resource-property]]
domain = "svc_a"
label = "verb"
attributes = ["wear"]

[[policy]]
label = "allow for legged creatures"
allow = "Subject.svc_a:trait == svc_a:trait:has_legs"

[[policy-binding]]
attributes = ["svc_a:kind:trousers", "svc_a:verb:wear"]
policies = ["allow for legged creatures"]
`, nil)

	if len(cs.Policies) != 1 {
		t.Fatalf("got %d policies", len(cs.Policies))
	}
	if len(cs.Bindings) != 1 {
		t.Fatalf("got %d bindings", len(cs.Bindings))
	}
	if len(cs.Bindings[0].Matcher) != 2 {
		t.Fatalf("binding matcher has %d attributes", len(cs.Bindings[0].Matcher))
	}
	if cs.Bindings[0].Policies[0] != cs.Policies[0].ID {
		t.Fatal("binding does not reference the declared policy")
	}

	// the compiled change set evaluates end to end
	eng := policy.NewEngine()
	eng.AddPolicy(cs.Policies[0].ID, cs.Policies[0].Label, cs.Policies[0].Code)
	eng.AddBinding(cs.Bindings[0].Matcher, cs.Bindings[0].Policies)

	var hasLegs id.ObjID
	for _, a := range cs.Attrs {
		if a.Label == "has_legs" {
			hasLegs = a.ID
		}
	}

	resource := map[id.ObjID]struct{}{}
	for _, m := range cs.Bindings[0].Matcher {
		resource[m] = struct{}{}
	}

	dec, err := eng.Eval(&policy.Env{
		SubjectAttrs:  map[id.ObjID]struct{}{hasLegs: {}},
		ResourceAttrs: resource,
	})
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if !dec.Allowed {
		t.Fatal("expected allow for legged subject")
	}
}

func TestCompile_StableIDReuse(t *testing.T) {
	doc := docHeader + `
[[domain]]
label = "storage"

[[service-entity]]
eid = "s.e5462a0d22b54d9f9ca37bd96e9b9d8b"
label = "gateway"

[[service-domain]]
service = "gateway"
domain = "storage"

[[resource-property]]
domain = "storage"
label = "action"
attributes = ["read"]
`
	first := mustCompile(t, doc, nil)

	persisted := map[directory.LabelKey]id.ObjID{}
	for _, l := range first.Labels {
		persisted[directory.LabelKey{Kind: l.Kind, Label: l.Label}] = l.ObjID
	}

	second := mustCompile(t, doc, persisted)
	for _, l := range second.Labels {
		if persisted[directory.LabelKey{Kind: l.Kind, Label: l.Label}] != l.ObjID {
			t.Fatalf("ID for %s %q not reused", l.Kind, l.Label)
		}
	}

	// renaming mints a new identity
	renamed := mustCompile(t, strings.Replace(doc, `label = "action"`, `label = "verb"`, 1), persisted)
	for _, p := range renamed.Props {
		if p.Label == "verb" && persisted[directory.LabelKey{Kind: directory.LabelResourceProperty, Label: "storage:action"}] == p.ID {
			t.Fatal("renamed property kept the old ID")
		}
	}
}

func TestCompile_PolicyDispositionErrors(t *testing.T) {
	_, errs := document.Compile([]byte(docHeader+`
[[policy]]
label = "broken"
`), nil)
	if len(errs) == 0 {
		t.Fatal("expected error for policy without allow or deny")
	}

	_, errs = document.Compile([]byte(docHeader+`
[[service-entity]]
eid = "s.e5462a0d22b54d9f9ca37bd96e9b9d8b"
label = "svc_a"

[[entity-property]]
domain = "svc_a"
label = "trait"
attributes = ["has_legs"]

[[policy]]
label = "broken"
allow = "Subject.svc_a:trait == svc_a:trait:has_legs"
deny = "Subject.svc_a:trait == svc_a:trait:has_legs"
`), nil)
	if len(errs) == 0 {
		t.Fatal("expected error for policy with both allow and deny")
	}
}

func TestCompile_UnresolvedReferences(t *testing.T) {
	_, errs := document.Compile([]byte(docHeader+`
[[policy-binding]]
attributes = ["nowhere:prop:attr"]
policies = ["ghost"]
`), nil)
	if len(errs) != 2 {
		t.Fatalf("got %d errors, want 2: %v", len(errs), errs)
	}
}

func TestCompile_MembershipRelations(t *testing.T) {
	cs := mustCompile(t, docHeader+`
[[entity]]
eid = "p.e5462a0d22b54d9f9ca37bd96e9b9d8b"
label = "alice"
username = "alice"

[[entity]]
eid = "g.015362d6655447c6b7f44865bd111c70"
label = "admins"

[[members]]
entity = "admins"
members = ["alice"]
`, nil)

	alice, _ := id.ParseEntityID("p.e5462a0d22b54d9f9ca37bd96e9b9d8b")
	admins, _ := id.ParseEntityID("g.015362d6655447c6b7f44865bd111c70")

	if len(cs.Relations) != 1 {
		t.Fatalf("got %d relations", len(cs.Relations))
	}
	rel := cs.Relations[0]
	if rel.Rel != id.PropMembership || rel.Subject != alice.ID || rel.Object != admins.ID {
		t.Fatalf("unexpected relation %+v", rel)
	}
}

func TestCompile_RejectsUnknownClauseField(t *testing.T) {
	_, errs := document.Compile([]byte(docHeader+`
[[entity]]
eid = "p.e5462a0d22b54d9f9ca37bd96e9b9d8b"
label = "alice"
nickname = "al"
`), nil)
	if len(errs) == 0 {
		t.Fatal("expected parse error for unknown field")
	}
}

func TestCompile_DeterministicHash(t *testing.T) {
	doc := docHeader + `
[[domain]]
label = "storage"
`
	a := mustCompile(t, doc, nil)
	b := mustCompile(t, doc, nil)
	if string(a.Hash) != string(b.Hash) {
		t.Fatal("hash differs for identical input")
	}
	c := mustCompile(t, doc+"\n", nil)
	if string(a.Hash) == string(c.Hash) {
		t.Fatal("hash identical for different input")
	}
}

func TestCompile_ParentHeader(t *testing.T) {
	cs := mustCompile(t, `
[cordon-document]
id = "bc9ce588-50c3-47d1-94c1-f88b21eaf299"
parent = "7a5b8c2e-41d0-4f6a-9c3b-2e8f1d704a55"
`, nil)
	if cs.ParentID.IsZero() {
		t.Fatal("parent not carried into the change set")
	}

	_, errs := document.Compile([]byte(`
[cordon-document]
id = "bc9ce588-50c3-47d1-94c1-f88b21eaf299"
parent = "bc9ce588-50c3-47d1-94c1-f88b21eaf299"
`), nil)
	if len(errs) == 0 {
		t.Fatal("expected error for self-parent")
	}
}
