package accesscontrol_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/cordon-sec/cordon/internal/accesscontrol"
	"github.com/cordon-sec/cordon/internal/crypto/envelope"
	"github.com/cordon-sec/cordon/internal/directory"
	"github.com/cordon-sec/cordon/internal/document"
	"github.com/cordon-sec/cordon/internal/id"
	"github.com/cordon-sec/cordon/internal/storage/sqlite"
)

const accessDoc = `
[cordon-document]
id = "bc9ce588-50c3-47d1-94c1-f88b21eaf299"

[[entity]]
eid = "p.32947252e83a4b3cb96ec9f2e2a1ebc9"
label = "legged"

[[entity]]
eid = "p.674d9d3fb5f04b0a9c6c08cbd1a24b65"
label = "legless"

[[service-entity]]
eid = "s.e5462a0d22b54d9f9ca37bd96e9b9d8b"
label = "svc_a"

[[entity-property]]
domain = "svc_a"
label = "trait"
attributes = ["has_legs"]

[[entity-attribute-assignment]]
entity = "legged"
attributes = ["svc_a:trait:has_legs"]

[[resource-property]]
domain = "svc_a"
label = "kind"
attributes = ["trousers"]

[[resource-property]]
domain = "svc_a"
label = "verb"
attributes = ["wear"]

[[resource-property]]
domain = "svc_a"
label = "owner"
attributes = ["self"]

[[policy]]
label = "allow for legged creatures"
allow = "Subject.svc_a:trait == svc_a:trait:has_legs"

[[policy]]
label = "allow legged itself"
allow = "Subject.cordon:entity == legged"

[[policy-binding]]
attributes = ["svc_a:kind:trousers", "svc_a:verb:wear"]
policies = ["allow for legged creatures"]

[[policy-binding]]
attributes = ["svc_a:owner:self"]
policies = ["allow legged itself"]
`

func newAccessFixture(t *testing.T) *accesscontrol.Service {
	t.Helper()

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "test.sqlite"))
	if err != nil {
		t.Fatalf("sqlite.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := sqlite.Migrate(db); err != nil {
		t.Fatalf("sqlite.Migrate: %v", err)
	}

	kr, err := envelope.NewKeyring("m1", map[string][]byte{
		"m1": bytes.Repeat([]byte{0x11}, 32),
	})
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	deks, err := directory.EnsureDEKs(context.Background(), db, kr)
	if err != nil {
		t.Fatalf("EnsureDEKs: %v", err)
	}

	log := slog.New(slog.DiscardHandler)
	store := directory.NewStore(db, envelope.NewProvider(envelope.New(deks)), log)

	cs, errs := document.Compile([]byte(accessDoc), nil)
	if len(errs) > 0 {
		t.Fatalf("Compile: %v", errs)
	}
	if err := store.Apply(context.Background(), cs); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	return accesscontrol.New(store, log)
}

func entity(t *testing.T, s string) id.EntityID {
	t.Helper()
	eid, err := id.ParseEntityID(s)
	if err != nil {
		t.Fatalf("ParseEntityID(%q): %v", s, err)
	}
	return eid
}

func TestEvaluate_AllowAndDefaultDeny(t *testing.T) {
	svc := newAccessFixture(t)
	ctx := context.Background()

	legged := entity(t, "p.32947252e83a4b3cb96ec9f2e2a1ebc9")
	legless := entity(t, "p.674d9d3fb5f04b0a9c6c08cbd1a24b65")
	resource := []string{"svc_a:kind:trousers", "svc_a:verb:wear"}

	dec, err := svc.Evaluate(ctx, legged, resource)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !dec.Allowed {
		t.Fatal("expected allow for subject with has_legs")
	}

	dec, err = svc.Evaluate(ctx, legless, resource)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if dec.Allowed {
		t.Fatal("expected deny for subject without has_legs")
	}
}

func TestEvaluate_BindingNeedsWholeMatcher(t *testing.T) {
	svc := newAccessFixture(t)
	ctx := context.Background()

	legged := entity(t, "p.32947252e83a4b3cb96ec9f2e2a1ebc9")

	// only one of the two matcher attributes present: binding inapplicable,
	// default deny wins even though the policy itself would pass
	dec, err := svc.Evaluate(ctx, legged, []string{"svc_a:kind:trousers"})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if dec.Allowed {
		t.Fatal("expected default deny with partial matcher coverage")
	}
}

func TestEvaluate_SubjectEntityIdentity(t *testing.T) {
	svc := newAccessFixture(t)
	ctx := context.Background()

	legged := entity(t, "p.32947252e83a4b3cb96ec9f2e2a1ebc9")
	legless := entity(t, "p.674d9d3fb5f04b0a9c6c08cbd1a24b65")
	resource := []string{"svc_a:owner:self"}

	// the policy compares the builtin entity property against a literal
	// entity label, so only that one entity passes
	dec, err := svc.Evaluate(ctx, legged, resource)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !dec.Allowed {
		t.Fatal("expected allow for the named entity")
	}

	dec, err = svc.Evaluate(ctx, legless, resource)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if dec.Allowed {
		t.Fatal("expected deny for any other entity")
	}
}

func TestEvaluate_UnknownTriplet(t *testing.T) {
	svc := newAccessFixture(t)

	legged := entity(t, "p.32947252e83a4b3cb96ec9f2e2a1ebc9")
	_, err := svc.Evaluate(context.Background(), legged, []string{"svc_a:kind:capes"})

	var uerr *accesscontrol.UnknownAttributeError
	if !errors.As(err, &uerr) {
		t.Fatalf("expected UnknownAttributeError, got %v", err)
	}
}

func TestHasAttribute_ThroughMembership(t *testing.T) {
	svc := newAccessFixture(t)
	ctx := context.Background()

	legged := entity(t, "p.32947252e83a4b3cb96ec9f2e2a1ebc9")
	ok, err := svc.HasAttribute(ctx, legged, id.AttrRoleApplyDocument)
	if err != nil {
		t.Fatalf("HasAttribute: %v", err)
	}
	if ok {
		t.Fatal("unexpected builtin role attribute")
	}
}
