package document

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/cordon-sec/cordon/internal/directory"
	"github.com/cordon-sec/cordon/internal/id"
	"github.com/cordon-sec/cordon/internal/policy"
)

// Error is a validation error attributed to one clause instance.
type Error struct {
	Clause string
	Index  int
	Msg    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("[[%s]] #%d: %s", e.Clause, e.Index, e.Msg)
}

// Compile validates the document and lowers it into a change set. persisted
// is the (kind, label) -> id registry of the directory from earlier applies;
// objects declared under a known kind and label keep their stable ID,
// everything else gets a freshly minted one. All clause errors are
// collected; the change set is only valid when the error slice is empty.
func Compile(raw []byte, persisted map[directory.LabelKey]id.ObjID) (*directory.ChangeSet, []error) {
	doc, err := Parse(raw)
	if err != nil {
		return nil, []error{err}
	}

	c := &compiler{
		doc:       doc,
		persisted: persisted,
		ns:        map[string]nsEntry{},
		props:     map[propKey]id.ObjID{},
		attrs:     map[attrKey]id.ObjID{},
		policies:  map[string]id.ObjID{},
		idents:    map[identKey]struct{}{},
	}

	dirUUID, err := uuid.Parse(doc.Header.ID)
	if err != nil {
		return nil, []error{&Error{Clause: "cordon-document", Msg: fmt.Sprintf("invalid document id: %v", err)}}
	}

	var parentID id.ObjID
	if doc.Header.Parent != "" {
		parentUUID, err := uuid.Parse(doc.Header.Parent)
		if err != nil {
			return nil, []error{&Error{Clause: "cordon-document", Msg: fmt.Sprintf("invalid parent id: %v", err)}}
		}
		parentID = id.ObjID(parentUUID)
		if parentID == id.ObjID(dirUUID) {
			return nil, []error{&Error{Clause: "cordon-document", Msg: "directory cannot be its own parent"}}
		}
	}

	sum := blake3.Sum256(raw)
	c.cs = &directory.ChangeSet{
		DirID:    id.ObjID(dirUUID),
		ParentID: parentID,
		Hash:     sum[:],
	}

	c.seedNamespaces()
	c.compileEntities()
	c.compileIdents()
	c.compileMembers()
	c.compileProperties()
	c.compileAttributeAssignments()
	c.compilePolicies()
	c.compileBindings()
	c.compileServiceDomains()

	if len(c.errs) > 0 {
		return nil, c.errs
	}
	return c.cs, nil
}

type nsKind uint8

const (
	nsEntity nsKind = iota
	nsService
	nsDomain
)

type nsEntry struct {
	kind nsKind
	id   id.ObjID
	ekd  id.Kind
}

type propKey struct {
	ns    id.ObjID
	label string
}

type attrKey struct {
	prop  id.ObjID
	label string
}

type identKey struct {
	prop  id.ObjID
	value string
}

type compiler struct {
	doc       *Document
	persisted map[directory.LabelKey]id.ObjID
	cs        *directory.ChangeSet
	errs      []error

	ns       map[string]nsEntry
	props    map[propKey]id.ObjID
	attrs    map[attrKey]id.ObjID
	policies map[string]id.ObjID
	idents   map[identKey]struct{}
}

func (c *compiler) errorf(clause string, index int, format string, args ...any) {
	c.errs = append(c.errs, &Error{Clause: clause, Index: index, Msg: fmt.Sprintf(format, args...)})
}

// mint returns the persisted stable ID for (kind, label) when one exists,
// otherwise a fresh random ID. Renaming an object therefore mints a new
// identity; re-declaring it under the same label never does.
func (c *compiler) mint(kind, label string) id.ObjID {
	if oid, ok := c.persisted[directory.LabelKey{Kind: kind, Label: label}]; ok {
		return oid
	}
	return id.Random()
}

func (c *compiler) addNS(clause string, index int, label string, e nsEntry) bool {
	if label == "" {
		c.errorf(clause, index, "missing label")
		return false
	}
	if label == id.BuiltinNamespace {
		c.errorf(clause, index, "label %q is reserved", label)
		return false
	}
	if _, dup := c.ns[label]; dup {
		c.errorf(clause, index, "duplicate label %q", label)
		return false
	}
	c.ns[label] = e
	return true
}

// seedNamespaces is the first pass: every label that later clauses may
// reference (entities, services, domains) enters the namespace table before
// any reference is resolved.
func (c *compiler) seedNamespaces() {
	for i, ent := range c.doc.Entities {
		eid, err := id.ParseEntityID(ent.EID)
		if err != nil {
			c.errorf("entity", i, "%v", err)
			continue
		}
		if eid.Kind == id.KindService {
			c.errorf("entity", i, "service entities belong in [[service-entity]]")
			continue
		}
		c.addNS("entity", i, ent.Label, nsEntry{kind: nsEntity, id: eid.ID, ekd: eid.Kind})
	}

	for i, svc := range c.doc.ServiceEntities {
		eid, err := id.ParseServiceID(svc.EID)
		if err != nil {
			c.errorf("service-entity", i, "%v", err)
			continue
		}
		// a service label is also a namespace for its own properties
		c.addNS("service-entity", i, svc.Label, nsEntry{kind: nsService, id: eid.ID, ekd: id.KindService})
	}

	for i, dom := range c.doc.Domains {
		did := c.mint(directory.LabelDomain, dom.Label)
		if c.addNS("domain", i, dom.Label, nsEntry{kind: nsDomain, id: did}) {
			c.cs.Labels = append(c.cs.Labels, directory.Label{
				ObjID: did, Kind: directory.LabelDomain, Label: dom.Label,
			})
		}
	}
}

func (c *compiler) entityLookup(label string) (nsEntry, bool) {
	e, ok := c.ns[label]
	if !ok || e.kind == nsDomain {
		return nsEntry{}, false
	}
	return e, true
}

func (c *compiler) namespaceLookup(label string) (id.ObjID, bool) {
	e, ok := c.ns[label]
	if !ok || e.kind == nsEntity {
		return id.Zero, false
	}
	return e.id, true
}

func entityLabelKind(k id.Kind) string {
	switch k {
	case id.KindGroup:
		return directory.LabelGroup
	case id.KindService:
		return directory.LabelService
	default:
		return directory.LabelPersona
	}
}

func (c *compiler) compileEntities() {
	for _, ent := range c.doc.Entities {
		e, ok := c.ns[ent.Label]
		if !ok || e.kind != nsEntity {
			continue
		}
		c.cs.Labels = append(c.cs.Labels, directory.Label{
			ObjID: e.id, Kind: entityLabelKind(e.ekd), Label: ent.Label,
		})
	}

	for i, svc := range c.doc.ServiceEntities {
		e, ok := c.ns[svc.Label]
		if !ok || e.kind != nsService {
			continue
		}
		c.cs.Labels = append(c.cs.Labels, directory.Label{
			ObjID: e.id, Kind: directory.LabelService, Label: svc.Label,
		})
		c.cs.Services = append(c.cs.Services, directory.Service{EID: e.id})
		// a service always sees its own namespace
		c.cs.ServiceNamespaces = append(c.cs.ServiceNamespaces, directory.ServiceNamespace{
			SvcEID: e.id, NS: e.id,
		})

		for _, triplet := range svc.Attributes {
			attr, ok := c.resolveTriplet(triplet)
			if !ok {
				c.errorf("service-entity", i, "unresolved attribute %q", triplet)
				continue
			}
			c.cs.EntAttrs = append(c.cs.EntAttrs, directory.EntAttr{EID: e.id, Attr: attr})
		}

		if len(svc.Hosts) > 0 {
			c.cs.TextAttrs = append(c.cs.TextAttrs, directory.TextAttr{
				ObjID: e.id, Prop: id.PropHosts, Value: strings.Join(svc.Hosts, ","),
			})
		}
		if k8s := svc.KubernetesAccount; k8s != nil {
			ns := k8s.Namespace
			if ns == "" {
				ns = "*"
			}
			c.cs.TextAttrs = append(c.cs.TextAttrs, directory.TextAttr{
				ObjID: e.id, Prop: id.PropK8sAccount, Value: ns + "/" + k8s.Name,
			})
		}
	}
}

func (c *compiler) addIdent(clause string, index int, eid, prop id.ObjID, value string) {
	if value == "" {
		c.errorf(clause, index, "empty identifier value")
		return
	}
	key := identKey{prop: prop, value: value}
	if _, dup := c.idents[key]; dup {
		c.errorf(clause, index, "duplicate identifier %q", value)
		return
	}
	c.idents[key] = struct{}{}
	c.cs.Idents = append(c.cs.Idents, directory.Ident{
		EID: eid, Prop: prop, Plaintext: []byte(value),
	})
}

func (c *compiler) compileIdents() {
	for i, ent := range c.doc.Entities {
		e, ok := c.ns[ent.Label]
		if !ok || e.kind != nsEntity {
			continue
		}
		if ent.Username != "" {
			c.addIdent("entity", i, e.id, id.PropUsername, ent.Username)
		}
		for _, email := range ent.Email {
			c.addIdent("entity", i, e.id, id.PropEmail, email)
		}
	}

	for i, email := range c.doc.Emails {
		e, ok := c.entityLookup(email.Entity)
		if !ok {
			c.errorf("email", i, "unresolved entity %q", email.Entity)
			continue
		}
		c.addIdent("email", i, e.id, id.PropEmail, email.Value)
	}

	for i, ph := range c.doc.PasswordHashes {
		e, ok := c.entityLookup(ph.Entity)
		if !ok {
			c.errorf("password-hash", i, "unresolved entity %q", ph.Entity)
			continue
		}
		if ph.Hash == "" {
			c.errorf("password-hash", i, "empty hash")
			continue
		}
		c.cs.TextAttrs = append(c.cs.TextAttrs, directory.TextAttr{
			ObjID: e.id, Prop: id.PropPasswordHash, Value: ph.Hash,
		})
	}
}

func (c *compiler) compileMembers() {
	for i, m := range c.doc.Members {
		group, ok := c.entityLookup(m.Entity)
		if !ok {
			c.errorf("members", i, "unresolved entity %q", m.Entity)
			continue
		}
		for _, member := range m.Members {
			me, ok := c.entityLookup(member)
			if !ok {
				c.errorf("members", i, "unresolved member %q", member)
				continue
			}
			c.cs.Relations = append(c.cs.Relations, directory.Relation{
				Rel: id.PropMembership, Subject: me.id, Object: group.id,
			})
		}
	}
}

func (c *compiler) compileProperties() {
	c.compilePropertyClauses(c.doc.EntityProperties, "entity-property", directory.PropKindEntity, directory.LabelEntityProperty)
	c.compilePropertyClauses(c.doc.ResourceProperties, "resource-property", directory.PropKindResource, directory.LabelResourceProperty)
}

func (c *compiler) compilePropertyClauses(props []Property, clause, propKind, labelKind string) {
	for i, p := range props {
		nsID, ok := c.namespaceLookup(p.Domain)
		if !ok {
			c.errorf(clause, i, "unresolved domain %q", p.Domain)
			continue
		}
		if p.Label == "" {
			c.errorf(clause, i, "missing label")
			continue
		}

		key := propKey{ns: nsID, label: p.Label}
		if _, dup := c.props[key]; dup {
			c.errorf(clause, i, "duplicate property %q in domain %q", p.Label, p.Domain)
			continue
		}

		propID := c.mint(labelKind, p.Domain+":"+p.Label)
		c.props[key] = propID
		c.cs.Labels = append(c.cs.Labels, directory.Label{
			ObjID: propID, Kind: labelKind, Label: p.Domain + ":" + p.Label,
		})
		c.cs.Props = append(c.cs.Props, directory.Property{
			ID: propID, NS: nsID, Kind: propKind, Label: p.Label,
		})

		for _, attrLabel := range p.Attributes {
			akey := attrKey{prop: propID, label: attrLabel}
			if _, dup := c.attrs[akey]; dup {
				c.errorf(clause, i, "duplicate attribute %q", attrLabel)
				continue
			}
			triplet := p.Domain + ":" + p.Label + ":" + attrLabel
			attrID := c.mint(directory.LabelAttribute, triplet)
			c.attrs[akey] = attrID
			c.cs.Labels = append(c.cs.Labels, directory.Label{
				ObjID: attrID, Kind: directory.LabelAttribute, Label: triplet,
			})
			c.cs.Attrs = append(c.cs.Attrs, directory.Attribute{
				ID: attrID, Prop: propID, Label: attrLabel,
			})
		}
	}
}

// resolveTriplet resolves "namespace:property:attribute" against builtins
// and the properties declared by this document.
func (c *compiler) resolveTriplet(triplet string) (id.ObjID, bool) {
	parts := strings.Split(triplet, ":")
	if len(parts) != 3 {
		return id.Zero, false
	}
	ns, prop, attr := parts[0], parts[1], parts[2]

	if ns == id.BuiltinNamespace {
		p, ok := id.BuiltinPropLabels[prop]
		if !ok || p != id.PropRole {
			return id.Zero, false
		}
		a, ok := id.BuiltinAttrLabels[attr]
		return a, ok
	}

	nsID, ok := c.namespaceLookup(ns)
	if !ok {
		return id.Zero, false
	}
	propID, ok := c.props[propKey{ns: nsID, label: prop}]
	if !ok {
		return id.Zero, false
	}
	a, ok := c.attrs[attrKey{prop: propID, label: attr}]
	return a, ok
}

func (c *compiler) compileAttributeAssignments() {
	for i, as := range c.doc.EntityAttributeAssignments {
		e, ok := c.entityLookup(as.Entity)
		if !ok {
			c.errorf("entity-attribute-assignment", i, "unresolved entity %q", as.Entity)
			continue
		}
		for _, triplet := range as.Attributes {
			attr, ok := c.resolveTriplet(triplet)
			if !ok {
				c.errorf("entity-attribute-assignment", i, "unresolved attribute %q", triplet)
				continue
			}
			c.cs.EntAttrs = append(c.cs.EntAttrs, directory.EntAttr{EID: e.id, Attr: attr})
		}
	}
}

// docScope adapts the compiler's namespace table to policy compilation.
type docScope struct{ c *compiler }

func (s docScope) LookupProperty(ns, prop string) (id.ObjID, bool) {
	if ns == id.BuiltinNamespace {
		p, ok := id.BuiltinPropLabels[prop]
		return p, ok
	}
	nsID, ok := s.c.namespaceLookup(ns)
	if !ok {
		return id.Zero, false
	}
	p, ok := s.c.props[propKey{ns: nsID, label: prop}]
	return p, ok
}

func (s docScope) LookupAttribute(ns, prop, attr string) (id.ObjID, bool) {
	return s.c.resolveTriplet(ns + ":" + prop + ":" + attr)
}

func (s docScope) LookupEntityLabel(label string) (id.ObjID, bool) {
	e, ok := s.c.entityLookup(label)
	if !ok {
		return id.Zero, false
	}
	return e.id, true
}

func (c *compiler) compilePolicies() {
	for i, pol := range c.doc.Policies {
		if pol.Label == "" {
			c.errorf("policy", i, "missing label")
			continue
		}
		if _, dup := c.policies[pol.Label]; dup {
			c.errorf("policy", i, "duplicate policy %q", pol.Label)
			continue
		}

		var (
			src         string
			disposition policy.Outcome
		)
		switch {
		case pol.Allow != "" && pol.Deny != "":
			c.errorf("policy", i, "policy %q declares both allow and deny", pol.Label)
			continue
		case pol.Allow != "":
			src, disposition = pol.Allow, policy.OutcomeAllow
		case pol.Deny != "":
			src, disposition = pol.Deny, policy.OutcomeDeny
		default:
			c.errorf("policy", i, "policy %q declares neither allow nor deny", pol.Label)
			continue
		}

		code, cerrs := policy.Compile(src, disposition, docScope{c: c})
		if len(cerrs) > 0 {
			for _, cerr := range cerrs {
				c.errorf("policy", i, "policy %q: %v", pol.Label, cerr)
			}
			continue
		}

		pid := c.mint(directory.LabelPolicy, pol.Label)
		c.policies[pol.Label] = pid
		c.cs.Labels = append(c.cs.Labels, directory.Label{
			ObjID: pid, Kind: directory.LabelPolicy, Label: pol.Label,
		})
		c.cs.Policies = append(c.cs.Policies, directory.Policy{
			ID: pid, Label: pol.Label, Code: code,
		})
	}
}

func (c *compiler) compileBindings() {
	for i, b := range c.doc.PolicyBindings {
		if len(b.Attributes) == 0 {
			c.errorf("policy-binding", i, "empty attribute matcher")
			continue
		}
		if len(b.Policies) == 0 {
			c.errorf("policy-binding", i, "no policies bound")
			continue
		}

		matcher := make([]id.ObjID, 0, len(b.Attributes))
		bad := false
		for _, triplet := range b.Attributes {
			attr, ok := c.resolveTriplet(triplet)
			if !ok {
				c.errorf("policy-binding", i, "unresolved attribute %q", triplet)
				bad = true
				continue
			}
			matcher = append(matcher, attr)
		}

		pids := make([]id.ObjID, 0, len(b.Policies))
		for _, label := range b.Policies {
			pid, ok := c.policies[label]
			if !ok {
				c.errorf("policy-binding", i, "unresolved policy %q", label)
				bad = true
				continue
			}
			pids = append(pids, pid)
		}
		if bad {
			continue
		}

		// bindings carry no label of their own; the matcher triplets form a
		// deterministic registry label so the binding ID survives re-applies
		bindLabel := strings.Join(b.Attributes, "+")
		bindID := c.mint(directory.LabelPolicyBinding, bindLabel)
		c.cs.Labels = append(c.cs.Labels, directory.Label{
			ObjID: bindID, Kind: directory.LabelPolicyBinding, Label: bindLabel,
		})
		c.cs.Bindings = append(c.cs.Bindings, directory.Binding{
			ID: bindID, Matcher: matcher, Policies: pids,
		})
	}
}

func (c *compiler) compileServiceDomains() {
	for i, sd := range c.doc.ServiceDomains {
		svc, ok := c.ns[sd.Service]
		if !ok || svc.kind != nsService {
			c.errorf("service-domain", i, "unresolved service %q", sd.Service)
			continue
		}
		dom, ok := c.ns[sd.Domain]
		if !ok || dom.kind != nsDomain {
			c.errorf("service-domain", i, "unresolved domain %q", sd.Domain)
			continue
		}
		c.cs.ServiceNamespaces = append(c.cs.ServiceNamespaces, directory.ServiceNamespace{
			SvcEID: svc.id, NS: dom.id,
		})
	}
}
