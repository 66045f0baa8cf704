package directory

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"

	"github.com/cordon-sec/cordon/internal/crypto/envelope"
	"github.com/cordon-sec/cordon/internal/id"
	"github.com/cordon-sec/cordon/internal/policy"
)

var (
	ErrNotFound = errors.New("directory: not found")

	// ErrCyclicParent means a document's parent reference would close a
	// cycle in the directory tree. The apply transaction is aborted.
	ErrCyclicParent = errors.New("directory: cyclic parentage")
)

type Store struct {
	db   *sql.DB
	prov *envelope.Provider
	log  *slog.Logger
}

func NewStore(db *sql.DB, prov *envelope.Provider, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{db: db, prov: prov, log: log}
}

// DirectoryHash returns the content hash of the last applied document for
// the directory, or ok=false if the directory was never applied.
func (s *Store) DirectoryHash(ctx context.Context, dirID id.ObjID) ([]byte, bool, error) {
	const q = `SELECT hash FROM directory WHERE dir_id = ?`
	var h []byte
	err := s.db.QueryRowContext(ctx, q, dirID[:]).Scan(&h)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return h, true, nil
}

// PersistedLabels loads the (kind, label) -> id registry of a directory.
// Document compilation uses it to re-mint the same ID for an object that
// was declared before under the same kind and label.
func (s *Store) PersistedLabels(ctx context.Context, dirID id.ObjID) (map[LabelKey]id.ObjID, error) {
	const q = `SELECT obj_id, kind, label FROM obj_label WHERE dir_id = ?`
	rows, err := s.db.QueryContext(ctx, q, dirID[:])
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[LabelKey]id.ObjID{}
	for rows.Next() {
		var (
			raw         []byte
			kind, label string
		)
		if err := rows.Scan(&raw, &kind, &label); err != nil {
			return nil, err
		}
		oid, err := id.FromBytes(raw)
		if err != nil {
			return nil, err
		}
		out[LabelKey{Kind: kind, Label: label}] = oid
	}
	return out, rows.Err()
}

// LookupEntityByIdent finds the entity holding the given identifier value
// under an encrypted ident property. The lookup goes through the keyed
// fingerprint, so the stored ciphertext is never decrypted.
func (s *Store) LookupEntityByIdent(ctx context.Context, prop id.ObjID, plaintext []byte) (id.EntityID, bool, error) {
	fp, err := s.prov.Current().Fingerprint(prop, plaintext)
	if err != nil {
		return id.EntityID{}, false, err
	}

	const q = `
SELECT i.eid, l.kind
FROM ent_ident i
JOIN obj_label l ON l.obj_id = i.eid
WHERE i.prop_id = ? AND i.fingerprint = ?`
	var (
		raw  []byte
		kind string
	)
	err = s.db.QueryRowContext(ctx, q, prop[:], fp).Scan(&raw, &kind)
	if errors.Is(err, sql.ErrNoRows) {
		return id.EntityID{}, false, nil
	}
	if err != nil {
		return id.EntityID{}, false, err
	}

	oid, err := id.FromBytes(raw)
	if err != nil {
		return id.EntityID{}, false, err
	}
	k, err := id.ParseKind(kind)
	if err != nil {
		return id.EntityID{}, false, err
	}
	return id.EntityID{Kind: k, ID: oid}, true, nil
}

// TextAttr reads a plaintext text attribute of an object.
func (s *Store) TextAttr(ctx context.Context, objID, prop id.ObjID) (string, bool, error) {
	const q = `SELECT value FROM obj_text_attr WHERE obj_id = ? AND prop_id = ?`
	var v string
	err := s.db.QueryRowContext(ctx, q, objID[:], prop[:]).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// EntityAttrs collects the attribute set of an entity: its own assignments
// plus those inherited through transitive membership. Membership cycles are
// tolerated; every group contributes once.
func (s *Store) EntityAttrs(ctx context.Context, eid id.ObjID) (map[id.ObjID]struct{}, error) {
	attrs := map[id.ObjID]struct{}{}

	seen := map[id.ObjID]struct{}{}
	queue := []id.ObjID{eid}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if _, ok := seen[cur]; ok {
			continue
		}
		seen[cur] = struct{}{}

		if err := s.directAttrs(ctx, cur, attrs); err != nil {
			return nil, err
		}

		parents, err := s.memberOf(ctx, cur)
		if err != nil {
			return nil, err
		}
		queue = append(queue, parents...)
	}

	return attrs, nil
}

func (s *Store) directAttrs(ctx context.Context, eid id.ObjID, into map[id.ObjID]struct{}) error {
	const q = `SELECT attrid FROM ent_attr WHERE eid = ?`
	rows, err := s.db.QueryContext(ctx, q, eid[:])
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return err
		}
		a, err := id.FromBytes(raw)
		if err != nil {
			return err
		}
		into[a] = struct{}{}
	}
	return rows.Err()
}

func (s *Store) memberOf(ctx context.Context, eid id.ObjID) ([]id.ObjID, error) {
	const q = `SELECT object_eid FROM ent_rel WHERE rel_id = ? AND subject_eid = ?`
	rows, err := s.db.QueryContext(ctx, q, id.PropMembership[:], eid[:])
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []id.ObjID
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		g, err := id.FromBytes(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// ResolveAttr resolves a "namespace:property:attribute" label triplet to the
// attribute's ID.
func (s *Store) ResolveAttr(ctx context.Context, ns, prop, attr string) (id.ObjID, bool, error) {
	if ns == id.BuiltinNamespace {
		p, ok := id.BuiltinPropLabels[prop]
		if !ok || p != id.PropRole {
			return id.Zero, false, nil
		}
		a, ok := id.BuiltinAttrLabels[attr]
		return a, ok, nil
	}

	const q = `
SELECT a.id
FROM attr a
JOIN prop p ON p.id = a.prop_id
JOIN obj_label n ON n.obj_id = p.ns_id
WHERE n.kind = ? AND n.label = ? AND p.label = ? AND a.label = ?`
	var raw []byte
	err := s.db.QueryRowContext(ctx, q, LabelDomain, ns, prop, attr).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return id.Zero, false, nil
	}
	if err != nil {
		return id.Zero, false, err
	}
	a, err := id.FromBytes(raw)
	if err != nil {
		return id.Zero, false, err
	}
	return a, true, nil
}

// ServiceNamespaces lists the namespaces a service has been granted.
func (s *Store) ServiceNamespaces(ctx context.Context, svcEID id.ObjID) ([]id.ObjID, error) {
	const q = `SELECT ns_id FROM svc_namespace WHERE svc_eid = ?`
	rows, err := s.db.QueryContext(ctx, q, svcEID[:])
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []id.ObjID
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		ns, err := id.FromBytes(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, ns)
	}
	return out, rows.Err()
}

// LoadEngine builds the policy engine from every persisted policy and
// binding, across all directories.
func (s *Store) LoadEngine(ctx context.Context) (*policy.Engine, error) {
	eng := policy.NewEngine()

	const qp = `SELECT id, label, code FROM policy`
	rows, err := s.db.QueryContext(ctx, qp)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			raw, code []byte
			label     string
		)
		if err := rows.Scan(&raw, &label, &code); err != nil {
			return nil, err
		}
		pid, err := id.FromBytes(raw)
		if err != nil {
			return nil, err
		}
		eng.AddPolicy(pid, label, code)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	matchers, err := s.loadBindingEdges(ctx, `SELECT polbind_id, attr_id FROM polbind_attr_match`)
	if err != nil {
		return nil, err
	}
	bindings, err := s.loadBindingEdges(ctx, `SELECT polbind_id, policy_id FROM polbind_policy`)
	if err != nil {
		return nil, err
	}

	for bid, matcher := range matchers {
		eng.AddBinding(matcher, bindings[bid])
	}

	s.log.Debug("policy engine loaded",
		"policies", eng.PolicyCount(),
		"bindings", eng.BindingCount())
	return eng, nil
}

func (s *Store) loadBindingEdges(ctx context.Context, q string) (map[id.ObjID][]id.ObjID, error) {
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[id.ObjID][]id.ObjID{}
	for rows.Next() {
		var rawBind, rawRef []byte
		if err := rows.Scan(&rawBind, &rawRef); err != nil {
			return nil, err
		}
		bid, err := id.FromBytes(rawBind)
		if err != nil {
			return nil, err
		}
		ref, err := id.FromBytes(rawRef)
		if err != nil {
			return nil, err
		}
		out[bid] = append(out[bid], ref)
	}
	return out, rows.Err()
}
