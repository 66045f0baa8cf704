package directory

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cordon-sec/cordon/internal/id"
)

// Apply reconciles storage onto the change set in a single transaction.
// Declared state is upserted, undeclared state owned by the same directory
// is deleted. The whole transaction is retried with exponential backoff
// while the database is busy, so concurrent applies serialize instead of
// failing.
func (s *Store) Apply(ctx context.Context, cs *ChangeSet) error {
	op := func() error {
		err := s.applyOnce(ctx, cs)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		s.log.Warn("document apply contended, retrying", "dir", cs.DirID, "err", err)
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 25 * time.Millisecond
	bo.MaxElapsedTime = 10 * time.Second
	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}

func (s *Store) applyOnce(ctx context.Context, cs *ChangeSet) error {
	env := s.prov.Current()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := checkParentChain(ctx, tx, cs.DirID, cs.ParentID); err != nil {
		return err
	}

	var parent any
	if !cs.ParentID.IsZero() {
		parent = cs.ParentID[:]
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO directory (dir_id, parent_id, kind, url, hash) VALUES (?, ?, 'document', ?, ?)
ON CONFLICT (dir_id) DO UPDATE SET
	parent_id = excluded.parent_id,
	url = excluded.url,
	hash = excluded.hash,
	deployed_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')`,
		cs.DirID[:], parent, cs.URL, cs.Hash)
	if err != nil {
		return err
	}

	// Labels: upsert declared, tombstone by absence. The registry must be
	// written before the referencing tables so a failed apply never leaves
	// an unlabeled object behind.
	labelIDs := make([]id.ObjID, 0, len(cs.Labels))
	for _, l := range cs.Labels {
		labelIDs = append(labelIDs, l.ObjID)
		_, err := tx.ExecContext(ctx, `
INSERT INTO obj_label (dir_id, obj_id, kind, label) VALUES (?, ?, ?, ?)
ON CONFLICT (obj_id) DO UPDATE SET kind = excluded.kind, label = excluded.label`,
			cs.DirID[:], l.ObjID[:], l.Kind, l.Label)
		if err != nil {
			return err
		}
	}
	if err := deleteAbsent(ctx, tx, "obj_label", "obj_id", cs.DirID, labelIDs); err != nil {
		return err
	}

	propIDs := make([]id.ObjID, 0, len(cs.Props))
	for _, p := range cs.Props {
		propIDs = append(propIDs, p.ID)
		_, err := tx.ExecContext(ctx, `
INSERT INTO prop (dir_id, id, ns_id, kind, label) VALUES (?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET ns_id = excluded.ns_id, kind = excluded.kind, label = excluded.label`,
			cs.DirID[:], p.ID[:], p.NS[:], p.Kind, p.Label)
		if err != nil {
			return err
		}
	}
	if err := deleteAbsent(ctx, tx, "prop", "id", cs.DirID, propIDs); err != nil {
		return err
	}

	attrIDs := make([]id.ObjID, 0, len(cs.Attrs))
	for _, a := range cs.Attrs {
		attrIDs = append(attrIDs, a.ID)
		_, err := tx.ExecContext(ctx, `
INSERT INTO attr (dir_id, id, prop_id, label) VALUES (?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET prop_id = excluded.prop_id, label = excluded.label`,
			cs.DirID[:], a.ID[:], a.Prop[:], a.Label)
		if err != nil {
			return err
		}
	}
	if err := deleteAbsent(ctx, tx, "attr", "id", cs.DirID, attrIDs); err != nil {
		return err
	}

	policyIDs := make([]id.ObjID, 0, len(cs.Policies))
	for _, p := range cs.Policies {
		policyIDs = append(policyIDs, p.ID)
		_, err := tx.ExecContext(ctx, `
INSERT INTO policy (dir_id, id, label, code) VALUES (?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET label = excluded.label, code = excluded.code`,
			cs.DirID[:], p.ID[:], p.Label, p.Code)
		if err != nil {
			return err
		}
	}
	if err := deleteAbsent(ctx, tx, "policy", "id", cs.DirID, policyIDs); err != nil {
		return err
	}

	svcIDs := make([]id.ObjID, 0, len(cs.Services))
	for _, sv := range cs.Services {
		svcIDs = append(svcIDs, sv.EID)
		_, err := tx.ExecContext(ctx, `
INSERT INTO svc (dir_id, svc_eid) VALUES (?, ?)
ON CONFLICT (svc_eid) DO NOTHING`,
			cs.DirID[:], sv.EID[:])
		if err != nil {
			return err
		}
	}
	if err := deleteAbsent(ctx, tx, "svc", "svc_eid", cs.DirID, svcIDs); err != nil {
		return err
	}

	// Identifiers are re-encrypted on every apply; the fingerprint stays
	// stable so lookups are unaffected.
	if _, err := tx.ExecContext(ctx, `DELETE FROM ent_ident WHERE dir_id = ?`, cs.DirID[:]); err != nil {
		return err
	}
	for _, ident := range cs.Idents {
		ev, err := env.Encrypt(ident.Prop, ident.Plaintext)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO ent_ident (dir_id, eid, prop_id, fingerprint, nonce, ciph) VALUES (?, ?, ?, ?, ?, ?)`,
			cs.DirID[:], ident.EID[:], ident.Prop[:], ev.Fingerprint, ev.Nonce, ev.Ciphertext)
		if err != nil {
			return err
		}
	}

	// Value and edge tables are rewritten wholesale per directory.
	if _, err := tx.ExecContext(ctx, `DELETE FROM obj_text_attr WHERE dir_id = ?`, cs.DirID[:]); err != nil {
		return err
	}
	for _, ta := range cs.TextAttrs {
		_, err := tx.ExecContext(ctx, `
INSERT INTO obj_text_attr (dir_id, obj_id, prop_id, value) VALUES (?, ?, ?, ?)`,
			cs.DirID[:], ta.ObjID[:], ta.Prop[:], ta.Value)
		if err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM ent_attr WHERE dir_id = ?`, cs.DirID[:]); err != nil {
		return err
	}
	for _, ea := range cs.EntAttrs {
		_, err := tx.ExecContext(ctx, `
INSERT INTO ent_attr (dir_id, eid, attrid) VALUES (?, ?, ?)
ON CONFLICT (eid, attrid) DO NOTHING`,
			cs.DirID[:], ea.EID[:], ea.Attr[:])
		if err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM ent_rel WHERE dir_id = ?`, cs.DirID[:]); err != nil {
		return err
	}
	for _, rel := range cs.Relations {
		_, err := tx.ExecContext(ctx, `
INSERT INTO ent_rel (dir_id, rel_id, subject_eid, object_eid) VALUES (?, ?, ?, ?)
ON CONFLICT (rel_id, subject_eid, object_eid) DO NOTHING`,
			cs.DirID[:], rel.Rel[:], rel.Subject[:], rel.Object[:])
		if err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM svc_namespace WHERE dir_id = ?`, cs.DirID[:]); err != nil {
		return err
	}
	for _, sn := range cs.ServiceNamespaces {
		_, err := tx.ExecContext(ctx, `
INSERT INTO svc_namespace (dir_id, svc_eid, ns_id) VALUES (?, ?, ?)
ON CONFLICT (svc_eid, ns_id) DO NOTHING`,
			cs.DirID[:], sn.SvcEID[:], sn.NS[:])
		if err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM polbind_attr_match WHERE dir_id = ?`, cs.DirID[:]); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM polbind_policy WHERE dir_id = ?`, cs.DirID[:]); err != nil {
		return err
	}
	for _, b := range cs.Bindings {
		for _, a := range b.Matcher {
			_, err := tx.ExecContext(ctx, `
INSERT INTO polbind_attr_match (dir_id, polbind_id, attr_id) VALUES (?, ?, ?)
ON CONFLICT (polbind_id, attr_id) DO NOTHING`,
				cs.DirID[:], b.ID[:], a[:])
			if err != nil {
				return err
			}
		}
		for _, pid := range b.Policies {
			_, err := tx.ExecContext(ctx, `
INSERT INTO polbind_policy (dir_id, polbind_id, policy_id) VALUES (?, ?, ?)
ON CONFLICT (polbind_id, policy_id) DO NOTHING`,
				cs.DirID[:], b.ID[:], pid[:])
			if err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	s.log.Info("document applied",
		"dir", cs.DirID,
		"labels", len(cs.Labels),
		"policies", len(cs.Policies),
		"bindings", len(cs.Bindings))
	return nil
}

// checkParentChain walks the persisted parent chain from the declared parent
// and rejects the apply if it reaches the directory itself. A parent that is
// not applied yet simply terminates the chain.
func checkParentChain(ctx context.Context, tx *sql.Tx, dirID, parentID id.ObjID) error {
	seen := map[id.ObjID]struct{}{}
	cur := parentID
	for !cur.IsZero() {
		if cur == dirID {
			return ErrCyclicParent
		}
		if _, ok := seen[cur]; ok {
			return ErrCyclicParent
		}
		seen[cur] = struct{}{}

		var raw []byte
		err := tx.QueryRowContext(ctx, `SELECT parent_id FROM directory WHERE dir_id = ?`, cur[:]).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if raw == nil {
			return nil
		}
		next, err := id.FromBytes(raw)
		if err != nil {
			return err
		}
		cur = next
	}
	return nil
}

func deleteAbsent(ctx context.Context, tx *sql.Tx, table, idCol string, dirID id.ObjID, keep []id.ObjID) error {
	if len(keep) == 0 {
		_, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE dir_id = ?", dirID[:])
		return err
	}

	ph := strings.Repeat("?,", len(keep)-1) + "?"
	args := make([]any, 0, len(keep)+1)
	args = append(args, dirID[:])
	for _, k := range keep {
		args = append(args, k[:])
	}
	_, err := tx.ExecContext(ctx,
		"DELETE FROM "+table+" WHERE dir_id = ? AND "+idCol+" NOT IN ("+ph+")", args...)
	return err
}

func retryable(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy")
}
