package directory

import (
	"context"
	"database/sql"
	"errors"

	"github.com/cordon-sec/cordon/internal/crypto/envelope"
	"github.com/cordon-sec/cordon/internal/id"
)

// EnsureDEKs loads the wrapped DEK of every encrypted property, minting and
// persisting a fresh one where none exists yet. The returned plaintext DEKs
// feed envelope.New.
func EnsureDEKs(ctx context.Context, db *sql.DB, kr *envelope.Keyring) (map[id.ObjID][]byte, error) {
	deks := map[id.ObjID][]byte{}

	for _, prop := range id.EncryptedProps {
		wrapped, ok, err := loadWrappedDEK(ctx, db, prop)
		if err != nil {
			return nil, err
		}
		if ok {
			dek, err := kr.UnwrapDEK(prop, wrapped)
			if err != nil {
				return nil, err
			}
			deks[prop] = dek
			continue
		}

		dek, wrapped, err := kr.WrapNewDEK(prop)
		if err != nil {
			return nil, err
		}
		if err := storeWrappedDEK(ctx, db, prop, wrapped); err != nil {
			return nil, err
		}
		deks[prop] = dek
	}

	return deks, nil
}

// RewrapDEKs rewraps every persisted DEK under newMasterID in a single
// transaction and returns how many rows changed. The DEKs themselves do not
// change, so no data is re-encrypted and readers holding the old envelope
// stay valid.
func RewrapDEKs(ctx context.Context, db *sql.DB, kr *envelope.Keyring, newMasterID string) (int, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	const q = `SELECT prop_id, master_id, nonce, ciph FROM cr_prop_dek`
	rows, err := tx.QueryContext(ctx, q)
	if err != nil {
		return 0, err
	}

	type rowT struct {
		prop    id.ObjID
		wrapped envelope.WrappedDEK
	}
	var all []rowT
	for rows.Next() {
		var (
			raw         []byte
			masterID    string
			nonce, ciph []byte
		)
		if err := rows.Scan(&raw, &masterID, &nonce, &ciph); err != nil {
			rows.Close()
			return 0, err
		}
		prop, err := id.FromBytes(raw)
		if err != nil {
			rows.Close()
			return 0, err
		}
		all = append(all, rowT{prop: prop, wrapped: envelope.WrappedDEK{
			MasterID: masterID, Nonce: nonce, Ciphertext: ciph,
		}})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	changed := 0
	for _, r := range all {
		if r.wrapped.MasterID == newMasterID {
			continue
		}
		rewrapped, err := kr.RewrapDEK(r.prop, r.wrapped, newMasterID)
		if err != nil {
			return 0, err
		}
		_, err = tx.ExecContext(ctx, `
UPDATE cr_prop_dek SET master_id = ?, nonce = ?, ciph = ? WHERE prop_id = ?`,
			rewrapped.MasterID, rewrapped.Nonce, rewrapped.Ciphertext, r.prop[:])
		if err != nil {
			return 0, err
		}
		changed++
	}

	if changed > 0 {
		_, err = tx.ExecContext(ctx, `
INSERT INTO cr_master_version (version) VALUES (?)
ON CONFLICT (version) DO NOTHING`, newMasterID)
		if err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return changed, nil
}

func loadWrappedDEK(ctx context.Context, db *sql.DB, prop id.ObjID) (envelope.WrappedDEK, bool, error) {
	const q = `SELECT master_id, nonce, ciph FROM cr_prop_dek WHERE prop_id = ?`
	var w envelope.WrappedDEK
	err := db.QueryRowContext(ctx, q, prop[:]).Scan(&w.MasterID, &w.Nonce, &w.Ciphertext)
	if errors.Is(err, sql.ErrNoRows) {
		return envelope.WrappedDEK{}, false, nil
	}
	if err != nil {
		return envelope.WrappedDEK{}, false, err
	}
	return w, true, nil
}

func storeWrappedDEK(ctx context.Context, db *sql.DB, prop id.ObjID, w envelope.WrappedDEK) error {
	_, err := db.ExecContext(ctx, `
INSERT INTO cr_master_version (version) VALUES (?)
ON CONFLICT (version) DO NOTHING`, w.MasterID)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
INSERT INTO cr_prop_dek (prop_id, master_id, nonce, ciph) VALUES (?, ?, ?, ?)
ON CONFLICT (prop_id) DO UPDATE SET master_id = excluded.master_id, nonce = excluded.nonce, ciph = excluded.ciph`,
		prop[:], w.MasterID, w.Nonce, w.Ciphertext)
	return err
}
