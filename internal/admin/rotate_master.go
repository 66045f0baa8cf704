// Package admin implements maintenance operations that run against the
// database directly, outside the serving path.
package admin

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/cordon-sec/cordon/internal/crypto/envelope"
	"github.com/cordon-sec/cordon/internal/directory"
)

type RotateMasterOptions struct {
	// ToMasterID is the key version every data encryption key gets
	// rewrapped under. It must exist in the keyring.
	ToMasterID string
	DryRun     bool
}

type RotateMasterResult struct {
	Matched int
	Updated int
}

// RotateMaster rewraps all stored data encryption keys under a new master
// key version. Data stays readable throughout; only the wrapping changes.
func RotateMaster(ctx context.Context, db *sql.DB, kr *envelope.Keyring, opt RotateMasterOptions) (RotateMasterResult, error) {
	if db == nil {
		return RotateMasterResult{}, fmt.Errorf("db is nil")
	}
	if kr == nil {
		return RotateMasterResult{}, fmt.Errorf("keyring is nil")
	}
	if opt.ToMasterID == "" {
		return RotateMasterResult{}, fmt.Errorf("ToMasterID is empty")
	}

	var matched int
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cr_prop_dek WHERE master_id != ?`,
		opt.ToMasterID,
	).Scan(&matched); err != nil {
		return RotateMasterResult{}, err
	}

	if opt.DryRun {
		return RotateMasterResult{Matched: matched, Updated: 0}, nil
	}

	updated, err := directory.RewrapDEKs(ctx, db, kr, opt.ToMasterID)
	if err != nil {
		return RotateMasterResult{Matched: matched}, err
	}
	return RotateMasterResult{Matched: matched, Updated: updated}, nil
}
