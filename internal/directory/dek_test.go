package directory

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/cordon-sec/cordon/internal/crypto/envelope"
	"github.com/cordon-sec/cordon/internal/id"
	"github.com/cordon-sec/cordon/internal/storage/sqlite"
)

func newDEKTestDB(t *testing.T) (dbPath string) {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.sqlite")
}

func testMasterKeyring(t *testing.T, active string) *envelope.Keyring {
	t.Helper()
	kr, err := envelope.NewKeyring(active, map[string][]byte{
		"m1": bytes.Repeat([]byte{0x11}, 32),
		"m2": bytes.Repeat([]byte{0x22}, 32),
	})
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	return kr
}

func TestEnsureDEKs_StableAcrossRestart(t *testing.T) {
	path := newDEKTestDB(t)
	ctx := context.Background()

	db, err := sqlite.Open(path)
	if err != nil {
		t.Fatalf("sqlite.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := sqlite.Migrate(db); err != nil {
		t.Fatalf("sqlite.Migrate: %v", err)
	}

	kr := testMasterKeyring(t, "m1")

	first, err := EnsureDEKs(ctx, db, kr)
	if err != nil {
		t.Fatalf("EnsureDEKs: %v", err)
	}
	if len(first) != len(id.EncryptedProps) {
		t.Fatalf("got %d DEKs, want %d", len(first), len(id.EncryptedProps))
	}

	second, err := EnsureDEKs(ctx, db, kr)
	if err != nil {
		t.Fatalf("second EnsureDEKs: %v", err)
	}
	for prop, dek := range first {
		if !bytes.Equal(second[prop], dek) {
			t.Fatalf("DEK for %s changed across restart", prop)
		}
	}
}

func TestRewrapDEKs_KeepsDEKsReadable(t *testing.T) {
	path := newDEKTestDB(t)
	ctx := context.Background()

	db, err := sqlite.Open(path)
	if err != nil {
		t.Fatalf("sqlite.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := sqlite.Migrate(db); err != nil {
		t.Fatalf("sqlite.Migrate: %v", err)
	}

	krOld := testMasterKeyring(t, "m1")
	before, err := EnsureDEKs(ctx, db, krOld)
	if err != nil {
		t.Fatalf("EnsureDEKs: %v", err)
	}

	changed, err := RewrapDEKs(ctx, db, krOld, "m2")
	if err != nil {
		t.Fatalf("RewrapDEKs: %v", err)
	}
	if changed != len(id.EncryptedProps) {
		t.Fatalf("rewrapped %d DEKs, want %d", changed, len(id.EncryptedProps))
	}

	// a keyring active on m2 unwraps the same DEKs
	krNew := testMasterKeyring(t, "m2")
	after, err := EnsureDEKs(ctx, db, krNew)
	if err != nil {
		t.Fatalf("EnsureDEKs after rewrap: %v", err)
	}
	for prop, dek := range before {
		if !bytes.Equal(after[prop], dek) {
			t.Fatalf("DEK for %s changed by rewrap", prop)
		}
	}

	// second rotation to the same version is a no-op
	changed, err = RewrapDEKs(ctx, db, krNew, "m2")
	if err != nil {
		t.Fatalf("second RewrapDEKs: %v", err)
	}
	if changed != 0 {
		t.Fatalf("no-op rotation changed %d rows", changed)
	}
}
