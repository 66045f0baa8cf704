package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cordon-sec/cordon/internal/admin"
	"github.com/cordon-sec/cordon/internal/crypto/envelope"
	"github.com/cordon-sec/cordon/internal/storage/sqlite"
)

func runRotateMaster(args []string) error {
	fs := flag.NewFlagSet("rotate-master", flag.ContinueOnError)

	dbPath := fs.String("db", getenvDefault("CORDON_DB_PATH", filepath.Join("data", "cordon.sqlite")), "Path to sqlite db file")
	keyDir := fs.String("key-dir", os.Getenv("CORDON_MASTER_KEY_DIR"), "Directory containing master key files (mounted secret)")
	toID := fs.String("to", os.Getenv("CORDON_MASTER_KEY_ID"), "Target master key version")
	dryRun := fs.Bool("dry-run", false, "Only report how many keys would change")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if *keyDir == "" {
		return fmt.Errorf("--key-dir (or env CORDON_MASTER_KEY_DIR) is required")
	}
	if *toID == "" {
		return fmt.Errorf("--to (or env CORDON_MASTER_KEY_ID) is required")
	}

	kr, err := envelope.LoadKeyring(*keyDir, *toID)
	if err != nil {
		return err
	}

	db, err := sqlite.Open(*dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := sqlite.Migrate(db); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	res, err := admin.RotateMaster(ctx, db, kr, admin.RotateMasterOptions{
		ToMasterID: *toID,
		DryRun:     *dryRun,
	})
	if err != nil {
		return err
	}

	if *dryRun {
		fmt.Printf("dry-run: would rewrap %d keys to master=%q\n", res.Matched, *toID)
		return nil
	}

	fmt.Printf("rotation complete: matched=%d updated=%d to=%q\n", res.Matched, res.Updated, *toID)
	return nil
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}
