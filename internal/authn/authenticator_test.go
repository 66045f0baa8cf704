package authn_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/cordon-sec/cordon/internal/authn"
	"github.com/cordon-sec/cordon/internal/crypto/envelope"
	"github.com/cordon-sec/cordon/internal/directory"
	"github.com/cordon-sec/cordon/internal/id"
	"github.com/cordon-sec/cordon/internal/session"
	"github.com/cordon-sec/cordon/internal/storage/sqlite"
)

type loginFixture struct {
	auth     *authn.Authenticator
	sessions *session.Store
	alice    id.ObjID
}

func newLoginFixture(t *testing.T, ttl time.Duration) *loginFixture {
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
	prov := envelope.NewProvider(envelope.New(deks))

	log := slog.New(slog.DiscardHandler)
	store := directory.NewStore(db, prov, log)

	hash, err := authn.HashPassword("hunter2")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}

	alice := id.Random()
	cs := &directory.ChangeSet{
		DirID: id.Random(),
		URL:   "test",
		Hash:  []byte("h"),
		Labels: []directory.Label{
			{ObjID: alice, Kind: directory.LabelPersona, Label: "alice"},
		},
		Idents: []directory.Ident{
			{EID: alice, Prop: id.PropUsername, Plaintext: []byte("alice")},
			{EID: alice, Prop: id.PropEmail, Plaintext: []byte("alice@example.com")},
		},
		TextAttrs: []directory.TextAttr{
			{ObjID: alice, Prop: id.PropPasswordHash, Value: hash},
		},
	}
	if err := store.Apply(context.Background(), cs); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	sessions := session.NewStore(db, ttl)
	return &loginFixture{
		auth:     authn.New(store, sessions, log),
		sessions: sessions,
		alice:    alice,
	}
}

func TestLogin_UsernameAndEmail(t *testing.T) {
	f := newLoginFixture(t, time.Hour)
	ctx := context.Background()

	for _, ident := range []string{"alice", "alice@example.com"} {
		sess, err := f.auth.Login(ctx, ident, "hunter2")
		if err != nil {
			t.Fatalf("Login(%q): %v", ident, err)
		}
		if sess.Entity.ID != f.alice || sess.Entity.Kind != id.KindPersona {
			t.Fatalf("session bound to %v", sess.Entity)
		}

		got, ok, err := f.sessions.Get(ctx, sess.Token)
		if err != nil {
			t.Fatalf("sessions.Get: %v", err)
		}
		if !ok || got.Entity.ID != f.alice {
			t.Fatalf("session not resolvable, ok=%v", ok)
		}
	}
}

func TestLogin_Failures(t *testing.T) {
	f := newLoginFixture(t, time.Hour)
	ctx := context.Background()

	if _, err := f.auth.Login(ctx, "alice", "wrong"); !errors.Is(err, authn.ErrUnauthenticated) {
		t.Fatalf("wrong password: %v", err)
	}
	if _, err := f.auth.Login(ctx, "mallory", "hunter2"); !errors.Is(err, authn.ErrUnauthenticated) {
		t.Fatalf("unknown ident: %v", err)
	}
}

func TestSession_ExpiryAndPurge(t *testing.T) {
	f := newLoginFixture(t, time.Nanosecond)
	ctx := context.Background()

	sess, err := f.auth.Login(ctx, "alice", "hunter2")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	time.Sleep(10 * time.Millisecond)

	if _, ok, err := f.sessions.Get(ctx, sess.Token); err != nil || ok {
		t.Fatalf("expired session returned, ok=%v err=%v", ok, err)
	}

	n, err := f.sessions.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged %d sessions, want 1", n)
	}
}

func TestToken_EncodeDecode(t *testing.T) {
	f := newLoginFixture(t, time.Hour)

	sess, err := f.auth.Login(context.Background(), "alice", "hunter2")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	enc := session.EncodeToken(sess.Token)
	dec, ok := session.DecodeToken(enc)
	if !ok || !bytes.Equal(dec, sess.Token) {
		t.Fatal("token round trip failed")
	}

	if _, ok := session.DecodeToken("zz"); ok {
		t.Fatal("malformed token accepted")
	}
}
