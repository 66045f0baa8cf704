package envelope_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/cordon-sec/cordon/internal/crypto/envelope"
	"github.com/cordon-sec/cordon/internal/id"
)

func testKeyring(t *testing.T, activeID string) *envelope.Keyring {
	t.Helper()
	keys := map[string][]byte{
		"m1": bytes.Repeat([]byte{0x11}, 32),
		"m2": bytes.Repeat([]byte{0x22}, 32),
	}
	kr, err := envelope.NewKeyring(activeID, keys)
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	return kr
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	kr := testKeyring(t, "m1")
	prop := id.PropEmail

	dek, _, err := kr.WrapNewDEK(prop)
	if err != nil {
		t.Fatalf("WrapNewDEK: %v", err)
	}
	env := envelope.New(map[id.ObjID][]byte{prop: dek})

	plaintext := []byte("user@example.com")
	ev, err := env.Encrypt(prop, plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if bytes.Contains(ev.Ciphertext, plaintext) {
		t.Fatal("ciphertext contains plaintext")
	}

	got, err := env.Decrypt(prop, ev)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: got %q", got)
	}
}

func TestDecryptDetectsTampering(t *testing.T) {
	kr := testKeyring(t, "m1")
	prop := id.PropUsername

	dek, _, err := kr.WrapNewDEK(prop)
	if err != nil {
		t.Fatalf("WrapNewDEK: %v", err)
	}
	env := envelope.New(map[id.ObjID][]byte{prop: dek})

	ev, err := env.Encrypt(prop, []byte("alice"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	ev.Ciphertext[0] ^= 0x01

	if _, err := env.Decrypt(prop, ev); !errors.Is(err, envelope.ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
}

func TestDecryptRejectsWrongProperty(t *testing.T) {
	kr := testKeyring(t, "m1")
	dek, _, err := kr.WrapNewDEK(id.PropUsername)
	if err != nil {
		t.Fatalf("WrapNewDEK: %v", err)
	}

	// same DEK registered under two properties: AAD still separates them
	env := envelope.New(map[id.ObjID][]byte{
		id.PropUsername: dek,
		id.PropEmail:    dek,
	})

	ev, err := env.Encrypt(id.PropUsername, []byte("alice"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := env.Decrypt(id.PropEmail, ev); !errors.Is(err, envelope.ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
}

func TestFingerprintDeterministicAndKeyed(t *testing.T) {
	kr := testKeyring(t, "m1")
	prop := id.PropEmail

	dekA, _, err := kr.WrapNewDEK(prop)
	if err != nil {
		t.Fatalf("WrapNewDEK: %v", err)
	}
	dekB, _, err := kr.WrapNewDEK(prop)
	if err != nil {
		t.Fatalf("WrapNewDEK: %v", err)
	}

	envA := envelope.New(map[id.ObjID][]byte{prop: dekA})
	envB := envelope.New(map[id.ObjID][]byte{prop: dekB})

	fp1, err := envA.Fingerprint(prop, []byte("user@example.com"))
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	fp2, err := envA.Fingerprint(prop, []byte("user@example.com"))
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if !bytes.Equal(fp1, fp2) {
		t.Fatal("fingerprint not deterministic under one DEK")
	}
	if len(fp1) != 32 {
		t.Fatalf("fingerprint length = %d, want 32", len(fp1))
	}

	fp3, err := envB.Fingerprint(prop, []byte("user@example.com"))
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if bytes.Equal(fp1, fp3) {
		t.Fatal("fingerprints equal across different DEKs")
	}
}

func TestUnwrapAfterRewrap(t *testing.T) {
	kr := testKeyring(t, "m1")
	prop := id.PropEmail

	dek, wrapped, err := kr.WrapNewDEK(prop)
	if err != nil {
		t.Fatalf("WrapNewDEK: %v", err)
	}
	if wrapped.MasterID != "m1" {
		t.Fatalf("wrapped under %q, want m1", wrapped.MasterID)
	}

	rewrapped, err := kr.RewrapDEK(prop, wrapped, "m2")
	if err != nil {
		t.Fatalf("RewrapDEK: %v", err)
	}
	if rewrapped.MasterID != "m2" {
		t.Fatalf("rewrapped under %q, want m2", rewrapped.MasterID)
	}

	got, err := kr.UnwrapDEK(prop, rewrapped)
	if err != nil {
		t.Fatalf("UnwrapDEK: %v", err)
	}
	if !bytes.Equal(got, dek) {
		t.Fatal("DEK changed across rewrap")
	}

	// no-op when already under the target version
	same, err := kr.RewrapDEK(prop, rewrapped, "m2")
	if err != nil {
		t.Fatalf("RewrapDEK: %v", err)
	}
	if !bytes.Equal(same.Ciphertext, rewrapped.Ciphertext) {
		t.Fatal("rewrap to same version changed the wrap")
	}
}

func TestUnwrapDetectsTamperedWrap(t *testing.T) {
	kr := testKeyring(t, "m1")
	prop := id.PropEmail

	_, wrapped, err := kr.WrapNewDEK(prop)
	if err != nil {
		t.Fatalf("WrapNewDEK: %v", err)
	}
	wrapped.Ciphertext[0] ^= 0x01

	if _, err := kr.UnwrapDEK(prop, wrapped); !errors.Is(err, envelope.ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
}

func TestProviderSwap(t *testing.T) {
	prop := id.PropEmail
	envA := envelope.New(map[id.ObjID][]byte{prop: bytes.Repeat([]byte{0x01}, 32)})
	envB := envelope.New(map[id.ObjID][]byte{prop: bytes.Repeat([]byte{0x02}, 32)})

	p := envelope.NewProvider(envA)
	if p.Current() != envA {
		t.Fatal("provider does not return initial envelope")
	}

	ev, err := envA.Encrypt(prop, []byte("user@example.com"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	p.Swap(envB)
	if p.Current() != envB {
		t.Fatal("swap not visible")
	}

	// old envelope keeps decrypting what it encrypted
	if _, err := envA.Decrypt(prop, ev); err != nil {
		t.Fatalf("old envelope Decrypt: %v", err)
	}
	// new envelope with a different DEK cannot
	if _, err := envB.Decrypt(prop, ev); !errors.Is(err, envelope.ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
}
