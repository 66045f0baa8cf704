package envelope

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cordon-sec/cordon/internal/id"
)

// Keyring holds the master key versions. Each file in the key directory is
// one version: the file name is the version id, the content 32 raw bytes or
// base64(32 bytes). Exactly one version is active; older versions stay
// loadable so DEKs wrapped before a rotation can still be unwrapped.
type Keyring struct {
	activeID string
	keys     map[string][]byte
}

func LoadKeyring(dir, activeID string) (*Keyring, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("master key dir is empty")
	}
	if strings.TrimSpace(activeID) == "" {
		return nil, fmt.Errorf("active master key id is empty")
	}

	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	kr := &Keyring{activeID: activeID, keys: map[string][]byte{}}
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()

		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read master key %q: %w", name, err)
		}
		key, err := parseMasterKey(b)
		if err != nil {
			return nil, fmt.Errorf("parse master key %q: %w", name, err)
		}
		kr.keys[name] = key
	}

	if len(kr.keys) == 0 {
		return nil, fmt.Errorf("no master keys found in %q", dir)
	}
	if _, ok := kr.keys[activeID]; !ok {
		return nil, fmt.Errorf("active master key id %q not found in %q", activeID, dir)
	}

	return kr, nil
}

// NewKeyring builds a keyring from in-memory material. Used by tests and by
// callers that source key material from somewhere other than plain files.
func NewKeyring(activeID string, keys map[string][]byte) (*Keyring, error) {
	if _, ok := keys[activeID]; !ok {
		return nil, fmt.Errorf("active master key id %q not present", activeID)
	}
	for kid, key := range keys {
		if len(key) != 32 {
			return nil, fmt.Errorf("master key %q: expected 32 bytes, got %d", kid, len(key))
		}
	}
	return &Keyring{activeID: activeID, keys: keys}, nil
}

func (k *Keyring) ActiveID() string { return k.activeID }

func (k *Keyring) get(kid string) ([]byte, bool) {
	b, ok := k.keys[kid]
	return b, ok
}

// WrappedDEK is the persisted form of a property's data encryption key,
// wrapped (AES-GCM) under one master key version.
type WrappedDEK struct {
	MasterID   string
	Nonce      []byte
	Ciphertext []byte
}

// WrapNewDEK generates a fresh 32-byte DEK for the property and wraps it
// under the active master key version.
func (k *Keyring) WrapNewDEK(prop id.ObjID) (dek []byte, wrapped WrappedDEK, err error) {
	dek = make([]byte, 32)
	if _, err = io.ReadFull(rand.Reader, dek); err != nil {
		return nil, WrappedDEK{}, err
	}
	wrapped, err = k.WrapDEK(prop, dek, k.activeID)
	if err != nil {
		return nil, WrappedDEK{}, err
	}
	return dek, wrapped, nil
}

func (k *Keyring) WrapDEK(prop id.ObjID, dek []byte, masterID string) (WrappedDEK, error) {
	master, ok := k.get(masterID)
	if !ok {
		return WrappedDEK{}, fmt.Errorf("unknown master key id %q", masterID)
	}
	ciph, nonce, err := gcmEncrypt(master, aad(prop, "dek"), dek)
	if err != nil {
		return WrappedDEK{}, err
	}
	return WrappedDEK{MasterID: masterID, Nonce: nonce, Ciphertext: ciph}, nil
}

// UnwrapDEK recovers the plaintext DEK. Authentication failure means the
// wrap is tampered or corrupt and the property's data is unreadable.
func (k *Keyring) UnwrapDEK(prop id.ObjID, wrapped WrappedDEK) ([]byte, error) {
	master, ok := k.get(wrapped.MasterID)
	if !ok {
		return nil, fmt.Errorf("unknown master key id %q", wrapped.MasterID)
	}
	dek, err := gcmDecrypt(master, aad(prop, "dek"), wrapped.Nonce, wrapped.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("unwrap dek for property %s: %w", prop, ErrAuthentication)
	}
	if len(dek) != 32 {
		return nil, fmt.Errorf("invalid dek length %d", len(dek))
	}
	return dek, nil
}

// RewrapDEK unwraps under the version recorded in wrapped and wraps again
// under newMasterID. The DEK itself does not change, so values encrypted
// under it stay readable.
func (k *Keyring) RewrapDEK(prop id.ObjID, wrapped WrappedDEK, newMasterID string) (WrappedDEK, error) {
	if newMasterID == "" {
		return WrappedDEK{}, fmt.Errorf("cannot rewrap: empty new master key id")
	}
	if wrapped.MasterID == newMasterID {
		return wrapped, nil
	}
	dek, err := k.UnwrapDEK(prop, wrapped)
	if err != nil {
		return WrappedDEK{}, err
	}
	return k.WrapDEK(prop, dek, newMasterID)
}

func parseMasterKey(b []byte) ([]byte, error) {
	s := strings.TrimSpace(string(b))

	// Try base64 first
	if dec, err := base64.StdEncoding.DecodeString(s); err == nil {
		if len(dec) != 32 {
			return nil, fmt.Errorf("expected 32 bytes after base64 decode, got %d", len(dec))
		}
		return dec, nil
	}

	// Fallback: treat file as raw bytes
	if len(b) == 32 {
		return b, nil
	}

	return nil, fmt.Errorf("invalid key material: expected 32 raw bytes or base64(32 bytes)")
}
