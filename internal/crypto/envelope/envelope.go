package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/zeebo/blake3"

	"github.com/cordon-sec/cordon/internal/id"
)

// ErrAuthentication marks a failed AEAD open: the ciphertext, nonce, AAD or
// key does not match what was sealed. Callers must treat it as tampering or
// corruption, never as "no value".
var ErrAuthentication = errors.New("envelope: authentication failed")

// Envelope performs symmetric encryption for property values. Each sensitive
// property has its own 32-byte DEK; the envelope only ever sees unwrapped
// DEKs, wrapping and unwrapping is the Keyring's job. An Envelope is
// immutable after construction so readers never observe a half-rotated key
// set; swap a whole new Envelope in via Provider instead.
type Envelope struct {
	deks map[id.ObjID][]byte
}

func New(deks map[id.ObjID][]byte) *Envelope {
	m := make(map[id.ObjID][]byte, len(deks))
	for prop, dek := range deks {
		m[prop] = dek
	}
	return &Envelope{deks: m}
}

// Stored in DB per encrypted value:
// - ciphertext (raw bytes)
// - nonce (raw bytes)
// - fingerprint (32 bytes, for equality lookup without decryption)
type EncryptedValue struct {
	Ciphertext  []byte
	Nonce       []byte
	Fingerprint []byte
}

func (e *Envelope) dek(prop id.ObjID) ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("envelope is nil")
	}
	dek, ok := e.deks[prop]
	if !ok {
		return nil, fmt.Errorf("no dek for property %s", prop)
	}
	return dek, nil
}

func (e *Envelope) Encrypt(prop id.ObjID, plaintext []byte) (EncryptedValue, error) {
	dek, err := e.dek(prop)
	if err != nil {
		return EncryptedValue{}, err
	}

	ct, nonce, err := gcmEncrypt(dek, aad(prop, "val"), plaintext)
	if err != nil {
		return EncryptedValue{}, err
	}
	fp, err := e.Fingerprint(prop, plaintext)
	if err != nil {
		return EncryptedValue{}, err
	}

	return EncryptedValue{Ciphertext: ct, Nonce: nonce, Fingerprint: fp}, nil
}

func (e *Envelope) Decrypt(prop id.ObjID, ev EncryptedValue) ([]byte, error) {
	dek, err := e.dek(prop)
	if err != nil {
		return nil, err
	}

	pt, err := gcmDecrypt(dek, aad(prop, "val"), ev.Nonce, ev.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decrypt value for property %s: %w", prop, ErrAuthentication)
	}
	return pt, nil
}

// Fingerprint computes a keyed BLAKE3 hash of the plaintext under the
// property's DEK. Equal plaintexts under the same DEK produce equal
// fingerprints, so encrypted identifiers can be looked up by exact match.
// Without the DEK the fingerprint reveals nothing about the plaintext.
func (e *Envelope) Fingerprint(prop id.ObjID, plaintext []byte) ([]byte, error) {
	dek, err := e.dek(prop)
	if err != nil {
		return nil, err
	}

	h, err := blake3.NewKeyed(dek)
	if err != nil {
		return nil, err
	}
	h.Write(plaintext)
	return h.Sum(nil), nil
}

// Provider hands out the current Envelope and lets rotation swap in a new
// one atomically. Readers that grabbed the old Envelope finish with the old
// DEKs, which stay valid because rotation rewraps rather than replaces them.
type Provider struct {
	cur atomic.Pointer[Envelope]
}

func NewProvider(e *Envelope) *Provider {
	p := &Provider{}
	p.cur.Store(e)
	return p
}

func (p *Provider) Current() *Envelope { return p.cur.Load() }

func (p *Provider) Swap(e *Envelope) { p.cur.Store(e) }

func aad(prop id.ObjID, purpose string) []byte {
	// binds ciphertext to the owning property to prevent swapping wraps or
	// values between records
	return []byte("cordon:v1:" + prop.String() + ":" + purpose)
}

func gcmEncrypt(key []byte, aad []byte, plaintext []byte) (ciphertext []byte, nonce []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, err
	}
	ciphertext = gcm.Seal(nil, nonce, plaintext, aad)
	return ciphertext, nonce, nil
}

func gcmDecrypt(key []byte, aad []byte, nonce []byte, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("invalid nonce size %d", len(nonce))
	}
	return gcm.Open(nil, nonce, ciphertext, aad)
}
