// Package identity is the local signing and self-encryption identity.
package identity

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/capitalize-ai/forkchat/internal/model"
)

const (
	envelopeVersion = 1
	kdfInfo         = "forkchat self-encryption v1"
)

var (
	ErrBadSeed      = errors.New("identity: seed must be 32 bytes")
	ErrBadEnvelope  = errors.New("identity: malformed ciphertext envelope")
	ErrNotRecipient = errors.New("identity: event not encrypted for this identity")
	ErrBadSignature = errors.New("identity: signature does not verify")
)

// Keypair signs with ed25519 and encrypts bodies to itself with
// XChaCha20-Poly1305 under a key derived from the seed.
type Keypair struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
	seal []byte
}

// FromSeed derives a keypair from a 32 byte seed.
func FromSeed(seed []byte) (*Keypair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, ErrBadSeed
	}
	priv := ed25519.NewKeyFromSeed(seed)

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, seed, nil, []byte(kdfInfo)), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	return &Keypair{
		priv: priv,
		pub:  priv.Public().(ed25519.PublicKey),
		seal: key,
	}, nil
}

// FromHex parses a hex encoded seed.
func FromHex(s string) (*Keypair, error) {
	seed, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	return FromSeed(seed)
}

// Generate creates a keypair from a random seed.
func Generate() (*Keypair, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	return FromSeed(seed)
}

// PublicKey returns the hex public key.
func (k *Keypair) PublicKey() string {
	return hex.EncodeToString(k.pub)
}

// Sign stamps the event with this identity, computes its id and signs the id.
func (k *Keypair) Sign(_ context.Context, ev *model.RawEvent) error {
	ev.PubKey = k.PublicKey()
	ev.ID = ev.ComputeID()
	id, err := hex.DecodeString(ev.ID)
	if err != nil {
		return err
	}
	ev.Sig = hex.EncodeToString(ed25519.Sign(k.priv, id))
	return nil
}

// Encrypt seals plaintext for this identity. The envelope is base64 of
// version byte, nonce and sealed box; the public key is bound as
// additional data.
func (k *Keypair) Encrypt(_ context.Context, plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(k.seal)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	out := append([]byte{envelopeVersion}, nonce...)
	out = aead.Seal(out, nonce, []byte(plaintext), k.pub)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt opens an event body sealed by Encrypt.
func (k *Keypair) Decrypt(_ context.Context, ev model.RawEvent) (string, error) {
	if ev.PubKey != "" && ev.PubKey != k.PublicKey() {
		return "", ErrNotRecipient
	}
	raw, err := base64.StdEncoding.DecodeString(ev.Content)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	aead, err := chacha20poly1305.NewX(k.seal)
	if err != nil {
		return "", err
	}
	if len(raw) < 1+aead.NonceSize()+aead.Overhead() || raw[0] != envelopeVersion {
		return "", ErrBadEnvelope
	}
	nonce := raw[1 : 1+aead.NonceSize()]
	plain, err := aead.Open(nil, nonce, raw[1+aead.NonceSize():], k.pub)
	if err != nil {
		return "", fmt.Errorf("open envelope: %w", err)
	}
	return string(plain), nil
}

// Verify checks the id and signature of an event.
func Verify(ev model.RawEvent) error {
	if ev.ID != ev.ComputeID() {
		return fmt.Errorf("%w: id mismatch", ErrBadSignature)
	}
	pub, err := hex.DecodeString(ev.PubKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: bad public key", ErrBadSignature)
	}
	id, _ := hex.DecodeString(ev.ID)
	sig, err := hex.DecodeString(ev.Sig)
	if err != nil || !ed25519.Verify(pub, id, sig) {
		return ErrBadSignature
	}
	return nil
}
