package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/box"
)

var ErrDecrypt = errors.New("identity: cannot decrypt")

type (
	// Sealed is an asymmetrically encrypted blob addressed to one recipient.
	Sealed struct {
		Ciphertext         []byte `json:"ciphertext"`
		Nonce              []byte `json:"nonce"`
		EphemeralPublicKey []byte `json:"ephemeralPublicKey"`
	}

	// Identity is the key-holding capability this module consumes. DID
	// derivation and the underlying primitives are substitutable.
	Identity interface {
		DID() string
		SigningPublicKey() []byte
		EncryptionPublicKey() []byte
		Sign(data []byte) []byte
		EncryptForRecipient(plaintext, recipientPub []byte) (*Sealed, error)
		DecryptForMe(sealed *Sealed) ([]byte, error)
	}
)

// X25519Identity is the default implementation: Ed25519 for signatures,
// X25519 + NaCl box with an ephemeral sender key for recipient encryption.
type X25519Identity struct {
	did     string
	signPub ed25519.PublicKey
	signKey ed25519.PrivateKey
	encPub  [32]byte
	encPriv [32]byte
}

func Generate() (*X25519Identity, error) {
	signPub, signKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	encPub, encPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	return &X25519Identity{
		did:     "did:trust:" + hex.EncodeToString(signPub),
		signPub: signPub,
		signKey: signKey,
		encPub:  *encPub,
		encPriv: *encPriv,
	}, nil
}

func (id *X25519Identity) DID() string { return id.did }

func (id *X25519Identity) SigningPublicKey() []byte {
	return append([]byte(nil), id.signPub...)
}

func (id *X25519Identity) EncryptionPublicKey() []byte {
	return append([]byte(nil), id.encPub[:]...)
}

func (id *X25519Identity) Sign(data []byte) []byte {
	return ed25519.Sign(id.signKey, data)
}

func Verify(signingPub, data, sig []byte) bool {
	if len(signingPub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(signingPub), data, sig)
}

func (id *X25519Identity) EncryptForRecipient(plaintext, recipientPub []byte) (*Sealed, error) {
	var peer [32]byte
	if len(recipientPub) != len(peer) {
		return nil, fmt.Errorf("identity: bad recipient key length %d", len(recipientPub))
	}
	copy(peer[:], recipientPub)

	ephPub, ephPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}

	ct := box.Seal(nil, plaintext, &nonce, &peer, ephPriv)
	return &Sealed{
		Ciphertext:         ct,
		Nonce:              nonce[:],
		EphemeralPublicKey: ephPub[:],
	}, nil
}

func (id *X25519Identity) DecryptForMe(sealed *Sealed) ([]byte, error) {
	var eph [32]byte
	var nonce [24]byte
	if len(sealed.EphemeralPublicKey) != len(eph) || len(sealed.Nonce) != len(nonce) {
		return nil, ErrDecrypt
	}
	copy(eph[:], sealed.EphemeralPublicKey)
	copy(nonce[:], sealed.Nonce)

	plain, ok := box.Open(nil, sealed.Ciphertext, &nonce, &eph, &id.encPriv)
	if !ok {
		return nil, ErrDecrypt
	}
	return plain, nil
}

var _ Identity = (*X25519Identity)(nil)
