package syncenc

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"trustsync/internal/groupkey"
)

type (
	// EncryptedChange is ciphertext bound to its space, key generation and
	// sender through the AEAD associated data.
	EncryptedChange struct {
		Ciphertext []byte `json:"ciphertext" cbor:"ciphertext"`
		Nonce      []byte `json:"nonce" cbor:"nonce"`
		Generation int    `json:"generation" cbor:"generation"`
		FromDid    string `json:"fromDid" cbor:"fromDid"`
	}

	// Encryptor is the symmetric encrypt-with-associated-data capability.
	Encryptor interface {
		EncryptChange(plain []byte, key *groupkey.Key, spaceID, fromDid string) (*EncryptedChange, error)
		DecryptChange(enc *EncryptedChange, key *groupkey.Key, spaceID string) ([]byte, error)
	}
)

// AESGCM implements Encryptor with AES-256-GCM.
type AESGCM struct{}

func NewAESGCM() *AESGCM { return &AESGCM{} }

func aad(spaceID string, generation int, fromDid string) []byte {
	return []byte(fmt.Sprintf("%s|%d|%s", spaceID, generation, fromDid))
}

func newAEAD(key *groupkey.Key) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key.Material)
	if err != nil {
		return nil, fmt.Errorf("syncenc: aes.NewCipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("syncenc: cipher.NewGCM: %w", err)
	}
	return aead, nil
}

func (a *AESGCM) EncryptChange(plain []byte, key *groupkey.Key, spaceID, fromDid string) (*EncryptedChange, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("syncenc: rand nonce: %w", err)
	}

	ct := aead.Seal(nil, nonce, plain, aad(spaceID, key.Generation, fromDid))
	return &EncryptedChange{
		Ciphertext: ct,
		Nonce:      nonce,
		Generation: key.Generation,
		FromDid:    fromDid,
	}, nil
}

func (a *AESGCM) DecryptChange(enc *EncryptedChange, key *groupkey.Key, spaceID string) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(enc.Nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("syncenc: bad nonce length %d", len(enc.Nonce))
	}

	plain, err := aead.Open(nil, enc.Nonce, enc.Ciphertext, aad(spaceID, enc.Generation, enc.FromDid))
	if err != nil {
		return nil, fmt.Errorf("syncenc: aead.Open: %w", err)
	}
	return plain, nil
}

var _ Encryptor = (*AESGCM)(nil)
