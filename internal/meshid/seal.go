package meshid

import (
	"crypto/rand"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// sealedBlob is the on-disk envelope for any JSON value encrypted under a
// storage key, mirroring the teacher's SealedData{Nonce, EncryptedKey} shape
// but generalized to an arbitrary payload rather than a fixed root key.
type sealedBlob struct {
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

func sealIdentity(key []byte, snap identitySnapshot) ([]byte, error) {
	plaintext, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return seal(key, plaintext)
}

func unsealIdentity(key []byte, blob []byte) (identitySnapshot, error) {
	var snap identitySnapshot
	plaintext, err := unseal(key, blob)
	if err != nil {
		return snap, err
	}
	if err := json.Unmarshal(plaintext, &snap); err != nil {
		return snap, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return snap, nil
}

func seal(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("new aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, nil)
	return json.Marshal(sealedBlob{Nonce: nonce, Ciphertext: ciphertext})
}

func unseal(key, blob []byte) ([]byte, error) {
	var sb sealedBlob
	if err := json.Unmarshal(blob, &sb); err != nil {
		return nil, fmt.Errorf("unmarshal sealed blob: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("new aead: %w", err)
	}
	plaintext, err := aead.Open(nil, sb.Nonce, sb.Ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}
