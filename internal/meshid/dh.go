package meshid

import (
	"crypto/ecdh"
	"crypto/rand"
	"fmt"
)

// dhKeyPair wraps a P-256 ECDH key pair. The spec calls for ECDH P-256 key
// agreement; no pack example ships an ECDH wrapper library, so this is the
// one deliberate stdlib-only piece of meshid (documented in DESIGN.md).
type dhKeyPair struct {
	priv *ecdh.PrivateKey
}

func generateDHKeyPair() (*dhKeyPair, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &dhKeyPair{priv: priv}, nil
}

func dhKeyPairFromBytes(raw []byte) (*dhKeyPair, error) {
	priv, err := ecdh.P256().NewPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse ecdh private key: %w", err)
	}
	return &dhKeyPair{priv: priv}, nil
}

func (k *dhKeyPair) privateBytes() []byte {
	return k.priv.Bytes()
}

func (k *dhKeyPair) publicBytes() []byte {
	return k.priv.PublicKey().Bytes()
}

func (k *dhKeyPair) deriveShared(peerPub []byte) ([]byte, error) {
	pub, err := ecdh.P256().NewPublicKey(peerPub)
	if err != nil {
		return nil, fmt.Errorf("parse peer ecdh public key: %w", err)
	}
	secret, err := k.priv.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("ecdh derive: %w", err)
	}
	return secret, nil
}
