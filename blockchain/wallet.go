package blockchain

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

var (
	ErrInvalidAddress   = errors.New("invalid wallet address")
	ErrInvalidSignature = errors.New("invalid signature")
)

// ValidateAddress checks that addr is a base58 encoded 32-byte public key.
func ValidateAddress(addr string) error {
	raw, err := base58.Decode(addr)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return ErrInvalidAddress
	}
	return nil
}

// VerifySignature checks a base58 ed25519 signature of message by address.
func VerifySignature(address, message, signature string) error {
	pub, err := base58.Decode(address)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return ErrInvalidAddress
	}
	sig, err := base58.Decode(signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return ErrInvalidSignature
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), []byte(message), sig) {
		return ErrInvalidSignature
	}
	return nil
}

type Keypair struct {
	Public  ed25519.PublicKey
	private ed25519.PrivateKey
}

// KeypairFromSecret decodes a base58 64-byte secret key (seed followed by
// public key) or a bare 32-byte seed.
func KeypairFromSecret(secret string) (*Keypair, error) {
	raw, err := base58.Decode(secret)
	if err != nil {
		return nil, fmt.Errorf("decode secret key: %w", err)
	}
	var priv ed25519.PrivateKey
	switch len(raw) {
	case ed25519.PrivateKeySize:
		priv = ed25519.PrivateKey(raw)
	case ed25519.SeedSize:
		priv = ed25519.NewKeyFromSeed(raw)
	default:
		return nil, fmt.Errorf("secret key must be %d or %d bytes, got %d", ed25519.PrivateKeySize, ed25519.SeedSize, len(raw))
	}
	return &Keypair{Public: priv.Public().(ed25519.PublicKey), private: priv}, nil
}

func NewKeypair() (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, err
	}
	return &Keypair{Public: pub, private: priv}, nil
}

func (k *Keypair) Address() string {
	return base58.Encode(k.Public)
}

// Secret returns the base58 64-byte secret key.
func (k *Keypair) Secret() string {
	return base58.Encode(k.private)
}

// Sign returns the base58 signature of message.
func (k *Keypair) Sign(message string) string {
	return base58.Encode(ed25519.Sign(k.private, []byte(message)))
}
