// Package cryptoutil provides the asymmetric and symmetric crypto adapters
// the tunnel handshake is built on: a process-wide RSA key pair that
// decrypts the client's passphrase, and a per-session authenticated
// symmetric cipher keyed by that passphrase.
package cryptoutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"

	"github.com/pkg/errors"
)

// rsaKeyBits matches the 2048-bit size the pack's own tunnel server
// (breaksocks) generates for its handshake key.
const rsaKeyBits = 2048

// KeyPair is the server's process-wide asymmetric identity. It is
// generated once at startup and never rotated.
type KeyPair struct {
	priv *rsa.PrivateKey
	pem  string
}

// Generate creates a fresh RSA key pair and caches its PEM-encoded public
// half.
func Generate() (*KeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, errors.Wrap(err, "rsa.GenerateKey")
	}

	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, errors.Wrap(err, "x509.MarshalPKIXPublicKey")
	}

	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return &KeyPair{priv: priv, pem: string(pem.EncodeToMemory(block))}, nil
}

// PublicPEM returns the server's public key as ASCII PEM.
func (k *KeyPair) PublicPEM() string {
	return k.pem
}

// Decrypt inverts the client's asymmetric encryption of secretB64 (an
// OAEP-SHA256 ciphertext, base64 encoded) and returns the recovered
// plaintext passphrase. Any padding, length, or base64 error is reported
// as ErrInvalidSecret.
func (k *KeyPair) Decrypt(secretB64 string) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(secretB64)
	if err != nil {
		return nil, ErrInvalidSecret
	}

	plain, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, k.priv, ciphertext, nil)
	if err != nil {
		return nil, ErrInvalidSecret
	}
	return plain, nil
}
