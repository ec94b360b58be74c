package cryptoutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// salt mirrors the teacher's fixed PBKDF2 salt (server/main.go: SALT =
// "kcp-go"); it only needs to be constant and shared between client and
// server, not secret.
const salt = "http-tunnel"

// pbkdf2Iterations matches the teacher's key-derivation iteration count.
const pbkdf2Iterations = 4096

// keySize selects AES-256.
const keySize = 32

// SymmetricCipher is the per-session authenticated cipher. It is keyed by
// the passphrase recovered from the RSA handshake and used for every
// subsequent encrypted field (nonce, tokenid, token).
type SymmetricCipher struct {
	aead cipher.AEAD
}

// NewSymmetricCipher derives an AES-256-GCM key from passphrase via
// PBKDF2-SHA256, the same derivation shape the teacher uses to turn a
// pre-shared key into a block-cipher key.
func NewSymmetricCipher(passphrase []byte) (*SymmetricCipher, error) {
	key := pbkdf2.Key(passphrase, []byte(salt), pbkdf2Iterations, keySize, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &SymmetricCipher{aead: aead}, nil
}

// Encrypt seals plaintext and returns the base64 form of nonce||ciphertext.
// All tokens exchanged over the wire are this base64 form.
func (c *SymmetricCipher) Encrypt(plaintext []byte) string {
	nonce := make([]byte, c.aead.NonceSize())
	// A failure here would mean the platform's CSPRNG is broken; the
	// teacher's own block ciphers offer no recovery path for that either.
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		panic(err)
	}

	sealed := c.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed)
}

// Decrypt inverts Encrypt. Any base64, length, or authentication failure
// is reported as ErrInvalidToken.
func (c *SymmetricCipher) Decrypt(tokenB64 string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(tokenB64)
	if err != nil {
		return nil, ErrInvalidToken
	}

	nonceSize := c.aead.NonceSize()
	if len(raw) < nonceSize {
		return nil, ErrInvalidToken
	}

	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plain, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrInvalidToken
	}
	return plain, nil
}
