package cryptoutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"testing"
)

func TestKeyPairRoundTrip(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if !strings.HasPrefix(kp.PublicPEM(), "-----BEGIN PUBLIC KEY-----") {
		t.Fatalf("unexpected PEM prefix: %q", kp.PublicPEM())
	}

	ciphertext, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, &kp.priv.PublicKey, []byte("passphrase"), nil)
	if err != nil {
		t.Fatalf("EncryptOAEP: %v", err)
	}
	plain, err := kp.Decrypt(base64.StdEncoding.EncodeToString(ciphertext))
	if err != nil || string(plain) != "passphrase" {
		t.Fatalf("round trip mismatch: got %q, err %v", plain, err)
	}
}

func TestKeyPairDecryptInvalid(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if _, err := kp.Decrypt("not-base64!!"); err != ErrInvalidSecret {
		t.Fatalf("expected ErrInvalidSecret, got %v", err)
	}
}

func TestSymmetricCipherRoundTrip(t *testing.T) {
	c, err := NewSymmetricCipher([]byte("a shared passphrase"))
	if err != nil {
		t.Fatalf("NewSymmetricCipher: %v", err)
	}

	token := c.Encrypt([]byte("127.0.0.1:9000"))
	plain, err := c.Decrypt(token)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(plain) != "127.0.0.1:9000" {
		t.Fatalf("round trip mismatch: got %q", plain)
	}
}

func TestSymmetricCipherDecryptInvalid(t *testing.T) {
	c, err := NewSymmetricCipher([]byte("passphrase"))
	if err != nil {
		t.Fatalf("NewSymmetricCipher: %v", err)
	}

	if _, err := c.Decrypt("////"); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken for a token shorter than the nonce, got %v", err)
	}

	other, _ := NewSymmetricCipher([]byte("different passphrase"))
	token := other.Encrypt([]byte("hello"))
	if _, err := c.Decrypt(token); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken for wrong key, got %v", err)
	}
}
