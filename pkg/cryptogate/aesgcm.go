package cryptogate

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/fruitsalade/snapfolder/pkg/codec"
	"golang.org/x/crypto/argon2"
)

var saltedMagic = []byte("Salted__")

const saltSize = 8

// AESGCM is the built-in Primitive: a per-message argon2id key over a random
// salt, sealed with AES-256-GCM. Output is
// base64("Salted__" | salt | nonce | sealed).
type AESGCM struct {
	Time      uint32
	MemoryKiB uint32
	Threads   uint8
}

// NewAESGCM returns the primitive with the default key-derivation cost.
func NewAESGCM() *AESGCM {
	return &AESGCM{Time: 1, MemoryKiB: 64 * 1024, Threads: 4}
}

func (a *AESGCM) key(secret string, salt []byte) []byte {
	return argon2.IDKey([]byte(secret), salt, a.Time, a.MemoryKiB, a.Threads, 32)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt implements Primitive.
func (a *AESGCM) Encrypt(plaintext, secret string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	aead, err := newGCM(a.key(secret, salt))
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	out := make([]byte, 0, len(saltedMagic)+saltSize+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, saltedMagic...)
	out = append(out, salt...)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, []byte(plaintext), nil)
	return codec.Encode(out), nil
}

// Decrypt implements Primitive.
func (a *AESGCM) Decrypt(ciphertext, secret string) (string, error) {
	raw, err := codec.Decode(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	if !bytes.HasPrefix(raw, saltedMagic) {
		return "", errors.New("missing salt header")
	}
	raw = raw[len(saltedMagic):]
	if len(raw) < saltSize {
		return "", errors.New("ciphertext too short")
	}
	salt, rest := raw[:saltSize], raw[saltSize:]

	aead, err := newGCM(a.key(secret, salt))
	if err != nil {
		return "", err
	}
	if len(rest) < aead.NonceSize()+aead.Overhead() {
		return "", errors.New("ciphertext too short")
	}
	nonce, sealed := rest[:aead.NonceSize()], rest[aead.NonceSize():]

	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
