package plexus

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// AESEncryptor implements Encryptor with AES-256-GCM. The key derives from
// the configured secret; ciphertext is base64 with the nonce prefixed.
type AESEncryptor struct {
	aead cipher.AEAD
}

var _ Encryptor = (*AESEncryptor)(nil)

// NewAESEncryptor builds an encryptor from a secret of any length.
func NewAESEncryptor(secret string) (*AESEncryptor, error) {
	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &AESEncryptor{aead: aead}, nil
}

func (e *AESEncryptor) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (e *AESEncryptor) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}
	n := e.aead.NonceSize()
	if len(raw) < n {
		return "", fmt.Errorf("ciphertext shorter than nonce")
	}
	plain, err := e.aead.Open(nil, raw[:n], raw[n:], nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
