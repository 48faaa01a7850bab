// Package secret encrypts provider tokens at rest.
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"

	domainoauth "github.com/rayonlabs/squad-api/internal/domain/oauth"
)

// PurposeX labels ciphertext holding X OAuth tokens.
const PurposeX = "x"

const version = "v1:"

// Cipher seals and opens secrets with AES-256-GCM under a purpose-bound subkey.
type Cipher struct {
	aead    cipher.AEAD
	purpose string
}

// NewCipher derives the subkey for purpose from the 32-byte master key.
func NewCipher(masterKey []byte, purpose string) (*Cipher, error) {
	if len(masterKey) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes, got %d", len(masterKey))
	}
	purpose = strings.TrimSpace(purpose)
	if purpose == "" {
		return nil, fmt.Errorf("cipher purpose required")
	}

	subkey := make([]byte, 32)
	kdf := hkdf.New(sha256.New, masterKey, nil, []byte("squad/secret/"+purpose))
	if _, err := io.ReadFull(kdf, subkey); err != nil {
		return nil, fmt.Errorf("derive subkey: %w", err)
	}

	block, err := aes.NewCipher(subkey)
	if err != nil {
		return nil, fmt.Errorf("new aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return &Cipher{aead: aead, purpose: purpose}, nil
}

// Encrypt returns a printable ciphertext for plaintext.
func (c *Cipher) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, plaintext, []byte(c.purpose))
	return version + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext produced by Encrypt. Any malformed, tampered,
// or foreign-key input fails with ErrDecryption.
func (c *Cipher) Decrypt(ciphertext string) ([]byte, error) {
	encoded, ok := strings.CutPrefix(ciphertext, version)
	if !ok {
		return nil, fmt.Errorf("%w: unknown ciphertext version", domainoauth.ErrDecryption)
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed encoding", domainoauth.ErrDecryption)
	}
	nonceSize := c.aead.NonceSize()
	if len(raw) < nonceSize+c.aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", domainoauth.ErrDecryption)
	}
	plaintext, err := c.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], []byte(c.purpose))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domainoauth.ErrDecryption, err)
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}

// EncryptString is Encrypt for string secrets.
func (c *Cipher) EncryptString(plaintext string) (string, error) {
	return c.Encrypt([]byte(plaintext))
}

// DecryptString is Decrypt for string secrets.
func (c *Cipher) DecryptString(ciphertext string) (string, error) {
	plaintext, err := c.Decrypt(ciphertext)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
