package chunk

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the key length for every supported cipher
const KeySize = 32

// Encryption identifies the AEAD used for chunk payloads
type Encryption uint8

const (
	// EncryptionNone leaves payloads in the clear
	EncryptionNone Encryption = iota
	// EncryptionAES256GCM uses AES-256 in GCM mode
	EncryptionAES256GCM
	// EncryptionChaCha20Poly1305 uses ChaCha20-Poly1305
	EncryptionChaCha20Poly1305
)

func (e Encryption) String() string {
	switch e {
	case EncryptionNone:
		return "none"
	case EncryptionAES256GCM:
		return "aes256gcm"
	case EncryptionChaCha20Poly1305:
		return "chacha20poly1305"
	default:
		return fmt.Sprintf("encryption(%d)", uint8(e))
	}
}

// ParseEncryption parses a config name such as "chacha20poly1305"
func ParseEncryption(s string) (Encryption, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return EncryptionNone, nil
	case "aes256gcm", "aes-256-gcm":
		return EncryptionAES256GCM, nil
	case "chacha20poly1305", "chacha20-poly1305":
		return EncryptionChaCha20Poly1305, nil
	default:
		return EncryptionNone, fmt.Errorf("%w: unknown algorithm %q", ErrEncryption, s)
	}
}

// MarshalText implements encoding.TextMarshaler
func (e Encryption) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (e *Encryption) UnmarshalText(text []byte) error {
	parsed, err := ParseEncryption(string(text))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

// GenerateKey creates a new random key
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	return key, nil
}

func newAEAD(algo Encryption, key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", ErrEncryption, KeySize, len(key))
	}
	switch algo {
	case EncryptionAES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
		}
		return cipher.NewGCM(block)
	case EncryptionChaCha20Poly1305:
		return chacha20poly1305.New(key)
	default:
		return nil, fmt.Errorf("%w: unsupported algorithm %s", ErrEncryption, algo)
	}
}

// Seal encrypts data and prefixes the random nonce. EncryptionNone returns a copy of data.
func Seal(algo Encryption, key, data []byte) ([]byte, error) {
	if algo == EncryptionNone {
		return append([]byte(nil), data...), nil
	}
	aead, err := newAEAD(algo, key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(data)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	return aead.Seal(nonce, nonce, data, nil), nil
}

// Open reverses Seal
func Open(algo Encryption, key, sealed []byte) ([]byte, error) {
	if algo == EncryptionNone {
		return append([]byte(nil), sealed...), nil
	}
	aead, err := newAEAD(algo, key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("%w: ciphertext shorter than nonce", ErrEncryption)
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	out, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	return out, nil
}
