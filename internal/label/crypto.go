package label

import (
	"crypto/aes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	keywrap "github.com/NickBall/go-aes-key-wrap"
	"golang.org/x/crypto/hkdf"
)

// DefaultPassphraseLength is the length of generated volume passphrases.
const DefaultPassphraseLength = 32

var (
	ErrWrapInput = errors.New("key wrap input must be a multiple of 8 bytes, at least 16")
	ErrUnwrap    = errors.New("key unwrap integrity check failed")
)

// CryptoProvider supplies random volume passphrases.
type CryptoProvider interface {
	Passphrase(length int) ([]byte, error)
}

// RandomProvider draws passphrases from crypto/rand, using a printable alphabet.
type RandomProvider struct{}

func (RandomProvider) Passphrase(length int) ([]byte, error) {
	raw := make([]byte, length)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("reading random bytes: %w", err)
	}
	enc := base64.RawStdEncoding.EncodeToString(raw)
	return []byte(enc[:length]), nil
}

// KeyGenerator creates the EncrKey value stored with new volumes.
type KeyGenerator struct {
	provider CryptoProvider
	kek      []byte
}

// NewKeyGenerator wraps generated keys with kek when it is non-empty.
func NewKeyGenerator(provider CryptoProvider, kek []byte) *KeyGenerator {
	if provider == nil {
		provider = RandomProvider{}
	}
	return &KeyGenerator{provider: provider, kek: kek}
}

// DeriveKEK turns the configured key encryption secret into an AES key. A
// secret of AES key length is used as is; anything else goes through HKDF.
func DeriveKEK(secret string) ([]byte, error) {
	switch len(secret) {
	case 0:
		return nil, nil
	case 16, 24, 32:
		return []byte(secret), nil
	}
	kek := make([]byte, 32)
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte("media-director-volume-kek"))
	if _, err := io.ReadFull(r, kek); err != nil {
		return nil, fmt.Errorf("deriving key encryption key: %w", err)
	}
	return kek, nil
}

// GenerateNewEncryptionKey returns a base64 passphrase, AES key wrapped first
// when a key encryption key is configured.
func (g *KeyGenerator) GenerateNewEncryptionKey() (string, error) {
	pass, err := g.provider.Passphrase(DefaultPassphraseLength)
	if err != nil {
		return "", err
	}
	if len(g.kek) == 0 {
		return base64.StdEncoding.EncodeToString(pass), nil
	}
	wrapped, err := AesWrap(g.kek, pass)
	if err != nil {
		return "", fmt.Errorf("wrapping volume key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(wrapped), nil
}

// DecodeEncryptionKey reverses GenerateNewEncryptionKey.
func (g *KeyGenerator) DecodeEncryptionKey(encoded string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	if len(g.kek) == 0 {
		return data, nil
	}
	return AesUnwrap(g.kek, data)
}

// AesWrap wraps plain with kek per RFC 3394.
func AesWrap(kek, plain []byte) ([]byte, error) {
	if len(plain) < 16 || len(plain)%8 != 0 {
		return nil, ErrWrapInput
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, err
	}
	return keywrap.Wrap(block, plain)
}

// AesUnwrap reverses AesWrap. A failed integrity check returns ErrUnwrap.
func AesUnwrap(kek, wrapped []byte) ([]byte, error) {
	if len(wrapped) < 24 || len(wrapped)%8 != 0 {
		return nil, ErrWrapInput
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, err
	}
	plain, err := keywrap.Unwrap(block, wrapped)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnwrap, err)
	}
	return plain, nil
}
