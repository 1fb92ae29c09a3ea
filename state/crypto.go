package state

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// SecretKey seals secrets stored in the config file.
type SecretKey [chacha20poly1305.KeySize]byte

const (
	sealedPrefix = "sealed:"
	redacted     = Secret("********")
)

var ErrNoSecretKey = errors.New("config has no key, cannot unseal secret")

func GenerateSecretKey() SecretKey {
	var k SecretKey
	if _, err := rand.Read(k[:]); err != nil {
		panic(err)
	}
	return k
}

func (k SecretKey) IsZero() bool {
	return k == SecretKey{}
}

func (k SecretKey) MarshalText() ([]byte, error) {
	return []byte(base64.StdEncoding.EncodeToString(k[:])), nil
}

func (k *SecretKey) UnmarshalText(text []byte) error {
	data, err := base64.StdEncoding.DecodeString(string(text))
	if err != nil {
		return err
	}
	if len(data) != len(k) {
		return fmt.Errorf("key must be %d bytes, got %d", len(k), len(data))
	}
	*k = SecretKey(data)
	return nil
}

func SealBundle(data []byte, key []byte) ([]byte, error) {
	ahead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	_, err = rand.Read(nonce)
	if err != nil {
		return nil, err
	}
	cipherText := ahead.Seal(make([]byte, 0), nonce, data, make([]byte, 0))
	return append(nonce, cipherText...), nil
}

func OpenBundle(data []byte, key []byte) ([]byte, error) {
	if len(data) < chacha20poly1305.NonceSizeX {
		return nil, errors.New("invalid bundle, too small")
	}
	ahead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := data[:chacha20poly1305.NonceSizeX]
	cipherText := data[chacha20poly1305.NonceSizeX:]
	return ahead.Open(make([]byte, 0), nonce, cipherText, make([]byte, 0))
}

// Secret is a credential from the config file, either in plain text or sealed
// with the node key as `sealed:<base64>`.
type Secret string

func (s Secret) IsSealed() bool {
	return strings.HasPrefix(string(s), sealedPrefix)
}

// Reveal returns the plain text secret.
func (s Secret) Reveal(key SecretKey) ([]byte, error) {
	if !s.IsSealed() {
		return []byte(s), nil
	}
	if key.IsZero() {
		return nil, ErrNoSecretKey
	}
	bundle, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(string(s), sealedPrefix))
	if err != nil {
		return nil, fmt.Errorf("sealed secret is not valid base64: %w", err)
	}
	plain, err := OpenBundle(bundle, key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to unseal secret: %w", err)
	}
	return plain, nil
}

func SealSecret(plain []byte, key SecretKey) (Secret, error) {
	if key.IsZero() {
		return "", ErrNoSecretKey
	}
	bundle, err := SealBundle(plain, key[:])
	if err != nil {
		return "", err
	}
	return Secret(sealedPrefix + base64.StdEncoding.EncodeToString(bundle)), nil
}
