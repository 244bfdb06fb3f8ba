// Package crypto holds the primitives used to passphrase-protect backup
// snapshots: argon2id key derivation and XChaCha20-Poly1305 sealing.
package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"runtime"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	DefaultArgon2MemoryKiB  uint32 = 64 * 1024
	DefaultArgon2Iterations uint32 = 3
	DefaultArgon2SaltLen           = 32
	DefaultArgon2KeyLen     uint32 = 32
	MinArgon2MemoryKiB      uint32 = 8 * 1024
)

var (
	ErrInvalidArgon2Params  = errors.New("invalid argon2 parameters")
	ErrInvalidAEADInput     = errors.New("invalid aead input")
	ErrAuthenticationFailed = errors.New("authentication failed")
)

type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLen     int
	KeyLen      uint32
}

func DefaultArgon2Params() Argon2Params {
	parallelism := runtime.NumCPU()
	if parallelism > 4 {
		parallelism = 4
	}
	if parallelism < 1 {
		parallelism = 1
	}

	return Argon2Params{
		Memory:      DefaultArgon2MemoryKiB,
		Iterations:  DefaultArgon2Iterations,
		Parallelism: uint8(parallelism),
		SaltLen:     DefaultArgon2SaltLen,
		KeyLen:      DefaultArgon2KeyLen,
	}
}

func (p Argon2Params) Validate() error {
	switch {
	case p.Memory < MinArgon2MemoryKiB:
		return fmt.Errorf("%w: memory must be >= %d KiB", ErrInvalidArgon2Params, MinArgon2MemoryKiB)
	case p.Iterations == 0:
		return fmt.Errorf("%w: iterations must be > 0", ErrInvalidArgon2Params)
	case p.Parallelism == 0:
		return fmt.Errorf("%w: parallelism must be > 0", ErrInvalidArgon2Params)
	case p.SaltLen < 16:
		return fmt.Errorf("%w: salt length must be >= 16", ErrInvalidArgon2Params)
	case p.KeyLen == 0:
		return fmt.Errorf("%w: key length must be > 0", ErrInvalidArgon2Params)
	default:
		return nil
	}
}

// DeriveKey stretches a passphrase into an AEAD key with argon2id.
func DeriveKey(passphrase, salt []byte, params Argon2Params) ([]byte, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("%w: passphrase must not be empty", ErrInvalidArgon2Params)
	}
	if len(salt) < params.SaltLen {
		return nil, fmt.Errorf("%w: salt must be at least %d bytes", ErrInvalidArgon2Params, params.SaltLen)
	}
	return argon2.IDKey(passphrase, salt, params.Iterations, params.Memory, params.Parallelism, params.KeyLen), nil
}

func Seal(key, nonce, plaintext, aad []byte) ([]byte, error) {
	aead, err := newAEAD(key, nonce)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

func Open(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	aead, err := newAEAD(key, nonce)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	return plaintext, nil
}

// RandomBytes fills a salt or nonce from the system CSPRNG.
func RandomBytes(size int) ([]byte, error) {
	out := make([]byte, size)
	if _, err := io.ReadFull(rand.Reader, out); err != nil {
		return nil, fmt.Errorf("read random bytes: %w", err)
	}
	return out, nil
}

// NonceSize is the XChaCha20-Poly1305 nonce length in bytes.
const NonceSize = chacha20poly1305.NonceSizeX

func newAEAD(key, nonce []byte) (cipher.AEAD, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes", ErrInvalidAEADInput, chacha20poly1305.KeySize)
	}
	if len(nonce) != chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("%w: nonce must be %d bytes", ErrInvalidAEADInput, chacha20poly1305.NonceSizeX)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("construct xchacha20-poly1305: %w", err)
	}
	return aead, nil
}
