package backup

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"

	"github.com/evolvedb/evolve/internal/crypto"
)

// Snapshot is the backup wire format. The four fields and their names are
// fixed; other implementations read and write the same document.
type Snapshot struct {
	BackendType   string         `json:"backend_type"`
	SchemaVersion int64          `json:"schema_version"`
	CreatedAt     string         `json:"created_at"`
	Data          map[string]any `json:"data"`
}

const envelopeVersion = 1

var envelopeAAD = []byte("evolve.backup.v1")

// envelope wraps an encrypted snapshot. Plaintext snapshots are written as
// the bare four-field document; the envelope exists only when a passphrase
// was supplied.
type envelope struct {
	Version      int          `json:"version"`
	KDF          string       `json:"kdf"`
	Argon2Params argon2Params `json:"argon2_params"`
	Salt         []byte       `json:"salt"`
	Nonce        []byte       `json:"nonce"`
	Ciphertext   []byte       `json:"ciphertext"`
}

type argon2Params struct {
	Memory      uint32 `json:"memory"`
	Iterations  uint32 `json:"iterations"`
	Parallelism uint8  `json:"parallelism"`
	SaltLen     int    `json:"salt_len"`
	KeyLen      uint32 `json:"key_len"`
}

func encryptSnapshot(plaintext, passphrase []byte) ([]byte, error) {
	params := crypto.DefaultArgon2Params()
	salt, err := crypto.RandomBytes(params.SaltLen)
	if err != nil {
		return nil, fmt.Errorf("encrypt snapshot: %w", err)
	}
	key, err := crypto.DeriveKey(passphrase, salt, params)
	if err != nil {
		return nil, fmt.Errorf("encrypt snapshot: %w", err)
	}
	defer memguard.WipeBytes(key)

	nonce, err := crypto.RandomBytes(crypto.NonceSize)
	if err != nil {
		return nil, fmt.Errorf("encrypt snapshot: %w", err)
	}
	ciphertext, err := crypto.Seal(key, nonce, plaintext, envelopeAAD)
	if err != nil {
		return nil, fmt.Errorf("encrypt snapshot: %w", err)
	}

	out, err := json.Marshal(envelope{
		Version: envelopeVersion,
		KDF:     "argon2id",
		Argon2Params: argon2Params{
			Memory:      params.Memory,
			Iterations:  params.Iterations,
			Parallelism: params.Parallelism,
			SaltLen:     params.SaltLen,
			KeyLen:      params.KeyLen,
		},
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: ciphertext,
	})
	if err != nil {
		return nil, fmt.Errorf("encrypt snapshot: encode envelope: %w", err)
	}
	return out, nil
}

// decodeSnapshot parses raw as either a plaintext snapshot or an encrypted
// envelope, decrypting with passphrase in the latter case.
func decodeSnapshot(raw, passphrase []byte) (*Snapshot, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err == nil && env.KDF != "" && len(env.Ciphertext) > 0 {
		return openEnvelope(env, passphrase)
	}

	var snapshot Snapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if snapshot.BackendType == "" {
		return nil, errors.New("decode snapshot: backend_type missing")
	}
	return &snapshot, nil
}

func openEnvelope(env envelope, passphrase []byte) (*Snapshot, error) {
	if env.Version != envelopeVersion {
		return nil, fmt.Errorf("decode snapshot: unsupported envelope version %d", env.Version)
	}
	if env.KDF != "argon2id" {
		return nil, fmt.Errorf("decode snapshot: unsupported kdf %q", env.KDF)
	}
	if len(passphrase) == 0 {
		return nil, errors.New("decode snapshot: passphrase required for encrypted backup")
	}

	params := crypto.Argon2Params{
		Memory:      env.Argon2Params.Memory,
		Iterations:  env.Argon2Params.Iterations,
		Parallelism: env.Argon2Params.Parallelism,
		SaltLen:     env.Argon2Params.SaltLen,
		KeyLen:      env.Argon2Params.KeyLen,
	}
	key, err := crypto.DeriveKey(passphrase, env.Salt, params)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot: derive key: %w", err)
	}
	defer memguard.WipeBytes(key)

	plaintext, err := crypto.Open(key, env.Nonce, env.Ciphertext, envelopeAAD)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}

	var snapshot Snapshot
	if err := json.Unmarshal(plaintext, &snapshot); err != nil {
		return nil, fmt.Errorf("decode snapshot: parse decrypted payload: %w", err)
	}
	return &snapshot, nil
}
