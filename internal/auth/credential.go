// Package auth verifies the static service credential the Auth header
// requires on cancel/read endpoints (spec.md §6). The Reservation Core has
// no end-user signup flow, so this keeps only the hash/verify core of the
// teacher's password manager — see DESIGN.md for what was dropped and why.
//
// Grounded on auth-service/pkg/password/password.go's Argon2id Hash/Verify.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Params are the Argon2id tunables, unchanged from the teacher's defaults.
type Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultParams mirrors the teacher's DefaultConfig.
func DefaultParams() Params {
	return Params{
		Memory:      64 * 1024,
		Iterations:  3,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
	}
}

// Manager hashes and verifies the service credential presented in the
// Auth header. Unlike the teacher's password.Manager, it carries no
// complexity policy: a service credential is generated once by an
// operator, not chosen by an end user.
type Manager struct {
	params Params
}

// NewManager creates a Manager with the given params (zero-value uses
// DefaultParams).
func NewManager(params Params) *Manager {
	if params.KeyLength == 0 {
		params = DefaultParams()
	}
	return &Manager{params: params}
}

// Hash encodes credential as $argon2id$v=...$m=...,t=...,p=...$salt$hash.
func (m *Manager) Hash(credential string) (string, error) {
	salt := make([]byte, m.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("error generating salt: %w", err)
	}

	hash := argon2.IDKey([]byte(credential), salt, m.params.Iterations, m.params.Memory, m.params.Parallelism, m.params.KeyLength)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		m.params.Memory, m.params.Iterations, m.params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// Verify reports whether credential matches encodedHash, in constant time.
func (m *Manager) Verify(credential, encodedHash string) (bool, error) {
	params, salt, expected, err := parseHash(encodedHash)
	if err != nil {
		return false, err
	}
	actual := argon2.IDKey([]byte(credential), salt, params.Iterations, params.Memory, params.Parallelism, uint32(len(expected)))
	return subtle.ConstantTimeCompare(actual, expected) == 1, nil
}

func parseHash(encoded string) (Params, []byte, []byte, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return Params{}, nil, nil, fmt.Errorf("invalid credential hash format")
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return Params{}, nil, nil, fmt.Errorf("incompatible credential hash version")
	}

	var params Params
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &params.Memory, &params.Iterations, &params.Parallelism); err != nil {
		return Params{}, nil, nil, fmt.Errorf("invalid credential hash parameters")
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return Params{}, nil, nil, fmt.Errorf("invalid credential hash salt: %w", err)
	}
	hash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return Params{}, nil, nil, fmt.Errorf("invalid credential hash digest: %w", err)
	}
	params.SaltLength = uint32(len(salt))
	params.KeyLength = uint32(len(hash))

	return params, salt, hash, nil
}
