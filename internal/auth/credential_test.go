package auth_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wer-inc/reservation-core/internal/auth"
)

func TestHashAndVerify_RoundTrip(t *testing.T) {
	m := auth.NewManager(auth.DefaultParams())

	hash, err := m.Hash("svc-credential-xyz")
	require.NoError(t, err)

	ok, err := m.Verify("svc-credential-xyz", hash)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerify_RejectsWrongCredential(t *testing.T) {
	m := auth.NewManager(auth.DefaultParams())

	hash, err := m.Hash("correct-credential")
	require.NoError(t, err)

	ok, err := m.Verify("wrong-credential", hash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerify_RejectsMalformedHash(t *testing.T) {
	m := auth.NewManager(auth.DefaultParams())

	_, err := m.Verify("anything", "not-a-valid-hash")
	assert.Error(t, err)
}
