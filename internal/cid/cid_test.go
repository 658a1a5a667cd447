package cid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveSCIDDeterministic(t *testing.T) {
	seed, err := NewSeedKey()
	require.NoError(t, err)

	dcid := []byte{1, 2, 3, 4, 5, 6, 7, 8}

	a := DeriveSCID(seed, dcid)
	b := DeriveSCID(seed, dcid)

	assert.Equal(t, a, b, "same seed + dcid must derive the same SCID")
	assert.LessOrEqual(t, len(a), 20)
}

func TestDeriveSCIDDifferentDCIDsDiffer(t *testing.T) {
	seed, err := NewSeedKey()
	require.NoError(t, err)

	a := DeriveSCID(seed, []byte{1})
	b := DeriveSCID(seed, []byte{2})

	assert.NotEqual(t, a, b)
}

func TestDeriveSCIDDifferentSeedsDiffer(t *testing.T) {
	seed1, err := NewSeedKey()
	require.NoError(t, err)
	seed2, err := NewSeedKey()
	require.NoError(t, err)

	dcid := []byte{9, 9, 9}
	a := DeriveSCID(seed1, dcid)
	b := DeriveSCID(seed2, dcid)

	assert.NotEqual(t, a, b)
}

func TestNewRandomLength(t *testing.T) {
	id, err := NewRandom(16)
	require.NoError(t, err)
	assert.Len(t, id, 16)
}

func TestNewRandomClampsToMaxCIDLen(t *testing.T) {
	id, err := NewRandom(64)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(id), 20)
}
