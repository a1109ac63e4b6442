package hashing

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authcore/internal/config"
)

func testHasher() *Hasher {
	// Deliberately cheap parameters; the tests exercise the format and
	// comparison, not the work factor.
	return NewHasher(&config.Config{
		Hashing: config.HashingConfig{
			Argon2MemoryCost:  8 * 1024,
			Argon2TimeCost:    1,
			Argon2Parallelism: 1,
		},
	})
}

func TestHashAndVerify(t *testing.T) {
	h := testHasher()

	encoded, err := h.Hash("correct horse battery staple")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(encoded, "$argon2id$"))

	ok, err := h.Verify("correct horse battery staple", encoded)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.Verify("wrong password", encoded)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHashUsesFreshSalt(t *testing.T) {
	h := testHasher()

	one, err := h.Hash("same password")
	require.NoError(t, err)
	two, err := h.Hash("same password")
	require.NoError(t, err)

	assert.NotEqual(t, one, two)
}

func TestVerifyHonorsEmbeddedParams(t *testing.T) {
	h := testHasher()

	encoded, err := h.Hash("pw")
	require.NoError(t, err)

	// A hasher configured differently must still verify hashes produced
	// with the embedded parameters.
	other := NewHasher(&config.Config{
		Hashing: config.HashingConfig{
			Argon2MemoryCost:  16 * 1024,
			Argon2TimeCost:    2,
			Argon2Parallelism: 2,
		},
	})

	ok, err := other.Verify("pw", encoded)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyRejectsInvalidHash(t *testing.T) {
	h := testHasher()

	for _, encoded := range []string{
		"",
		"not a hash",
		"$argon2i$v=19$m=8192,t=1,p=1$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=8192,t=1,p=1$!!!$aGFzaA",
	} {
		_, err := h.Verify("pw", encoded)
		assert.ErrorIs(t, err, ErrInvalidHash, "encoded %q", encoded)
	}
}
