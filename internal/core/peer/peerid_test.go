package peer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKeyPairDerivesID(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	assert.True(t, kp.ID.Valid())

	again, err := FromPublicKey(kp.Public)
	require.NoError(t, err)
	assert.Equal(t, kp.ID, again)
}

func TestDecodeRoundTrips(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	decoded, err := Decode(kp.ID.String())
	require.NoError(t, err)
	assert.True(t, decoded.Equal(kp.ID))
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode("not-a-valid-base58-peer-id!!!")
	assert.ErrorIs(t, err, ErrInvalidID)

	_, err = Decode("")
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestEmptyIsInvalid(t *testing.T) {
	assert.False(t, Empty.Valid())
}
