package keys

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRotationLogFirstObservationIsNotARotation(t *testing.T) {
	log := NewRotationLog()
	id, err := GenerateIdentity()
	require.NoError(t, err)

	rotated, _ := log.Observe("bob", id.Public)
	require.False(t, rotated)

	pinned, ok := log.Pinned("bob")
	require.True(t, ok)
	require.Equal(t, id.Public, pinned.Public)
}

func TestRotationLogDetectsChangedIdentity(t *testing.T) {
	log := NewRotationLog()
	first, err := GenerateIdentity()
	require.NoError(t, err)
	second, err := GenerateIdentity()
	require.NoError(t, err)

	rotated, _ := log.Observe("bob", first.Public)
	require.False(t, rotated)

	rotated, previous := log.Observe("bob", second.Public)
	require.True(t, rotated)
	require.Equal(t, first.Public, previous)

	pinned, ok := log.Pinned("bob")
	require.True(t, ok)
	require.Equal(t, second.Public, pinned.Public)
	require.Equal(t, first.Public, pinned.RotatedFrom)
}

func TestRotationLogSameKeyIsNotARotation(t *testing.T) {
	log := NewRotationLog()
	id, err := GenerateIdentity()
	require.NoError(t, err)

	log.Observe("bob", id.Public)
	rotated, _ := log.Observe("bob", id.Public)
	require.False(t, rotated)
}

func TestRotationLogForget(t *testing.T) {
	log := NewRotationLog()
	id, err := GenerateIdentity()
	require.NoError(t, err)

	log.Observe("bob", id.Public)
	log.Forget("bob")

	_, ok := log.Pinned("bob")
	require.False(t, ok)
}
