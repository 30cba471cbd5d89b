package x3dh

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jaydenbeard/haven-e2ee/internal/haverr"
	"github.com/jaydenbeard/haven-e2ee/internal/keys"
)

func TestInitiatorResponderAgreeWithOneTimePreKey(t *testing.T) {
	alice, err := keys.GenerateIdentity()
	require.NoError(t, err)
	bob, err := keys.GenerateIdentity()
	require.NoError(t, err)
	bobSPK, err := keys.GenerateSignedPreKey(bob, 1)
	require.NoError(t, err)
	bobOPKs, err := keys.GenerateOneTimePreKeys(1, 1)
	require.NoError(t, err)

	bundle := KeyBundle{
		IdentityPublic:        bob.Public,
		SignedPreKeyPublic:    bobSPK.Public,
		SignedPreKeySignature: bobSPK.Signature,
		OneTimePreKeyPublic:   bobOPKs[0].Public,
	}

	initRes, err := Initiator(alice, bundle)
	require.NoError(t, err)
	require.True(t, initRes.UsedOTP)

	respRes, err := Responder(ResponderInput{
		SelfIdentity:        bob,
		SelfSignedPreKey:    bobSPK,
		SelfOneTimePreKey:   &bobOPKs[0].DHPair,
		PeerIdentityPublic:  alice.Public,
		PeerEphemeralPublic: initRes.EphemeralPub,
	})
	require.NoError(t, err)

	require.Equal(t, initRes.SharedKey, respRes.SharedKey)
	require.Equal(t, initRes.AD, respRes.AD)
	require.Len(t, initRes.AD, 64)
}

func TestInitiatorResponderAgreeWithoutOneTimePreKey(t *testing.T) {
	alice, err := keys.GenerateIdentity()
	require.NoError(t, err)
	bob, err := keys.GenerateIdentity()
	require.NoError(t, err)
	bobSPK, err := keys.GenerateSignedPreKey(bob, 1)
	require.NoError(t, err)

	bundle := KeyBundle{
		IdentityPublic:        bob.Public,
		SignedPreKeyPublic:    bobSPK.Public,
		SignedPreKeySignature: bobSPK.Signature,
	}

	initRes, err := Initiator(alice, bundle)
	require.NoError(t, err)
	require.False(t, initRes.UsedOTP)

	respRes, err := Responder(ResponderInput{
		SelfIdentity:        bob,
		SelfSignedPreKey:    bobSPK,
		PeerIdentityPublic:  alice.Public,
		PeerEphemeralPublic: initRes.EphemeralPub,
	})
	require.NoError(t, err)
	require.Equal(t, initRes.SharedKey, respRes.SharedKey)
}

func TestInitiatorRejectsBadSignature(t *testing.T) {
	alice, err := keys.GenerateIdentity()
	require.NoError(t, err)
	bob, err := keys.GenerateIdentity()
	require.NoError(t, err)
	bobSPK, err := keys.GenerateSignedPreKey(bob, 1)
	require.NoError(t, err)

	bundle := KeyBundle{
		IdentityPublic:        bob.Public,
		SignedPreKeyPublic:    bobSPK.Public,
		SignedPreKeySignature: append([]byte{}, bobSPK.Signature...),
	}
	bundle.SignedPreKeySignature[0] ^= 0xFF

	_, err = Initiator(alice, bundle)
	require.ErrorIs(t, err, haverr.InvalidSignedPreKey)
}
