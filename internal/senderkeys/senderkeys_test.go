package senderkeys

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jaydenbeard/haven-e2ee/internal/haverr"
	"github.com/jaydenbeard/haven-e2ee/internal/primitives"
)

func TestSKDMPayloadRoundTrip(t *testing.T) {
	s, err := Generate()
	require.NoError(t, err)

	payload := CreateSKDMPayload(s)
	require.Len(t, payload, skdmPayloadSize)

	distID, index, ck, err := ParseSKDMPayload(payload)
	require.NoError(t, err)
	require.Equal(t, s.DistributionID, distID)
	require.Equal(t, s.ChainIndex, index)
	require.Equal(t, s.ChainKey, ck)
}

func TestParseSKDMPayloadTruncated(t *testing.T) {
	_, _, _, err := ParseSKDMPayload(make([]byte, 10))
	require.ErrorIs(t, err, haverr.Truncated)
}

func TestSKDMSealedBoxRoundTrip(t *testing.T) {
	s, err := Generate()
	require.NoError(t, err)
	payload := CreateSKDMPayload(s)

	recipientPriv, recipientPub, err := primitives.GenerateEd25519()
	require.NoError(t, err)

	ct, err := EncryptSKDM(payload, recipientPub)
	require.NoError(t, err)

	opened, err := DecryptSKDM(ct, recipientPriv, recipientPub)
	require.NoError(t, err)
	require.Equal(t, payload, opened)
}

func sharedChain(t *testing.T) (*State, *ReceivedState) {
	t.Helper()
	s, err := Generate()
	require.NoError(t, err)
	s.Distributed = true

	r := NewReceivedState(s.DistributionID, s.ChainIndex, append([]byte{}, s.ChainKey...), "alice")
	return s, r
}

func TestGroupRoundTripInOrder(t *testing.T) {
	s, r := sharedChain(t)

	env1, err := Encrypt(s, []byte("hello group"), nil)
	require.NoError(t, err)
	require.Equal(t, uint32(0), env1.ChainIndex)

	pt1, err := Decrypt(r, env1, nil)
	require.NoError(t, err)
	require.Equal(t, "hello group", string(pt1))

	env2, err := Encrypt(s, []byte("second message"), nil)
	require.NoError(t, err)
	require.Equal(t, uint32(1), env2.ChainIndex)

	pt2, err := Decrypt(r, env2, nil)
	require.NoError(t, err)
	require.Equal(t, "second message", string(pt2))
}

func TestGroupSenderNeverRollsBack(t *testing.T) {
	s, _ := sharedChain(t)
	last := uint32(0)
	for i := 0; i < 5; i++ {
		env, err := Encrypt(s, []byte("msg"), nil)
		require.NoError(t, err)
		require.GreaterOrEqual(t, env.ChainIndex, last)
		last = env.ChainIndex
	}
	require.Equal(t, uint32(5), s.ChainIndex)
}

func TestGroupMissingMessageFetchedLater(t *testing.T) {
	s, r := sharedChain(t)

	var envs []Envelope
	for i := 0; i < 20; i++ {
		env, err := Encrypt(s, []byte("msg"), nil)
		require.NoError(t, err)
		envs = append(envs, env)
	}

	// Deliver everything except index 17, in order.
	for i, env := range envs {
		if i == 17 {
			continue
		}
		_, err := Decrypt(r, env, nil)
		require.NoError(t, err)
	}
	require.Equal(t, uint32(20), r.ChainIndex)

	// Resubmitting 17 late would require rewinding the chain, which the
	// forward-only design cannot do once later messages were consumed.
	_, err := Decrypt(r, envs[17], nil)
	require.Error(t, err)
}

func TestGroupReplayRejected(t *testing.T) {
	s, r := sharedChain(t)

	env, err := Encrypt(s, []byte("hello"), nil)
	require.NoError(t, err)
	_, err = Decrypt(r, env, nil)
	require.NoError(t, err)

	_, err = Decrypt(r, env, nil)
	require.ErrorIs(t, err, haverr.Replay)
}

func TestGroupTamperedCiphertextRejected(t *testing.T) {
	s, r := sharedChain(t)

	env, err := Encrypt(s, []byte("hello"), nil)
	require.NoError(t, err)
	env.Ciphertext[0] ^= 0xFF

	_, err = Decrypt(r, env, nil)
	require.ErrorIs(t, err, haverr.BadCiphertext)
}

func TestInvalidateClearsState(t *testing.T) {
	s, err := Generate()
	require.NoError(t, err)
	s.Distributed = true

	Invalidate(s)
	require.False(t, s.Distributed)
	require.Nil(t, s.ChainKey)

	_, err = Encrypt(s, []byte("x"), nil)
	require.ErrorIs(t, err, haverr.NotReady)
}
