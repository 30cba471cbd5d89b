package payload

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jaydenbeard/haven-e2ee/internal/haverr"
	"github.com/jaydenbeard/haven-e2ee/internal/primitives"
)

func TestProfileRoundTrip(t *testing.T) {
	var pk [32]byte
	copy(pk[:], []byte("0123456789abcdef0123456789abcde"))

	ct, err := EncryptProfile(pk, []byte(`{"about_me":"hi","custom_status":"afk"}`))
	require.NoError(t, err)

	pt, err := DecryptProfile(pk, ct)
	require.NoError(t, err)
	require.JSONEq(t, `{"about_me":"hi","custom_status":"afk"}`, string(pt))

	ct[len(ct)-1] ^= 0xFF
	_, err = DecryptProfile(pk, ct)
	require.ErrorIs(t, err, haverr.BadCiphertext)
}

func TestDecryptProfileTruncated(t *testing.T) {
	var pk [32]byte
	_, err := DecryptProfile(pk, make([]byte, 5))
	require.ErrorIs(t, err, haverr.Truncated)
}

func TestProfileKeyDistributionRoundTrip(t *testing.T) {
	var pk [32]byte
	copy(pk[:], []byte("0123456789abcdef0123456789abcde"))

	bobPriv, bobPub, err := primitives.GenerateEd25519()
	require.NoError(t, err)

	ct, err := EncryptProfileKeyFor(pk, bobPub)
	require.NoError(t, err)

	recovered, err := DecryptProfileKey(ct, bobPriv, bobPub)
	require.NoError(t, err)
	require.Equal(t, pk, recovered)
}

func TestFileRoundTrip(t *testing.T) {
	ef, err := EncryptFile([]byte("attachment bytes"))
	require.NoError(t, err)

	pt, err := DecryptFile(ef.Ciphertext, ef.Key, ef.Nonce)
	require.NoError(t, err)
	require.Equal(t, "attachment bytes", string(pt))
}

func TestBackupRoundTripWithDerivedKey(t *testing.T) {
	salt, err := primitives.RandBytes(16)
	require.NoError(t, err)
	key := DeriveBackupKey("correct horse battery staple", salt, InteractiveArgon2Params())

	ct, err := EncryptBackup(key, []byte("serialized sessions"))
	require.NoError(t, err)

	pt, err := DecryptBackup(key, ct)
	require.NoError(t, err)
	require.Equal(t, "serialized sessions", string(pt))

	wrongKey := DeriveBackupKey("wrong passphrase", salt, InteractiveArgon2Params())
	_, err = DecryptBackup(wrongKey, ct)
	require.Error(t, err)
}
