// Package keys generates and serializes the key material defined in
// spec §3: the long-term identity key, the medium-term signed prekey,
// the one-time prekey pool, and the profile key.
package keys

import (
	"crypto/ed25519"
	"fmt"

	"github.com/jaydenbeard/haven-e2ee/internal/haverr"
	"github.com/jaydenbeard/haven-e2ee/internal/primitives"
)

// Identity is the long-term Ed25519 identity keypair.
type Identity struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
}

// GenerateIdentity creates a new long-term identity keypair.
func GenerateIdentity() (*Identity, error) {
	priv, pub, err := primitives.GenerateEd25519()
	if err != nil {
		return nil, err
	}
	return &Identity{Private: priv, Public: pub}, nil
}

// DHPair is a bare X25519 keypair, used for signed prekeys, one-time
// prekeys, and ratchet/ephemeral keys.
type DHPair struct {
	Private []byte
	Public  []byte
}

// GenerateDHPair creates a new X25519 keypair.
func GenerateDHPair() (*DHPair, error) {
	priv, pub, err := primitives.GenerateX25519()
	if err != nil {
		return nil, err
	}
	return &DHPair{Private: priv, Public: pub}, nil
}

// SignedPreKey is an X25519 keypair plus an Ed25519 signature by the
// identity key over the X25519 public half.
type SignedPreKey struct {
	DHPair
	Signature []byte
	KeyID     uint32
}

// GenerateSignedPreKey generates a fresh signed prekey and signs its
// public half with identity.
func GenerateSignedPreKey(identity *Identity, keyID uint32) (*SignedPreKey, error) {
	pair, err := GenerateDHPair()
	if err != nil {
		return nil, err
	}
	sig := primitives.Sign(identity.Private, pair.Public)
	return &SignedPreKey{DHPair: *pair, Signature: sig, KeyID: keyID}, nil
}

// VerifySignature reports whether sig is identity's signature over msg.
func VerifySignature(identityPub ed25519.PublicKey, msg, sig []byte) bool {
	return primitives.Verify(identityPub, msg, sig)
}

// OneTimePreKey is a single-use X25519 keypair.
type OneTimePreKey struct {
	DHPair
	KeyID uint32
}

// GenerateOneTimePreKeys generates n one-time prekeys, starting at keyID startID.
func GenerateOneTimePreKeys(n int, startID uint32) ([]*OneTimePreKey, error) {
	out := make([]*OneTimePreKey, 0, n)
	for i := 0; i < n; i++ {
		pair, err := GenerateDHPair()
		if err != nil {
			return nil, err
		}
		out = append(out, &OneTimePreKey{DHPair: *pair, KeyID: startID + uint32(i)})
	}
	return out, nil
}

// ProfileKey is 32 uniformly random bytes that encrypt profile blobs.
type ProfileKey [32]byte

// GenerateProfileKey creates a fresh profile key.
func GenerateProfileKey() (ProfileKey, error) {
	var pk ProfileKey
	b, err := primitives.RandBytes(32)
	if err != nil {
		return pk, err
	}
	copy(pk[:], b)
	return pk, nil
}

// RegistrationBundle is the material handed to the REST API at
// registration time, plus the secret halves the caller must persist.
type RegistrationBundle struct {
	IdentityPublicB64      string
	SignedPreKeyPublicB64  string
	SignedPreKeySignature  string
	OneTimePreKeyPublicsB64 []string

	// Secret material for local persistence. Never transmitted.
	Identity       *Identity
	SignedPreKey   *SignedPreKey
	OneTimePreKeys []*OneTimePreKey
}

// PrepareRegistrationKeys generates a complete set of registration
// material: an identity key, one signed prekey, and a pool of n
// one-time prekeys.
func PrepareRegistrationKeys(n int) (*RegistrationBundle, error) {
	identity, err := GenerateIdentity()
	if err != nil {
		return nil, fmt.Errorf("%w: generating identity: %v", haverr.Store, err)
	}
	spk, err := GenerateSignedPreKey(identity, 1)
	if err != nil {
		return nil, fmt.Errorf("%w: generating signed prekey: %v", haverr.Store, err)
	}
	opks, err := GenerateOneTimePreKeys(n, 1)
	if err != nil {
		return nil, fmt.Errorf("%w: generating one-time prekeys: %v", haverr.Store, err)
	}

	opkPubs := make([]string, len(opks))
	for i, opk := range opks {
		opkPubs[i] = primitives.B64.EncodeToString(opk.Public)
	}

	return &RegistrationBundle{
		IdentityPublicB64:      primitives.B64.EncodeToString(identity.Public),
		SignedPreKeyPublicB64:  primitives.B64.EncodeToString(spk.Public),
		SignedPreKeySignature:  primitives.B64.EncodeToString(spk.Signature),
		OneTimePreKeyPublicsB64: opkPubs,
		Identity:               identity,
		SignedPreKey:           spk,
		OneTimePreKeys:         opks,
	}, nil
}
