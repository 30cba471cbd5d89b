// Package x3dh implements the Extended Triple Diffie-Hellman initial
// key agreement (spec §4.C): the initiator and responder both derive
// an identical (shared key, associated data) pair from a key bundle
// without either party needing to be online at the same time.
package x3dh

import (
	"crypto/ed25519"
	"fmt"

	"github.com/jaydenbeard/haven-e2ee/internal/haverr"
	"github.com/jaydenbeard/haven-e2ee/internal/keys"
	"github.com/jaydenbeard/haven-e2ee/internal/primitives"
)

const (
	// Info is the HKDF info string binding derived keys to this protocol.
	Info = "haven_x3dh"
)

var (
	padding = make([]byte, 32)
	salt    = make([]byte, 32)
)

func init() {
	for i := range padding {
		padding[i] = 0xFF
	}
}

// KeyBundle is the material fetched from the server for a peer (spec §3).
type KeyBundle struct {
	IdentityPublic        ed25519.PublicKey
	SignedPreKeyPublic    []byte
	SignedPreKeySignature []byte
	OneTimePreKeyPublic   []byte // nil if none was available
}

// Result is the output of an X3DH run: the shared key, the associated
// data bound to every subsequent ratchet message, and the material the
// initiator must include in its first envelope.
type Result struct {
	SharedKey     []byte
	AD            []byte
	EphemeralPub  []byte
	UsedOTP       bool
	OneTimePreKeyPub []byte
}

// Initiator runs the X3DH initiator side (Alice), deriving a shared
// key from her identity keypair and Bob's published bundle.
func Initiator(selfIdentity *keys.Identity, bundle KeyBundle) (*Result, error) {
	if len(bundle.SignedPreKeySignature) == 0 ||
		!keys.VerifySignature(bundle.IdentityPublic, bundle.SignedPreKeyPublic, bundle.SignedPreKeySignature) {
		return nil, fmt.Errorf("%w", haverr.InvalidSignedPreKey)
	}

	ikAX, err := primitives.Ed25519PrivateToX25519(selfIdentity.Private)
	if err != nil {
		return nil, err
	}
	ikBX, err := primitives.Ed25519PublicToX25519(bundle.IdentityPublic)
	if err != nil {
		return nil, err
	}

	ephemeral, err := keys.GenerateDHPair()
	if err != nil {
		return nil, err
	}

	dh1, err := primitives.DH(ikAX, bundle.SignedPreKeyPublic)
	if err != nil {
		return nil, err
	}
	dh2, err := primitives.DH(ephemeral.Private, ikBX)
	if err != nil {
		return nil, err
	}
	dh3, err := primitives.DH(ephemeral.Private, bundle.SignedPreKeyPublic)
	if err != nil {
		return nil, err
	}

	ikm := concatIKM(dh1, dh2, dh3, nil)
	usedOTP := len(bundle.OneTimePreKeyPublic) > 0
	if usedOTP {
		dh4, err := primitives.DH(ephemeral.Private, bundle.OneTimePreKeyPublic)
		if err != nil {
			return nil, err
		}
		ikm = concatIKM(dh1, dh2, dh3, dh4)
	}

	sk, err := primitives.HKDF(salt, ikm, []byte(Info), 32)
	if err != nil {
		return nil, err
	}

	ad := append(append([]byte{}, []byte(selfIdentity.Public)...), bundle.IdentityPublic...)

	return &Result{
		SharedKey:        sk,
		AD:               ad,
		EphemeralPub:     ephemeral.Public,
		UsedOTP:          usedOTP,
		OneTimePreKeyPub: bundle.OneTimePreKeyPublic,
	}, nil
}

// ResponderInput is everything Bob needs, already extracted from the
// initial envelope, to compute the mirrored X3DH shared secret.
type ResponderInput struct {
	SelfIdentity     *keys.Identity
	SelfSignedPreKey *keys.SignedPreKey
	SelfOneTimePreKey *keys.DHPair // nil if the message claims no OTP was used
	PeerIdentityPublic ed25519.PublicKey
	PeerEphemeralPublic []byte
}

// Responder runs the X3DH responder side (Bob), deriving the same
// shared key and AD that Alice derived, from the mirrored operands.
func Responder(in ResponderInput) (*Result, error) {
	ikBX, err := primitives.Ed25519PrivateToX25519(in.SelfIdentity.Private)
	if err != nil {
		return nil, err
	}
	ikAX, err := primitives.Ed25519PublicToX25519(in.PeerIdentityPublic)
	if err != nil {
		return nil, err
	}

	dh1, err := primitives.DH(in.SelfSignedPreKey.Private, ikAX)
	if err != nil {
		return nil, err
	}
	dh2, err := primitives.DH(ikBX, in.PeerEphemeralPublic)
	if err != nil {
		return nil, err
	}
	dh3, err := primitives.DH(in.SelfSignedPreKey.Private, in.PeerEphemeralPublic)
	if err != nil {
		return nil, err
	}

	ikm := concatIKM(dh1, dh2, dh3, nil)
	usedOTP := in.SelfOneTimePreKey != nil
	if usedOTP {
		dh4, err := primitives.DH(in.SelfOneTimePreKey.Private, in.PeerEphemeralPublic)
		if err != nil {
			return nil, err
		}
		ikm = concatIKM(dh1, dh2, dh3, dh4)
	}

	sk, err := primitives.HKDF(salt, ikm, []byte(Info), 32)
	if err != nil {
		return nil, err
	}

	ad := append(append([]byte{}, []byte(in.PeerIdentityPublic)...), in.SelfIdentity.Public...)

	return &Result{SharedKey: sk, AD: ad, UsedOTP: usedOTP}, nil
}

func concatIKM(dh1, dh2, dh3, dh4 []byte) []byte {
	ikm := make([]byte, 0, len(padding)+len(dh1)+len(dh2)+len(dh3)+len(dh4))
	ikm = append(ikm, padding...)
	ikm = append(ikm, dh1...)
	ikm = append(ikm, dh2...)
	ikm = append(ikm, dh3...)
	ikm = append(ikm, dh4...)
	return ikm
}
