// Package senderkeys implements Sender Keys (spec §4.E): a per-sender
// symmetric ratchet shared by every member of a group channel, with
// key distribution handled out-of-band via sealed box.
//
// Unlike the Double Ratchet, a sender key chain only ever moves
// forward: there is no DH step and no skipped-key cache, only a
// monotonic chain index each member ratchets toward on receipt.
package senderkeys

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/jaydenbeard/haven-e2ee/internal/haverr"
	"github.com/jaydenbeard/haven-e2ee/internal/primitives"
)

// GroupMsgType is the envelope type byte for group ciphertext (spec §4.G).
const GroupMsgType = 0x03

const (
	chainMsgKey  = 0x01
	chainNextKey = 0x02

	distributionIDSize = 16
	chainKeySize       = 32
	skdmPayloadSize    = distributionIDSize + 4 + chainKeySize
)

// State is a channel's sender key chain as held by the member who
// created it (the one who sends on it).
type State struct {
	DistributionID [16]byte
	ChainKey       []byte
	ChainIndex     uint32
	Distributed    bool
}

// Generate creates a fresh, undistributed sender key chain.
func Generate() (*State, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("%w: generating distribution id: %v", haverr.Store, err)
	}
	ck, err := primitives.RandBytes(chainKeySize)
	if err != nil {
		return nil, err
	}
	s := &State{ChainIndex: 0}
	copy(s.DistributionID[:], id[:])
	s.ChainKey = ck
	return s, nil
}

// CreateSKDMPayload serializes the chain state into the 52-byte
// distribution payload: distribution_id(16) || chain_index(u32 LE) || chain_key(32).
func CreateSKDMPayload(s *State) []byte {
	buf := make([]byte, skdmPayloadSize)
	copy(buf[:distributionIDSize], s.DistributionID[:])
	binary.LittleEndian.PutUint32(buf[distributionIDSize:distributionIDSize+4], s.ChainIndex)
	copy(buf[distributionIDSize+4:], s.ChainKey)
	return buf
}

// ParseSKDMPayload reverses CreateSKDMPayload.
func ParseSKDMPayload(payload []byte) (distributionID [16]byte, chainIndex uint32, chainKey []byte, err error) {
	if len(payload) < skdmPayloadSize {
		return distributionID, 0, nil, fmt.Errorf("%w: skdm payload is %d bytes, want %d", haverr.Truncated, len(payload), skdmPayloadSize)
	}
	copy(distributionID[:], payload[:distributionIDSize])
	chainIndex = binary.LittleEndian.Uint32(payload[distributionIDSize : distributionIDSize+4])
	chainKey = append([]byte{}, payload[distributionIDSize+4:skdmPayloadSize]...)
	return distributionID, chainIndex, chainKey, nil
}

// EncryptSKDM seals an SKDM payload to one recipient's identity key,
// converted from Ed25519 to X25519 for the sealed box.
func EncryptSKDM(payload []byte, recipientIdentityEdPub []byte) ([]byte, error) {
	xPub, err := primitives.Ed25519PublicToX25519(recipientIdentityEdPub)
	if err != nil {
		return nil, err
	}
	var pubArr [32]byte
	copy(pubArr[:], xPub)
	return primitives.SealAnonymous(pubArr, payload)
}

// DecryptSKDM opens a sealed SKDM addressed to our identity key.
func DecryptSKDM(ciphertext []byte, selfIdentityEdPriv, selfIdentityEdPub []byte) ([]byte, error) {
	xPriv, err := primitives.Ed25519PrivateToX25519(selfIdentityEdPriv)
	if err != nil {
		return nil, err
	}
	xPub, err := primitives.Ed25519PublicToX25519(selfIdentityEdPub)
	if err != nil {
		return nil, err
	}
	var privArr, pubArr [32]byte
	copy(privArr[:], xPriv)
	copy(pubArr[:], xPub)
	return primitives.OpenAnonymous(pubArr, privArr, ciphertext)
}

// ratchetForward derives (new_ck, mk) from ck: one step of the chain.
func ratchetForward(ck []byte) (newCK, mk []byte, err error) {
	newCK, err = primitives.HMAC256(ck, []byte{chainNextKey})
	if err != nil {
		return nil, nil, err
	}
	mk, err = primitives.HMAC256(ck, []byte{chainMsgKey})
	if err != nil {
		return nil, nil, err
	}
	return newCK, mk, nil
}

// Envelope is the decoded form of a group ciphertext's payload bytes
// (everything after the type byte in spec §4.G's 0x03 layout).
type Envelope struct {
	DistributionID [16]byte
	ChainIndex     uint32
	Nonce          []byte
	Ciphertext     []byte
}

// Encrypt advances s by one ratchet step and seals plaintext, marking
// the message with the chain index it was sent under. s must already
// be marked Distributed; a sender key never rolls its chain index back.
func Encrypt(s *State, plaintext, aad []byte) (Envelope, error) {
	if !s.Distributed {
		return Envelope{}, fmt.Errorf("%w: sender key not yet distributed", haverr.NotReady)
	}
	ck, mk, err := ratchetForward(s.ChainKey)
	if err != nil {
		return Envelope{}, err
	}
	index := s.ChainIndex
	nonce, ct, err := primitives.EncryptXChaCha20Poly1305Detached(mk, plaintext, aad)
	wipe(mk)
	if err != nil {
		return Envelope{}, err
	}

	wipe(s.ChainKey)
	s.ChainKey = ck
	s.ChainIndex++

	return Envelope{DistributionID: s.DistributionID, ChainIndex: index, Nonce: nonce, Ciphertext: ct}, nil
}

// Invalidate clears a sender key, forcing the next send to regenerate
// and redistribute a fresh chain.
func Invalidate(s *State) {
	if s == nil {
		return
	}
	wipe(s.ChainKey)
	s.ChainKey = nil
	s.Distributed = false
}

// ReceivedState is what a non-sending member holds for one (channel,
// distribution_id): another member's chain, tracked forward-only.
type ReceivedState struct {
	DistributionID [16]byte
	FromUserID     string
	ChainKey       []byte
	ChainIndex     uint32 // next expected chain index
}

// NewReceivedState builds receiver-side state from a freshly decrypted SKDM.
func NewReceivedState(distributionID [16]byte, chainIndex uint32, chainKey []byte, fromUserID string) *ReceivedState {
	return &ReceivedState{DistributionID: distributionID, FromUserID: fromUserID, ChainKey: chainKey, ChainIndex: chainIndex}
}

// Decrypt ratchets a received chain forward to env.ChainIndex and opens
// the envelope. Intermediate message keys derived while catching up are
// never stored: group messages must arrive with non-decreasing chain
// indices per sender, and a stale envelope is a Replay.
func Decrypt(r *ReceivedState, env Envelope, aad []byte) ([]byte, error) {
	if env.ChainIndex < r.ChainIndex {
		return nil, fmt.Errorf("%w: chain index %d already passed (at %d)", haverr.Replay, env.ChainIndex, r.ChainIndex)
	}

	ck := r.ChainKey
	var mk []byte
	for r.ChainIndex <= env.ChainIndex {
		var newCK []byte
		var err error
		newCK, mk, err = ratchetForward(ck)
		if err != nil {
			return nil, err
		}
		if r.ChainIndex < env.ChainIndex {
			wipe(mk)
		}
		wipe(ck)
		ck = newCK
		r.ChainIndex++
	}

	pt, err := primitives.DecryptXChaCha20Poly1305Detached(mk, env.Nonce, env.Ciphertext, aad)
	wipe(mk)
	if err != nil {
		r.ChainKey = ck
		return nil, err
	}
	r.ChainKey = ck
	return pt, nil
}

func wipe(p []byte) {
	for i := range p {
		p[i] = 0
	}
}
