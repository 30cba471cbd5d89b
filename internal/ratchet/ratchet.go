// Package ratchet implements the Double Ratchet algorithm (spec §4.D):
// a per-peer session combining a Diffie-Hellman ratchet with two
// symmetric KDF chains, giving forward secrecy and post-compromise
// security on every message.
//
// The design mirrors a small reference Double Ratchet library in this
// corpus: Decrypt computes into a draft copy of the session State and
// returns it as the new state only after the AEAD open succeeds (Encrypt,
// whose seal cannot fail, advances the State in place), and a
// skipped-message key cache absorbs reordering. Unlike
// that reference, the header here is Signal's exact wire format (spec
// §4.D/§4.G) and the chain/root KDFs are pinned to the constants this
// core's wire format requires.
package ratchet

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/jaydenbeard/haven-e2ee/internal/haverr"
	"github.com/jaydenbeard/haven-e2ee/internal/primitives"
)

const (
	// RatchetInfo is the HKDF info string for the root-chain KDF.
	RatchetInfo = "haven_ratchet"
	// chainMsgKey and chainNextKey are the HMAC constants that split a
	// chain key into a message key and the next chain key.
	chainMsgKey  = 0x01
	chainNextKey = 0x02
	// DefaultMaxSkip bounds the skipped-message key cache across the
	// entire session (spec's Open Question: 1000 is the chosen default).
	DefaultMaxSkip = 1000
)

// Header is carried alongside each ciphertext and bound into its AEAD
// associated data. Wire layout: dh_pub(32) || pn(u32 BE) || n(u32 BE).
type Header struct {
	DHPub []byte
	PN    uint32
	N     uint32
}

// Encode serializes the header to its wire form.
func (h Header) Encode() []byte {
	buf := make([]byte, 32+4+4)
	copy(buf[:32], h.DHPub)
	binary.BigEndian.PutUint32(buf[32:36], h.PN)
	binary.BigEndian.PutUint32(buf[36:40], h.N)
	return buf
}

// DecodeHeader parses a Header from its wire form.
func DecodeHeader(data []byte) (Header, error) {
	if len(data) < 40 {
		return Header{}, fmt.Errorf("%w: header is %d bytes, want 40", haverr.Truncated, len(data))
	}
	return Header{
		DHPub: append([]byte{}, data[:32]...),
		PN:    binary.BigEndian.Uint32(data[32:36]),
		N:     binary.BigEndian.Uint32(data[36:40]),
	}, nil
}

// Message is a Double Ratchet ciphertext and its header.
type Message struct {
	Header     Header
	Ciphertext []byte
}

type skippedEntry struct {
	dhPub   []byte
	counter uint32
	key     []byte
}

func skippedKeyID(dhPub []byte, counter uint32) string {
	return fmt.Sprintf("%x:%d", dhPub, counter)
}

// State is the full persisted state of one peer's Double Ratchet session.
type State struct {
	RootKey      []byte
	SendChainKey []byte // nil until a send chain is derived (at InitAlice, or at the responder's first DH ratchet step)
	RecvChainKey []byte // nil until the first message is received on this chain
	DHSelfPriv   []byte
	DHSelfPub    []byte
	DHRemotePub  []byte // nil on the responder side until its first DH ratchet step
	Ns           uint32
	Nr           uint32
	PN           uint32
	AD           []byte // 64 bytes: alice_identity_pub || bob_identity_pub, fixed at creation

	skipped    map[string]skippedEntry
	skipOrder  []string
	maxSkipped int
}

// Clone performs a deep copy, used so a failed decrypt never leaves the
// live session mid-ratchet.
func (s *State) Clone() *State {
	c := &State{
		RootKey:      dup(s.RootKey),
		SendChainKey: dup(s.SendChainKey),
		RecvChainKey: dup(s.RecvChainKey),
		DHSelfPriv:   dup(s.DHSelfPriv),
		DHSelfPub:    dup(s.DHSelfPub),
		DHRemotePub:  dup(s.DHRemotePub),
		Ns:           s.Ns,
		Nr:           s.Nr,
		PN:           s.PN,
		AD:           dup(s.AD),
		skipped:      make(map[string]skippedEntry, len(s.skipped)),
		skipOrder:    append([]string{}, s.skipOrder...),
		maxSkipped:   s.maxSkipped,
	}
	for k, v := range s.skipped {
		c.skipped[k] = skippedEntry{dhPub: dup(v.dhPub), counter: v.counter, key: dup(v.key)}
	}
	return c
}

func dup(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

// Wipe zeroes every secret field. Callers must not use s after Wipe.
func (s *State) Wipe() {
	wipe(s.RootKey)
	wipe(s.SendChainKey)
	wipe(s.RecvChainKey)
	wipe(s.DHSelfPriv)
	for _, id := range s.skipOrder {
		if e, ok := s.skipped[id]; ok {
			wipe(e.key)
		}
	}
}

//go:noinline
func wipe(p []byte) {
	for i := range p {
		p[i] = 0
	}
	runtime.KeepAlive(p)
}

// kdfRK applies the root-chain KDF: HKDF(salt=rk, ikm=dh, info=RatchetInfo, 64).
func kdfRK(rk, dh []byte) (newRK, ck []byte, err error) {
	out, err := primitives.HKDF(rk, dh, []byte(RatchetInfo), 64)
	if err != nil {
		return nil, nil, err
	}
	return out[:32], out[32:64], nil
}

// kdfCK applies the symmetric-chain KDF: HMAC(ck, const) split two ways.
func kdfCK(ck []byte) (newCK, mk []byte, err error) {
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

// InitAlice initializes the initiator side of a session: dh_self is a
// fresh ratchet keypair, dh_remote is Bob's signed prekey, and a send
// chain (but no receive chain) is derived immediately.
func InitAlice(sk, ad, bobSignedPreKeyPub []byte, maxSkip int) (*State, error) {
	selfPriv, selfPub, err := primitives.GenerateX25519()
	if err != nil {
		return nil, err
	}
	dh, err := primitives.DH(selfPriv, bobSignedPreKeyPub)
	if err != nil {
		return nil, err
	}
	rk, ck, err := kdfRK(sk, dh)
	if err != nil {
		return nil, err
	}
	return newState(rk, ck, nil, selfPriv, selfPub, bobSignedPreKeyPub, ad, maxSkip), nil
}

// InitBob initializes the responder side: dh_self is Bob's own signed
// prekey pair (already published), no chains exist yet — the first
// incoming message's header public key triggers the first DH ratchet
// step in Decrypt.
func InitBob(sk, ad, signedPreKeyPriv, signedPreKeyPub []byte, maxSkip int) *State {
	return newState(sk, nil, nil, signedPreKeyPriv, signedPreKeyPub, nil, ad, maxSkip)
}

func newState(rk, sendCK, recvCK, dhSelfPriv, dhSelfPub, dhRemotePub, ad []byte, maxSkip int) *State {
	if maxSkip <= 0 {
		maxSkip = DefaultMaxSkip
	}
	return &State{
		RootKey:      rk,
		SendChainKey: sendCK,
		RecvChainKey: recvCK,
		DHSelfPriv:   dhSelfPriv,
		DHSelfPub:    dhSelfPub,
		DHRemotePub:  dhRemotePub,
		AD:           ad,
		skipped:      make(map[string]skippedEntry),
		maxSkipped:   maxSkip,
	}
}

// concat binds the session AD and the message header into one AEAD
// associated-data buffer, per spec §4.D.
func concat(ad []byte, h Header) []byte {
	return append(append([]byte{}, ad...), h.Encode()...)
}

// sealKeyInfo is the HKDF info string used to bind a message's
// associated data into the secretbox key. XSalsa20-Poly1305 has no
// native AAD input, so the header and session AD are folded into a
// one-time subkey derived from mk before sealing: tampering with
// either changes the subkey and the box fails to open.
const sealKeyInfo = "haven_ratchet_aad"

func sealKeyFor(mk, aad []byte) ([]byte, error) {
	return primitives.HKDF(mk, aad, []byte(sealKeyInfo), 32)
}

// Encrypt advances the send chain by one step and seals plaintext.
func Encrypt(s *State, plaintext []byte) (Message, error) {
	if s.SendChainKey == nil {
		return Message{}, fmt.Errorf("%w: no send chain established", haverr.NotReady)
	}
	ck, mk, err := kdfCK(s.SendChainKey)
	if err != nil {
		return Message{}, err
	}
	h := Header{DHPub: s.DHSelfPub, PN: s.PN, N: s.Ns}
	aad := concat(s.AD, h)
	sealKey, err := sealKeyFor(mk, aad)
	wipe(mk)
	if err != nil {
		return Message{}, err
	}
	var key32 [32]byte
	copy(key32[:], sealKey)
	wipe(sealKey)
	var zeroNonce [24]byte
	ct := primitives.SealSecretboxWithNonce(key32, zeroNonce, plaintext)
	wipe(key32[:])

	s.SendChainKey = ck
	s.Ns++
	return Message{Header: h, Ciphertext: ct}, nil
}

// Decrypt handles all three cases from spec §4.D: a skipped-key hit, an
// in-epoch message, or a DH ratchet step, and never commits a partial
// state transition on failure.
func Decrypt(s *State, msg Message) ([]byte, *State, error) {
	id := skippedKeyID(msg.Header.DHPub, msg.Header.N)
	if e, ok := s.skipped[id]; ok {
		aad := concat(s.AD, msg.Header)
		pt, err := openSealed(e.key, aad, msg.Ciphertext)
		if err != nil {
			return nil, nil, err
		}
		next := s.Clone()
		delete(next.skipped, id)
		next.skipOrder = removeID(next.skipOrder, id)
		wipe(e.key)
		return pt, next, nil
	}

	draft := s.Clone()

	if draft.DHRemotePub == nil || !bytesEqual(msg.Header.DHPub, draft.DHRemotePub) {
		if err := skipUpTo(draft, msg.Header.PN); err != nil {
			return nil, nil, err
		}
		if err := ratchetStep(draft, msg.Header.DHPub); err != nil {
			return nil, nil, err
		}
	}

	if err := skipUpTo(draft, msg.Header.N); err != nil {
		return nil, nil, err
	}

	ck, mk, err := kdfCK(draft.RecvChainKey)
	if err != nil {
		return nil, nil, err
	}
	aad := concat(draft.AD, msg.Header)
	pt, err := openSealed(mk, aad, msg.Ciphertext)
	wipe(mk)
	if err != nil {
		// AEAD failed: discard the draft entirely. The caller's
		// pre-existing state (including any skip insertions made
		// before this point) is untouched because draft was a clone.
		return nil, nil, err
	}
	draft.RecvChainKey = ck
	draft.Nr++
	return pt, draft, nil
}

// openSealed derives the same AAD-bound subkey Encrypt used and opens
// the secretbox with the fixed zero nonce.
func openSealed(mk, aad, ciphertext []byte) ([]byte, error) {
	sealKey, err := sealKeyFor(mk, aad)
	if err != nil {
		return nil, err
	}
	var key32 [32]byte
	copy(key32[:], sealKey)
	wipe(sealKey)
	var zeroNonce [24]byte
	pt, err := primitives.OpenSecretboxWithNonce(key32, zeroNonce, ciphertext)
	wipe(key32[:])
	return pt, err
}

// skipUpTo derives and stores message keys for every counter in
// [state.Nr, until), respecting maxSkipped across the whole cache.
func skipUpTo(s *State, until uint32) error {
	if s.RecvChainKey == nil {
		return nil
	}
	for s.Nr < until {
		ck, mk, err := kdfCK(s.RecvChainKey)
		if err != nil {
			return err
		}
		if len(s.skipped) >= s.maxSkipped {
			return fmt.Errorf("%w", haverr.TooManySkipped)
		}
		id := skippedKeyID(s.DHRemotePub, s.Nr)
		s.skipped[id] = skippedEntry{dhPub: dup(s.DHRemotePub), counter: s.Nr, key: mk}
		s.skipOrder = append(s.skipOrder, id)
		s.RecvChainKey = ck
		s.Nr++
	}
	return nil
}

// ratchetStep performs the DH ratchet: derive a new receive chain from
// the peer's new public key, then generate a fresh self keypair and
// derive a new send chain.
func ratchetStep(s *State, remotePub []byte) error {
	s.PN = s.Ns
	s.Ns = 0
	s.Nr = 0
	s.DHRemotePub = dup(remotePub)

	dh, err := primitives.DH(s.DHSelfPriv, s.DHRemotePub)
	if err != nil {
		return err
	}
	rk, recvCK, err := kdfRK(s.RootKey, dh)
	if err != nil {
		return err
	}
	s.RootKey, s.RecvChainKey = rk, recvCK

	selfPriv, selfPub, err := primitives.GenerateX25519()
	if err != nil {
		return err
	}
	s.DHSelfPriv, s.DHSelfPub = selfPriv, selfPub

	dh2, err := primitives.DH(s.DHSelfPriv, s.DHRemotePub)
	if err != nil {
		return err
	}
	rk2, sendCK, err := kdfRK(s.RootKey, dh2)
	if err != nil {
		return err
	}
	s.RootKey, s.SendChainKey = rk2, sendCK
	return nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func removeID(ids []string, target string) []string {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

// persistedSkip is the on-wire form of one skipped-message key entry.
type persistedSkip struct {
	DHPub   []byte
	Counter uint32
	Key     []byte
}

// persisted is the on-wire form of a Double Ratchet session, including
// its skipped-message key cache, so a crash mid-conversation can
// resume without losing keys for messages still in flight.
type persisted struct {
	RootKey      []byte
	SendChainKey []byte
	RecvChainKey []byte
	DHSelfPriv   []byte
	DHSelfPub    []byte
	DHRemotePub  []byte
	Ns           uint32
	Nr           uint32
	PN           uint32
	AD           []byte
	MaxSkipped   int
	Skipped      []persistedSkip
}

// Serialize encodes the full session state, including the skipped-key
// cache, for storage. Secrets are not encrypted at this layer; callers
// persisting to disk are expected to encrypt the blob at rest.
func (s *State) Serialize() ([]byte, error) {
	return json.Marshal(s.toPersisted())
}

// Deserialize reverses Serialize.
func Deserialize(data []byte) (*State, error) {
	var p persisted
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: decoding ratchet session: %v", haverr.Store, err)
	}
	return fromPersisted(p), nil
}

func (s *State) toPersisted() persisted {
	p := persisted{
		RootKey:      s.RootKey,
		SendChainKey: s.SendChainKey,
		RecvChainKey: s.RecvChainKey,
		DHSelfPriv:   s.DHSelfPriv,
		DHSelfPub:    s.DHSelfPub,
		DHRemotePub:  s.DHRemotePub,
		Ns:           s.Ns,
		Nr:           s.Nr,
		PN:           s.PN,
		AD:           s.AD,
		MaxSkipped:   s.maxSkipped,
	}
	for _, id := range s.skipOrder {
		e := s.skipped[id]
		p.Skipped = append(p.Skipped, persistedSkip{DHPub: e.dhPub, Counter: e.counter, Key: e.key})
	}
	return p
}

func fromPersisted(p persisted) *State {
	s := &State{
		RootKey:      p.RootKey,
		SendChainKey: p.SendChainKey,
		RecvChainKey: p.RecvChainKey,
		DHSelfPriv:   p.DHSelfPriv,
		DHSelfPub:    p.DHSelfPub,
		DHRemotePub:  p.DHRemotePub,
		Ns:           p.Ns,
		Nr:           p.Nr,
		PN:           p.PN,
		AD:           p.AD,
		maxSkipped:   p.MaxSkipped,
		skipped:      make(map[string]skippedEntry, len(p.Skipped)),
	}
	if s.maxSkipped <= 0 {
		s.maxSkipped = DefaultMaxSkip
	}
	for _, e := range p.Skipped {
		id := skippedKeyID(e.DHPub, e.Counter)
		s.skipped[id] = skippedEntry{dhPub: e.DHPub, counter: e.Counter, key: e.Key}
		s.skipOrder = append(s.skipOrder, id)
	}
	return s
}
