// Package dispatcher implements the session dispatcher (spec §4.H):
// the in-process caches and routing logic that make the crypto layer
// stateful, lazy, and correct without the rest of the application
// needing to know a ratchet or a sender-key chain exists.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jaydenbeard/haven-e2ee/internal/envelope"
	"github.com/jaydenbeard/haven-e2ee/internal/haverr"
	"github.com/jaydenbeard/haven-e2ee/internal/keys"
	"github.com/jaydenbeard/haven-e2ee/internal/primitives"
	"github.com/jaydenbeard/haven-e2ee/internal/ratchet"
	"github.com/jaydenbeard/haven-e2ee/internal/senderkeys"
	"github.com/jaydenbeard/haven-e2ee/internal/x3dh"
)

// pendingInitial is the material needed for the first outbound
// envelope on a session, cached between ensure_session and the actual
// send so the X3DH result isn't recomputed.
type pendingInitial struct {
	identityPub  []byte
	ephemeralPub []byte
	usedOTP      bool
	otpPub       []byte
}

// Dispatcher owns every in-process cache the core needs to route
// plaintext to the right subsystem and back. One Dispatcher per logged
// in identity; construct at login, discard (after Close) at logout.
type Dispatcher struct {
	store Store
	api   API

	selfIdentity     *keys.Identity
	selfSignedPreKey *keys.SignedPreKey
	selfUserID       string
	maxSkip          int
	acceptLegacy     bool

	mu sync.Mutex

	dmSessions      map[string]*ratchet.State // peer_id -> session
	dmAD            map[string][]byte         // peer_id -> AD
	channelToPeer   map[string]string         // channel_id -> peer_id (DM only)
	pendingInitial  map[string]pendingInitial // peer_id -> pending initial material

	mySenderKeys        map[string]*senderkeys.State            // channel_id -> our chain
	distributedChannels map[string]bool                         // channel_id set
	receivedSenderKeys  map[string]*senderkeys.ReceivedState     // "channel:distID" -> chain
	bufferedGroupMsgs   map[string]map[uint32]envelope.Envelope // "channel:distID" -> chain_index -> envelope

	rotations *keys.RotationLog

	locks keyedLocks
}

// Options configures optional Dispatcher behavior.
type Options struct {
	// MaxSkip bounds the Double Ratchet skipped-key cache. Zero uses ratchet.DefaultMaxSkip.
	MaxSkip int
	// AcceptLegacyCleartext allows 0x00 envelopes to be parsed as plain JSON.
	AcceptLegacyCleartext bool
}

// New constructs a Dispatcher for an already-registered identity,
// loading the identity and current signed prekey from store.
func New(store Store, api API, selfUserID string, opts Options) (*Dispatcher, error) {
	identity, err := store.LoadIdentity()
	if err != nil {
		return nil, err
	}
	spk, err := store.LoadSignedPreKey()
	if err != nil {
		return nil, err
	}
	maxSkip := opts.MaxSkip
	if maxSkip <= 0 {
		maxSkip = ratchet.DefaultMaxSkip
	}
	return &Dispatcher{
		store:               store,
		api:                 api,
		selfIdentity:        identity,
		selfSignedPreKey:    spk,
		selfUserID:          selfUserID,
		maxSkip:             maxSkip,
		acceptLegacy:        opts.AcceptLegacyCleartext,
		dmSessions:          make(map[string]*ratchet.State),
		dmAD:                make(map[string][]byte),
		channelToPeer:       make(map[string]string),
		pendingInitial:      make(map[string]pendingInitial),
		mySenderKeys:        make(map[string]*senderkeys.State),
		distributedChannels: make(map[string]bool),
		receivedSenderKeys:  make(map[string]*senderkeys.ReceivedState),
		bufferedGroupMsgs:   make(map[string]map[uint32]envelope.Envelope),
		rotations:           keys.NewRotationLog(),
		locks:               newKeyedLocks(),
	}, nil
}

// Close zeroizes every live session and chain key this dispatcher holds.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.dmSessions {
		s.Wipe()
	}
	for _, s := range d.mySenderKeys {
		senderkeys.Invalidate(s)
	}
	for _, r := range d.receivedSenderKeys {
		for i := range r.ChainKey {
			r.ChainKey[i] = 0
		}
	}
}

func randomToken() (string, error) {
	b, err := primitives.RandBytes(32)
	if err != nil {
		return "", err
	}
	return primitives.B64.EncodeToString(b), nil
}

func recvKey(channelID string, distID [16]byte) string {
	return fmt.Sprintf("%s:%x", channelID, distID)
}

// EnsureSession establishes (or resumes) a DM session with peerID,
// running X3DH as initiator if no session exists yet. It does not send
// anything; the first EncryptOutgoing call after this consumes the
// pending initial material.
func (d *Dispatcher) EnsureSession(ctx context.Context, channelID, peerID string) error {
	unlock := d.locks.lock(peerID)
	defer unlock()

	if _, ok := d.dmSessions[peerID]; ok {
		d.mu.Lock()
		d.channelToPeer[channelID] = peerID
		d.mu.Unlock()
		return nil
	}

	bundle, err := d.api.FetchKeyBundle(ctx, peerID)
	if err != nil {
		return fmt.Errorf("%w: fetching key bundle for %s: %v", haverr.Network, peerID, err)
	}
	d.rotations.Observe(peerID, bundle.IdentityPublic)

	result, err := x3dh.Initiator(d.selfIdentity, bundle)
	if err != nil {
		return err
	}

	state, err := ratchet.InitAlice(result.SharedKey, result.AD, bundle.SignedPreKeyPublic, d.maxSkip)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.dmSessions[peerID] = state
	d.dmAD[peerID] = result.AD
	d.channelToPeer[channelID] = peerID
	d.pendingInitial[peerID] = pendingInitial{
		identityPub:  d.selfIdentity.Public,
		ephemeralPub: result.EphemeralPub,
		usedOTP:      result.UsedOTP,
		otpPub:       result.OneTimePreKeyPub,
	}
	d.mu.Unlock()

	return d.store.SaveSession(peerID, state)
}

// EncryptOutgoing encrypts payloadJSON for channelID, choosing the DM
// or group path per spec §4.H, and returns the base64 wire envelope
// plus an opaque per-message sender token.
func (d *Dispatcher) EncryptOutgoing(ctx context.Context, channelID string, payloadJSON []byte) (encryptedBody, senderToken string, err error) {
	senderToken, err = randomToken()
	if err != nil {
		return "", "", err
	}

	d.mu.Lock()
	peerID, isDM := d.channelToPeer[channelID]
	d.mu.Unlock()

	if isDM {
		unlock := d.locks.lock(peerID)
		defer unlock()

		state, ok := d.dmSessions[peerID]
		if !ok {
			return "", "", fmt.Errorf("%w: no dm session for peer %s", haverr.NoSession, peerID)
		}

		msg, err := ratchet.Encrypt(state, payloadJSON)
		if err != nil {
			return "", "", err
		}
		if err := d.store.SaveSession(peerID, state); err != nil {
			return "", "", err
		}

		d.mu.Lock()
		pending, hasPending := d.pendingInitial[peerID]
		if hasPending {
			delete(d.pendingInitial, peerID)
		}
		d.mu.Unlock()

		var env envelope.Envelope
		if hasPending {
			env = envelope.Envelope{
				Type:               envelope.TypeDMInitial,
				SenderIdentityPub:  pending.identityPub,
				SenderEphemeralPub: pending.ephemeralPub,
				UsedOTP:            pending.usedOTP,
				OTPPub:             pending.otpPub,
				DRMessage:          msg,
			}
		} else {
			env = envelope.Envelope{Type: envelope.TypeDMFollowUp, DRMessage: msg}
		}
		body, err := envelope.EncodeBase64(env)
		return body, senderToken, err
	}

	if err := d.ensureSenderKeyDistributed(ctx, channelID); err != nil {
		return "", "", err
	}

	unlock := d.locks.lock(channelID)
	defer unlock()

	d.mu.Lock()
	state := d.mySenderKeys[channelID]
	d.mu.Unlock()

	env, err := senderkeys.Encrypt(state, payloadJSON, nil)
	if err != nil {
		return "", "", err
	}
	body, err := envelope.EncodeBase64(envelope.Envelope{
		Type:           envelope.TypeGroup,
		DistributionID: env.DistributionID,
		ChainIndex:     env.ChainIndex,
		Nonce:          env.Nonce,
		Ciphertext:     env.Ciphertext,
	})
	return body, senderToken, err
}

func (d *Dispatcher) ensureSenderKeyDistributed(ctx context.Context, channelID string) error {
	unlock := d.locks.lock(channelID)
	defer unlock()

	d.mu.Lock()
	state, exists := d.mySenderKeys[channelID]
	d.mu.Unlock()
	if !exists {
		var err error
		state, err = senderkeys.Generate()
		if err != nil {
			return err
		}
		d.mu.Lock()
		d.mySenderKeys[channelID] = state
		d.mu.Unlock()
	}

	d.mu.Lock()
	distributed := d.distributedChannels[channelID]
	d.mu.Unlock()
	if distributed {
		state.Distributed = true
		return nil
	}

	members, err := d.api.ChannelMemberKeys(ctx, channelID)
	if err != nil {
		return fmt.Errorf("%w: fetching channel members for %s: %v", haverr.Network, channelID, err)
	}

	payload := senderkeys.CreateSKDMPayload(state)
	distributions := make([]SKDMDistribution, 0, len(members))
	for _, m := range members {
		if m.UserID == d.selfUserID {
			continue
		}
		ct, err := senderkeys.EncryptSKDM(payload, m.IdentityPub)
		if err != nil {
			return err
		}
		distributions = append(distributions, SKDMDistribution{
			ToUserID:       m.UserID,
			DistributionID: state.DistributionID,
			EncryptedSKDM:  ct,
		})
	}

	if err := d.api.DistributeSKDMs(ctx, channelID, distributions); err != nil {
		return fmt.Errorf("%w: distributing skdms for %s: %v", haverr.Network, channelID, err)
	}

	state.Distributed = true
	d.mu.Lock()
	d.distributedChannels[channelID] = true
	d.mu.Unlock()
	return nil
}

// Decrypted is one plaintext payload produced by DecryptIncoming. For
// DM envelopes there is always exactly one. For group envelopes there
// can be zero (the message arrived ahead of a gap and was buffered) or
// more than one (a missing message arrived and several buffered
// messages became decryptable in sequence).
type Decrypted struct {
	ChannelID string
	Payload   Payload
}

// DecryptIncoming routes a server message to the right subsystem per
// spec §4.H and returns every plaintext payload it was able to produce.
func (d *Dispatcher) DecryptIncoming(ctx context.Context, msg ServerMessage) ([]Decrypted, error) {
	env, err := envelope.DecodeBase64(msg.EncryptedBody)
	if err != nil {
		return nil, err
	}

	switch env.Type {
	case envelope.TypeLegacyCleartext:
		if !d.acceptLegacy {
			return nil, fmt.Errorf("%w: legacy cleartext envelopes are disabled", haverr.UnknownEnvelopeType)
		}
		var p Payload
		if err := json.Unmarshal(env.LegacyJSON, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", haverr.Truncated, err)
		}
		return []Decrypted{{ChannelID: msg.ChannelID, Payload: p}}, nil

	case envelope.TypeDMInitial:
		return d.decryptDMInitial(ctx, msg, env)

	case envelope.TypeDMFollowUp:
		return d.decryptDMFollowUp(msg, env)

	case envelope.TypeGroup:
		return d.decryptGroup(ctx, msg, env)

	default:
		return nil, fmt.Errorf("%w", haverr.UnknownEnvelopeType)
	}
}

func (d *Dispatcher) decryptDMInitial(ctx context.Context, msg ServerMessage, env envelope.Envelope) ([]Decrypted, error) {
	d.mu.Lock()
	peerID, hasSession := d.channelToPeer[msg.ChannelID]
	d.mu.Unlock()

	if hasSession {
		if _, exists := d.dmSessions[peerID]; exists {
			return d.decryptWithSession(peerID, msg.ChannelID, env.DRMessage)
		}
	}

	unlock := d.locks.lock(msg.ChannelID)
	defer unlock()

	var otp *keys.DHPair
	if env.UsedOTP && len(env.OTPPub) > 0 {
		found, ok, err := d.store.ConsumeOneTimePreKey(env.OTPPub)
		if err != nil {
			return nil, err
		}
		if ok {
			otp = &found.DHPair
		}
	}

	result, err := x3dh.Responder(x3dh.ResponderInput{
		SelfIdentity:        d.selfIdentity,
		SelfSignedPreKey:    d.selfSignedPreKey,
		SelfOneTimePreKey:   otp,
		PeerIdentityPublic:  env.SenderIdentityPub,
		PeerEphemeralPublic: env.SenderEphemeralPub,
	})
	if err != nil {
		return nil, err
	}

	state := ratchet.InitBob(result.SharedKey, result.AD, d.selfSignedPreKey.Private, d.selfSignedPreKey.Public, d.maxSkip)

	plaintext, next, err := ratchet.Decrypt(state, env.DRMessage)
	if err != nil {
		return nil, err
	}

	var p Payload
	if err := json.Unmarshal(plaintext, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", haverr.Truncated, err)
	}

	d.mu.Lock()
	d.dmSessions[p.SenderID] = next
	d.dmAD[p.SenderID] = result.AD
	d.channelToPeer[msg.ChannelID] = p.SenderID
	d.mu.Unlock()

	if err := d.store.SaveSession(p.SenderID, next); err != nil {
		return nil, err
	}

	return []Decrypted{{ChannelID: msg.ChannelID, Payload: p}}, nil
}

func (d *Dispatcher) decryptDMFollowUp(msg ServerMessage, env envelope.Envelope) ([]Decrypted, error) {
	d.mu.Lock()
	peerID, ok := d.channelToPeer[msg.ChannelID]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: no session for channel %s", haverr.NoSession, msg.ChannelID)
	}
	return d.decryptWithSession(peerID, msg.ChannelID, env.DRMessage)
}

func (d *Dispatcher) decryptWithSession(peerID, channelID string, drMsg ratchet.Message) ([]Decrypted, error) {
	unlock := d.locks.lock(peerID)
	defer unlock()

	d.mu.Lock()
	state, ok := d.dmSessions[peerID]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: no session for peer %s", haverr.NoSession, peerID)
	}

	plaintext, next, err := ratchet.Decrypt(state, drMsg)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.dmSessions[peerID] = next
	d.mu.Unlock()
	if err := d.store.SaveSession(peerID, next); err != nil {
		return nil, err
	}

	var p Payload
	if err := json.Unmarshal(plaintext, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", haverr.Truncated, err)
	}
	return []Decrypted{{ChannelID: channelID, Payload: p}}, nil
}

func (d *Dispatcher) decryptGroup(ctx context.Context, msg ServerMessage, env envelope.Envelope) ([]Decrypted, error) {
	key := recvKey(msg.ChannelID, env.DistributionID)
	unlock := d.locks.lock(key)
	defer unlock()

	d.mu.Lock()
	received, ok := d.receivedSenderKeys[key]
	d.mu.Unlock()

	if !ok {
		if err := d.fetchAndCachePendingSKDMs(ctx, msg.ChannelID); err != nil {
			return nil, err
		}
		d.mu.Lock()
		received, ok = d.receivedSenderKeys[key]
		d.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("%w: channel %s distribution %x", haverr.NoSenderKey, msg.ChannelID, env.DistributionID)
		}
	}

	if env.ChainIndex < received.ChainIndex {
		return nil, fmt.Errorf("%w: channel %s distribution %x chain_index %d", haverr.Replay, msg.ChannelID, env.DistributionID, env.ChainIndex)
	}

	groupEnv := senderkeys.Envelope{
		DistributionID: env.DistributionID,
		ChainIndex:     env.ChainIndex,
		Nonce:          env.Nonce,
		Ciphertext:     env.Ciphertext,
	}

	if env.ChainIndex > received.ChainIndex {
		d.bufferGroupEnvelope(key, env)
		return nil, nil
	}

	results := make([]Decrypted, 0, 1)
	plaintext, err := senderkeys.Decrypt(received, groupEnv, nil)
	if err != nil {
		return nil, err
	}
	results = append(results, decodeGroupPayload(msg.ChannelID, plaintext))

	for {
		d.mu.Lock()
		buffered, ok := d.bufferedGroupMsgs[key][received.ChainIndex]
		if ok {
			delete(d.bufferedGroupMsgs[key], received.ChainIndex)
		}
		d.mu.Unlock()
		if !ok {
			break
		}
		next := senderkeys.Envelope{
			DistributionID: buffered.DistributionID,
			ChainIndex:     buffered.ChainIndex,
			Nonce:          buffered.Nonce,
			Ciphertext:     buffered.Ciphertext,
		}
		pt, err := senderkeys.Decrypt(received, next, nil)
		if err != nil {
			return results, err
		}
		results = append(results, decodeGroupPayload(msg.ChannelID, pt))
	}
	return results, nil
}

func decodeGroupPayload(channelID string, plaintext []byte) Decrypted {
	var p Payload
	_ = json.Unmarshal(plaintext, &p)
	return Decrypted{ChannelID: channelID, Payload: p}
}

func (d *Dispatcher) bufferGroupEnvelope(key string, env envelope.Envelope) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bufferedGroupMsgs[key] == nil {
		d.bufferedGroupMsgs[key] = make(map[uint32]envelope.Envelope)
	}
	d.bufferedGroupMsgs[key][env.ChainIndex] = env
}

func (d *Dispatcher) fetchAndCachePendingSKDMs(ctx context.Context, channelID string) error {
	pending, err := d.api.FetchPendingSKDMs(ctx, channelID)
	if err != nil {
		return fmt.Errorf("%w: fetching pending skdms for %s: %v", haverr.Network, channelID, err)
	}
	for _, p := range pending {
		payload, err := senderkeys.DecryptSKDM(p.EncryptedSKDM, d.selfIdentity.Private, d.selfIdentity.Public)
		if err != nil {
			continue
		}
		distID, chainIndex, chainKey, err := senderkeys.ParseSKDMPayload(payload)
		if err != nil {
			continue
		}
		received := senderkeys.NewReceivedState(distID, chainIndex, chainKey, p.FromUserID)
		d.mu.Lock()
		d.receivedSenderKeys[recvKey(channelID, distID)] = received
		d.mu.Unlock()
	}
	return nil
}

// OnSenderKeysUpdated handles the realtime push channel's hint that a
// channel has new sender key material to fetch.
func (d *Dispatcher) OnSenderKeysUpdated(ctx context.Context, channelID string) error {
	return d.fetchAndCachePendingSKDMs(ctx, channelID)
}

// CheckPeerRotation re-fetches peerID's key bundle and compares its
// identity key against the one pinned from the last fetch. A changed
// identity key invalidates the existing DM session: the session's AD
// was bound to the old identity and can no longer be trusted, so the
// next EnsureSession call must re-run X3DH from scratch. Returns
// whether a rotation was detected.
func (d *Dispatcher) CheckPeerRotation(ctx context.Context, peerID string) (bool, error) {
	bundle, err := d.api.FetchKeyBundle(ctx, peerID)
	if err != nil {
		return false, fmt.Errorf("%w: fetching key bundle for %s: %v", haverr.Network, peerID, err)
	}

	rotated, _ := d.rotations.Observe(peerID, bundle.IdentityPublic)
	if !rotated {
		return false, nil
	}

	unlock := d.locks.lock(peerID)
	defer unlock()

	d.mu.Lock()
	if s, ok := d.dmSessions[peerID]; ok {
		s.Wipe()
	}
	delete(d.dmSessions, peerID)
	delete(d.dmAD, peerID)
	delete(d.pendingInitial, peerID)
	d.mu.Unlock()

	if err := d.store.DeleteSession(peerID); err != nil {
		return true, err
	}
	return true, nil
}

// InvalidateSenderKey drops our outgoing chain for channelID, forcing
// the next EncryptOutgoing call to regenerate and redistribute it
// (e.g. after a member is removed from the channel).
func (d *Dispatcher) InvalidateSenderKey(channelID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.mySenderKeys[channelID]; ok {
		senderkeys.Invalidate(s)
	}
	delete(d.mySenderKeys, channelID)
	delete(d.distributedChannels, channelID)
}
