package keys

import (
	"bytes"
	"crypto/ed25519"
	"sync"
	"time"
)

// PinnedIdentity is the last identity public key this client observed
// for a given peer, and when it was first pinned.
type PinnedIdentity struct {
	UserID      string
	Public      ed25519.PublicKey
	PinnedAt    time.Time
	RotatedFrom ed25519.PublicKey // nil unless this pin replaced an older one
}

// RotationLog tracks peer identity keys across fetches so a rotation
// can be detected and reacted to instead of silently trusting whatever
// key bundle the server hands back next. A session built against an AD
// that bound the old identity key can no longer be trusted once the
// peer's identity key changes: the associated data no longer matches
// what the peer is actually signing with, and the session must be torn
// down and re-established via a fresh X3DH handshake.
type RotationLog struct {
	mu   sync.Mutex
	seen map[string]PinnedIdentity
}

// NewRotationLog returns an empty log.
func NewRotationLog() *RotationLog {
	return &RotationLog{seen: make(map[string]PinnedIdentity)}
}

// Observe records a freshly fetched identity key for peerUserID and
// reports whether it differs from a previously pinned key for the same
// peer. The first observation for a peer is never a rotation.
func (l *RotationLog) Observe(peerUserID string, identityPub ed25519.PublicKey) (rotated bool, previous ed25519.PublicKey) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prior, known := l.seen[peerUserID]
	if known && !bytes.Equal(prior.Public, identityPub) {
		l.seen[peerUserID] = PinnedIdentity{
			UserID:      peerUserID,
			Public:      append(ed25519.PublicKey(nil), identityPub...),
			PinnedAt:    timeNow(),
			RotatedFrom: prior.Public,
		}
		return true, prior.Public
	}

	if !known {
		l.seen[peerUserID] = PinnedIdentity{
			UserID:   peerUserID,
			Public:   append(ed25519.PublicKey(nil), identityPub...),
			PinnedAt: timeNow(),
		}
	}
	return false, nil
}

// Pinned returns the currently pinned identity for a peer, if any.
func (l *RotationLog) Pinned(peerUserID string) (PinnedIdentity, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.seen[peerUserID]
	return p, ok
}

// Forget drops any pinned identity for a peer, e.g. after the caller
// has handled a rotation and re-established a session.
func (l *RotationLog) Forget(peerUserID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.seen, peerUserID)
}

var timeNow = time.Now
