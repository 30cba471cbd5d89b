package dispatcher

import (
	"context"

	"github.com/jaydenbeard/haven-e2ee/internal/keys"
	"github.com/jaydenbeard/haven-e2ee/internal/ratchet"
	"github.com/jaydenbeard/haven-e2ee/internal/x3dh"
)

// Store is the persisted-store contract (spec §6): identity and
// prekey material, the one-time prekey pool with atomic consumption,
// and Double Ratchet session snapshots keyed by peer id.
type Store interface {
	SaveIdentity(*keys.Identity) error
	LoadIdentity() (*keys.Identity, error)

	SaveSignedPreKey(*keys.SignedPreKey) error
	LoadSignedPreKey() (*keys.SignedPreKey, error)

	SaveOneTimePreKeys([]*keys.OneTimePreKey) error
	// ConsumeOneTimePreKey atomically looks up and deletes the OPK
	// matching pub, returning ok=false if none was found.
	ConsumeOneTimePreKey(pub []byte) (opk *keys.OneTimePreKey, ok bool, err error)

	SaveSession(peerID string, state *ratchet.State) error
	LoadSession(peerID string) (state *ratchet.State, ok bool, err error)
	DeleteSession(peerID string) error
}

// ChannelMember is one member's identity key, as returned by the
// channel-member-keys endpoint.
type ChannelMember struct {
	UserID      string
	IdentityPub []byte
}

// SKDMDistribution is one outbound, per-recipient sealed SKDM.
type SKDMDistribution struct {
	ToUserID       string
	DistributionID [16]byte
	EncryptedSKDM  []byte
}

// PendingSKDM is one inbound sealed SKDM fetched from the server.
type PendingSKDM struct {
	FromUserID     string
	DistributionID [16]byte
	EncryptedSKDM  []byte
}

// API is the REST contract this core consumes (spec §6).
type API interface {
	FetchKeyBundle(ctx context.Context, peerUserID string) (x3dh.KeyBundle, error)
	UploadPreKeys(ctx context.Context, prekeysB64 []string) error
	PreKeyCount(ctx context.Context) (count int, needsReplenishment bool, err error)
	ChannelMemberKeys(ctx context.Context, channelID string) ([]ChannelMember, error)
	DistributeSKDMs(ctx context.Context, channelID string, distributions []SKDMDistribution) error
	FetchPendingSKDMs(ctx context.Context, channelID string) ([]PendingSKDM, error)
	SendMessage(ctx context.Context, channelID, senderToken, encryptedBody string) error
}

// ServerMessage is what the realtime push channel or a history fetch
// delivers: server fields plus the base64 envelope.
type ServerMessage struct {
	ChannelID     string
	SenderID      string
	EncryptedBody string
}
