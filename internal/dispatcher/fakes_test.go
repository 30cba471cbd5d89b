package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/jaydenbeard/haven-e2ee/internal/haverr"
	"github.com/jaydenbeard/haven-e2ee/internal/keys"
	"github.com/jaydenbeard/haven-e2ee/internal/primitives"
	"github.com/jaydenbeard/haven-e2ee/internal/ratchet"
	"github.com/jaydenbeard/haven-e2ee/internal/x3dh"
)

// fakeStore is an in-memory Store used only by tests.
type fakeStore struct {
	mu       sync.Mutex
	identity *keys.Identity
	spk      *keys.SignedPreKey
	otps     map[string]*keys.OneTimePreKey // keyed by base64 public
	sessions map[string][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{otps: make(map[string]*keys.OneTimePreKey), sessions: make(map[string][]byte)}
}

func (s *fakeStore) SaveIdentity(id *keys.Identity) error { s.identity = id; return nil }
func (s *fakeStore) LoadIdentity() (*keys.Identity, error) {
	if s.identity == nil {
		return nil, fmt.Errorf("%w: no identity", haverr.Store)
	}
	return s.identity, nil
}
func (s *fakeStore) SaveSignedPreKey(spk *keys.SignedPreKey) error { s.spk = spk; return nil }
func (s *fakeStore) LoadSignedPreKey() (*keys.SignedPreKey, error) {
	if s.spk == nil {
		return nil, fmt.Errorf("%w: no signed prekey", haverr.Store)
	}
	return s.spk, nil
}
func (s *fakeStore) SaveOneTimePreKeys(opks []*keys.OneTimePreKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range opks {
		s.otps[primitives.B64.EncodeToString(o.Public)] = o
	}
	return nil
}
func (s *fakeStore) ConsumeOneTimePreKey(pub []byte) (*keys.OneTimePreKey, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := primitives.B64.EncodeToString(pub)
	o, ok := s.otps[k]
	if !ok {
		return nil, false, nil
	}
	delete(s.otps, k)
	return o, true, nil
}
func (s *fakeStore) SaveSession(peerID string, state *ratchet.State) error {
	blob, err := state.Serialize()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sessions[peerID] = blob
	s.mu.Unlock()
	return nil
}
func (s *fakeStore) LoadSession(peerID string) (*ratchet.State, bool, error) {
	s.mu.Lock()
	blob, ok := s.sessions[peerID]
	s.mu.Unlock()
	if !ok {
		return nil, false, nil
	}
	state, err := ratchet.Deserialize(blob)
	return state, true, err
}
func (s *fakeStore) DeleteSession(peerID string) error {
	s.mu.Lock()
	delete(s.sessions, peerID)
	s.mu.Unlock()
	return nil
}

// registeredUser is what the fake server keeps about a registered identity.
type registeredUser struct {
	identityPub      []byte
	signedPreKeyPub  []byte
	signedPreKeySig  []byte
	oneTimePreKeys   [][]byte // public halves, consumed (popped) on fetch
}

// fakeServer simulates the REST backend shared by every fakeAPI in a test.
type fakeServer struct {
	mu       sync.Mutex
	users    map[string]*registeredUser
	channels map[string][]string // channel_id -> member user ids
	pending  map[string][]PendingSKDM // "channel:toUser" -> queue
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		users:    make(map[string]*registeredUser),
		channels: make(map[string][]string),
		pending:  make(map[string][]PendingSKDM),
	}
}

func (f *fakeServer) register(userID string, bundle *keys.RegistrationBundle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	otps := make([][]byte, len(bundle.OneTimePreKeys))
	for i, o := range bundle.OneTimePreKeys {
		otps[i] = o.Public
	}
	f.users[userID] = &registeredUser{
		identityPub:     bundle.Identity.Public,
		signedPreKeyPub: bundle.SignedPreKey.Public,
		signedPreKeySig: bundle.SignedPreKey.Signature,
		oneTimePreKeys:  otps,
	}
}

func (f *fakeServer) setChannel(channelID string, memberUserIDs ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels[channelID] = memberUserIDs
}

func (f *fakeServer) fetchBundle(peerUserID string) (x3dh.KeyBundle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[peerUserID]
	if !ok {
		return x3dh.KeyBundle{}, fmt.Errorf("%w: unknown user %s", haverr.Network, peerUserID)
	}
	bundle := x3dh.KeyBundle{
		IdentityPublic:        u.identityPub,
		SignedPreKeyPublic:    u.signedPreKeyPub,
		SignedPreKeySignature: u.signedPreKeySig,
	}
	if len(u.oneTimePreKeys) > 0 {
		bundle.OneTimePreKeyPublic = u.oneTimePreKeys[0]
		u.oneTimePreKeys = u.oneTimePreKeys[1:]
	}
	return bundle, nil
}

func (f *fakeServer) memberKeys(channelID string) []ChannelMember {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ChannelMember
	for _, uid := range f.channels[channelID] {
		if u, ok := f.users[uid]; ok {
			out = append(out, ChannelMember{UserID: uid, IdentityPub: u.identityPub})
		}
	}
	return out
}

func (f *fakeServer) distribute(channelID string, distributions []SKDMDistribution) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range distributions {
		key := channelID + ":" + d.ToUserID
		f.pending[key] = append(f.pending[key], PendingSKDM{
			DistributionID: d.DistributionID,
			EncryptedSKDM:  d.EncryptedSKDM,
		})
	}
}

func (f *fakeServer) fetchPending(channelID, forUserID string, fromUserID string) []PendingSKDM {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := channelID + ":" + forUserID
	out := f.pending[key]
	f.pending[key] = nil
	for i := range out {
		out[i].FromUserID = fromUserID
	}
	return out
}

// fakeAPI is one user's view of the shared fakeServer.
type fakeAPI struct {
	server *fakeServer
	selfID string
	peerOf map[string]string // channel_id -> sender user id, for attributing pending SKDMs in tests
}

func newFakeAPI(server *fakeServer, selfID string) *fakeAPI {
	return &fakeAPI{server: server, selfID: selfID, peerOf: make(map[string]string)}
}

func (a *fakeAPI) FetchKeyBundle(ctx context.Context, peerUserID string) (x3dh.KeyBundle, error) {
	return a.server.fetchBundle(peerUserID)
}
func (a *fakeAPI) UploadPreKeys(ctx context.Context, prekeysB64 []string) error { return nil }
func (a *fakeAPI) PreKeyCount(ctx context.Context) (int, bool, error)          { return 0, false, nil }
func (a *fakeAPI) ChannelMemberKeys(ctx context.Context, channelID string) ([]ChannelMember, error) {
	return a.server.memberKeys(channelID), nil
}
func (a *fakeAPI) DistributeSKDMs(ctx context.Context, channelID string, distributions []SKDMDistribution) error {
	a.server.distribute(channelID, distributions)
	return nil
}
func (a *fakeAPI) FetchPendingSKDMs(ctx context.Context, channelID string) ([]PendingSKDM, error) {
	return a.server.fetchPending(channelID, a.selfID, a.peerOf[channelID]), nil
}
func (a *fakeAPI) SendMessage(ctx context.Context, channelID, senderToken, encryptedBody string) error {
	return nil
}
