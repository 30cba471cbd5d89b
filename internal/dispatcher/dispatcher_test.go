package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jaydenbeard/haven-e2ee/internal/haverr"
	"github.com/jaydenbeard/haven-e2ee/internal/keys"
	"github.com/jaydenbeard/haven-e2ee/internal/primitives"
)

type harness struct {
	server *fakeServer
	store  *fakeStore
	api    *fakeAPI
	disp   *Dispatcher
}

func newHarness(t *testing.T, server *fakeServer, userID string, nOPKs int) *harness {
	t.Helper()
	bundle, err := keys.PrepareRegistrationKeys(nOPKs)
	require.NoError(t, err)

	store := newFakeStore()
	require.NoError(t, store.SaveIdentity(bundle.Identity))
	require.NoError(t, store.SaveSignedPreKey(bundle.SignedPreKey))
	require.NoError(t, store.SaveOneTimePreKeys(bundle.OneTimePreKeys))

	server.register(userID, bundle)
	api := newFakeAPI(server, userID)

	disp, err := New(store, api, userID, Options{})
	require.NoError(t, err)

	return &harness{server: server, store: store, api: api, disp: disp}
}

func textPayload(t *testing.T, senderID, text string) []byte {
	t.Helper()
	b, err := json.Marshal(Payload{SenderID: senderID, Text: text})
	require.NoError(t, err)
	return b
}

// Scenario 1: DM initial message consumes an OPK, the follow-up does not,
// and a long exchange round-trips in both directions.
func TestDMInitialThenFollowUpRoundTrip(t *testing.T) {
	ctx := context.Background()
	server := newFakeServer()
	alice := newHarness(t, server, "alice", 5)
	bob := newHarness(t, server, "bob", 5)

	require.NoError(t, alice.disp.EnsureSession(ctx, "dm-alice-bob", "bob"))

	// First message: initial envelope, should consume Bob's OPK.
	before := len(bob.store.otps)
	body1, _, err := alice.disp.EncryptOutgoing(ctx, "dm-alice-bob", textPayload(t, "alice", "hello bob"))
	require.NoError(t, err)

	out, err := bob.disp.DecryptIncoming(ctx, ServerMessage{ChannelID: "dm-alice-bob", SenderID: "alice", EncryptedBody: body1})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "hello bob", out[0].Payload.Text)
	require.Equal(t, before-1, len(bob.store.otps), "the first message must consume exactly one OPK")

	require.NoError(t, bob.disp.EnsureSession(ctx, "dm-alice-bob", "alice"))

	// Bob replies, Alice decrypts.
	body2, _, err := bob.disp.EncryptOutgoing(ctx, "dm-alice-bob", textPayload(t, "bob", "hi alice"))
	require.NoError(t, err)
	out2, err := alice.disp.DecryptIncoming(ctx, ServerMessage{ChannelID: "dm-alice-bob", SenderID: "bob", EncryptedBody: body2})
	require.NoError(t, err)
	require.Len(t, out2, 1)
	require.Equal(t, "hi alice", out2[0].Payload.Text)

	// 20 more messages, alternating senders, all must round-trip.
	for i := 0; i < 20; i++ {
		if i%2 == 0 {
			body, _, err := alice.disp.EncryptOutgoing(ctx, "dm-alice-bob", textPayload(t, "alice", "ping"))
			require.NoError(t, err)
			got, err := bob.disp.DecryptIncoming(ctx, ServerMessage{ChannelID: "dm-alice-bob", SenderID: "alice", EncryptedBody: body})
			require.NoError(t, err)
			require.Len(t, got, 1)
			require.Equal(t, "ping", got[0].Payload.Text)
		} else {
			body, _, err := bob.disp.EncryptOutgoing(ctx, "dm-alice-bob", textPayload(t, "bob", "pong"))
			require.NoError(t, err)
			got, err := alice.disp.DecryptIncoming(ctx, ServerMessage{ChannelID: "dm-alice-bob", SenderID: "bob", EncryptedBody: body})
			require.NoError(t, err)
			require.Len(t, got, 1)
			require.Equal(t, "pong", got[0].Payload.Text)
		}
	}

	// Close zeroizes every session both dispatchers hold.
	alice.disp.Close()
	bob.disp.Close()
}

// Scenario 2: messages delivered out of order still all decrypt.
func TestDMOutOfOrderDelivery(t *testing.T) {
	ctx := context.Background()
	server := newFakeServer()
	alice := newHarness(t, server, "alice", 5)
	bob := newHarness(t, server, "bob", 5)

	require.NoError(t, alice.disp.EnsureSession(ctx, "dm", "bob"))

	bodies := make([]string, 4)
	for i := range bodies {
		b, _, err := alice.disp.EncryptOutgoing(ctx, "dm", textPayload(t, "alice", "msg"))
		require.NoError(t, err)
		bodies[i] = b
	}

	order := []int{1, 3, 0, 2}
	for _, idx := range order {
		out, err := bob.disp.DecryptIncoming(ctx, ServerMessage{ChannelID: "dm", SenderID: "alice", EncryptedBody: bodies[idx]})
		require.NoErrorf(t, err, "message %d should decrypt out of order", idx)
		require.Len(t, out, 1)
	}
}

// Scenario 3: repeated round trips each exercise a fresh DH ratchet step
// (post-compromise recovery), and every step still round-trips correctly.
func TestDMRepeatedRatchetSteps(t *testing.T) {
	ctx := context.Background()
	server := newFakeServer()
	alice := newHarness(t, server, "alice", 3)
	bob := newHarness(t, server, "bob", 3)

	require.NoError(t, alice.disp.EnsureSession(ctx, "dm", "bob"))
	body, _, err := alice.disp.EncryptOutgoing(ctx, "dm", textPayload(t, "alice", "start"))
	require.NoError(t, err)
	_, err = bob.disp.DecryptIncoming(ctx, ServerMessage{ChannelID: "dm", SenderID: "alice", EncryptedBody: body})
	require.NoError(t, err)
	require.NoError(t, bob.disp.EnsureSession(ctx, "dm", "alice"))

	for epoch := 0; epoch < 5; epoch++ {
		b1, _, err := bob.disp.EncryptOutgoing(ctx, "dm", textPayload(t, "bob", "from bob"))
		require.NoError(t, err)
		out1, err := alice.disp.DecryptIncoming(ctx, ServerMessage{ChannelID: "dm", SenderID: "bob", EncryptedBody: b1})
		require.NoError(t, err)
		require.Equal(t, "from bob", out1[0].Payload.Text)

		b2, _, err := alice.disp.EncryptOutgoing(ctx, "dm", textPayload(t, "alice", "from alice"))
		require.NoError(t, err)
		out2, err := bob.disp.DecryptIncoming(ctx, ServerMessage{ChannelID: "dm", SenderID: "alice", EncryptedBody: b2})
		require.NoError(t, err)
		require.Equal(t, "from alice", out2[0].Payload.Text)
	}
}

// Scenario 4: sending into a channel with no prior distribution triggers
// SKDM distribution automatically; a message arriving ahead of a gap is
// buffered and released once the missing one is fetched; resubmitting the
// gap-filler afterward is rejected as a replay.
func TestGroupSendWithoutPriorDistributionAndBuffering(t *testing.T) {
	ctx := context.Background()
	server := newFakeServer()
	alice := newHarness(t, server, "alice", 1)
	bob := newHarness(t, server, "bob", 1)
	carol := newHarness(t, server, "carol", 1)

	server.setChannel("group1", "alice", "bob", "carol")
	bob.api.peerOf["group1"] = "alice"
	carol.api.peerOf["group1"] = "alice"

	var bodies []string
	for i := 0; i < 5; i++ {
		b, _, err := alice.disp.EncryptOutgoing(ctx, "group1", textPayload(t, "alice", "group msg"))
		require.NoError(t, err)
		bodies = append(bodies, b)
	}
	require.True(t, server.channels["group1"] != nil)

	// Bob receives messages 0,1,2,4 first -- message 3 (index 3) is missing
	// and its later arrival should buffer message 4 until it's filled in.
	for _, idx := range []int{0, 1, 2} {
		out, err := bob.disp.DecryptIncoming(ctx, ServerMessage{ChannelID: "group1", SenderID: "alice", EncryptedBody: bodies[idx]})
		require.NoError(t, err)
		require.Len(t, out, 1)
	}

	// message index 4 arrives before index 3: it must be buffered, not decrypted yet.
	out, err := bob.disp.DecryptIncoming(ctx, ServerMessage{ChannelID: "group1", SenderID: "alice", EncryptedBody: bodies[4]})
	require.NoError(t, err)
	require.Len(t, out, 0)

	// message index 3 arrives: it decrypts, and draining the buffer also
	// releases the previously-buffered message 4.
	out, err = bob.disp.DecryptIncoming(ctx, ServerMessage{ChannelID: "group1", SenderID: "alice", EncryptedBody: bodies[3]})
	require.NoError(t, err)
	require.Len(t, out, 2)

	// Resubmitting message index 3 now is a replay.
	_, err = bob.disp.DecryptIncoming(ctx, ServerMessage{ChannelID: "group1", SenderID: "alice", EncryptedBody: bodies[3]})
	require.Error(t, err)
	require.True(t, errors.Is(err, haverr.Replay))

	// Carol, who never fetched before, can still bootstrap from the server's
	// pending SKDM queue and decrypt the in-order messages.
	for _, idx := range []int{0, 1, 2} {
		out, err := carol.disp.DecryptIncoming(ctx, ServerMessage{ChannelID: "group1", SenderID: "alice", EncryptedBody: bodies[idx]})
		require.NoError(t, err)
		require.Len(t, out, 1)
	}
}

// Scenario 5: removing a member invalidates the sender key; the next send
// regenerates and redistributes a fresh chain under a new distribution id,
// and the receiver picks up that chain and decrypts the post-rotation message.
func TestGroupMemberRotationInvalidatesSenderKey(t *testing.T) {
	ctx := context.Background()
	server := newFakeServer()
	alice := newHarness(t, server, "alice", 1)
	bob := newHarness(t, server, "bob", 1)

	server.setChannel("group2", "alice", "bob")
	bob.api.peerOf["group2"] = "alice"

	body1, _, err := alice.disp.EncryptOutgoing(ctx, "group2", textPayload(t, "alice", "before rotation"))
	require.NoError(t, err)
	out1, err := bob.disp.DecryptIncoming(ctx, ServerMessage{ChannelID: "group2", SenderID: "alice", EncryptedBody: body1})
	require.NoError(t, err)
	require.Len(t, out1, 1)

	firstDistribution := alice.disp.mySenderKeys["group2"].DistributionID

	alice.disp.InvalidateSenderKey("group2")

	body2, _, err := alice.disp.EncryptOutgoing(ctx, "group2", textPayload(t, "alice", "after rotation"))
	require.NoError(t, err)

	secondDistribution := alice.disp.mySenderKeys["group2"].DistributionID
	require.NotEqual(t, firstDistribution, secondDistribution, "rotation must produce a fresh distribution id")

	out2, err := bob.disp.DecryptIncoming(ctx, ServerMessage{ChannelID: "group2", SenderID: "alice", EncryptedBody: body2})
	require.NoError(t, err)
	require.Len(t, out2, 1)
	require.Equal(t, "after rotation", out2[0].Payload.Text)
}

// Unknown channel with no session and no distribution produces NoSession / NoSenderKey, not a panic.
func TestDecryptIncomingUnknownChannel(t *testing.T) {
	ctx := context.Background()
	server := newFakeServer()
	bob := newHarness(t, server, "bob", 1)

	env := mustFollowUpLookingEnvelope(t)
	_, err := bob.disp.DecryptIncoming(ctx, ServerMessage{ChannelID: "never-seen", SenderID: "ghost", EncryptedBody: env})
	require.Error(t, err)
}

// Instrument must not change dispatch behavior, only observe it.
func TestInstrumentedDispatcherBehavesIdentically(t *testing.T) {
	ctx := context.Background()
	server := newFakeServer()
	alice := newHarness(t, server, "alice", 2)
	bob := newHarness(t, server, "bob", 2)

	aliceInstr := Instrument(alice.disp)
	require.NoError(t, aliceInstr.EnsureSession(ctx, "dm", "bob"))

	body, _, err := aliceInstr.EncryptOutgoing(ctx, "dm", textPayload(t, "alice", "hello"))
	require.NoError(t, err)

	out, err := bob.disp.DecryptIncoming(ctx, ServerMessage{ChannelID: "dm", SenderID: "alice", EncryptedBody: body})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "hello", out[0].Payload.Text)
}

func mustFollowUpLookingEnvelope(t *testing.T) string {
	t.Helper()
	// A syntactically valid but meaningless follow-up envelope: 1 type byte + 40 header bytes + some ciphertext.
	raw := make([]byte, 1+40+16)
	raw[0] = 0x02
	return primitives.B64.EncodeToString(raw)
}
