// Package haverr defines the error taxonomy shared by every layer of the
// Haven end-to-end encryption core.
package haverr

import "errors"

// Kind identifies a class of failure from the core's error taxonomy.
// Callers should compare against these sentinels with errors.Is, never
// by inspecting error strings.
type Kind error

var (
	// NotReady is returned when a primitive or session is used before
	// the material it needs has been initialized.
	NotReady Kind = errors.New("haven: not ready")
	// InvalidPeerKey is returned for a zero Diffie-Hellman share or a
	// malformed public key length.
	InvalidPeerKey Kind = errors.New("haven: invalid peer key")
	// InvalidSignedPreKey is returned when a signed prekey's signature
	// fails to verify against the claimed identity key.
	InvalidSignedPreKey Kind = errors.New("haven: invalid signed prekey signature")
	// BadCiphertext is returned when AEAD tag verification fails.
	BadCiphertext Kind = errors.New("haven: bad ciphertext")
	// Truncated is returned when a wire value is shorter than its
	// required prefix.
	Truncated Kind = errors.New("haven: truncated input")
	// UnknownEnvelopeType is returned when an envelope's first byte is
	// not a recognized type.
	UnknownEnvelopeType Kind = errors.New("haven: unknown envelope type")
	// NoSession is returned when a DM follow-up envelope arrives before
	// any initial envelope established a session.
	NoSession Kind = errors.New("haven: no session for channel")
	// NoSenderKey is returned when a group envelope references a
	// (channel, distribution_id) pair this device has never received,
	// even after a refresh.
	NoSenderKey Kind = errors.New("haven: no sender key for distribution")
	// Replay is returned when a group envelope's chain index is not
	// greater than the last index this device decrypted.
	Replay Kind = errors.New("haven: replayed chain index")
	// TooManySkipped is returned when honoring a message's counter
	// would grow the skipped-key cache past MAX_SKIP.
	TooManySkipped Kind = errors.New("haven: too many skipped message keys")
	// Network is returned when a REST or realtime I/O call fails or
	// times out.
	Network Kind = errors.New("haven: network failure")
	// Store is returned when the persisted store fails an operation.
	Store Kind = errors.New("haven: store failure")
)
