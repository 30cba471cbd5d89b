// Package payload implements the symmetric AEAD encryption spec §4.F
// describes for everything that is not a message: profile fields,
// attachments, the profile key's sealed-box distribution, and the
// session backup blob.
package payload

import (
	"fmt"

	"golang.org/x/crypto/argon2"

	"github.com/jaydenbeard/haven-e2ee/internal/haverr"
	"github.com/jaydenbeard/haven-e2ee/internal/primitives"
)

// EncryptProfile seals profile field JSON under the channel/contact
// profile key with XChaCha20-Poly1305, wire = nonce(24) || ciphertext.
func EncryptProfile(profileKey [32]byte, fieldsJSON []byte) ([]byte, error) {
	return primitives.EncryptXChaCha20Poly1305(profileKey[:], fieldsJSON, nil)
}

// DecryptProfile reverses EncryptProfile. Inputs shorter than the
// 24-byte nonce fail with Truncated.
func DecryptProfile(profileKey [32]byte, wire []byte) ([]byte, error) {
	if len(wire) < 24 {
		return nil, fmt.Errorf("%w: profile ciphertext shorter than nonce", haverr.Truncated)
	}
	return primitives.DecryptXChaCha20Poly1305(profileKey[:], wire, nil)
}

// EncryptProfileKeyFor seals a profile key to a recipient's identity
// key (converted from Ed25519 to X25519) via sealed box.
func EncryptProfileKeyFor(profileKey [32]byte, recipientIdentityEdPub []byte) ([]byte, error) {
	xPub, err := primitives.Ed25519PublicToX25519(recipientIdentityEdPub)
	if err != nil {
		return nil, err
	}
	var pubArr [32]byte
	copy(pubArr[:], xPub)
	return primitives.SealAnonymous(pubArr, profileKey[:])
}

// DecryptProfileKey opens a sealed profile key addressed to our identity key.
func DecryptProfileKey(ciphertext []byte, selfIdentityEdPriv, selfIdentityEdPub []byte) ([32]byte, error) {
	var out [32]byte
	xPriv, err := primitives.Ed25519PrivateToX25519(selfIdentityEdPriv)
	if err != nil {
		return out, err
	}
	xPub, err := primitives.Ed25519PublicToX25519(selfIdentityEdPub)
	if err != nil {
		return out, err
	}
	var privArr, pubArr [32]byte
	copy(privArr[:], xPriv)
	copy(pubArr[:], xPub)
	pt, err := primitives.OpenAnonymous(pubArr, privArr, ciphertext)
	if err != nil {
		return out, err
	}
	if len(pt) != 32 {
		return out, fmt.Errorf("%w: decrypted profile key is %d bytes, want 32", haverr.BadCiphertext, len(pt))
	}
	copy(out[:], pt)
	return out, nil
}

// EncryptedFile is an end-to-end encrypted attachment: the key and
// nonce travel inside the message payload, not alongside the
// ciphertext on the server.
type EncryptedFile struct {
	Ciphertext []byte
	Key        [32]byte
	Nonce      [24]byte
}

// EncryptFile seals plaintext under a freshly generated key and nonce.
func EncryptFile(plaintext []byte) (EncryptedFile, error) {
	var ef EncryptedFile
	keyBytes, err := primitives.RandBytes(32)
	if err != nil {
		return ef, err
	}
	copy(ef.Key[:], keyBytes)
	nonceBytes, err := primitives.RandBytes(24)
	if err != nil {
		return ef, err
	}
	copy(ef.Nonce[:], nonceBytes)
	ef.Ciphertext = primitives.SealSecretboxWithNonce(ef.Key, ef.Nonce, plaintext)
	return ef, nil
}

// DecryptFile reverses EncryptFile.
func DecryptFile(ciphertext []byte, key [32]byte, nonce [24]byte) ([]byte, error) {
	return primitives.OpenSecretboxWithNonce(key, nonce, ciphertext)
}

// Argon2Params mirrors the "interactive" profile used for passphrase
// key derivation: tuned for backup unlock on a client device, not for
// a server authenticating a high-throughput login.
type Argon2Params struct {
	Time    uint32
	Memory  uint32
	Threads uint8
}

// InteractiveArgon2Params returns OWASP's interactive-login profile:
// one pass over 64 MiB, four lanes. Suitable for unlocking a local
// backup where the user is waiting synchronously.
func InteractiveArgon2Params() Argon2Params {
	return Argon2Params{Time: 1, Memory: 64 * 1024, Threads: 4}
}

// DeriveBackupKey runs Argon2id over passphrase with salt, producing a
// 32-byte key suitable for EncryptBackup/DecryptBackup.
func DeriveBackupKey(passphrase string, salt []byte, params Argon2Params) [32]byte {
	var out [32]byte
	key := argon2.IDKey([]byte(passphrase), salt, params.Time, params.Memory, params.Threads, 32)
	copy(out[:], key)
	return out
}

// EncryptBackup seals an opaque backup payload (typically a serialized
// session set) under a passphrase-derived key.
func EncryptBackup(key [32]byte, payload []byte) ([]byte, error) {
	return primitives.EncryptSecretBox(key, payload)
}

// DecryptBackup reverses EncryptBackup.
func DecryptBackup(key [32]byte, wire []byte) ([]byte, error) {
	return primitives.DecryptSecretBox(key, wire)
}
