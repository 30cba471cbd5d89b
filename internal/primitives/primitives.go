// Package primitives implements the cryptographic building blocks the
// rest of the Haven core is built from: HKDF-SHA256, HMAC-SHA256,
// X25519 Diffie-Hellman, Ed25519 signing and its conversion to X25519,
// XChaCha20-Poly1305 and XSalsa20-Poly1305 (secretbox) AEAD, sealed
// box, a CSPRNG wrapper, and base64.
//
// Nothing in this package talks to a store, the network, or any other
// subsystem — it is pure, allocation-light cryptography so the rest of
// the core can be reasoned about independently of it.
package primitives

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/jaydenbeard/haven-e2ee/internal/haverr"
)

// Sizes, in bytes, of the values this package produces and consumes.
const (
	KeySize         = 32
	SignatureSize   = ed25519.SignatureSize
	SecretboxNonceN = 24
	SealedBoxOverhead = box.AnonymousOverhead
	// MaxHKDFLength is RFC 5869's bound on expand output: 255 * hash size.
	MaxHKDFLength = 255 * 32
)

// B64 is the non-URL-safe, padded base64 alphabet used on the wire.
var B64 = base64.StdEncoding

// RandBytes returns n cryptographically random bytes from the OS CSPRNG.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("%w: reading random bytes: %v", haverr.Store, err)
	}
	return b, nil
}

// HKDF performs extract-then-expand HKDF-SHA256 over ikm, salted with
// salt and bound to info, producing L bytes. L must not exceed
// MaxHKDFLength.
func HKDF(salt, ikm, info []byte, length int) ([]byte, error) {
	if length > MaxHKDFLength {
		return nil, fmt.Errorf("%w: hkdf length %d exceeds maximum %d", haverr.NotReady, length, MaxHKDFLength)
	}
	r := hkdf.New(sha256.New, ikm, salt, info)
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("%w: hkdf expand: %v", haverr.NotReady, err)
	}
	return out, nil
}

// HMAC256 computes HMAC-SHA256(key, data). key must be 32 bytes.
func HMAC256(key, data []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: hmac key must be %d bytes, got %d", haverr.NotReady, KeySize, len(key))
	}
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil), nil
}

// GenerateX25519 generates a fresh X25519 key pair.
func GenerateX25519() (priv, pub []byte, err error) {
	priv, err = RandBytes(curve25519.ScalarSize)
	if err != nil {
		return nil, nil, err
	}
	clamp(priv)
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: deriving x25519 public key: %v", haverr.InvalidPeerKey, err)
	}
	return priv, pub, nil
}

func clamp(k []byte) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}

// DHPublic derives the X25519 public key for a clamped private scalar.
func DHPublic(priv []byte) ([]byte, error) {
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: deriving x25519 public key: %v", haverr.InvalidPeerKey, err)
	}
	return pub, nil
}

// DH computes the X25519 shared secret between priv and pub, rejecting
// an all-zero output (a low-order point attack).
func DH(priv, pub []byte) ([]byte, error) {
	if len(pub) != curve25519.PointSize {
		return nil, fmt.Errorf("%w: public key must be %d bytes, got %d", haverr.InvalidPeerKey, curve25519.PointSize, len(pub))
	}
	out, err := curve25519.X25519(priv, pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", haverr.InvalidPeerKey, err)
	}
	if subtle.ConstantTimeCompare(out, make([]byte, len(out))) == 1 {
		return nil, fmt.Errorf("%w: dh output is all-zero", haverr.InvalidPeerKey)
	}
	return out, nil
}

// GenerateEd25519 generates a fresh Ed25519 signing key pair.
func GenerateEd25519() (ed25519.PrivateKey, ed25519.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: generating ed25519 key: %v", haverr.Store, err)
	}
	return priv, pub, nil
}

// Sign signs msg with an Ed25519 private key.
func Sign(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

// Verify reports whether sig is a valid Ed25519 signature over msg by pub.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// Ed25519PublicToX25519 converts an Ed25519 (Edwards) public key to its
// X25519 (Montgomery) form via u = (1+y)/(1-y) mod p.
func Ed25519PublicToX25519(edPub ed25519.PublicKey) ([]byte, error) {
	if len(edPub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: ed25519 public key must be %d bytes", haverr.InvalidPeerKey, ed25519.PublicKeySize)
	}
	y := unpackY(edPub)
	p := curve25519FieldPrime()

	one := big.NewInt(1)
	num := new(big.Int).Add(one, y)
	num.Mod(num, p)
	den := new(big.Int).Sub(one, y)
	den.Mod(den, p)
	den.ModInverse(den, p)
	if den == nil {
		return nil, fmt.Errorf("%w: y=1 has no valid x25519 conversion", haverr.InvalidPeerKey)
	}
	u := num.Mul(num, den)
	u.Mod(u, p)

	out := make([]byte, 32)
	b := u.Bytes()
	// big.Int.Bytes is big-endian; the wire form is little-endian.
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out, nil
}

// Ed25519PrivateToX25519 converts an Ed25519 private key (seed||pub) to
// its X25519 scalar via clamped SHA-512 truncation, the same derivation
// Ed25519 itself uses internally to build its signing scalar.
func Ed25519PrivateToX25519(edPriv ed25519.PrivateKey) ([]byte, error) {
	if len(edPriv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: ed25519 private key must be %d bytes", haverr.InvalidPeerKey, ed25519.PrivateKeySize)
	}
	seed := edPriv.Seed()
	h := sha512.Sum512(seed)
	x := make([]byte, 32)
	copy(x, h[:32])
	clamp(x)
	return x, nil
}

// EncryptXChaCha20Poly1305 encrypts plaintext under key (32 bytes) with
// a random 24-byte nonce, authenticating aad. Returns nonce||ciphertext.
func EncryptXChaCha20Poly1305(key, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: constructing xchacha20poly1305: %v", haverr.NotReady, err)
	}
	nonce, err := RandBytes(chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, err
	}
	ct := aead.Seal(nil, nonce, plaintext, aad)
	return append(nonce, ct...), nil
}

// DecryptXChaCha20Poly1305 reverses EncryptXChaCha20Poly1305.
func DecryptXChaCha20Poly1305(key, wire, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: constructing xchacha20poly1305: %v", haverr.NotReady, err)
	}
	if len(wire) < chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("%w: ciphertext shorter than nonce", haverr.Truncated)
	}
	nonce, ct := wire[:chacha20poly1305.NonceSizeX], wire[chacha20poly1305.NonceSizeX:]
	pt, err := aead.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", haverr.BadCiphertext, err)
	}
	return pt, nil
}

// EncryptXChaCha20Poly1305Detached encrypts plaintext with a fresh
// random 24-byte nonce and returns the nonce and ciphertext separately,
// for wire formats (like the group envelope) that carry the nonce in
// its own fixed-width field rather than prefixed to the ciphertext.
func EncryptXChaCha20Poly1305Detached(key, plaintext, aad []byte) (nonce, ciphertext []byte, err error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: constructing xchacha20poly1305: %v", haverr.NotReady, err)
	}
	nonce, err = RandBytes(chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, nil, err
	}
	return nonce, aead.Seal(nil, nonce, plaintext, aad), nil
}

// DecryptXChaCha20Poly1305Detached reverses EncryptXChaCha20Poly1305Detached.
func DecryptXChaCha20Poly1305Detached(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: constructing xchacha20poly1305: %v", haverr.NotReady, err)
	}
	pt, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", haverr.BadCiphertext, err)
	}
	return pt, nil
}

// SealSecretboxWithNonce encrypts plaintext with XSalsa20-Poly1305
// (secretbox) under a caller-supplied 24-byte nonce. Used by the
// Double Ratchet, where a fresh message key mk is used exactly once so
// a constant all-zero nonce is safe. aad is not authenticated by
// secretbox directly; callers that need associated data must bind it
// into the key or prepend it to the plaintext framing.
func SealSecretboxWithNonce(key [32]byte, nonce [SecretboxNonceN]byte, plaintext []byte) []byte {
	return secretbox.Seal(nil, plaintext, &nonce, &key)
}

// OpenSecretboxWithNonce reverses SealSecretboxWithNonce.
func OpenSecretboxWithNonce(key [32]byte, nonce [SecretboxNonceN]byte, ciphertext []byte) ([]byte, error) {
	pt, ok := secretbox.Open(nil, ciphertext, &nonce, &key)
	if !ok {
		return nil, fmt.Errorf("%w: secretbox open failed", haverr.BadCiphertext)
	}
	return pt, nil
}

// EncryptSecretBox encrypts plaintext with XSalsa20-Poly1305 under a
// random 24-byte nonce, returning nonce||ciphertext.
func EncryptSecretBox(key32 [32]byte, plaintext []byte) ([]byte, error) {
	var nonce [SecretboxNonceN]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("%w: generating nonce: %v", haverr.Store, err)
	}
	out := secretbox.Seal(nonce[:], plaintext, &nonce, &key32)
	return out, nil
}

// DecryptSecretBox reverses EncryptSecretBox.
func DecryptSecretBox(key32 [32]byte, wire []byte) ([]byte, error) {
	if len(wire) < SecretboxNonceN {
		return nil, fmt.Errorf("%w: ciphertext shorter than nonce", haverr.Truncated)
	}
	var nonce [SecretboxNonceN]byte
	copy(nonce[:], wire[:SecretboxNonceN])
	pt, ok := secretbox.Open(nil, wire[SecretboxNonceN:], &nonce, &key32)
	if !ok {
		return nil, fmt.Errorf("%w: secretbox open failed", haverr.BadCiphertext)
	}
	return pt, nil
}

// SealAnonymous anonymously encrypts plaintext to recipientPub (an
// X25519 public key) using a sealed box: an ephemeral sender key is
// generated, used once, and discarded; the recipient learns nothing
// about who sent the message beyond the ciphertext itself.
func SealAnonymous(recipientPub [32]byte, plaintext []byte) ([]byte, error) {
	ct, err := box.SealAnonymous(nil, plaintext, &recipientPub, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: sealed box encrypt: %v", haverr.NotReady, err)
	}
	return ct, nil
}

// OpenAnonymous opens a sealed box addressed to (pub, priv).
func OpenAnonymous(pub, priv [32]byte, ciphertext []byte) ([]byte, error) {
	pt, ok := box.OpenAnonymous(nil, ciphertext, &pub, &priv)
	if !ok {
		return nil, fmt.Errorf("%w: sealed box open failed", haverr.BadCiphertext)
	}
	return pt, nil
}

// unpackY recovers the little-endian y-coordinate encoded in an
// Ed25519 public key (the sign bit of x lives in the top bit of the
// last byte and is irrelevant to the X25519 conversion).
func unpackY(edPub ed25519.PublicKey) *big.Int {
	buf := make([]byte, ed25519.PublicKeySize)
	copy(buf, edPub)
	buf[31] &= 0x7f
	// buf is little-endian; big.Int wants big-endian.
	be := make([]byte, len(buf))
	for i, b := range buf {
		be[len(buf)-1-i] = b
	}
	return new(big.Int).SetBytes(be)
}

// curve25519FieldPrime returns 2^255 - 19, the field prime shared by
// Curve25519 and edwards25519.
func curve25519FieldPrime() *big.Int {
	p := new(big.Int).Lsh(big.NewInt(1), 255)
	p.Sub(p, big.NewInt(19))
	return p
}
