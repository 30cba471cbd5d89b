// Package envelope implements the wire codec (spec §4.G): a single
// typed, length-prefixed-by-convention binary format shared by every
// encrypted payload this core produces, base64-encoded at the
// boundary into the server's encrypted_body field.
package envelope

import (
	"encoding/binary"
	"fmt"

	"github.com/jaydenbeard/haven-e2ee/internal/haverr"
	"github.com/jaydenbeard/haven-e2ee/internal/primitives"
	"github.com/jaydenbeard/haven-e2ee/internal/ratchet"
)

// Type is the envelope's discriminating first byte.
type Type byte

const (
	TypeLegacyCleartext Type = 0x00
	TypeDMInitial       Type = 0x01
	TypeDMFollowUp      Type = 0x02
	TypeGroup           Type = 0x03
)

// Envelope is the decoded form of any wire envelope. Exactly one of
// the typed fields is populated, selected by Type.
type Envelope struct {
	Type Type

	// TypeLegacyCleartext
	LegacyJSON []byte

	// TypeDMInitial
	SenderIdentityPub  []byte
	SenderEphemeralPub []byte
	UsedOTP            bool
	OTPPub             []byte // only if UsedOTP
	DRMessage          ratchet.Message

	// TypeDMFollowUp
	// DRMessage (shared with TypeDMInitial)

	// TypeGroup
	DistributionID [16]byte
	ChainIndex     uint32
	Nonce          []byte
	Ciphertext     []byte
}

// EncodeDRMessage serializes a Double Ratchet message to
// dh_pub[32] || pn(u32 BE) || n(u32 BE) || aead_ciphertext_with_tag.
func EncodeDRMessage(m ratchet.Message) []byte {
	return append(m.Header.Encode(), m.Ciphertext...)
}

// DecodeDRMessage reverses EncodeDRMessage.
func DecodeDRMessage(data []byte) (ratchet.Message, error) {
	h, err := ratchet.DecodeHeader(data)
	if err != nil {
		return ratchet.Message{}, err
	}
	return ratchet.Message{Header: h, Ciphertext: append([]byte{}, data[40:]...)}, nil
}

// Build serializes an Envelope to its wire bytes (not base64-encoded;
// callers base64-encode the result for the server's encrypted_body field).
func Build(e Envelope) ([]byte, error) {
	switch e.Type {
	case TypeLegacyCleartext:
		return append([]byte{byte(TypeLegacyCleartext)}, e.LegacyJSON...), nil

	case TypeDMInitial:
		if len(e.SenderIdentityPub) != 32 || len(e.SenderEphemeralPub) != 32 {
			return nil, fmt.Errorf("%w: dm initial requires 32-byte identity and ephemeral keys", haverr.Truncated)
		}
		buf := []byte{byte(TypeDMInitial)}
		buf = append(buf, e.SenderIdentityPub...)
		buf = append(buf, e.SenderEphemeralPub...)
		if e.UsedOTP {
			buf = append(buf, 1)
			if len(e.OTPPub) != 32 {
				return nil, fmt.Errorf("%w: used_otp set but otp_pub is not 32 bytes", haverr.Truncated)
			}
			buf = append(buf, e.OTPPub...)
		} else {
			buf = append(buf, 0)
		}
		buf = append(buf, EncodeDRMessage(e.DRMessage)...)
		return buf, nil

	case TypeDMFollowUp:
		return append([]byte{byte(TypeDMFollowUp)}, EncodeDRMessage(e.DRMessage)...), nil

	case TypeGroup:
		if len(e.Nonce) != 24 {
			return nil, fmt.Errorf("%w: group envelope nonce must be 24 bytes", haverr.Truncated)
		}
		buf := []byte{byte(TypeGroup)}
		buf = append(buf, e.DistributionID[:]...)
		idx := make([]byte, 4)
		binary.LittleEndian.PutUint32(idx, e.ChainIndex)
		buf = append(buf, idx...)
		buf = append(buf, e.Nonce...)
		buf = append(buf, e.Ciphertext...)
		return buf, nil

	default:
		return nil, fmt.Errorf("%w: type %#x", haverr.UnknownEnvelopeType, e.Type)
	}
}

// Parse decodes wire bytes into an Envelope, dispatching on the first byte.
func Parse(data []byte) (Envelope, error) {
	if len(data) < 1 {
		return Envelope{}, fmt.Errorf("%w: envelope is empty", haverr.Truncated)
	}
	t := Type(data[0])
	body := data[1:]

	switch t {
	case TypeLegacyCleartext:
		return Envelope{Type: t, LegacyJSON: append([]byte{}, body...)}, nil

	case TypeDMInitial:
		if len(body) < 32+32+1 {
			return Envelope{}, fmt.Errorf("%w: dm initial envelope too short", haverr.Truncated)
		}
		e := Envelope{Type: t}
		e.SenderIdentityPub = append([]byte{}, body[:32]...)
		e.SenderEphemeralPub = append([]byte{}, body[32:64]...)
		usedOTP := body[64] != 0
		e.UsedOTP = usedOTP
		rest := body[65:]
		if usedOTP {
			if len(rest) < 32 {
				return Envelope{}, fmt.Errorf("%w: dm initial missing otp_pub", haverr.Truncated)
			}
			e.OTPPub = append([]byte{}, rest[:32]...)
			rest = rest[32:]
		}
		msg, err := DecodeDRMessage(rest)
		if err != nil {
			return Envelope{}, err
		}
		e.DRMessage = msg
		return e, nil

	case TypeDMFollowUp:
		msg, err := DecodeDRMessage(body)
		if err != nil {
			return Envelope{}, err
		}
		return Envelope{Type: t, DRMessage: msg}, nil

	case TypeGroup:
		if len(body) < 16+4+24 {
			return Envelope{}, fmt.Errorf("%w: group envelope too short", haverr.Truncated)
		}
		e := Envelope{Type: t}
		copy(e.DistributionID[:], body[:16])
		e.ChainIndex = binary.LittleEndian.Uint32(body[16:20])
		e.Nonce = append([]byte{}, body[20:44]...)
		e.Ciphertext = append([]byte{}, body[44:]...)
		return e, nil

	default:
		return Envelope{}, fmt.Errorf("%w: type %#x", haverr.UnknownEnvelopeType, t)
	}
}

// EncodeBase64 serializes and base64-encodes an Envelope for the
// server's encrypted_body field.
func EncodeBase64(e Envelope) (string, error) {
	wire, err := Build(e)
	if err != nil {
		return "", err
	}
	return primitives.B64.EncodeToString(wire), nil
}

// DecodeBase64 reverses EncodeBase64.
func DecodeBase64(s string) (Envelope, error) {
	wire, err := primitives.B64.DecodeString(s)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: invalid base64 envelope: %v", haverr.Truncated, err)
	}
	return Parse(wire)
}
