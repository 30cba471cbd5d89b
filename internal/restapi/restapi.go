// Package restapi implements dispatcher.API over the backend's HTTP
// interface: key bundle lookup, prekey replenishment, channel member
// key lookup, sender key distribution, and message submission.
package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jaydenbeard/haven-e2ee/internal/dispatcher"
	"github.com/jaydenbeard/haven-e2ee/internal/haverr"
	"github.com/jaydenbeard/haven-e2ee/internal/primitives"
	"github.com/jaydenbeard/haven-e2ee/internal/x3dh"
)

// Client is an HTTP-backed dispatcher.API implementation.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New builds a restapi Client bound to a bearer token already obtained
// out of band (login flow, Vault, etc).
func New(baseURL, bearerToken string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   bearerToken,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// TokenExpiresWithin reports whether the bearer token's exp claim is
// within d of now, without verifying the token's signature: expiry
// checks are a local scheduling hint, not an authorization decision.
func (c *Client) TokenExpiresWithin(d time.Duration) (bool, error) {
	claims := jwt.MapClaims{}
	_, _, err := jwt.NewParser().ParseUnverified(c.token, claims)
	if err != nil {
		return false, fmt.Errorf("parsing bearer token: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false, fmt.Errorf("bearer token has no exp claim")
	}
	return time.Until(exp.Time) < d, nil
}

type keyBundleWire struct {
	IdentityPublic        string `json:"identity_public"`
	SignedPreKeyPublic    string `json:"signed_prekey_public"`
	SignedPreKeySignature string `json:"signed_prekey_signature"`
	OneTimePreKeyPublic   string `json:"one_time_prekey_public,omitempty"`
}

func (c *Client) FetchKeyBundle(ctx context.Context, peerUserID string) (x3dh.KeyBundle, error) {
	var wire keyBundleWire
	if err := c.get(ctx, fmt.Sprintf("/v1/users/%s/keys", peerUserID), &wire); err != nil {
		return x3dh.KeyBundle{}, err
	}

	bundle := x3dh.KeyBundle{}
	var err error
	if bundle.IdentityPublic, err = decodeEd25519(wire.IdentityPublic); err != nil {
		return x3dh.KeyBundle{}, err
	}
	if bundle.SignedPreKeyPublic, err = primitives.B64.DecodeString(wire.SignedPreKeyPublic); err != nil {
		return x3dh.KeyBundle{}, fmt.Errorf("%w: decoding signed prekey: %v", haverr.InvalidSignedPreKey, err)
	}
	if bundle.SignedPreKeySignature, err = primitives.B64.DecodeString(wire.SignedPreKeySignature); err != nil {
		return x3dh.KeyBundle{}, fmt.Errorf("%w: decoding signed prekey signature: %v", haverr.InvalidSignedPreKey, err)
	}
	if wire.OneTimePreKeyPublic != "" {
		if bundle.OneTimePreKeyPublic, err = primitives.B64.DecodeString(wire.OneTimePreKeyPublic); err != nil {
			return x3dh.KeyBundle{}, fmt.Errorf("%w: decoding one-time prekey: %v", haverr.InvalidPeerKey, err)
		}
	}
	return bundle, nil
}

func (c *Client) UploadPreKeys(ctx context.Context, prekeysB64 []string) error {
	return c.post(ctx, "/v1/keys/prekeys", map[string]any{"prekeys": prekeysB64}, nil)
}

func (c *Client) PreKeyCount(ctx context.Context) (int, bool, error) {
	var out struct {
		Count              int  `json:"count"`
		NeedsReplenishment bool `json:"needs_replenishment"`
	}
	if err := c.get(ctx, "/v1/keys/prekeys/count", &out); err != nil {
		return 0, false, err
	}
	return out.Count, out.NeedsReplenishment, nil
}

func (c *Client) ChannelMemberKeys(ctx context.Context, channelID string) ([]dispatcher.ChannelMember, error) {
	var wire []struct {
		UserID      string `json:"user_id"`
		IdentityPub string `json:"identity_public"`
	}
	if err := c.get(ctx, fmt.Sprintf("/v1/channels/%s/members/keys", channelID), &wire); err != nil {
		return nil, err
	}
	out := make([]dispatcher.ChannelMember, 0, len(wire))
	for _, m := range wire {
		pub, err := decodeEd25519(m.IdentityPub)
		if err != nil {
			return nil, err
		}
		out = append(out, dispatcher.ChannelMember{UserID: m.UserID, IdentityPub: pub})
	}
	return out, nil
}

func (c *Client) DistributeSKDMs(ctx context.Context, channelID string, distributions []dispatcher.SKDMDistribution) error {
	wire := make([]map[string]any, 0, len(distributions))
	for _, d := range distributions {
		wire = append(wire, map[string]any{
			"to_user_id":      d.ToUserID,
			"distribution_id": primitives.B64.EncodeToString(d.DistributionID[:]),
			"encrypted_skdm":  primitives.B64.EncodeToString(d.EncryptedSKDM),
		})
	}
	return c.post(ctx, fmt.Sprintf("/v1/channels/%s/sender-keys", channelID), map[string]any{"distributions": wire}, nil)
}

func (c *Client) FetchPendingSKDMs(ctx context.Context, channelID string) ([]dispatcher.PendingSKDM, error) {
	var wire []struct {
		FromUserID     string `json:"from_user_id"`
		DistributionID string `json:"distribution_id"`
		EncryptedSKDM  string `json:"encrypted_skdm"`
	}
	if err := c.get(ctx, fmt.Sprintf("/v1/channels/%s/sender-keys/pending", channelID), &wire); err != nil {
		return nil, err
	}
	out := make([]dispatcher.PendingSKDM, 0, len(wire))
	for _, p := range wire {
		distIDBytes, err := primitives.B64.DecodeString(p.DistributionID)
		if err != nil || len(distIDBytes) != 16 {
			return nil, fmt.Errorf("%w: malformed distribution id", haverr.Truncated)
		}
		ct, err := primitives.B64.DecodeString(p.EncryptedSKDM)
		if err != nil {
			return nil, fmt.Errorf("%w: malformed encrypted skdm: %v", haverr.Truncated, err)
		}
		var distID [16]byte
		copy(distID[:], distIDBytes)
		out = append(out, dispatcher.PendingSKDM{FromUserID: p.FromUserID, DistributionID: distID, EncryptedSKDM: ct})
	}
	return out, nil
}

func (c *Client) SendMessage(ctx context.Context, channelID, senderToken, encryptedBody string) error {
	return c.post(ctx, fmt.Sprintf("/v1/channels/%s/messages", channelID), map[string]any{
		"sender_token":   senderToken,
		"encrypted_body": encryptedBody,
	}, nil)
}

func decodeEd25519(b64 string) ([]byte, error) {
	raw, err := primitives.B64.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding identity key: %v", haverr.InvalidPeerKey, err)
	}
	return raw, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("%w: building request: %v", haverr.Network, err)
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: encoding request body: %v", haverr.Network, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("%w: building request: %v", haverr.Network, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", haverr.Network, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: %s returned %d: %s", haverr.Network, req.URL.Path, resp.StatusCode, string(body))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding response: %v", haverr.Network, err)
	}
	return nil
}
