package dispatcher

import "encoding/json"

// Payload is the plaintext JSON carried inside a Double Ratchet or
// Sender Key ciphertext (spec §6). Fields beyond the known set are
// preserved verbatim in Extra so a client that re-encrypts a stored
// plaintext never silently drops data it didn't understand.
type Payload struct {
	SenderID     string                     `json:"sender_id"`
	Text         string                     `json:"text"`
	Attachments  []json.RawMessage          `json:"attachments,omitempty"`
	ContentType  string                     `json:"content_type,omitempty"`
	Formatting   json.RawMessage            `json:"formatting,omitempty"`
	LinkPreviews []json.RawMessage          `json:"link_previews,omitempty"`
	Extra        map[string]json.RawMessage `json:"-"`
}

type payloadAlias Payload

// UnmarshalJSON decodes the known fields and stashes everything else in Extra.
func (p *Payload) UnmarshalJSON(data []byte) error {
	var alias payloadAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	*p = Payload(alias)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	known := map[string]bool{
		"sender_id": true, "text": true, "attachments": true,
		"content_type": true, "formatting": true, "link_previews": true,
	}
	p.Extra = make(map[string]json.RawMessage)
	for k, v := range raw {
		if !known[k] {
			p.Extra[k] = v
		}
	}
	return nil
}

// MarshalJSON re-encodes the known fields and merges Extra back in.
func (p Payload) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(payloadAlias(p))
	if err != nil {
		return nil, err
	}
	if len(p.Extra) == 0 {
		return base, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range p.Extra {
		merged[k] = v
	}
	return json.Marshal(merged)
}
