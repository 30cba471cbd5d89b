package dispatcher

import (
	"context"
	"errors"
	"time"

	"github.com/jaydenbeard/haven-e2ee/internal/haverr"
	"github.com/jaydenbeard/haven-e2ee/internal/metrics"
)

// Instrumented wraps a Dispatcher to record Prometheus metrics around
// every encrypt/decrypt call without the routing logic itself needing
// to know metrics exist.
type Instrumented struct {
	*Dispatcher
}

// Instrument wraps d for metrics recording.
func Instrument(d *Dispatcher) *Instrumented {
	return &Instrumented{Dispatcher: d}
}

func (i *Instrumented) EncryptOutgoing(ctx context.Context, channelID string, payloadJSON []byte) (string, string, error) {
	start := time.Now()
	i.mu.Lock()
	_, isDM := i.channelToPeer[channelID]
	wasDistributed := i.distributedChannels[channelID]
	i.mu.Unlock()
	path := "group"
	if isDM {
		path = "dm"
	}

	body, token, err := i.Dispatcher.EncryptOutgoing(ctx, channelID, payloadJSON)
	metrics.OperationLatency.WithLabelValues("encrypt").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.EncryptTotal.WithLabelValues(path, "error").Inc()
		return body, token, err
	}
	metrics.EncryptTotal.WithLabelValues(path, "ok").Inc()
	if !isDM && !wasDistributed {
		metrics.SenderKeyDistributionsTotal.WithLabelValues(channelID).Inc()
	}
	return body, token, nil
}

func (i *Instrumented) DecryptIncoming(ctx context.Context, msg ServerMessage) ([]Decrypted, error) {
	start := time.Now()
	out, err := i.Dispatcher.DecryptIncoming(ctx, msg)
	metrics.OperationLatency.WithLabelValues("decrypt").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.DecryptTotal.WithLabelValues("unknown", "error").Inc()
		recordErrorKind(err)
		return out, err
	}
	metrics.DecryptTotal.WithLabelValues("unknown", "ok").Inc()

	i.mu.Lock()
	buffered := 0
	for _, m := range i.bufferedGroupMsgs {
		buffered += len(m)
	}
	i.mu.Unlock()
	metrics.GroupMessagesBuffered.Set(float64(buffered))

	return out, nil
}

func recordErrorKind(err error) {
	kinds := []struct {
		name string
		kind haverr.Kind
	}{
		{"not_ready", haverr.NotReady},
		{"invalid_peer_key", haverr.InvalidPeerKey},
		{"invalid_signed_prekey", haverr.InvalidSignedPreKey},
		{"bad_ciphertext", haverr.BadCiphertext},
		{"truncated", haverr.Truncated},
		{"unknown_envelope_type", haverr.UnknownEnvelopeType},
		{"no_session", haverr.NoSession},
		{"no_sender_key", haverr.NoSenderKey},
		{"replay", haverr.Replay},
		{"too_many_skipped", haverr.TooManySkipped},
		{"network", haverr.Network},
		{"store", haverr.Store},
	}
	for _, k := range kinds {
		if errors.Is(err, k.kind) {
			metrics.DecryptErrorsByKind.WithLabelValues(k.name).Inc()
			return
		}
	}
	metrics.DecryptErrorsByKind.WithLabelValues("other").Inc()
}
