// Package realtime maintains the push channel that delivers envelopes
// and sender-key-updated hints into the dispatcher as they arrive,
// instead of the application having to poll for new messages.
package realtime

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jaydenbeard/haven-e2ee/internal/dispatcher"
	"github.com/jaydenbeard/haven-e2ee/internal/haverr"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// decryptor is the subset of *dispatcher.Dispatcher (or
// *dispatcher.Instrumented) the push loop needs.
type decryptor interface {
	DecryptIncoming(ctx context.Context, msg dispatcher.ServerMessage) ([]dispatcher.Decrypted, error)
	OnSenderKeysUpdated(ctx context.Context, channelID string) error
}

type inboundFrame struct {
	Type          string `json:"type"` // "message" or "sender_keys_updated"
	ChannelID     string `json:"channel_id"`
	SenderID      string `json:"sender_id"`
	EncryptedBody string `json:"encrypted_body"`
}

// Client is a single push-channel connection.
type Client struct {
	conn *websocket.Conn
	disp decryptor

	Decrypted chan dispatcher.Decrypted
	Errors    chan error
}

// Dial opens the push channel connection, authenticating with the
// same bearer token used for REST calls.
func Dial(ctx context.Context, url, bearerToken string, disp decryptor) (*Client, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+bearerToken)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing realtime channel: %v", haverr.Network, err)
	}

	c := &Client{
		conn:      conn,
		disp:      disp,
		Decrypted: make(chan dispatcher.Decrypted, 64),
		Errors:    make(chan error, 16),
	}
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	return c, nil
}

// Run reads frames until the connection closes or ctx is canceled,
// pushing decrypted payloads onto Decrypted and routing hints into the
// dispatcher. It blocks; call it from its own goroutine.
func (c *Client) Run(ctx context.Context) {
	go c.pingLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			c.conn.Close()
			return
		default:
		}

		var frame inboundFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			c.Errors <- fmt.Errorf("%w: reading realtime frame: %v", haverr.Network, err)
			return
		}

		switch frame.Type {
		case "sender_keys_updated":
			if err := c.disp.OnSenderKeysUpdated(ctx, frame.ChannelID); err != nil {
				c.Errors <- err
			}

		case "message":
			results, err := c.disp.DecryptIncoming(ctx, dispatcher.ServerMessage{
				ChannelID:     frame.ChannelID,
				SenderID:      frame.SenderID,
				EncryptedBody: frame.EncryptedBody,
			})
			if err != nil {
				c.Errors <- err
				continue
			}
			for _, r := range results {
				c.Decrypted <- r
			}

		default:
			log.Printf("realtime: ignoring unknown frame type %q", frame.Type)
		}
	}
}

func (c *Client) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Errors <- fmt.Errorf("%w: writing ping: %v", haverr.Network, err)
				return
			}
		}
	}
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
