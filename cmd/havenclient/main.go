// Command havenclient is a minimal reference client: it registers (or
// loads) a local identity, ensures a session with a peer, sends one
// message, and listens on the realtime channel for anything that
// arrives back, decrypting everything through the same dispatcher.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jaydenbeard/haven-e2ee/internal/cache"
	"github.com/jaydenbeard/haven-e2ee/internal/config"
	"github.com/jaydenbeard/haven-e2ee/internal/dispatcher"
	"github.com/jaydenbeard/haven-e2ee/internal/keys"
	"github.com/jaydenbeard/haven-e2ee/internal/metrics"
	"github.com/jaydenbeard/haven-e2ee/internal/realtime"
	"github.com/jaydenbeard/haven-e2ee/internal/restapi"
	"github.com/jaydenbeard/haven-e2ee/internal/store"
)

func main() {
	channelID := flag.String("channel", "", "channel id to send into")
	peerID := flag.String("peer", "", "dm peer user id (direct messages only)")
	text := flag.String("text", "", "message text to send; skipped if empty")
	metricsAddr := flag.String("metrics-addr", ":9090", "address to serve /metrics on")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("FATAL: loading config: %v", err)
	}

	db, err := store.Open(cfg.StorePath)
	if err != nil {
		log.Fatalf("FATAL: opening store: %v", err)
	}
	defer db.Close()

	if _, err := db.LoadIdentity(); err != nil {
		log.Printf("no identity found at %s, registering a fresh one", cfg.StorePath)
		if err := register(db); err != nil {
			log.Fatalf("FATAL: registering identity: %v", err)
		}
	}

	var sessionStore dispatcher.Store = db
	if cfg.RedisURL != "" {
		rc, err := cache.NewRedisSessionCache(cfg.RedisURL, cfg.UserID, db)
		if err != nil {
			log.Printf("warning: redis session cache unavailable, falling back to local store only: %v", err)
		} else {
			defer rc.Close()
			sessionStore = rc
		}
	}

	api := restapi.New(cfg.ServerURL, cfg.BearerToken)
	disp, err := dispatcher.New(sessionStore, api, cfg.UserID, dispatcher.Options{})
	if err != nil {
		log.Fatalf("FATAL: constructing dispatcher: %v", err)
	}
	defer disp.Close()
	instrumented := dispatcher.Instrument(disp)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		log.Printf("serving metrics on %s/metrics", *metricsAddr)
		if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := realtime.Dial(ctx, cfg.RealtimeURL, cfg.BearerToken, instrumented)
	if err != nil {
		log.Printf("warning: realtime channel unavailable: %v", err)
	} else {
		go rt.Run(ctx)
		go func() {
			for {
				select {
				case d := <-rt.Decrypted:
					log.Printf("[%s] %s: %s", d.ChannelID, d.Payload.SenderID, d.Payload.Text)
				case err := <-rt.Errors:
					log.Printf("realtime error: %v", err)
				case <-ctx.Done():
					return
				}
			}
		}()
		defer rt.Close()
	}

	if *channelID != "" && *text != "" {
		if *peerID != "" {
			if err := disp.EnsureSession(ctx, *channelID, *peerID); err != nil {
				log.Fatalf("FATAL: establishing session with %s: %v", *peerID, err)
			}
		}
		payload, err := json.Marshal(map[string]string{"sender_id": cfg.UserID, "text": *text})
		if err != nil {
			log.Fatalf("FATAL: encoding payload: %v", err)
		}
		body, token, err := instrumented.EncryptOutgoing(ctx, *channelID, payload)
		if err != nil {
			log.Fatalf("FATAL: encrypting message: %v", err)
		}
		if err := api.SendMessage(ctx, *channelID, token, body); err != nil {
			log.Fatalf("FATAL: sending message: %v", err)
		}
		log.Printf("sent to %s", *channelID)
	}

	<-ctx.Done()
	log.Println("shutting down")
}

func register(db *store.SQLiteStore) error {
	bundle, err := keys.PrepareRegistrationKeys(20)
	if err != nil {
		return err
	}
	if err := db.SaveIdentity(bundle.Identity); err != nil {
		return err
	}
	if err := db.SaveSignedPreKey(bundle.SignedPreKey); err != nil {
		return err
	}
	return db.SaveOneTimePreKeys(bundle.OneTimePreKeys)
}
