// Package config loads client-side configuration: local environment
// files, HashiCorp Consul service discovery for the messaging
// backend's address, and an optional HashiCorp Vault-backed bearer
// token for REST/realtime auth.
package config

import (
	"fmt"
	"log"
	"os"
	"time"

	consulapi "github.com/hashicorp/consul/api"
	vaultapi "github.com/hashicorp/vault/api"
	"github.com/joho/godotenv"
)

// Config holds everything a client needs to reach the backend and
// open its local store.
type Config struct {
	UserID       string
	StorePath    string
	ServerURL    string
	RealtimeURL  string
	BearerToken  string
	MinioURL     string
	MinioKey     string
	MinioSecret  string
	MinioBucket  string
	RedisURL     string
}

// Load reads environment files (.env, .env.<NODE_ENV>, .env.local),
// resolves the backend address via Consul when CONSUL_URL is set, and
// fetches a bearer token from Vault when VAULT_ADDR is set
// (authenticating with VAULT_TOKEN), falling back to the BEARER_TOKEN
// environment variable.
func Load() (*Config, error) {
	loadEnvFiles()

	serverURL := getEnv("SERVER_URL", "http://localhost:8080")
	if consulURL := os.Getenv("CONSUL_URL"); consulURL != "" {
		if discovered, err := discoverServer(consulURL, getEnv("SERVER_SERVICE_NAME", "haven-messaging")); err != nil {
			log.Printf("consul discovery failed, falling back to SERVER_URL: %v", err)
		} else if discovered != "" {
			serverURL = discovered
		}
	}

	token := getEnv("BEARER_TOKEN", "")
	if vaultAddr := os.Getenv("VAULT_ADDR"); vaultAddr != "" {
		if t, err := fetchBearerTokenFromVault(vaultAddr, os.Getenv("VAULT_TOKEN"), getEnv("VAULT_SECRET_PATH", "secret/data/haven")); err != nil {
			log.Printf("vault token fetch failed, falling back to BEARER_TOKEN: %v", err)
		} else if t != "" {
			token = t
		}
	}

	cfg := &Config{
		UserID:      MustGetEnv("USER_ID"),
		StorePath:   getEnv("STORE_PATH", "./haven.db"),
		ServerURL:   serverURL,
		RealtimeURL: getEnv("REALTIME_URL", wsURLFrom(serverURL)),
		BearerToken: token,
		MinioURL:    getEnv("MINIO_URL", "localhost:9000"),
		MinioKey:    getEnv("MINIO_ACCESS_KEY", "minioadmin"),
		MinioSecret: getEnv("MINIO_SECRET_KEY", "minioadmin123"),
		MinioBucket: getEnv("MINIO_BUCKET", "haven-attachments"),
		RedisURL:    getEnv("REDIS_URL", "localhost:6379"),
	}
	return cfg, nil
}

func loadEnvFiles() {
	_ = godotenv.Load()
	if env := os.Getenv("NODE_ENV"); env != "" {
		_ = godotenv.Load(".env." + env)
	}
	_ = godotenv.Load(".env.local")
}

// discoverServer asks Consul for a healthy instance of serviceName and
// returns its HTTP address.
func discoverServer(consulAddr, serviceName string) (string, error) {
	cfg := consulapi.DefaultConfig()
	cfg.Address = consulAddr
	client, err := consulapi.NewClient(cfg)
	if err != nil {
		return "", fmt.Errorf("creating consul client: %w", err)
	}

	services, _, err := client.Health().Service(serviceName, "", true, &consulapi.QueryOptions{WaitTime: 5 * time.Second})
	if err != nil {
		return "", fmt.Errorf("querying consul for %s: %w", serviceName, err)
	}
	if len(services) == 0 {
		return "", nil
	}
	svc := services[0].Service
	return fmt.Sprintf("http://%s:%d", svc.Address, svc.Port), nil
}

// fetchBearerTokenFromVault reads a client auth token from Vault's
// KV v2 engine at secretPath, under the "bearer_token" key.
func fetchBearerTokenFromVault(addr, token, secretPath string) (string, error) {
	cfg := &vaultapi.Config{Address: addr}
	client, err := vaultapi.NewClient(cfg)
	if err != nil {
		return "", fmt.Errorf("creating vault client: %w", err)
	}
	client.SetToken(token)

	secret, err := client.Logical().Read(secretPath)
	if err != nil {
		return "", fmt.Errorf("reading vault secret: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return "", nil
	}
	data, _ := secret.Data["data"].(map[string]interface{})
	if data == nil {
		data = secret.Data
	}
	t, _ := data["bearer_token"].(string)
	return t, nil
}

func wsURLFrom(httpURL string) string {
	switch {
	case len(httpURL) >= 5 && httpURL[:5] == "https":
		return "wss" + httpURL[5:]
	case len(httpURL) >= 4 && httpURL[:4] == "http":
		return "ws" + httpURL[4:]
	default:
		return httpURL
	}
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// MustGetEnv retrieves an environment variable or fails fast.
func MustGetEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("FATAL: required environment variable %s is not set", key)
	}
	return v
}
