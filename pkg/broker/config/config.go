// Package config loads the broker's internal tunables from the environment
// using small envOr-style helpers. Outer-wrapper concerns — CORS, static
// routing, API-doc generation, env-var loading for the process as a whole —
// remain the external HTTP wrapper's job and are not modeled here.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr string

	OpenAIAPIKey      string
	UpstreamModel     string
	UpstreamWSBaseURL string
	VectorStoreID     string
	RAGModel          string

	AudioChunkBytes int

	UpstreamHandshakeTimeout time.Duration
	UpstreamKeepaliveInterval time.Duration

	ClientHeartbeatInterval time.Duration
	ClientWriteTimeout      time.Duration

	ToolRateLimitInterval time.Duration
	RAGCacheTTL           time.Duration

	MaxToolCallsBuffered int
	OutboundQueueSize    int

	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

// LoadFromEnv reads the broker configuration from the process environment.
// OPENAI_API_KEY absence is a hard startup failure per the upstream realtime
// protocol's authorization requirement.
func LoadFromEnv() (Config, error) {
	apiKey := strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	if apiKey == "" {
		return Config{}, fmt.Errorf("OPENAI_API_KEY is required")
	}

	cfg := Config{
		Addr:                      envOr("SONJU_ADDR", ":8080"),
		OpenAIAPIKey:              apiKey,
		UpstreamModel:             envOr("SONJU_UPSTREAM_MODEL", "gpt-4o-realtime-preview"),
		UpstreamWSBaseURL:         envOr("SONJU_UPSTREAM_WS_BASE_URL", "wss://api.openai.com/v1/realtime"),
		VectorStoreID:             envOr("SONJU_VECTOR_STORE_ID", ""),
		RAGModel:                  envOr("SONJU_RAG_MODEL", "gpt-4o-mini"),
		AudioChunkBytes:           envIntOr("SONJU_AUDIO_CHUNK_BYTES", 12288),
		UpstreamHandshakeTimeout:  envDurationOr("SONJU_UPSTREAM_HANDSHAKE_TIMEOUT", 15*time.Second),
		UpstreamKeepaliveInterval: envDurationOr("SONJU_UPSTREAM_KEEPALIVE_INTERVAL", 20*time.Second),
		ClientHeartbeatInterval:   envDurationOr("SONJU_CLIENT_HEARTBEAT_INTERVAL", 30*time.Second),
		ClientWriteTimeout:        envDurationOr("SONJU_CLIENT_WRITE_TIMEOUT", 5*time.Second),
		ToolRateLimitInterval:     envDurationOr("SONJU_TOOL_RATE_LIMIT_INTERVAL", 1200*time.Millisecond),
		RAGCacheTTL:               envDurationOr("SONJU_RAG_CACHE_TTL", 5*time.Minute),
		MaxToolCallsBuffered:      envIntOr("SONJU_MAX_TOOL_CALLS_BUFFERED", 32),
		OutboundQueueSize:         envIntOr("SONJU_OUTBOUND_QUEUE_SIZE", 128),
		ReadHeaderTimeout:         envDurationOr("SONJU_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:       envDurationOr("SONJU_SHUTDOWN_GRACE_PERIOD", 10*time.Second),
	}
	return cfg, nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envIntOr(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
