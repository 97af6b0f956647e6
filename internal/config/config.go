// Package config resolves process configuration for the chunkflow binaries.
// Defaults live in code, the CHUNKFLOW_* environment overrides them, and
// command-line flags override both.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ServeConfig holds configuration for the serving daemon.
type ServeConfig struct {
	WSAddr         string   // WebSocket listen address, empty disables
	QUICAddr       string   // QUIC listen address, empty disables
	LogLevel       string
	MaxChunkSize   uint32   // max data chunk payload in bytes
	WindowBytes    uint32   // receive window seeded into new transfers
	MinDelayMicros uint32   // pacing announced to transmitting peers, 0 = none
	PoolCapacity   int      // concurrent transfer sessions per link
	Resources      []string // "id=path" bindings
}

// ClientConfig holds configuration for the client binary.
type ClientConfig struct {
	ServerURL    string // ws:// URL or quic://host:port
	LogLevel     string
	MaxChunkSize uint32
	WindowBytes  uint32
	Legacy       bool // speak the legacy protocol generation
}

// ServeFromEnv returns the serve defaults with environment overrides
// applied. Flag binding on top of this is the caller's business.
func ServeFromEnv() ServeConfig {
	cfg := ServeConfig{
		WSAddr:       ":8448",
		LogLevel:     "info",
		MaxChunkSize: 4096,
		WindowBytes:  32 * 1024,
		PoolCapacity: 4,
	}
	cfg.WSAddr = envStr("CHUNKFLOW_WS_ADDR", cfg.WSAddr)
	cfg.QUICAddr = envStr("CHUNKFLOW_QUIC_ADDR", cfg.QUICAddr)
	cfg.LogLevel = envStr("CHUNKFLOW_LOG_LEVEL", cfg.LogLevel)
	cfg.MaxChunkSize = envUint32("CHUNKFLOW_MAX_CHUNK_SIZE", cfg.MaxChunkSize)
	cfg.WindowBytes = envUint32("CHUNKFLOW_WINDOW_BYTES", cfg.WindowBytes)
	cfg.MinDelayMicros = envUint32("CHUNKFLOW_MIN_DELAY_MICROS", cfg.MinDelayMicros)
	if v := envStr("CHUNKFLOW_POOL_CAPACITY", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.PoolCapacity = n
		}
	}
	if v := envStr("CHUNKFLOW_RESOURCES", ""); v != "" {
		cfg.Resources = strings.Split(v, ",")
	}
	return cfg
}

// ClientFromEnv returns the client defaults with environment overrides
// applied.
func ClientFromEnv() ClientConfig {
	cfg := ClientConfig{
		ServerURL:    "ws://localhost:8448",
		LogLevel:     "info",
		MaxChunkSize: 4096,
		WindowBytes:  32 * 1024,
	}
	cfg.ServerURL = envStr("CHUNKFLOW_SERVER_URL", cfg.ServerURL)
	cfg.LogLevel = envStr("CHUNKFLOW_LOG_LEVEL", cfg.LogLevel)
	cfg.MaxChunkSize = envUint32("CHUNKFLOW_MAX_CHUNK_SIZE", cfg.MaxChunkSize)
	cfg.WindowBytes = envUint32("CHUNKFLOW_WINDOW_BYTES", cfg.WindowBytes)
	return cfg
}

// ParseResource splits an "id=path" binding.
func ParseResource(spec string) (uint32, string, error) {
	id, path, ok := strings.Cut(spec, "=")
	if !ok {
		return 0, "", fmt.Errorf("resource %q: want id=path", spec)
	}
	n, err := strconv.ParseUint(strings.TrimSpace(id), 10, 32)
	if err != nil {
		return 0, "", fmt.Errorf("resource %q: bad id: %w", spec, err)
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return 0, "", fmt.Errorf("resource %q: empty path", spec)
	}
	return uint32(n), path, nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envUint32(key string, def uint32) uint32 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return def
	}
	return uint32(n)
}
