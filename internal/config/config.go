// Package config loads and persists releash.toml: the bind address, port,
// shared auth token, and TLS settings described in §6. Token generation and
// the atomic temp-file-plus-rename write pattern follow the original Rust
// config.rs this spec was distilled from; the TOML encoding itself uses
// BurntSushi/toml, the TOML library most represented in the retrieved
// example pack.
package config

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

const (
	// MinTokenLength is the spec's floor (§3); we generate 48 to match the
	// original implementation's default length.
	MinTokenLength  = 32
	generatedTokenLength = 48

	defaultBind = "127.0.0.1"
	defaultPort = 9700
)

const tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// TLSConfig is the [server.tls] table.
type TLSConfig struct {
	Enabled bool   `toml:"enabled"`
	Cert    string `toml:"cert"`
	Key     string `toml:"key"`
}

// ServerConfig is the [server] table.
type ServerConfig struct {
	Bind  string    `toml:"bind"`
	Port  int       `toml:"port"`
	Token string    `toml:"token"`
	TLS   TLSConfig `toml:"tls"`
}

// Config is the root of releash.toml.
type Config struct {
	Server ServerConfig `toml:"server"`
}

func defaultConfig() Config {
	return Config{Server: ServerConfig{
		Bind: defaultBind,
		Port: defaultPort,
	}}
}

// Load reads path if it exists, filling in any missing fields with defaults,
// generates and persists a token if one is not already set, and returns the
// resulting Config. If path does not exist, a fresh default Config (with a
// newly generated token) is written and returned.
func Load(path string) (Config, error) {
	cfg := defaultConfig()

	if data, err := os.ReadFile(path); err == nil {
		if _, decodeErr := toml.Decode(string(data), &cfg); decodeErr != nil {
			return Config{}, fmt.Errorf("config: parsing %s: %w", path, decodeErr)
		}
		fillDefaults(&cfg)
	} else if !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if cfg.Server.Token == "" {
		token, err := GenerateToken()
		if err != nil {
			return Config{}, err
		}
		cfg.Server.Token = token
	}

	if err := Write(path, cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func fillDefaults(cfg *Config) {
	if cfg.Server.Bind == "" {
		cfg.Server.Bind = defaultBind
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaultPort
	}
}

// GenerateToken returns a random alphanumeric token at least MinTokenLength
// characters long.
func GenerateToken() (string, error) {
	buf := make([]byte, generatedTokenLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("config: generating token: %w", err)
	}
	out := make([]byte, generatedTokenLength)
	for i, b := range buf {
		out[i] = tokenAlphabet[int(b)%len(tokenAlphabet)]
	}
	return string(out), nil
}

// Write serializes cfg as TOML and persists it atomically: the new content
// is written to a temp file in the same directory, then renamed over the
// target so a crash mid-write never leaves a truncated config behind.
func Write(path string, cfg Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("config: creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("config: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	enc := toml.NewEncoder(tmp)
	if err := enc.Encode(cfg); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("config: encoding: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("config: closing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("config: renaming into place: %w", err)
	}
	return nil
}

// Validate enforces §3's invariant: a bind of "any" or "0.0.0.0" requires
// TLS to be enabled.
func Validate(cfg Config) error {
	if (cfg.Server.Bind == "any" || cfg.Server.Bind == "0.0.0.0") && !cfg.Server.TLS.Enabled {
		return fmt.Errorf("config: bind %q requires tls.enabled", cfg.Server.Bind)
	}
	if len(cfg.Server.Token) < MinTokenLength {
		return fmt.Errorf("config: token must be at least %d characters", MinTokenLength)
	}
	return nil
}
