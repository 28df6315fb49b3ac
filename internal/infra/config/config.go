package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"

	"synapsis/internal/domain"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SYNAPSIS_"

// KeyEnv names the passphrase variable used to decrypt "enc:" values.
const KeyEnv = EnvPrefix + "CONFIG_KEY"

const encPrefix = "enc:"

// Config is the top-level application configuration.
type Config struct {
	Logger   LoggerConfig  `yaml:"logger"`
	Tracer   TracerConfig  `yaml:"tracer"`
	Channel  ChannelConfig `yaml:"channel"`
	Session  SessionConfig `yaml:"session"`
	Gateway  GatewayConfig `yaml:"gateway"`
	Includes []string      `yaml:"includes,omitempty"`
}

// ChannelConfig holds the Phoenix socket settings. An empty URL runs every
// session offline: intents update local state and nothing is pushed.
type ChannelConfig struct {
	URL               string            `yaml:"url"`
	Token             string            `yaml:"token"`
	Params            map[string]string `yaml:"params,omitempty"`
	HeartbeatInterval time.Duration     `yaml:"heartbeat_interval"`
	JoinTimeout       time.Duration     `yaml:"join_timeout"`
	PushTimeout       time.Duration     `yaml:"push_timeout"`
	SendBuffer        int               `yaml:"send_buffer"`
}

// Offline reports whether no remote socket is configured.
func (c ChannelConfig) Offline() bool { return c.URL == "" }

// SessionConfig holds per-session settings and the sessions opened at start.
type SessionConfig struct {
	QueueSize int      `yaml:"queue_size"`
	IDs       []string `yaml:"ids,omitempty"`
}

// GatewayConfig holds WebSocket gateway settings.
type GatewayConfig struct {
	Enabled   bool            `yaml:"enabled"`
	Addr      string          `yaml:"addr"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// AuthConfig holds gateway authentication settings.
type AuthConfig struct {
	Tokens []TokenConfig `yaml:"tokens,omitempty"`
}

// TokenConfig holds a single gateway auth token.
type TokenConfig struct {
	Token string `yaml:"token"`
	Name  string `yaml:"name"`
}

// RateLimitConfig configures the per-IP limiter in front of the gateway.
// A zero RequestsPerMin disables it.
type RateLimitConfig struct {
	RequestsPerMin int      `yaml:"requests_per_min"`
	Burst          int      `yaml:"burst"`
	TrustedProxies []string `yaml:"trusted_proxies,omitempty"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
		Channel: ChannelConfig{
			HeartbeatInterval: 30 * time.Second,
			JoinTimeout:       10 * time.Second,
			PushTimeout:       5 * time.Second,
			SendBuffer:        256,
		},
		Session: SessionConfig{
			QueueSize: 256,
		},
		Gateway: GatewayConfig{
			Enabled: false,
			Addr:    "127.0.0.1:8790",
			RateLimit: RateLimitConfig{
				RequestsPerMin: 600,
				Burst:          60,
			},
		},
	}
}

// Load reads a YAML config file, applies env var overrides, decrypts secrets
// and validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		data = nil
	case err != nil:
		return nil, fmt.Errorf("%w: read %s: %w", domain.ErrConfigLoad, path, err)
	}

	if data != nil {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("%w: resolve path: %w", domain.ErrConfigLoad, err)
		}
		if err := validatePermissions(absPath); err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: parse %s: %w", domain.ErrConfigLoad, path, err)
		}
		if len(cfg.Includes) > 0 {
			inc := newIncluder(absPath)
			if err := inc.apply(cfg); err != nil {
				return nil, err
			}
			// The main file wins over its includes.
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("%w: parse %s: %w", domain.ErrConfigLoad, path, err)
			}
			cfg.Includes = nil
		}
	}

	if err := ApplyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if passphrase := os.Getenv(KeyEnv); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps SYNAPSIS_* env vars to config fields. A value that
// does not parse is reported rather than ignored.
func ApplyEnvOverrides(cfg *Config) error {
	env := envReader{}

	env.str("LOGGER_LEVEL", &cfg.Logger.Level)
	env.str("LOGGER_FORMAT", &cfg.Logger.Format)
	env.str("LOGGER_OUTPUT", &cfg.Logger.Output)
	env.boolean("TRACER_ENABLED", &cfg.Tracer.Enabled)
	env.str("TRACER_EXPORTER", &cfg.Tracer.Exporter)

	env.str("CHANNEL_URL", &cfg.Channel.URL)
	env.str("CHANNEL_TOKEN", &cfg.Channel.Token)
	env.duration("CHANNEL_HEARTBEAT_INTERVAL", &cfg.Channel.HeartbeatInterval)
	env.duration("CHANNEL_JOIN_TIMEOUT", &cfg.Channel.JoinTimeout)
	env.duration("CHANNEL_PUSH_TIMEOUT", &cfg.Channel.PushTimeout)
	env.integer("CHANNEL_SEND_BUFFER", &cfg.Channel.SendBuffer)

	env.integer("SESSION_QUEUE_SIZE", &cfg.Session.QueueSize)
	if v := os.Getenv(EnvPrefix + "SESSION_IDS"); v != "" {
		cfg.Session.IDs = splitAndTrim(v, ",")
	}

	env.boolean("GATEWAY_ENABLED", &cfg.Gateway.Enabled)
	env.str("GATEWAY_ADDR", &cfg.Gateway.Addr)
	if v := os.Getenv(EnvPrefix + "GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Auth.Tokens = append(cfg.Gateway.Auth.Tokens, TokenConfig{Token: v, Name: "env"})
	}
	env.integer("GATEWAY_RATE_LIMIT_RPM", &cfg.Gateway.RateLimit.RequestsPerMin)
	env.integer("GATEWAY_RATE_LIMIT_BURST", &cfg.Gateway.RateLimit.Burst)

	if len(env.errs) > 0 {
		return fmt.Errorf("%w: %w", domain.ErrConfigLoad, errors.Join(env.errs...))
	}
	return nil
}

// envReader collects parse failures while applying overrides.
type envReader struct {
	errs []error
}

func (e *envReader) lookup(key string) (string, bool) {
	v := os.Getenv(EnvPrefix + key)
	return v, v != ""
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.lookup(key); ok {
		*dst = v
	}
}

func (e *envReader) boolean(key string, dst *bool) {
	if v, ok := e.lookup(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
			return
		}
		*dst = b
	}
}

func (e *envReader) integer(key string, dst *int) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
			return
		}
		*dst = n
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	if v, ok := e.lookup(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
			return
		}
		*dst = d
	}
}

// splitAndTrim splits s by sep, trims each element and drops empty ones.
func splitAndTrim(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// decryptSecrets replaces "enc:..." values in the channel token and gateway
// tokens with their plaintext.
func decryptSecrets(cfg *Config, passphrase string) error {
	fields := map[string]*string{"channel.token": &cfg.Channel.Token}
	for i := range cfg.Gateway.Auth.Tokens {
		name := cfg.Gateway.Auth.Tokens[i].Name
		if name == "" {
			name = strconv.Itoa(i)
		}
		fields["gateway.auth.tokens["+name+"]"] = &cfg.Gateway.Auth.Tokens[i].Token
	}

	for name, fp := range fields {
		if !strings.HasPrefix(*fp, encPrefix) {
			continue
		}
		plain, err := DecryptValue(strings.TrimPrefix(*fp, encPrefix), passphrase)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*fp = plain
	}
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
// The result is hex(salt) + ":" + hex(nonce+ciphertext), without the enc: prefix.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts a value produced by EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("%w: invalid encrypted format", domain.ErrDecryption)
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("%w: decode salt: %w", domain.ErrDecryption, err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("%w: decode ciphertext: %w", domain.ErrDecryption, err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}
	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("%w: ciphertext too short", domain.ErrDecryption)
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrDecryption, err)
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions rejects config files writable by group or others.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: stat %s: %w", domain.ErrConfigLoad, path, err)
	}
	mode := info.Mode().Perm()
	if mode&0o022 != 0 {
		return fmt.Errorf("%w: %s has insecure permissions %o (want 0600 or 0644)", domain.ErrConfigLoad, path, mode)
	}
	return nil
}
