package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"

	"flutter-sim-mcp/internal/domain"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FLUTTERMCP_"

// Config is the top-level server configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Flutter   FlutterConfig   `yaml:"flutter"`
	Simulator SimulatorConfig `yaml:"simulator"`
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
}

// ServerConfig selects and hardens the MCP transport.
type ServerConfig struct {
	Name      string          `yaml:"name"`
	Transport string          `yaml:"transport"` // "stdio" or "http"
	Addr      string          `yaml:"addr"`
	Path      string          `yaml:"path"`
	AuthToken string          `yaml:"auth_token,omitempty"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig configures per-client token buckets on the HTTP transport.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// SessionsConfig is the session policy.
type SessionsConfig struct {
	AllowedRoot       string        `yaml:"allowed_root"`
	BasePath          string        `yaml:"base_path,omitempty"`
	MaxSessions       int           `yaml:"max_sessions"`
	TimeoutMinutes    int           `yaml:"timeout_minutes"`
	SweepInterval     string        `yaml:"sweep_interval"` // duration ("60s") or cron expression
	PreScript         string        `yaml:"pre_script,omitempty"`
	PostScript        string        `yaml:"post_script,omitempty"`
	ScriptTimeout     time.Duration `yaml:"script_timeout"`
	DefaultDeviceType string        `yaml:"default_device_type"`
}

// FlutterConfig configures the flutter toolchain and process managers.
type FlutterConfig struct {
	Binary            string        `yaml:"binary"`
	Manifest          string        `yaml:"manifest"`
	LogBufferSize     int           `yaml:"log_buffer_size"`
	TestOutputLines   int           `yaml:"test_output_lines"`
	StopTimeout       time.Duration `yaml:"stop_timeout"`
	ReloadRevertDelay time.Duration `yaml:"reload_revert_delay"`
	CommandTimeout    time.Duration `yaml:"command_timeout"`
}

// SimulatorConfig configures the simctl backend.
type SimulatorConfig struct {
	Xcrun          string               `yaml:"xcrun"`
	Runtime        string               `yaml:"runtime,omitempty"`
	CommandTimeout time.Duration        `yaml:"command_timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig holds circuit breaker settings for the simulator backend.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
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
		Server: ServerConfig{
			Name:      "flutter-sim-mcp",
			Transport: "stdio",
			Addr:      "127.0.0.1:8787",
			Path:      "/mcp",
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 20,
				Burst:             40,
			},
		},
		Sessions: SessionsConfig{
			MaxSessions:       10,
			TimeoutMinutes:    30,
			SweepInterval:     "60s",
			ScriptTimeout:     5 * time.Minute,
			DefaultDeviceType: "iPhone 15",
		},
		Flutter: FlutterConfig{
			Binary:            "flutter",
			Manifest:          "pubspec.yaml",
			LogBufferSize:     1000,
			TestOutputLines:   5000,
			StopTimeout:       5 * time.Second,
			ReloadRevertDelay: time.Second,
			CommandTimeout:    10 * time.Minute,
		},
		Simulator: SimulatorConfig{
			Xcrun:          "xcrun",
			CommandTimeout: 2 * time.Minute,
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     true,
				MaxFailures: 3,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file over Defaults, applies env var overrides,
// decrypts secrets and validates. A missing file yields the defaults.
// File and decryption failures match domain.ErrConfigLoad and
// domain.ErrDecryption; validation failures are a *ValidationError.
func Load(path string) (*Config, error) {
	const op = "config.Load"
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			absPath, err := filepath.Abs(path)
			if err != nil {
				return nil, domain.NewDomainError(op, domain.ErrConfigLoad, fmt.Sprintf("resolve config path: %v", err))
			}
			if err := validatePermissions(absPath); err != nil {
				return nil, domain.NewDomainError(op, domain.ErrConfigLoad, err.Error())
			}
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, domain.NewDomainError(op, domain.ErrConfigLoad, fmt.Sprintf("parse config: %v", err))
			}
		case os.IsNotExist(err):
		default:
			return nil, domain.NewDomainError(op, domain.ErrConfigLoad, fmt.Sprintf("read config: %v", err))
		}
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv(EnvPrefix + "CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, domain.WrapOp(op, fmt.Errorf("decrypt secrets: %w", err))
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps FLUTTERMCP_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	str := func(name string, dst *string) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}
	integer := func(name string, dst *int) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}

	str("SERVER_TRANSPORT", &cfg.Server.Transport)
	str("SERVER_ADDR", &cfg.Server.Addr)
	str("SERVER_AUTH_TOKEN", &cfg.Server.AuthToken)

	str("SESSIONS_ALLOWED_ROOT", &cfg.Sessions.AllowedRoot)
	str("SESSIONS_BASE_PATH", &cfg.Sessions.BasePath)
	integer("SESSIONS_MAX_SESSIONS", &cfg.Sessions.MaxSessions)
	integer("SESSIONS_TIMEOUT_MINUTES", &cfg.Sessions.TimeoutMinutes)
	str("SESSIONS_SWEEP_INTERVAL", &cfg.Sessions.SweepInterval)
	str("SESSIONS_PRE_SCRIPT", &cfg.Sessions.PreScript)
	str("SESSIONS_POST_SCRIPT", &cfg.Sessions.PostScript)
	str("SESSIONS_DEFAULT_DEVICE_TYPE", &cfg.Sessions.DefaultDeviceType)

	str("FLUTTER_BINARY", &cfg.Flutter.Binary)
	integer("FLUTTER_LOG_BUFFER_SIZE", &cfg.Flutter.LogBufferSize)
	duration("FLUTTER_COMMAND_TIMEOUT", &cfg.Flutter.CommandTimeout)

	str("SIMULATOR_XCRUN", &cfg.Simulator.Xcrun)
	str("SIMULATOR_RUNTIME", &cfg.Simulator.Runtime)

	str("LOGGER_LEVEL", &cfg.Logger.Level)
	str("LOGGER_FORMAT", &cfg.Logger.Format)
	str("LOGGER_OUTPUT", &cfg.Logger.Output)
	if v := os.Getenv(EnvPrefix + "TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	str("TRACER_EXPORTER", &cfg.Tracer.Exporter)
}

// decryptSecrets replaces "enc:..." values with their plaintext.
func decryptSecrets(cfg *Config, passphrase string) error {
	secrets := map[string]*string{
		"server.auth_token": &cfg.Server.AuthToken,
	}
	for name, fp := range secrets {
		if !strings.HasPrefix(*fp, "enc:") {
			continue
		}
		decrypted, err := DecryptValue(strings.TrimPrefix(*fp, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*fp = decrypted
	}
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
// The result is suitable for an "enc:" config value.
func EncryptValue(plaintext, passphrase string) (string, error) {
	out, err := encryptValue(plaintext, passphrase)
	if err != nil {
		return "", domain.NewDomainError("config.EncryptValue", domain.ErrEncryption, err.Error())
	}
	return out, nil
}

func encryptValue(plaintext, passphrase string) (string, error) {
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

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// hex(salt) ":" hex(nonce || ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(sealed), nil
}

// DecryptValue reverses EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	out, err := decryptValue(encrypted, passphrase)
	if err != nil {
		return "", domain.NewDomainError("config.DecryptValue", domain.ErrDecryption, err.Error())
	}
	return out, nil
}

func decryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format")
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}
	if len(data) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	// Argon2id, 32-byte key.
	key := argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// validatePermissions rejects config files writable by group or others.
// The file may carry an auth token.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	if mode := info.Mode().Perm(); mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
