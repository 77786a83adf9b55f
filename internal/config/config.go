package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"nexus-chat/go-e2ee/internal/crypto"

	"gopkg.in/yaml.v3"
)

const (
	BackendBadger = "badger"
	BackendMemory = "memory"

	FormatJSON = "json"
	FormatText = "text"

	EnvDataDir        = "NEXUS_E2EE_DATA_DIR"
	EnvBackend        = "NEXUS_E2EE_BACKEND"
	EnvKDF            = "NEXUS_E2EE_KDF"
	EnvLogLevel       = "NEXUS_E2EE_LOG_LEVEL"
	EnvPassphrase     = "NEXUS_E2EE_PASSPHRASE"
	EnvAllowPlaintext = "NEXUS_E2EE_ALLOW_PLAINTEXT"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Storage StorageConfig
	Crypto  CryptoConfig
	Channel ChannelConfig
	Logging LoggingConfig
	// Passphrase seals key records at rest. Only read from the environment.
	Passphrase string
}

type StorageConfig struct {
	Backend    string
	DataDir    string
	SyncWrites bool
}

type CryptoConfig struct {
	KDF crypto.KDF
}

type ChannelConfig struct {
	AllowPlaintextFallback bool
	WarnRatePerSecond      float64
	WarnBurst              int
}

type LoggingConfig struct {
	Level  string
	Format string
}

// FileConfig is the on-disk YAML shape. Pointer fields distinguish unset
// from an explicit false or zero.
type FileConfig struct {
	Storage struct {
		Backend    string `yaml:"backend"`
		DataDir    string `yaml:"dataDir"`
		SyncWrites *bool  `yaml:"syncWrites"`
	} `yaml:"storage"`
	Crypto struct {
		KDF string `yaml:"kdf"`
	} `yaml:"crypto"`
	Channel struct {
		AllowPlaintextFallback *bool    `yaml:"allowPlaintextFallback"`
		WarnRatePerSecond      *float64 `yaml:"warnRatePerSecond"`
		WarnBurst              *int     `yaml:"warnBurst"`
	} `yaml:"channel"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

func Default() Config {
	return Config{
		Storage: StorageConfig{
			Backend:    BackendBadger,
			DataDir:    defaultDataDir(),
			SyncWrites: true,
		},
		Crypto: CryptoConfig{KDF: crypto.DefaultKDF},
		Channel: ChannelConfig{
			AllowPlaintextFallback: true,
			WarnRatePerSecond:      1,
			WarnBurst:              5,
		},
		Logging: LoggingConfig{Level: "info", Format: FormatJSON},
	}
}

// Load merges the YAML at configPath (or the first default candidate that
// exists) over Default, then applies environment overrides and validates.
// An explicit configPath that cannot be read is an error; missing default
// candidates are not.
func Load(configPath string) (Config, error) {
	cfg := Default()

	candidates := []string{strings.TrimSpace(configPath)}
	explicit := candidates[0] != ""
	if !explicit {
		candidates = []string{"configs/e2ee.yaml"}
		if home, err := os.UserHomeDir(); err == nil {
			candidates = append(candidates, filepath.Join(home, ".nexus-chat", "e2ee.yaml"))
		}
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			if explicit {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
			continue
		}
		var parsed FileConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return Config{}, fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, path, err)
		}
		if err := Merge(&cfg, parsed); err != nil {
			return Config{}, err
		}
		break
	}

	if err := ApplyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Merge(dst *Config, src FileConfig) error {
	if v := strings.TrimSpace(src.Storage.Backend); v != "" {
		dst.Storage.Backend = strings.ToLower(v)
	}
	if v := strings.TrimSpace(src.Storage.DataDir); v != "" {
		dst.Storage.DataDir = expandHome(v)
	}
	if src.Storage.SyncWrites != nil {
		dst.Storage.SyncWrites = *src.Storage.SyncWrites
	}
	if strings.TrimSpace(src.Crypto.KDF) != "" {
		kdf, err := crypto.ParseKDF(src.Crypto.KDF)
		if err != nil {
			return fmt.Errorf("%w: crypto.kdf: %v", ErrInvalidConfig, err)
		}
		dst.Crypto.KDF = kdf
	}
	if src.Channel.AllowPlaintextFallback != nil {
		dst.Channel.AllowPlaintextFallback = *src.Channel.AllowPlaintextFallback
	}
	if src.Channel.WarnRatePerSecond != nil {
		dst.Channel.WarnRatePerSecond = *src.Channel.WarnRatePerSecond
	}
	if src.Channel.WarnBurst != nil {
		dst.Channel.WarnBurst = *src.Channel.WarnBurst
	}
	if v := strings.TrimSpace(src.Logging.Level); v != "" {
		dst.Logging.Level = strings.ToLower(v)
	}
	if v := strings.TrimSpace(src.Logging.Format); v != "" {
		dst.Logging.Format = strings.ToLower(v)
	}
	return nil
}

func ApplyEnvOverrides(cfg *Config) error {
	if v := strings.TrimSpace(os.Getenv(EnvDataDir)); v != "" {
		cfg.Storage.DataDir = expandHome(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvBackend)); v != "" {
		cfg.Storage.Backend = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvKDF)); v != "" {
		kdf, err := crypto.ParseKDF(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, EnvKDF, err)
		}
		cfg.Crypto.KDF = kdf
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv(EnvPassphrase); v != "" {
		cfg.Passphrase = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvAllowPlaintext)); v != "" {
		allow, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, EnvAllowPlaintext, err)
		}
		cfg.Channel.AllowPlaintextFallback = allow
	}
	return nil
}

func (c Config) Validate() error {
	switch c.Storage.Backend {
	case BackendBadger:
		if strings.TrimSpace(c.Storage.DataDir) == "" {
			return fmt.Errorf("%w: storage.dataDir is required for the badger backend", ErrInvalidConfig)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("%w: storage.backend %q", ErrInvalidConfig, c.Storage.Backend)
	}
	if _, err := crypto.ParseKDF(string(c.Crypto.KDF)); err != nil {
		return fmt.Errorf("%w: crypto.kdf: %v", ErrInvalidConfig, err)
	}
	if c.Channel.WarnRatePerSecond < 0 || c.Channel.WarnBurst < 0 {
		return fmt.Errorf("%w: channel warn rate and burst must not be negative", ErrInvalidConfig)
	}
	if _, err := c.Logging.SlogLevel(); err != nil {
		return err
	}
	switch c.Logging.Format {
	case FormatJSON, FormatText:
	default:
		return fmt.Errorf("%w: logging.format %q", ErrInvalidConfig, c.Logging.Format)
	}
	return nil
}

func (l LoggingConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("%w: logging.level %q", ErrInvalidConfig, l.Level)
	}
	return level, nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(".nexus-chat", "keys")
	}
	return filepath.Join(home, ".nexus-chat", "keys")
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
