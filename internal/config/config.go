package config

import (
	"bytes"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/xerrors"

	"sealchat/internal/relay"
)

const (
	FileName         = "sealchat.toml"
	IdentityFileName = "identity.key"
	CacheFileName    = "cache.db"
)

// Config is the on-disk sealchat.toml.
type Config struct {
	DataDir  string
	LogLevel string

	// Relays this identity reads and writes. Announced as the inbox list.
	Relays []string
	// DefaultRelays back up Relays when publishing and resolving.
	DefaultRelays []string

	PublishTimeout   Duration
	QueryTimeout     Duration
	Cooldown         Duration
	FailureThreshold int
	BackfillWindow   Duration
	ProfileTTL       Duration

	// MetricsAddr, if set, serves prometheus metrics while listening.
	MetricsAddr string
	InsecureTLS bool
}

// Duration is a time.Duration written as "8s", "5m0s".
type Duration time.Duration

// UnmarshalText implements interface for TOML decoding
func (dur *Duration) UnmarshalText(text []byte) error {
	d, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*dur = Duration(d)
	return nil
}

func (dur Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(dur).String()), nil
}

func (dur Duration) Std() time.Duration { return time.Duration(dur) }

// Default returns the built-in configuration rooted at dataDir.
func Default(dataDir string) Config {
	return Config{
		DataDir:          dataDir,
		LogLevel:         "info",
		DefaultRelays:    append([]string(nil), relay.DefaultRelays...),
		PublishTimeout:   Duration(relay.DefaultPublishTimeout),
		QueryTimeout:     Duration(relay.DefaultQueryTimeout),
		Cooldown:         Duration(relay.DefaultCooldown),
		FailureThreshold: relay.DefaultFailureThreshold,
		BackfillWindow:   Duration(72 * time.Hour),
		ProfileTTL:       Duration(24 * time.Hour),
	}
}

// Load reads dataDir/sealchat.toml over the defaults. A missing file
// yields the defaults.
func Load(dataDir string) (Config, error) {
	cfg := Default(dataDir)
	path := filepath.Join(dataDir, FileName)
	md, err := toml.DecodeFile(path, &cfg)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, xerrors.Errorf("load %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return Config{}, xerrors.Errorf("load %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	if cfg.DataDir == "" {
		cfg.DataDir = dataDir
	}
	return cfg, cfg.Validate()
}

// Validate normalizes relay URLs and rejects unusable values.
func (c *Config) Validate() error {
	var err error
	if c.Relays, err = normalize(c.Relays); err != nil {
		return err
	}
	if c.DefaultRelays, err = normalize(c.DefaultRelays); err != nil {
		return err
	}
	if c.PublishTimeout <= 0 || c.QueryTimeout <= 0 {
		return xerrors.New("timeouts must be positive")
	}
	if c.FailureThreshold < 1 {
		return xerrors.Errorf("failure threshold must be at least 1, got %d", c.FailureThreshold)
	}
	return nil
}

// Save writes the configuration to its data directory.
func (c Config) Save() error {
	if err := os.MkdirAll(c.DataDir, 0o700); err != nil {
		return err
	}
	buf := new(bytes.Buffer)
	if err := toml.NewEncoder(buf).Encode(c); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(c.DataDir, FileName), buf.Bytes(), 0o600)
}

func (c Config) IdentityPath() string { return filepath.Join(c.DataDir, IdentityFileName) }

func (c Config) CachePath() string { return filepath.Join(c.DataDir, CacheFileName) }

func normalize(urls []string) ([]string, error) {
	out := make([]string, 0, len(urls))
	seen := map[string]bool{}
	for _, raw := range urls {
		u, err := relay.NormalizeURL(raw)
		if err != nil {
			return nil, err
		}
		if !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	return out, nil
}
