// Package config loads node and notary settings from a TOML file with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Defaults applied by Load when a field is unset.
const (
	DefaultListen          = ":8080"
	DefaultDBPath          = "./data/iouflow.db"
	DefaultSessionTimeout  = 15 * time.Second
	DefaultFinalityTimeout = 30 * time.Second
	DefaultAckTimeout      = 10 * time.Second
	DefaultFinalityPolicy  = "abort"
	DefaultQueryAttempts   = 5
	DefaultQueryInterval   = time.Second
	DefaultNotaryBackend   = "sqlite"
)

var ErrInvalidConfig = errors.New("invalid config")

// Duration is a time.Duration written as "15s" in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// PeerConfig names a counterparty or notary.
type PeerConfig struct {
	Party     string `toml:"party"`
	URL       string `toml:"url"`
	PublicKey string `toml:"public_key"` // base64 ed25519
}

// ProtocolConfig tunes the endorsement protocol.
type ProtocolConfig struct {
	SessionTimeout  Duration `toml:"session_timeout"`
	FinalityTimeout Duration `toml:"finality_timeout"`
	AckTimeout      Duration `toml:"ack_timeout"`
	FinalityPolicy  string   `toml:"finality_policy"` // "abort" or "query"
	QueryAttempts   int      `toml:"query_attempts"`
	QueryInterval   Duration `toml:"query_interval"`
}

// NotaryConfig holds settings only the notary process reads.
type NotaryConfig struct {
	Backend string `toml:"backend"` // "sqlite" or "leveldb"
	Cache   int    `toml:"cache_mb"`
	Handles int    `toml:"handles"`
}

// Config is the whole file. A node and a notary read the same layout.
type Config struct {
	Party         string `toml:"party"`
	Listen        string `toml:"listen"`
	DBPath        string `toml:"db_path"`
	KeyFile       string `toml:"key_file"`
	ControlSecret string `toml:"control_secret"`
	LogLevel      string `toml:"log_level"`

	// Notaries lists the trusted authorities; the first one orders new proposals.
	Notaries []PeerConfig `toml:"notaries"`
	Peers    []PeerConfig `toml:"peers"`

	Protocol ProtocolConfig `toml:"protocol"`
	Notary   NotaryConfig   `toml:"notary"`
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// Load reads path (if non-empty), applies environment overrides and fills
// defaults. It does not validate; call ValidateNode or ValidateNotary.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config %s: %w", path, err)
		}
	}

	cfg.Party = getEnv("IOU_PARTY", cfg.Party)
	cfg.Listen = getEnv("IOU_LISTEN", cfg.Listen)
	cfg.DBPath = getEnv("IOU_DB_PATH", cfg.DBPath)
	cfg.KeyFile = getEnv("IOU_KEY_FILE", cfg.KeyFile)
	cfg.ControlSecret = getEnv("IOU_CONTROL_SECRET", cfg.ControlSecret)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	if v := os.Getenv("IOU_FINALITY_POLICY"); v != "" {
		cfg.Protocol.FinalityPolicy = v
	}
	if v := os.Getenv("IOU_QUERY_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("%w: IOU_QUERY_ATTEMPTS: %v", ErrInvalidConfig, err)
		}
		cfg.Protocol.QueryAttempts = n
	}

	cfg.setDefaults()
	return cfg, nil
}

func (c *Config) setDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.DBPath == "" {
		c.DBPath = DefaultDBPath
	}
	p := &c.Protocol
	if p.SessionTimeout.Duration <= 0 {
		p.SessionTimeout.Duration = DefaultSessionTimeout
	}
	if p.FinalityTimeout.Duration <= 0 {
		p.FinalityTimeout.Duration = DefaultFinalityTimeout
	}
	if p.AckTimeout.Duration <= 0 {
		p.AckTimeout.Duration = DefaultAckTimeout
	}
	if p.FinalityPolicy == "" {
		p.FinalityPolicy = DefaultFinalityPolicy
	}
	if p.QueryAttempts <= 0 {
		p.QueryAttempts = DefaultQueryAttempts
	}
	if p.QueryInterval.Duration <= 0 {
		p.QueryInterval.Duration = DefaultQueryInterval
	}
	if c.Notary.Backend == "" {
		c.Notary.Backend = DefaultNotaryBackend
	}
}

// ValidateNode checks what a participant node needs.
func (c *Config) ValidateNode() error {
	if c.Party == "" {
		return fmt.Errorf("%w: party is required", ErrInvalidConfig)
	}
	if len(c.Notaries) == 0 {
		return fmt.Errorf("%w: at least one notary is required", ErrInvalidConfig)
	}
	if c.Notaries[0].URL == "" {
		return fmt.Errorf("%w: notary %s has no url", ErrInvalidConfig, c.Notaries[0].Party)
	}
	switch c.Protocol.FinalityPolicy {
	case "abort", "query":
	default:
		return fmt.Errorf("%w: unknown finality policy %q", ErrInvalidConfig, c.Protocol.FinalityPolicy)
	}
	seen := map[string]bool{c.Party: true}
	for _, p := range c.Peers {
		if p.Party == "" || p.URL == "" {
			return fmt.Errorf("%w: peers need a party and a url", ErrInvalidConfig)
		}
		if seen[p.Party] {
			return fmt.Errorf("%w: party %s listed twice", ErrInvalidConfig, p.Party)
		}
		seen[p.Party] = true
	}
	return c.validateKeys()
}

// ValidateNotary checks what the notary process needs.
func (c *Config) ValidateNotary() error {
	if c.Party == "" {
		return fmt.Errorf("%w: party is required", ErrInvalidConfig)
	}
	switch c.Notary.Backend {
	case "sqlite", "leveldb":
	default:
		return fmt.Errorf("%w: unknown notary backend %q", ErrInvalidConfig, c.Notary.Backend)
	}
	return c.validateKeys()
}

func (c *Config) validateKeys() error {
	for _, p := range append(append([]PeerConfig{}, c.Notaries...), c.Peers...) {
		if p.Party == "" {
			return fmt.Errorf("%w: entry without party", ErrInvalidConfig)
		}
		if p.PublicKey == "" {
			return fmt.Errorf("%w: %s has no public key", ErrInvalidConfig, p.Party)
		}
	}
	return nil
}

// NotaryParty returns the authority new proposals are sent to.
func (c *Config) NotaryParty() string {
	if len(c.Notaries) == 0 {
		return ""
	}
	return c.Notaries[0].Party
}
