package config

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"

	"github.com/drio/wghandshake/device"
	"github.com/drio/wghandshake/noise"
)

// Duration is a time.Duration written as a Go duration string ("2m", "5s")
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// Interface is the local side of the handshake
type Interface struct {
	PrivateKey      noise.PrivateKey
	ListenPort      int
	QueueSize       int
	LoadThreshold   int
	CookieRotation  Duration
	CookieRetention Duration
	RekeyTimeout    Duration
	Debug           bool
}

// Peer is one remote static identity
type Peer struct {
	PublicKey    noise.PublicKey
	PresharedKey noise.PresharedKey
	Endpoint     string
}

// Config holds the handshake device configuration
type Config struct {
	Interface Interface
	Peer      []Peer
}

// Validate returns nil if the config is valid
// and otherwise an error is returned.
func (cfg *Config) Validate() error {
	var missing []string

	if cfg.Interface.PrivateKey.IsZero() {
		missing = append(missing, "Interface.PrivateKey")
	}
	if cfg.Interface.ListenPort == 0 {
		missing = append(missing, "Interface.ListenPort")
	}
	for i, p := range cfg.Peer {
		if p.PublicKey.IsZero() {
			missing = append(missing, fmt.Sprintf("Peer[%d].PublicKey", i))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: missing required configuration values: %v", missing)
	}

	if port := cfg.Interface.ListenPort; port < 1 || port > 65535 {
		return fmt.Errorf("config: invalid listen port: %d", port)
	}
	if cfg.Interface.QueueSize < 0 || cfg.Interface.LoadThreshold < 0 {
		return fmt.Errorf("config: QueueSize and LoadThreshold must not be negative")
	}
	if cfg.Interface.QueueSize > 0 && cfg.Interface.LoadThreshold > cfg.Interface.QueueSize {
		return fmt.Errorf("config: LoadThreshold %d exceeds QueueSize %d", cfg.Interface.LoadThreshold, cfg.Interface.QueueSize)
	}
	for _, d := range []Duration{cfg.Interface.CookieRotation, cfg.Interface.CookieRetention, cfg.Interface.RekeyTimeout} {
		if d.Duration < 0 {
			return fmt.Errorf("config: negative duration %s", d.Duration)
		}
	}

	local := cfg.Interface.PrivateKey.PublicKey()
	seen := make(map[noise.PublicKey]bool, len(cfg.Peer))
	for i, p := range cfg.Peer {
		if p.PublicKey.Equals(local) {
			return fmt.Errorf("config: Peer[%d] is the local public key", i)
		}
		if seen[p.PublicKey] {
			return fmt.Errorf("config: duplicate peer %s", p.PublicKey)
		}
		seen[p.PublicKey] = true
	}
	return nil
}

// Zero wipes every key read from the config file
func (cfg *Config) Zero() {
	cfg.Interface.PrivateKey.Zero()
	for i := range cfg.Peer {
		cfg.Peer[i].PresharedKey.Zero()
	}
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		cfg.Zero()
		return nil, fmt.Errorf("config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		cfg.Zero()
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.Validate(); err != nil {
		cfg.Zero()
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads, parses and validates a configuration file
func LoadFile(configFile string) (*Config, error) {
	// Validate and clean the config file path to prevent directory traversal
	cleanPath := filepath.Clean(configFile)

	// Ensure the path doesn't contain directory traversal attempts
	if strings.Contains(cleanPath, "..") {
		return nil, fmt.Errorf("config: invalid config file path: directory traversal not allowed")
	}

	b, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read config file: %w", err)
	}
	defer noise.ZeroBytes(b)
	return Load(b)
}

// DeviceConfig resolves peer endpoints and builds the device configuration
func (cfg *Config) DeviceConfig(logger *logrus.Entry) (device.Config, error) {
	dc := device.Config{
		PrivateKey:      cfg.Interface.PrivateKey,
		QueueSize:       cfg.Interface.QueueSize,
		LoadThreshold:   cfg.Interface.LoadThreshold,
		CookieRotation:  cfg.Interface.CookieRotation.Duration,
		CookieRetention: cfg.Interface.CookieRetention.Duration,
		RekeyTimeout:    cfg.Interface.RekeyTimeout.Duration,
		Logger:          logger,
	}

	for _, p := range cfg.Peer {
		pc := device.PeerConfig{
			PublicKey:    p.PublicKey,
			PresharedKey: p.PresharedKey,
		}
		if p.Endpoint != "" {
			addr, err := net.ResolveUDPAddr("udp", p.Endpoint)
			if err != nil {
				dc.Zero()
				return device.Config{}, fmt.Errorf("config: failed to resolve peer endpoint %q: %w", p.Endpoint, err)
			}
			ap := addr.AddrPort()
			pc.Endpoint = netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
		}
		dc.Peers = append(dc.Peers, pc)
	}
	return dc, nil
}
