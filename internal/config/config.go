// Package config loads BitScrape's runtime configuration, following
// the teacher's load-or-default pattern (rain's config.go) but over
// gopkg.in/yaml.v2 instead of the no-longer-resolvable v1.
package config

import (
	"io/ioutil"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the top-level configuration for a BitScrape crawler
// session. Every field has a sane default so an absent config file is
// not an error, matching the teacher's LoadConfig behavior.
type Config struct {
	DHT      DHTConfig      `yaml:"dht"`
	Peer     PeerConfig     `yaml:"peer"`
	Session  SessionConfig  `yaml:"session"`
	Database string         `yaml:"database"`
	DataDir  string         `yaml:"data_dir"`
}

type DHTConfig struct {
	Address          string        `yaml:"address"`
	Port             int           `yaml:"port"`
	BootstrapNodes    []string      `yaml:"bootstrap_nodes"`
	BootstrapBudget  time.Duration `yaml:"bootstrap_budget"`
	MaxNodes         int           `yaml:"max_nodes"`
	CleanupPeriod    time.Duration `yaml:"cleanup_period"`
	SecretRotate     time.Duration `yaml:"secret_rotate"`
	LookupAlpha      int           `yaml:"lookup_alpha"`
	LookupK          int           `yaml:"lookup_k"`
	LookupBudget     time.Duration `yaml:"lookup_budget"`
	QueryTimeout     time.Duration `yaml:"query_timeout"`
	HarvestWindow    time.Duration `yaml:"harvest_window"`
	RateLimitPerSec  float64       `yaml:"rate_limit_per_sec"`
	ClientPerMinute  int           `yaml:"client_per_minute_limit"`
	SnapshotPath     string        `yaml:"snapshot_path"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
}

type PeerConfig struct {
	ListenPort        int           `yaml:"listen_port"`
	MaxConnections    int           `yaml:"max_connections"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	RequestWindow     int           `yaml:"request_window"`
	ExchangeBudget    time.Duration `yaml:"exchange_budget"`
	BlacklistBase     time.Duration `yaml:"blacklist_base"`
	BlacklistCap      time.Duration `yaml:"blacklist_cap"`
	FillInterval      time.Duration `yaml:"fill_interval"`
	ClientVersion     string        `yaml:"client_version"`
}

type SessionConfig struct {
	MaxConcurrentFetches int `yaml:"max_concurrent_fetches"`
}

// Default returns the configuration used when no file is present, with
// values taken straight from spec.md's stated defaults.
func Default() Config {
	return Config{
		DHT: DHTConfig{
			Port: 0,
			BootstrapNodes: []string{
				"router.bittorrent.com:6881",
				"router.utorrent.com:6881",
				"dht.transmissionbt.com:6881",
			},
			BootstrapBudget:  60 * time.Second,
			MaxNodes:         500,
			CleanupPeriod:    15 * time.Minute,
			SecretRotate:     5 * time.Minute,
			LookupAlpha:      3,
			LookupK:          8,
			LookupBudget:     30 * time.Second,
			QueryTimeout:     5 * time.Second,
			HarvestWindow:    10 * time.Minute,
			RateLimitPerSec:  100,
			ClientPerMinute:  50,
			SnapshotPath:     "routing_table.snapshot",
			SnapshotInterval: 5 * time.Minute,
		},
		Peer: PeerConfig{
			ListenPort:       0,
			MaxConnections:   50,
			ConnectTimeout:   10 * time.Second,
			HandshakeTimeout: 15 * time.Second,
			IdleTimeout:      2 * time.Minute,
			RequestWindow:    4,
			ExchangeBudget:   5 * time.Minute,
			BlacklistBase:    time.Minute,
			BlacklistCap:     time.Hour,
			FillInterval:     5 * time.Second,
			ClientVersion:    "bitscrape/1.0",
		},
		Session: SessionConfig{
			MaxConcurrentFetches: 100,
		},
		Database: "~/.bitscrape/bitscrape.db",
		DataDir:  "~/.bitscrape/data",
	}
}

// Load reads a YAML config file, returning Default() unmodified if the
// file does not exist.
func Load(filename string) (*Config, error) {
	c := Default()
	b, err := ioutil.ReadFile(filename)
	if os.IsNotExist(err) {
		return &c, nil
	}
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	return &c, nil
}
