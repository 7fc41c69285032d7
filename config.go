// Package peersweep is the root package: configuration loading and the
// high-level Download entry point.
package peersweep

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	homedir "github.com/mitchellh/go-homedir"
	uuid "github.com/satori/go.uuid"
	"gopkg.in/yaml.v1"
)

// peerIDPrefix identifies this client in the 20-byte peer_id, Azureus-style.
const peerIDPrefix = "-PS0001-"

// Config is the full runtime configuration surface.
type Config struct {
	ListeningPort         uint16 `yaml:"listening_port"`
	DownloadDir           string `yaml:"download_dir"`
	MaxOutstandingPerPeer int    `yaml:"max_outstanding_per_peer"`
	UnchokeIntervalS      int    `yaml:"unchoke_interval_s"`
	OptimisticUnchokeS    int    `yaml:"optimistic_unchoke_interval_s"`
	KeepAliveIntervalS    int    `yaml:"keep_alive_interval_s"`
	MaxUnchokedPeers      int    `yaml:"max_unchoked_peers"`
	PeerConnectTimeoutS   int    `yaml:"peer_connect_timeout_s"`
	LogLevel              string `yaml:"log_level"`
	Quiet                 bool   `yaml:"quiet"`
}

// DefaultConfig holds the defaults a bare `peersweep file.torrent` runs with.
var DefaultConfig = Config{
	ListeningPort:         6882,
	DownloadDir:           "~/Downloads",
	MaxOutstandingPerPeer: 10,
	UnchokeIntervalS:      10,
	OptimisticUnchokeS:    30,
	KeepAliveIntervalS:    50,
	MaxUnchokedPeers:      4,
	PeerConnectTimeoutS:   10,
	LogLevel:              "info",
}

// LoadConfig reads filename as YAML over DefaultConfig. A missing file is
// not an error: DefaultConfig alone is returned. Before parsing, any
// adjacent .env file is loaded into the process environment; no Config
// field is read from the environment, so its variables do not override
// the YAML or the defaults.
func LoadConfig(filename string) (*Config, error) {
	_ = godotenv.Load(filepath.Join(filepath.Dir(filename), ".env"))

	c := DefaultConfig
	b, err := ioutil.ReadFile(filename)
	if os.IsNotExist(err) {
		return expandDownloadDir(&c)
	}
	if err != nil {
		return nil, err
	}
	if err = yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("peersweep: parse config %s: %w", filename, err)
	}
	return expandDownloadDir(&c)
}

func expandDownloadDir(c *Config) (*Config, error) {
	dir, err := homedir.Expand(c.DownloadDir)
	if err != nil {
		return nil, fmt.Errorf("peersweep: expand download dir %q: %w", c.DownloadDir, err)
	}
	c.DownloadDir = dir
	return c, nil
}

// NewPeerID generates a 20-byte peer_id: the fixed client prefix followed
// by random bytes drawn from a UUIDv4.
func NewPeerID() [20]byte {
	var id [20]byte
	copy(id[:], peerIDPrefix)
	random := uuid.NewV4()
	copy(id[len(peerIDPrefix):], random[:])
	return id
}
