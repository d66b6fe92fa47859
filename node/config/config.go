// Package config holds the node configuration, stored as TOML next to the
// node's datastore.
package config

import (
	"bytes"
	"encoding"
	"io"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/xerrors"
)

// Node is the full configuration of a blockswap node.
type Node struct {
	Libp2p    Libp2p
	Datastore Datastore
	Exchange  Exchange
}

// Libp2p contains transport configuration.
type Libp2p struct {
	ListenAddresses []string
	BootstrapPeers  []string

	ConnMgrLow   uint
	ConnMgrHigh  uint
	ConnMgrGrace Duration
}

// Datastore configures block and metadata persistence.
type Datastore struct {
	// Path is the badger directory. Empty means an in-memory store,
	// useful for tests and throwaway nodes.
	Path string
}

// Exchange tunes the block exchange.
type Exchange struct {
	// TaskWorkers is the number of concurrent serve workers. Zero picks
	// the built-in default.
	TaskWorkers int

	// RebroadcastInterval is how often sourceless wants are re-announced
	// and provider search retried.
	RebroadcastInterval Duration

	// ProviderSearchBudget is the number of empty provider-search rounds
	// before a fetch fails. Zero means fetches only end by delivery or
	// caller timeout.
	ProviderSearchBudget int
}

// Default returns the default node config.
func Default() *Node {
	return &Node{
		Libp2p: Libp2p{
			ListenAddresses: []string{
				"/ip4/0.0.0.0/tcp/0",
				"/ip6/::/tcp/0",
			},
			ConnMgrLow:   150,
			ConnMgrHigh:  180,
			ConnMgrGrace: Duration(20 * time.Second),
		},
		Exchange: Exchange{
			RebroadcastInterval: Duration(30 * time.Second),
		},
	}
}

// FromFile loads config from the given path, falling back to def when the
// file does not exist.
func FromFile(path string, def *Node) (*Node, error) {
	file, err := os.Open(path)
	switch {
	case os.IsNotExist(err):
		if def == nil {
			return nil, xerrors.Errorf("config at %s not found", path)
		}
		return def, nil
	case err != nil:
		return nil, err
	}
	defer file.Close() //nolint:errcheck // The file is RO

	return FromReader(file)
}

// FromReader decodes config from a reader, on top of the defaults.
func FromReader(reader io.Reader) (*Node, error) {
	cfg := Default()
	if _, err := toml.NewDecoder(reader).Decode(cfg); err != nil {
		return nil, xerrors.Errorf("decoding config: %w", err)
	}
	return cfg, nil
}

// WriteFile persists the config as TOML.
func WriteFile(path string, cfg *Node) error {
	buf := new(bytes.Buffer)
	if err := toml.NewEncoder(buf).Encode(cfg); err != nil {
		return xerrors.Errorf("encoding config: %w", err)
	}
	return os.WriteFile(path, buf.Bytes(), 0644)
}

var _ encoding.TextMarshaler = (*Duration)(nil)
var _ encoding.TextUnmarshaler = (*Duration)(nil)

// Duration is a wrapper type for time.Duration for decoding and encoding
// from/to TOML
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (dur Duration) Std() time.Duration {
	return time.Duration(dur)
}

// UnmarshalText implements interface for TOML decoding
func (dur *Duration) UnmarshalText(text []byte) error {
	d, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*dur = Duration(d)
	return err
}

func (dur Duration) MarshalText() ([]byte, error) {
	d := time.Duration(dur)
	return []byte(d.String()), nil
}
