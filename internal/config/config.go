// Package config loads the YAML configuration for one replicated device
// instance, following the teacher's functional-defaults-then-overlay
// pattern (gopkg.in/yaml.v3 unmarshalled onto DefaultConfig).
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"

	"github.com/blocksync/blocksync/internal/logging"
	"github.com/blocksync/blocksync/internal/translog"
)

// Config is the full configuration for a blocksyncd instance: one
// replicated device plus its logging setup.
type Config struct {
	Device  DeviceConfig   `yaml:"device"`
	Logging logging.Config `yaml:"logging"`
}

// DeviceConfig configures one replicated device's sizing, protocol, and
// peer connection, spec.md §4.4/§4.5/§4.6.
type DeviceConfig struct {
	// Protocol selects the replication ack policy: "A", "B", or "C".
	Protocol string `yaml:"protocol"`

	// Size is the device's total size; both sides must agree unless
	// AllowSizeMismatch is set, §4.6.
	Size datasize.ByteSize `yaml:"size"`

	// BlockSize is the negotiated I/O block size reported in ReportParams.
	BlockSize datasize.ByteSize `yaml:"block_size"`

	// TLSize is the transfer log's ring capacity, in entries.
	TLSize int `yaml:"tl_size"`

	// ALExtents is the activity log's number of cached 4 MiB extents.
	ALExtents int `yaml:"al_extents"`

	// ResyncExtents is the resync LRU's number of cached 16 MiB extents.
	ResyncExtents int `yaml:"resync_extents"`

	// Timeout is the data-socket send timeout (conf.timeout·100ms in the
	// original; held here directly as a duration).
	Timeout time.Duration `yaml:"timeout"`

	// PingInterval is the meta-socket idle ping cadence.
	PingInterval time.Duration `yaml:"ping_interval"`

	// ListenAddress is where this side accepts the peer's connect, used
	// when this side is not the one dialing out.
	ListenAddress string `yaml:"listen_address"`

	// PeerAddress is the address this side dials to reach the peer.
	PeerAddress string `yaml:"peer_address"`

	// DevicePath is the path to the backing store file or block device that
	// local writes land on and local reads are served from. The real
	// request-queue interception shim a kernel module would use is out of
	// scope, §1; this repo treats "the disk" as anything ReadAt/WriteAt can
	// reach, a plain regular file included.
	DevicePath string `yaml:"device_path"`

	// MetadataPath is the path to the metadata device/file backing the
	// generation-counter record and the activity log's transaction ring.
	MetadataPath string `yaml:"metadata_path"`

	// AllowSizeMismatch disables the fatal size-mismatch check in the
	// post-reconnect handshake, §4.6.
	AllowSizeMismatch bool `yaml:"allow_size_mismatch"`

	// Primary starts the device in the Primary role.
	Primary bool `yaml:"primary"`
}

// ResolveProtocol resolves the configured protocol letter to its translog.Protocol
// value.
func (c DeviceConfig) ResolveProtocol() (translog.Protocol, error) {
	switch c.Protocol {
	case "A":
		return translog.ProtocolA, nil
	case "B":
		return translog.ProtocolB, nil
	case "C", "":
		return translog.ProtocolC, nil
	default:
		return 0, fmt.Errorf("config: unknown protocol %q", c.Protocol)
	}
}

// LoadConfig reads and parses a YAML configuration file, overlaying it onto
// DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			Protocol:      "C",
			Size:          1 * datasize.GB,
			BlockSize:     4 * datasize.KB,
			TLSize:        256,
			ALExtents:     127,
			ResyncExtents: 64,
			Timeout:       6 * time.Second,
			PingInterval:  10 * time.Second,
			ListenAddress: "[::1]:7788",
			MetadataPath:  "/var/lib/blocksync/meta",
		},
		Logging: logging.Config{
			Level: 0, // zapcore.InfoLevel
		},
	}
}
