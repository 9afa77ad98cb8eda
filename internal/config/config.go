package config

import (
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

const configFileName = "ezio"

// Config holds the configuration options for the daemon.
type Config struct {
	Listen  string         `yaml:"listen,omitempty"`
	Debug   bool           `yaml:"debug,omitempty"`
	LogPath string         `yaml:"logPath,omitempty"`
	Disk    *DiskConfig    `yaml:"disk,omitempty"`
	Torrent *TorrentConfig `yaml:"torrent,omitempty"`
}

// DiskConfig holds the settings consumed by the disk engine.
type DiskConfig struct {
	CacheSizeMB    int  `yaml:"cacheSize,omitempty"`
	PoolSizeMB     int  `yaml:"poolSize,omitempty"`
	AIOThreads     int  `yaml:"aioThreads,omitempty"`
	HashingThreads int  `yaml:"hashingThreads,omitempty"`
	DirectIO       bool `yaml:"directIO,omitempty"`
}

// TorrentConfig holds the session knobs passed through to the torrent
// client. The disk engine does not interpret them.
type TorrentConfig struct {
	Seed                             bool          `yaml:"seed,omitempty"`
	MaxUploads                       int           `yaml:"maxUploads,omitempty"`
	EstablishedConnectionsPerTorrent int           `yaml:"establishedConnectionsPerTorrent,omitempty"`
	HalfOpenConnectionsPerTorrent    int           `yaml:"halfOpenConnectionsPerTorrent,omitempty"`
	TotalHalfOpenConnections         int           `yaml:"totalHalfOpenConnections,omitempty"`
	DisableDHT                       bool          `yaml:"disableDht,omitempty"`
	DisablePEX                       bool          `yaml:"disablePex,omitempty"`
	DisableTrackers                  bool          `yaml:"disableTrackers,omitempty"`
	DisableIPv6                      bool          `yaml:"disableIPv6,omitempty"`
	MetainfoTimeout                  time.Duration `yaml:"metainfoTimeout,omitempty"`
}

// CacheEntries converts the configured cache size into 16 KiB entries.
func (d *DiskConfig) CacheEntries() int {
	return d.CacheSizeMB * 1024 * 1024 / (16 * 1024)
}

// PoolBuffers converts the configured pool size into 16 KiB buffers.
func (d *DiskConfig) PoolBuffers() int {
	return d.PoolSizeMB * 1024 * 1024 / (16 * 1024)
}

// GetConfig reads the configuration file and returns a Config struct.
// If the configuration file does not exist, it returns the default configuration.
func GetConfig() (*Config, error) {
	configFilePath := filepath.Join(xdg.ConfigHome, configFileName)
	defaults := DefaultConfig()

	b, err := os.ReadFile(configFilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return &defaults, nil
		}

		return nil, err
	}

	if len(b) == 0 {
		return &defaults, nil
	}

	var cfg Config

	err = yaml.Unmarshal(b, &cfg)
	if err != nil {
		return nil, err
	}

	diskCfg := zeroOr(cfg.Disk, defaults.Disk)
	torrentCfg := zeroOr(cfg.Torrent, defaults.Torrent)

	return &Config{
		Listen:  zeroOr(cfg.Listen, defaults.Listen),
		Debug:   zeroOr(cfg.Debug, defaults.Debug),
		LogPath: zeroOr(cfg.LogPath, defaults.LogPath),
		Disk: &DiskConfig{
			CacheSizeMB:    zeroOr(diskCfg.CacheSizeMB, defaults.Disk.CacheSizeMB),
			PoolSizeMB:     zeroOr(diskCfg.PoolSizeMB, defaults.Disk.PoolSizeMB),
			AIOThreads:     zeroOr(diskCfg.AIOThreads, defaults.Disk.AIOThreads),
			HashingThreads: zeroOr(diskCfg.HashingThreads, defaults.Disk.HashingThreads),
			DirectIO:       zeroOr(diskCfg.DirectIO, defaults.Disk.DirectIO),
		},
		Torrent: &TorrentConfig{
			Seed:                             zeroOr(torrentCfg.Seed, defaults.Torrent.Seed),
			MaxUploads:                       zeroOr(torrentCfg.MaxUploads, defaults.Torrent.MaxUploads),
			EstablishedConnectionsPerTorrent: zeroOr(torrentCfg.EstablishedConnectionsPerTorrent, defaults.Torrent.EstablishedConnectionsPerTorrent),
			HalfOpenConnectionsPerTorrent:    zeroOr(torrentCfg.HalfOpenConnectionsPerTorrent, defaults.Torrent.HalfOpenConnectionsPerTorrent),
			TotalHalfOpenConnections:         zeroOr(torrentCfg.TotalHalfOpenConnections, defaults.Torrent.TotalHalfOpenConnections),
			DisableDHT:                       zeroOr(torrentCfg.DisableDHT, defaults.Torrent.DisableDHT),
			DisablePEX:                       zeroOr(torrentCfg.DisablePEX, defaults.Torrent.DisablePEX),
			DisableTrackers:                  zeroOr(torrentCfg.DisableTrackers, defaults.Torrent.DisableTrackers),
			DisableIPv6:                      zeroOr(torrentCfg.DisableIPv6, defaults.Torrent.DisableIPv6),
			MetainfoTimeout:                  zeroOr(torrentCfg.MetainfoTimeout, defaults.Torrent.MetainfoTimeout),
		},
	}, nil
}

func DefaultConfig() Config {
	return Config{
		Listen:  listenAddress,
		LogPath: logPath,
		Disk: &DiskConfig{
			CacheSizeMB:    cacheSizeMB,
			PoolSizeMB:     poolSizeMB,
			AIOThreads:     aioThreads,
			HashingThreads: hashingThreads,
		},
		Torrent: &TorrentConfig{
			Seed:                             seedTorrent,
			MaxUploads:                       maxUploads,
			EstablishedConnectionsPerTorrent: establishedConnectionsPerTorrent,
			HalfOpenConnectionsPerTorrent:    halfOpenConnectionsPerTorrent,
			TotalHalfOpenConnections:         totalHalfOpenConnections,
			DisableDHT:                       disableDHT,
			DisablePEX:                       disablePEX,
			DisableTrackers:                  disableTrackers,
			DisableIPv6:                      disableIPv6,
			MetainfoTimeout:                  metainfoTimeout,
		},
	}
}

// zeroOr returns def if v is the zero value for its type.
func zeroOr[T any](v, def T) T {
	if reflect.ValueOf(v).IsZero() {
		return def
	}

	return v
}
