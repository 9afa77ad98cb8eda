package config

import (
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
)

const (
	listenAddress                    = "127.0.0.1:50051"
	cacheSizeMB                      = 512
	poolSizeMB                       = 256
	aioThreads                       = 16
	hashingThreads                   = 4
	seedTorrent                      = false
	maxUploads                       = 4
	establishedConnectionsPerTorrent = 50
	halfOpenConnectionsPerTorrent    = 25
	totalHalfOpenConnections         = 100
	disableDHT                       = true
	disablePEX                       = false
	disableTrackers                  = false
	disableIPv6                      = false
	metainfoTimeout                  = 60 * time.Second
)

var logPath = filepath.Join(xdg.StateHome, configFileName, "ezio.log")
