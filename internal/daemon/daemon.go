// Package daemon owns the torrent session, the disk engine and the
// persisted torrent registry. The control service drives it; it drives
// the session library.
package daemon

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/google/uuid"

	"github.com/tjjh89017/ezio/internal/config"
	"github.com/tjjh89017/ezio/internal/diskio"
	ezioerrors "github.com/tjjh89017/ezio/internal/errors"
	"github.com/tjjh89017/ezio/internal/logger"
	"github.com/tjjh89017/ezio/internal/repository"
	"github.com/tjjh89017/ezio/pkg/rawstorage"
)

// Version is stamped by the build.
var Version = "dev"

var ErrTorrentExists = errors.New("torrent already added")

// TorrentStatus is one torrent's status snapshot.
type TorrentStatus struct {
	Hash         string  `json:"hash"`
	Name         string  `json:"name"`
	Progress     float64 `json:"progress"`
	DownloadRate int64   `json:"download_rate"`
	UploadRate   int64   `json:"upload_rate"`
	TotalDone    int64   `json:"total_done"`
	Total        int64   `json:"total"`
	NumPeers     int     `json:"num_peers"`
	IsFinished   bool    `json:"is_finished"`
	IsPaused     bool    `json:"is_paused"`
	SavePath     string  `json:"save_path"`
	ActiveTime   int64   `json:"active_time"`
}

type torrentEntry struct {
	t        *torrent.Torrent
	savePath string
	addedAt  time.Time
	paused   bool

	// previous counters for rate computation
	lastDone    int64
	lastWritten int64
	lastSeen    time.Time
}

// Daemon wires the session client, the disk engine and the repository.
type Daemon struct {
	mu sync.RWMutex

	client *torrent.Client
	engine *diskio.Engine
	repo   *repository.BboltRepository
	cfg    *config.Config

	torrents map[string]*torrentEntry

	shutdownCh chan struct{}
	once       sync.Once
}

// New starts the session and restores persisted torrents.
func New(cfg *config.Config, engine *diskio.Engine, repo *repository.BboltRepository) (*Daemon, error) {
	clientCfg := torrent.NewDefaultClientConfig()
	clientCfg.Seed = cfg.Torrent.Seed
	clientCfg.NoDHT = cfg.Torrent.DisableDHT
	clientCfg.DisableTrackers = cfg.Torrent.DisableTrackers
	clientCfg.DisablePEX = cfg.Torrent.DisablePEX
	clientCfg.DisableIPv6 = cfg.Torrent.DisableIPv6
	clientCfg.EstablishedConnsPerTorrent = cfg.Torrent.EstablishedConnectionsPerTorrent
	clientCfg.HalfOpenConnsPerTorrent = cfg.Torrent.HalfOpenConnectionsPerTorrent
	clientCfg.TotalHalfOpenConns = cfg.Torrent.TotalHalfOpenConnections
	// Port selection is left to the kernel; trackers learn it from the
	// announce.
	clientCfg.ListenPort = 0

	client, err := torrent.NewClient(clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create torrent client: %w", err)
	}

	d := &Daemon{
		client:     client,
		engine:     engine,
		repo:       repo,
		cfg:        cfg,
		torrents:   make(map[string]*torrentEntry),
		shutdownCh: make(chan struct{}),
	}

	if err := d.restore(); err != nil {
		logger.Warnf("some torrents could not be restored: %v", err)
	}

	return d, nil
}

// restore replays the persisted registry into the session.
func (d *Daemon) restore() error {
	records, err := d.repo.FindAll()
	if err != nil {
		return err
	}

	var firstErr error
	for _, rec := range records {
		if _, _, err := d.addTorrent(rec.Body, rec.SavePath, rec.SeedingMode, rec.MaxConnections); err != nil {
			logger.Errorf("restore %s: %v", rec.InfoHash, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		logger.Infof("restored torrent %s on %s", rec.InfoHash, rec.SavePath)
	}

	if len(records) > 0 {
		logger.Infof("restored %d torrent(s) from repository", len(records))
	}

	return firstErr
}

// AddTorrent decodes a torrent body and adds it to the session, targeting
// savePath (a block device or image file). It persists the record so a
// restarted daemon picks the transfer back up.
func (d *Daemon) AddTorrent(body []byte, savePath string, seeding bool, maxUploads, maxConnections int) (string, error) {
	hash, name, err := d.addTorrent(body, savePath, seeding, maxConnections)
	if err != nil {
		return "", err
	}

	rec := &repository.TorrentRecord{
		ID:             uuid.New(),
		InfoHash:       hash,
		Name:           name,
		SavePath:       savePath,
		SeedingMode:    seeding,
		MaxUploads:     maxUploads,
		MaxConnections: maxConnections,
		AddedAt:        time.Now().UTC(),
		Body:           body,
	}
	if err := d.repo.Save(rec); err != nil {
		logger.Errorf("persist torrent %s: %v", hash, err)
	}

	logger.Infof("torrent added. save_path(%s)", savePath)
	return hash, nil
}

func (d *Daemon) addTorrent(body []byte, savePath string, seeding bool, maxConnections int) (string, string, error) {
	mi, err := metainfo.Load(bytes.NewReader(body))
	if err != nil {
		return "", "", fmt.Errorf("failed to decode torrent: %w", err)
	}

	spec, err := torrent.TorrentSpecFromMetaInfoErr(mi)
	if err != nil {
		return "", "", fmt.Errorf("failed to build torrent spec: %w", err)
	}

	hash := spec.InfoHash.HexString()

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.torrents[hash]; ok {
		return "", "", ErrTorrentExists
	}

	spec.Storage = rawstorage.NewClient(d.engine, savePath, seeding)

	t, _, err := d.client.AddTorrentSpec(spec)
	if err != nil {
		if ezioerrors.IsKind(err, ezioerrors.KindFatal) {
			// The device is the reason to exist; surface the fatal error
			// unwrapped so the caller can terminate.
			return "", "", err
		}
		return "", "", fmt.Errorf("failed to add torrent: %w", err)
	}

	if maxConnections > 0 {
		t.SetMaxEstablishedConns(maxConnections)
	}

	now := time.Now()
	d.torrents[hash] = &torrentEntry{
		t:        t,
		savePath: savePath,
		addedAt:  now,
		lastSeen: now,
	}

	return hash, t.Name(), nil
}

// PauseTorrent stops data transfer for the torrent.
func (d *Daemon) PauseTorrent(hash string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.torrents[hash]
	if !ok {
		return repository.ErrTorrentNotFound
	}

	logger.Infof("pause %s", hash)
	entry.t.DisallowDataDownload()
	entry.t.DisallowDataUpload()
	entry.paused = true
	return nil
}

// ResumeTorrent re-enables data transfer for the torrent.
func (d *Daemon) ResumeTorrent(hash string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.torrents[hash]
	if !ok {
		return repository.ErrTorrentNotFound
	}

	logger.Infof("resume %s", hash)
	entry.t.AllowDataDownload()
	entry.t.AllowDataUpload()
	entry.paused = false
	return nil
}

// TorrentStatus snapshots every torrent. The hashes filter is currently
// ignored and all torrents are returned, matching the control contract.
func (d *Daemon) TorrentStatus(hashes []string) map[string]TorrentStatus {
	d.mu.Lock()
	defer d.mu.Unlock()

	result := make(map[string]TorrentStatus, len(d.torrents))
	now := time.Now()

	for hash, entry := range d.torrents {
		t := entry.t

		var total, done int64
		if t.Info() != nil {
			total = t.Length()
			done = t.BytesCompleted()
		}

		stats := t.Stats()
		written := stats.BytesWrittenData.Int64()

		elapsed := now.Sub(entry.lastSeen).Seconds()
		var downRate, upRate int64
		if elapsed > 0 {
			downRate = int64(float64(done-entry.lastDone) / elapsed)
			upRate = int64(float64(written-entry.lastWritten) / elapsed)
		}
		entry.lastDone = done
		entry.lastWritten = written
		entry.lastSeen = now

		var progress float64
		if total > 0 {
			progress = float64(done) / float64(total)
		}

		result[hash] = TorrentStatus{
			Hash:         hash,
			Name:         t.Name(),
			Progress:     progress,
			DownloadRate: downRate,
			UploadRate:   upRate,
			TotalDone:    done,
			Total:        total,
			NumPeers:     stats.ActivePeers,
			IsFinished:   total > 0 && done == total,
			IsPaused:     entry.paused,
			SavePath:     entry.savePath,
			ActiveTime:   int64(now.Sub(entry.addedAt).Seconds()),
		}
	}

	return result
}

// Engine returns the disk engine for the control surface.
func (d *Daemon) Engine() *diskio.Engine {
	return d.engine
}

// Version returns the daemon version string.
func (d *Daemon) Version() string {
	return Version
}

// Stop requests shutdown; Wait returns once it is called.
func (d *Daemon) Stop() {
	d.once.Do(func() {
		close(d.shutdownCh)
	})
}

// Done exposes the shutdown signal.
func (d *Daemon) Done() <-chan struct{} {
	return d.shutdownCh
}

// Wait blocks until Stop, logging a status line per torrent every
// interval in the manner of the log reporter.
func (d *Daemon) Wait(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.shutdownCh:
			return
		case <-ticker.C:
			for hash, st := range d.TorrentStatus(nil) {
				logger.Infof("torrent %s (%s): %.1f%% done, %d/%d bytes, %d peers, down %d B/s, up %d B/s",
					hash, st.Name, st.Progress*100, st.TotalDone, st.Total, st.NumPeers, st.DownloadRate, st.UploadRate)
			}
		}
	}
}

// Close tears the session down, then the engine.
func (d *Daemon) Close() {
	d.Stop()

	errs := d.client.Close()
	for _, err := range errs {
		logger.Errorf("session close: %v", err)
	}

	d.engine.Abort(true)
}
