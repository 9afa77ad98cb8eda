package repository

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

const (
	torrentsBucket = "torrents"
	metadataBucket = "metadata"
	schemaVersion  = 1
)

var (
	// ErrTorrentNotFound is returned when a torrent record cannot be found
	ErrTorrentNotFound = errors.New("torrent not found")
)

// TorrentRecord is the persisted shape of an added torrent. The daemon
// replays records at startup so a restart resumes every transfer; the
// device itself carries the data.
type TorrentRecord struct {
	ID             uuid.UUID `json:"ID"`
	InfoHash       string    `json:"InfoHash"`
	Name           string    `json:"Name"`
	SavePath       string    `json:"SavePath"`
	SeedingMode    bool      `json:"SeedingMode"`
	MaxUploads     int       `json:"MaxUploads"`
	MaxConnections int       `json:"MaxConnections"`
	AddedAt        time.Time `json:"AddedAt"`
	Body           []byte    `json:"Body"`
}

// BboltRepository persists torrent records in a bbolt database.
type BboltRepository struct {
	db *bbolt.DB
}

// NewBboltRepository creates a new bbolt repository
func NewBboltRepository(dbPath string) (*BboltRepository, error) {
	options := &bbolt.Options{
		Timeout: 1 * time.Second,
	}

	db, err := bbolt.Open(dbPath, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	repo := &BboltRepository{
		db: db,
	}

	if err := repo.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return repo, nil
}

// initialize sets up buckets and schema
func (r *BboltRepository) initialize() error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(torrentsBucket))
		if err != nil {
			return fmt.Errorf("failed to create torrents bucket: %w", err)
		}

		metadata, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return fmt.Errorf("failed to create metadata bucket: %w", err)
		}

		versionBytes := []byte(fmt.Sprintf("%d", schemaVersion))
		err = metadata.Put([]byte("schema_version"), versionBytes)
		if err != nil {
			return fmt.Errorf("failed to store schema version: %w", err)
		}

		return nil
	})
}

// Save persists a torrent record keyed by its info hash
func (r *BboltRepository) Save(record *TorrentRecord) error {
	if record == nil {
		return errors.New("cannot save nil record")
	}
	if record.InfoHash == "" {
		return errors.New("record info hash cannot be empty")
	}

	return r.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(torrentsBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", torrentsBucket)
		}

		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}

		err = bucket.Put([]byte(record.InfoHash), data)
		if err != nil {
			return fmt.Errorf("failed to save record: %w", err)
		}

		return nil
	})
}

// Find retrieves a torrent record by info hash
func (r *BboltRepository) Find(infoHash string) (*TorrentRecord, error) {
	if infoHash == "" {
		return nil, errors.New("info hash cannot be empty")
	}

	var data []byte
	err := r.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(torrentsBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", torrentsBucket)
		}

		data = bucket.Get([]byte(infoHash))
		if data == nil {
			return ErrTorrentNotFound
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	record := &TorrentRecord{}
	if err := json.Unmarshal(data, record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}

	return record, nil
}

// FindAll retrieves all torrent records
func (r *BboltRepository) FindAll() ([]*TorrentRecord, error) {
	var records []*TorrentRecord

	err := r.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(torrentsBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", torrentsBucket)
		}

		return bucket.ForEach(func(k, v []byte) error {
			record := &TorrentRecord{}
			if err := json.Unmarshal(v, record); err != nil {
				return fmt.Errorf("failed to unmarshal record: %w", err)
			}

			records = append(records, record)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return records, nil
}

// Delete removes a torrent record
func (r *BboltRepository) Delete(infoHash string) error {
	if infoHash == "" {
		return errors.New("info hash cannot be empty")
	}

	return r.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(torrentsBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", torrentsBucket)
		}

		if bucket.Get([]byte(infoHash)) == nil {
			return ErrTorrentNotFound
		}

		return bucket.Delete([]byte(infoHash))
	})
}

// Close closes the underlying database
func (r *BboltRepository) Close() error {
	return r.db.Close()
}
