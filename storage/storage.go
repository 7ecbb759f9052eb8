// Package storage persists entity collections as JSON snapshot files.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"payment_emulator/models"
)

const (
	devicesFile      = "devices.json"
	merchantsFile    = "merchants.json"
	transactionsFile = "transactions.json"
	statisticsFile   = "statistics.json"
)

// Storage reads and writes snapshot files in one data directory. Every save
// replaces the whole file.
type Storage struct {
	dir string
	log *zap.SugaredLogger

	// one lock per file so a hot writer does not stall the others
	locks map[string]*sync.Mutex
}

func New(dir string, log *zap.SugaredLogger) (*Storage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	s := &Storage{dir: dir, log: log, locks: make(map[string]*sync.Mutex)}
	for _, name := range []string{devicesFile, merchantsFile, transactionsFile, statisticsFile} {
		s.locks[name] = &sync.Mutex{}
	}
	return s, nil
}

func (s *Storage) Dir() string { return s.dir }

func (s *Storage) LoadDevices() ([]models.Device, error) {
	var out []models.Device
	return out, s.load(devicesFile, &out)
}

func (s *Storage) SaveDevices(devices []models.Device) error {
	return s.save(devicesFile, devices)
}

func (s *Storage) LoadMerchants() ([]models.Merchant, error) {
	var out []models.Merchant
	return out, s.load(merchantsFile, &out)
}

func (s *Storage) SaveMerchants(merchants []models.Merchant) error {
	return s.save(merchantsFile, merchants)
}

func (s *Storage) LoadHistory() ([]models.TransactionHistory, error) {
	var out []models.TransactionHistory
	return out, s.load(transactionsFile, &out)
}

func (s *Storage) SaveHistory(history []models.TransactionHistory) error {
	return s.save(transactionsFile, history)
}

func (s *Storage) LoadStatistics() (map[string]models.Statistics, error) {
	out := make(map[string]models.Statistics)
	return out, s.load(statisticsFile, &out)
}

func (s *Storage) SaveStatistics(stats map[string]models.Statistics) error {
	return s.save(statisticsFile, stats)
}

// load decodes name into v. A missing file leaves v untouched.
func (s *Storage) load(name string, v interface{}) error {
	mu := s.locks[name]
	mu.Lock()
	defer mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}

func (s *Storage) save(name string, v interface{}) error {
	mu := s.locks[name]
	mu.Lock()
	defer mu.Unlock()

	if err := writeJSON(filepath.Join(s.dir, name), v); err != nil {
		return err
	}
	s.log.Debugw("Snapshot saved", "file", name)
	return nil
}

// writeJSON writes v through a temp file and rename so readers never see a
// half-written snapshot.
func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Export writes v to dir as merchant_<id>_<kind>_<timestamp>.json and returns
// the path.
func Export(dir, merchantID, kind string, v interface{}, now time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}
	name := fmt.Sprintf("merchant_%s_%s_%s.json", merchantID, kind, now.UTC().Format("20060102_150405"))
	path := filepath.Join(dir, name)
	if err := writeJSON(path, v); err != nil {
		return "", err
	}
	return path, nil
}
