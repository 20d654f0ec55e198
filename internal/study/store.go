// Package study implements the durable per-device battery drain-rate
// statistics table, backed by a single bbolt database.
package study

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"airpodsd/internal/apperr"
	"airpodsd/internal/protocol"
)

const bucketName = "devices"

// DrainRateStat is the running Welford mean/variance for one noise mode.
type DrainRateStat struct {
	Rate        float64
	Variance    float64
	Samples     uint32
	LastUpdated int64
}

// DeviceStudy is the durable record for one device address.
type DeviceStudy struct {
	DeviceName    string
	LastUpdated   int64
	TotalSessions uint32
	TotalSamples  uint32
	DrainRates    map[protocol.NoiseControlMode]DrainRateStat
}

// Store owns one long-lived bbolt environment holding the devices bucket.
type Store struct {
	db *bbolt.DB
}

// DBPath resolves the database file location: the override env var if set,
// otherwise <dataDir>/airpodsd/battery_study.db.
func DBPath(envOverride, dataDir string) string {
	if envOverride != "" {
		return envOverride
	}
	return filepath.Join(dataDir, "airpodsd", "battery_study.db")
}

// Open creates (if needed) and opens the battery study database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating study dir: %v", apperr.ErrStudy, err)
	}

	db, err := bbolt.Open(path, 0o644, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: opening environment: %v", apperr.ErrStudy, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: creating bucket: %v", apperr.ErrStudy, err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func encodeAddr(addr [6]byte) []byte {
	return addr[:]
}

func encodeStudy(d DeviceStudy) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(d); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeStudy(b []byte) (DeviceStudy, error) {
	var d DeviceStudy
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&d); err != nil {
		return DeviceStudy{}, err
	}
	if d.DrainRates == nil {
		d.DrainRates = make(map[protocol.NoiseControlMode]DrainRateStat)
	}
	return d, nil
}

func unixNow() int64 {
	return time.Now().Unix()
}

// GetOrCreate returns the existing study for addr, or creates and stores an
// empty one under device_name.
func (s *Store) GetOrCreate(addr [6]byte, deviceName string) (DeviceStudy, error) {
	var result DeviceStudy
	var found bool

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		raw := b.Get(encodeAddr(addr))
		if raw == nil {
			return nil
		}
		d, err := decodeStudy(raw)
		if err != nil {
			return err
		}
		result = d
		found = true
		return nil
	})
	if err != nil {
		return DeviceStudy{}, fmt.Errorf("%w: %v", apperr.ErrStudy, err)
	}
	if found {
		return result, nil
	}

	created := DeviceStudy{
		DeviceName:  deviceName,
		LastUpdated: unixNow(),
		DrainRates:  make(map[protocol.NoiseControlMode]DrainRateStat),
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		raw, err := encodeStudy(created)
		if err != nil {
			return err
		}
		return b.Put(encodeAddr(addr), raw)
	})
	if err != nil {
		return DeviceStudy{}, fmt.Errorf("%w: %v", apperr.ErrStudy, err)
	}
	return created, nil
}

// UpdateDrainRate applies a Welford update for (addr, mode) with a batch of
// `samples` observations averaging `rate` percent/hour.
func (s *Store) UpdateDrainRate(addr [6]byte, mode protocol.NoiseControlMode, newRate float64, samples uint32) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		raw := b.Get(encodeAddr(addr))
		if raw == nil {
			return fmt.Errorf("%w: study not found", apperr.ErrStudy)
		}
		study, err := decodeStudy(raw)
		if err != nil {
			return err
		}

		stat, exists := study.DrainRates[mode]
		if !exists {
			stat = DrainRateStat{Rate: newRate}
		}

		k := float64(samples)
		n := float64(stat.Samples)
		delta := newRate - stat.Rate
		stat.Rate += delta * k / (n + k)

		if stat.Samples > 0 {
			delta2 := newRate - stat.Rate
			stat.Variance = (stat.Variance*n + delta*delta2*k) / (n + k)
		}

		stat.Samples += samples
		stat.LastUpdated = unixNow()
		study.DrainRates[mode] = stat

		study.TotalSamples += samples
		study.LastUpdated = unixNow()

		encoded, err := encodeStudy(study)
		if err != nil {
			return err
		}
		return b.Put(encodeAddr(addr), encoded)
	})
}

// GetDrainRate returns the running mean and 95% confidence half-width for
// (addr, mode). ok is false if no study or no stats exist for that mode.
func (s *Store) GetDrainRate(addr [6]byte, mode protocol.NoiseControlMode) (rate, ci95 float64, ok bool, err error) {
	txErr := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		raw := b.Get(encodeAddr(addr))
		if raw == nil {
			return nil
		}
		study, derr := decodeStudy(raw)
		if derr != nil {
			return derr
		}
		stat, exists := study.DrainRates[mode]
		if !exists {
			return nil
		}
		rate = stat.Rate
		if stat.Samples > 1 {
			ci95 = 1.96 * math.Sqrt(stat.Variance/float64(stat.Samples))
		} else {
			ci95 = math.Inf(1)
		}
		ok = true
		return nil
	})
	if txErr != nil {
		return 0, 0, false, fmt.Errorf("%w: %v", apperr.ErrStudy, txErr)
	}
	return rate, ci95, ok, nil
}

// IncrementSession bumps the session counter for addr, if a study exists.
func (s *Store) IncrementSession(addr [6]byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		raw := b.Get(encodeAddr(addr))
		if raw == nil {
			return nil
		}
		study, err := decodeStudy(raw)
		if err != nil {
			return err
		}
		study.TotalSessions++
		study.LastUpdated = unixNow()
		encoded, err := encodeStudy(study)
		if err != nil {
			return err
		}
		return b.Put(encodeAddr(addr), encoded)
	})
}
