package retention

import (
	"encoding/json"
	"fmt"
	"math/big"

	bolt "go.etcd.io/bbolt"
)

// Baseline is the last observed cumulative proving totals for one
// provider, with the labels chosen when its counters were incremented
type Baseline struct {
	Faulted    *big.Int
	Success    *big.Int
	ProviderID int64
	Approved   bool
}

var baselineBucket = []byte("baselines")

// baselineStore snapshots the in-memory baselines to a local bolt file
// so a restart miscounts at most once per provider
type baselineStore struct {
	db *bolt.DB
}

func openBaselineStore(path string) (*baselineStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open baseline store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(baselineBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create baseline bucket: %w", err)
	}
	return &baselineStore{db: db}, nil
}

func (s *baselineStore) Close() error {
	return s.db.Close()
}

type baselineRecord struct {
	Faulted    string `json:"faulted"`
	Success    string `json:"success"`
	ProviderID int64  `json:"providerId"`
	Approved   bool   `json:"approved"`
}

func (s *baselineStore) Load() (map[string]*Baseline, error) {
	out := make(map[string]*Baseline)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(baselineBucket).ForEach(func(k, v []byte) error {
			var rec baselineRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("corrupt baseline for %s: %w", k, err)
			}
			faulted, ok := new(big.Int).SetString(rec.Faulted, 10)
			if !ok {
				return fmt.Errorf("corrupt faulted count for %s", k)
			}
			success, ok := new(big.Int).SetString(rec.Success, 10)
			if !ok {
				return fmt.Errorf("corrupt success count for %s", k)
			}
			out[string(k)] = &Baseline{
				Faulted:    faulted,
				Success:    success,
				ProviderID: rec.ProviderID,
				Approved:   rec.Approved,
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Save replaces the snapshot with the current baselines
func (s *baselineStore) Save(baselines map[string]*Baseline) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(baselineBucket); err != nil {
			return err
		}
		b, err := tx.CreateBucket(baselineBucket)
		if err != nil {
			return err
		}
		for addr, bl := range baselines {
			data, err := json.Marshal(baselineRecord{
				Faulted:    bl.Faulted.String(),
				Success:    bl.Success.String(),
				ProviderID: bl.ProviderID,
				Approved:   bl.Approved,
			})
			if err != nil {
				return err
			}
			if err := b.Put([]byte(addr), data); err != nil {
				return err
			}
		}
		return nil
	})
}
