package verifycache

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/fortiblox/ebpfcheck/pkg/verifier"
)

var bucketVerdicts = []byte("verdicts")

// boltStore is a bbolt-backed Cache: one file, one bucket, suited to a
// local CLI's long-lived cache directory. Grounded on
// pkg/blockstore/blockstore.go's BoltStore (Open/initBuckets/Get/Put shape).
type boltStore struct {
	db *bolt.DB
}

func openBolt(path string) (Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("verifycache: create cache directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("verifycache: open bolt: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketVerdicts)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("verifycache: init bucket: %w", err)
	}
	return &boltStore{db: db}, nil
}

func (s *boltStore) Get(digest string) (verifier.Result, bool, error) {
	var result verifier.Result
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketVerdicts).Get([]byte(digest))
		if data == nil {
			return nil
		}
		r, err := decodeEntry(data)
		if err != nil {
			return err
		}
		result, found = r, true
		return nil
	})
	if err != nil {
		return verifier.Result{}, false, err
	}
	return result, found, nil
}

func (s *boltStore) Put(digest string, result verifier.Result) error {
	data, err := encodeEntry(result)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVerdicts).Put([]byte(digest), data)
	})
}

func (s *boltStore) Close() error { return s.db.Close() }
