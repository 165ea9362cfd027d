package verifycache

import (
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/fortiblox/ebpfcheck/pkg/verifier"
)

// badgerStore is a Badger-backed Cache for write-heavy deployments that
// re-verify a high-churn stream of distinct programs (mirroring why the
// teacher picked Badger over bbolt for per-account writes in
// pkg/accounts/store.go). Grounded on that file's NewBadgerDB/View/Update
// shape.
type badgerStore struct {
	db *badger.DB
}

func openBadger(path string) (Cache, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("verifycache: open badger: %w", err)
	}
	return &badgerStore{db: db}, nil
}

func (s *badgerStore) Get(digest string) (verifier.Result, bool, error) {
	var result verifier.Result
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(digest))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(data []byte) error {
			r, err := decodeEntry(data)
			if err != nil {
				return err
			}
			result, found = r, true
			return nil
		})
	})
	if err != nil {
		return verifier.Result{}, false, err
	}
	return result, found, nil
}

func (s *badgerStore) Put(digest string, result verifier.Result) error {
	data, err := encodeEntry(result)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(digest), data)
	})
}

func (s *badgerStore) Close() error { return s.db.Close() }
