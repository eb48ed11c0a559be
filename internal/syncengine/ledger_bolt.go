package syncengine

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var ledgerBucketName = []byte("ledger") // <document id>=<LedgerEntry json>

// BoltLedgerBackend keeps one key per document id so a corrupt entry does
// not take the rest of the ledger with it.
type BoltLedgerBackend struct {
	db *bolt.DB
}

func NewBoltLedgerBackend(path string) (*BoltLedgerBackend, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, errors.Wrapf(err, "failed to create ledger directory %q", dir)
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: lockWait})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open ledger %q", path)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(ledgerBucketName)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to initialize ledger")
	}
	return &BoltLedgerBackend{db: db}, nil
}

func (b *BoltLedgerBackend) Load() (*LedgerState, error) {
	state := &LedgerState{Entries: map[string]LedgerEntry{}}
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(ledgerBucketName).ForEach(func(key, value []byte) error {
			var e LedgerEntry
			if err := json.Unmarshal(value, &e); err != nil {
				return errors.Wrapf(err, "failed to unmarshal ledger entry %s", key)
			}
			state.Entries[string(key)] = e
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if len(state.Entries) == 0 {
		return nil, nil
	}
	return state, nil
}

// Save replaces the bucket contents with state in one transaction.
func (b *BoltLedgerBackend) Save(state *LedgerState) error {
	if state == nil {
		return nil
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(ledgerBucketName)
		var stale [][]byte
		if err := bucket.ForEach(func(k, _ []byte) error {
			if _, ok := state.Entries[string(k)]; !ok {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return errors.Wrapf(err, "failed to delete ledger entry %q", k)
			}
		}
		for id, e := range state.Entries {
			value, err := json.Marshal(e)
			if err != nil {
				return errors.Wrapf(err, "failed to marshal ledger entry %q", id)
			}
			if err := bucket.Put([]byte(id), value); err != nil {
				return errors.Wrapf(err, "failed to store ledger entry %q", id)
			}
		}
		return nil
	})
}

func (b *BoltLedgerBackend) Close() error {
	return b.db.Close()
}
