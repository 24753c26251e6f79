package queue

import (
	"bytes"
	"fmt"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"
)

type badgerKV struct {
	db *badger.DB
}

// OpenBadger opens the durable queue backed by a badger database under dir.
func OpenBadger(dir string, cfg Config) (*Durable, error) {
	opts := badger.DefaultOptions(filepath.Join(dir, "badger"))
	opts.Logger = nil
	opts.SyncWrites = false
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger queue store: %w", err)
	}
	return newDurable(&badgerKV{db: db}, cfg)
}

func (s *badgerKV) get(key string) ([]byte, bool, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

func (s *badgerKV) set(key string, val []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), val)
	})
}

func (s *badgerKV) delete(key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	})
}

func (s *badgerKV) scan(prefix string, fn func(key string, val []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		p := []byte(prefix)
		for it.Seek(p); it.Valid(); it.Next() {
			item := it.Item()
			k := item.Key()
			if !bytes.HasPrefix(k, p) {
				break
			}
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(string(k), val); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *badgerKV) close() error {
	return s.db.Close()
}
