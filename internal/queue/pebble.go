package queue

import (
	"fmt"
	"path/filepath"

	"github.com/cockroachdb/pebble"
)

type pebbleKV struct {
	db *pebble.DB
}

// OpenPebble opens the durable queue backed by a pebble database under dir.
func OpenPebble(dir string, cfg Config) (*Durable, error) {
	db, err := pebble.Open(filepath.Join(dir, "pebble"), &pebble.Options{
		MemTableSize:          16 << 20, // 16MB
		L0CompactionThreshold: 8,
		MaxConcurrentCompactions: func() int {
			return 2
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open pebble queue store: %w", err)
	}
	return newDurable(&pebbleKV{db: db}, cfg)
}

func (s *pebbleKV) get(key string) ([]byte, bool, error) {
	v, closer, err := s.db.Get([]byte(key))
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	out := make([]byte, len(v))
	copy(out, v)
	if err := closer.Close(); err != nil {
		return nil, false, err
	}
	return out, true, nil
}

func (s *pebbleKV) set(key string, val []byte) error {
	return s.db.Set([]byte(key), val, pebble.NoSync)
}

func (s *pebbleKV) delete(key string) error {
	return s.db.Delete([]byte(key), pebble.NoSync)
}

func (s *pebbleKV) scan(prefix string, fn func(key string, val []byte) error) error {
	lower := []byte(prefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: prefixUpperBound(lower),
	})
	if err != nil {
		return err
	}
	defer func() { _ = iter.Close() }()
	for iter.First(); iter.Valid(); iter.Next() {
		val := make([]byte, len(iter.Value()))
		copy(val, iter.Value())
		if err := fn(string(iter.Key()), val); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (s *pebbleKV) close() error {
	return s.db.Close()
}

func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}
	return nil
}
