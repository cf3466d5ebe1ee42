// internal/storage/badger_store.go
package storage

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"gridfold/internal/errs"
)

// BadgerStore provides generic prefix-scoped storage operations over a
// shared badger database. Values are JSON.
type BadgerStore struct {
	db     *badger.DB
	prefix string
}

func NewBadgerStore(db *badger.DB, prefix string) *BadgerStore {
	return &BadgerStore{
		db:     db,
		prefix: prefix,
	}
}

func (s *BadgerStore) makeKey(id string) []byte {
	return []byte(fmt.Sprintf("%s:%s", s.prefix, id))
}

func (s *BadgerStore) stripPrefix(key []byte) string {
	return strings.TrimPrefix(string(key), s.prefix+":")
}

// Put writes value under id, replacing any existing record. All callers
// in this codebase write content-derived or last-writer-wins values, so
// upsert is the only write primitive.
func (s *BadgerStore) Put(id string, value any) error {
	if id == "" {
		return fmt.Errorf("id cannot be empty")
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshaling value: %w", err)
	}

	key := s.makeKey(id)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

// PutIfAbsent writes value under id only when no record exists yet.
// Returns true when the write happened.
func (s *BadgerStore) PutIfAbsent(id string, value any) (bool, error) {
	if id == "" {
		return false, fmt.Errorf("id cannot be empty")
	}

	data, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("marshaling value: %w", err)
	}

	key := s.makeKey(id)
	written := false
	err = s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			return nil
		}
		if err != badger.ErrKeyNotFound {
			return err
		}
		written = true
		return txn.Set(key, data)
	})
	return written, err
}

func (s *BadgerStore) Get(id string, value any) error {
	key := s.makeKey(id)

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, value)
		})
	})

	if err == badger.ErrKeyNotFound {
		return errs.NotFound(fmt.Sprintf("%s %s", s.prefix, id))
	}
	return err
}

func (s *BadgerStore) Has(id string) (bool, error) {
	key := s.makeKey(id)
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	return found, err
}

func (s *BadgerStore) Delete(id string) error {
	key := s.makeKey(id)

	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return errs.NotFound(fmt.Sprintf("%s %s", s.prefix, id))
		} else if err != nil {
			return err
		}

		return txn.Delete(key)
	})
}

// Each calls fn for every record under the prefix with the raw JSON
// value. Iteration stops on the first error.
func (s *BadgerStore) Each(fn func(id string, raw []byte) error) error {
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(s.prefix + ":")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			id := s.stripPrefix(item.Key())
			err := item.Value(func(val []byte) error {
				return fn(id, val)
			})
			if err != nil {
				return err
			}
		}
		return nil
	})

	if err != nil {
		return fmt.Errorf("iterating %s records: %w", s.prefix, err)
	}
	return nil
}

// List unmarshals every record under the prefix into results, which
// must be a pointer to a slice.
func (s *BadgerStore) List(results interface{}) error {
	var values []json.RawMessage
	err := s.Each(func(_ string, raw []byte) error {
		cp := make(json.RawMessage, len(raw))
		copy(cp, raw)
		values = append(values, cp)
		return nil
	})
	if err != nil {
		return err
	}

	data, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("listing entities: %w", err)
	}
	return json.Unmarshal(data, results)
}
