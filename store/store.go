// Package store persists connector state in goleveldb. Every record type owns a
// one byte key prefix so a prefix scan lists all records of that type.
package store

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/interledger4j/ilpv4-connector-sub010/state"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	prefixAccount     byte = 'A'
	prefixBalance     byte = 'B'
	prefixStaticRoute byte = 'R'
)

const currentVersion = 1

var versionKey = []byte{0x00, 'V', 'E', 'R', 'S', 'I', 'O', 'N'}

var (
	ErrNotFound        = errors.New("record not found")
	ErrVersionMismatch = errors.New("database version mismatch")
)

type Store struct {
	db *leveldb.DB
}

// Open opens (or creates) the database in dir.
func Open(dir string) (*Store, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, err
	}
	return setup(db)
}

// OpenMemory returns a store that lives only as long as the process.
func OpenMemory() (*Store, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return setup(db)
}

func setup(db *leveldb.DB) (*Store, error) {
	v, err := db.Get(versionKey, nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		buf := binary.BigEndian.AppendUint32(nil, currentVersion)
		if err := db.Put(versionKey, buf, nil); err != nil {
			_ = db.Close()
			return nil, err
		}
	case err != nil:
		_ = db.Close()
		return nil, err
	case len(v) != 4 || binary.BigEndian.Uint32(v) != currentVersion:
		_ = db.Close()
		return nil, fmt.Errorf("%w: found %x, expected %d", ErrVersionMismatch, v, currentVersion)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func key(prefix byte, id string) []byte {
	return append([]byte{prefix}, id...)
}

func (s *Store) scan(prefix byte, fn func(id string, value []byte) error) error {
	iter := s.db.NewIterator(util.BytesPrefix([]byte{prefix}), nil)
	defer iter.Release()
	for iter.Next() {
		if err := fn(string(iter.Key()[1:]), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (s *Store) PutAccount(a state.AccountSettings) error {
	buf, err := encodeAccount(a)
	if err != nil {
		return err
	}
	return s.db.Put(key(prefixAccount, string(a.Id)), buf, nil)
}

func (s *Store) GetAccount(id state.AccountId) (state.AccountSettings, error) {
	buf, err := s.db.Get(key(prefixAccount, string(id)), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return state.AccountSettings{}, fmt.Errorf("%w: account %s", ErrNotFound, id)
	} else if err != nil {
		return state.AccountSettings{}, err
	}
	return decodeAccount(buf)
}

// DeleteAccount removes the account together with its balance.
func (s *Store) DeleteAccount(id state.AccountId) error {
	batch := new(leveldb.Batch)
	batch.Delete(key(prefixAccount, string(id)))
	batch.Delete(key(prefixBalance, string(id)))
	return s.db.Write(batch, nil)
}

func (s *Store) Accounts() ([]state.AccountSettings, error) {
	out := make([]state.AccountSettings, 0)
	err := s.scan(prefixAccount, func(id string, value []byte) error {
		a, err := decodeAccount(value)
		if err != nil {
			return fmt.Errorf("account %s: %w", id, err)
		}
		out = append(out, a)
		return nil
	})
	return out, err
}

func (s *Store) PutStaticRoute(r state.StaticRouteCfg) error {
	return s.db.Put(key(prefixStaticRoute, string(r.Prefix)), encodeStaticRoute(r), nil)
}

func (s *Store) DeleteStaticRoute(prefix string) error {
	return s.db.Delete(key(prefixStaticRoute, prefix), nil)
}

func (s *Store) StaticRoutes() ([]state.StaticRouteCfg, error) {
	out := make([]state.StaticRouteCfg, 0)
	err := s.scan(prefixStaticRoute, func(id string, value []byte) error {
		r, err := decodeStaticRoute(value)
		if err != nil {
			return fmt.Errorf("static route %s: %w", id, err)
		}
		out = append(out, r)
		return nil
	})
	return out, err
}

// SaveBalances writes all balances in one batch.
func (s *Store) SaveBalances(balances []state.AccountBalance) error {
	batch := new(leveldb.Batch)
	for _, b := range balances {
		batch.Put(key(prefixBalance, string(b.AccountId)), encodeBalance(b))
	}
	return s.db.Write(batch, nil)
}

func (s *Store) Balances() ([]state.AccountBalance, error) {
	out := make([]state.AccountBalance, 0)
	err := s.scan(prefixBalance, func(id string, value []byte) error {
		b, err := decodeBalance(value)
		if err != nil {
			return fmt.Errorf("balance %s: %w", id, err)
		}
		b.AccountId = state.AccountId(id)
		out = append(out, b)
		return nil
	})
	return out, err
}
