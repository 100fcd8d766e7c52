package resume

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/redsanjin-1/bigfile/internal/common"
)

// BadgerStore keeps sessions in a BadgerDB.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadger opens (or creates) a BadgerDB at the given path.
func OpenBadger(dbPath string) (*BadgerStore, error) {
	return openBadger(badger.DefaultOptions(dbPath).WithLogger(nil))
}

// OpenBadgerInMemory is used by tests and short lived tools.
func OpenBadgerInMemory() (*BadgerStore, error) {
	return openBadger(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
}

func openBadger(opts badger.Options) (*BadgerStore, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (bs *BadgerStore) Close() error {
	return bs.db.Close()
}

func (bs *BadgerStore) Put(ctx context.Context, s Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkIdentity(s.Identity); err != nil {
		return err
	}
	val, err := encodeSession(s)
	if err != nil {
		return err
	}
	return bs.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(sessionKey(s.Identity)), val)
	})
}

func (bs *BadgerStore) Get(ctx context.Context, id string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	var s Session
	err := bs.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(sessionKey(id)))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			s, err = decodeSession(val)
			return err
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Session{}, fmt.Errorf("session %s: %w", id, common.ErrNotFound)
	}
	return s, err
}

func (bs *BadgerStore) ListIdentities(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids := []string{}
	err := bs.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(sessionPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			ids = append(ids, strings.TrimPrefix(string(it.Item().Key()), sessionPrefix))
		}
		return nil
	})
	sort.Strings(ids)
	return ids, err
}

func (bs *BadgerStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return bs.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(sessionKey(id)))
	})
}

func (bs *BadgerStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return bs.db.DropPrefix([]byte(sessionPrefix))
}
