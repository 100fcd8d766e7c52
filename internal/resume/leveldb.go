package resume

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	dslvl "github.com/ipfs/go-ds-leveldb"

	"github.com/redsanjin-1/bigfile/internal/common"
)

// LevelDBStore keeps sessions in a go-datastore backed by LevelDB.
type LevelDBStore struct {
	sessions *dslvl.Datastore
}

func OpenLevelDB(dsPath string) (*LevelDBStore, error) {
	store, err := dslvl.NewDatastore(filepath.Join(dsPath, "sessions"), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open leveldb datastore: %w", err)
	}
	return &LevelDBStore{sessions: store}, nil
}

func datastoreKey(id string) ds.Key {
	return ds.NewKey(sessionKey(id))
}

func (l *LevelDBStore) Close() error {
	return l.sessions.Close()
}

func (l *LevelDBStore) Put(ctx context.Context, s Session) error {
	if err := checkIdentity(s.Identity); err != nil {
		return err
	}
	b, err := encodeSession(s)
	if err != nil {
		return err
	}
	return l.sessions.Put(ctx, datastoreKey(s.Identity), b)
}

func (l *LevelDBStore) Get(ctx context.Context, id string) (Session, error) {
	b, err := l.sessions.Get(ctx, datastoreKey(id))
	if errors.Is(err, ds.ErrNotFound) {
		return Session{}, fmt.Errorf("session %s: %w", id, common.ErrNotFound)
	}
	if err != nil {
		return Session{}, err
	}
	return decodeSession(b)
}

func (l *LevelDBStore) keys(ctx context.Context) ([]ds.Key, error) {
	res, err := l.sessions.Query(ctx, dsq.Query{Prefix: "/" + strings.TrimSuffix(sessionPrefix, "/"), KeysOnly: true})
	if err != nil {
		return nil, err
	}
	defer res.Close()

	keys := []ds.Key{}
	for {
		r, hasNext := res.NextSync()
		if !hasNext {
			break
		}
		if r.Error != nil {
			return nil, r.Error
		}
		keys = append(keys, ds.NewKey(r.Key))
	}
	return keys, nil
}

func (l *LevelDBStore) ListIdentities(ctx context.Context) ([]string, error) {
	keys, err := l.keys(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, k.BaseNamespace())
	}
	sort.Strings(ids)
	return ids, nil
}

func (l *LevelDBStore) Delete(ctx context.Context, id string) error {
	return l.sessions.Delete(ctx, datastoreKey(id))
}

func (l *LevelDBStore) Clear(ctx context.Context) error {
	keys, err := l.keys(ctx)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := l.sessions.Delete(ctx, k); err != nil {
			return err
		}
	}
	return nil
}
