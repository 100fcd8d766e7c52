// Package resume persists upload sessions so an interrupted transfer can be
// continued by a later process.
package resume

import (
	"context"
	"fmt"

	"github.com/redsanjin-1/bigfile/internal/common"
	"github.com/redsanjin-1/bigfile/internal/identity"
)

const sessionPrefix = "session/"

const (
	BackendBadger  = "badger"
	BackendLevelDB = "leveldb"
)

// Store holds at most one session per file identity.
type Store interface {
	// Put creates or replaces the session for s.Identity.
	Put(ctx context.Context, s Session) error
	// Get returns common.ErrNotFound when no session exists.
	Get(ctx context.Context, id string) (Session, error)
	// ListIdentities returns every stored identity in ascending order.
	ListIdentities(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, id string) error
	// Clear removes all sessions.
	Clear(ctx context.Context) error
	Close() error
}

// Open returns the store for the named backend rooted at path.
func Open(backend, path string) (Store, error) {
	switch backend {
	case BackendBadger, "":
		return OpenBadger(path)
	case BackendLevelDB:
		return OpenLevelDB(path)
	default:
		return nil, fmt.Errorf("unknown resume backend %q", backend)
	}
}

func sessionKey(id string) string {
	return sessionPrefix + id
}

func checkIdentity(id string) error {
	if !identity.Valid(id) {
		return fmt.Errorf("%w: invalid session identity %q", common.ErrValidation, id)
	}
	return nil
}
