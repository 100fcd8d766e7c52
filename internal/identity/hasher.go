package identity

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"
)

// ErrHasherClosed is returned by Hash after Close.
var ErrHasherClosed = errors.New("hasher closed")

type hashRequest struct {
	ctx   context.Context
	path  string
	reply chan hashResult
}

type hashResult struct {
	id  FileIdentity
	err error
}

type cacheKey struct {
	path    string
	size    int64
	modTime time.Time
}

// Hasher computes identities on a dedicated goroutine so callers driving an
// interactive flow are never blocked by a multi-gigabyte read. One request in,
// one reply out; the cache lives on the worker and is never shared.
type Hasher struct {
	algo     Algorithm
	requests chan hashRequest
	done     chan struct{}
	closed   chan struct{}
	stop     sync.Once
}

// NewHasher starts the worker.
func NewHasher(algo Algorithm) *Hasher {
	h := &Hasher{
		algo:     algo,
		requests: make(chan hashRequest),
		done:     make(chan struct{}),
		closed:   make(chan struct{}),
	}
	go h.run()
	return h
}

// Hash returns the identity of the file at path, suspending until the worker
// replies or ctx is done.
func (h *Hasher) Hash(ctx context.Context, path string) (FileIdentity, error) {
	if err := ctx.Err(); err != nil {
		return FileIdentity{}, err
	}
	req := hashRequest{ctx: ctx, path: path, reply: make(chan hashResult, 1)}

	select {
	case h.requests <- req:
	case <-h.done:
		return FileIdentity{}, ErrHasherClosed
	case <-ctx.Done():
		return FileIdentity{}, ctx.Err()
	}

	select {
	case res := <-req.reply:
		return res.id, res.err
	case <-ctx.Done():
		return FileIdentity{}, ctx.Err()
	}
}

// Close stops the worker and waits for it to exit.
func (h *Hasher) Close() {
	h.stop.Do(func() { close(h.done) })
	<-h.closed
}

func (h *Hasher) run() {
	defer close(h.closed)
	cache := make(map[cacheKey]FileIdentity)

	for {
		select {
		case <-h.done:
			return
		case req := <-h.requests:
			id, err := h.hashFile(req, cache)
			req.reply <- hashResult{id: id, err: err}
		}
	}
}

func (h *Hasher) hashFile(req hashRequest, cache map[cacheKey]FileIdentity) (FileIdentity, error) {
	f, err := os.Open(req.path)
	if err != nil {
		return FileIdentity{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return FileIdentity{}, err
	}
	key := cacheKey{path: req.path, size: info.Size(), modTime: info.ModTime()}
	if id, ok := cache[key]; ok {
		return id, nil
	}

	id, err := Compute(&ctxReader{ctx: req.ctx, r: f}, Extension(req.path), h.algo)
	if err != nil {
		return FileIdentity{}, err
	}
	cache[key] = id
	return id, nil
}

// ctxReader stops a long hash as soon as the requester goes away.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
