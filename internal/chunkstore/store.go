// Package chunkstore is the server side of a chunked upload. Partially
// received chunks live under <temp>/<identity>/, finished files under
// <public>/<identity>. The directory listing is the only record of progress,
// plus a marker pinning the chunk size the directory was started with.
package chunkstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/redsanjin-1/bigfile/internal/chunker"
	"github.com/redsanjin-1/bigfile/internal/common"
	"github.com/redsanjin-1/bigfile/internal/identity"
	"github.com/redsanjin-1/bigfile/pkg/logging"
)

// ChunkRecord is one chunk file found on disk.
type ChunkRecord struct {
	Name string `json:"chunkFileName"`
	Size int64  `json:"size"`
}

// State is what the server holds for an identity. ChunkSize is the size the
// held chunks were planned with, zero when nothing is held.
type State struct {
	Exists    bool
	ChunkSize int64
	Chunks    []ChunkRecord
}

// chunkSizeFile pins the chunk size of a chunk directory. Its leading dot
// keeps it out of chunk listings.
const chunkSizeFile = ".chunksize"

// Options configures a Store.
type Options struct {
	PublicDir        string
	TempDir          string
	ChunkSize        int64
	MergeConcurrency int
	Logger           *logrus.Entry
}

// Store implements ingest, query and merge on the local filesystem.
type Store struct {
	publicDir        string
	tempDir          string
	chunkSize        int64
	mergeConcurrency int
	log              *logrus.Entry

	mu    sync.Mutex
	locks map[string]*identityLock
}

type identityLock struct {
	sync.RWMutex
	refs int
}

// New creates both directories if needed.
func New(opts Options) (*Store, error) {
	if opts.ChunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", opts.ChunkSize)
	}
	for _, dir := range []string{opts.PublicDir, opts.TempDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
	}
	if opts.MergeConcurrency < 1 {
		opts.MergeConcurrency = 1
	}
	log := opts.Logger
	if log == nil {
		log = logging.Component("chunkstore")
	}
	return &Store{
		publicDir:        opts.PublicDir,
		tempDir:          opts.TempDir,
		chunkSize:        opts.ChunkSize,
		mergeConcurrency: opts.MergeConcurrency,
		log:              log,
		locks:            make(map[string]*identityLock),
	}, nil
}

func (s *Store) PublicDir() string { return s.publicDir }

// ChunkSize is the largest chunk size a new upload may use.
func (s *Store) ChunkSize() int64 { return s.chunkSize }

// FinalPath is where the merged file for id lives.
func (s *Store) FinalPath(id string) string {
	return filepath.Join(s.publicDir, id)
}

// ChunkDir holds the partial chunks of id.
func (s *Store) ChunkDir(id string) string {
	return filepath.Join(s.tempDir, id)
}

// lock takes the per-identity lock. Ingests share it, merges hold it
// exclusively so no chunk changes while it is being copied or removed.
func (s *Store) lock(id string, exclusive bool) func() {
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &identityLock{}
		s.locks[id] = l
	}
	l.refs++
	s.mu.Unlock()

	if exclusive {
		l.Lock()
	} else {
		l.RLock()
	}

	return func() {
		if exclusive {
			l.Unlock()
		} else {
			l.RUnlock()
		}
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, id)
		}
		s.mu.Unlock()
	}
}

func validIdentity(id string) error {
	if !identity.Valid(id) {
		return fmt.Errorf("%w: invalid file identity %q", common.ErrValidation, id)
	}
	return nil
}

func fileExists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err == nil {
		return info.Mode().IsRegular(), nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// readChunkSize returns the pinned chunk size of dir, or zero.
func readChunkSize(dir string) (int64, error) {
	data, err := os.ReadFile(filepath.Join(dir, chunkSizeFile))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read chunk size: %w", err)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: corrupt chunk size marker in %s", common.ErrIntegrity, filepath.Base(dir))
	}
	return n, nil
}

// bindChunkSize creates dir and pins want as its chunk size unless another
// size is pinned already, and returns the pinned size. Concurrent first
// ingests race on a hard link, so exactly one size wins.
func (s *Store) bindChunkSize(dir string, want int64) (int64, error) {
	bound, err := readChunkSize(dir)
	if err != nil || bound > 0 {
		return bound, err
	}
	if want > s.chunkSize {
		return 0, fmt.Errorf("%w: chunk size %d exceeds the server limit of %d", common.ErrValidation, want, s.chunkSize)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("failed to create chunk directory: %w", err)
	}

	tmp := filepath.Join(dir, "."+uuid.NewString()+".tmp")
	if err := os.WriteFile(tmp, []byte(strconv.FormatInt(want, 10)), 0o644); err != nil {
		return 0, fmt.Errorf("failed to record chunk size: %w", err)
	}
	defer os.Remove(tmp)
	if err := os.Link(tmp, filepath.Join(dir, chunkSizeFile)); err != nil && !errors.Is(err, os.ErrExist) {
		return 0, fmt.Errorf("failed to record chunk size: %w", err)
	}
	return readChunkSize(dir)
}

func sizeMismatch(id string, bound, want int64) error {
	return fmt.Errorf("%w: chunks of %s were planned with %d byte chunks, not %d", common.ErrIntegrity, id, bound, want)
}

// Ingest writes body into chunkName starting at byte start. chunkSize is the
// size the client planned with, zero for the store's own. The first ingest
// of an identity pins it; a later ingest planned differently is rejected,
// since its offsets would not line up with the chunks on disk.
//
// Writing the same range twice overwrites in place. A start past the current
// chunk length would leave a hole and is rejected, as is any byte beyond the
// chunk size. When the body ends early the bytes received so far stay on disk
// as a valid prefix.
func (s *Store) Ingest(ctx context.Context, id, chunkName string, chunkSize, start int64, body io.Reader) (int64, error) {
	if err := validIdentity(id); err != nil {
		return 0, err
	}
	if _, err := chunker.ParseChunkIndex(id, chunkName); err != nil {
		return 0, fmt.Errorf("%w: %v", common.ErrValidation, err)
	}
	if start < 0 {
		return 0, fmt.Errorf("%w: negative start %d", common.ErrValidation, start)
	}
	if chunkSize < 0 {
		return 0, fmt.Errorf("%w: negative chunk size %d", common.ErrValidation, chunkSize)
	}
	if chunkSize == 0 {
		chunkSize = s.chunkSize
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	unlock := s.lock(id, false)
	defer unlock()

	// A merge holds the lock exclusively, so the final file cannot appear
	// while this ingest runs.
	exists, err := fileExists(s.FinalPath(id))
	if err != nil {
		return 0, fmt.Errorf("failed to stat final file: %w", err)
	}
	if exists {
		return 0, fmt.Errorf("%w: %s is already merged", common.ErrIntegrity, id)
	}

	dir := s.ChunkDir(id)
	bound, err := s.bindChunkSize(dir, chunkSize)
	if err != nil {
		return 0, err
	}
	if bound != chunkSize {
		return 0, sizeMismatch(id, bound, chunkSize)
	}

	f, err := os.OpenFile(filepath.Join(dir, chunkName), os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("failed to open chunk file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat chunk file: %w", err)
	}
	if start > info.Size() {
		return 0, fmt.Errorf("%w: start %d is past the %d bytes held for %s", common.ErrIntegrity, start, info.Size(), chunkName)
	}
	room := chunkSize - start
	if room < 0 {
		return 0, fmt.Errorf("%w: start %d is past the chunk size %d", common.ErrIntegrity, start, chunkSize)
	}

	written, err := io.Copy(io.NewOffsetWriter(f, start), io.LimitReader(body, room))
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"identity": id,
			"chunk":    chunkName,
			"written":  written,
		}).WithError(err).Warn("Chunk body ended early")
		return written, fmt.Errorf("failed to write chunk %s: %w", chunkName, err)
	}

	var extra [1]byte
	if n, _ := body.Read(extra[:]); n > 0 {
		return written, fmt.Errorf("%w: chunk %s exceeds %d bytes", common.ErrIntegrity, chunkName, chunkSize)
	}

	s.log.WithFields(logrus.Fields{
		"identity": id,
		"chunk":    chunkName,
		"start":    start,
		"written":  written,
	}).Debug("Chunk ingested")
	return written, nil
}

// Query reports whether the merged file exists and, if not, which chunks
// are on disk with their current sizes and the chunk size they were planned
// with. Order is unspecified.
func (s *Store) Query(ctx context.Context, id string) (State, error) {
	if err := validIdentity(id); err != nil {
		return State{}, err
	}

	exists, err := fileExists(s.FinalPath(id))
	if err != nil {
		return State{}, fmt.Errorf("failed to stat final file: %w", err)
	}
	if exists {
		return State{Exists: true, Chunks: []ChunkRecord{}}, nil
	}

	chunkSize, err := readChunkSize(s.ChunkDir(id))
	if err != nil {
		return State{}, err
	}
	chunks, err := s.listChunks(ctx, id)
	if err != nil {
		return State{}, err
	}
	return State{ChunkSize: chunkSize, Chunks: chunks}, nil
}

func (s *Store) listChunks(ctx context.Context, id string) ([]ChunkRecord, error) {
	dir := s.ChunkDir(id)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return []ChunkRecord{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list chunk directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if _, err := chunker.ParseChunkIndex(id, e.Name()); err != nil {
			continue
		}
		names = append(names, e.Name())
	}

	records := make([]ChunkRecord, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.mergeConcurrency)
	for i, name := range names {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			info, err := os.Stat(filepath.Join(dir, name))
			if err != nil {
				return fmt.Errorf("failed to stat chunk %s: %w", name, err)
			}
			records[i] = ChunkRecord{Name: name, Size: info.Size()}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return records, nil
}
