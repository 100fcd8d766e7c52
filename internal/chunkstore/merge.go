package chunkstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/redsanjin-1/bigfile/internal/chunker"
	"github.com/redsanjin-1/bigfile/internal/common"
	"github.com/redsanjin-1/bigfile/internal/identity"
)

// UnknownSize leaves the total length unchecked.
const UnknownSize int64 = -1

// MergeOptions describe the layout the client planned with.
type MergeOptions struct {
	// ChunkSize defaults to the pinned size of the chunk directory, or the
	// store's configured size, when zero.
	ChunkSize int64
	// FileSize is checked against the sum of the chunks unless UnknownSize.
	FileSize int64
}

type indexedChunk struct {
	index int
	ChunkRecord
}

// Merge assembles the chunks of id into the final file. The result appears
// atomically: it is written to a hidden staging file which is renamed into
// place only after every byte is on disk and its digest matches id. Merging
// an identity that already has a final file succeeds without doing anything
// else.
func (s *Store) Merge(ctx context.Context, id string, opts MergeOptions) error {
	if err := validIdentity(id); err != nil {
		return err
	}
	fileID, err := identity.Parse(id)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrValidation, err)
	}

	unlock := s.lock(id, true)
	defer unlock()

	log := s.log.WithField("identity", id)
	finalPath := s.FinalPath(id)

	exists, err := fileExists(finalPath)
	if err != nil {
		return fmt.Errorf("failed to stat final file: %w", err)
	}
	if exists {
		s.removeChunks(log, id)
		return nil
	}

	bound, err := readChunkSize(s.ChunkDir(id))
	if err != nil {
		return err
	}
	chunkSize := opts.ChunkSize
	switch {
	case chunkSize <= 0 && bound > 0:
		chunkSize = bound
	case chunkSize <= 0:
		chunkSize = s.chunkSize
	case bound > 0 && bound != chunkSize:
		return sizeMismatch(id, bound, chunkSize)
	}

	records, err := s.listChunks(ctx, id)
	if err != nil {
		return err
	}
	chunks, total, err := validateLayout(id, records, chunkSize, opts.FileSize)
	if err != nil {
		return err
	}

	staging := filepath.Join(s.publicDir, fmt.Sprintf(".%s.%s.partial", id, uuid.NewString()))
	if err := s.assemble(ctx, id, staging, chunks, chunkSize, total); err != nil {
		os.Remove(staging)
		return err
	}
	if err := verifyDigest(staging, fileID); err != nil {
		os.Remove(staging)
		if errors.Is(err, common.ErrIntegrity) {
			// These chunks can never produce id; the next upload starts over.
			s.removeChunks(log, id)
			log.WithError(err).Error("Merged content does not match its identity")
		}
		return err
	}
	if err := os.Rename(staging, finalPath); err != nil {
		os.Remove(staging)
		return fmt.Errorf("failed to publish merged file: %w", err)
	}

	s.removeChunks(log, id)
	log.WithFields(logrus.Fields{
		"chunks": len(chunks),
		"size":   total,
	}).Info("File merged")
	return nil
}

// validateLayout sorts chunks by index and checks that they tile the file
// with fixed size pieces.
func validateLayout(id string, records []ChunkRecord, chunkSize, fileSize int64) ([]indexedChunk, int64, error) {
	if len(records) == 0 {
		return nil, 0, fmt.Errorf("%w: no chunks received for %s", common.ErrMerge, id)
	}

	chunks := make([]indexedChunk, 0, len(records))
	for _, r := range records {
		index, err := chunker.ParseChunkIndex(id, r.Name)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %v", common.ErrMerge, err)
		}
		chunks = append(chunks, indexedChunk{index: index, ChunkRecord: r})
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].index < chunks[j].index })

	var total int64
	last := len(chunks) - 1
	for i, c := range chunks {
		if c.index != i {
			return nil, 0, fmt.Errorf("%w: chunk %d is missing", common.ErrMerge, i)
		}
		switch {
		case i < last && c.Size != chunkSize:
			return nil, 0, fmt.Errorf("%w: chunk %d has %d bytes, want %d", common.ErrMerge, i, c.Size, chunkSize)
		case i == last && c.Size > chunkSize:
			return nil, 0, fmt.Errorf("%w: last chunk has %d bytes, more than %d", common.ErrMerge, c.Size, chunkSize)
		case i == last && c.Size == 0 && last > 0:
			return nil, 0, fmt.Errorf("%w: last chunk is empty", common.ErrMerge)
		}
		total += c.Size
	}
	if fileSize != UnknownSize && total != fileSize {
		return nil, 0, fmt.Errorf("%w: chunks hold %d bytes, want %d", common.ErrMerge, total, fileSize)
	}
	return chunks, total, nil
}

func (s *Store) assemble(ctx context.Context, id, staging string, chunks []indexedChunk, chunkSize, total int64) error {
	out, err := os.OpenFile(staging, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create staging file: %w", err)
	}
	defer out.Close()

	if err := out.Truncate(total); err != nil {
		return fmt.Errorf("failed to size staging file: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.mergeConcurrency)
	for _, c := range chunks {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return copyChunk(out, filepath.Join(s.ChunkDir(id), c.Name), chunker.Offset(c.index, chunkSize))
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := out.Sync(); err != nil {
		return fmt.Errorf("failed to sync merged file: %w", err)
	}
	return out.Close()
}

func verifyDigest(path string, id identity.FileIdentity) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open merged file: %w", err)
	}
	defer f.Close()

	ok, err := identity.Matches(f, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: merged content does not hash to %s", common.ErrIntegrity, id.Digest)
	}
	return nil
}

func copyChunk(out io.WriterAt, path string, offset int64) error {
	in, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open chunk: %w", err)
	}
	defer in.Close()

	if _, err := io.Copy(io.NewOffsetWriter(out, offset), in); err != nil {
		return fmt.Errorf("failed to copy chunk %s: %w", filepath.Base(path), err)
	}
	return nil
}

func (s *Store) removeChunks(log *logrus.Entry, id string) {
	if err := os.RemoveAll(s.ChunkDir(id)); err != nil {
		log.WithError(err).Warn("Failed to remove chunk directory")
	}
}
