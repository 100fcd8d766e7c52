package uploader

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redsanjin-1/bigfile/internal/chunker"
	"github.com/redsanjin-1/bigfile/internal/common"
	"github.com/redsanjin-1/bigfile/internal/resume"
	"github.com/redsanjin-1/bigfile/internal/transfer"
	"github.com/redsanjin-1/bigfile/pkg/logging"
)

const mib = 1024 * 1024

type uploadCall struct {
	name      string
	chunkSize int64
	start     int64
	size      int64
	read      int64
}

// fakeAPI keeps server state in memory and records every call.
type fakeAPI struct {
	mu       sync.Mutex
	held     map[string]map[string]int64
	pinned   map[string]int64
	exists   map[string]bool
	uploads  []uploadCall
	queries  int
	merges   int
	maxChunk int64

	uploadErr error
	mergeErr  error
	started   chan struct{}
	block     bool
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		held:   make(map[string]map[string]int64),
		pinned: make(map[string]int64),
		exists: make(map[string]bool),
	}
}

func (f *fakeAPI) QueryState(ctx context.Context, id string) (transfer.TransferStateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++

	state := transfer.TransferStateResponse{Success: true, Exists: f.exists[id], MaxChunkSize: f.maxChunk, UploadedChunks: []transfer.UploadedChunk{}}
	if state.Exists {
		return state, nil
	}
	state.ChunkSize = f.pinned[id]
	for name, size := range f.held[id] {
		state.UploadedChunks = append(state.UploadedChunks, transfer.UploadedChunk{ChunkFileName: name, Size: size})
	}
	return state, nil
}

func (f *fakeAPI) UploadChunk(ctx context.Context, id, chunkName string, chunkSize, start int64, body io.Reader, size int64, onProgress func(int64)) (int64, error) {
	f.mu.Lock()
	started, block, uploadErr := f.started, f.block, f.uploadErr
	f.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if block {
		<-ctx.Done()
		return 0, fmt.Errorf("%w: %w", common.ErrCancelled, ctx.Err())
	}

	n, err := io.Copy(io.Discard, body)
	if err != nil {
		return 0, err
	}
	if onProgress != nil {
		onProgress(n)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, uploadCall{name: chunkName, chunkSize: chunkSize, start: start, size: size, read: n})
	if uploadErr != nil {
		return 0, uploadErr
	}
	if f.held[id] == nil {
		f.held[id] = make(map[string]int64)
	}
	f.held[id][chunkName] = start + n
	if f.pinned[id] == 0 {
		f.pinned[id] = chunkSize
	}
	return n, nil
}

func (f *fakeAPI) Merge(ctx context.Context, id string, chunkSize, fileSize int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.merges++
	if f.mergeErr != nil {
		return f.mergeErr
	}
	f.exists[id] = true
	delete(f.held, id)
	delete(f.pinned, id)
	return nil
}

func (f *fakeAPI) uploadCalls() []uploadCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uploadCall(nil), f.uploads...)
}

type harness struct {
	store    resume.Store
	uploader *Uploader

	mu     sync.Mutex
	events []Event
}

func newHarness(t *testing.T, api transfer.API, opts Options) *harness {
	t.Helper()
	store, err := resume.OpenBadgerInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h := &harness{store: store}
	if opts.ChunkSize == 0 {
		opts.ChunkSize = 10 * mib
	}
	if opts.MaxConcurrent == 0 {
		opts.MaxConcurrent = 3
	}
	if opts.AllowedTypes == nil {
		opts.AllowedTypes = []string{"image/*", "video/*"}
	}
	opts.Logger = logging.Discard()
	opts.OnEvent = func(e Event) {
		h.mu.Lock()
		h.events = append(h.events, e)
		h.mu.Unlock()
	}

	u, err := New(api, store, opts)
	require.NoError(t, err)
	t.Cleanup(u.Close)
	h.uploader = u
	return h
}

func (h *harness) hasEvent(typ EventType) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, e := range h.events {
		if e.Type == typ {
			return true
		}
	}
	return false
}

func writeFile(t *testing.T, name string, size int) string {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestUpload_FullTransfer(t *testing.T) {
	api := newFakeAPI()
	h := newHarness(t, api, Options{})
	path := writeFile(t, "clip.png", 25*mib)

	sess, err := h.uploader.Prepare(context.Background(), path)
	require.NoError(t, err)
	assert.Len(t, sess.Chunks, 3)
	assert.Equal(t, resume.StatusNotStarted, sess.Status)
	assert.Equal(t, "image/png", sess.ContentType)

	require.NoError(t, h.uploader.Upload(context.Background(), sess.Identity))

	calls := api.uploadCalls()
	assert.Len(t, calls, 3)
	var total int64
	for _, c := range calls {
		assert.Equal(t, int64(0), c.start)
		assert.Equal(t, c.size, c.read)
		total += c.read
	}
	assert.Equal(t, int64(25*mib), total)
	assert.Equal(t, 1, api.merges)

	_, err = h.store.Get(context.Background(), sess.Identity)
	assert.ErrorIs(t, err, common.ErrNotFound, "session is deleted after completion")
	assert.True(t, h.hasEvent(EventCalculating))
	assert.True(t, h.hasEvent(EventProgress))
}

func TestUpload_DeduplicatedFileSendsNothing(t *testing.T) {
	api := newFakeAPI()
	h := newHarness(t, api, Options{})
	path := writeFile(t, "clip.png", 25*mib)

	sess, err := h.uploader.Prepare(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, h.uploader.Upload(context.Background(), sess.Identity))
	before := len(api.uploadCalls())

	sess, err = h.uploader.Prepare(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, h.uploader.Upload(context.Background(), sess.Identity))

	assert.Equal(t, before, len(api.uploadCalls()), "no chunk is sent twice")
	assert.Equal(t, 1, api.merges)
	assert.True(t, h.hasEvent(EventDeduplicated))
	_, err = h.store.Get(context.Background(), sess.Identity)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestUpload_ResumesPartialChunk(t *testing.T) {
	api := newFakeAPI()
	h := newHarness(t, api, Options{})
	path := writeFile(t, "clip.mp4.png", 10*mib)

	sess, err := h.uploader.Prepare(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, sess.Chunks, 1)
	api.held[sess.Identity] = map[string]int64{sess.Chunks[0].Name: 4 * mib}

	require.NoError(t, h.uploader.Upload(context.Background(), sess.Identity))

	calls := api.uploadCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, int64(4194304), calls[0].start)
	assert.Equal(t, int64(6*mib), calls[0].read)
	assert.Equal(t, int64(6*mib), calls[0].size)
}

func TestUpload_SkipsCompleteChunks(t *testing.T) {
	api := newFakeAPI()
	h := newHarness(t, api, Options{})
	path := writeFile(t, "clip.png", 25*mib)

	sess, err := h.uploader.Prepare(context.Background(), path)
	require.NoError(t, err)
	api.held[sess.Identity] = map[string]int64{
		sess.Chunks[0].Name: 10 * mib,
		sess.Chunks[2].Name: 5 * mib,
	}

	require.NoError(t, h.uploader.Upload(context.Background(), sess.Identity))
	calls := api.uploadCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, sess.Chunks[1].Name, calls[0].name)
}

func TestUpload_ServerHoldsTooMuch(t *testing.T) {
	api := newFakeAPI()
	h := newHarness(t, api, Options{MaxRetries: 3})
	path := writeFile(t, "clip.png", 15*mib)

	sess, err := h.uploader.Prepare(context.Background(), path)
	require.NoError(t, err)
	api.held[sess.Identity] = map[string]int64{sess.Chunks[1].Name: 6 * mib}

	err = h.uploader.Upload(context.Background(), sess.Identity)
	assert.ErrorIs(t, err, common.ErrIntegrity)
	assert.Empty(t, api.uploadCalls())
	assert.Equal(t, 1, api.queries, "integrity errors are not retried")
}

func TestUpload_AdoptsChunkSizeHeldByServer(t *testing.T) {
	api := newFakeAPI()
	h := newHarness(t, api, Options{ChunkSize: 10 * mib})
	path := writeFile(t, "clip.png", 20*mib)

	sess, err := h.uploader.Prepare(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, sess.Chunks, 2)

	// An earlier plan cut 5 MiB chunks; the first two are on the server.
	api.pinned[sess.Identity] = 5 * mib
	api.held[sess.Identity] = map[string]int64{
		chunker.ChunkName(sess.Identity, 0): 5 * mib,
		chunker.ChunkName(sess.Identity, 1): 5 * mib,
	}

	require.NoError(t, h.uploader.Upload(context.Background(), sess.Identity))

	calls := api.uploadCalls()
	require.Len(t, calls, 2)
	names := []string{calls[0].name, calls[1].name}
	assert.ElementsMatch(t, []string{chunker.ChunkName(sess.Identity, 2), chunker.ChunkName(sess.Identity, 3)}, names)
	for _, c := range calls {
		assert.Equal(t, int64(5*mib), c.chunkSize)
		assert.Equal(t, int64(0), c.start)
		assert.Equal(t, int64(5*mib), c.read)
	}
}

func TestUpload_ChunkSizeAboveServerLimit(t *testing.T) {
	api := newFakeAPI()
	api.maxChunk = 4 * mib
	h := newHarness(t, api, Options{ChunkSize: 10 * mib, MaxRetries: 3})
	path := writeFile(t, "clip.png", 15*mib)

	sess, err := h.uploader.Prepare(context.Background(), path)
	require.NoError(t, err)

	err = h.uploader.Upload(context.Background(), sess.Identity)
	assert.ErrorIs(t, err, common.ErrValidation)
	assert.Empty(t, api.uploadCalls(), "nothing is sent")
	assert.Equal(t, 1, api.queries)

	stored, err := h.store.Get(context.Background(), sess.Identity)
	require.NoError(t, err)
	assert.Equal(t, resume.StatusFailed, stored.Status)
}

func TestUpload_RetryCeiling(t *testing.T) {
	api := newFakeAPI()
	api.uploadErr = fmt.Errorf("%w: connection reset", common.ErrTransient)
	h := newHarness(t, api, Options{MaxRetries: 2})
	path := writeFile(t, "clip.png", 15*mib)

	sess, err := h.uploader.Prepare(context.Background(), path)
	require.NoError(t, err)

	err = h.uploader.Upload(context.Background(), sess.Identity)
	assert.ErrorIs(t, err, common.ErrTransient)
	assert.Equal(t, 3, api.queries, "one attempt plus two retries")
	assert.Len(t, api.uploadCalls(), 6, "every chunk settles in every attempt")
	assert.Equal(t, 0, api.merges)

	stored, err := h.store.Get(context.Background(), sess.Identity)
	require.NoError(t, err, "resume state is kept")
	assert.Equal(t, resume.StatusFailed, stored.Status)
	assert.Equal(t, 2, stored.Retries)
	assert.Contains(t, stored.LastError, "connection reset")
	assert.True(t, h.hasEvent(EventRetry))

	// An explicit resume starts a fresh retry budget.
	api.mu.Lock()
	api.uploadErr = nil
	api.mu.Unlock()
	require.NoError(t, h.uploader.Resume(context.Background(), sess.Identity))
}

func TestUpload_MergeFailureKeepsChunks(t *testing.T) {
	api := newFakeAPI()
	api.mergeErr = fmt.Errorf("%w: rename failed", common.ErrMerge)
	h := newHarness(t, api, Options{MaxRetries: 5})
	path := writeFile(t, "clip.png", 12*mib)

	sess, err := h.uploader.Prepare(context.Background(), path)
	require.NoError(t, err)

	err = h.uploader.Upload(context.Background(), sess.Identity)
	assert.ErrorIs(t, err, common.ErrMerge)
	assert.Equal(t, 1, api.merges, "merge errors are not retried as a whole")
	assert.Len(t, api.uploadCalls(), 2)

	api.mu.Lock()
	api.mergeErr = nil
	api.mu.Unlock()
	require.NoError(t, h.uploader.Merge(context.Background(), sess.Identity))
	assert.Len(t, api.uploadCalls(), 2, "retrying the merge sends no bytes")
	_, err = h.store.Get(context.Background(), sess.Identity)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestUpload_Pause(t *testing.T) {
	api := newFakeAPI()
	api.block = true
	api.started = make(chan struct{}, 1)
	h := newHarness(t, api, Options{MaxConcurrent: 1, MaxRetries: 3})
	path := writeFile(t, "clip.png", 25*mib)

	sess, err := h.uploader.Prepare(context.Background(), path)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- h.uploader.Upload(context.Background(), sess.Identity) }()

	select {
	case <-api.started:
	case <-time.After(5 * time.Second):
		t.Fatal("upload never started")
	}
	h.uploader.Pause()

	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("upload did not stop after pause")
	}
	assert.ErrorIs(t, err, common.ErrCancelled)
	assert.False(t, common.Retryable(err))
	assert.Equal(t, 1, api.queries, "a pause is not retried")

	stored, err := h.store.Get(context.Background(), sess.Identity)
	require.NoError(t, err)
	assert.Equal(t, resume.StatusPaused, stored.Status)
	assert.Equal(t, 0, stored.Retries)

	api.mu.Lock()
	api.block = false
	api.mu.Unlock()
	require.NoError(t, h.uploader.Resume(context.Background(), sess.Identity))
	assert.Equal(t, 1, api.merges)
}

func TestPrepare_ValidationHappensFirst(t *testing.T) {
	api := newFakeAPI()
	h := newHarness(t, api, Options{MaxFileSize: 1 * mib})

	tests := map[string]string{
		"too large":  writeFile(t, "big.png", 2*mib),
		"wrong type": writeFile(t, "notes.txt", 10),
		"missing":    filepath.Join(t.TempDir(), "gone.png"),
		"directory":  t.TempDir(),
	}
	for name, path := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := h.uploader.Prepare(context.Background(), path)
			assert.ErrorIs(t, err, common.ErrValidation)
		})
	}

	assert.Equal(t, 0, api.queries)
	assert.Empty(t, api.uploadCalls())
	assert.False(t, h.hasEvent(EventCalculating), "nothing is hashed")
	ids, err := h.store.ListIdentities(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestPrepare_ReusesSession(t *testing.T) {
	api := newFakeAPI()
	h := newHarness(t, api, Options{})
	path := writeFile(t, "clip.png", 3*mib)

	first, err := h.uploader.Prepare(context.Background(), path)
	require.NoError(t, err)
	first.Retries = 1
	require.NoError(t, h.store.Put(context.Background(), first))

	second, err := h.uploader.Prepare(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, first.Identity, second.Identity)
	assert.Equal(t, 1, second.Retries)
	assert.Equal(t, first.Chunks, second.Chunks)
}

func TestUpload_SourceChanged(t *testing.T) {
	api := newFakeAPI()
	h := newHarness(t, api, Options{})
	path := writeFile(t, "clip.png", 3*mib)

	sess, err := h.uploader.Prepare(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("different"), 0o600))

	err = h.uploader.Upload(context.Background(), sess.Identity)
	assert.ErrorIs(t, err, common.ErrValidation)
	assert.Equal(t, 0, api.queries)
}

func TestResumeAll(t *testing.T) {
	api := newFakeAPI()
	h := newHarness(t, api, Options{ChunkSize: mib})

	var ids []string
	for i := 0; i < 3; i++ {
		sess, err := h.uploader.Prepare(context.Background(), writeFile(t, fmt.Sprintf("f%d.png", i), 2*mib+i))
		require.NoError(t, err)
		ids = append(ids, sess.Identity)
	}

	require.NoError(t, h.uploader.ResumeAll(context.Background()))
	assert.Equal(t, 3, api.merges)
	for _, id := range ids {
		assert.True(t, api.exists[id])
	}
	sessions, err := h.uploader.Sessions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestReset(t *testing.T) {
	api := newFakeAPI()
	h := newHarness(t, api, Options{})

	a, err := h.uploader.Prepare(context.Background(), writeFile(t, "a.png", 100))
	require.NoError(t, err)
	_, err = h.uploader.Prepare(context.Background(), writeFile(t, "b.png", 200))
	require.NoError(t, err)

	require.NoError(t, h.uploader.Reset(context.Background(), a.Identity))
	sessions, err := h.uploader.Sessions(context.Background())
	require.NoError(t, err)
	assert.Len(t, sessions, 1)

	require.NoError(t, h.uploader.ResetAll(context.Background()))
	sessions, err = h.uploader.Sessions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sessions)

	err = h.uploader.Upload(context.Background(), a.Identity)
	assert.ErrorIs(t, err, common.ErrValidation)
}

func TestUpload_EmptyFile(t *testing.T) {
	api := newFakeAPI()
	h := newHarness(t, api, Options{})
	path := filepath.Join(t.TempDir(), "empty.png")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	sess, err := h.uploader.Prepare(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, h.uploader.Upload(context.Background(), sess.Identity))

	calls := api.uploadCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, chunker.ChunkName(sess.Identity, 0), calls[0].name)
	assert.Equal(t, int64(0), calls[0].size)
}

func TestDetectContentType(t *testing.T) {
	dir := t.TempDir()
	gif := filepath.Join(dir, "noext")
	require.NoError(t, os.WriteFile(gif, []byte("GIF89a......"), 0o600))

	ct, err := DetectContentType(gif)
	require.NoError(t, err)
	assert.Equal(t, "image/gif", ct)

	ct, err = DetectContentType(filepath.Join(dir, "x.jpg"))
	require.NoError(t, err, "known extensions are not opened")
	assert.Equal(t, "image/jpeg", ct)
}

func TestNewValidator_BadPattern(t *testing.T) {
	_, err := NewValidator(0, []string{"image/[*"})
	assert.Error(t, err)
}
