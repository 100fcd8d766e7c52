// Package uploader drives resumable uploads: it identifies a file, asks the
// server what it already holds, sends the missing byte ranges through a
// bounded queue and finally asks for the merge. Sessions are persisted so a
// later process can pick up where this one stopped.
package uploader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	units "github.com/docker/go-units"
	"github.com/sirupsen/logrus"

	"github.com/redsanjin-1/bigfile/internal/chunker"
	"github.com/redsanjin-1/bigfile/internal/common"
	"github.com/redsanjin-1/bigfile/internal/identity"
	"github.com/redsanjin-1/bigfile/internal/resume"
	"github.com/redsanjin-1/bigfile/internal/taskqueue"
	"github.com/redsanjin-1/bigfile/internal/transfer"
	"github.com/redsanjin-1/bigfile/pkg/logging"
)

// Options configures an Uploader.
type Options struct {
	ChunkSize     int64
	MaxConcurrent int
	MaxRetries    int
	MaxFileSize   int64
	AllowedTypes  []string
	Digest        identity.Algorithm
	OnEvent       func(Event)
	Logger        *logrus.Entry
}

// Uploader is safe for concurrent use; distinct identities may upload in
// parallel and share the concurrency limit.
type Uploader struct {
	api       transfer.API
	store     resume.Store
	hasher    *identity.Hasher
	validator *Validator
	queue     *taskqueue.Queue
	opts      Options
	log       *logrus.Entry

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// New wires an uploader. Close releases the hashing worker.
func New(api transfer.API, store resume.Store, opts Options) (*Uploader, error) {
	if opts.ChunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", opts.ChunkSize)
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	validator, err := NewValidator(opts.MaxFileSize, opts.AllowedTypes)
	if err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = logging.Component("uploader")
	}
	return &Uploader{
		api:       api,
		store:     store,
		hasher:    identity.NewHasher(opts.Digest),
		validator: validator,
		queue:     taskqueue.New(opts.MaxConcurrent),
		opts:      opts,
		log:       log,
		active:    make(map[string]context.CancelFunc),
	}, nil
}

func (u *Uploader) Close() {
	u.hasher.Close()
}

func (u *Uploader) emit(e Event) {
	if u.opts.OnEvent != nil {
		u.opts.OnEvent(e)
	}
}

// Prepare validates and identifies the file at path and returns its session,
// creating and persisting a new one when the identity has none yet. Nothing
// is hashed or sent for a file that fails validation.
func (u *Uploader) Prepare(ctx context.Context, path string) (resume.Session, error) {
	info, err := os.Stat(path)
	if err != nil {
		return resume.Session{}, fmt.Errorf("%w: %v", common.ErrValidation, err)
	}
	contentType, err := u.validator.Validate(path, info)
	if err != nil {
		return resume.Session{}, err
	}

	u.emit(Event{Type: EventCalculating, Path: path})
	id, err := u.hasher.Hash(ctx, path)
	if err != nil {
		if common.IsCancelled(err) {
			return resume.Session{}, fmt.Errorf("%w: hashing %s: %w", common.ErrCancelled, path, err)
		}
		return resume.Session{}, fmt.Errorf("failed to hash %s: %w", path, err)
	}

	sess, err := u.store.Get(ctx, id.String())
	switch {
	case err == nil:
		// Same bytes, maybe a different copy of them.
		sess.SourcePath = path
		sess.FileSize = info.Size()
		sess.ModTime = info.ModTime()
		sess.UpdatedAt = time.Now().UTC()
	case errors.Is(err, common.ErrNotFound):
		sess, err = resume.NewSession(id, path, info, contentType, u.opts.ChunkSize)
		if err != nil {
			return resume.Session{}, err
		}
	default:
		return resume.Session{}, fmt.Errorf("failed to load session: %w", err)
	}

	if err := u.store.Put(ctx, sess); err != nil {
		return resume.Session{}, fmt.Errorf("failed to save session: %w", err)
	}
	u.log.WithFields(logrus.Fields{
		"identity": sess.Identity,
		"path":     path,
		"chunks":   len(sess.Chunks),
	}).Debug("Upload prepared")
	u.emit(Event{Type: EventStatus, Identity: sess.Identity, Path: path, Status: sess.Status})
	return sess, nil
}

// Upload transfers the prepared session for id. Failed attempts are retried
// as a whole up to MaxRetries; a pause returns an error wrapping
// common.ErrCancelled and leaves the session resumable.
func (u *Uploader) Upload(ctx context.Context, id string) error {
	sess, err := u.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return fmt.Errorf("%w: no session for %s", common.ErrValidation, id)
		}
		return fmt.Errorf("failed to load session: %w", err)
	}
	if err := u.checkSource(sess); err != nil {
		return err
	}

	actx, release, err := u.begin(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	if sess.Status == resume.StatusFailed {
		sess.Retries = 0
	}

	for {
		err := u.attempt(actx, &sess)
		if err == nil {
			return nil
		}

		log := u.log.WithFields(logrus.Fields{"identity": id, "retries": sess.Retries}).WithError(err)
		if common.IsCancelled(err) {
			log.Info("Upload paused")
			sess.Status = resume.StatusPaused
			u.save(ctx, &sess)
			if !errors.Is(err, common.ErrCancelled) {
				err = fmt.Errorf("%w: %w", common.ErrCancelled, err)
			}
			return err
		}

		sess.LastError = err.Error()
		if !common.Retryable(err) || sess.Retries >= u.opts.MaxRetries {
			log.Error("Upload failed")
			sess.Status = resume.StatusFailed
			u.save(ctx, &sess)
			return err
		}

		sess.Retries++
		log.Warn("Upload attempt failed, retrying")
		u.save(ctx, &sess)
		u.emit(Event{Type: EventRetry, Identity: id, Path: sess.SourcePath, Attempt: sess.Retries, Err: err})
	}
}

// Resume continues a stored session. The server is queried again first, so
// chunks that arrived before the interruption are not resent.
func (u *Uploader) Resume(ctx context.Context, id string) error {
	return u.Upload(ctx, id)
}

// ResumeAll resumes every stored session in identity order. Errors are
// collected per identity; one failing session does not stop the others.
func (u *Uploader) ResumeAll(ctx context.Context) error {
	ids, err := u.store.ListIdentities(ctx)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	var errs []error
	for _, id := range ids {
		if err := u.Resume(ctx, id); err != nil {
			if common.IsCancelled(err) {
				return err
			}
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Pause cancels every running attempt and drops chunks still waiting for a
// slot. The affected uploads persist as paused.
func (u *Uploader) Pause() {
	u.mu.Lock()
	for _, cancel := range u.active {
		cancel()
	}
	u.mu.Unlock()

	if dropped := u.queue.Drain(); dropped > 0 {
		u.log.WithField("dropped", dropped).Debug("Dropped queued chunks")
	}
}

// Reset forgets the session for id. Chunks already on the server stay there
// and will be reused by the next upload of the same content, which adopts
// their chunk size. A running upload has to be paused first.
func (u *Uploader) Reset(ctx context.Context, id string) error {
	u.mu.Lock()
	_, running := u.active[id]
	u.mu.Unlock()
	if running {
		return fmt.Errorf("%w: %s is uploading", common.ErrValidation, id)
	}
	return u.store.Delete(ctx, id)
}

// ResetAll forgets every session.
func (u *Uploader) ResetAll(ctx context.Context) error {
	u.mu.Lock()
	running := len(u.active)
	u.mu.Unlock()
	if running > 0 {
		return fmt.Errorf("%w: %d uploads are running", common.ErrValidation, running)
	}
	return u.store.Clear(ctx)
}

// Merge only repeats the final merge request, for sessions whose chunks are
// all on the server but whose merge failed.
func (u *Uploader) Merge(ctx context.Context, id string) error {
	sess, err := u.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	if err := u.api.Merge(ctx, id, sess.ChunkSize, sess.FileSize); err != nil {
		sess.LastError = err.Error()
		sess.Status = resume.StatusFailed
		u.save(ctx, &sess)
		return err
	}
	return u.complete(ctx, &sess)
}

// Sessions lists every stored session.
func (u *Uploader) Sessions(ctx context.Context) ([]resume.Session, error) {
	ids, err := u.store.ListIdentities(ctx)
	if err != nil {
		return nil, err
	}
	sessions := make([]resume.Session, 0, len(ids))
	for _, id := range ids {
		sess, err := u.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

func (u *Uploader) begin(ctx context.Context, id string) (context.Context, func(), error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if _, running := u.active[id]; running {
		return nil, nil, fmt.Errorf("%w: %s is already uploading", common.ErrValidation, id)
	}
	actx, cancel := context.WithCancel(ctx)
	u.active[id] = cancel

	return actx, func() {
		cancel()
		u.mu.Lock()
		delete(u.active, id)
		u.mu.Unlock()
	}, nil
}

func (u *Uploader) checkSource(sess resume.Session) error {
	info, err := os.Stat(sess.SourcePath)
	if err != nil {
		return fmt.Errorf("%w: source of %s: %v", common.ErrValidation, sess.Identity, err)
	}
	if !sess.Matches(info) {
		return fmt.Errorf("%w: %s changed since the upload was prepared", common.ErrValidation, sess.SourcePath)
	}
	return nil
}

// save persists sess even when the attempt's context is already cancelled.
func (u *Uploader) save(ctx context.Context, sess *resume.Session) {
	sess.UpdatedAt = time.Now().UTC()
	if err := u.store.Put(context.WithoutCancel(ctx), *sess); err != nil {
		u.log.WithError(err).WithField("identity", sess.Identity).Error("Failed to save session")
	}
	u.emit(Event{Type: EventStatus, Identity: sess.Identity, Path: sess.SourcePath, Status: sess.Status, Attempt: sess.Retries})
}

func (u *Uploader) complete(ctx context.Context, sess *resume.Session) error {
	if err := u.store.Delete(context.WithoutCancel(ctx), sess.Identity); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	sess.Status = resume.StatusCompleted
	u.log.WithField("identity", sess.Identity).Info("Upload completed")
	u.emit(Event{Type: EventStatus, Identity: sess.Identity, Path: sess.SourcePath, Status: sess.Status})
	return nil
}

// attempt runs query, dispatch and merge once.
func (u *Uploader) attempt(ctx context.Context, sess *resume.Session) error {
	sess.Status = resume.StatusUploading
	u.save(ctx, sess)

	state, err := u.api.QueryState(ctx, sess.Identity)
	if err != nil {
		return err
	}
	if state.Exists {
		u.log.WithField("identity", sess.Identity).Info("File already exists, instant upload")
		u.emit(Event{Type: EventDeduplicated, Identity: sess.Identity, Path: sess.SourcePath})
		return u.complete(ctx, sess)
	}

	if err := u.reconcilePlan(ctx, sess, state); err != nil {
		return err
	}

	held := make(map[string]int64, len(state.UploadedChunks))
	for _, c := range state.UploadedChunks {
		held[c.ChunkFileName] = c.Size
	}

	tracker := transfer.NewProgressTracker(filepath.Base(sess.SourcePath))
	type job struct {
		chunk chunker.Chunk
		from  int64
	}
	jobs := make([]job, 0, len(sess.Chunks))
	for _, c := range sess.Chunks {
		have := held[c.Name]
		if have > c.Len() {
			return fmt.Errorf("%w: server holds %d bytes of %s, expected at most %d", common.ErrIntegrity, have, c.Name, c.Len())
		}
		tracker.Track(c.Index, c.Len(), have)
		_, onServer := held[c.Name]
		if onServer && have == c.Len() {
			u.emitProgress(sess, tracker, c.Index)
			continue
		}
		jobs = append(jobs, job{chunk: c, from: have})
	}

	if len(jobs) > 0 {
		src, err := os.Open(sess.SourcePath)
		if err != nil {
			return fmt.Errorf("%w: %v", common.ErrValidation, err)
		}
		defer src.Close()

		futures := make([]*taskqueue.Future, 0, len(jobs))
		for _, j := range jobs {
			futures = append(futures, u.queue.Submit(ctx, func(ctx context.Context) error {
				return u.sendChunk(ctx, src, sess, tracker, j.chunk, j.from)
			}))
		}

		// Every chunk settles before the attempt's outcome is decided.
		errs := make([]error, 0)
		for _, f := range futures {
			<-f.Done()
			if err := f.Err(); err != nil {
				errs = append(errs, err)
			}
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", common.ErrCancelled, ctx.Err())
		}
		if len(errs) > 0 {
			return errors.Join(errs...)
		}
	}

	if err := u.api.Merge(ctx, sess.Identity, sess.ChunkSize, sess.FileSize); err != nil {
		return err
	}
	return u.complete(ctx, sess)
}

// reconcilePlan makes the session's plan agree with the server before any
// byte moves. Chunks already held were cut with the size the server reports;
// their names only line up with a plan of that size, so the session is
// re-planned with it. With nothing held, a plan above the server's limit is
// refused.
func (u *Uploader) reconcilePlan(ctx context.Context, sess *resume.Session, state transfer.TransferStateResponse) error {
	switch {
	case state.ChunkSize > 0 && state.ChunkSize != sess.ChunkSize:
		id, err := identity.Parse(sess.Identity)
		if err != nil {
			return fmt.Errorf("%w: %v", common.ErrValidation, err)
		}
		chunks, err := chunker.Plan(sess.FileSize, id, state.ChunkSize)
		if err != nil {
			return fmt.Errorf("%w: %v", common.ErrIntegrity, err)
		}
		u.log.WithFields(logrus.Fields{
			"identity": sess.Identity,
			"planned":  sess.ChunkSize,
			"held":     state.ChunkSize,
		}).Warn("Server holds chunks of another size, re-planning")
		sess.ChunkSize = state.ChunkSize
		sess.Chunks = chunks
		u.save(ctx, sess)
	case state.ChunkSize == 0 && state.MaxChunkSize > 0 && sess.ChunkSize > state.MaxChunkSize:
		return fmt.Errorf("%w: chunk size %s exceeds the server limit of %s", common.ErrValidation,
			units.BytesSize(float64(sess.ChunkSize)), units.BytesSize(float64(state.MaxChunkSize)))
	}
	return nil
}

func (u *Uploader) sendChunk(ctx context.Context, src *os.File, sess *resume.Session, tracker *transfer.ProgressTracker, c chunker.Chunk, from int64) error {
	written, err := u.api.UploadChunk(ctx, sess.Identity, c.Name, sess.ChunkSize, from, c.Section(src, from), c.Len()-from, func(sent int64) {
		tracker.Update(c.Index, from+sent)
		u.emitProgress(sess, tracker, c.Index)
	})
	if err != nil {
		return err
	}
	if from+written != c.Len() {
		return fmt.Errorf("%w: server stored %d bytes of %s, sent %d", common.ErrIntegrity, from+written, c.Name, c.Len())
	}
	tracker.Update(c.Index, c.Len())
	u.emitProgress(sess, tracker, c.Index)
	return nil
}

func (u *Uploader) emitProgress(sess *resume.Session, tracker *transfer.ProgressTracker, index int) {
	if u.opts.OnEvent == nil {
		return
	}
	u.emit(Event{
		Type:         EventProgress,
		Identity:     sess.Identity,
		Path:         sess.SourcePath,
		ChunkIndex:   index,
		ChunkPercent: tracker.ChunkPercent(index),
		Progress:     tracker.Snapshot(),
	})
}
