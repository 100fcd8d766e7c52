package transfer

import (
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/redsanjin-1/bigfile/internal/chunkstore"
	"github.com/redsanjin-1/bigfile/internal/common"
	"github.com/redsanjin-1/bigfile/pkg/logging"
)

// Server exposes a chunk store over HTTP.
type Server struct {
	store *chunkstore.Store
	log   *logrus.Entry
}

// NewServer creates a new transfer server
func NewServer(store *chunkstore.Store, log *logrus.Entry) *Server {
	if log == nil {
		log = logging.Component("transfer")
	}
	return &Server{store: store, log: log}
}

// Handler returns the routed handler wrapped with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET "+EndpointTransferState+"{id}", s.handleTransferState)
	mux.HandleFunc("POST "+EndpointChunk+"{id}", s.handleChunkUpload)
	mux.HandleFunc("POST "+EndpointMerge+"{id}", s.handleMerge)
	mux.HandleFunc("GET "+EndpointHealth, s.handleHealth)
	mux.Handle("GET "+EndpointFiles, http.StripPrefix(EndpointFiles,
		http.FileServer(publicFS{http.Dir(s.store.PublicDir())})))

	return s.withRequestID(mux)
}

// handleTransferState handles GET /transfer-state/{id}
func (s *Server) handleTransferState(w http.ResponseWriter, r *http.Request) {
	state, err := s.store.Query(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}

	chunks := make([]UploadedChunk, 0, len(state.Chunks))
	for _, c := range state.Chunks {
		chunks = append(chunks, UploadedChunk{ChunkFileName: c.Name, Size: c.Size})
	}
	WriteJSONResponse(w, http.StatusOK, TransferStateResponse{
		Success:        true,
		Exists:         state.Exists,
		ChunkSize:      state.ChunkSize,
		MaxChunkSize:   s.store.ChunkSize(),
		UploadedChunks: chunks,
	})
}

// handleChunkUpload handles POST /chunk/{id}?chunkFileName=&start=&chunkSize=
func (s *Server) handleChunkUpload(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	chunkName := q.Get(ParamChunkFileName)
	if chunkName == "" {
		WriteErrorResponse(w, http.StatusBadRequest, ParamChunkFileName+" is required")
		return
	}
	start, err := parseInt(q.Get(ParamStart), 0)
	if err != nil {
		WriteErrorResponse(w, http.StatusBadRequest, "Invalid start")
		return
	}
	chunkSize, err := parseInt(q.Get(ParamChunkSize), 0)
	if err != nil || chunkSize < 0 {
		WriteErrorResponse(w, http.StatusBadRequest, "Invalid chunkSize")
		return
	}

	limit := chunkSize
	if limit == 0 {
		limit = s.store.ChunkSize()
	}
	body := r.Body
	if room := limit - start; room >= 0 {
		if r.ContentLength > room {
			WriteErrorResponse(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("chunk body of %d bytes exceeds the %d bytes left in the chunk", r.ContentLength, room))
			return
		}
		// One extra byte lets the store tell an oversized body apart.
		body = http.MaxBytesReader(w, r.Body, room+1)
	}

	written, err := s.store.Ingest(r.Context(), r.PathValue("id"), chunkName, chunkSize, start, body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	WriteJSONResponse(w, http.StatusOK, ChunkUploadResponse{Success: true, Written: written})
}

// handleMerge handles POST /merge/{id}?chunkSize=&fileSize=
func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	chunkSize, err := parseInt(q.Get(ParamChunkSize), 0)
	if err != nil || chunkSize < 0 {
		WriteErrorResponse(w, http.StatusBadRequest, "Invalid chunkSize")
		return
	}
	fileSize, err := parseInt(q.Get(ParamFileSize), chunkstore.UnknownSize)
	if err != nil || fileSize < chunkstore.UnknownSize {
		WriteErrorResponse(w, http.StatusBadRequest, "Invalid fileSize")
		return
	}

	err = s.store.Merge(r.Context(), r.PathValue("id"), chunkstore.MergeOptions{
		ChunkSize: chunkSize,
		FileSize:  fileSize,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	WriteJSONResponse(w, http.StatusOK, SuccessResponse{Success: true})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSONResponse(w, http.StatusOK, SuccessResponse{Success: true})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	entry := s.log.WithFields(logrus.Fields{
		"request_id": w.Header().Get(HeaderRequestID),
		"path":       r.URL.Path,
		"status":     status,
	}).WithError(err)
	if status >= http.StatusInternalServerError {
		entry.Error("Request failed")
	} else {
		entry.Warn("Request rejected")
	}
	WriteErrorResponse(w, status, err.Error())
}

func parseInt(raw string, fallback int64) (int64, error) {
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", common.ErrValidation, err)
	}
	return v, nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.NewString()
		w.Header().Set(HeaderRequestID, requestID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		started := time.Now()
		next.ServeHTTP(rec, r)

		s.log.WithFields(logrus.Fields{
			"request_id": requestID,
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     rec.status,
			"duration":   time.Since(started).String(),
		}).Debug("Request handled")
	})
}

// publicFS serves finished files only: no dotfiles (merge staging files are
// hidden) and no directory listings.
type publicFS struct {
	root http.FileSystem
}

func (p publicFS) Open(name string) (http.File, error) {
	for _, part := range strings.Split(name, "/") {
		if strings.HasPrefix(part, ".") {
			return nil, fs.ErrNotExist
		}
	}
	f, err := p.root.Open(name)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.IsDir() {
		f.Close()
		return nil, os.ErrNotExist
	}
	return f, nil
}
