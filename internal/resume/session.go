package resume

import (
	"os"
	"time"

	"github.com/redsanjin-1/bigfile/internal/chunker"
	"github.com/redsanjin-1/bigfile/internal/identity"
)

// Status of a transfer session.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusUploading  Status = "uploading"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Session is everything needed to continue an upload after a restart.
// The source file itself is not stored; SourcePath plus FileSize and ModTime
// let a resume detect that the file changed underneath it.
type Session struct {
	Identity    string          `json:"identity"`
	SourcePath  string          `json:"source_path"`
	FileSize    int64           `json:"file_size"`
	ModTime     time.Time       `json:"mod_time"`
	ContentType string          `json:"content_type"`
	ChunkSize   int64           `json:"chunk_size"`
	Chunks      []chunker.Chunk `json:"chunks"`
	Status      Status          `json:"status"`
	Retries     int             `json:"retries"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// NewSession plans the chunks of a freshly identified file.
func NewSession(id identity.FileIdentity, path string, info os.FileInfo, contentType string, chunkSize int64) (Session, error) {
	chunks, err := chunker.Plan(info.Size(), id, chunkSize)
	if err != nil {
		return Session{}, err
	}
	now := time.Now().UTC()
	return Session{
		Identity:    id.String(),
		SourcePath:  path,
		FileSize:    info.Size(),
		ModTime:     info.ModTime(),
		ContentType: contentType,
		ChunkSize:   chunkSize,
		Chunks:      chunks,
		Status:      StatusNotStarted,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Matches reports whether info still describes the file the session was
// planned for.
func (s Session) Matches(info os.FileInfo) bool {
	return info.Size() == s.FileSize && info.ModTime().Equal(s.ModTime)
}

// Terminal reports whether no further transfer will happen without user
// intervention.
func (s Session) Terminal() bool {
	return s.Status == StatusCompleted || s.Status == StatusFailed
}
