// Package transfer carries the chunked upload protocol over HTTP: the server
// handlers in front of a chunkstore.Store and the typed client used by the
// uploader.
package transfer

import (
	"context"
	"io"
)

// API is the part of the protocol the uploader depends on.
type API interface {
	// QueryState asks which chunks of id the server already holds.
	QueryState(ctx context.Context, id string) (TransferStateResponse, error)
	// UploadChunk sends size bytes from body to be written at start inside
	// chunkName, which belongs to a plan of chunkSize byte chunks.
	// onProgress, when set, receives the running byte count.
	UploadChunk(ctx context.Context, id, chunkName string, chunkSize, start int64, body io.Reader, size int64, onProgress func(sent int64)) (int64, error)
	// Merge asks the server to assemble the final file.
	Merge(ctx context.Context, id string, chunkSize, fileSize int64) error
}
