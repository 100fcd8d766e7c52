package chunker

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/redsanjin-1/bigfile/internal/identity"
)

// Chunk is the half-open byte range [Start, End) of a file.
type Chunk struct {
	Index int    `json:"index"`
	Start int64  `json:"start"`
	End   int64  `json:"end"`
	Name  string `json:"name"`
}

// Len returns the number of bytes in the chunk.
func (c Chunk) Len() int64 {
	return c.End - c.Start
}

// Section returns a reader over the chunk's bytes starting from offset
// `from` inside the chunk. Used to send only the suffix the server is missing.
func (c Chunk) Section(r io.ReaderAt, from int64) *io.SectionReader {
	if from < 0 {
		from = 0
	}
	if from > c.Len() {
		from = c.Len()
	}
	return io.NewSectionReader(r, c.Start+from, c.Len()-from)
}

// Plan partitions a file into fixed size chunks; only the last one may be
// shorter. The result depends on nothing but its arguments, so a plan rebuilt
// after a restart has exactly the same boundaries and names.
//
// An empty file yields a single empty chunk so that merging still produces
// the (empty) final file.
func Plan(fileSize int64, id identity.FileIdentity, chunkSize int64) ([]Chunk, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	if fileSize < 0 {
		return nil, fmt.Errorf("file size must not be negative, got %d", fileSize)
	}
	if id.IsZero() {
		return nil, fmt.Errorf("file identity is required")
	}

	name := id.String()
	count := Count(fileSize, chunkSize)
	chunks := make([]Chunk, 0, count)
	for i := 0; i < count; i++ {
		start := Offset(i, chunkSize)
		end := start + chunkSize
		if end > fileSize {
			end = fileSize
		}
		chunks = append(chunks, Chunk{
			Index: i,
			Start: start,
			End:   end,
			Name:  ChunkName(name, i),
		})
	}
	return chunks, nil
}

// Count returns how many chunks Plan produces for the given sizes.
func Count(fileSize, chunkSize int64) int {
	if fileSize <= 0 {
		return 1
	}
	return int((fileSize + chunkSize - 1) / chunkSize)
}

// Offset is the position of chunk index in the final file.
func Offset(index int, chunkSize int64) int64 {
	return int64(index) * chunkSize
}

// ChunkName builds "<identity>-<index>".
func ChunkName(identityName string, index int) string {
	return identityName + "-" + strconv.Itoa(index)
}

// ParseChunkIndex extracts the index from a chunk name that belongs to
// identityName. Only canonical names (no sign, no leading zeros) are accepted.
func ParseChunkIndex(identityName, chunkName string) (int, error) {
	prefix := identityName + "-"
	if !strings.HasPrefix(chunkName, prefix) {
		return 0, fmt.Errorf("chunk %q does not belong to %q", chunkName, identityName)
	}
	digits := strings.TrimPrefix(chunkName, prefix)
	if digits == "" || (len(digits) > 1 && digits[0] == '0') {
		return 0, fmt.Errorf("invalid chunk index in %q", chunkName)
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("invalid chunk index in %q", chunkName)
		}
	}
	index, err := strconv.Atoi(digits)
	if err != nil {
		return 0, fmt.Errorf("invalid chunk index in %q: %w", chunkName, err)
	}
	return index, nil
}
