package uploader

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	units "github.com/docker/go-units"

	"github.com/redsanjin-1/bigfile/internal/common"
)

// Validator rejects files before anything is hashed or sent.
type Validator struct {
	maxSize  int64
	patterns []string
}

// NewValidator builds a validator from a size limit and a list of content
// type globs such as "image/*" or "video/mp4".
func NewValidator(maxSize int64, patterns []string) (*Validator, error) {
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid content type pattern %q", p)
		}
	}
	return &Validator{maxSize: maxSize, patterns: patterns}, nil
}

// Validate returns the detected content type of the file at path.
func (v *Validator) Validate(path string, info os.FileInfo) (string, error) {
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s is not a regular file", common.ErrValidation, path)
	}
	if v.maxSize > 0 && info.Size() > v.maxSize {
		return "", fmt.Errorf("%w: %s is %s, the limit is %s", common.ErrValidation, filepath.Base(path),
			units.HumanSizeWithPrecision(float64(info.Size()), 3), units.HumanSizeWithPrecision(float64(v.maxSize), 3))
	}

	contentType, err := DetectContentType(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", common.ErrValidation, err)
	}
	if !v.allowed(contentType) {
		return "", fmt.Errorf("%w: content type %s of %s is not allowed", common.ErrValidation, contentType, filepath.Base(path))
	}
	return contentType, nil
}

func (v *Validator) allowed(contentType string) bool {
	if len(v.patterns) == 0 {
		return true
	}
	for _, p := range v.patterns {
		if ok, _ := doublestar.Match(p, contentType); ok {
			return true
		}
	}
	return false
}

// DetectContentType looks the extension up first and falls back to sniffing
// the first 512 bytes.
func DetectContentType(path string) (string, error) {
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		if mediaType, _, err := mime.ParseMediaType(ct); err == nil && mediaType != "application/octet-stream" {
			return mediaType, nil
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", err
	}
	ct := http.DetectContentType(head[:n])
	return strings.TrimSpace(strings.SplitN(ct, ";", 2)[0]), nil
}
