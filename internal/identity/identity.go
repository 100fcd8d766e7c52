// Package identity derives content addressed names for files. Two files with
// the same bytes and extension always get the same name, which is what the
// server uses both as dedup key and as chunk directory name.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Algorithm selects the digest function.
type Algorithm string

const (
	SHA256  Algorithm = "sha256"
	BLAKE2b Algorithm = "blake2b"
)

// New returns a fresh hash for the algorithm.
func (a Algorithm) New() (hash.Hash, error) {
	switch a {
	case SHA256, "":
		return sha256.New(), nil
	case BLAKE2b:
		return blake2b.New256(nil)
	default:
		return nil, fmt.Errorf("unknown digest algorithm %q", string(a))
	}
}

var (
	namePattern = regexp.MustCompile(`^([0-9a-f]{64})(?:\.([A-Za-z0-9]{1,16}))?$`)
	extPattern  = regexp.MustCompile(`^[A-Za-z0-9]{1,16}$`)
)

// FileIdentity is a hex digest plus the original file extension.
type FileIdentity struct {
	Digest    string `json:"digest"`
	Extension string `json:"extension,omitempty"`
}

// String returns the canonical name "<digest>.<extension>", or just the
// digest when the file had no extension.
func (id FileIdentity) String() string {
	if id.Extension == "" {
		return id.Digest
	}
	return id.Digest + "." + id.Extension
}

func (id FileIdentity) IsZero() bool {
	return id.Digest == ""
}

// Compute hashes everything r yields.
func Compute(r io.Reader, ext string, algo Algorithm) (FileIdentity, error) {
	h, err := algo.New()
	if err != nil {
		return FileIdentity{}, err
	}
	if _, err := io.Copy(h, r); err != nil {
		return FileIdentity{}, fmt.Errorf("failed to hash content: %w", err)
	}
	return FileIdentity{
		Digest:    hex.EncodeToString(h.Sum(nil)),
		Extension: ext,
	}, nil
}

// FromFile hashes the file at path and takes the extension from its name.
func FromFile(path string, algo Algorithm) (FileIdentity, error) {
	f, err := os.Open(path)
	if err != nil {
		return FileIdentity{}, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	return Compute(f, Extension(path), algo)
}

// Extension returns the part of the base name after the last dot. Extensions
// that cannot appear in a canonical name are dropped.
func Extension(fileName string) string {
	ext := strings.TrimPrefix(filepath.Ext(filepath.Base(fileName)), ".")
	if !extPattern.MatchString(ext) {
		return ""
	}
	return ext
}

// Parse splits a canonical name back into its parts.
func Parse(name string) (FileIdentity, error) {
	m := namePattern.FindStringSubmatch(name)
	if m == nil {
		return FileIdentity{}, fmt.Errorf("invalid file identity %q", name)
	}
	return FileIdentity{Digest: m[1], Extension: m[2]}, nil
}

// Valid reports whether name is a canonical identity. Anything else must not
// be used to build a path on the server.
func Valid(name string) bool {
	return namePattern.MatchString(name)
}

// Algorithms lists every supported digest function.
var Algorithms = []Algorithm{SHA256, BLAKE2b}

// Matches reports whether r hashes to the digest of id under any supported
// algorithm. The server does not know which one the client chose, so all of
// them are computed in a single pass.
func Matches(r io.Reader, id FileIdentity) (bool, error) {
	hashes := make([]hash.Hash, 0, len(Algorithms))
	writers := make([]io.Writer, 0, len(Algorithms))
	for _, algo := range Algorithms {
		h, err := algo.New()
		if err != nil {
			return false, err
		}
		hashes = append(hashes, h)
		writers = append(writers, h)
	}
	if _, err := io.Copy(io.MultiWriter(writers...), r); err != nil {
		return false, fmt.Errorf("failed to hash content: %w", err)
	}
	for _, h := range hashes {
		if hex.EncodeToString(h.Sum(nil)) == id.Digest {
			return true, nil
		}
	}
	return false, nil
}
