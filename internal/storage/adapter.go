package storage

import (
	"context"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
)

var (
	ErrNotFound    = errors.New("chunk not found")
	ErrInvalidName = errors.New("invalid upload id")
	ErrInvalidPart = errors.New("invalid chunk index")
)

// MaxUploadIDLen keeps "<id>-<millis>-<n>" merged names under the 255 byte
// file name limit.
const MaxUploadIDLen = 230

// ChunkStore persists chunk artifacts keyed by (upload id, chunk index).
type ChunkStore interface {
	// Save stores the whole body under (uploadID, index), replacing any previous
	// artifact. Nothing is visible under that key unless Save returns nil.
	Save(ctx context.Context, uploadID string, index int, body io.Reader) (int64, error)

	// Open returns the artifact's bytes. ErrNotFound if absent.
	Open(ctx context.Context, uploadID string, index int) (io.ReadCloser, error)

	// Delete removes one artifact. ErrNotFound if absent.
	Delete(ctx context.Context, uploadID string, index int) error

	// DeleteAll removes every artifact of uploadID. Absent uploads are not an error.
	DeleteAll(ctx context.Context, uploadID string) error
}

// ValidateUploadID rejects ids that are unsafe as a single path component.
func ValidateUploadID(id string) error {
	switch {
	case id == "", id == ".", id == "..":
		return errors.Wrapf(ErrInvalidName, "%q", id)
	case len(id) > MaxUploadIDLen:
		return errors.Wrapf(ErrInvalidName, "longer than %d bytes", MaxUploadIDLen)
	case !utf8.ValidString(id):
		return errors.Wrap(ErrInvalidName, "not valid utf-8")
	case strings.ContainsAny(id, "/\\\x00"):
		return errors.Wrapf(ErrInvalidName, "%q contains a path separator", id)
	case strings.HasPrefix(id, "."):
		// dot-prefixed names are reserved for temp files
		return errors.Wrapf(ErrInvalidName, "%q starts with a dot", id)
	}
	for _, r := range id {
		if r < 0x20 || r == 0x7f {
			return errors.Wrapf(ErrInvalidName, "%q contains a control character", id)
		}
	}
	return nil
}

func validateKey(uploadID string, index int) error {
	if err := ValidateUploadID(uploadID); err != nil {
		return err
	}
	if index < 0 {
		return errors.Wrapf(ErrInvalidPart, "%d", index)
	}
	return nil
}
