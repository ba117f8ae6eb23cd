package upload

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrInvalidRequest covers missing or malformed client input.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrIncompleteUpload means a merge was requested before every chunk arrived.
	ErrIncompleteUpload = errors.New("incomplete upload")
	// ErrMissingChunk means an acknowledged chunk could not be read back.
	ErrMissingChunk = errors.New("missing chunk")
	// ErrIO is a storage or ledger failure.
	ErrIO = errors.New("storage failure")
	// ErrNothingToMerge means the ledger holds no record for the upload.
	ErrNothingToMerge = errors.New("nothing to merge")
)

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

func incompletef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrIncompleteUpload, fmt.Sprintf(format, args...))
}

func ioError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrIO, op, err)
}

type IncompleteUploadError struct {
	UploadID string
	Missing  []int
}

func (e *IncompleteUploadError) Error() string {
	parts := make([]string, len(e.Missing))
	for i, m := range e.Missing {
		parts[i] = strconv.Itoa(m)
	}
	return fmt.Sprintf("incomplete upload %s: missing chunks [%s]", e.UploadID, strings.Join(parts, ","))
}

func (e *IncompleteUploadError) Is(target error) bool {
	return target == ErrIncompleteUpload
}

type MissingChunkError struct {
	UploadID string
	Index    int
	Err      error
}

func (e *MissingChunkError) Error() string {
	return fmt.Sprintf("chunk %d of %s unreadable: %v", e.Index, e.UploadID, e.Err)
}

func (e *MissingChunkError) Is(target error) bool {
	return target == ErrMissingChunk
}

func (e *MissingChunkError) Unwrap() error {
	return e.Err
}
