package storage

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

const partSuffix = ".part"

// DiskStore keeps chunks as <root>/<uploadID>/<index>.part.
type DiskStore struct {
	root string
}

func NewDiskStore(root string) *DiskStore {
	return &DiskStore{root: root}
}

func (s *DiskStore) uploadDir(uploadID string) string {
	return filepath.Join(s.root, uploadID)
}

func (s *DiskStore) partPath(uploadID string, index int) string {
	return filepath.Join(s.uploadDir(uploadID), strconv.Itoa(index)+partSuffix)
}

func (s *DiskStore) Save(ctx context.Context, uploadID string, index int, body io.Reader) (int64, error) {
	if err := validateKey(uploadID, index); err != nil {
		return 0, err
	}
	// creates the root lazily as well
	dir := s.uploadDir(uploadID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, errors.Wrapf(err, "failed to create chunk dir for %s", uploadID)
	}

	tmp, err := os.CreateTemp(dir, "."+strconv.Itoa(index)+"-*.tmp")
	if err != nil {
		return 0, errors.Wrap(err, "failed to create temp chunk")
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	n, err := io.Copy(tmp, readerWithContext(ctx, body))
	if err != nil {
		return n, errors.Wrapf(err, "failed to write chunk %d of %s", index, uploadID)
	}
	if err := tmp.Sync(); err != nil {
		return n, errors.Wrap(err, "failed to sync chunk")
	}
	if err := tmp.Close(); err != nil {
		return n, errors.Wrap(err, "failed to close chunk")
	}
	if err := os.Rename(tmpPath, s.partPath(uploadID, index)); err != nil {
		return n, errors.Wrap(err, "failed to publish chunk")
	}
	committed = true

	if err := syncDir(dir); err != nil {
		return n, errors.Wrap(err, "failed to sync chunk dir")
	}
	return n, nil
}

func (s *DiskStore) Open(ctx context.Context, uploadID string, index int) (io.ReadCloser, error) {
	if err := validateKey(uploadID, index); err != nil {
		return nil, err
	}
	f, err := os.Open(s.partPath(uploadID, index))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errors.Wrapf(ErrNotFound, "chunk %d of %s", index, uploadID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open chunk %d of %s", index, uploadID)
	}
	return f, nil
}

func (s *DiskStore) Delete(ctx context.Context, uploadID string, index int) error {
	if err := validateKey(uploadID, index); err != nil {
		return err
	}
	err := os.Remove(s.partPath(uploadID, index))
	if errors.Is(err, fs.ErrNotExist) {
		return errors.Wrapf(ErrNotFound, "chunk %d of %s", index, uploadID)
	}
	return errors.Wrapf(err, "failed to delete chunk %d of %s", index, uploadID)
}

func (s *DiskStore) DeleteAll(ctx context.Context, uploadID string) error {
	if err := ValidateUploadID(uploadID); err != nil {
		return err
	}
	dir := s.uploadDir(uploadID)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "failed to list chunks of %s", uploadID)
	}

	var result *multierror.Error
	for _, e := range entries {
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			result = multierror.Append(result, err)
		}
	}
	if err := os.Remove(dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		result = multierror.Append(result, err)
	}
	return errors.Wrapf(result.ErrorOrNil(), "failed to delete chunks of %s", uploadID)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

// readerWithContext stops a copy once ctx is done, so an abandoned request
// body never turns into a committed artifact.
func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	return &ctxReader{ctx: ctx, r: r}
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
