package upload

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/lvbu1984/chunkd/internal/lifecycle"
	"github.com/lvbu1984/chunkd/internal/logging"
	"github.com/lvbu1984/chunkd/internal/storage"
)

// MergeResult describes a published file. It is also the data of a
// successful merge response.
type MergeResult struct {
	UploadID string `json:"uploadId"`
	// FileName is the published name inside the output directory.
	FileName string `json:"fileName"`
	Path     string `json:"-"`
	Size     int64  `json:"size"`
	Chunks   int    `json:"chunks"`

	// CleanupErr is set when the file was published but its chunks could not
	// be deleted. The merge still counts as done.
	CleanupErr error `json:"-"`
}

// Merger concatenates an upload's chunks into the output directory. Callers
// must hold the upload's lock.
type Merger struct {
	chunks    storage.ChunkStore
	ledger    Ledger
	outputDir string
	now       func() time.Time
	logger    logging.Logger
}

func NewMerger(chunks storage.ChunkStore, ledger Ledger, outputDir string, logger logging.Logger) *Merger {
	return &Merger{
		chunks:    chunks,
		ledger:    ledger,
		outputDir: outputDir,
		now:       time.Now,
		logger:    logger,
	}
}

func (m *Merger) Merge(ctx context.Context, uploadID string, total int) (*MergeResult, error) {
	session, err := m.ledger.Get(ctx, uploadID)
	if errors.Is(err, lifecycle.ErrNotFound) {
		return nil, ErrNothingToMerge
	}
	if err != nil {
		return nil, ioError("read ledger", err)
	}

	// a merge may not settle for fewer chunks than were declared, nor wait
	// for indices no chunk could ever carry
	switch {
	case total > session.TotalChunks:
		return nil, &IncompleteUploadError{UploadID: uploadID, Missing: session.Missing(total)}
	case total < session.TotalChunks:
		return nil, incompletef("%s declares %d chunks and has %d, merge asked for %d",
			uploadID, session.TotalChunks, len(session.Received), total)
	}

	if session.Status == lifecycle.StatusMerging && session.OutputName != "" {
		info, err := os.Stat(filepath.Join(m.outputDir, session.OutputName))
		if err == nil {
			// published before a crash or a failed cleanup; only finish up
			m.logger.Warn("resuming interrupted merge", "upload_id", uploadID, "output", session.OutputName)
			return m.finish(ctx, session, info.Size())
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, ioError("stat output", err)
		}
	}

	if missing := session.Missing(total); len(missing) > 0 {
		return nil, &IncompleteUploadError{UploadID: uploadID, Missing: missing}
	}

	if err := os.MkdirAll(m.outputDir, 0o755); err != nil {
		return nil, ioError("create output dir", err)
	}

	name := session.OutputName
	if name == "" {
		if name, err = outputName(m.outputDir, uploadID, m.now()); err != nil {
			return nil, ioError("choose output name", err)
		}
	}
	if err := m.ledger.BeginMerge(ctx, uploadID, name); err != nil {
		return nil, ioError("mark merging", err)
	}
	session.OutputName = name

	size, err := m.assemble(ctx, session)
	if err != nil {
		return nil, err
	}

	m.logger.Info("merged upload", "upload_id", uploadID, "output", name, "chunks", total, "size", size)
	return m.finish(ctx, session, size)
}

// assemble writes chunks 0..N-1 to a hidden temp file and renames it into
// place. On error nothing is published and the chunks are left alone.
func (m *Merger) assemble(ctx context.Context, session *lifecycle.UploadSession) (int64, error) {
	tmpPath := filepath.Join(m.outputDir, "."+uuid.NewString()+".merging")
	dst, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return 0, ioError("create merge file", err)
	}
	published := false
	defer func() {
		if !published {
			dst.Close()
			os.Remove(tmpPath)
		}
	}()

	var size int64
	for i := 0; i < session.TotalChunks; i++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		n, err := m.appendChunk(ctx, dst, session.UploadID, i)
		if err != nil {
			return 0, err
		}
		size += n
	}

	if err := dst.Sync(); err != nil {
		return 0, ioError("sync merge file", err)
	}
	if err := dst.Close(); err != nil {
		return 0, ioError("close merge file", err)
	}
	if err := os.Rename(tmpPath, filepath.Join(m.outputDir, session.OutputName)); err != nil {
		return 0, ioError("publish merge file", err)
	}
	published = true

	if d, err := os.Open(m.outputDir); err == nil {
		d.Sync()
		d.Close()
	}
	return size, nil
}

type readTracker struct {
	r   io.Reader
	err error
}

func (t *readTracker) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && err != io.EOF {
		t.err = err
	}
	return n, err
}

func (m *Merger) appendChunk(ctx context.Context, dst io.Writer, uploadID string, index int) (int64, error) {
	rc, err := m.chunks.Open(ctx, uploadID, index)
	if err != nil {
		return 0, &MissingChunkError{UploadID: uploadID, Index: index, Err: err}
	}
	defer rc.Close()

	src := &readTracker{r: rc}
	n, err := io.Copy(dst, src)
	if src.err != nil {
		return n, &MissingChunkError{UploadID: uploadID, Index: index, Err: src.err}
	}
	if err != nil {
		return n, ioError("write merge file", err)
	}
	return n, nil
}

// finish forgets the upload once its file is published. Clearing the ledger
// is what makes a second merge report ErrNothingToMerge.
func (m *Merger) finish(ctx context.Context, session *lifecycle.UploadSession, size int64) (*MergeResult, error) {
	if _, err := m.ledger.Clear(ctx, session.UploadID); err != nil {
		return nil, ioError("clear ledger", err)
	}
	result := &MergeResult{
		UploadID: session.UploadID,
		FileName: session.OutputName,
		Path:     filepath.Join(m.outputDir, session.OutputName),
		Size:     size,
		Chunks:   session.TotalChunks,
	}
	if err := m.chunks.DeleteAll(ctx, session.UploadID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		m.logger.Warn("failed to delete merged chunks", "upload_id", session.UploadID, "error", err)
		result.CleanupErr = ioError("delete merged chunks", err)
	}
	return result, nil
}
