package upload

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/lvbu1984/chunkd/internal/lifecycle"
	"github.com/lvbu1984/chunkd/internal/logging"
	"github.com/lvbu1984/chunkd/internal/storage"
)

// MaxTotalChunks bounds the totalChunks a client may declare.
const MaxTotalChunks = 100000

var errChunkTooLarge = errors.New("chunk exceeds size limit")

// Ledger records which chunks of each upload have been durably stored.
// *lifecycle.SQLiteStore implements it.
type Ledger interface {
	Record(ctx context.Context, uploadID string, index, total int, size int64) (*lifecycle.UploadSession, error)
	Get(ctx context.Context, uploadID string) (*lifecycle.UploadSession, error)
	Clear(ctx context.Context, uploadID string) (bool, error)
	BeginMerge(ctx context.Context, uploadID, outputName string) error
}

// Observer receives coordinator events, typically for metrics.
type Observer interface {
	ChunkStored(bytes int64)
	ChunkRejected(reason string)
	MergeFinished(outcome string, elapsed time.Duration, bytes int64)
	UploadRemoved(reason string)
	// CleanupFailed reports chunks left on disk after their upload was
	// merged. The sweeper never sees them again since the ledger is cleared.
	CleanupFailed(uploadID string)
}

type noopObserver struct{}

func (noopObserver) ChunkStored(int64)                           {}
func (noopObserver) ChunkRejected(string)                        {}
func (noopObserver) MergeFinished(string, time.Duration, int64) {}
func (noopObserver) UploadRemoved(string)                        {}
func (noopObserver) CleanupFailed(string)                        {}

// Options configures a Coordinator. Observer and Logger default to no-ops.
type Options struct {
	// OutputDir receives merged files. It is created on first merge.
	OutputDir string
	// MaxChunkSize caps a single chunk body in bytes. Zero disables the cap.
	MaxChunkSize int64
	Observer     Observer
	Logger       logging.Logger
}

// Chunk is one received piece of an upload.
type Chunk struct {
	UploadID string
	Index    int
	Total    int
	Body     io.Reader
}

// Coordinator serializes all work on one upload id and runs ingest, merge
// and cleanup against a ChunkStore and a Ledger.
type Coordinator struct {
	chunks   storage.ChunkStore
	ledger   Ledger
	merger   *Merger
	locks    *keyLocks
	maxChunk int64
	observer Observer
	logger   logging.Logger
}

func NewCoordinator(chunks storage.ChunkStore, ledger Ledger, opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Observer == nil {
		opts.Observer = noopObserver{}
	}
	return &Coordinator{
		chunks:   chunks,
		ledger:   ledger,
		merger:   NewMerger(chunks, ledger, opts.OutputDir, opts.Logger),
		locks:    newKeyLocks(),
		maxChunk: opts.MaxChunkSize,
		observer: opts.Observer,
		logger:   opts.Logger,
	}
}

func validateTotal(total int) error {
	if total < 1 || total > MaxTotalChunks {
		return invalidf("totalChunks must be between 1 and %d, got %d", MaxTotalChunks, total)
	}
	return nil
}

func validateUploadID(id string) error {
	if err := storage.ValidateUploadID(id); err != nil {
		return invalidf("fileName %q: %v", id, err)
	}
	return nil
}

// IngestChunk stores one chunk and records it. The returned session reflects
// every chunk acknowledged so far, this one included.
func (c *Coordinator) IngestChunk(ctx context.Context, chunk Chunk) (*lifecycle.UploadSession, error) {
	session, err := c.ingest(ctx, chunk)
	if err != nil {
		if errors.Is(err, ErrInvalidRequest) {
			c.observer.ChunkRejected("invalid")
		} else {
			c.observer.ChunkRejected("error")
		}
		return nil, err
	}
	return session, nil
}

func (c *Coordinator) ingest(ctx context.Context, chunk Chunk) (*lifecycle.UploadSession, error) {
	if err := validateUploadID(chunk.UploadID); err != nil {
		return nil, err
	}
	if err := validateTotal(chunk.Total); err != nil {
		return nil, err
	}
	if chunk.Index < 0 || chunk.Index >= chunk.Total {
		return nil, invalidf("chunkIndex %d outside [0, %d)", chunk.Index, chunk.Total)
	}
	if chunk.Body == nil {
		return nil, invalidf("chunk body is required")
	}

	unlock, err := c.locks.Lock(ctx, chunk.UploadID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	existing, err := c.ledger.Get(ctx, chunk.UploadID)
	switch {
	case errors.Is(err, lifecycle.ErrNotFound):
	case err != nil:
		return nil, ioError("read ledger", err)
	case existing.TotalChunks != chunk.Total:
		return nil, invalidf("totalChunks %d does not match the %d declared by the upload", chunk.Total, existing.TotalChunks)
	}

	body := chunk.Body
	if c.maxChunk > 0 {
		body = &limitedReader{r: body, remaining: c.maxChunk}
	}
	n, err := c.chunks.Save(ctx, chunk.UploadID, chunk.Index, body)
	if err != nil {
		switch {
		case errors.Is(err, errChunkTooLarge):
			return nil, invalidf("chunk %d is larger than %d bytes", chunk.Index, c.maxChunk)
		case errors.Is(err, storage.ErrInvalidName), errors.Is(err, storage.ErrInvalidPart):
			return nil, invalidf("%v", err)
		case ctx.Err() != nil:
			return nil, ctx.Err()
		}
		return nil, ioError("store chunk", err)
	}

	session, err := c.ledger.Record(ctx, chunk.UploadID, chunk.Index, chunk.Total, n)
	if err != nil {
		if errors.Is(err, lifecycle.ErrTotalMismatch) || errors.Is(err, lifecycle.ErrOutOfRange) {
			return nil, invalidf("%v", err)
		}
		return nil, ioError("record chunk", err)
	}

	c.observer.ChunkStored(n)
	c.logger.Debug("chunk stored",
		"upload_id", chunk.UploadID,
		"index", chunk.Index,
		"total", chunk.Total,
		"bytes", n,
		"received", len(session.Received),
	)
	return session, nil
}

// Progress returns the upload's session, or false when the ledger has no
// record of it. It never modifies state.
func (c *Coordinator) Progress(ctx context.Context, uploadID string) (*lifecycle.UploadSession, bool, error) {
	session, err := c.ledger.Get(ctx, uploadID)
	if errors.Is(err, lifecycle.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, ioError("read ledger", err)
	}
	return session, true, nil
}

// Merge assembles the upload into one file in the output directory. At most
// one merge per upload id succeeds; later calls get ErrNothingToMerge.
func (c *Coordinator) Merge(ctx context.Context, uploadID string, total int) (*MergeResult, error) {
	if err := validateUploadID(uploadID); err != nil {
		return nil, err
	}
	if err := validateTotal(total); err != nil {
		return nil, err
	}

	unlock, err := c.locks.Lock(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	start := time.Now()
	result, err := c.merger.Merge(ctx, uploadID, total)
	elapsed := time.Since(start)
	if err != nil {
		c.observer.MergeFinished(mergeOutcome(err), elapsed, 0)
		return nil, err
	}
	c.observer.MergeFinished("ok", elapsed, result.Size)
	if result.CleanupErr != nil {
		c.observer.CleanupFailed(uploadID)
	}
	return result, nil
}

func mergeOutcome(err error) string {
	switch {
	case errors.Is(err, ErrIncompleteUpload):
		return "incomplete"
	case errors.Is(err, ErrNothingToMerge):
		return "nothing"
	case errors.Is(err, ErrMissingChunk):
		return "missing_chunk"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid"
	}
	return "error"
}

// Abandon drops every chunk and the ledger record of an upload. It reports
// whether a record existed.
func (c *Coordinator) Abandon(ctx context.Context, uploadID string) (bool, error) {
	if err := validateUploadID(uploadID); err != nil {
		return false, err
	}

	unlock, err := c.locks.Lock(ctx, uploadID)
	if err != nil {
		return false, err
	}
	defer unlock()

	existed, err := c.remove(ctx, uploadID)
	if err != nil {
		return false, err
	}
	if existed {
		c.observer.UploadRemoved("abandoned")
		c.logger.Info("upload abandoned", "upload_id", uploadID)
	}
	return existed, nil
}

// Expire removes the upload only if it has still seen no activity since
// cutoff once its lock is held.
func (c *Coordinator) Expire(ctx context.Context, uploadID string, cutoff time.Time) (bool, error) {
	unlock, err := c.locks.Lock(ctx, uploadID)
	if err != nil {
		return false, err
	}
	defer unlock()

	session, err := c.ledger.Get(ctx, uploadID)
	if errors.Is(err, lifecycle.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, ioError("read ledger", err)
	}
	if !session.Stale(cutoff) {
		return false, nil
	}
	// an interrupted merge is completed rather than thrown away
	if session.Status == lifecycle.StatusMerging {
		result, err := c.merger.Merge(ctx, uploadID, session.TotalChunks)
		if err == nil {
			c.observer.MergeFinished("resumed", 0, result.Size)
			if result.CleanupErr != nil {
				c.observer.CleanupFailed(uploadID)
			}
			return true, nil
		}
		c.logger.Warn("could not resume stale merge", "upload_id", uploadID, "error", err)
	}

	existed, err := c.remove(ctx, uploadID)
	if err != nil {
		return false, err
	}
	if existed {
		c.observer.UploadRemoved("expired")
		c.logger.Info("upload expired", "upload_id", uploadID, "last_activity", session.UpdatedAt)
	}
	return existed, nil
}

func (c *Coordinator) remove(ctx context.Context, uploadID string) (bool, error) {
	existed, err := c.ledger.Clear(ctx, uploadID)
	if err != nil {
		return false, ioError("clear ledger", err)
	}
	if err := c.chunks.DeleteAll(ctx, uploadID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return existed, ioError("delete chunks", err)
	}
	return existed, nil
}

type limitedReader struct {
	r         io.Reader
	remaining int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if int64(len(p)) > l.remaining+1 {
		p = p[:l.remaining+1]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		return n, errChunkTooLarge
	}
	return n, err
}
